package dbutil

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestOpenCreatesWALDatabase(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Fatalf("expected wal, got %s", mode)
	}

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", fk)
	}
}

func TestOpenInvalidPath(t *testing.T) {
	_, err := Open(filepath.Join(string(os.PathSeparator), "nonexistent", "deep", "path", "test.db"))
	if err == nil {
		t.Fatal("expected error for invalid path")
	}
}

func TestOpenCorruptFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "corrupt.db")
	os.WriteFile(dbPath, []byte("not a sqlite database"), 0644)

	_, err := Open(dbPath)
	if err == nil {
		t.Fatal("expected error for corrupted DB file")
	}
}

func TestDSN(t *testing.T) {
	if got := DSN(":memory:"); !strings.HasPrefix(got, ":memory:?") {
		t.Errorf("unexpected memory dsn %q", got)
	}
	got := DSN("/tmp/x.db")
	if !strings.HasPrefix(got, "file:/tmp/x.db?") || !strings.Contains(got, "_txlock=immediate") {
		t.Errorf("unexpected file dsn %q", got)
	}
}

func TestUniqueAndForeignKeyClassification(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE parent (id TEXT PRIMARY KEY);
		CREATE TABLE child (id TEXT PRIMARY KEY, parent_id TEXT REFERENCES parent(id), UNIQUE(parent_id));
		INSERT INTO parent (id) VALUES ('p1');
		INSERT INTO child (id, parent_id) VALUES ('c1', 'p1');
	`)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err = db.Exec(`INSERT INTO child (id, parent_id) VALUES ('c2', 'p1')`)
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
	if IsForeignKeyViolation(err) {
		t.Fatal("unique violation misclassified as foreign key")
	}

	_, err = db.Exec(`INSERT INTO child (id, parent_id) VALUES ('c3', 'missing')`)
	if !IsForeignKeyViolation(err) {
		t.Fatalf("expected foreign key violation, got %v", err)
	}

	if IsUniqueViolation(nil) || IsForeignKeyViolation(nil) || IsBusy(nil) {
		t.Fatal("nil must not classify")
	}
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.UTC)
	got, err := ParseTime(FormatTime(now))
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	if !got.Equal(now) {
		t.Fatalf("expected %v, got %v", now, got)
	}
	if _, err := ParseTime("garbage"); err == nil {
		t.Fatal("expected error for malformed timestamp")
	}
	if nt, err := NullTime(sql.NullString{}); err != nil || nt != nil {
		t.Fatalf("expected nil for NULL timestamp, got %v, %v", nt, err)
	}
	nt, err := NullTime(sql.NullString{String: FormatTime(now), Valid: true})
	if err != nil || nt == nil || !nt.Equal(now) {
		t.Fatalf("unexpected NullTime result %v, %v", nt, err)
	}
	if _, err := NullTime(sql.NullString{String: "yesterday", Valid: true}); err == nil {
		t.Fatal("expected error for malformed nullable timestamp")
	}
}

func TestNullIfEmpty(t *testing.T) {
	if NullIfEmpty("") != nil {
		t.Error("expected nil for empty string")
	}
	if NullIfEmpty("x") != "x" {
		t.Error("expected passthrough")
	}
	if NullIfEmptyBytes(nil) != nil {
		t.Error("expected nil for empty bytes")
	}
	if NullIfEmptyBytes([]byte(`{}`)) != "{}" {
		t.Error("expected string payload")
	}
}

func TestRetry(t *testing.T) {
	errRetry := errors.New("retry me")
	errFatal := errors.New("fatal")
	isRetry := func(err error) bool { return errors.Is(err, errRetry) }

	calls := 0
	err := Retry(context.Background(), 3, isRetry, func() error {
		calls++
		if calls < 3 {
			return errRetry
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success after 3 calls, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = Retry(context.Background(), 3, isRetry, func() error {
		calls++
		return errFatal
	})
	if !errors.Is(err, errFatal) || calls != 1 {
		t.Fatalf("expected immediate fatal error, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = Retry(context.Background(), 2, isRetry, func() error {
		calls++
		return errRetry
	})
	if !errors.Is(err, errRetry) || calls != 3 {
		t.Fatalf("expected exhaustion after 3 calls, got err=%v calls=%d", err, calls)
	}
}

func TestRetryContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	errRetry := errors.New("retry me")
	err := Retry(ctx, 5, func(error) bool { return true }, func() error { return errRetry })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
