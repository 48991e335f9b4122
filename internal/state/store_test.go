package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/branchsim/internal/dbutil"
	"github.com/danielpatrickdp/branchsim/internal/storeerr"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func obs(step int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`[%d, 0.5, -0.25, 1.0]`, step))
}

// chain creates a root plus n descendants and returns them root-first.
func chain(t *testing.T, s *Store, n int) []State {
	t.Helper()
	ctx := context.Background()
	root, err := s.Create(ctx, NewState{Observation: obs(0), StepNumber: 0})
	if err != nil {
		t.Fatalf("Create root: %v", err)
	}
	out := []State{root}
	for i := 1; i <= n; i++ {
		reward := 1.0
		st, err := s.Create(ctx, NewState{
			ParentID:    out[len(out)-1].ID,
			Observation: obs(i),
			Action:      json.RawMessage(`1`),
			Reward:      &reward,
			StepNumber:  i,
		})
		if err != nil {
			t.Fatalf("Create step %d: %v", i, err)
		}
		out = append(out, st)
	}
	return out
}

func TestCreateAndGet(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	reward := 0.75

	rec, err := s.Create(ctx, NewState{
		Observation:   obs(0),
		Action:        json.RawMessage(`{"push":"left"}`),
		Reward:        &reward,
		Truncated:     true,
		StepNumber:    3,
		Info:          json.RawMessage(`{"lives":2}`),
		ExtraMetadata: json.RawMessage(`{"q_values":[0.1,0.9]}`),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected non-empty id")
	}
	if !rec.IsRoot() {
		t.Fatal("expected root state")
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Observation) != string(rec.Observation) {
		t.Errorf("observation mismatch: %s vs %s", got.Observation, rec.Observation)
	}
	if string(got.Action) != `{"push":"left"}` {
		t.Errorf("action mismatch: %s", got.Action)
	}
	if got.Reward == nil || *got.Reward != 0.75 {
		t.Errorf("reward mismatch: %v", got.Reward)
	}
	if !got.Truncated || got.Done {
		t.Errorf("flags mismatch: done=%v truncated=%v", got.Done, got.Truncated)
	}
	if got.StepNumber != 3 {
		t.Errorf("expected step 3, got %d", got.StepNumber)
	}
	if string(got.Info) != `{"lives":2}` || string(got.ExtraMetadata) != `{"q_values":[0.1,0.9]}` {
		t.Errorf("auxiliary payload mismatch: %s %s", got.Info, got.ExtraMetadata)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("created_at mismatch: %v vs %v", got.CreatedAt, rec.CreatedAt)
	}
}

func TestCreateOptionalFieldsStayNull(t *testing.T) {
	s := tempDB(t)
	rec, err := s.Create(context.Background(), NewState{Observation: obs(0)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Action != nil || got.Reward != nil || got.Info != nil || got.ExtraMetadata != nil {
		t.Fatalf("expected nil optional fields, got %+v", got)
	}
}

func TestCreateMissingParent(t *testing.T) {
	s := tempDB(t)
	_, err := s.Create(context.Background(), NewState{ParentID: "nonexistent-id", Observation: obs(1)})
	if !errors.Is(err, storeerr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	cases := map[string]NewState{
		"missing observation": {},
		"bad observation":     {Observation: json.RawMessage(`[1,2`)},
		"bad action":          {Observation: obs(0), Action: json.RawMessage(`{`)},
		"bad info":            {Observation: obs(0), Info: json.RawMessage(`nope`)},
		"negative step":       {Observation: obs(0), StepNumber: -1},
	}
	for name, ns := range cases {
		if _, err := s.Create(ctx, ns); !errors.Is(err, storeerr.ErrValidation) {
			t.Errorf("%s: expected ErrValidation, got %v", name, err)
		}
	}
}

func TestGetNotFound(t *testing.T) {
	s := tempDB(t)
	_, err := s.Get(context.Background(), "nonexistent-id")
	if !errors.Is(err, storeerr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChildren(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	states := chain(t, s, 2)

	// Fork a sibling of states[2] off states[1].
	sibling, err := s.Create(ctx, NewState{ParentID: states[1].ID, Observation: obs(99), StepNumber: 2})
	if err != nil {
		t.Fatalf("Create sibling: %v", err)
	}

	children, err := s.Children(ctx, states[1].ID)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	ids := map[string]bool{children[0].ID: true, children[1].ID: true}
	if !ids[states[2].ID] || !ids[sibling.ID] {
		t.Fatalf("unexpected children %v", ids)
	}

	leaf, err := s.Children(ctx, states[2].ID)
	if err != nil {
		t.Fatalf("Children leaf: %v", err)
	}
	if len(leaf) != 0 {
		t.Fatalf("expected leaf to have no children, got %d", len(leaf))
	}

	if _, err := s.Children(ctx, "nonexistent-id"); !errors.Is(err, storeerr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLineage(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	states := chain(t, s, 5)

	for i, target := range states {
		lineage, err := s.Lineage(ctx, target.ID)
		if err != nil {
			t.Fatalf("Lineage %d: %v", i, err)
		}
		depth, err := s.Depth(ctx, target.ID)
		if err != nil {
			t.Fatalf("Depth %d: %v", i, err)
		}
		if len(lineage) != 1+depth {
			t.Fatalf("lineage length %d != 1 + depth %d", len(lineage), depth)
		}
		if depth != i {
			t.Fatalf("expected depth %d, got %d", i, depth)
		}
		if !lineage[0].IsRoot() {
			t.Fatal("lineage must start at a root")
		}
		if lineage[len(lineage)-1].ID != target.ID {
			t.Fatal("lineage must end at the target")
		}
		for j := 1; j < len(lineage); j++ {
			if lineage[j].ParentID != lineage[j-1].ID {
				t.Fatalf("broken parent chain at %d", j)
			}
		}
	}
}

func TestLineageNotFound(t *testing.T) {
	s := tempDB(t)
	if _, err := s.Lineage(context.Background(), "nonexistent-id"); !errors.Is(err, storeerr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Depth(context.Background(), "nonexistent-id"); !errors.Is(err, storeerr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTerminal(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	states := chain(t, s, 2)

	done, err := s.Create(ctx, NewState{ParentID: states[2].ID, Observation: obs(3), StepNumber: 3, Done: true})
	if err != nil {
		t.Fatalf("Create done: %v", err)
	}

	terminal, err := s.Terminal(ctx)
	if err != nil {
		t.Fatalf("Terminal: %v", err)
	}
	if len(terminal) != 1 || terminal[0].ID != done.ID {
		t.Fatalf("expected only %s, got %+v", done.ID, terminal)
	}
}

func TestInsertInsideTransaction(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	rec, err := Insert(ctx, tx, NewState{Observation: obs(0)})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if _, err := s.Get(ctx, rec.ID); !errors.Is(err, storeerr.ErrNotFound) {
		t.Fatalf("expected rolled-back state to be absent, got %v", err)
	}
}

func TestCreateOnClosedDB(t *testing.T) {
	s := tempDB(t)
	s.Close()

	if _, err := s.Create(context.Background(), NewState{Observation: obs(0)}); err == nil {
		t.Fatal("expected error on closed DB")
	}
	if _, err := s.Terminal(context.Background()); err == nil {
		t.Fatal("expected error on closed DB")
	}
}

// corruptDB opens an in-memory SQLite with the states schema via NewStoreWithDB.
func corruptDB(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := dbutil.Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	s, err := NewStoreWithDB(db)
	if err != nil {
		t.Fatalf("NewStoreWithDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return s, db
}

func TestCreate_InsertFails(t *testing.T) {
	s, db := corruptDB(t)
	db.Exec("DROP TABLE states")

	if _, err := s.Create(context.Background(), NewState{Observation: obs(0)}); err == nil {
		t.Fatal("expected error when states table is missing")
	}
}

func TestLineage_QueryFails(t *testing.T) {
	s, db := corruptDB(t)
	db.Exec("DROP TABLE states")

	if _, err := s.Lineage(context.Background(), "any"); err == nil {
		t.Fatal("expected error when states table is missing")
	}
}

func TestGet_BadTimestamp(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	st, err := s.Create(ctx, NewState{Observation: obs(0)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.DB().Exec(`UPDATE states SET created_at = 'not-a-time' WHERE id = ?`, st.ID); err != nil {
		t.Fatalf("corrupt created_at: %v", err)
	}

	if _, err := s.Get(ctx, st.ID); err == nil {
		t.Fatal("expected error for malformed created_at")
	}
	if _, err := s.Lineage(ctx, st.ID); err == nil {
		t.Fatal("expected Lineage to surface the malformed created_at")
	}
}
