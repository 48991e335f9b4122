// Package ledger implements the append-only, per-run ordered list of state
// references that materializes a run's path through the state tree.
//
// Every function takes a dbutil.Querier so callers decide the transaction
// boundary. The run manager is the only caller that writes.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/branchsim/internal/dbutil"
	"github.com/danielpatrickdp/branchsim/internal/state"
	"github.com/danielpatrickdp/branchsim/internal/storeerr"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS run_state_sequence (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL,
	state_id        TEXT NOT NULL,
	sequence_order  INTEGER NOT NULL CHECK (sequence_order >= 0),
	created_at      TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE,
	FOREIGN KEY (state_id) REFERENCES states(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS ix_run_sequence ON run_state_sequence(run_id, sequence_order);
CREATE UNIQUE INDEX IF NOT EXISTS ux_run_state ON run_state_sequence(run_id, state_id);
CREATE INDEX IF NOT EXISTS ix_state_run ON run_state_sequence(state_id, run_id);
`

// Migrate creates the ledger table. The runs and states tables must exist
// before rows are written.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

// #endregion schema

// #region types
// Entry is one ledger row.
type Entry struct {
	RunID         string    `json:"run_id"`
	StateID       string    `json:"state_id"`
	SequenceOrder int       `json:"sequence_order"`
	CreatedAt     time.Time `json:"created_at"`
}

// Positioned is a state together with its position in one run's ledger.
type Positioned struct {
	State         state.State `json:"state"`
	SequenceOrder int         `json:"sequence_order"`
}

// #endregion types

// #region append
// Append writes stateID at order in runID's ledger. A clash on either unique
// key means another writer got there first and is reported as a sequence conflict.
func Append(ctx context.Context, q dbutil.Querier, runID, stateID string, order int) (Entry, error) {
	e := Entry{RunID: runID, StateID: stateID, SequenceOrder: order, CreatedAt: time.Now().UTC()}
	_, err := q.ExecContext(ctx,
		`INSERT INTO run_state_sequence (id, run_id, state_id, sequence_order, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), runID, stateID, order, dbutil.FormatTime(e.CreatedAt),
	)
	if err != nil {
		if dbutil.IsUniqueViolation(err) {
			return Entry{}, fmt.Errorf("append run %s order %d: %w", runID, order, storeerr.ErrSequenceConflict)
		}
		if dbutil.IsForeignKeyViolation(err) {
			return Entry{}, fmt.Errorf("append run %s state %s: %w", runID, stateID, storeerr.ErrNotFound)
		}
		return Entry{}, fmt.Errorf("append run %s: %w", runID, err)
	}
	return e, nil
}

// AppendAll writes stateIDs at orders 0..n-1.
func AppendAll(ctx context.Context, q dbutil.Querier, runID string, stateIDs []string) error {
	for i, id := range stateIDs {
		if _, err := Append(ctx, q, runID, id, i); err != nil {
			return err
		}
	}
	return nil
}

// #endregion append

// #region read
// StateIDs returns the run's state ids ordered by sequence.
func StateIDs(ctx context.Context, q dbutil.Querier, runID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT state_id FROM run_state_sequence WHERE run_id = ? ORDER BY sequence_order`, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger state ids %s: %w", runID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Rows returns the raw ledger rows of a run ordered by sequence.
func Rows(ctx context.Context, q dbutil.Querier, runID string) ([]Entry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT run_id, state_id, sequence_order, created_at
		 FROM run_state_sequence WHERE run_id = ? ORDER BY sequence_order`, runID)
	if err != nil {
		return nil, fmt.Errorf("list ledger %s: %w", runID, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdStr string
		if err := rows.Scan(&e.RunID, &e.StateID, &e.SequenceOrder, &createdStr); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if e.CreatedAt, err = dbutil.ParseTime(createdStr); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Entries returns the run's states joined with their ledger positions.
func Entries(ctx context.Context, q dbutil.Querier, runID string) ([]Positioned, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+state.Columns+`, rss.sequence_order
		 FROM run_state_sequence rss JOIN states s ON s.id = rss.state_id
		 WHERE rss.run_id = ? ORDER BY rss.sequence_order`, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger entries %s: %w", runID, err)
	}
	defer rows.Close()

	var out []Positioned
	for rows.Next() {
		var order int
		st, err := state.Scan(rows, &order)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, Positioned{State: st, SequenceOrder: order})
	}
	return out, rows.Err()
}

// MaxOrder returns the highest sequence order in the run, or -1 if the ledger is empty.
func MaxOrder(ctx context.Context, q dbutil.Querier, runID string) (int, error) {
	var hi int
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_order), -1) FROM run_state_sequence WHERE run_id = ?`, runID,
	).Scan(&hi)
	if err != nil {
		return 0, fmt.Errorf("max order %s: %w", runID, err)
	}
	return hi, nil
}

// Count returns the number of entries in the run's ledger.
func Count(ctx context.Context, q dbutil.Querier, runID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_state_sequence WHERE run_id = ?`, runID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ledger %s: %w", runID, err)
	}
	return n, nil
}

// RunsContaining returns the ids of every run whose ledger references stateID.
func RunsContaining(ctx context.Context, q dbutil.Querier, stateID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT run_id FROM run_state_sequence WHERE state_id = ? ORDER BY run_id`, stateID)
	if err != nil {
		return nil, fmt.Errorf("runs containing %s: %w", stateID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// #endregion read

// #region prefix
// PrefixThrough returns ids up to and including the first occurrence of
// target. ok is false when target does not occur, in which case nothing is
// returned rather than the whole list.
func PrefixThrough(ids []string, target string) (prefix []string, ok bool) {
	for i, id := range ids {
		if id == target {
			out := make([]string, i+1)
			copy(out, ids[:i+1])
			return out, true
		}
	}
	return nil, false
}

// #endregion prefix
