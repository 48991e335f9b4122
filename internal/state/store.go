package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/branchsim/internal/dbutil"
	"github.com/danielpatrickdp/branchsim/internal/storeerr"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS states (
	id               TEXT PRIMARY KEY,
	parent_state_id  TEXT,
	observation      TEXT NOT NULL,
	action           TEXT,
	reward           REAL,
	done             INTEGER NOT NULL DEFAULT 0,
	truncated        INTEGER NOT NULL DEFAULT 0,
	step_number      INTEGER NOT NULL DEFAULT 0,
	info             TEXT,
	extra_metadata   TEXT,
	created_at       TEXT NOT NULL,
	FOREIGN KEY (parent_state_id) REFERENCES states(id)
);
CREATE INDEX IF NOT EXISTS ix_states_parent ON states(parent_state_id);
CREATE INDEX IF NOT EXISTS ix_states_parent_step ON states(parent_state_id, step_number);
CREATE INDEX IF NOT EXISTS ix_states_done_created ON states(done, created_at);
`

// Columns is the select list for a states row aliased as "s".
const Columns = `s.id, s.parent_state_id, s.observation, s.action, s.reward, s.done, s.truncated,
	s.step_number, s.info, s.extra_metadata, s.created_at`

// #endregion schema

// #region store-struct
// Store manages immutable states in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := dbutil.Open(dbPath)
	if err != nil {
		return nil, err
	}
	s, err := NewStoreWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithDB runs migrations on an already-open database.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate states: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other stores sharing the file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion close

// #region create
// Create persists a new immutable state.
func (s *Store) Create(ctx context.Context, ns NewState) (State, error) {
	return Insert(ctx, s.db, ns)
}

// Insert writes a state through q so callers can include it in a transaction.
func Insert(ctx context.Context, q dbutil.Querier, ns NewState) (State, error) {
	if err := validate(ns); err != nil {
		return State{}, err
	}
	if ns.ParentID != "" {
		if err := exists(ctx, q, ns.ParentID); err != nil {
			return State{}, fmt.Errorf("parent state: %w", err)
		}
	}

	rec := State{
		ID:            uuid.New().String(),
		ParentID:      ns.ParentID,
		Observation:   ns.Observation,
		Action:        ns.Action,
		Reward:        ns.Reward,
		Done:          ns.Done,
		Truncated:     ns.Truncated,
		StepNumber:    ns.StepNumber,
		Info:          ns.Info,
		ExtraMetadata: ns.ExtraMetadata,
		CreatedAt:     time.Now().UTC(),
	}

	var reward any
	if rec.Reward != nil {
		reward = *rec.Reward
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO states (id, parent_state_id, observation, action, reward, done, truncated,
		 step_number, info, extra_metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, dbutil.NullIfEmpty(rec.ParentID), string(rec.Observation),
		dbutil.NullIfEmptyBytes(rec.Action), reward, rec.Done, rec.Truncated,
		rec.StepNumber, dbutil.NullIfEmptyBytes(rec.Info), dbutil.NullIfEmptyBytes(rec.ExtraMetadata),
		dbutil.FormatTime(rec.CreatedAt),
	)
	if err != nil {
		if dbutil.IsForeignKeyViolation(err) {
			return State{}, fmt.Errorf("insert state: parent %s: %w", ns.ParentID, storeerr.ErrNotFound)
		}
		return State{}, fmt.Errorf("insert state: %w", err)
	}
	return rec, nil
}

func validate(ns NewState) error {
	if len(ns.Observation) == 0 {
		return fmt.Errorf("observation is required: %w", storeerr.ErrValidation)
	}
	fields := []struct {
		name string
		raw  json.RawMessage
	}{
		{"observation", ns.Observation},
		{"action", ns.Action},
		{"info", ns.Info},
		{"extra_metadata", ns.ExtraMetadata},
	}
	for _, f := range fields {
		if len(f.raw) > 0 && !json.Valid(f.raw) {
			return fmt.Errorf("%s is not valid JSON: %w", f.name, storeerr.ErrValidation)
		}
	}
	if ns.StepNumber < 0 {
		return fmt.Errorf("step_number must be >= 0: %w", storeerr.ErrValidation)
	}
	return nil
}

func exists(ctx context.Context, q dbutil.Querier, id string) error {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM states WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return fmt.Errorf("check state %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("state %s: %w", id, storeerr.ErrNotFound)
	}
	return nil
}

// #endregion create

// #region get
// Get retrieves a state by id.
func (s *Store) Get(ctx context.Context, id string) (State, error) {
	return Get(ctx, s.db, id)
}

// Get retrieves a state by id through q.
func Get(ctx context.Context, q dbutil.Querier, id string) (State, error) {
	row := q.QueryRowContext(ctx, `SELECT `+Columns+` FROM states s WHERE s.id = ?`, id)
	rec, err := Scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, fmt.Errorf("state %s: %w", id, storeerr.ErrNotFound)
	}
	if err != nil {
		return State{}, fmt.Errorf("get state %s: %w", id, err)
	}
	return rec, nil
}

// #endregion get

// #region children
// Children returns every state whose parent is id: the branch points available from it.
func (s *Store) Children(ctx context.Context, id string) ([]State, error) {
	if err := exists(ctx, s.db, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+Columns+` FROM states s WHERE s.parent_state_id = ?
		 ORDER BY s.step_number, s.created_at`, id)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	return scanAll(rows)
}

// #endregion children

// #region lineage
const lineageCTE = `
WITH RECURSIVE lineage(id, depth) AS (
	SELECT id, 0 FROM states WHERE id = ?
	UNION ALL
	SELECT s.parent_state_id, l.depth + 1
	FROM states s JOIN lineage l ON s.id = l.id
	WHERE s.parent_state_id IS NOT NULL
)`

// Lineage returns the chain of states from the root down to id, inclusive.
func (s *Store) Lineage(ctx context.Context, id string) ([]State, error) {
	rows, err := s.db.QueryContext(ctx,
		lineageCTE+` SELECT `+Columns+` FROM lineage l JOIN states s ON s.id = l.id ORDER BY l.depth DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("lineage %s: %w", id, err)
	}
	states, err := scanAll(rows)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, fmt.Errorf("state %s: %w", id, storeerr.ErrNotFound)
	}
	return states, nil
}

// Depth returns the number of ancestors of id. Roots have depth 0.
func (s *Store) Depth(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, lineageCTE+` SELECT COUNT(*) FROM lineage`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("depth %s: %w", id, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("state %s: %w", id, storeerr.ErrNotFound)
	}
	return n - 1, nil
}

// #endregion lineage

// #region terminal
// Terminal returns all states marked done, oldest first.
func (s *Store) Terminal(ctx context.Context) ([]State, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+Columns+` FROM states s WHERE s.done = 1 ORDER BY s.created_at`)
	if err != nil {
		return nil, fmt.Errorf("list terminal: %w", err)
	}
	return scanAll(rows)
}

// #endregion terminal

// #region scan
// Scanner is implemented by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// Scan reads one row selected with Columns. Extra destinations may follow.
func Scan(sc Scanner, extra ...any) (State, error) {
	var rec State
	var parentID, action, info, extraMeta sql.NullString
	var observation, createdStr string
	var reward sql.NullFloat64

	dest := []any{&rec.ID, &parentID, &observation, &action, &reward, &rec.Done, &rec.Truncated,
		&rec.StepNumber, &info, &extraMeta, &createdStr}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return State{}, err
	}

	rec.ParentID = parentID.String
	rec.Observation = json.RawMessage(observation)
	if action.Valid {
		rec.Action = json.RawMessage(action.String)
	}
	if reward.Valid {
		r := reward.Float64
		rec.Reward = &r
	}
	if info.Valid {
		rec.Info = json.RawMessage(info.String)
	}
	if extraMeta.Valid {
		rec.ExtraMetadata = json.RawMessage(extraMeta.String)
	}
	created, err := dbutil.ParseTime(createdStr)
	if err != nil {
		return State{}, err
	}
	rec.CreatedAt = created
	return rec, nil
}

func scanAll(rows *sql.Rows) ([]State, error) {
	defer rows.Close()
	var states []State
	for rows.Next() {
		rec, err := Scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		states = append(states, rec)
	}
	return states, rows.Err()
}

// #endregion scan
