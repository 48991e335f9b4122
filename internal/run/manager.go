package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/branchsim/internal/dbutil"
	"github.com/danielpatrickdp/branchsim/internal/events"
	"github.com/danielpatrickdp/branchsim/internal/ledger"
	"github.com/danielpatrickdp/branchsim/internal/logging"
	"github.com/danielpatrickdp/branchsim/internal/metrics"
	"github.com/danielpatrickdp/branchsim/internal/simulation"
	"github.com/danielpatrickdp/branchsim/internal/state"
	"github.com/danielpatrickdp/branchsim/internal/storeerr"
)

// #region manager-struct
// Manager creates, extends, branches and transitions runs.
type Manager struct {
	db          *sql.DB
	states      *state.Store
	simulations *simulation.Store
	log         *zap.Logger
	pub         events.Publisher
	metrics     *metrics.Metrics
}

// #endregion manager-struct

// #region constructor
// NewManager migrates every table the run lifecycle touches and returns a
// Manager over db. logger, pub and m may be nil.
func NewManager(db *sql.DB, logger *zap.Logger, pub events.Publisher, m *metrics.Metrics) (*Manager, error) {
	states, err := state.NewStoreWithDB(db)
	if err != nil {
		return nil, err
	}
	sims, err := simulation.NewStore(db)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate runs: %w", err)
	}
	if err := ledger.Migrate(db); err != nil {
		return nil, err
	}
	if err := logging.Migrate(db); err != nil {
		return nil, err
	}
	if pub == nil {
		pub = events.Noop{}
	}
	return &Manager{
		db:          db,
		states:      states,
		simulations: sims,
		log:         logging.OrNop(logger),
		pub:         pub,
		metrics:     m,
	}, nil
}

// States returns the state store sharing the manager's database.
func (m *Manager) States() *state.Store { return m.states }

// Simulations returns the simulation store sharing the manager's database.
func (m *Manager) Simulations() *simulation.Store { return m.simulations }

// DB returns the underlying database.
func (m *Manager) DB() *sql.DB { return m.db }

// #endregion constructor

// #region tx
// inTx runs f in a write transaction. Lock contention that outlasts the busy
// timeout surfaces as a sequence conflict so callers can retry.
func (m *Manager) inTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return busyAsConflict("begin tx", err)
	}
	defer tx.Rollback()

	if err := f(tx); err != nil {
		return busyAsConflict("tx", err)
	}
	if err := tx.Commit(); err != nil {
		return busyAsConflict("commit", err)
	}
	return nil
}

func busyAsConflict(op string, err error) error {
	if dbutil.IsBusy(err) && !errors.Is(err, storeerr.ErrSequenceConflict) {
		return fmt.Errorf("%s: %v: %w", op, err, storeerr.ErrSequenceConflict)
	}
	return err
}

// RetryOnConflict calls f again while it fails with a sequence conflict, up
// to maxRetries extra attempts with bounded exponential backoff.
func (m *Manager) RetryOnConflict(ctx context.Context, maxRetries int, f func() error) error {
	return dbutil.Retry(ctx, maxRetries, func(err error) bool {
		if !storeerr.Retryable(err) {
			return false
		}
		m.log.Debug("retrying after sequence conflict", zap.Error(err))
		return true
	}, f)
}

// #endregion tx

// #region create
// CreateRun starts a run at an existing state. The root is written to the
// ledger at order 0 in the same transaction.
func (m *Manager) CreateRun(ctx context.Context, p CreateParams) (Run, error) {
	if p.Name == "" {
		return Run{}, fmt.Errorf("run name is required: %w", storeerr.ErrValidation)
	}
	if p.BranchPointStateID != "" && p.ParentRunID == "" {
		return Run{}, fmt.Errorf("branch_point_state_id requires parent_run_id: %w", storeerr.ErrValidation)
	}
	if len(p.ExtraMetadata) > 0 && !json.Valid(p.ExtraMetadata) {
		return Run{}, fmt.Errorf("extra_metadata is not valid JSON: %w", storeerr.ErrValidation)
	}
	overrides := p.ConfigOverrides
	if overrides == nil {
		overrides = map[string]any{}
	}

	now := time.Now().UTC()
	r := Run{
		ID:              uuid.New().String(),
		SimulationID:    p.SimulationID,
		Name:            p.Name,
		Description:     p.Description,
		RootStateID:        p.RootStateID,
		CurrentStateID:     p.RootStateID,
		ParentRunID:        p.ParentRunID,
		BranchPointStateID: p.BranchPointStateID,
		ConfigOverrides:    overrides,
		Status:             StatusActive,
		TotalSteps:         1,
		CreatedAt:          now,
		StartedAt:          &now,
		ExtraMetadata:      p.ExtraMetadata,
	}

	err := m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := simulation.Get(ctx, tx, p.SimulationID); err != nil {
			return err
		}
		if _, err := state.Get(ctx, tx, p.RootStateID); err != nil {
			return fmt.Errorf("root state: %w", err)
		}
		if p.ParentRunID != "" {
			parent, err := getRun(ctx, tx, p.ParentRunID)
			if err != nil {
				return fmt.Errorf("parent run: %w", err)
			}
			if parent.SimulationID != p.SimulationID {
				return fmt.Errorf("parent run %s belongs to simulation %s: %w",
					parent.ID, parent.SimulationID, storeerr.ErrValidation)
			}
		}
		if p.BranchPointStateID != "" {
			if _, err := state.Get(ctx, tx, p.BranchPointStateID); err != nil {
				return fmt.Errorf("branch point: %w", err)
			}
		}
		if err := insertRun(ctx, tx, r); err != nil {
			return err
		}
		if _, err := ledger.Append(ctx, tx, r.ID, r.RootStateID, 0); err != nil {
			return err
		}
		return logging.LogOperation(ctx, tx, logging.OperationEntry{
			RunID:      r.ID,
			Operation:  logging.OpCreate,
			DetailJSON: detail(map[string]any{"root_state_id": r.RootStateID}),
		})
	})
	if err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}

	m.metrics.LedgerAppended(1)
	m.log.Info("run created",
		zap.String("run_id", r.ID),
		zap.String("simulation_id", r.SimulationID),
		zap.String("root_state_id", r.RootStateID))
	m.publish(ctx, events.RunCreated, r)
	return r, nil
}

func insertRun(ctx context.Context, tx *sql.Tx, r Run) error {
	overrides, err := json.Marshal(r.ConfigOverrides)
	if err != nil {
		return fmt.Errorf("marshal config_overrides: %w", err)
	}
	var started any
	if r.StartedAt != nil {
		started = dbutil.FormatTime(*r.StartedAt)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, NULL, ?)`,
		r.ID, r.SimulationID, r.Name, dbutil.NullIfEmpty(r.Description), r.RootStateID,
		dbutil.NullIfEmpty(r.CurrentStateID), dbutil.NullIfEmpty(r.ParentRunID),
		dbutil.NullIfEmpty(r.BranchPointStateID), string(overrides), string(r.Status),
		r.TotalSteps, dbutil.FormatTime(r.CreatedAt), started, dbutil.NullIfEmptyBytes(r.ExtraMetadata),
	)
	if err != nil {
		if dbutil.IsForeignKeyViolation(err) {
			return fmt.Errorf("insert run: %w", storeerr.ErrNotFound)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// #endregion create

// #region read
// Get retrieves a run by id.
func (m *Manager) Get(ctx context.Context, id string) (Run, error) {
	return getRun(ctx, m.db, id)
}

func getRun(ctx context.Context, q dbutil.Querier, id string) (Run, error) {
	row := q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, storeerr.ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// ListBySimulation returns a simulation's runs oldest first.
func (m *Manager) ListBySimulation(ctx context.Context, simulationID string) ([]Run, error) {
	if _, err := simulation.Get(ctx, m.db, simulationID); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE simulation_id = ? ORDER BY created_at, id`, simulationID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return scanRuns(rows)
}

// ListAll pages through every run oldest first. limit <= 0 means 100.
func (m *Manager) ListAll(ctx context.Context, skip, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	if skip < 0 {
		skip = 0
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at, id LIMIT ? OFFSET ?`, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list all runs: %w", err)
	}
	return scanRuns(rows)
}

// RunStates returns the run's ledger joined with its states.
func (m *Manager) RunStates(ctx context.Context, runID string) ([]ledger.Positioned, error) {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := getRun(ctx, tx, runID); err != nil {
		return nil, err
	}
	return ledger.Entries(ctx, tx, runID)
}

// History returns the run's operation log.
func (m *Manager) History(ctx context.Context, runID string) ([]logging.OperationEntry, error) {
	if _, err := getRun(ctx, m.db, runID); err != nil {
		return nil, err
	}
	return logging.ListOperations(ctx, m.db, runID)
}

// Tree returns the forest of runs for a simulation. An unknown simulation
// yields an empty forest.
func (m *Manager) Tree(ctx context.Context, simulationID string) ([]*TreeNode, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE simulation_id = ? ORDER BY created_at, id`, simulationID)
	if err != nil {
		return nil, fmt.Errorf("run tree: %w", err)
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	return BuildTree(runs), nil
}

// #endregion read

// #region publish
func (m *Manager) publish(ctx context.Context, eventType string, r Run) {
	ev := events.NewRunEvent(eventType)
	ev.RunID = r.ID
	ev.SimulationID = r.SimulationID
	ev.ParentRunID = r.ParentRunID
	ev.BranchPointStateID = r.BranchPointStateID
	ev.Status = string(r.Status)
	ev.TotalSteps = r.TotalSteps
	ev.TotalReward = r.TotalReward

	if err := m.pub.Publish(ctx, ev); err != nil {
		m.log.Warn("publish run event failed",
			zap.String("event_type", eventType),
			zap.String("run_id", r.ID),
			zap.Error(err))
	}
}

func detail(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// #endregion publish
