package run

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/branchsim/internal/ledger"
	"github.com/danielpatrickdp/branchsim/internal/logging"
	"github.com/danielpatrickdp/branchsim/internal/state"
	"github.com/danielpatrickdp/branchsim/internal/storeerr"
)

// #region add-state
// AddState appends an existing state to the end of an active run. The state's
// parent must be the run's current state.
func (m *Manager) AddState(ctx context.Context, runID, stateID string) (Run, error) {
	var r Run
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if r, err = lockActive(ctx, tx, runID); err != nil {
			return err
		}
		st, err := state.Get(ctx, tx, stateID)
		if err != nil {
			return err
		}
		if st.ParentID != r.CurrentStateID {
			return fmt.Errorf("state %s does not extend run head %s: %w",
				stateID, r.CurrentStateID, storeerr.ErrValidation)
		}
		return appendHead(ctx, tx, &r, stateID)
	})
	if err != nil {
		m.countConflict(err)
		return Run{}, fmt.Errorf("add state: %w", err)
	}

	m.metrics.LedgerAppended(1)
	m.log.Debug("state appended",
		zap.String("run_id", r.ID),
		zap.String("state_id", stateID),
		zap.Int("total_steps", r.TotalSteps))
	return r, nil
}

// #endregion add-state

// #region append-new-state
// AppendNewState creates a state and appends it to an active run in one
// transaction. An empty ParentID means the run's current state.
func (m *Manager) AppendNewState(ctx context.Context, runID string, ns state.NewState) (state.State, Run, error) {
	var r Run
	var st state.State
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if r, err = lockActive(ctx, tx, runID); err != nil {
			return err
		}
		if ns.ParentID == "" {
			ns.ParentID = r.CurrentStateID
		}
		if ns.ParentID != r.CurrentStateID {
			return fmt.Errorf("parent %s is not run head %s: %w",
				ns.ParentID, r.CurrentStateID, storeerr.ErrValidation)
		}
		if st, err = state.Insert(ctx, tx, ns); err != nil {
			return err
		}
		return appendHead(ctx, tx, &r, st.ID)
	})
	if err != nil {
		m.countConflict(err)
		return state.State{}, Run{}, fmt.Errorf("append new state: %w", err)
	}

	m.metrics.StateCreated(1)
	m.metrics.LedgerAppended(1)
	m.log.Debug("state created and appended",
		zap.String("run_id", r.ID),
		zap.String("state_id", st.ID),
		zap.Int("step_number", st.StepNumber),
		zap.Int("total_steps", r.TotalSteps))
	return st, r, nil
}

// #endregion append-new-state

// #region helpers
// lockActive reads the run inside the write transaction and rejects any
// status other than active.
func lockActive(ctx context.Context, tx *sql.Tx, runID string) (Run, error) {
	r, err := getRun(ctx, tx, runID)
	if err != nil {
		return Run{}, err
	}
	if r.Status != StatusActive {
		return Run{}, fmt.Errorf("run %s is %s: %w", runID, r.Status, storeerr.ErrRunNotActive)
	}
	return r, nil
}

// appendHead bumps the run's step counter, moves its head, and writes the
// ledger row at the order the counter hands out.
func appendHead(ctx context.Context, tx *sql.Tx, r *Run, stateID string) error {
	var total int
	err := tx.QueryRowContext(ctx,
		`UPDATE runs SET total_steps = total_steps + 1, current_state_id = ?
		 WHERE id = ? AND status = 'active'
		 RETURNING total_steps`, stateID, r.ID,
	).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %s changed status: %w", r.ID, storeerr.ErrSequenceConflict)
	}
	if err != nil {
		return fmt.Errorf("bump step counter: %w", err)
	}
	if _, err := ledger.Append(ctx, tx, r.ID, stateID, total-1); err != nil {
		return err
	}
	r.TotalSteps = total
	r.CurrentStateID = stateID
	return logging.LogOperation(ctx, tx, logging.OperationEntry{
		RunID:      r.ID,
		Operation:  logging.OpAppend,
		DetailJSON: detail(map[string]any{"state_id": stateID, "sequence_order": total - 1}),
	})
}

func (m *Manager) countConflict(err error) {
	if storeerr.Retryable(err) {
		m.metrics.SequenceConflict()
	}
}

// #endregion helpers
