package run

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/branchsim/internal/events"
	"github.com/danielpatrickdp/branchsim/internal/ledger"
	"github.com/danielpatrickdp/branchsim/internal/logging"
	"github.com/danielpatrickdp/branchsim/internal/state"
	"github.com/danielpatrickdp/branchsim/internal/storeerr"
)

// #region branch
// Branch starts a new run at a state already on the parent run's path. The
// parent's ledger up to and including that state is copied, so the new run's
// history is the parent's history at the moment of branching. The parent's
// ledger is read inside the write transaction.
func (m *Manager) Branch(ctx context.Context, p BranchParams) (Run, error) {
	if p.Name == "" {
		return Run{}, fmt.Errorf("run name is required: %w", storeerr.ErrValidation)
	}

	var r Run
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		parent, err := getRun(ctx, tx, p.ParentRunID)
		if err != nil {
			return fmt.Errorf("parent run: %w", err)
		}
		bp, err := state.Get(ctx, tx, p.BranchPointStateID)
		if err != nil {
			return fmt.Errorf("branch point: %w", err)
		}
		ids, err := ledger.StateIDs(ctx, tx, parent.ID)
		if err != nil {
			return err
		}
		prefix, ok := ledger.PrefixThrough(ids, bp.ID)
		if !ok {
			return fmt.Errorf("state %s is not in run %s: %w", bp.ID, parent.ID, storeerr.ErrInvalidBranchPoint)
		}

		description := p.Description
		if description == "" {
			description = fmt.Sprintf("Branched from %s at step %d", parent.Name, bp.StepNumber)
		}
		now := time.Now().UTC()
		r = Run{
			ID:                 uuid.New().String(),
			SimulationID:       parent.SimulationID,
			Name:               p.Name,
			Description:        description,
			RootStateID:        bp.ID,
			CurrentStateID:     bp.ID,
			ParentRunID:        parent.ID,
			BranchPointStateID: bp.ID,
			ConfigOverrides:    mergeOverrides(parent.ConfigOverrides, p.ConfigOverrides),
			Status:             StatusActive,
			TotalSteps:         len(prefix),
			CreatedAt:          now,
			StartedAt:          &now,
		}
		if err := insertRun(ctx, tx, r); err != nil {
			return err
		}
		if err := ledger.AppendAll(ctx, tx, r.ID, prefix); err != nil {
			return err
		}
		return logging.LogOperation(ctx, tx, logging.OperationEntry{
			RunID:     r.ID,
			Operation: logging.OpBranch,
			DetailJSON: detail(map[string]any{
				"parent_run_id":         parent.ID,
				"branch_point_state_id": bp.ID,
				"branch_step":           bp.StepNumber,
				"copied":                len(prefix),
			}),
		})
	})
	if err != nil {
		return Run{}, fmt.Errorf("branch run: %w", err)
	}

	m.metrics.Branched()
	m.metrics.LedgerAppended(r.TotalSteps)
	m.log.Info("run branched",
		zap.String("run_id", r.ID),
		zap.String("parent_run_id", r.ParentRunID),
		zap.String("branch_point_state_id", r.BranchPointStateID),
		zap.Int("copied", r.TotalSteps))
	m.publish(ctx, events.RunBranched, r)
	return r, nil
}

// #endregion branch
