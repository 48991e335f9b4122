package run

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/branchsim/internal/dbutil"
	"github.com/danielpatrickdp/branchsim/internal/events"
	"github.com/danielpatrickdp/branchsim/internal/logging"
	"github.com/danielpatrickdp/branchsim/internal/storeerr"
)

type transition struct {
	to        Status
	from      []Status
	operation string
	event     string
}

var (
	pauseT    = transition{StatusPaused, []Status{StatusActive}, logging.OpPause, events.RunPaused}
	resumeT   = transition{StatusActive, []Status{StatusPaused}, logging.OpResume, events.RunResumed}
	completeT = transition{StatusCompleted, []Status{StatusActive, StatusPaused}, logging.OpComplete, events.RunCompleted}
	failT     = transition{StatusFailed, []Status{StatusActive, StatusPaused}, logging.OpFail, events.RunFailed}
)

// Pause stops appends until Resume. The run can still be branched from.
func (m *Manager) Pause(ctx context.Context, runID string) (Run, error) {
	return m.transition(ctx, runID, pauseT, nil)
}

// Resume reactivates a paused run.
func (m *Manager) Resume(ctx context.Context, runID string) (Run, error) {
	return m.transition(ctx, runID, resumeT, nil)
}

// Complete marks the run completed, recording totalReward when given.
func (m *Manager) Complete(ctx context.Context, runID string, totalReward *float64) (Run, error) {
	return m.transition(ctx, runID, completeT, totalReward)
}

// Fail marks the run failed.
func (m *Manager) Fail(ctx context.Context, runID string) (Run, error) {
	return m.transition(ctx, runID, failT, nil)
}

func (m *Manager) transition(ctx context.Context, runID string, t transition, reward *float64) (Run, error) {
	var r Run
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if r, err = getRun(ctx, tx, runID); err != nil {
			return err
		}
		if !slices.Contains(t.from, r.Status) {
			return fmt.Errorf("cannot move run %s from %s to %s: %w", runID, r.Status, t.to, storeerr.ErrRunNotActive)
		}

		r.Status = t.to
		if reward != nil {
			v := *reward
			r.TotalReward = &v
		}
		var completed any
		if t.to.Terminal() {
			now := time.Now().UTC()
			r.CompletedAt = &now
			completed = dbutil.FormatTime(now)
		}
		var rewardArg any
		if r.TotalReward != nil {
			rewardArg = *r.TotalReward
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, total_reward = ?, completed_at = COALESCE(?, completed_at)
			 WHERE id = ?`,
			string(r.Status), rewardArg, completed, runID)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}

		d := map[string]any{"status": string(t.to)}
		if reward != nil {
			d["total_reward"] = *reward
		}
		return logging.LogOperation(ctx, tx, logging.OperationEntry{
			RunID:      runID,
			Operation:  t.operation,
			DetailJSON: detail(d),
		})
	})
	if err != nil {
		return Run{}, fmt.Errorf("%s run: %w", t.operation, err)
	}

	m.metrics.StatusTransition(string(t.to))
	m.log.Info("run status changed",
		zap.String("run_id", r.ID),
		zap.String("status", string(r.Status)))
	m.publish(ctx, t.event, r)
	return r, nil
}
