// Package run owns runs: named, ordered paths through the state tree. The
// Manager is the only writer of ledger rows, so every invariant tying a run
// row to its ledger is maintained here.
package run

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danielpatrickdp/branchsim/internal/dbutil"
	"github.com/danielpatrickdp/branchsim/internal/state"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id                     TEXT PRIMARY KEY,
	simulation_id          TEXT NOT NULL,
	name                   TEXT NOT NULL,
	description            TEXT,
	root_state_id          TEXT NOT NULL,
	current_state_id       TEXT,
	parent_run_id          TEXT,
	branch_point_state_id  TEXT,
	config_overrides       TEXT NOT NULL DEFAULT '{}',
	status                 TEXT NOT NULL DEFAULT 'active'
	                       CHECK (status IN ('active', 'paused', 'completed', 'failed')),
	total_steps            INTEGER NOT NULL DEFAULT 0,
	total_reward           REAL,
	created_at             TEXT NOT NULL,
	started_at             TEXT,
	completed_at           TEXT,
	extra_metadata         TEXT,
	FOREIGN KEY (simulation_id) REFERENCES simulations(id) ON DELETE CASCADE,
	FOREIGN KEY (root_state_id) REFERENCES states(id),
	FOREIGN KEY (current_state_id) REFERENCES states(id),
	FOREIGN KEY (parent_run_id) REFERENCES runs(id),
	FOREIGN KEY (branch_point_state_id) REFERENCES states(id)
);
CREATE INDEX IF NOT EXISTS ix_runs_name ON runs(name);
CREATE INDEX IF NOT EXISTS ix_runs_created ON runs(created_at);
CREATE INDEX IF NOT EXISTS ix_sim_status ON runs(simulation_id, status);
CREATE INDEX IF NOT EXISTS ix_parent_branch ON runs(parent_run_id, branch_point_state_id);
`

const runColumns = `id, simulation_id, name, description, root_state_id, current_state_id,
	parent_run_id, branch_point_state_id, config_overrides, status, total_steps, total_reward,
	created_at, started_at, completed_at, extra_metadata`

// #endregion schema

// #region types
// Status is a run's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Run is one path through the state tree.
type Run struct {
	ID                 string          `json:"id"`
	SimulationID       string          `json:"simulation_id"`
	Name               string          `json:"name"`
	Description        string          `json:"description,omitempty"`
	RootStateID        string          `json:"root_state_id"`
	CurrentStateID     string          `json:"current_state_id,omitempty"`
	ParentRunID        string          `json:"parent_run_id,omitempty"`
	BranchPointStateID string          `json:"branch_point_state_id,omitempty"`
	ConfigOverrides    map[string]any  `json:"config_overrides"`
	Status             Status          `json:"status"`
	TotalSteps         int             `json:"total_steps"`
	TotalReward        *float64        `json:"total_reward,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	ExtraMetadata      json.RawMessage `json:"extra_metadata,omitempty"`
}

// IsBranch reports whether the run was created by Branch.
func (r Run) IsBranch() bool {
	return r.ParentRunID != ""
}

// CreateParams are the inputs to CreateRun. ParentRunID and
// BranchPointStateID record lineage for runs imported from elsewhere; no
// ledger prefix is copied. Use Branch for that.
type CreateParams struct {
	SimulationID       string
	Name               string
	Description        string
	RootStateID        string
	ParentRunID        string
	BranchPointStateID string
	ConfigOverrides    map[string]any
	ExtraMetadata      json.RawMessage
}

// BranchParams are the inputs to Branch.
type BranchParams struct {
	ParentRunID        string
	BranchPointStateID string
	Name               string
	// Description defaults to "Branched from <parent name> at step <n>".
	Description     string
	ConfigOverrides map[string]any
}

// #endregion types

// #region scan
func scanRun(sc state.Scanner) (Run, error) {
	var r Run
	var description, currentID, parentID, branchPoint, extra sql.NullString
	var startedStr, completedStr sql.NullString
	var overrides, status, createdStr string
	var reward sql.NullFloat64

	err := sc.Scan(&r.ID, &r.SimulationID, &r.Name, &description, &r.RootStateID, &currentID,
		&parentID, &branchPoint, &overrides, &status, &r.TotalSteps, &reward,
		&createdStr, &startedStr, &completedStr, &extra)
	if err != nil {
		return Run{}, err
	}

	r.Description = description.String
	r.CurrentStateID = currentID.String
	r.ParentRunID = parentID.String
	r.BranchPointStateID = branchPoint.String
	r.Status = Status(status)
	if err := json.Unmarshal([]byte(overrides), &r.ConfigOverrides); err != nil {
		return Run{}, fmt.Errorf("unmarshal config_overrides: %w", err)
	}
	if r.ConfigOverrides == nil {
		r.ConfigOverrides = map[string]any{}
	}
	if reward.Valid {
		v := reward.Float64
		r.TotalReward = &v
	}
	if r.CreatedAt, err = dbutil.ParseTime(createdStr); err != nil {
		return Run{}, err
	}
	if r.StartedAt, err = dbutil.NullTime(startedStr); err != nil {
		return Run{}, err
	}
	if r.CompletedAt, err = dbutil.NullTime(completedStr); err != nil {
		return Run{}, err
	}
	if extra.Valid {
		r.ExtraMetadata = json.RawMessage(extra.String)
	}
	return r, nil
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// #endregion scan

// mergeOverrides is a shallow merge; keys in override win.
func mergeOverrides(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
