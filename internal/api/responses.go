package api

import (
	"github.com/danielpatrickdp/branchsim/internal/ledger"
	"github.com/danielpatrickdp/branchsim/internal/state"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// RunState is a state at its position in a run.
type RunState struct {
	state.State
	SequenceOrder int `json:"sequence_order"`
}

// RunStatesResponse is returned by GET /runs/:id/states.
type RunStatesResponse struct {
	RunID       string     `json:"run_id"`
	RunName     string     `json:"run_name"`
	TotalStates int        `json:"total_states"`
	States      []RunState `json:"states"`
}

// NewRunStatesResponse flattens ledger entries for the wire.
func NewRunStatesResponse(runID, runName string, entries []ledger.Positioned) RunStatesResponse {
	out := make([]RunState, len(entries))
	for i, e := range entries {
		out[i] = RunState{State: e.State, SequenceOrder: e.SequenceOrder}
	}
	return RunStatesResponse{RunID: runID, RunName: runName, TotalStates: len(out), States: out}
}

// AppendStateResponse is returned by POST /runs/:id/states.
type AppendStateResponse struct {
	state.State
	RunID         string `json:"run_id"`
	SequenceOrder int    `json:"sequence_order"`
}
