package rpc

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/danielpatrickdp/branchsim/internal/api"
	"github.com/danielpatrickdp/branchsim/internal/storeerr"
)

var validate = validator.New()

func check(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", storeerr.ErrValidation, err)
	}
	return nil
}

// PageRequest is the input of ListSimulations.
type PageRequest struct {
	Skip  int `json:"skip"`
	Limit int `json:"limit"`
}

// SimulationRef names a simulation.
type SimulationRef struct {
	SimulationID string `json:"simulation_id" validate:"required"`
}

func (r *SimulationRef) Validate() error { return check(r) }

// StateRef names a state.
type StateRef struct {
	StateID string `json:"state_id" validate:"required"`
}

func (r *StateRef) Validate() error { return check(r) }

// RunRef names a run.
type RunRef struct {
	RunID string `json:"run_id" validate:"required"`
}

func (r *RunRef) Validate() error { return check(r) }

// CreateRunRequest is the REST run body plus the owning simulation.
type CreateRunRequest struct {
	SimulationID string `json:"simulation_id" validate:"required"`
	api.CreateRunRequest
}

func (r *CreateRunRequest) Validate() error { return check(r) }

// AppendStateRequest is the REST state body plus the target run.
type AppendStateRequest struct {
	RunID string `json:"run_id" validate:"required"`
	api.CreateStateRequest
}

func (r *AppendStateRequest) Validate() error { return check(r) }

// SetStatusRequest moves a run to Status. TotalReward is only read when
// completing.
type SetStatusRequest struct {
	RunID       string   `json:"run_id" validate:"required"`
	Status      string   `json:"status" validate:"required,oneof=active paused completed failed"`
	TotalReward *float64 `json:"total_reward,omitempty"`
}

func (r *SetStatusRequest) Validate() error { return check(r) }

// CompareRequest names the two runs of CompareRuns.
type CompareRequest struct {
	Run1ID string `json:"run1_id" validate:"required"`
	Run2ID string `json:"run2_id" validate:"required"`
}

func (r *CompareRequest) Validate() error { return check(r) }
