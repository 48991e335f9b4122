// Package api defines the wire payloads shared by the REST and gRPC
// transports and the mapping from store errors to wire error codes.
package api

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/danielpatrickdp/branchsim/internal/run"
	"github.com/danielpatrickdp/branchsim/internal/simulation"
	"github.com/danielpatrickdp/branchsim/internal/state"
	"github.com/danielpatrickdp/branchsim/internal/storeerr"
)

// validate is shared by every request type.
var validate = validator.New()

func check(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", storeerr.ErrValidation, err)
	}
	return nil
}

// #region simulations
// CreateSimulationRequest is the body of POST /simulations.
type CreateSimulationRequest struct {
	Name              string         `json:"name" validate:"required,max=255"`
	Description       string         `json:"description,omitempty"`
	EnvironmentName   string         `json:"environment_name" validate:"required,max=255"`
	EnvironmentConfig map[string]any `json:"environment_config,omitempty"`
	AgentType         string         `json:"agent_type" validate:"required,max=255"`
	AgentConfig       map[string]any `json:"agent_config"`
	MaxSteps          *int           `json:"max_steps,omitempty" validate:"omitempty,gt=0"`
	Seed              *int64         `json:"seed,omitempty"`
	Tags              []string       `json:"tags,omitempty" validate:"omitempty,dive,required"`
}

// Validate checks the request against its tags.
func (r *CreateSimulationRequest) Validate() error { return check(r) }

// Params converts the request for the simulation store.
func (r *CreateSimulationRequest) Params() simulation.Params {
	return simulation.Params{
		Name:              r.Name,
		Description:       r.Description,
		EnvironmentName:   r.EnvironmentName,
		EnvironmentConfig: r.EnvironmentConfig,
		AgentType:         r.AgentType,
		AgentConfig:       r.AgentConfig,
		MaxSteps:          r.MaxSteps,
		Seed:              r.Seed,
		Tags:              r.Tags,
	}
}

// #endregion simulations

// #region states
// CreateStateRequest is the body of POST /states and POST /runs/:id/states.
type CreateStateRequest struct {
	ParentStateID string          `json:"parent_state_id,omitempty"`
	Observation   json.RawMessage `json:"observation,omitempty" validate:"required"`
	Action        json.RawMessage `json:"action,omitempty"`
	Reward        *float64        `json:"reward,omitempty"`
	Done          bool            `json:"done"`
	Truncated     bool            `json:"truncated"`
	StepNumber    int             `json:"step_number" validate:"gte=0"`
	Info          json.RawMessage `json:"info,omitempty"`
	ExtraMetadata json.RawMessage `json:"extra_metadata,omitempty"`
}

// Validate checks the request against its tags.
func (r *CreateStateRequest) Validate() error { return check(r) }

// NewState converts the request for the state store. JSON null payloads
// are treated as absent.
func (r *CreateStateRequest) NewState() state.NewState {
	return state.NewState{
		ParentID:      r.ParentStateID,
		Observation:   r.Observation,
		Action:        nullable(r.Action),
		Reward:        r.Reward,
		Done:          r.Done,
		Truncated:     r.Truncated,
		StepNumber:    r.StepNumber,
		Info:          nullable(r.Info),
		ExtraMetadata: nullable(r.ExtraMetadata),
	}
}

func nullable(raw json.RawMessage) json.RawMessage {
	if string(raw) == "null" {
		return nil
	}
	return raw
}

// #endregion states

// #region runs
// CreateRunRequest is the body of POST /simulations/:id/runs.
type CreateRunRequest struct {
	Name               string          `json:"name" validate:"required,max=255"`
	Description        string          `json:"description,omitempty"`
	RootStateID        string          `json:"root_state_id" validate:"required"`
	ParentRunID        string          `json:"parent_run_id,omitempty"`
	BranchPointStateID string          `json:"branch_point_state_id,omitempty"`
	ConfigOverrides    map[string]any  `json:"config_overrides,omitempty"`
	ExtraMetadata      json.RawMessage `json:"extra_metadata,omitempty"`
}

// Validate checks the request against its tags.
func (r *CreateRunRequest) Validate() error { return check(r) }

// Params converts the request for the run manager.
func (r *CreateRunRequest) Params(simulationID string) run.CreateParams {
	return run.CreateParams{
		SimulationID:       simulationID,
		Name:               r.Name,
		Description:        r.Description,
		RootStateID:        r.RootStateID,
		ParentRunID:        r.ParentRunID,
		BranchPointStateID: r.BranchPointStateID,
		ConfigOverrides:    r.ConfigOverrides,
		ExtraMetadata:      nullable(r.ExtraMetadata),
	}
}

// BranchRequest is the body of POST /runs/branch.
type BranchRequest struct {
	ParentRunID        string         `json:"parent_run_id" validate:"required"`
	BranchPointStateID string         `json:"branch_point_state_id" validate:"required"`
	NewRunName         string         `json:"new_run_name" validate:"required,max=255"`
	Description        string         `json:"description,omitempty"`
	ConfigOverrides    map[string]any `json:"config_overrides,omitempty"`
}

// Validate checks the request against its tags.
func (r *BranchRequest) Validate() error { return check(r) }

// Params converts the request for the run manager.
func (r *BranchRequest) Params() run.BranchParams {
	return run.BranchParams{
		ParentRunID:        r.ParentRunID,
		BranchPointStateID: r.BranchPointStateID,
		Name:               r.NewRunName,
		Description:        r.Description,
		ConfigOverrides:    r.ConfigOverrides,
	}
}

// StatusRequest is the optional body of POST /runs/:id/complete.
type StatusRequest struct {
	TotalReward *float64 `json:"total_reward,omitempty"`
}

// #endregion runs
