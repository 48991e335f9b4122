package state

import (
	"encoding/json"
	"time"
)

// #region state
// State is one immutable transition record and a node in the parent-pointer
// tree. ParentID is empty for a root state. Payload fields are opaque JSON.
type State struct {
	ID            string          `json:"id"`
	ParentID      string          `json:"parent_state_id,omitempty"`
	Observation   json.RawMessage `json:"observation"`
	Action        json.RawMessage `json:"action,omitempty"`
	Reward        *float64        `json:"reward,omitempty"`
	Done          bool            `json:"done"`
	Truncated     bool            `json:"truncated"`
	StepNumber    int             `json:"step_number"`
	Info          json.RawMessage `json:"info,omitempty"`
	ExtraMetadata json.RawMessage `json:"extra_metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// IsRoot reports whether the state has no parent.
func (s State) IsRoot() bool {
	return s.ParentID == ""
}

// #endregion state

// #region new-state
// NewState is the caller-supplied payload for Create. Observation is required.
type NewState struct {
	ParentID      string
	Observation   json.RawMessage
	Action        json.RawMessage
	Reward        *float64
	Done          bool
	Truncated     bool
	StepNumber    int
	Info          json.RawMessage
	ExtraMetadata json.RawMessage
}

// #endregion new-state
