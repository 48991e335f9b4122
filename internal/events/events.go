// Package events publishes run lifecycle notifications. Publication happens
// after the store commits; a failed publish never undoes the operation.
package events

import (
	"context"
	"time"
)

// Event types.
const (
	RunCreated   = "run_created"
	RunBranched  = "run_branched"
	RunPaused    = "run_paused"
	RunResumed   = "run_resumed"
	RunCompleted = "run_completed"
	RunFailed    = "run_failed"
)

// RunEvent is the JSON payload published for every lifecycle change.
type RunEvent struct {
	EventType          string   `json:"event_type"`
	RunID              string   `json:"run_id"`
	SimulationID       string   `json:"simulation_id"`
	ParentRunID        string   `json:"parent_run_id,omitempty"`
	BranchPointStateID string   `json:"branch_point_state_id,omitempty"`
	Status             string   `json:"status"`
	TotalSteps         int      `json:"total_steps"`
	TotalReward        *float64 `json:"total_reward,omitempty"`
	Timestamp          string   `json:"timestamp"`
}

// NewRunEvent stamps an event with the current time.
func NewRunEvent(eventType string) *RunEvent {
	return &RunEvent{
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Publisher delivers run events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event *RunEvent) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, *RunEvent) error { return nil }

// Close implements Publisher.
func (Noop) Close() error { return nil }

var _ Publisher = Noop{}
