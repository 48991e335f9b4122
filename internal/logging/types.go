package logging

import "time"

// #region operation-entry
// OperationEntry is a single row in the operation_log table.
type OperationEntry struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Operation  string    `json:"operation"` // "create" | "append" | "branch" | "pause" | "resume" | "complete" | "fail"
	DetailJSON string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// #endregion operation-entry

// Operation names recorded by the run manager.
const (
	OpCreate   = "create"
	OpAppend   = "append"
	OpBranch   = "branch"
	OpPause    = "pause"
	OpResume   = "resume"
	OpComplete = "complete"
	OpFail     = "fail"
)
