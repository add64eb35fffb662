// Package checkpoint persists reviewable snapshots of agent output and
// applies the human resolution that unblocks a suspended run. A
// checkpoint is created when a stage finishes and review is required;
// it stays open until exactly one resolution is applied.
package checkpoint

import (
	"context"
	"time"

	"github.com/pipewright/pipewright"
	"github.com/pipewright/pipewright/id"
)

// Action is a human resolution applied to an open checkpoint.
type Action string

const (
	// ActionContinue accepts the output as-is and resumes the run.
	ActionContinue Action = "continue"
	// ActionModifyFile writes reviewer-supplied content to a file
	// before resuming. The payload carries "file" and "new_content".
	ActionModifyFile Action = "modify_file"
	// ActionRetryAgent discards the stage result so the stage runs
	// again on the next pass.
	ActionRetryAgent Action = "retry_agent"
	// ActionAbort halts the run permanently with a recorded reason.
	ActionAbort Action = "abort"
)

// Valid reports whether a is one of the known resolution actions.
func (a Action) Valid() bool {
	switch a {
	case ActionContinue, ActionModifyFile, ActionRetryAgent, ActionAbort:
		return true
	}
	return false
}

// Resolution records how an open checkpoint was closed.
type Resolution struct {
	Action     Action         `json:"action"`
	Payload    map[string]any `json:"payload,omitempty"`
	ResolvedAt time.Time      `json:"resolved_at"`
}

// Checkpoint is a reviewable snapshot of one agent's output for one
// project. Ref is the backend-specific storage reference (a file path
// for the file store, a key for redis, and so on) handed back to the
// review surface alongside the ID.
type Checkpoint struct {
	pipewright.Entity

	ID         id.CheckpointID `json:"id"`
	ProjectID  string          `json:"project_id"`
	AgentName  string          `json:"agent_name"`
	Payload    map[string]any  `json:"payload,omitempty"`
	Ref        string          `json:"ref,omitempty"`
	Resolved   bool            `json:"resolved"`
	Resolution *Resolution     `json:"resolution,omitempty"`
}

// Store is the persistence contract for checkpoint records. A backend
// implements this alongside the project-document store; the composite
// store interface lives in the store package.
type Store interface {
	// SaveCheckpoint persists a new checkpoint and returns its
	// backend-specific storage reference.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) (ref string, err error)

	// GetCheckpoint retrieves a checkpoint by ID.
	GetCheckpoint(ctx context.Context, cpID id.CheckpointID) (*Checkpoint, error)

	// UpdateCheckpoint persists changes to an existing checkpoint.
	UpdateCheckpoint(ctx context.Context, cp *Checkpoint) error

	// ListCheckpoints returns a project's checkpoints in creation order.
	ListCheckpoints(ctx context.Context, projectID string) ([]*Checkpoint, error)
}
