package pipewright

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("pipewright: no store configured")
	ErrStoreClosed = errors.New("pipewright: store closed")

	// Not found errors.
	ErrProjectNotFound    = errors.New("pipewright: project not found")
	ErrCheckpointNotFound = errors.New("pipewright: checkpoint not found")

	// Conflict errors.
	ErrProjectExists       = errors.New("pipewright: project already exists")
	ErrCheckpointResolved  = errors.New("pipewright: checkpoint already resolved")
	ErrRunAlreadyActive    = errors.New("pipewright: a run is already active for this project")
	ErrStageNotRegistered  = errors.New("pipewright: no adapter registered for stage")
	ErrUnknownResumeAction = errors.New("pipewright: unknown resume action")

	// Run state errors.
	ErrNotAwaitingReview = errors.New("pipewright: run is not awaiting review")
	ErrAborted           = errors.New("pipewright: run aborted")
	ErrRetriesExhausted  = errors.New("pipewright: retries exhausted")
)
