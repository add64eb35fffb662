package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pipewright/pipewright"
	"github.com/pipewright/pipewright/event"
	"github.com/pipewright/pipewright/id"
	"github.com/pipewright/pipewright/state"
)

// Emitter publishes lifecycle events. Satisfied by *event.Bus; a small
// interface here keeps the package free of a bus dependency.
type Emitter interface {
	Emit(ctx context.Context, evt *event.Event)
}

// FileWriter applies reviewer-supplied file content during a
// modify_file resolution. The engine wires a workspace-scoped writer;
// tests use an in-memory fake.
type FileWriter interface {
	WriteFile(ctx context.Context, path string, content []byte) error
}

// Manager creates checkpoints and applies resolutions. It owns the
// validation of resolution actions; what happens to the run afterwards
// (resume, re-run a stage, abort) is the engine's concern.
type Manager struct {
	store  Store
	events Emitter
	writer FileWriter
	logger *slog.Logger
}

// NewManager creates a checkpoint manager. writer may be nil when the
// deployment has no file-modification surface; a modify_file
// resolution then fails cleanly.
func NewManager(s Store, em Emitter, writer FileWriter, logger *slog.Logger) *Manager {
	return &Manager{store: s, events: em, writer: writer, logger: logger}
}

// Create persists a reviewable snapshot of an agent's output and
// announces it on the bus. The payload is converted to JSON-safe
// primitives first, so arbitrary adapter output (cycles included)
// cannot poison the stored record.
func (m *Manager) Create(ctx context.Context, projectID, agentName string, output map[string]any) (*Checkpoint, error) {
	payload, _ := state.Sanitize(output).(map[string]any)

	cp := &Checkpoint{
		Entity:    pipewright.NewEntity(),
		ID:        id.NewCheckpointID(),
		ProjectID: projectID,
		AgentName: agentName,
		Payload:   payload,
	}

	ref, err := m.store.SaveCheckpoint(ctx, cp)
	if err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	cp.Ref = ref

	m.logger.Info("checkpoint created",
		slog.String("checkpoint_id", cp.ID.String()),
		slog.String("project_id", projectID),
		slog.String("agent", agentName),
	)
	m.events.Emit(ctx, &event.Event{
		Type:      event.ApprovalRequested,
		ProjectID: projectID,
		Agent:     agentName,
		Message:   fmt.Sprintf("Review requested for %s output", agentName),
		Data: map[string]any{
			"checkpoint_id": cp.ID.String(),
			"ref":           cp.Ref,
		},
	})

	return cp, nil
}

// Resolve applies a human resolution to an open checkpoint. A
// checkpoint resolves at most once; a second resolution returns
// ErrCheckpointResolved. modify_file requires "file" and "new_content"
// in the payload and writes through the FileWriter before the
// resolution is recorded.
func (m *Manager) Resolve(ctx context.Context, cpID id.CheckpointID, action Action, payload map[string]any) (*Checkpoint, error) {
	cp, err := m.store.GetCheckpoint(ctx, cpID)
	if err != nil {
		return nil, err
	}
	if cp.Resolved {
		return nil, fmt.Errorf("checkpoint %s: %w", cpID, pipewright.ErrCheckpointResolved)
	}
	if !action.Valid() {
		return nil, fmt.Errorf("action %q: %w", action, pipewright.ErrUnknownResumeAction)
	}

	if action == ActionModifyFile {
		if err := m.applyFileModification(ctx, cp, payload); err != nil {
			return nil, err
		}
	}

	cp.Resolved = true
	cp.Resolution = &Resolution{
		Action:     action,
		Payload:    payload,
		ResolvedAt: time.Now().UTC(),
	}
	cp.Touch()
	if err := m.store.UpdateCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("record resolution: %w", err)
	}

	m.logger.Info("checkpoint resolved",
		slog.String("checkpoint_id", cp.ID.String()),
		slog.String("project_id", cp.ProjectID),
		slog.String("action", string(action)),
	)
	m.emitResolution(ctx, cp, action)
	return cp, nil
}

// applyFileModification validates the modify_file payload and writes
// the new content before the checkpoint is marked resolved, so a
// failed write leaves the checkpoint open for another attempt.
func (m *Manager) applyFileModification(ctx context.Context, cp *Checkpoint, payload map[string]any) error {
	file, _ := payload["file"].(string)
	content, _ := payload["new_content"].(string)
	if file == "" || content == "" {
		return fmt.Errorf("modify_file resolution requires file and new_content")
	}
	if m.writer == nil {
		return fmt.Errorf("modify_file resolution: no file writer configured")
	}
	if err := m.writer.WriteFile(ctx, file, []byte(content)); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}

	m.events.Emit(ctx, &event.Event{
		Type:      event.FileUpdated,
		ProjectID: cp.ProjectID,
		Agent:     cp.AgentName,
		Message:   fmt.Sprintf("File %s updated by reviewer", file),
		Data:      map[string]any{"file": file},
	})
	return nil
}

// emitResolution announces the resolution outcome. An abort is a
// denial; everything else is a grant.
func (m *Manager) emitResolution(ctx context.Context, cp *Checkpoint, action Action) {
	evt := &event.Event{
		Type:      event.ApprovalGranted,
		ProjectID: cp.ProjectID,
		Agent:     cp.AgentName,
		Message:   fmt.Sprintf("Checkpoint resolved: %s", action),
		Data: map[string]any{
			"checkpoint_id": cp.ID.String(),
			"action":        string(action),
		},
	}
	if action == ActionAbort {
		evt.Type = event.ApprovalDenied
		evt.Severity = event.SeverityWarning
	}
	m.events.Emit(ctx, evt)
}

// Get returns a checkpoint by ID.
func (m *Manager) Get(ctx context.Context, cpID id.CheckpointID) (*Checkpoint, error) {
	return m.store.GetCheckpoint(ctx, cpID)
}

// List returns a project's checkpoints in creation order.
func (m *Manager) List(ctx context.Context, projectID string) ([]*Checkpoint, error) {
	return m.store.ListCheckpoints(ctx, projectID)
}
