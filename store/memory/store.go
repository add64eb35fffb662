// Package memory provides a fully in-memory store backend. Intended
// for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pipewright/pipewright"
	"github.com/pipewright/pipewright/checkpoint"
	"github.com/pipewright/pipewright/id"
	"github.com/pipewright/pipewright/state"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ state.Store      = (*Store)(nil)
	_ checkpoint.Store = (*Store)(nil)
)

// Store is an in-memory implementation of store.Store. Safe for
// concurrent access. Documents are deep-normalized on save and copied
// on load, so callers cannot race against stored data.
type Store struct {
	mu sync.RWMutex

	projects    map[string]*state.Document
	checkpoints map[string]*checkpoint.Checkpoint
	byProject   map[string][]string // projectID → checkpoint ids in creation order
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		projects:    make(map[string]*state.Document),
		checkpoints: make(map[string]*checkpoint.Checkpoint),
		byProject:   make(map[string][]string),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Project documents
// ──────────────────────────────────────────────────

// SaveProject persists the full document, stamping LastSaved.
func (m *Store) SaveProject(_ context.Context, doc *state.Document) error {
	if doc.State == nil || doc.State.ProjectID == "" {
		return pipewright.ErrProjectNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.projects[doc.State.ProjectID] = doc.Normalized(time.Now())
	return nil
}

// LoadProject returns a copy of the stored document, or (nil, nil)
// when the project is unknown.
func (m *Store) LoadProject(_ context.Context, projectID string) (*state.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.projects[projectID]
	if !ok {
		return nil, nil
	}
	return doc.Clone(), nil
}

// UpdateProject applies a read-merge-write mutation to an existing
// document.
func (m *Store) UpdateProject(_ context.Context, projectID string, apply func(*state.Document) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.projects[projectID]
	if !ok {
		return pipewright.ErrProjectNotFound
	}

	working := doc.Clone()
	if err := apply(working); err != nil {
		return err
	}
	m.projects[projectID] = working.Normalized(time.Now())
	return nil
}

// DeleteProject removes a project's document.
func (m *Store) DeleteProject(_ context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[projectID]; !ok {
		return pipewright.ErrProjectNotFound
	}
	delete(m.projects, projectID)
	return nil
}

// ListProjects returns the known project ids in lexical order.
func (m *Store) ListProjects(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.projects))
	for pid := range m.projects {
		ids = append(ids, pid)
	}
	sort.Strings(ids)
	return ids, nil
}

// ──────────────────────────────────────────────────
// Checkpoints
// ──────────────────────────────────────────────────

// SaveCheckpoint persists a new checkpoint and returns its storage
// reference.
func (m *Store) SaveCheckpoint(_ context.Context, cp *checkpoint.Checkpoint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cp.ID.String()
	ref := "memory://checkpoints/" + key

	stored := *cp
	stored.Ref = ref
	m.checkpoints[key] = &stored
	m.byProject[cp.ProjectID] = append(m.byProject[cp.ProjectID], key)
	return ref, nil
}

// GetCheckpoint retrieves a checkpoint by ID.
func (m *Store) GetCheckpoint(_ context.Context, cpID id.CheckpointID) (*checkpoint.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[cpID.String()]
	if !ok {
		return nil, pipewright.ErrCheckpointNotFound
	}
	out := *cp
	return &out, nil
}

// UpdateCheckpoint persists changes to an existing checkpoint.
func (m *Store) UpdateCheckpoint(_ context.Context, cp *checkpoint.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cp.ID.String()
	if _, ok := m.checkpoints[key]; !ok {
		return pipewright.ErrCheckpointNotFound
	}
	stored := *cp
	m.checkpoints[key] = &stored
	return nil
}

// ListCheckpoints returns a project's checkpoints in creation order.
func (m *Store) ListCheckpoints(_ context.Context, projectID string) ([]*checkpoint.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := m.byProject[projectID]
	out := make([]*checkpoint.Checkpoint, 0, len(keys))
	for _, k := range keys {
		if cp, ok := m.checkpoints[k]; ok {
			c := *cp
			out = append(out, &c)
		}
	}
	return out, nil
}
