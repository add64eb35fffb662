package state

import (
	"context"
	"time"
)

// Store is the persistence contract for project documents. A backend
// implements this alongside the checkpoint store; the composite store
// interface lives in the store package.
//
// The engine performs read-modify-write with no optimistic-concurrency
// check. That is safe only because exactly one live run owns a project
// at a time.
type Store interface {
	// SaveProject persists the full document under its project id,
	// stamping LastSaved. The document's data mappings are converted
	// to JSON-safe primitives first; a save never fails because of an
	// unconvertible value.
	SaveProject(ctx context.Context, doc *Document) error

	// LoadProject returns the document for a project, serving a cached
	// copy when one is held. A missing project returns (nil, nil); it
	// is an absence, not an error.
	LoadProject(ctx context.Context, projectID string) (*Document, error)

	// UpdateProject applies a read-merge-write mutation to an existing
	// document. A missing project returns ErrProjectNotFound. An error
	// from apply abandons the update without persisting.
	UpdateProject(ctx context.Context, projectID string, apply func(*Document) error) error

	// DeleteProject removes a project's document. Deleting an unknown
	// project returns ErrProjectNotFound.
	DeleteProject(ctx context.Context, projectID string) error

	// ListProjects returns the known project ids in lexical order.
	ListProjects(ctx context.Context) ([]string, error)
}

// Normalized returns a persistable copy of the document: the shared
// data mapping and every stage's last output are converted to
// JSON-safe primitives, and LastSaved is stamped. The receiver is not
// mutated.
func (d *Document) Normalized(now time.Time) *Document {
	out := *d
	out.LastSaved = now.UTC()
	if d.State == nil {
		return &out
	}

	st := *d.State
	st.Data, _ = Sanitize(d.State.Data).(map[string]any)

	stages := make(map[string]*Stage, len(d.State.Stages))
	for name, s := range d.State.Stages {
		cp := *s
		if s.LastOutput != nil {
			cp.LastOutput, _ = Sanitize(s.LastOutput).(map[string]any)
		}
		stages[name] = &cp
	}
	st.Stages = stages
	out.State = &st
	return &out
}
