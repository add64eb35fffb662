package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pipewright/pipewright"
	"github.com/pipewright/pipewright/state"
)

// SaveProject persists the full document as JSONB, stamping LastSaved.
func (s *Store) SaveProject(ctx context.Context, doc *state.Document) error {
	if doc.State == nil || doc.State.ProjectID == "" {
		return pipewright.ErrProjectNotFound
	}

	normalized := doc.Normalized(time.Now())
	raw, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("pipewright/postgres: encode document: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipewright_projects (id, document, status, last_saved)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET document = EXCLUDED.document,
		    status = EXCLUDED.status,
		    last_saved = EXCLUDED.last_saved`,
		normalized.State.ProjectID, raw, string(normalized.Status), normalized.LastSaved,
	)
	if err != nil {
		return fmt.Errorf("pipewright/postgres: save project: %w", err)
	}
	return nil
}

// LoadProject reads the document for a project. A missing project
// returns (nil, nil).
func (s *Store) LoadProject(ctx context.Context, projectID string) (*state.Document, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM pipewright_projects WHERE id = $1`,
		projectID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pipewright/postgres: load project: %w", err)
	}

	var doc state.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("pipewright/postgres: decode document: %w", err)
	}
	return &doc, nil
}

// UpdateProject applies a read-merge-write mutation inside a
// transaction, holding a row lock so concurrent writers to the same
// project serialize.
func (s *Store) UpdateProject(ctx context.Context, projectID string, apply func(*state.Document) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pipewright/postgres: begin update: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT document FROM pipewright_projects WHERE id = $1 FOR UPDATE`,
		projectID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipewright.ErrProjectNotFound
	}
	if err != nil {
		return fmt.Errorf("pipewright/postgres: lock project: %w", err)
	}

	var doc state.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("pipewright/postgres: decode document: %w", err)
	}
	if err := apply(&doc); err != nil {
		return err
	}

	normalized := doc.Normalized(time.Now())
	updated, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("pipewright/postgres: encode document: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE pipewright_projects
		SET document = $2, status = $3, last_saved = $4
		WHERE id = $1`,
		projectID, updated, string(normalized.Status), normalized.LastSaved,
	); err != nil {
		return fmt.Errorf("pipewright/postgres: update project: %w", err)
	}
	return tx.Commit(ctx)
}

// DeleteProject removes a project's document.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM pipewright_projects WHERE id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("pipewright/postgres: delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipewright.ErrProjectNotFound
	}
	return nil
}

// ListProjects returns the known project ids in lexical order.
func (s *Store) ListProjects(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM pipewright_projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("pipewright/postgres: list projects: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pipewright/postgres: scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
