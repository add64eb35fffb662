package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pipewright/pipewright"
	"github.com/pipewright/pipewright/checkpoint"
	"github.com/pipewright/pipewright/id"
)

// SaveCheckpoint persists a new checkpoint; the returned ref names the
// row so the review surface can cite it.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) (string, error) {
	ref := "postgres://pipewright_checkpoints/" + cp.ID.String()

	payload, err := json.Marshal(cp.Payload)
	if err != nil {
		return "", fmt.Errorf("pipewright/postgres: encode payload: %w", err)
	}

	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipewright_checkpoints (id, project_id, agent_name, payload, ref, resolved, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7)`,
		cp.ID.String(), cp.ProjectID, cp.AgentName, payload, ref, createdAt, updatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("pipewright/postgres: save checkpoint: %w", err)
	}
	return ref, nil
}

// GetCheckpoint retrieves a checkpoint by ID.
func (s *Store) GetCheckpoint(ctx context.Context, cpID id.CheckpointID) (*checkpoint.Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, project_id, agent_name, payload, ref, resolved, resolution, created_at, updated_at
		FROM pipewright_checkpoints WHERE id = $1`,
		cpID.String(),
	)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pipewright.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pipewright/postgres: get checkpoint: %w", err)
	}
	return cp, nil
}

// UpdateCheckpoint persists changes to an existing checkpoint.
func (s *Store) UpdateCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	payload, err := json.Marshal(cp.Payload)
	if err != nil {
		return fmt.Errorf("pipewright/postgres: encode payload: %w", err)
	}
	var resolution []byte
	if cp.Resolution != nil {
		resolution, err = json.Marshal(cp.Resolution)
		if err != nil {
			return fmt.Errorf("pipewright/postgres: encode resolution: %w", err)
		}
	}

	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE pipewright_checkpoints
		SET agent_name = $2, payload = $3, resolved = $4, resolution = $5, updated_at = $6
		WHERE id = $1`,
		cp.ID.String(), cp.AgentName, payload, cp.Resolved, resolution, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("pipewright/postgres: update checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipewright.ErrCheckpointNotFound
	}
	return nil
}

// ListCheckpoints returns a project's checkpoints in creation order.
func (s *Store) ListCheckpoints(ctx context.Context, projectID string) ([]*checkpoint.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, agent_name, payload, ref, resolved, resolution, created_at, updated_at
		FROM pipewright_checkpoints
		WHERE project_id = $1
		ORDER BY created_at`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("pipewright/postgres: list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*checkpoint.Checkpoint
	for rows.Next() {
		cp, scanErr := scanCheckpoint(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("pipewright/postgres: scan checkpoint: %w", scanErr)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// scanCheckpoint reads one checkpoint row.
func scanCheckpoint(row pgx.Row) (*checkpoint.Checkpoint, error) {
	var (
		rawID      string
		cp         checkpoint.Checkpoint
		payload    []byte
		resolution []byte
	)
	if err := row.Scan(&rawID, &cp.ProjectID, &cp.AgentName, &payload,
		&cp.Ref, &cp.Resolved, &resolution, &cp.CreatedAt, &cp.UpdatedAt); err != nil {
		return nil, err
	}

	cpID, err := id.ParseCheckpointID(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint id: %w", err)
	}
	cp.ID = cpID

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &cp.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	if len(resolution) > 0 {
		cp.Resolution = &checkpoint.Resolution{}
		if err := json.Unmarshal(resolution, cp.Resolution); err != nil {
			return nil, fmt.Errorf("decode resolution: %w", err)
		}
	}
	return &cp, nil
}
