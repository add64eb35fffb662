// Package redis implements store.Store using Redis for deployments
// where several processes share one control plane. Records are encoded
// with msgpack and stored as plain string values; a Set enumerates
// project ids and a List per project keeps checkpoint creation order.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pipewright/pipewright"
	"github.com/pipewright/pipewright/checkpoint"
	"github.com/pipewright/pipewright/id"
	"github.com/pipewright/pipewright/state"
)

// Compile-time interface checks.
var (
	_ state.Store      = (*Store)(nil)
	_ checkpoint.Store = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client goredis.Cmdable
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis
// client lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.Cmdable { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Project documents
// ──────────────────────────────────────────────────

// SaveProject persists the full document, stamping LastSaved.
func (s *Store) SaveProject(ctx context.Context, doc *state.Document) error {
	if doc.State == nil || doc.State.ProjectID == "" {
		return pipewright.ErrProjectNotFound
	}
	projectID := doc.State.ProjectID

	raw, err := msgpack.Marshal(doc.Normalized(time.Now()))
	if err != nil {
		return fmt.Errorf("pipewright/redis: encode document: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, projectKey(projectID), raw, 0)
	pipe.SAdd(ctx, projectIDsKey, projectID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipewright/redis: save project: %w", err)
	}
	return nil
}

// LoadProject reads the document for a project. A missing project
// returns (nil, nil).
func (s *Store) LoadProject(ctx context.Context, projectID string) (*state.Document, error) {
	raw, err := s.client.Get(ctx, projectKey(projectID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pipewright/redis: load project: %w", err)
	}

	var doc state.Document
	if err := msgpack.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("pipewright/redis: decode document: %w", err)
	}
	return &doc, nil
}

// UpdateProject applies a read-merge-write mutation to an existing
// document. There is no optimistic-concurrency check; the single-owner
// invariant makes the read-modify-write safe.
func (s *Store) UpdateProject(ctx context.Context, projectID string, apply func(*state.Document) error) error {
	doc, err := s.LoadProject(ctx, projectID)
	if err != nil {
		return err
	}
	if doc == nil {
		return pipewright.ErrProjectNotFound
	}
	if err := apply(doc); err != nil {
		return err
	}
	return s.SaveProject(ctx, doc)
}

// DeleteProject removes a project's document.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	removed, err := s.client.Del(ctx, projectKey(projectID)).Result()
	if err != nil {
		return fmt.Errorf("pipewright/redis: delete project: %w", err)
	}
	if removed == 0 {
		return pipewright.ErrProjectNotFound
	}
	if err := s.client.SRem(ctx, projectIDsKey, projectID).Err(); err != nil {
		return fmt.Errorf("pipewright/redis: delete project index: %w", err)
	}
	return nil
}

// ListProjects returns the known project ids in lexical order.
func (s *Store) ListProjects(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, projectIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("pipewright/redis: list projects: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// ──────────────────────────────────────────────────
// Checkpoints
// ──────────────────────────────────────────────────

// cpRecord is the wire shape for a checkpoint. The TypeID is carried
// as its string form; msgpack has no encoder for the opaque ID type.
type cpRecord struct {
	ID         string                 `msgpack:"id"`
	ProjectID  string                 `msgpack:"project_id"`
	AgentName  string                 `msgpack:"agent_name"`
	CreatedAt  time.Time              `msgpack:"created_at"`
	UpdatedAt  time.Time              `msgpack:"updated_at"`
	Payload    map[string]any         `msgpack:"payload,omitempty"`
	Ref        string                 `msgpack:"ref,omitempty"`
	Resolved   bool                   `msgpack:"resolved"`
	Resolution *checkpoint.Resolution `msgpack:"resolution,omitempty"`
}

func toRecord(cp *checkpoint.Checkpoint) *cpRecord {
	return &cpRecord{
		ID:         cp.ID.String(),
		ProjectID:  cp.ProjectID,
		AgentName:  cp.AgentName,
		CreatedAt:  cp.CreatedAt,
		UpdatedAt:  cp.UpdatedAt,
		Payload:    cp.Payload,
		Ref:        cp.Ref,
		Resolved:   cp.Resolved,
		Resolution: cp.Resolution,
	}
}

func fromRecord(rec *cpRecord) (*checkpoint.Checkpoint, error) {
	cpID, err := id.ParseCheckpointID(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint id: %w", err)
	}
	return &checkpoint.Checkpoint{
		Entity:     pipewright.Entity{CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt},
		ID:         cpID,
		ProjectID:  rec.ProjectID,
		AgentName:  rec.AgentName,
		Payload:    rec.Payload,
		Ref:        rec.Ref,
		Resolved:   rec.Resolved,
		Resolution: rec.Resolution,
	}, nil
}

// SaveCheckpoint persists a new checkpoint; the returned ref is its
// Redis key.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) (string, error) {
	key := checkpointKey(cp.ID.String())

	rec := toRecord(cp)
	rec.Ref = key
	raw, err := msgpack.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("pipewright/redis: encode checkpoint: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, raw, 0)
	pipe.RPush(ctx, checkpointIndexKey(cp.ProjectID), cp.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("pipewright/redis: save checkpoint: %w", err)
	}
	return key, nil
}

// GetCheckpoint retrieves a checkpoint by ID.
func (s *Store) GetCheckpoint(ctx context.Context, cpID id.CheckpointID) (*checkpoint.Checkpoint, error) {
	raw, err := s.client.Get(ctx, checkpointKey(cpID.String())).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, pipewright.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pipewright/redis: get checkpoint: %w", err)
	}

	var rec cpRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("pipewright/redis: decode checkpoint: %w", err)
	}
	return fromRecord(&rec)
}

// UpdateCheckpoint persists changes to an existing checkpoint.
func (s *Store) UpdateCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	key := checkpointKey(cp.ID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("pipewright/redis: update checkpoint exists: %w", err)
	}
	if exists == 0 {
		return pipewright.ErrCheckpointNotFound
	}

	raw, err := msgpack.Marshal(toRecord(cp))
	if err != nil {
		return fmt.Errorf("pipewright/redis: encode checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, key, raw, 0).Err(); err != nil {
		return fmt.Errorf("pipewright/redis: update checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns a project's checkpoints in creation order.
func (s *Store) ListCheckpoints(ctx context.Context, projectID string) ([]*checkpoint.Checkpoint, error) {
	ids, err := s.client.LRange(ctx, checkpointIndexKey(projectID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("pipewright/redis: list checkpoints: %w", err)
	}

	out := make([]*checkpoint.Checkpoint, 0, len(ids))
	for _, cpID := range ids {
		raw, getErr := s.client.Get(ctx, checkpointKey(cpID)).Bytes()
		if getErr != nil {
			continue
		}
		var rec cpRecord
		if decErr := msgpack.Unmarshal(raw, &rec); decErr != nil {
			s.logger.Warn("skipping undecodable checkpoint",
				slog.String("checkpoint_id", cpID),
				slog.String("error", decErr.Error()),
			)
			continue
		}
		cp, convErr := fromRecord(&rec)
		if convErr != nil {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}
