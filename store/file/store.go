// Package file provides the on-disk store backend: one JSON document
// per project id plus one JSON file per checkpoint, with an in-memory
// read cache over project documents. This is the default backend for
// single-machine deployments.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pipewright/pipewright"
	"github.com/pipewright/pipewright/checkpoint"
	"github.com/pipewright/pipewright/id"
	"github.com/pipewright/pipewright/state"
)

var (
	_ state.Store      = (*Store)(nil)
	_ checkpoint.Store = (*Store)(nil)
)

const (
	projectsDir    = "projects"
	checkpointsDir = "checkpoints"

	// warmLoadConcurrency bounds parallel document reads during Migrate.
	warmLoadConcurrency = 8
)

// Store persists project documents and checkpoints under a root
// directory. Reads are served from an in-memory cache once a document
// has been seen; writes go through the cache to disk atomically
// (temp file + rename). Safe for concurrent use.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*state.Document
}

// New creates a file store rooted at dir. The directory layout is
// created by Migrate.
func New(dir string, logger *slog.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger,
		cache:  make(map[string]*state.Document),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate creates the directory layout and warms the cache by loading
// every existing project document in parallel. A document that fails
// to parse is logged and skipped; it does not block startup.
func (s *Store) Migrate(ctx context.Context) error {
	for _, sub := range []string{projectsDir, checkpointsDir} {
		if err := os.MkdirAll(filepath.Join(s.dir, sub), 0o755); err != nil {
			return fmt.Errorf("create %s dir: %w", sub, err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(s.dir, projectsDir))
	if err != nil {
		return fmt.Errorf("scan projects dir: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(warmLoadConcurrency)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		projectID := strings.TrimSuffix(name, ".json")
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			doc, err := s.readProject(projectID)
			if err != nil {
				s.logger.Warn("skipping unreadable project document",
					slog.String("project_id", projectID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			s.mu.Lock()
			s.cache[projectID] = doc
			s.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.RLock()
	warmed := len(s.cache)
	s.mu.RUnlock()
	s.logger.Info("file store ready",
		slog.String("dir", s.dir),
		slog.Int("projects", warmed),
	)
	return nil
}

// Ping verifies the root directory is accessible.
func (s *Store) Ping(_ context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("stat store dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store path %s is not a directory", s.dir)
	}
	return nil
}

// Close drops the cache. On-disk state is already durable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*state.Document)
	return nil
}

// ──────────────────────────────────────────────────
// Project documents
// ──────────────────────────────────────────────────

func (s *Store) projectPath(projectID string) string {
	return filepath.Join(s.dir, projectsDir, projectID+".json")
}

// SaveProject persists the full document, stamping LastSaved, and
// refreshes the cache.
func (s *Store) SaveProject(_ context.Context, doc *state.Document) error {
	if doc.State == nil || doc.State.ProjectID == "" {
		return pipewright.ErrProjectNotFound
	}
	projectID := doc.State.ProjectID

	s.mu.Lock()
	defer s.mu.Unlock()

	normalized := doc.Normalized(time.Now())
	if err := s.writeJSON(s.projectPath(projectID), normalized); err != nil {
		return fmt.Errorf("save project %s: %w", projectID, err)
	}
	s.cache[projectID] = normalized
	return nil
}

// LoadProject returns the cached document when present, falling back
// to disk. A missing project returns (nil, nil).
func (s *Store) LoadProject(_ context.Context, projectID string) (*state.Document, error) {
	s.mu.RLock()
	if doc, ok := s.cache[projectID]; ok {
		s.mu.RUnlock()
		return doc.Clone(), nil
	}
	s.mu.RUnlock()

	doc, err := s.readProject(projectID)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}

	s.mu.Lock()
	s.cache[projectID] = doc
	s.mu.Unlock()
	return doc.Clone(), nil
}

// UpdateProject applies a read-merge-write mutation to an existing
// document. The mutation runs under the store lock; there is no
// optimistic-concurrency check.
func (s *Store) UpdateProject(_ context.Context, projectID string, apply func(*state.Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.cache[projectID]
	if !ok {
		var err error
		doc, err = s.readProject(projectID)
		if errors.Is(err, fs.ErrNotExist) {
			return pipewright.ErrProjectNotFound
		}
		if err != nil {
			return fmt.Errorf("update project %s: %w", projectID, err)
		}
	}

	working := doc.Clone()
	if err := apply(working); err != nil {
		return err
	}

	normalized := working.Normalized(time.Now())
	if err := s.writeJSON(s.projectPath(projectID), normalized); err != nil {
		return fmt.Errorf("update project %s: %w", projectID, err)
	}
	s.cache[projectID] = normalized
	return nil
}

// DeleteProject removes a project's document from disk and cache.
func (s *Store) DeleteProject(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.projectPath(projectID))
	if errors.Is(err, fs.ErrNotExist) {
		if _, cached := s.cache[projectID]; !cached {
			return pipewright.ErrProjectNotFound
		}
		err = nil
	}
	if err != nil {
		return fmt.Errorf("delete project %s: %w", projectID, err)
	}
	delete(s.cache, projectID)
	return nil
}

// ListProjects returns the project ids present on disk in lexical
// order.
func (s *Store) ListProjects(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, projectsDir))
	if err != nil {
		return nil, fmt.Errorf("scan projects dir: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// readProject loads one document from disk without touching the cache.
func (s *Store) readProject(projectID string) (*state.Document, error) {
	raw, err := os.ReadFile(s.projectPath(projectID))
	if err != nil {
		return nil, err
	}
	var doc state.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &doc, nil
}

// ──────────────────────────────────────────────────
// Checkpoints
// ──────────────────────────────────────────────────

func (s *Store) checkpointPath(cpID string) string {
	return filepath.Join(s.dir, checkpointsDir, cpID+".json")
}

// SaveCheckpoint persists a new checkpoint; the returned ref is its
// file path, handed to the review surface.
func (s *Store) SaveCheckpoint(_ context.Context, cp *checkpoint.Checkpoint) (string, error) {
	path := s.checkpointPath(cp.ID.String())

	stored := *cp
	stored.Ref = path
	if err := s.writeJSON(path, &stored); err != nil {
		return "", fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return path, nil
}

// GetCheckpoint retrieves a checkpoint by ID.
func (s *Store) GetCheckpoint(_ context.Context, cpID id.CheckpointID) (*checkpoint.Checkpoint, error) {
	raw, err := os.ReadFile(s.checkpointPath(cpID.String()))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, pipewright.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", cpID, err)
	}

	var cp checkpoint.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", cpID, err)
	}
	return &cp, nil
}

// UpdateCheckpoint persists changes to an existing checkpoint.
func (s *Store) UpdateCheckpoint(_ context.Context, cp *checkpoint.Checkpoint) error {
	path := s.checkpointPath(cp.ID.String())
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return pipewright.ErrCheckpointNotFound
	}
	if err := s.writeJSON(path, cp); err != nil {
		return fmt.Errorf("update checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// ListCheckpoints returns a project's checkpoints in creation order.
func (s *Store) ListCheckpoints(_ context.Context, projectID string) ([]*checkpoint.Checkpoint, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, checkpointsDir))
	if err != nil {
		return nil, fmt.Errorf("scan checkpoints dir: %w", err)
	}

	var out []*checkpoint.Checkpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, checkpointsDir, name))
		if err != nil {
			continue
		}
		var cp checkpoint.Checkpoint
		if err := json.Unmarshal(raw, &cp); err != nil {
			s.logger.Warn("skipping unreadable checkpoint",
				slog.String("file", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if cp.ProjectID == projectID {
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

// writeJSON writes v atomically: marshal, write to a temp file in the
// target directory, then rename over the destination.
func (s *Store) writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
