// Package store defines the aggregate persistence interface. Each
// subsystem (state, checkpoint) defines its own store interface; the
// composite Store composes them. Backends: File, Postgres, Redis, and
// Memory.
package store

import (
	"context"

	"github.com/pipewright/pipewright/checkpoint"
	"github.com/pipewright/pipewright/state"
)

// Store is the aggregate persistence interface. Each subsystem store
// is a composable interface; a single backend implements all of them.
type Store interface {
	state.Store
	checkpoint.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
