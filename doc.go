// Package pipewright provides a single-process orchestration engine for
// fixed, staged workflows with durable checkpoints and human-gated review.
//
// Pipewright is designed as a library, not a service. Import it, configure
// a store, register stage adapters, and start project runs as ordinary Go
// calls. The engine sequences a named pipeline of externally supplied stage
// adapters, persists the project document after every stage transition,
// retries failing stages with backoff, escalates to a human when retries
// are exhausted, and fans out structured lifecycle events to independent
// listeners.
//
// # Quick Start
//
//	o, err := pipewright.New(
//	    pipewright.WithStore(file.New("./workspace/.state", slog.Default())),
//	    pipewright.WithReviewRequired(true),
//	)
//
// # Architecture
//
// Pipewright follows a composable store pattern: the store package defines
// the persistence contract for project documents and checkpoint records,
// and a single backend (memory, file, redis, postgres) implements all of
// it. The engine package sits above the subsystem packages (event, state,
// stage, executor, checkpoint) and wires them together; this root package
// sits below them all and holds only the shared entity type, configuration,
// and sentinel errors.
//
// All generated identifiers use TypeID: type-prefixed, K-sortable,
// UUIDv7-based, compile-time safe.
package pipewright
