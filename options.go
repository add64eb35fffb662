package pipewright

import (
	"context"
	"log/slog"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// Storer is the minimal store interface held by the Orchestrator.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles. Implementations satisfy store.Store which embeds all
// subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Orchestrator is the application-level handle for pipewright. It holds
// the configuration, logger, and store shared by every project run.
//
// Create one with New() and functional options, then pass it to
// engine.Build to wire the subsystems together. The Orchestrator itself
// never reaches into subsystem packages; that wiring lives in the engine
// package to avoid import cycles.
type Orchestrator struct {
	config Config
	logger *slog.Logger
	store  Storer
}

// New creates a new Orchestrator with the given options.
func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Logger returns the orchestrator's logger.
func (o *Orchestrator) Logger() *slog.Logger { return o.logger }

// Store returns the orchestrator's store.
func (o *Orchestrator) Store() Storer { return o.store }

// Config returns a copy of the orchestrator's configuration.
func (o *Orchestrator) Config() Config { return o.config }

// Close releases the underlying store.
func (o *Orchestrator) Close() error {
	if o.store != nil {
		return o.store.Close()
	}
	return nil
}

// WithLogger sets the structured logger for the orchestrator.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) error {
		o.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the orchestrator.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(o *Orchestrator) error {
		o.store = s
		return nil
	}
}

// WithConfig replaces the entire configuration.
func WithConfig(c Config) Option {
	return func(o *Orchestrator) error {
		o.config = c
		return nil
	}
}

// WithMaxRetries sets the per-stage retry budget.
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) error {
		o.config.MaxRetries = n
		return nil
	}
}

// WithReviewRequired toggles the human-review pause after each stage.
func WithReviewRequired(enabled bool) Option {
	return func(o *Orchestrator) error {
		o.config.ReviewRequired = enabled
		return nil
	}
}

// WithHistoryLimit caps the per-project in-memory event history.
func WithHistoryLimit(n int) Option {
	return func(o *Orchestrator) error {
		o.config.HistoryLimit = n
		return nil
	}
}
