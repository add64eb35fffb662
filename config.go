package pipewright

import "time"

// Config holds configuration for the Orchestrator and the runs it spawns.
type Config struct {
	// MaxRetries is the number of attempts a failing stage is given
	// before the run escalates to a human and stops.
	MaxRetries int

	// BaseDelay is the backoff delay before the first retry. Attempt k
	// waits BaseDelay * 2^(k-1) under the default strategy.
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay. Zero means no cap.
	MaxDelay time.Duration

	// ReviewRequired pauses the run after each completed stage until an
	// external resume arrives.
	ReviewRequired bool

	// StageTimeout bounds a single stage attempt. Zero disables the
	// deadline; expiry emits an escalation event and counts as a failed
	// attempt.
	StageTimeout time.Duration

	// ReviewTimeout bounds the human-review wait. Zero means wait
	// forever; expiry emits an escalation event and fails the run.
	ReviewTimeout time.Duration

	// HeartbeatInterval is how often a running project appends a
	// liveness line to its log. Zero disables the heartbeat.
	HeartbeatInterval time.Duration

	// HistoryLimit caps the per-project event history kept in memory.
	// The oldest events are evicted first.
	HistoryLimit int

	// ShutdownTimeout is the maximum time to wait for active runs
	// during graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseDelay:         1 * time.Second,
		MaxDelay:          1 * time.Minute,
		ReviewRequired:    true,
		StageTimeout:      10 * time.Minute,
		ReviewTimeout:     0,
		HeartbeatInterval: 10 * time.Second,
		HistoryLimit:      1000,
		ShutdownTimeout:   30 * time.Second,
	}
}
