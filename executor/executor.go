// Package executor runs stage functions under the retry policy:
// bounded attempts, pluggable backoff, optional result validation, and
// escalation when the budget is exhausted. Every failure in this
// design is retryable; the one exception is cancellation of the run
// context, which aborts immediately.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/pipewright/pipewright"
	"github.com/pipewright/pipewright/backoff"
	"github.com/pipewright/pipewright/event"
	"github.com/pipewright/pipewright/stage"
)

// Emitter publishes lifecycle events. Satisfied by *event.Bus.
type Emitter interface {
	Emit(ctx context.Context, evt *event.Event)
}

// RunFunc executes one attempt of a stage and returns its tagged
// result.
type RunFunc func(ctx context.Context) (stage.Result, error)

// Executor applies the retry policy to stage attempts.
type Executor struct {
	maxRetries int
	strategy   backoff.Strategy
	limiter    *rate.Limiter
	events     Emitter
	logger     *slog.Logger
}

// Option configures the Executor.
type Option func(*Executor)

// WithMaxRetries sets the total attempt budget (not just retries).
func WithMaxRetries(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithStrategy sets the backoff strategy between attempts.
func WithStrategy(s backoff.Strategy) Option {
	return func(e *Executor) {
		if s != nil {
			e.strategy = s
		}
	}
}

// WithLimiter throttles attempts against a shared rate limit, for
// adapters backed by quota-bound model APIs.
func WithLimiter(l *rate.Limiter) Option {
	return func(e *Executor) { e.limiter = l }
}

// New creates an Executor with the default budget of three attempts
// and deterministic exponential backoff.
func New(events Emitter, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		maxRetries: pipewright.DefaultConfig().MaxRetries,
		strategy:   backoff.DefaultStrategy(),
		events:     events,
		logger:     logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Do runs the stage function with up to maxRetries attempts. A
// successful attempt must both report OK and pass validation when a
// validator is supplied; a validation failure or error is treated
// identically to a failed attempt. Between attempts Do sleeps per the
// backoff strategy; no delay follows the final attempt.
//
// Every failed attempt emits a retry-attempt event carrying the
// attempt index and error text. After the final failure Do emits a
// human-input-required escalation and returns an error wrapping
// ErrRetriesExhausted that names the stage, the attempt count, and the
// last error.
func (e *Executor) Do(ctx context.Context, projectID, stageName string, run RunFunc, validate stage.Validator) (stage.Result, error) {
	var lastErr error

	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return stage.Result{Outcome: stage.Failed}, err
			}
		}

		res, err := e.attempt(ctx, stageName, run, validate)
		if err == nil {
			if attempt > 1 {
				e.logger.Info("stage recovered after retry",
					slog.String("stage", stageName),
					slog.Int("attempt", attempt),
				)
			}
			return res, nil
		}
		// Cancellation of the run context is the one non-retryable
		// failure.
		if ctx.Err() != nil {
			return stage.Result{Outcome: stage.Failed}, ctx.Err()
		}
		lastErr = err

		e.logger.Warn("stage attempt failed",
			slog.String("stage", stageName),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", e.maxRetries),
			slog.String("error", err.Error()),
		)
		e.events.Emit(ctx, &event.Event{
			Type:      event.RetryAttempt,
			ProjectID: projectID,
			Stage:     stageName,
			Message:   fmt.Sprintf("Attempt %d/%d failed: %v", attempt, e.maxRetries, err),
			Severity:  event.SeverityWarning,
			Data: map[string]any{
				"attempt": attempt,
				"error":   err.Error(),
			},
		})

		if attempt < e.maxRetries {
			if err := sleep(ctx, e.strategy.Delay(attempt)); err != nil {
				return stage.Result{Outcome: stage.Failed}, err
			}
		}
	}

	e.events.Emit(ctx, &event.Event{
		Type:      event.HumanInputRequired,
		ProjectID: projectID,
		Stage:     stageName,
		Message:   fmt.Sprintf("Stage %s failed after %d attempts and needs attention", stageName, e.maxRetries),
		Severity:  event.SeverityCritical,
		Data: map[string]any{
			"attempts":   e.maxRetries,
			"last_error": lastErr.Error(),
		},
	})
	return stage.Result{Outcome: stage.Failed},
		fmt.Errorf("stage %s failed after %d attempts: %v: %w",
			stageName, e.maxRetries, lastErr, pipewright.ErrRetriesExhausted)
}

// attempt runs one execution plus validation.
func (e *Executor) attempt(ctx context.Context, stageName string, run RunFunc, validate stage.Validator) (stage.Result, error) {
	res, err := run(ctx)
	if err != nil {
		return res, err
	}
	if !res.OK() {
		return res, fmt.Errorf("stage %s reported no success signal", stageName)
	}
	if validate != nil {
		ok, verr := validate(ctx, res)
		if verr != nil {
			return res, fmt.Errorf("validation: %w", verr)
		}
		if !ok {
			return res, fmt.Errorf("stage %s result failed validation", stageName)
		}
	}
	return res, nil
}

// DoWithFallback runs Do on the primary function; on exhaustion, if a
// fallback is supplied, it emits a warning and runs the fallback
// exactly once, without retries. A nil fallback re-raises the primary
// error.
func (e *Executor) DoWithFallback(ctx context.Context, projectID, stageName string, primary, fallback RunFunc, validate stage.Validator) (stage.Result, error) {
	res, err := e.Do(ctx, projectID, stageName, primary, validate)
	if err == nil {
		return res, nil
	}
	if fallback == nil || !errors.Is(err, pipewright.ErrRetriesExhausted) {
		return res, err
	}

	e.logger.Warn("running fallback for stage",
		slog.String("stage", stageName),
	)
	e.events.Emit(ctx, &event.Event{
		Type:      event.WarningIssued,
		ProjectID: projectID,
		Stage:     stageName,
		Message:   fmt.Sprintf("Primary execution of %s exhausted retries; running fallback", stageName),
		Severity:  event.SeverityWarning,
	})

	fres, ferr := e.attempt(ctx, stageName, fallback, validate)
	if ferr != nil {
		return fres, fmt.Errorf("fallback for stage %s: %w", stageName, ferr)
	}
	return fres, nil
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
