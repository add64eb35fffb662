package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pipewright/pipewright/event"
)

// Emitter publishes lifecycle events. Satisfied by *event.Bus.
type Emitter interface {
	Emit(ctx context.Context, evt *event.Event)
}

// Timeout returns middleware that enforces a per-stage execution
// deadline. If the invocation carries a non-zero Timeout, a
// context.WithTimeout wraps the handler call. An expired deadline
// emits a human-input-required escalation rather than letting the run
// hang forever on an unresponsive adapter.
func Timeout(em Emitter, logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		if inv.Timeout <= 0 {
			return next(ctx)
		}

		logger.Debug("stage timeout set",
			slog.String("stage", inv.Stage),
			slog.Duration("timeout", inv.Timeout),
		)
		tctx, cancel := context.WithTimeout(ctx, inv.Timeout)
		defer cancel()

		err := next(tctx)
		// Escalate only a genuine stage deadline, not cancellation of
		// the whole run.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			em.Emit(ctx, &event.Event{
				Type:      event.HumanInputRequired,
				ProjectID: inv.ProjectID,
				Stage:     inv.Stage,
				Agent:     inv.Agent,
				Message:   fmt.Sprintf("Stage %s exceeded its %s deadline", inv.Stage, inv.Timeout),
				Severity:  event.SeverityCritical,
				Data:      map[string]any{"timeout": inv.Timeout.String()},
			})
		}
		return err
	}
}
