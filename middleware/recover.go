package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Recover returns middleware that recovers from panics in the handler
// chain. Panics are converted to errors and logged with a stack trace,
// so a misbehaving adapter becomes an ordinary failed attempt.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("stage adapter panicked",
					slog.String("stage", inv.Stage),
					slog.String("project_id", inv.ProjectID),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = fmt.Errorf("panic in stage %s: %v", inv.Stage, r)
			}
		}()
		return next(ctx)
	}
}
