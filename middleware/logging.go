package middleware

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that logs stage start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		logger.Info("stage started",
			slog.String("stage", inv.Stage),
			slog.String("project_id", inv.ProjectID),
			slog.String("agent", inv.Agent),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("stage failed",
				slog.String("stage", inv.Stage),
				slog.String("project_id", inv.ProjectID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("stage completed",
				slog.String("stage", inv.Stage),
				slog.String("project_id", inv.ProjectID),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
