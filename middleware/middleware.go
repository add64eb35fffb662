// Package middleware provides composable middleware around one stage
// attempt. Middleware wraps handler calls synchronously and can modify
// execution (recover from panics, log, enforce a deadline, add tracing
// and metrics).
package middleware

import (
	"context"
	"time"
)

// Invocation describes the stage attempt being wrapped.
type Invocation struct {
	ProjectID string
	Stage     string
	Agent     string
	// Timeout bounds the attempt. Zero means no deadline.
	Timeout time.Duration
}

// Handler is the terminal function that executes the stage logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the invocation being executed, and the next handler
// to call. Middleware MUST call next to continue the chain (unless
// short-circuiting on error).
type Middleware func(ctx context.Context, inv *Invocation, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, timeout) executes as:
//
//	logging → recover → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, inv, prev)
			}
		}
		return h(ctx)
	}
}
