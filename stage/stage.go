// Package stage defines the adapter boundary between the engine and
// the external agents that do the actual work of a pipeline stage. An
// adapter receives the shared project state mapping and returns a
// result mapping; the package normalizes the loosely specified success
// conventions of that contract into a tagged Result exactly once, so
// the rest of the system never probes raw maps.
package stage

import (
	"context"
)

// Adapter executes one pipeline stage. It receives a snapshot of the
// shared project state and returns a mapping that is merged back into
// it. Any returned error is a stage failure.
//
// The returned mapping signals success through at least one of:
//   - a top-level "success" flag,
//   - a stage-scoped "<stage>_output" mapping with its own "success"
//     flag,
//   - a "status" of "awaiting_review",
//   - the stage's own name in a "steps_completed" list.
type Adapter interface {
	Execute(ctx context.Context, state map[string]any) (map[string]any, error)
}

// AdapterFunc adapts a plain function to the Adapter interface.
type AdapterFunc func(ctx context.Context, state map[string]any) (map[string]any, error)

// Execute calls f.
func (f AdapterFunc) Execute(ctx context.Context, state map[string]any) (map[string]any, error) {
	return f(ctx, state)
}

// Outcome tags the normalized result of one stage execution.
type Outcome string

const (
	// Succeeded means the stage completed and its data can be merged.
	Succeeded Outcome = "succeeded"
	// AwaitingReview means the stage completed but asks for a human
	// gate before the pipeline continues.
	AwaitingReview Outcome = "awaiting_review"
	// Failed means no success signal was found; the attempt is handed
	// to the retry policy.
	Failed Outcome = "failed"
)

// Result is the tagged outcome of one stage execution, produced by
// Evaluate at the adapter boundary.
type Result struct {
	Outcome Outcome
	// Data is the adapter's output mapping, merged into the shared
	// project state on success.
	Data map[string]any
}

// OK reports whether the stage succeeded, with or without a review
// gate.
func (r Result) OK() bool {
	return r.Outcome == Succeeded || r.Outcome == AwaitingReview
}

// Evaluate normalizes a raw adapter output mapping into a tagged
// Result for the named stage. This is the single place the success
// conventions of the adapter contract are interpreted.
func Evaluate(stageName string, out map[string]any) Result {
	if out == nil {
		return Result{Outcome: Failed}
	}

	if status, _ := out["status"].(string); status == "awaiting_review" {
		return Result{Outcome: AwaitingReview, Data: out}
	}
	if ok, _ := out["success"].(bool); ok {
		return Result{Outcome: Succeeded, Data: out}
	}
	if scoped, ok := out[stageName+"_output"].(map[string]any); ok {
		if ok, _ := scoped["success"].(bool); ok {
			return Result{Outcome: Succeeded, Data: out}
		}
	}
	if stepDone(out["steps_completed"], stageName) {
		return Result{Outcome: Succeeded, Data: out}
	}
	return Result{Outcome: Failed, Data: out}
}

// stepDone reports whether the completed-steps side channel names the
// stage. Both []string and []any shapes appear in practice, the latter
// after a JSON round trip.
func stepDone(steps any, stageName string) bool {
	switch list := steps.(type) {
	case []string:
		for _, s := range list {
			if s == stageName {
				return true
			}
		}
	case []any:
		for _, s := range list {
			if name, ok := s.(string); ok && name == stageName {
				return true
			}
		}
	}
	return false
}

// Validator inspects a successful result before it is accepted. A
// false report or an error fails the attempt; the retry policy treats
// both identically.
type Validator func(ctx context.Context, res Result) (bool, error)
