// Package observability provides OpenTelemetry-based metrics for the
// orchestration lifecycle. The MetricsListener subscribes to the event
// bus and records system-wide counters for stage transitions, retries,
// escalations, review activity, and run outcomes.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
