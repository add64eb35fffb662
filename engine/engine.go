package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/pipewright/pipewright"
	"github.com/pipewright/pipewright/backoff"
	"github.com/pipewright/pipewright/checkpoint"
	"github.com/pipewright/pipewright/event"
	"github.com/pipewright/pipewright/executor"
	"github.com/pipewright/pipewright/id"
	mw "github.com/pipewright/pipewright/middleware"
	"github.com/pipewright/pipewright/observability"
	"github.com/pipewright/pipewright/stage"
	"github.com/pipewright/pipewright/state"
	"github.com/pipewright/pipewright/stream"
)

// Engine coordinates project runs against the wired subsystems.
// Use Build() to create one from an Orchestrator.
type Engine struct {
	orch   *pipewright.Orchestrator
	cfg    pipewright.Config
	logger *slog.Logger

	bus         *event.Bus
	states      state.Store
	checkpoints *checkpoint.Manager
	registry    *stage.Registry
	exec        *executor.Executor
	chain       mw.Middleware
	broker      *stream.Broker
	metrics     *observability.MetricsListener

	// Build-time options.
	extraMws   []mw.Middleware
	strategy   backoff.Strategy
	limiter    *rate.Limiter
	fileWriter checkpoint.FileWriter

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Active runs, one per project.
	mu   sync.Mutex
	runs map[string]*Run
}

// Option configures an Engine at Build time.
type Option func(*Engine)

// WithMiddleware appends middleware to the per-attempt chain, after the
// default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.extraMws = append(e.extraMws, m) }
}

// WithBackoff sets the retry backoff strategy. If not set, the
// deterministic exponential default derived from the configuration's
// BaseDelay and MaxDelay is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Engine) { e.strategy = b }
}

// WithLimiter throttles stage attempts engine-wide, for adapters backed
// by quota-bound model APIs.
func WithLimiter(l *rate.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithFileWriter sets the collaborator that applies modify_file
// resolutions. Without one, a modify_file resolution fails cleanly.
func WithFileWriter(w checkpoint.FileWriter) Option {
	return func(e *Engine) { e.fileWriter = w }
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability listener
// use this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// Build creates an Engine from an Orchestrator. The Orchestrator's
// store must implement both the project-document and checkpoint store
// interfaces; the composite store.Store does.
func Build(orch *pipewright.Orchestrator, opts ...Option) (*Engine, error) {
	logger := orch.Logger()
	st := orch.Store()

	if st == nil {
		return nil, pipewright.ErrNoStore
	}
	ss, ok := st.(state.Store)
	if !ok {
		return nil, fmt.Errorf("pipewright: store does not implement state.Store")
	}
	cs, ok := st.(checkpoint.Store)
	if !ok {
		return nil, fmt.Errorf("pipewright: store does not implement checkpoint.Store")
	}

	eng := &Engine{
		orch:     orch,
		cfg:      orch.Config(),
		logger:   logger,
		states:   ss,
		registry: stage.NewRegistry(),
		runs:     make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(eng)
	}

	if eng.strategy == nil {
		eng.strategy = backoff.NewExponential(eng.cfg.BaseDelay, eng.cfg.MaxDelay)
	}

	eng.bus = event.NewBus(logger, eng.cfg.HistoryLimit)
	eng.checkpoints = checkpoint.NewManager(cs, eng.bus, eng.fileWriter, logger)

	execOpts := []executor.Option{
		executor.WithMaxRetries(eng.cfg.MaxRetries),
		executor.WithStrategy(eng.strategy),
	}
	if eng.limiter != nil {
		execOpts = append(execOpts, executor.WithLimiter(eng.limiter))
	}
	eng.exec = executor.New(eng.bus, logger, execOpts...)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/pipewright/pipewright")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/pipewright/pipewright")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Attach the lifecycle metrics listener to the bus.
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/pipewright/pipewright/observability")
		eng.metrics = observability.NewMetricsListenerWithMeter(meter)
	} else {
		eng.metrics = observability.NewMetricsListener()
	}
	eng.metrics.Attach(eng.bus)

	// Attach the stream broker so external consumers can subscribe.
	eng.broker = stream.NewBroker(logger)
	eng.broker.Attach(eng.bus)

	// Default per-attempt stack: recover → tracing → metrics → logging → timeout.
	mws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(eng.bus, logger),
	}
	mws = append(mws, eng.extraMws...)
	eng.chain = mw.Chain(mws...)

	return eng, nil
}

// RegisterStage adds a stage definition to the pipeline. Stages execute
// in registration order.
func (e *Engine) RegisterStage(def stage.Definition) error {
	return e.registry.Register(def)
}

// StartProject begins a run for a project. A project with a persisted
// document resumes from its completed steps; an unknown project starts
// fresh. At most one run per project may be active.
func (e *Engine) StartProject(ctx context.Context, projectID string) (*Run, error) {
	pipeline := e.registry.Pipeline()
	if len(pipeline) == 0 {
		return nil, fmt.Errorf("pipewright: no stages registered")
	}

	e.mu.Lock()
	if r, ok := e.runs[projectID]; ok && !r.Done() {
		e.mu.Unlock()
		return nil, fmt.Errorf("project %s: %w", projectID, pipewright.ErrRunAlreadyActive)
	}
	e.mu.Unlock()

	doc, err := e.states.LoadProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}
	if doc == nil {
		doc = &state.Document{
			State:  state.NewProjectState(projectID, pipeline),
			Status: state.StatusInProgress,
			Logs:   []string{},
		}
	} else {
		// Stages registered since the last save start pending.
		for _, name := range pipeline {
			if _, ok := doc.State.Stages[name]; !ok {
				doc.State.Stages[name] = &state.Stage{Name: name, Status: state.StagePending}
			}
		}
	}

	r := newRun(e, projectID, pipeline, doc)

	e.mu.Lock()
	if prev, ok := e.runs[projectID]; ok && !prev.Done() {
		e.mu.Unlock()
		return nil, fmt.Errorf("project %s: %w", projectID, pipewright.ErrRunAlreadyActive)
	}
	e.runs[projectID] = r
	e.mu.Unlock()

	r.start(ctx)
	return r, nil
}

// Run returns the run for a project, if one has been started.
func (e *Engine) Run(projectID string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[projectID]
	return r, ok
}

// Resume unblocks a project's run that is awaiting review. Returns
// ErrNotAwaitingReview when the project has no suspended run.
func (e *Engine) Resume(projectID string) error {
	r, ok := e.Run(projectID)
	if !ok {
		return fmt.Errorf("project %s: %w", projectID, pipewright.ErrNotAwaitingReview)
	}
	return r.Resume()
}

// Abort halts a project's run permanently with a recorded reason.
func (e *Engine) Abort(ctx context.Context, projectID, reason string) error {
	r, ok := e.Run(projectID)
	if !ok {
		return fmt.Errorf("project %s: %w", projectID, pipewright.ErrProjectNotFound)
	}
	return r.Abort(ctx, reason)
}

// ResolveCheckpoint applies a human resolution to a checkpoint and
// carries out its run-level consequence: continue and modify_file
// resume the suspended run, retry_agent clears the agent's stage from
// the completed steps and resumes so the stage re-executes, and abort
// halts the run with the payload's reason.
func (e *Engine) ResolveCheckpoint(ctx context.Context, cpID id.CheckpointID, action checkpoint.Action, payload map[string]any) (*checkpoint.Checkpoint, error) {
	cp, err := e.checkpoints.Resolve(ctx, cpID, action, payload)
	if err != nil {
		return nil, err
	}

	r, active := e.Run(cp.ProjectID)
	switch action {
	case checkpoint.ActionAbort:
		reason, _ := payload["reason"].(string)
		if reason == "" {
			reason = "aborted by reviewer"
		}
		if active {
			if err := r.Abort(ctx, reason); err != nil {
				return cp, err
			}
		}
	case checkpoint.ActionRetryAgent:
		stageName := e.stageForAgent(cp.AgentName)
		if stageName == "" {
			return cp, fmt.Errorf("agent %s: %w", cp.AgentName, pipewright.ErrStageNotRegistered)
		}
		if active {
			if err := r.RetryStage(stageName); err != nil {
				return cp, err
			}
		} else if err := e.states.UpdateProject(ctx, cp.ProjectID, func(doc *state.Document) error {
			doc.State.DropStep(stageName)
			if st, ok := doc.State.Stages[stageName]; ok {
				st.Status = state.StagePending
			}
			return nil
		}); err != nil {
			return cp, err
		}
	default:
		if active {
			if err := r.Resume(); err != nil {
				return cp, err
			}
		}
	}
	return cp, nil
}

// RestartFrom rewinds a project so the named stage and everything after
// it re-execute on the next run. The project must not have an active
// run.
func (e *Engine) RestartFrom(ctx context.Context, projectID, stageName string) error {
	if r, ok := e.Run(projectID); ok && !r.Done() {
		return fmt.Errorf("project %s: %w", projectID, pipewright.ErrRunAlreadyActive)
	}
	if _, err := e.registry.Get(stageName); err != nil {
		return err
	}

	pipeline := e.registry.Pipeline()
	return e.states.UpdateProject(ctx, projectID, func(doc *state.Document) error {
		rewind := false
		for _, name := range pipeline {
			if name == stageName {
				rewind = true
			}
			if !rewind {
				continue
			}
			doc.State.DropStep(name)
			if st, ok := doc.State.Stages[name]; ok {
				st.Status = state.StagePending
				st.CompletedAt = nil
			}
		}
		doc.State.Recompute()
		doc.Status = state.StatusInProgress
		return nil
	})
}

// stageForAgent maps an agent name back to its stage.
func (e *Engine) stageForAgent(agent string) string {
	for _, name := range e.registry.Pipeline() {
		if def, err := e.registry.Get(name); err == nil && def.Agent == agent {
			return name
		}
	}
	return ""
}

// Shutdown waits for active runs to finish within the configured
// shutdown timeout, then aborts the stragglers and closes the stream
// broker. The store is left to the Orchestrator's Close.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	active := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		if !r.Done() {
			active = append(active, r)
		}
	}
	e.mu.Unlock()

	deadline := time.NewTimer(e.cfg.ShutdownTimeout)
	defer deadline.Stop()

	expired := false
	for _, r := range active {
		if expired {
			_ = r.Abort(ctx, "engine shutdown")
			<-r.done
			continue
		}
		select {
		case <-r.done:
		case <-deadline.C:
			expired = true
			_ = r.Abort(ctx, "engine shutdown")
			<-r.done
		case <-ctx.Done():
			expired = true
			_ = r.Abort(ctx, "engine shutdown")
			<-r.done
		}
	}

	return e.broker.Shutdown(ctx)
}

// Bus returns the event bus.
func (e *Engine) Bus() *event.Bus { return e.bus }

// Broker returns the stream broker.
func (e *Engine) Broker() *stream.Broker { return e.broker }

// Checkpoints returns the checkpoint manager.
func (e *Engine) Checkpoints() *checkpoint.Manager { return e.checkpoints }

// Registry returns the stage registry.
func (e *Engine) Registry() *stage.Registry { return e.registry }

// Orchestrator returns the underlying Orchestrator.
func (e *Engine) Orchestrator() *pipewright.Orchestrator { return e.orch }
