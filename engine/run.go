package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pipewright/pipewright"
	"github.com/pipewright/pipewright/event"
	mw "github.com/pipewright/pipewright/middleware"
	"github.com/pipewright/pipewright/stage"
	"github.com/pipewright/pipewright/state"
)

// Phase is the explicit state machine of one project run. Illegal
// transitions (resuming a run that is not suspended, aborting twice)
// are detectable errors rather than silently absorbed flags.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseRunning        Phase = "running"
	PhaseAwaitingReview Phase = "awaiting_review"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
	PhaseAborted        Phase = "aborted"
)

// resumeSignal wakes a suspended run. retry asks the run to restart
// pipeline iteration so a rewound stage re-executes.
type resumeSignal struct {
	retry bool
}

// Run drives one project through the pipeline. Exactly one Run owns a
// project's live state at a time; everything external goes through
// Resume, RetryStage, or Abort.
type Run struct {
	eng       *Engine
	projectID string
	stages    []string

	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	phase       Phase
	reviewStage string
	resume      chan resumeSignal
	abortReason string
	doc         *state.Document
	err         error
}

func newRun(eng *Engine, projectID string, pipeline []string, doc *state.Document) *Run {
	return &Run{
		eng:       eng,
		projectID: projectID,
		stages:    pipeline,
		done:      make(chan struct{}),
		phase:     PhaseIdle,
		doc:       doc,
	}
}

// start launches the run loop and its heartbeat.
func (r *Run) start(ctx context.Context) {
	rctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go func() {
		defer cancel()

		g, gctx := errgroup.WithContext(rctx)
		hbCtx, hbStop := context.WithCancel(gctx)
		g.Go(func() error {
			r.heartbeat(hbCtx)
			return nil
		})
		g.Go(func() error {
			defer hbStop()
			return r.loop(gctx)
		})
		r.finish(context.WithoutCancel(rctx), g.Wait())
	}()
}

// ProjectID returns the project this run drives.
func (r *Run) ProjectID() string { return r.projectID }

// Phase returns the run's current phase.
func (r *Run) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// ReviewStage returns the stage under review while suspended, or "".
func (r *Run) ReviewStage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reviewStage
}

// Done reports whether the run has reached a terminal phase.
func (r *Run) Done() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the run terminates and returns its terminal error,
// nil on completion.
func (r *Run) Wait() error {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Resume unblocks a suspended run. A run that is not awaiting review
// returns ErrNotAwaitingReview; a premature resume never satisfies a
// later suspension.
func (r *Run) Resume() error {
	return r.signal(resumeSignal{})
}

// RetryStage rewinds the named stage while the run is suspended on its
// review, then resumes so the stage re-executes.
func (r *Run) RetryStage(name string) error {
	r.mu.Lock()
	if r.phase != PhaseAwaitingReview || r.resume == nil {
		r.mu.Unlock()
		return fmt.Errorf("project %s: %w", r.projectID, pipewright.ErrNotAwaitingReview)
	}
	r.doc.State.DropStep(name)
	if st, ok := r.doc.State.Stages[name]; ok {
		st.Status = state.StagePending
		st.CompletedAt = nil
	}
	r.mu.Unlock()
	return r.signal(resumeSignal{retry: true})
}

// signal claims the review gate and delivers one wake-up. The gate
// channel is buffered, so delivery cannot block even if the waiter has
// already left the select on abort.
func (r *Run) signal(sig resumeSignal) error {
	r.mu.Lock()
	if r.phase != PhaseAwaitingReview || r.resume == nil {
		r.mu.Unlock()
		return fmt.Errorf("project %s: %w", r.projectID, pipewright.ErrNotAwaitingReview)
	}
	ch := r.resume
	r.resume = nil
	r.mu.Unlock()

	ch <- sig
	return nil
}

// Abort halts the run permanently with a recorded reason. Safe to call
// once; a second abort or an abort after termination is a no-op.
func (r *Run) Abort(_ context.Context, reason string) error {
	r.mu.Lock()
	if r.abortReason != "" || r.isTerminalLocked() {
		r.mu.Unlock()
		return nil
	}
	r.abortReason = reason
	r.mu.Unlock()

	r.cancel()
	return nil
}

func (r *Run) isTerminalLocked() bool {
	switch r.phase {
	case PhaseCompleted, PhaseFailed, PhaseAborted:
		return true
	}
	return false
}

// loop iterates the pipeline. Stages already named in steps_completed
// are skipped, so a resumed run never re-invokes finished work. A retry
// resolution restarts the iteration from the first stage; completed
// stages fall through the skip check.
func (r *Run) loop(ctx context.Context) error {
	r.mu.Lock()
	r.phase = PhaseRunning
	resumed := len(r.doc.State.StepsCompleted) > 0
	r.doc.Status = state.StatusInProgress
	r.appendLogLocked("Workflow started")
	r.persistLocked(ctx)
	r.mu.Unlock()

	msg := fmt.Sprintf("Workflow started for project %s", r.projectID)
	if resumed {
		msg = fmt.Sprintf("Workflow resumed for project %s", r.projectID)
	}
	r.eng.bus.Emit(ctx, &event.Event{
		Type:      event.WorkflowStarted,
		ProjectID: r.projectID,
		Message:   msg,
	})

restart:
	for {
		for _, name := range r.stages {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			def, err := r.eng.registry.Get(name)
			if err != nil {
				return err
			}

			r.mu.Lock()
			done := r.doc.State.StepDone(name)
			r.mu.Unlock()
			if done {
				r.eng.logger.Debug("stage already completed, skipping",
					slog.String("project_id", r.projectID),
					slog.String("stage", name),
				)
				continue
			}

			if def.Optional && !def.Enabled {
				r.skipDisabled(ctx, name)
				continue
			}

			res, err := r.executeStage(ctx, def)
			if err != nil {
				return err
			}

			if r.eng.cfg.ReviewRequired || res.Outcome == stage.AwaitingReview {
				if _, cerr := r.eng.checkpoints.Create(ctx, r.projectID, def.Agent, res.Data); cerr != nil {
					r.eng.logger.Warn("checkpoint creation failed",
						slog.String("project_id", r.projectID),
						slog.String("stage", name),
						slog.String("error", cerr.Error()),
					)
				}
				retry, gerr := r.awaitReview(ctx, name, res)
				if gerr != nil {
					return gerr
				}
				if retry {
					continue restart
				}
			}
		}
		return nil
	}
}

// skipDisabled marks a disabled optional stage completed without
// invoking its adapter. The recorded step keeps the idempotent-skip
// check working on a later resume.
func (r *Run) skipDisabled(ctx context.Context, name string) {
	now := time.Now().UTC()

	r.mu.Lock()
	st, ok := r.doc.State.Stages[name]
	if !ok {
		st = &state.Stage{Name: name}
		r.doc.State.Stages[name] = st
	}
	st.MarkCompleted(now)
	r.doc.State.RecordStep(name)
	r.doc.State.Recompute()
	r.appendLogLocked(fmt.Sprintf("Stage %s disabled, skipping", name))
	r.persistLocked(ctx)
	r.mu.Unlock()

	r.eng.logger.Info("stage disabled, marked completed",
		slog.String("project_id", r.projectID),
		slog.String("stage", name),
	)
}

// executeStage runs one stage through the middleware chain and the
// retry executor, then records the transition and persists.
func (r *Run) executeStage(ctx context.Context, def *stage.Definition) (stage.Result, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	r.doc.State.CurrentStage = def.Name
	st, ok := r.doc.State.Stages[def.Name]
	if !ok {
		st = &state.Stage{Name: def.Name}
		r.doc.State.Stages[def.Name] = st
	}
	st.MarkStarted(now)
	r.appendLogLocked(fmt.Sprintf("Starting stage %s", def.Name))
	r.persistLocked(ctx)
	r.mu.Unlock()

	r.eng.bus.Emit(ctx, &event.Event{
		Type:      event.StageStarted,
		ProjectID: r.projectID,
		Stage:     def.Name,
		Agent:     def.Agent,
		Message:   fmt.Sprintf("Stage %s started", def.Name),
	})

	inv := &mw.Invocation{
		ProjectID: r.projectID,
		Stage:     def.Name,
		Agent:     def.Agent,
		Timeout:   r.eng.cfg.StageTimeout,
	}
	runFn := func(ctx context.Context) (stage.Result, error) {
		r.mu.Lock()
		snap := maps.Clone(r.doc.State.Data)
		r.mu.Unlock()

		var out map[string]any
		err := r.eng.chain(ctx, inv, func(hctx context.Context) error {
			o, aerr := def.Adapter.Execute(hctx, snap)
			if aerr != nil {
				return aerr
			}
			out = o
			return nil
		})
		if err != nil {
			return stage.Result{Outcome: stage.Failed}, err
		}
		return stage.Evaluate(def.Name, out), nil
	}

	res, err := r.eng.exec.Do(ctx, r.projectID, def.Name, runFn, def.Validate)
	now = time.Now().UTC()

	if err != nil {
		r.mu.Lock()
		st.MarkFailed(now, err)
		r.doc.State.Recompute()
		r.appendLogLocked(fmt.Sprintf("Stage %s failed: %v", def.Name, err))
		r.persistLocked(ctx)
		r.mu.Unlock()

		r.eng.bus.Emit(ctx, &event.Event{
			Type:      event.StageFailed,
			ProjectID: r.projectID,
			Stage:     def.Name,
			Agent:     def.Agent,
			Message:   fmt.Sprintf("Stage %s failed", def.Name),
			Severity:  event.SeverityError,
			Data:      map[string]any{"error": err.Error()},
		})
		return res, err
	}

	r.mu.Lock()
	r.doc.State.Merge(res.Data)
	st.LastOutput = res.Data
	st.MarkCompleted(now)
	r.doc.State.RecordStep(def.Name)
	r.doc.State.Recompute()
	r.appendLogLocked(fmt.Sprintf("Stage %s completed", def.Name))
	r.persistLocked(ctx)
	r.mu.Unlock()

	r.eng.bus.Emit(ctx, &event.Event{
		Type:      event.StageCompleted,
		ProjectID: r.projectID,
		Stage:     def.Name,
		Agent:     def.Agent,
		Message:   fmt.Sprintf("Stage %s completed", def.Name),
		Severity:  event.SeveritySuccess,
	})
	return res, nil
}

// awaitReview suspends the run on an instance-scoped gate until an
// external resolution arrives. Returns retry=true when the resolution
// asked for a stage re-run.
func (r *Run) awaitReview(ctx context.Context, stageName string, res stage.Result) (retry bool, err error) {
	gate := make(chan resumeSignal, 1)

	r.mu.Lock()
	r.phase = PhaseAwaitingReview
	r.reviewStage = stageName
	r.resume = gate
	r.doc.Status = state.StatusAwaitingReview
	r.appendLogLocked(fmt.Sprintf("Awaiting review of stage %s", stageName))
	r.persistLocked(ctx)
	r.mu.Unlock()

	r.eng.bus.Emit(ctx, &event.Event{
		Type:      event.WorkflowPaused,
		ProjectID: r.projectID,
		Stage:     stageName,
		Message:   fmt.Sprintf("Paused for review of stage %s", stageName),
		Data: map[string]any{
			"stage":     stageName,
			"artifacts": artifactNames(res.Data),
		},
	})

	var timeout <-chan time.Time
	if r.eng.cfg.ReviewTimeout > 0 {
		t := time.NewTimer(r.eng.cfg.ReviewTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case sig := <-gate:
		r.mu.Lock()
		r.phase = PhaseRunning
		r.reviewStage = ""
		r.resume = nil
		r.doc.Status = state.StatusInProgress
		r.appendLogLocked(fmt.Sprintf("Review of stage %s resolved", stageName))
		r.persistLocked(ctx)
		r.mu.Unlock()

		r.eng.bus.Emit(ctx, &event.Event{
			Type:      event.WorkflowResumed,
			ProjectID: r.projectID,
			Stage:     stageName,
			Message:   fmt.Sprintf("Resumed after review of stage %s", stageName),
		})
		return sig.retry, nil

	case <-timeout:
		r.eng.bus.Emit(ctx, &event.Event{
			Type:      event.HumanInputRequired,
			ProjectID: r.projectID,
			Stage:     stageName,
			Message:   fmt.Sprintf("Review of stage %s timed out after %s", stageName, r.eng.cfg.ReviewTimeout),
			Severity:  event.SeverityCritical,
			Data:      map[string]any{"timeout": r.eng.cfg.ReviewTimeout.String()},
		})
		return false, fmt.Errorf("review of stage %s timed out after %s", stageName, r.eng.cfg.ReviewTimeout)

	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// heartbeat appends a liveness line to the project log while the run
// is executing. It goes quiet during review waits.
func (r *Run) heartbeat(ctx context.Context) {
	if r.eng.cfg.HeartbeatInterval <= 0 {
		return
	}
	t := time.NewTicker(r.eng.cfg.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.mu.Lock()
			if r.phase == PhaseRunning {
				r.appendLogLocked("Working...")
				r.persistLocked(ctx)
			}
			r.mu.Unlock()
		}
	}
}

// finish records the terminal phase, persists the final document, and
// emits the terminal event. The context is detached from the run's, so
// an abort cannot cancel its own final write.
func (r *Run) finish(ctx context.Context, err error) {
	r.mu.Lock()
	r.doc.State.CurrentStage = ""

	switch {
	case err == nil:
		r.phase = PhaseCompleted
		r.doc.Status = state.StatusCompleted
		r.appendLogLocked("Workflow completed")
	case r.abortReason != "":
		r.phase = PhaseAborted
		r.doc.Status = state.StatusAborted
		r.appendLogLocked(fmt.Sprintf("Run aborted: %s", r.abortReason))
		r.err = fmt.Errorf("%s: %w", r.abortReason, pipewright.ErrAborted)
	default:
		r.phase = PhaseFailed
		r.doc.Status = state.StatusFailed
		r.err = err
	}
	r.persistLocked(ctx)
	reason := r.abortReason
	terminalErr := r.err
	r.mu.Unlock()

	switch {
	case terminalErr == nil:
		r.eng.bus.Emit(ctx, &event.Event{
			Type:      event.WorkflowCompleted,
			ProjectID: r.projectID,
			Message:   fmt.Sprintf("Workflow completed for project %s", r.projectID),
			Severity:  event.SeveritySuccess,
		})
	case reason != "":
		r.eng.bus.Emit(ctx, &event.Event{
			Type:      event.ErrorOccurred,
			ProjectID: r.projectID,
			Message:   fmt.Sprintf("Run aborted: %s", reason),
			Severity:  event.SeverityWarning,
			Data:      map[string]any{"reason": reason},
		})
	default:
		r.eng.bus.Emit(ctx, &event.Event{
			Type:      event.ErrorOccurred,
			ProjectID: r.projectID,
			Message:   fmt.Sprintf("Run failed: %v", terminalErr),
			Severity:  event.SeverityError,
		})
	}

	close(r.done)
}

// appendLogLocked appends a user-visible line to the persisted log.
// Caller holds r.mu.
func (r *Run) appendLogLocked(msg string) {
	r.doc.Logs = append(r.doc.Logs, msg)
}

// persistLocked writes the document through to the store. A persist
// failure is logged and does not stop the run; the next transition
// retries the write. Caller holds r.mu.
func (r *Run) persistLocked(ctx context.Context) {
	if err := r.eng.states.SaveProject(ctx, r.doc); err != nil {
		r.eng.logger.Warn("state persist failed",
			slog.String("project_id", r.projectID),
			slog.String("error", err.Error()),
		)
	}
}

// artifactNames extracts the produced artifact names from a stage
// result, for the review notification. Both the mapping and list
// shapes of the "files" key appear in adapter output.
func artifactNames(out map[string]any) []string {
	switch files := out["files"].(type) {
	case map[string]any:
		names := make([]string, 0, len(files))
		for name := range files {
			names = append(names, name)
		}
		sort.Strings(names)
		return names
	case []string:
		return files
	case []any:
		names := make([]string, 0, len(files))
		for _, f := range files {
			if name, ok := f.(string); ok {
				names = append(names, name)
			}
		}
		return names
	}
	return nil
}
