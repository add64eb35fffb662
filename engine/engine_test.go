package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pipewright/pipewright"
	"github.com/pipewright/pipewright/backoff"
	"github.com/pipewright/pipewright/checkpoint"
	"github.com/pipewright/pipewright/engine"
	"github.com/pipewright/pipewright/event"
	"github.com/pipewright/pipewright/stage"
	"github.com/pipewright/pipewright/state"
	"github.com/pipewright/pipewright/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() pipewright.Config {
	cfg := pipewright.DefaultConfig()
	cfg.ReviewRequired = false
	cfg.HeartbeatInterval = 0
	cfg.StageTimeout = 0
	return cfg
}

func newTestEngine(t *testing.T, cfg pipewright.Config, store pipewright.Storer, opts ...engine.Option) *engine.Engine {
	t.Helper()
	if store == nil {
		store = memory.New()
	}
	orch, err := pipewright.New(
		pipewright.WithStore(store),
		pipewright.WithLogger(testLogger()),
		pipewright.WithConfig(cfg),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	opts = append([]engine.Option{engine.WithBackoff(backoff.NewConstant(0))}, opts...)
	eng, err := engine.Build(orch, opts...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return eng
}

// countingAdapter succeeds and counts its invocations.
type countingAdapter struct {
	calls atomic.Int32
	out   map[string]any
}

func (a *countingAdapter) Execute(_ context.Context, _ map[string]any) (map[string]any, error) {
	a.calls.Add(1)
	if a.out != nil {
		return a.out, nil
	}
	return map[string]any{"success": true}, nil
}

func registerStages(t *testing.T, eng *engine.Engine, names ...string) map[string]*countingAdapter {
	t.Helper()
	adapters := make(map[string]*countingAdapter, len(names))
	for _, name := range names {
		a := &countingAdapter{}
		adapters[name] = a
		if err := eng.RegisterStage(stage.Definition{
			Name:    name,
			Agent:   name + "-agent",
			Adapter: a,
		}); err != nil {
			t.Fatalf("RegisterStage %s: %v", name, err)
		}
	}
	return adapters
}

func waitForPhase(t *testing.T, r *engine.Run, want engine.Phase) {
	t.Helper()
	waitFor(t, fmt.Sprintf("phase %q", want), func() bool { return r.Phase() == want })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never reached: %s", what)
}

func loadDoc(t *testing.T, store interface {
	LoadProject(ctx context.Context, projectID string) (*state.Document, error)
}, projectID string) *state.Document {
	t.Helper()
	doc, err := store.LoadProject(context.Background(), projectID)
	if err != nil {
		t.Fatalf("LoadProject: %v", err)
	}
	if doc == nil {
		t.Fatalf("no document persisted for %s", projectID)
	}
	return doc
}

func TestRun_EndToEndSuccess_WithReview(t *testing.T) {
	cfg := testConfig()
	cfg.ReviewRequired = true
	store := memory.New()
	eng := newTestEngine(t, cfg, store)
	adapters := registerStages(t, eng, "requirements", "backend", "frontend")

	r, err := eng.StartProject(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}

	// Each stage suspends for review; resume three times.
	for _, name := range []string{"requirements", "backend", "frontend"} {
		waitForPhase(t, r, engine.PhaseAwaitingReview)
		if got := r.ReviewStage(); got != name {
			t.Errorf("ReviewStage = %q, want %q", got, name)
		}
		if err := r.Resume(); err != nil {
			t.Fatalf("Resume after %s: %v", name, err)
		}
	}

	if err := r.Wait(); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if r.Phase() != engine.PhaseCompleted {
		t.Errorf("phase = %q, want completed", r.Phase())
	}

	doc := loadDoc(t, store, "proj-1")
	if doc.Status != state.StatusCompleted {
		t.Errorf("status = %q, want completed", doc.Status)
	}
	want := []string{"requirements", "backend", "frontend"}
	if len(doc.State.StepsCompleted) != len(want) {
		t.Fatalf("steps_completed = %v, want %v", doc.State.StepsCompleted, want)
	}
	for i, name := range want {
		if doc.State.StepsCompleted[i] != name {
			t.Errorf("steps_completed[%d] = %q, want %q", i, doc.State.StepsCompleted[i], name)
		}
	}
	for name, a := range adapters {
		if got := a.calls.Load(); got != 1 {
			t.Errorf("adapter %s invoked %d times, want 1", name, got)
		}
	}
}

func TestRun_EventOrdering(t *testing.T) {
	store := memory.New()
	eng := newTestEngine(t, testConfig(), store)
	registerStages(t, eng, "a", "b")

	r, err := eng.StartProject(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}
	if err := r.Wait(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	history := eng.Bus().History("proj-1", 0)
	aCompleted, bStarted := -1, -1
	for i, evt := range history {
		if evt.Type == event.StageCompleted && evt.Stage == "a" {
			aCompleted = i
		}
		if evt.Type == event.StageStarted && evt.Stage == "b" {
			bStarted = i
		}
	}
	if aCompleted < 0 || bStarted < 0 {
		t.Fatalf("missing stage events in history (a completed %d, b started %d)", aCompleted, bStarted)
	}
	if aCompleted > bStarted {
		t.Errorf("stage a completed at %d after stage b started at %d", aCompleted, bStarted)
	}
	if last := history[len(history)-1]; last.Type != event.WorkflowCompleted {
		t.Errorf("final event = %q, want workflow_completed", last.Type)
	}
}

// failingAdapter always fails.
type failingAdapter struct {
	calls atomic.Int32
}

func (a *failingAdapter) Execute(_ context.Context, _ map[string]any) (map[string]any, error) {
	a.calls.Add(1)
	return nil, fmt.Errorf("model backend unavailable")
}

func TestRun_EndToEndFailure(t *testing.T) {
	store := memory.New()
	eng := newTestEngine(t, testConfig(), store)

	a := &countingAdapter{}
	b := &failingAdapter{}
	c := &countingAdapter{}
	for _, def := range []stage.Definition{
		{Name: "a", Agent: "a-agent", Adapter: a},
		{Name: "b", Agent: "b-agent", Adapter: b},
		{Name: "c", Agent: "c-agent", Adapter: c},
	} {
		if err := eng.RegisterStage(def); err != nil {
			t.Fatalf("RegisterStage: %v", err)
		}
	}

	r, err := eng.StartProject(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}

	err = r.Wait()
	if !errors.Is(err, pipewright.ErrRetriesExhausted) {
		t.Fatalf("Wait = %v, want ErrRetriesExhausted", err)
	}
	if r.Phase() != engine.PhaseFailed {
		t.Errorf("phase = %q, want failed", r.Phase())
	}
	if got := b.calls.Load(); got != 3 {
		t.Errorf("failing adapter invoked %d times, want 3", got)
	}
	if got := c.calls.Load(); got != 0 {
		t.Errorf("stage after the failure was invoked %d times, want 0", got)
	}

	doc := loadDoc(t, store, "proj-1")
	if doc.Status != state.StatusFailed {
		t.Errorf("status = %q, want failed", doc.Status)
	}
	if len(doc.State.StepsCompleted) != 1 || doc.State.StepsCompleted[0] != "a" {
		t.Errorf("steps_completed = %v, want [a]", doc.State.StepsCompleted)
	}

	retries, escalations := 0, 0
	for _, evt := range eng.Bus().History("proj-1", 0) {
		switch evt.Type {
		case event.RetryAttempt:
			retries++
		case event.HumanInputRequired:
			escalations++
		}
	}
	if retries != 3 {
		t.Errorf("emitted %d retry events, want 3", retries)
	}
	if escalations != 1 {
		t.Errorf("emitted %d escalation events, want 1", escalations)
	}
}

func TestRun_IdempotentResume(t *testing.T) {
	store := memory.New()

	// Persist a document whose completed steps already name stage a.
	doc := &state.Document{
		State:  state.NewProjectState("proj-1", []string{"a", "b"}),
		Status: state.StatusInProgress,
	}
	doc.State.RecordStep("a")
	doc.State.Stages["a"].MarkCompleted(time.Now().UTC())
	if err := store.SaveProject(context.Background(), doc); err != nil {
		t.Fatalf("SaveProject: %v", err)
	}

	eng := newTestEngine(t, testConfig(), store)
	adapters := registerStages(t, eng, "a", "b")

	r, err := eng.StartProject(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}
	if err := r.Wait(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if got := adapters["a"].calls.Load(); got != 0 {
		t.Errorf("completed stage re-invoked %d times, want 0", got)
	}
	if got := adapters["b"].calls.Load(); got != 1 {
		t.Errorf("pending stage invoked %d times, want 1", got)
	}
}

func TestRun_DisabledStageSkipped(t *testing.T) {
	store := memory.New()
	eng := newTestEngine(t, testConfig(), store)

	a := &countingAdapter{}
	qa := &countingAdapter{}
	if err := eng.RegisterStage(stage.Definition{Name: "a", Agent: "a-agent", Adapter: a}); err != nil {
		t.Fatalf("RegisterStage: %v", err)
	}
	if err := eng.RegisterStage(stage.Definition{
		Name: "qa", Agent: "qa-agent", Adapter: qa, Optional: true, Enabled: false,
	}); err != nil {
		t.Fatalf("RegisterStage: %v", err)
	}

	r, err := eng.StartProject(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}
	if err := r.Wait(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if got := qa.calls.Load(); got != 0 {
		t.Errorf("disabled adapter invoked %d times, want 0", got)
	}

	doc := loadDoc(t, store, "proj-1")
	if !doc.State.StepDone("qa") {
		t.Error("disabled stage missing from steps_completed")
	}
	if doc.Status != state.StatusCompleted {
		t.Errorf("status = %q, want completed", doc.Status)
	}
}

func TestRun_ResumeBeforeSuspensionIsRejected(t *testing.T) {
	cfg := testConfig()
	cfg.ReviewRequired = true
	eng := newTestEngine(t, cfg, nil)

	// Slow stage keeps the run in the running phase.
	if err := eng.RegisterStage(stage.Definition{
		Name:  "a",
		Agent: "a-agent",
		Adapter: stage.AdapterFunc(func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			time.Sleep(50 * time.Millisecond)
			return map[string]any{"success": true}, nil
		}),
	}); err != nil {
		t.Fatalf("RegisterStage: %v", err)
	}

	r, err := eng.StartProject(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}

	if err := r.Resume(); !errors.Is(err, pipewright.ErrNotAwaitingReview) {
		t.Fatalf("premature Resume = %v, want ErrNotAwaitingReview", err)
	}

	// The rejected resume must not satisfy the later suspension.
	waitForPhase(t, r, engine.PhaseAwaitingReview)
	if err := r.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := r.Wait(); err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestRun_AbortDuringReview(t *testing.T) {
	cfg := testConfig()
	cfg.ReviewRequired = true
	store := memory.New()
	eng := newTestEngine(t, cfg, store)
	registerStages(t, eng, "a", "b")

	r, err := eng.StartProject(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}
	waitForPhase(t, r, engine.PhaseAwaitingReview)

	if err := eng.Abort(context.Background(), "proj-1", "wrong direction"); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	err = r.Wait()
	if !errors.Is(err, pipewright.ErrAborted) {
		t.Fatalf("Wait = %v, want ErrAborted", err)
	}
	if r.Phase() != engine.PhaseAborted {
		t.Errorf("phase = %q, want aborted", r.Phase())
	}

	doc := loadDoc(t, store, "proj-1")
	if doc.Status != state.StatusAborted {
		t.Errorf("status = %q, want aborted", doc.Status)
	}

	found := false
	for _, line := range doc.Logs {
		if line == "Run aborted: wrong direction" {
			found = true
		}
	}
	if !found {
		t.Error("abort reason not recorded in project logs")
	}
}

func TestRun_StartProjectTwiceRejected(t *testing.T) {
	cfg := testConfig()
	cfg.ReviewRequired = true
	eng := newTestEngine(t, cfg, nil)
	registerStages(t, eng, "a")

	r, err := eng.StartProject(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}
	waitForPhase(t, r, engine.PhaseAwaitingReview)

	if _, err := eng.StartProject(context.Background(), "proj-1"); !errors.Is(err, pipewright.ErrRunAlreadyActive) {
		t.Fatalf("second StartProject = %v, want ErrRunAlreadyActive", err)
	}

	// Independent projects are unaffected.
	if _, err := eng.StartProject(context.Background(), "proj-2"); err != nil {
		t.Fatalf("StartProject proj-2: %v", err)
	}

	if err := r.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := r.Wait(); err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestEngine_ResolveCheckpoint_Continue(t *testing.T) {
	cfg := testConfig()
	cfg.ReviewRequired = true
	store := memory.New()
	eng := newTestEngine(t, cfg, store)
	registerStages(t, eng, "a")

	ctx := context.Background()
	r, err := eng.StartProject(ctx, "proj-1")
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}
	waitForPhase(t, r, engine.PhaseAwaitingReview)

	cps, err := eng.Checkpoints().List(ctx, "proj-1")
	if err != nil || len(cps) != 1 {
		t.Fatalf("List = %v checkpoints, err %v, want 1", len(cps), err)
	}

	cp, err := eng.ResolveCheckpoint(ctx, cps[0].ID, checkpoint.ActionContinue, nil)
	if err != nil {
		t.Fatalf("ResolveCheckpoint: %v", err)
	}
	if !cp.Resolved {
		t.Error("checkpoint not marked resolved")
	}

	if err := r.Wait(); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if r.Phase() != engine.PhaseCompleted {
		t.Errorf("phase = %q, want completed", r.Phase())
	}
}

func TestEngine_ResolveCheckpoint_RetryAgent(t *testing.T) {
	cfg := testConfig()
	cfg.ReviewRequired = true
	eng := newTestEngine(t, cfg, nil)
	adapters := registerStages(t, eng, "a")

	ctx := context.Background()
	r, err := eng.StartProject(ctx, "proj-1")
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}
	waitForPhase(t, r, engine.PhaseAwaitingReview)

	cps, err := eng.Checkpoints().List(ctx, "proj-1")
	if err != nil || len(cps) != 1 {
		t.Fatalf("List = %v checkpoints, err %v, want 1", len(cps), err)
	}
	if _, err := eng.ResolveCheckpoint(ctx, cps[0].ID, checkpoint.ActionRetryAgent, nil); err != nil {
		t.Fatalf("ResolveCheckpoint: %v", err)
	}

	// The stage re-executes and suspends for review again.
	waitFor(t, "second adapter invocation", func() bool { return adapters["a"].calls.Load() == 2 })
	waitForPhase(t, r, engine.PhaseAwaitingReview)
	if err := r.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := r.Wait(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if got := adapters["a"].calls.Load(); got != 2 {
		t.Errorf("adapter invoked %d times after retry_agent, want 2", got)
	}
}

func TestEngine_ResolveCheckpoint_Abort(t *testing.T) {
	cfg := testConfig()
	cfg.ReviewRequired = true
	eng := newTestEngine(t, cfg, nil)
	registerStages(t, eng, "a", "b")

	ctx := context.Background()
	r, err := eng.StartProject(ctx, "proj-1")
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}
	waitForPhase(t, r, engine.PhaseAwaitingReview)

	cps, err := eng.Checkpoints().List(ctx, "proj-1")
	if err != nil || len(cps) != 1 {
		t.Fatalf("List = %v checkpoints, err %v, want 1", len(cps), err)
	}
	if _, err := eng.ResolveCheckpoint(ctx, cps[0].ID, checkpoint.ActionAbort,
		map[string]any{"reason": "scope change"}); err != nil {
		t.Fatalf("ResolveCheckpoint: %v", err)
	}

	if err := r.Wait(); !errors.Is(err, pipewright.ErrAborted) {
		t.Fatalf("Wait = %v, want ErrAborted", err)
	}
}

func TestEngine_RestartFrom(t *testing.T) {
	store := memory.New()
	eng := newTestEngine(t, testConfig(), store)
	adapters := registerStages(t, eng, "a", "b", "c")

	ctx := context.Background()
	r, err := eng.StartProject(ctx, "proj-1")
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}
	if err := r.Wait(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if err := eng.RestartFrom(ctx, "proj-1", "b"); err != nil {
		t.Fatalf("RestartFrom: %v", err)
	}

	doc := loadDoc(t, store, "proj-1")
	if doc.State.StepDone("b") || doc.State.StepDone("c") {
		t.Errorf("rewound stages still in steps_completed: %v", doc.State.StepsCompleted)
	}
	if !doc.State.StepDone("a") {
		t.Error("stage before the restart point was rewound")
	}

	r2, err := eng.StartProject(ctx, "proj-1")
	if err != nil {
		t.Fatalf("second StartProject: %v", err)
	}
	if err := r2.Wait(); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if got := adapters["a"].calls.Load(); got != 1 {
		t.Errorf("stage a invoked %d times, want 1", got)
	}
	if got := adapters["b"].calls.Load(); got != 2 {
		t.Errorf("stage b invoked %d times, want 2", got)
	}
	if got := adapters["c"].calls.Load(); got != 2 {
		t.Errorf("stage c invoked %d times, want 2", got)
	}
}

func TestEngine_RestartFrom_ActiveRunRejected(t *testing.T) {
	cfg := testConfig()
	cfg.ReviewRequired = true
	eng := newTestEngine(t, cfg, nil)
	registerStages(t, eng, "a")

	ctx := context.Background()
	r, err := eng.StartProject(ctx, "proj-1")
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}
	waitForPhase(t, r, engine.PhaseAwaitingReview)

	if err := eng.RestartFrom(ctx, "proj-1", "a"); !errors.Is(err, pipewright.ErrRunAlreadyActive) {
		t.Fatalf("RestartFrom = %v, want ErrRunAlreadyActive", err)
	}

	if err := r.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := r.Wait(); err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestRun_Heartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	store := memory.New()
	eng := newTestEngine(t, cfg, store)

	if err := eng.RegisterStage(stage.Definition{
		Name:  "slow",
		Agent: "slow-agent",
		Adapter: stage.AdapterFunc(func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			time.Sleep(60 * time.Millisecond)
			return map[string]any{"success": true}, nil
		}),
	}); err != nil {
		t.Fatalf("RegisterStage: %v", err)
	}

	r, err := eng.StartProject(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}
	if err := r.Wait(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	doc := loadDoc(t, store, "proj-1")
	beats := 0
	for _, line := range doc.Logs {
		if line == "Working..." {
			beats++
		}
	}
	if beats == 0 {
		t.Error("no heartbeat lines in project logs")
	}
}

func TestRun_MergesAdapterOutputIntoState(t *testing.T) {
	store := memory.New()
	eng := newTestEngine(t, testConfig(), store)

	if err := eng.RegisterStage(stage.Definition{
		Name:  "a",
		Agent: "a-agent",
		Adapter: stage.AdapterFunc(func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			return map[string]any{"success": true, "plan": "three services"}, nil
		}),
	}); err != nil {
		t.Fatalf("RegisterStage: %v", err)
	}

	// The second stage must see the first stage's output.
	var sawPlan atomic.Bool
	if err := eng.RegisterStage(stage.Definition{
		Name:  "b",
		Agent: "b-agent",
		Adapter: stage.AdapterFunc(func(ctx context.Context, st map[string]any) (map[string]any, error) {
			if st["plan"] == "three services" {
				sawPlan.Store(true)
			}
			return map[string]any{"success": true}, nil
		}),
	}); err != nil {
		t.Fatalf("RegisterStage: %v", err)
	}

	r, err := eng.StartProject(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}
	if err := r.Wait(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if !sawPlan.Load() {
		t.Error("second stage did not observe the first stage's merged output")
	}

	doc := loadDoc(t, store, "proj-1")
	if doc.State.Data["plan"] != "three services" {
		t.Errorf("persisted data = %v, want merged plan", doc.State.Data["plan"])
	}
}

func TestRun_ValidationGating(t *testing.T) {
	eng := newTestEngine(t, testConfig(), nil)

	a := &countingAdapter{}
	if err := eng.RegisterStage(stage.Definition{
		Name:    "a",
		Agent:   "a-agent",
		Adapter: a,
		Validate: func(_ context.Context, _ stage.Result) (bool, error) {
			return false, nil
		},
	}); err != nil {
		t.Fatalf("RegisterStage: %v", err)
	}

	r, err := eng.StartProject(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}

	if err := r.Wait(); !errors.Is(err, pipewright.ErrRetriesExhausted) {
		t.Fatalf("Wait = %v, want ErrRetriesExhausted", err)
	}
	if got := a.calls.Load(); got != 3 {
		t.Errorf("adapter invoked %d times under a failing validator, want 3", got)
	}
}

func TestEngine_Shutdown(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	cfg.ReviewRequired = true
	eng := newTestEngine(t, cfg, nil)
	registerStages(t, eng, "a")

	r, err := eng.StartProject(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}
	waitForPhase(t, r, engine.PhaseAwaitingReview)

	// The suspended run outlives the grace period and is aborted.
	if err := eng.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !r.Done() {
		t.Error("run still active after shutdown")
	}
	if r.Phase() != engine.PhaseAborted {
		t.Errorf("phase = %q, want aborted", r.Phase())
	}
}

func TestBuild_RequiresStore(t *testing.T) {
	orch, err := pipewright.New(pipewright.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := engine.Build(orch); !errors.Is(err, pipewright.ErrNoStore) {
		t.Fatalf("Build = %v, want ErrNoStore", err)
	}
}
