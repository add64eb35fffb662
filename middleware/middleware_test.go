package middleware_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pipewright/pipewright/event"
	"github.com/pipewright/pipewright/middleware"
)

func newTestInvocation() *middleware.Invocation {
	return &middleware.Invocation{
		ProjectID: "proj-1",
		Stage:     "backend",
		Agent:     "backend-agent",
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingEmitter captures emitted events for assertions.
type recordingEmitter struct {
	mu     sync.Mutex
	events []*event.Event
}

func (r *recordingEmitter) Emit(_ context.Context, evt *event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) all() []*event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*event.Event(nil), r.events...)
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *middleware.Invocation, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}

	mw2 := func(ctx context.Context, _ *middleware.Invocation, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	handler := func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	}

	if err := chain(context.Background(), newTestInvocation(), handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	handler := func(_ context.Context) error {
		called = true
		return nil
	}

	if err := chain(context.Background(), newTestInvocation(), handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty chain")
	}
}

func TestChain_PropagatesError(t *testing.T) {
	mw := func(ctx context.Context, _ *middleware.Invocation, next middleware.Handler) error {
		return next(ctx)
	}
	chain := middleware.Chain(mw)
	want := errors.New("handler error")

	err := chain(context.Background(), newTestInvocation(), func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecover_CatchesPanic(t *testing.T) {
	mw := middleware.Recover(testLogger())

	err := mw(context.Background(), newTestInvocation(), func(_ context.Context) error {
		panic("test panic")
	})
	if err == nil {
		t.Fatal("expected error from panic recovery")
	}
	if got := err.Error(); got != "panic in stage backend: test panic" {
		t.Errorf("unexpected error message: %q", got)
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	mw := middleware.Recover(testLogger())

	called := false
	err := mw(context.Background(), newTestInvocation(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestLogging_Success(t *testing.T) {
	mw := middleware.Logging(testLogger())

	called := false
	err := mw(context.Background(), newTestInvocation(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestLogging_Error(t *testing.T) {
	mw := middleware.Logging(testLogger())
	want := errors.New("fail")

	err := mw(context.Background(), newTestInvocation(), func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestTimeout_NoDeadlineWhenZero(t *testing.T) {
	em := &recordingEmitter{}
	mw := middleware.Timeout(em, testLogger())

	err := mw(context.Background(), newTestInvocation(), func(ctx context.Context) error {
		if _, hasDeadline := ctx.Deadline(); hasDeadline {
			t.Error("context has a deadline for a zero-timeout invocation")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTimeout_ExpiryEscalates(t *testing.T) {
	em := &recordingEmitter{}
	mw := middleware.Timeout(em, testLogger())

	inv := newTestInvocation()
	inv.Timeout = 10 * time.Millisecond

	err := mw(context.Background(), inv, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}

	events := em.all()
	if len(events) != 1 {
		t.Fatalf("emitted %d events, want 1 escalation", len(events))
	}
	if events[0].Type != event.HumanInputRequired {
		t.Errorf("event type = %q, want human_input_required", events[0].Type)
	}
	if events[0].Severity != event.SeverityCritical {
		t.Errorf("severity = %q, want critical", events[0].Severity)
	}
}

func TestTimeout_RunCancellationDoesNotEscalate(t *testing.T) {
	em := &recordingEmitter{}
	mw := middleware.Timeout(em, testLogger())

	inv := newTestInvocation()
	inv.Timeout = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := mw(ctx, inv, func(ctx context.Context) error {
		return context.DeadlineExceeded
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := len(em.all()); got != 0 {
		t.Errorf("emitted %d events for a cancelled run, want 0", got)
	}
}
