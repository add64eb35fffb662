package event_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/pipewright/pipewright/event"
)

func testBus(limit int) *event.Bus {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return event.NewBus(logger, limit)
}

func TestBus_DeliversInRegistrationOrder(t *testing.T) {
	b := testBus(0)

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		n := name
		b.Subscribe(n, func(_ context.Context, _ *event.Event) error {
			order = append(order, n)
			return nil
		})
	}

	b.Emit(context.Background(), &event.Event{
		Type:      event.StageStarted,
		ProjectID: "proj-1",
		Message:   "starting",
	})

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("delivered to %d listeners, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("delivery[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestBus_ListenerFailureDoesNotBlockOthers(t *testing.T) {
	b := testBus(0)

	var delivered []string
	b.Subscribe("faulty", func(_ context.Context, _ *event.Event) error {
		return errors.New("listener exploded")
	})
	b.Subscribe("panicky", func(_ context.Context, _ *event.Event) error {
		panic("listener panicked")
	})
	b.Subscribe("healthy", func(_ context.Context, evt *event.Event) error {
		delivered = append(delivered, string(evt.Type))
		return nil
	})

	b.Emit(context.Background(), &event.Event{
		Type:      event.StageCompleted,
		ProjectID: "proj-1",
		Message:   "done",
	})

	if len(delivered) != 1 {
		t.Fatalf("healthy listener received %d events, want 1", len(delivered))
	}

	// The event must still land in history despite the failures.
	if got := len(b.History("proj-1", 0)); got != 1 {
		t.Errorf("history length = %d, want 1", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := testBus(0)

	var calls int
	b.Subscribe("temp", func(_ context.Context, _ *event.Event) error {
		calls++
		return nil
	})

	b.Emit(context.Background(), &event.Event{Type: event.StageStarted, ProjectID: "p"})
	b.Unsubscribe("temp")
	b.Emit(context.Background(), &event.Event{Type: event.StageCompleted, ProjectID: "p"})

	if calls != 1 {
		t.Errorf("listener called %d times, want 1", calls)
	}

	// Removing an unknown name must not panic.
	b.Unsubscribe("never-registered")
}

func TestBus_HistoryOrderAndLimit(t *testing.T) {
	b := testBus(0)

	for i := range 5 {
		b.Emit(context.Background(), &event.Event{
			Type:      event.StageStarted,
			ProjectID: "proj-1",
			Message:   fmt.Sprintf("event-%d", i),
		})
	}

	all := b.History("proj-1", 0)
	if len(all) != 5 {
		t.Fatalf("history length = %d, want 5", len(all))
	}
	for i, evt := range all {
		if want := fmt.Sprintf("event-%d", i); evt.Message != want {
			t.Errorf("history[%d].Message = %q, want %q", i, evt.Message, want)
		}
	}

	last2 := b.History("proj-1", 2)
	if len(last2) != 2 {
		t.Fatalf("limited history length = %d, want 2", len(last2))
	}
	if last2[0].Message != "event-3" || last2[1].Message != "event-4" {
		t.Errorf("limited history = [%q, %q], want [event-3, event-4]",
			last2[0].Message, last2[1].Message)
	}

	// Reading history must not mutate it.
	if got := len(b.History("proj-1", 0)); got != 5 {
		t.Errorf("history length after reads = %d, want 5", got)
	}
}

func TestBus_HistoryEvictsOldestAtCapacity(t *testing.T) {
	b := testBus(3)

	for i := range 5 {
		b.Emit(context.Background(), &event.Event{
			Type:      event.AgentResponse,
			ProjectID: "proj-1",
			Message:   fmt.Sprintf("event-%d", i),
		})
	}

	got := b.History("proj-1", 0)
	if len(got) != 3 {
		t.Fatalf("history length = %d, want 3", len(got))
	}
	for i, want := range []string{"event-2", "event-3", "event-4"} {
		if got[i].Message != want {
			t.Errorf("history[%d].Message = %q, want %q", i, got[i].Message, want)
		}
	}
}

func TestBus_HistoryIsolatedPerProject(t *testing.T) {
	b := testBus(0)

	b.Emit(context.Background(), &event.Event{Type: event.StageStarted, ProjectID: "a"})
	b.Emit(context.Background(), &event.Event{Type: event.StageStarted, ProjectID: "b"})
	b.Emit(context.Background(), &event.Event{Type: event.StageCompleted, ProjectID: "a"})

	if got := len(b.History("a", 0)); got != 2 {
		t.Errorf("project a history = %d, want 2", got)
	}
	if got := len(b.History("b", 0)); got != 1 {
		t.Errorf("project b history = %d, want 1", got)
	}
	if got := len(b.History("unknown", 0)); got != 0 {
		t.Errorf("unknown project history = %d, want 0", got)
	}
}

func TestBus_EmitStampsDefaults(t *testing.T) {
	b := testBus(0)

	evt := &event.Event{Type: event.UserMessage, ProjectID: "p", Message: "hi"}
	b.Emit(context.Background(), evt)

	if evt.ID.IsNil() {
		t.Error("Emit did not stamp an event ID")
	}
	if evt.Timestamp.IsZero() {
		t.Error("Emit did not stamp a timestamp")
	}
	if evt.Severity != event.SeverityInfo {
		t.Errorf("severity = %q, want %q", evt.Severity, event.SeverityInfo)
	}
}

func TestBus_ClearHistory(t *testing.T) {
	b := testBus(0)

	b.Emit(context.Background(), &event.Event{Type: event.StageStarted, ProjectID: "p"})
	b.ClearHistory("p")

	if got := len(b.History("p", 0)); got != 0 {
		t.Errorf("history after clear = %d, want 0", got)
	}
}
