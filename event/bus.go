package event

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pipewright/pipewright/id"
)

// Listener consumes events delivered by the Bus. A listener error is
// logged and never interrupts delivery to the remaining listeners.
type Listener func(ctx context.Context, evt *Event) error

// listenerEntry pairs a listener with the name it was registered under,
// so it can be removed later and named in error logs.
type listenerEntry struct {
	name string
	fn   Listener
}

// Bus is the in-process publish/subscribe hub for lifecycle events.
// Listeners are invoked synchronously in registration order, and every
// emitted event is appended to a bounded per-project history ring.
// Safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	listeners []listenerEntry
	history   map[string]*ring
	limit     int
	logger    *slog.Logger
}

// DefaultHistoryLimit is the per-project history cap used when the
// configured limit is zero or negative.
const DefaultHistoryLimit = 1000

// NewBus creates a Bus with the given per-project history cap.
func NewBus(logger *slog.Logger, historyLimit int) *Bus {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Bus{
		history: make(map[string]*ring),
		limit:   historyLimit,
		logger:  logger,
	}
}

// Subscribe registers a listener under a unique name. Registering the
// same name twice replaces the previous listener in place, keeping its
// position in the delivery order.
func (b *Bus) Subscribe(name string, fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, e := range b.listeners {
		if e.name == name {
			b.listeners[i].fn = fn
			return
		}
	}
	b.listeners = append(b.listeners, listenerEntry{name: name, fn: fn})
}

// Unsubscribe removes the listener registered under name. Removing an
// unknown name is a no-op.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, e := range b.listeners {
		if e.name == name {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Emit appends the event to the project's ordered history, then invokes
// every listener in registration order. A listener's error or panic is
// caught and logged; it never blocks or cancels delivery to the
// remaining listeners, and no event is dropped because a listener
// failed.
//
// Emit stamps the event ID and timestamp if the caller left them zero,
// and defaults the severity to Info.
func (b *Bus) Emit(ctx context.Context, evt *Event) {
	if evt.ID.IsNil() {
		evt.ID = id.NewEventID()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Severity == "" {
		evt.Severity = SeverityInfo
	}

	b.mu.Lock()
	r, ok := b.history[evt.ProjectID]
	if !ok {
		r = newRing(b.limit)
		b.history[evt.ProjectID] = r
	}
	r.push(evt)
	// Snapshot the listener list so a listener that subscribes or
	// unsubscribes during delivery cannot corrupt this iteration.
	entries := make([]listenerEntry, len(b.listeners))
	copy(entries, b.listeners)
	b.mu.Unlock()

	b.logger.Log(ctx, evt.Severity.LogLevel(), "event emitted",
		slog.String("project_id", evt.ProjectID),
		slog.String("event_type", string(evt.Type)),
		slog.String("message", evt.Message),
	)

	for _, e := range entries {
		b.deliver(ctx, e, evt)
	}
}

// deliver invokes one listener, converting a panic into a logged error.
func (b *Bus) deliver(ctx context.Context, e listenerEntry, evt *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				slog.String("listener", e.name),
				slog.String("event_type", string(evt.Type)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := e.fn(ctx, evt); err != nil {
		b.logger.Warn("event listener error",
			slog.String("listener", e.name),
			slog.String("event_type", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// History returns the most recent limit events for a project in
// emission order. A non-positive limit returns the full retained
// history. The returned slice is a copy; stored history is not mutated.
func (b *Bus) History(projectID string, limit int) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.history[projectID]
	if !ok {
		return nil
	}
	return r.tail(limit)
}

// ClearHistory drops the retained history for a project.
func (b *Bus) ClearHistory(projectID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.history, projectID)
}
