package event

// ring is a fixed-capacity event buffer that evicts the oldest entry
// when full. Not safe for concurrent use; the Bus serializes access.
type ring struct {
	buf   []*Event
	start int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]*Event, capacity)}
}

// push appends an event, evicting the oldest when at capacity.
func (r *ring) push(evt *Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = evt
		r.count++
		return
	}
	r.buf[r.start] = evt
	r.start = (r.start + 1) % len(r.buf)
}

// tail returns the most recent limit events in emission order.
// A non-positive limit returns everything retained.
func (r *ring) tail(limit int) []*Event {
	n := r.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Event, n)
	for i := range n {
		out[i] = r.buf[(r.start+r.count-n+i)%len(r.buf)]
	}
	return out
}
