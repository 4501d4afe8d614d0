package stream

// RingBuffer is a fixed-capacity circular buffer of events. It allows
// late subscribers to catch up on recent output. It is not safe for
// concurrent use; the Broker guards each buffer with its stream lock.
type RingBuffer struct {
	buf      []Event
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		buf:      make([]Event, capacity),
		capacity: capacity,
	}
}

// Write adds an event, evicting the oldest once the buffer is full.
func (rb *RingBuffer) Write(event Event) {
	rb.buf[rb.pos] = event
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// Len returns the number of buffered events.
func (rb *RingBuffer) Len() int {
	if rb.full {
		return rb.capacity
	}
	return rb.pos
}

// ReadAll returns all events in the buffer in chronological order.
func (rb *RingBuffer) ReadAll() []Event {
	if !rb.full {
		result := make([]Event, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]Event, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}

// Since returns the buffered events with a sequence number above after.
func (rb *RingBuffer) Since(after uint64) []Event {
	all := rb.ReadAll()
	for i, ev := range all {
		if ev.Seq > after {
			return all[i:]
		}
	}
	return nil
}

// TruncateAfter drops every buffered event with a sequence number above
// boundary.
func (rb *RingBuffer) TruncateAfter(boundary uint64) {
	kept := rb.ReadAll()
	n := 0
	for _, ev := range kept {
		if ev.Seq <= boundary {
			kept[n] = ev
			n++
		}
	}

	rb.buf = make([]Event, rb.capacity)
	rb.pos = 0
	rb.full = false
	for _, ev := range kept[:n] {
		rb.Write(ev)
	}
}
