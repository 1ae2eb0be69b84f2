package detection

import "time"

// Batcher accumulates snapshots until the batch is full. Timing out a
// partially filled batch is the owner's job: Deadline reports when the
// oldest buffered snapshot must be dispatched.
type Batcher struct {
	capacity int
	timeout  time.Duration
	buf      []Snapshot
	firstAt  time.Time
}

// NewBatcher builds a batcher dispatching at capacity vectors or timeout
// after the first vector entered, whichever comes first.
func NewBatcher(capacity int, timeout time.Duration) *Batcher {
	return &Batcher{
		capacity: capacity,
		timeout:  timeout,
		buf:      make([]Snapshot, 0, capacity),
	}
}

// Add buffers one snapshot and returns the full batch once capacity is
// reached, nil otherwise.
func (b *Batcher) Add(s Snapshot) []Snapshot {
	if len(b.buf) == 0 {
		b.firstAt = time.Now()
	}
	b.buf = append(b.buf, s)
	if len(b.buf) >= b.capacity {
		return b.Flush()
	}
	return nil
}

// Flush returns whatever is buffered, possibly nothing.
func (b *Batcher) Flush() []Snapshot {
	if len(b.buf) == 0 {
		return nil
	}
	out := b.buf
	b.buf = make([]Snapshot, 0, b.capacity)
	return out
}

// Pending returns the number of buffered snapshots.
func (b *Batcher) Pending() int { return len(b.buf) }

// Deadline returns when the buffered batch must be dispatched. With an
// empty buffer there is no deadline and ok is false.
func (b *Batcher) Deadline() (deadline time.Time, ok bool) {
	if len(b.buf) == 0 {
		return time.Time{}, false
	}
	return b.firstAt.Add(b.timeout), true
}
