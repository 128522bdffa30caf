package playback

import (
	"context"
	"errors"
	"sync"

	"github.com/zsiec/replay/internal/media"
)

var (
	// ErrStaleSegment is returned when a segment read before a Clear is
	// pushed afterwards.
	ErrStaleSegment = errors.New("playback: segment predates last clear")
	// ErrQueueClosed is returned once the queue has been closed and drained.
	ErrQueueClosed = errors.New("playback: queue closed")
)

// Segment is one access unit's bytes awaiting transmission. Time is the
// unit's media time in seconds.
type Segment struct {
	Unit       media.AccessUnit
	Data       []byte
	Time       float64
	Generation uint64
}

// SegmentQueue is the bounded transmission queue between the file reader and
// the network sender. Every Clear starts a new generation; producers stamp
// segments with Generation() before reading, and pushes from an older
// generation are refused so pre-seek data is never delivered.
type SegmentQueue struct {
	mu      sync.Mutex
	items   []Segment
	depth   int
	gen     uint64
	closed  bool
	changed chan struct{}
}

// NewSegmentQueue returns a queue holding at most depth segments.
func NewSegmentQueue(depth int) *SegmentQueue {
	return &SegmentQueue{depth: max(depth, 1), changed: make(chan struct{})}
}

// broadcast wakes every waiter. Callers hold q.mu.
func (q *SegmentQueue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Generation returns the current generation.
func (q *SegmentQueue) Generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen
}

// Depth returns the capacity.
func (q *SegmentQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// Len returns the number of queued segments.
func (q *SegmentQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// SetDepth changes the capacity. Segments already queued beyond a reduced
// capacity stay queued; producers block until the queue drains below it.
func (q *SegmentQueue) SetDepth(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.depth = max(n, 1)
	q.broadcast()
}

// Clear drops every queued segment and starts a new generation.
func (q *SegmentQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.gen++
	q.broadcast()
}

// Close wakes all waiters. Pending segments can still be popped.
func (q *SegmentQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.broadcast()
	}
}

// Push appends seg, blocking while the queue is full.
func (q *SegmentQueue) Push(ctx context.Context, seg Segment) error {
	for {
		q.mu.Lock()
		switch {
		case q.closed:
			q.mu.Unlock()
			return ErrQueueClosed
		case seg.Generation != q.gen:
			q.mu.Unlock()
			return ErrStaleSegment
		case len(q.items) < q.depth:
			q.items = append(q.items, seg)
			q.broadcast()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Pop removes the oldest segment, blocking until one is available.
func (q *SegmentQueue) Pop(ctx context.Context) (Segment, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			seg := q.items[0]
			q.items = q.items[1:]
			q.broadcast()
			q.mu.Unlock()
			return seg, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Segment{}, ErrQueueClosed
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Segment{}, ctx.Err()
		case <-wait:
		}
	}
}
