// Package queue provides a bounded, concurrency-safe FIFO for framed buffers.
//
// Queues cross worker ownership in the transfer relay: the worker that owns a
// source socket pushes and the worker that owns the destination socket pops.
// Every operation takes the queue's mutex and none of them block.
//
// The capacity bounds Push according to the OverflowPolicy. PushFront, used to
// put back a frame whose send would have blocked, is never refused so a retry
// cannot lose data or change order. Append is also unbounded and is meant for
// producers that check IsFull before taking a frame off a socket.
package queue

import (
	"sync"

	"github.com/c360/streamnet/errors"
	"github.com/c360/streamnet/metric"
)

// OverflowPolicy defines how Push behaves when the queue is at capacity.
type OverflowPolicy int

const (
	// Reject refuses the new item with errors.ErrQueueFull.
	Reject OverflowPolicy = iota

	// DropNewest discards the new item and reports success.
	DropNewest

	// DropOldest evicts the head to make room for the new item.
	DropOldest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case Reject:
		return "reject"
	case DropNewest:
		return "drop_newest"
	case DropOldest:
		return "drop_oldest"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a configuration string onto a policy.
func ParsePolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "reject", "block":
		return Reject, nil
	case "drop", "drop_newest":
		return DropNewest, nil
	case "drop_oldest":
		return DropOldest, nil
	default:
		return Reject, errors.WrapInvalid(errors.ErrInvalidConfig, "queue", "ParsePolicy", "parse overflow policy "+s)
	}
}

// DropCallback is called, outside the queue lock, for each dropped item.
type DropCallback[T any] func(item T)

// Option configures a Queue.
type Option[T any] func(*options[T])

type options[T any] struct {
	policy        OverflowPolicy
	dropCallback  DropCallback[T]
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
}

// WithOverflowPolicy sets the overflow behavior. Defaults to Reject.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(o *options[T]) {
		o.policy = policy
	}
}

// WithDropCallback sets a function called for every dropped item.
func WithDropCallback[T any](cb DropCallback[T]) Option[T] {
	return func(o *options[T]) {
		o.dropCallback = cb
	}
}

// WithMetrics exports the queue statistics under the given prefix. A nil
// registry or empty prefix is ignored.
func WithMetrics[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(o *options[T]) {
		if registry != nil && prefix != "" {
			o.metricsReg = registry
			o.metricsPrefix = prefix
		}
	}
}

// Queue is a bounded FIFO backed by a growable ring.
type Queue[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int
	size     int
	capacity int
	closed   bool

	opts    options[T]
	stats   *Statistics
	metrics *queueMetrics
}

// New creates a queue holding up to capacity items under Push. A capacity
// below one is raised to one.
func New[T any](capacity int, opts ...Option[T]) (*Queue[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	q := &Queue[T]{
		buf:      make([]T, min(capacity, 64)),
		capacity: capacity,
		stats:    NewStatistics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&q.opts)
		}
	}

	if q.opts.metricsReg != nil {
		m, err := newQueueMetrics(q.opts.metricsReg, q.opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapInvalid(err, "queue", "New", "metrics registration")
		}
		q.metrics = m
	}

	return q, nil
}

// Push appends item at the tail, applying the overflow policy when full.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return errors.ErrQueueClosed
	}

	var dropped T
	hasDropped := false

	if q.size >= q.capacity {
		q.stats.overflow()
		switch q.opts.policy {
		case DropNewest:
			q.stats.drop()
			q.mu.Unlock()
			q.notifyDrop(item)
			return nil
		case DropOldest:
			dropped, _ = q.popLocked()
			hasDropped = true
			q.stats.drop()
		default:
			q.mu.Unlock()
			return errors.ErrQueueFull
		}
	}

	q.pushBackLocked(item)
	q.stats.push()
	q.observe()
	q.mu.Unlock()

	if hasDropped {
		q.notifyDrop(dropped)
	}
	return nil
}

// Append adds item at the tail regardless of capacity.
func (q *Queue[T]) Append(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.ErrQueueClosed
	}
	q.pushBackLocked(item)
	q.stats.push()
	q.observe()
	return nil
}

// PushFront re-inserts item at the head. It is used to put back an item
// whose send would have blocked and is never refused for capacity.
func (q *Queue[T]) PushFront(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.ErrQueueClosed
	}

	q.grow()
	q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.head] = item
	q.size++

	q.stats.requeue()
	q.observe()
	return nil
}

// Pop removes and returns the head item.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.popLocked()
	if ok {
		q.stats.pop()
		q.observe()
	}
	return item, ok
}

// PopBatch removes up to max items from the head.
func (q *Queue[T]) PopBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(max, q.size)
	if n == 0 {
		return nil
	}

	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		item, _ := q.popLocked()
		out = append(out, item)
		q.stats.pop()
	}
	q.observe()
	return out
}

// Peek returns the head item without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.size == 0 {
		return zero, false
	}
	return q.buf[q.head], true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Capacity returns the Push bound.
func (q *Queue[T]) Capacity() int {
	return q.capacity
}

// IsFull reports whether Push would hit the overflow policy.
func (q *Queue[T]) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size >= q.capacity
}

// IsEmpty reports whether the queue holds no items.
func (q *Queue[T]) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size == 0
}

// Clear discards all items and returns how many were removed.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	var zero T
	for i := 0; i < q.size; i++ {
		q.buf[(q.head+i)%len(q.buf)] = zero
	}
	q.head, q.size = 0, 0
	q.observe()
	return n
}

// Close rejects further pushes. Items already queued can still be popped.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Stats returns the queue statistics.
func (q *Queue[T]) Stats() *Statistics {
	return q.stats
}

func (q *Queue[T]) pushBackLocked(item T) {
	q.grow()
	q.buf[(q.head+q.size)%len(q.buf)] = item
	q.size++
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	item := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return item, true
}

// grow doubles the ring when it is full so one more item fits.
func (q *Queue[T]) grow() {
	if q.size < len(q.buf) {
		return
	}
	next := make([]T, max(2*len(q.buf), 1))
	for i := 0; i < q.size; i++ {
		next[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = next
	q.head = 0
}

func (q *Queue[T]) observe() {
	q.stats.setSize(int64(q.size))
	if q.metrics != nil {
		q.metrics.record(q.stats, q.size)
	}
}

func (q *Queue[T]) notifyDrop(item T) {
	if q.opts.dropCallback != nil {
		q.opts.dropCallback(item)
	}
}
