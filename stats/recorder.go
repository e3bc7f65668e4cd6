// Package stats counts transfer protocol events per channel and per peer.
//
// MsgSent, MsgRcvd, AckSent and AckRcvd count frames. The Record events count
// the items inside data frames, BufferResent counts writer redeliveries and
// BufferDropped counts frames a relay discarded under the drop policy.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/streamnet/metric"
)

// Event is a protocol event kind.
type Event int

const (
	MsgSent Event = iota
	MsgRcvd
	AckSent
	AckRcvd
	BufferResent
	BufferDelivered
	BufferDropped
	RecordSent
	RecordRcvd
	RecordDelivered
)

// Events lists every event kind in display order.
var Events = []Event{
	MsgSent, MsgRcvd, AckSent, AckRcvd,
	BufferResent, BufferDelivered, BufferDropped,
	RecordSent, RecordRcvd, RecordDelivered,
}

func (e Event) String() string {
	switch e {
	case MsgSent:
		return "msg_sent"
	case MsgRcvd:
		return "msg_rcvd"
	case AckSent:
		return "ack_sent"
	case AckRcvd:
		return "ack_rcvd"
	case BufferResent:
		return "buffer_resent"
	case BufferDelivered:
		return "buffer_delivered"
	case BufferDropped:
		return "buffer_dropped"
	case RecordSent:
		return "record_sent"
	case RecordRcvd:
		return "record_rcvd"
	case RecordDelivered:
		return "record_delivered"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Recorder holds monotonically increasing counters keyed by event and by a
// channel id or peer node id. Inc is safe for concurrent use.
type Recorder struct {
	handler     string
	logger      *slog.Logger
	metrics     *metric.Metrics
	logInterval time.Duration

	mu       sync.RWMutex
	counters map[Event]map[string]*atomic.Int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger used by the periodic summary.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithMetrics mirrors every increment into the transfer events counter.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithLogInterval logs a counter summary at Debug every d while started.
func WithLogInterval(d time.Duration) Option {
	return func(r *Recorder) { r.logInterval = d }
}

// NewRecorder returns an empty recorder for the named handler.
func NewRecorder(handler string, opts ...Option) *Recorder {
	r := &Recorder{
		handler:  handler,
		logger:   slog.Default().With("component", "stats", "handler", handler),
		counters: make(map[Event]map[string]*atomic.Int64, len(Events)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Inc adds one to the counter for (event, key).
func (r *Recorder) Inc(event Event, key string) {
	r.Add(event, key, 1)
}

// Add adds n to the counter for (event, key). Negative n is ignored.
func (r *Recorder) Add(event Event, key string, n int64) {
	if n <= 0 {
		return
	}
	r.counter(event, key).Add(n)
	if r.metrics != nil {
		r.metrics.TransferEvents.WithLabelValues(r.handler, event.String(), key).Add(float64(n))
	}
}

func (r *Recorder) counter(event Event, key string) *atomic.Int64 {
	r.mu.RLock()
	c, ok := r.counters[event][key]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byKey, ok := r.counters[event]
	if !ok {
		byKey = make(map[string]*atomic.Int64)
		r.counters[event] = byKey
	}
	if c, ok = byKey[key]; !ok {
		c = new(atomic.Int64)
		byKey[key] = c
	}
	return c
}

// Get returns the count for (event, key).
func (r *Recorder) Get(event Event, key string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.counters[event][key]; ok {
		return c.Load()
	}
	return 0
}

// Counts returns a copy of the counters for one event.
func (r *Recorder) Counts(event Event) map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int64, len(r.counters[event]))
	for k, c := range r.counters[event] {
		out[k] = c.Load()
	}
	return out
}

// Total sums an event over all keys.
func (r *Recorder) Total(event Event) int64 {
	var n int64
	for _, v := range r.Counts(event) {
		n += v
	}
	return n
}

// Snapshot copies every counter.
func (r *Recorder) Snapshot() map[Event]map[string]int64 {
	out := make(map[Event]map[string]int64, len(Events))
	for _, e := range Events {
		if counts := r.Counts(e); len(counts) > 0 {
			out[e] = counts
		}
	}
	return out
}

// Start begins periodic summary logging if an interval is set.
func (r *Recorder) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel != nil || r.logInterval <= 0 {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx, r.done)
}

func (r *Recorder) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logSummary()
		}
	}
}

func (r *Recorder) logSummary() {
	attrs := make([]any, 0, len(Events)*2)
	for _, e := range Events {
		attrs = append(attrs, e.String(), r.Total(e))
	}
	r.logger.Debug("transfer stats", attrs...)
}

// Close stops periodic logging. Counters stay readable.
func (r *Recorder) Close() {
	r.runMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.runMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Keys returns the sorted keys seen for an event.
func (r *Recorder) Keys(event Event) []string {
	counts := r.Counts(event)
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
