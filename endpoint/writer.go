package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/c360/streamnet/channel"
	"github.com/c360/streamnet/errors"
	"github.com/c360/streamnet/frame"
	"github.com/c360/streamnet/ioloop"
	"github.com/c360/streamnet/socket"
	"github.com/c360/streamnet/stats"
)

const (
	DefaultMaxBuffersPerChannel = 10
	DefaultInFlightLimit        = 1000
	DefaultResendTimeout        = 500 * time.Millisecond
)

// WriterConfig tunes buffering and redelivery.
type WriterConfig struct {
	// BufferSize caps a data frame in bytes. A single record larger than
	// BufferSize still travels alone in its own frame.
	BufferSize int
	// MaxFrameSize is the largest frame the transport accepts. Items whose
	// single-record frame would exceed it are rejected by TryWrite.
	MaxFrameSize int
	// MaxBuffersPerChannel bounds unacknowledged plus unsent buffers.
	MaxBuffersPerChannel int
	// InFlightLimit bounds buffers sent but not yet acknowledged.
	InFlightLimit int
	// ResendTimeout is how long a buffer waits for its ack before it is
	// sent again. Negative disables resending.
	ResendTimeout time.Duration
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = frame.DefaultBufferSize
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = socket.DefaultMaxFrameSize
	}
	if c.BufferSize > c.MaxFrameSize {
		c.BufferSize = c.MaxFrameSize
	}
	if c.MaxBuffersPerChannel <= 0 {
		c.MaxBuffersPerChannel = DefaultMaxBuffersPerChannel
	}
	if c.InFlightLimit <= 0 {
		c.InFlightLimit = DefaultInFlightLimit
	}
	if c.ResendTimeout == 0 {
		c.ResendTimeout = DefaultResendTimeout
	}
	return c
}

// outBuffer is one data frame from creation until its ack.
type outBuffer struct {
	id        uint64
	builder   *frame.Builder
	data      []byte
	records   int
	firstSent time.Time
	sentAt    time.Time
	acked     bool
}

func (b *outBuffer) sealed() bool { return b.data != nil }

// writerChannel is the per-channel buffer queue. buffers[:scheduled] have
// been sent at least once; the last buffer may still be open for appends.
type writerChannel struct {
	mu        sync.Mutex
	id        string
	buffers   []*outBuffer
	scheduled int
	inFlight  int
	nextBuf   uint64
	nextMsg   uint64
	resends   int64
}

// Writer frames records for its channels and delivers them at least once
// over its local sockets. A buffer stays queued until the reader acks it.
type Writer struct {
	*base
	cfg      WriterConfig
	channels map[string]*writerChannel
	now      func() time.Time
}

// NewWriter creates a writer for channels. The writer binds each channel's
// local address.
func NewWriter(name string, channels []channel.Channel, cfg WriterConfig, opts ...Option) (*Writer, error) {
	b, err := newBase(name, "writer", socket.OwnerWriterLocal, socket.Bind, channels, opts)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		base:     b,
		cfg:      cfg.withDefaults(),
		channels: make(map[string]*writerChannel, len(b.order)),
		now:      time.Now,
	}
	for _, id := range b.order {
		w.channels[id] = &writerChannel{id: id}
	}
	return w, nil
}

func (w *Writer) Role() ioloop.Role { return ioloop.RoleDataWriter }

func (w *Writer) CreateSockets(reg *socket.Registry) ([]socket.Socket, error) {
	return w.openSockets(reg)
}

// TryWrite serializes item as JSON and appends it to the channel's newest
// buffer. It returns false without blocking when the channel already holds
// its maximum number of buffers. An item too large for the transport is
// rejected with errors.ErrFrameTooLarge and never queued.
func (w *Writer) TryWrite(channelID string, item any) (bool, error) {
	if w.closed.Load() {
		return false, errors.WrapInvalid(errors.ErrQueueClosed, "Writer", "TryWrite", "check writer state")
	}
	wc, ok := w.channels[channelID]
	if !ok {
		return false, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownChannel, channelID),
			"Writer", "TryWrite", "look up channel")
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return false, errors.WrapInvalid(err, "Writer", "TryWrite", "encode item")
	}

	wc.mu.Lock()
	accepted, err := w.appendLocked(wc, payload)
	wc.mu.Unlock()
	if err != nil || !accepted {
		return false, err
	}
	if s := w.socketFor(channelID); s != nil {
		s.Notify()
	}
	return true, nil
}

func (w *Writer) appendLocked(wc *writerChannel, payload []byte) (bool, error) {
	if size := frame.RecordFrameSize(wc.nextBuf, wc.nextMsg, len(payload)); size > w.cfg.MaxFrameSize {
		return false, errors.WrapInvalid(
			fmt.Errorf("%w: item of %d bytes needs a %d byte frame, limit is %d",
				errors.ErrFrameTooLarge, len(payload), size, w.cfg.MaxFrameSize),
			"Writer", "TryWrite", "check item size")
	}
	if n := len(wc.buffers); n > 0 {
		last := wc.buffers[n-1]
		if !last.sealed() && last.builder.TryAppend(wc.nextMsg, payload) {
			wc.nextMsg++
			return true, nil
		}
	}
	if len(wc.buffers) >= w.cfg.MaxBuffersPerChannel {
		return false, nil
	}
	if n := len(wc.buffers); n > 0 && !wc.buffers[n-1].sealed() {
		wc.buffers[n-1].seal()
	}
	b, err := frame.NewBuilder(wc.id, wc.nextBuf, w.cfg.BufferSize)
	if err != nil {
		return false, err
	}
	b.TryAppend(wc.nextMsg, payload)
	wc.buffers = append(wc.buffers, &outBuffer{id: wc.nextBuf, builder: b})
	wc.nextBuf++
	wc.nextMsg++
	return true, nil
}

func (b *outBuffer) seal() {
	b.data = b.builder.Bytes()
	b.records = b.builder.Records()
	b.builder = nil
}

// Send transmits at most one frame: a timed-out buffer first, otherwise the
// next unsent one. An open buffer is sealed when it is scheduled.
func (w *Writer) Send(s socket.Socket) bool {
	chID, ok := w.channelOf(s)
	if !ok {
		return false
	}
	wc := w.channels[chID]
	wc.mu.Lock()
	defer wc.mu.Unlock()

	now := w.now()
	if w.cfg.ResendTimeout > 0 {
		for _, b := range wc.buffers[:wc.scheduled] {
			if b.acked || now.Sub(b.sentAt) < w.cfg.ResendTimeout {
				continue
			}
			if s.TrySend(b.data) != nil {
				return false
			}
			b.sentAt = now
			wc.resends++
			w.stats.Inc(stats.BufferResent, chID)
			w.logger.Debug("buffer resent", "channel_id", chID, "buffer_id", b.id)
			return true
		}
	}

	if wc.inFlight >= w.cfg.InFlightLimit || wc.scheduled >= len(wc.buffers) {
		return false
	}
	b := wc.buffers[wc.scheduled]
	if !b.sealed() {
		b.seal()
	}
	if s.TrySend(b.data) != nil {
		return false
	}
	b.sentAt, b.firstSent = now, now
	wc.scheduled++
	wc.inFlight++
	w.stats.Inc(stats.MsgSent, chID)
	w.stats.Add(stats.RecordSent, chID, int64(b.records))
	if w.metrics != nil {
		w.metrics.CoreMetrics().FrameBytes.WithLabelValues(w.name).Observe(float64(len(b.data)))
	}
	return true
}

// Rcv consumes one ack frame and releases acknowledged buffers from the
// head of the channel queue.
func (w *Writer) Rcv(s socket.Socket) bool {
	chID, ok := w.channelOf(s)
	if !ok {
		return false
	}
	raw, err := s.TryRecv()
	if err != nil {
		return false
	}
	ackCh, ids, err := frame.DecodeAck(raw)
	if err != nil || ackCh != chID {
		w.logger.Warn("dropping unexpected frame", "channel_id", chID, "error", err)
		return true
	}

	wc := w.channels[chID]
	wc.mu.Lock()
	defer wc.mu.Unlock()
	now := w.now()
	for _, id := range ids {
		for _, b := range wc.buffers[:wc.scheduled] {
			if b.id == id && !b.acked {
				b.acked = true
				wc.inFlight--
				w.stats.Inc(stats.AckRcvd, chID)
				if w.metrics != nil {
					w.metrics.CoreMetrics().AckLatency.WithLabelValues(w.name).Observe(now.Sub(b.firstSent).Seconds())
				}
				break
			}
		}
	}
	for len(wc.buffers) > 0 && wc.buffers[0].acked {
		wc.buffers[0] = nil
		wc.buffers = wc.buffers[1:]
		wc.scheduled--
	}
	return true
}

// Pending returns the buffers of a channel not yet acknowledged.
func (w *Writer) Pending(channelID string) int {
	wc, ok := w.channels[channelID]
	if !ok {
		return 0
	}
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return len(wc.buffers)
}

// Resends returns how many buffers of a channel were sent again.
func (w *Writer) Resends(channelID string) int64 {
	wc, ok := w.channels[channelID]
	if !ok {
		return 0
	}
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.resends
}

func (w *Writer) Start(ctx context.Context) error {
	if w.reg == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Writer", "Start", "sockets not created")
	}
	w.stats.Start(ctx)
	return nil
}

// Close closes the writer's sockets. Unacknowledged buffers are dropped.
func (w *Writer) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		err = w.closeSockets()
	})
	return err
}
