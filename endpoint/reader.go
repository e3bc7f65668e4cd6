package endpoint

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/c360/streamnet/channel"
	"github.com/c360/streamnet/errors"
	"github.com/c360/streamnet/frame"
	"github.com/c360/streamnet/ioloop"
	"github.com/c360/streamnet/pkg/queue"
	"github.com/c360/streamnet/socket"
	"github.com/c360/streamnet/stats"
)

const (
	DefaultOutputQueueSize = 1000
	DefaultAckBatchSize    = 1
)

// ReaderConfig tunes delivery buffering and acknowledgment batching.
type ReaderConfig struct {
	// OutputQueueSize bounds in-order buffers waiting for Read.
	OutputQueueSize int
	// AckBatchSize is how many acks accumulate before an ack frame is sent
	// while more data is waiting on the socket.
	AckBatchSize int
}

func (c ReaderConfig) withDefaults() ReaderConfig {
	if c.OutputQueueSize <= 0 {
		c.OutputQueueSize = DefaultOutputQueueSize
	}
	if c.AckBatchSize <= 0 {
		c.AckBatchSize = DefaultAckBatchSize
	}
	return c
}

// Message is one item delivered to the consuming stage.
type Message struct {
	ChannelID string
	ID        uint64
	Raw       json.RawMessage
	Value     any
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

type delivery struct {
	channelID string
	records   []frame.Record
}

// readerChannel is only touched by the worker owning the channel socket.
type readerChannel struct {
	watermark  int64
	outOfOrder map[uint64][]frame.Record
	acks       []uint64
}

// Reader receives data frames, releases them in buffer-id order per channel
// and acknowledges each buffer once it is queued for Read.
type Reader struct {
	*base
	cfg      ReaderConfig
	out      *queue.Queue[delivery]
	channels map[string]*readerChannel
}

// NewReader creates a reader for channels. The reader connects to each
// channel's local address.
func NewReader(name string, channels []channel.Channel, cfg ReaderConfig, opts ...Option) (*Reader, error) {
	b, err := newBase(name, "reader", socket.OwnerReaderLocal, socket.Connect, channels, opts)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	qopts := []queue.Option[delivery]{}
	if b.metrics != nil {
		qopts = append(qopts, queue.WithMetrics[delivery](b.metrics, name+".output"))
	}
	out, err := queue.New(cfg.OutputQueueSize, qopts...)
	if err != nil {
		return nil, err
	}
	r := &Reader{
		base:     b,
		cfg:      cfg,
		out:      out,
		channels: make(map[string]*readerChannel, len(b.order)),
	}
	for _, id := range b.order {
		r.channels[id] = &readerChannel{watermark: -1, outOfOrder: make(map[uint64][]frame.Record)}
	}
	return r, nil
}

func (r *Reader) Role() ioloop.Role { return ioloop.RoleDataReader }

func (r *Reader) CreateSockets(reg *socket.Registry) ([]socket.Socket, error) {
	return r.openSockets(reg)
}

// Read returns every message currently released for delivery, or nil. It
// never blocks. Messages of one channel appear in write order.
func (r *Reader) Read() ([]Message, error) {
	batch := r.out.PopBatch(r.out.Len())
	if len(batch) == 0 {
		return nil, nil
	}
	var msgs []Message
	for _, d := range batch {
		r.stats.Inc(stats.BufferDelivered, d.channelID)
		r.stats.Add(stats.RecordDelivered, d.channelID, int64(len(d.records)))
		for _, rec := range d.records {
			m := Message{ChannelID: d.channelID, ID: rec.ID, Raw: rec.Payload}
			if err := json.Unmarshal(rec.Payload, &m.Value); err != nil {
				return msgs, errors.WrapInvalid(err, "Reader", "Read", "decode item")
			}
			msgs = append(msgs, m)
		}
	}
	for _, id := range r.order {
		if s := r.socketFor(id); s != nil {
			s.Notify()
		}
	}
	return msgs, nil
}

// Rcv takes one data frame off s. Buffers already delivered are acked again
// and dropped. While the output queue is full nothing is received unless a
// newer frame could fill the gap that blocks release.
func (r *Reader) Rcv(s socket.Socket) bool {
	chID, ok := r.channelOf(s)
	if !ok {
		return false
	}
	rc := r.channels[chID]
	if r.out.IsFull() {
		_, gapFilled := rc.outOfOrder[uint64(rc.watermark+1)]
		if len(rc.outOfOrder) == 0 || gapFilled {
			return false
		}
	}

	raw, err := s.TryRecv()
	if err != nil {
		return false
	}
	d, err := frame.DecodeData(raw)
	if err != nil || d.ChannelID != chID {
		r.logger.Warn("dropping unexpected frame", "channel_id", chID, "error", err)
		return true
	}
	r.stats.Inc(stats.MsgRcvd, chID)
	r.stats.Add(stats.RecordRcvd, chID, int64(len(d.Records)))

	if int64(d.BufferID) <= rc.watermark {
		rc.acks = append(rc.acks, d.BufferID)
		return true
	}
	if _, dup := rc.outOfOrder[d.BufferID]; dup {
		return true
	}
	rc.outOfOrder[d.BufferID] = d.Records
	r.release(chID, rc)
	return true
}

// release moves consecutive buffers after the watermark to the output
// queue, acking each one placed.
func (r *Reader) release(chID string, rc *readerChannel) {
	for {
		next := uint64(rc.watermark + 1)
		recs, ok := rc.outOfOrder[next]
		if !ok {
			return
		}
		if err := r.out.Push(delivery{channelID: chID, records: recs}); err != nil {
			if !stderrors.Is(err, errors.ErrQueueFull) {
				r.logger.Debug("output queue push failed", "error", err)
			}
			return
		}
		delete(rc.outOfOrder, next)
		rc.acks = append(rc.acks, next)
		rc.watermark++
	}
}

// Send flushes pending acks once a batch is full, or as soon as no more
// data is waiting on the socket.
func (r *Reader) Send(s socket.Socket) bool {
	chID, ok := r.channelOf(s)
	if !ok {
		return false
	}
	rc := r.channels[chID]
	if len(rc.outOfOrder) > 0 && !r.out.IsFull() {
		r.release(chID, rc)
	}
	if len(rc.acks) == 0 {
		return false
	}
	if len(rc.acks) < r.cfg.AckBatchSize && s.Poll().CanRecv() {
		return false
	}

	b, err := frame.EncodeAck(chID, rc.acks)
	if err != nil {
		r.logger.Error("encode ack", "channel_id", chID, "error", err)
		rc.acks = rc.acks[:0]
		return false
	}
	if s.TrySend(b) != nil {
		return false
	}
	r.stats.Add(stats.AckSent, chID, int64(len(rc.acks)))
	rc.acks = rc.acks[:0]
	return true
}

// Buffered returns how many buffers wait for Read.
func (r *Reader) Buffered() int { return r.out.Len() }

func (r *Reader) Start(ctx context.Context) error {
	if r.reg == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Reader", "Start", "sockets not created")
	}
	r.stats.Start(ctx)
	return nil
}

// Close closes the reader's sockets and discards undelivered buffers.
func (r *Reader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		err = r.closeSockets()
		_ = r.out.Close()
	})
	return err
}
