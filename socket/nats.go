package socket

import (
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/c360/streamnet/errors"
)

// natsSocket links two endpoints through a pair of NATS subjects. The bound
// side receives on <subject>.bind and publishes to <subject>.connect; the
// connecting side does the opposite. Inbound frames beyond the receive
// high-water mark are dropped and counted, so the writer's resend recovers
// them.
type natsSocket struct {
	Notifier

	id      ID
	meta    Metadata
	logger  *slog.Logger
	nc      *nats.Conn
	pub     string
	sub     *nats.Subscription
	in      chan []byte
	dropped atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
}

func newNATSSocket(nc *nats.Conn, subject string, meta Metadata, opts Options) (*natsSocket, error) {
	recvSubj, pubSubj := subject+".bind", subject+".connect"
	if meta.Mode == Connect {
		recvSubj, pubSubj = pubSubj, recvSubj
	}
	s := &natsSocket{
		id:     NewID(),
		meta:   meta,
		logger: opts.logger().With("socket", meta.Addr, "owner", meta.Owner.String()),
		nc:     nc,
		pub:    pubSubj,
		in:     make(chan []byte, opts.recvHWM()),
	}
	sub, err := nc.Subscribe(recvSubj, func(m *nats.Msg) {
		select {
		case s.in <- m.Data:
			s.Notify()
		default:
			s.dropped.Add(1)
		}
	})
	if err != nil {
		return nil, err
	}
	s.sub = sub
	return s, nil
}

func (s *natsSocket) ID() ID             { return s.id }
func (s *natsSocket) Metadata() Metadata { return s.meta }
func (s *natsSocket) Connected() bool    { return !s.closed.Load() && s.nc.IsConnected() }

// Dropped returns the number of inbound frames discarded at the HWM.
func (s *natsSocket) Dropped() int64 { return s.dropped.Load() }

func (s *natsSocket) TrySend(frame []byte) error {
	if s.closed.Load() {
		return errors.ErrSocketClosed
	}
	if !s.nc.IsConnected() {
		return errors.ErrWouldBlock
	}
	if err := s.nc.Publish(s.pub, frame); err != nil {
		if stderrors.Is(err, nats.ErrConnectionClosed) {
			return errors.ErrSocketClosed
		}
		s.logger.Debug("publish deferred", "error", err)
		return errors.ErrWouldBlock
	}
	return nil
}

func (s *natsSocket) TryRecv() ([]byte, error) {
	select {
	case b := <-s.in:
		return b, nil
	default:
	}
	if s.closed.Load() {
		return nil, errors.ErrSocketClosed
	}
	return nil, errors.ErrWouldBlock
}

func (s *natsSocket) Poll() Events {
	var ev Events
	if len(s.in) > 0 {
		ev |= EventIn
	}
	if s.Connected() {
		ev |= EventOut
	}
	return ev
}

// Close unsubscribes. The shared connection stays open.
func (s *natsSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.sub.Unsubscribe()
		if stderrors.Is(err, nats.ErrConnectionClosed) {
			err = nil
		}
	})
	return err
}
