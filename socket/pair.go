package socket

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/streamnet/errors"
	"github.com/c360/streamnet/pkg/retry"
)

// frameConn is one established link carrying whole frames.
type frameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// frameListener accepts inbound links for a bound socket.
type frameListener interface {
	Accept() (frameConn, error)
	Close() error
}

const acceptBackoff = 50 * time.Millisecond

type dialFunc func(ctx context.Context) (frameConn, error)

// pairSocket implements Socket over any frameConn transport. One link is
// active at a time: a bound socket replaces its link when a newer peer
// connects, a connecting socket redials with backoff after losing it.
// Frames queued for sending survive link changes.
type pairSocket struct {
	Notifier

	id     ID
	meta   Metadata
	logger *slog.Logger

	in  chan []byte
	out chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	cur   frameConn
	ready chan struct{}
	lost  chan struct{}

	connected atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	listener frameListener
}

func newPairSocket(meta Metadata, opts Options) *pairSocket {
	ctx, cancel := context.WithCancel(context.Background())
	return &pairSocket{
		id:     NewID(),
		meta:   meta,
		logger: opts.logger().With("socket", meta.Addr, "owner", meta.Owner.String()),
		in:     make(chan []byte, opts.recvHWM()),
		out:    make(chan []byte, opts.sendHWM()),
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
		lost:   make(chan struct{}, 1),
	}
}

// serve starts accepting links on l.
func (s *pairSocket) serve(l frameListener) {
	s.listener = l
	s.wg.Add(2)
	go s.acceptLoop(l)
	go s.writeLoop()
}

// dial starts the redial loop.
func (s *pairSocket) dial(fn dialFunc, cfg retry.Config) {
	s.wg.Add(2)
	go s.dialLoop(fn, cfg)
	go s.writeLoop()
}

func (s *pairSocket) ID() ID             { return s.id }
func (s *pairSocket) Metadata() Metadata { return s.meta }
func (s *pairSocket) Connected() bool    { return s.connected.Load() }

func (s *pairSocket) TrySend(frame []byte) error {
	if s.closed.Load() {
		return errors.ErrSocketClosed
	}
	if !s.connected.Load() {
		return errors.ErrWouldBlock
	}
	select {
	case s.out <- frame:
		return nil
	default:
		return errors.ErrWouldBlock
	}
}

func (s *pairSocket) TryRecv() ([]byte, error) {
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

func (s *pairSocket) Poll() Events {
	var ev Events
	if len(s.in) > 0 {
		ev |= EventIn
	}
	if !s.closed.Load() && s.connected.Load() && len(s.out) < cap(s.out) {
		ev |= EventOut
	}
	return ev
}

func (s *pairSocket) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.mu.Lock()
		if s.cur != nil {
			_ = s.cur.Close()
			s.cur = nil
		}
		s.mu.Unlock()
		s.connected.Store(false)
		s.wg.Wait()
		s.logger.Debug("socket closed")
	})
	return nil
}

func (s *pairSocket) setConn(c frameConn) {
	s.mu.Lock()
	old := s.cur
	s.cur = c
	close(s.ready)
	s.ready = make(chan struct{})
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
		s.logger.Info("peer replaced")
	}

	s.connected.Store(true)
	s.wg.Add(1)
	go s.readLoop(c)
	s.Notify()
}

func (s *pairSocket) dropConn(c frameConn, err error) {
	s.mu.Lock()
	current := s.cur == c
	if current {
		s.cur = nil
		s.connected.Store(false)
	}
	s.mu.Unlock()
	_ = c.Close()
	if !current || s.closed.Load() {
		return
	}
	s.logger.Warn("peer link lost", "error", err)
	select {
	case s.lost <- struct{}{}:
	default:
	}
}

// waitConn returns the active link, blocking until one exists.
func (s *pairSocket) waitConn() frameConn {
	for {
		s.mu.Lock()
		c, ready := s.cur, s.ready
		s.mu.Unlock()
		if c != nil {
			return c
		}
		select {
		case <-ready:
		case <-s.ctx.Done():
			return nil
		}
	}
}

func (s *pairSocket) readLoop(c frameConn) {
	defer s.wg.Done()
	for {
		b, err := c.ReadFrame()
		if err != nil {
			s.dropConn(c, err)
			return
		}
		select {
		case s.in <- b:
			s.Notify()
		case <-s.ctx.Done():
			return
		}
	}
}

// writeLoop holds a frame until some link accepts it.
func (s *pairSocket) writeLoop() {
	defer s.wg.Done()
	var pending []byte
	for {
		if pending == nil {
			select {
			case pending = <-s.out:
			case <-s.ctx.Done():
				return
			}
		}
		c := s.waitConn()
		if c == nil {
			return
		}
		if err := c.WriteFrame(pending); err != nil {
			s.dropConn(c, err)
			continue
		}
		pending = nil
		s.Notify()
	}
}

func (s *pairSocket) acceptLoop(l frameListener) {
	defer s.wg.Done()
	for {
		c, err := l.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(acceptBackoff):
			}
			continue
		}
		s.logger.Debug("peer accepted")
		s.setConn(c)
	}
}

func (s *pairSocket) dialLoop(fn dialFunc, cfg retry.Config) {
	defer s.wg.Done()
	for {
		c, err := retry.DoWithResult(s.ctx, cfg, func() (frameConn, error) {
			return fn(s.ctx)
		})
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error("dial gave up", "error", err)
			}
			return
		}
		s.logger.Debug("peer connected")
		s.setConn(c)

		select {
		case <-s.lost:
		case <-s.ctx.Done():
			return
		}
	}
}
