// Package ioloop drives IO handlers. A fixed set of workers each own a
// disjoint partition of the registered sockets and repeatedly poll them,
// calling Send and Rcv on the owning handler. A worker with nothing to do
// parks until one of its sockets signals readiness or the poll interval
// elapses.
package ioloop

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/streamnet/errors"
	"github.com/c360/streamnet/health"
	"github.com/c360/streamnet/metric"
	"github.com/c360/streamnet/socket"
)

const (
	DefaultPollInterval   = 10 * time.Millisecond
	DefaultConnectTimeout = 30 * time.Second
	DefaultStopTimeout    = 5 * time.Second
)

// Handler status values exported through metric.Metrics.HandlerStatus.
const (
	statusRegistered = 0
	statusRunning    = 1
	statusClosed     = 2
)

// Config tunes the loop.
type Config struct {
	PollInterval   time.Duration
	ConnectTimeout time.Duration
	StopTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	return c
}

// slot binds a socket to the handler that owns it.
type slot struct {
	sock    socket.Socket
	handler Handler
}

// Loop is the IO event loop.
type Loop struct {
	cfg     Config
	reg     *socket.Registry
	logger  *slog.Logger
	metrics *metric.Metrics

	lifecycleMu sync.Mutex
	handlers    []Handler
	names       map[string]bool
	byRole      map[Role][]Handler
	slots       []slot
	workers     []*worker
	started     bool
	closed      bool
	cancel      context.CancelFunc
	group       *errgroup.Group
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) { lp.logger = l }
}

// WithMetrics exports handler status and worker activity.
func WithMetrics(m *metric.Metrics) Option {
	return func(lp *Loop) { lp.metrics = m }
}

// New returns a loop whose handlers open their sockets through reg.
func New(reg *socket.Registry, cfg Config, opts ...Option) *Loop {
	l := &Loop{
		cfg:    cfg.withDefaults(),
		reg:    reg,
		logger: slog.Default().With("component", "ioloop"),
		names:  make(map[string]bool),
		byRole: make(map[Role][]Handler),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Registry returns the socket registry handlers register into.
func (l *Loop) Registry() *socket.Registry { return l.reg }

// Register creates h's sockets and adds them to the poll set. Each socket
// gets the next slot; at Start slot i goes to worker i mod n.
func (l *Loop) Register(h Handler) error {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if l.started || l.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Loop", "Register", "register "+h.Name())
	}
	if l.names[h.Name()] {
		return errors.WrapFatal(fmt.Errorf("%w: handler %s registered twice", errors.ErrInvalidConfig, h.Name()),
			"Loop", "Register", "register handler")
	}

	switch h.Role() {
	case RoleDataWriter, RoleDataReader, RoleTransferSender, RoleTransferReceiver:
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: unknown role %s", errors.ErrInvalidConfig, h.Role()),
			"Loop", "Register", "classify handler")
	}

	sockets, err := h.CreateSockets(l.reg)
	if err != nil {
		return errors.Wrap(err, "Loop", "Register", "create sockets for "+h.Name())
	}
	for _, s := range sockets {
		l.slots = append(l.slots, slot{sock: s, handler: h})
	}
	l.handlers = append(l.handlers, h)
	l.names[h.Name()] = true
	l.byRole[h.Role()] = append(l.byRole[h.Role()], h)
	l.recordStatus(h, statusRegistered)
	l.logger.Info("handler registered", "handler", h.Name(), "role", h.Role().String(), "sockets", len(sockets))
	return nil
}

// Handlers returns the registered handlers with the given role.
func (l *Loop) Handlers(role Role) []Handler {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()
	return append([]Handler(nil), l.byRole[role]...)
}

// Start runs every handler's Start hook, then launches numWorkers workers.
// It does not wait for peers; see WaitConnected.
func (l *Loop) Start(ctx context.Context, numWorkers int) error {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if l.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Loop", "Start", "start loop")
	}
	if l.closed {
		return errors.WrapInvalid(errors.ErrSocketClosed, "Loop", "Start", "start closed loop")
	}
	if numWorkers <= 0 {
		numWorkers = 1
	}

	for i, h := range l.handlers {
		if err := h.Start(ctx); err != nil {
			for _, started := range l.handlers[:i] {
				_ = started.Close()
			}
			return errors.Wrap(err, "Loop", "Start", "start handler "+h.Name())
		}
		l.recordStatus(h, statusRunning)
	}

	l.workers = make([]*worker, numWorkers)
	for i := range l.workers {
		l.workers[i] = &worker{
			id:       i,
			label:    strconv.Itoa(i),
			wake:     make(chan struct{}, 1),
			interval: l.cfg.PollInterval,
			metrics:  l.metrics,
		}
	}
	for i, sl := range l.slots {
		w := l.workers[i%numWorkers]
		w.slots = append(w.slots, sl)
		sl.sock.SetNotify(w.notify)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for _, w := range l.workers {
		w := w
		g.Go(func() error { return w.run(gctx) })
	}
	l.cancel = cancel
	l.group = g
	l.started = true
	l.logger.Info("loop started", "workers", numWorkers, "sockets", len(l.slots), "handlers", len(l.handlers))
	return nil
}

// WaitConnected blocks until every connect-mode socket has a peer or the
// connect timeout expires.
func (l *Loop) WaitConnected(ctx context.Context) error {
	l.lifecycleMu.Lock()
	var pending []socket.Socket
	for _, sl := range l.slots {
		if sl.sock.Metadata().Mode == socket.Connect {
			pending = append(pending, sl.sock)
		}
	}
	l.lifecycleMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		waiting := pending[:0]
		for _, s := range pending {
			if !s.Connected() {
				waiting = append(waiting, s)
			}
		}
		pending = waiting
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(
				fmt.Errorf("%w: %d sockets, first %s", errors.ErrNotConnected, len(pending), pending[0].Metadata()),
				"Loop", "WaitConnected", "wait for peers")
		case <-ticker.C:
		}
	}
}

// Close stops every handler, then the workers. It is safe to call while
// traffic is in flight and more than once.
func (l *Loop) Close() error {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	for _, h := range l.handlers {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", h.Name(), err))
		}
		l.recordStatus(h, statusClosed)
	}

	if l.started {
		l.cancel()
		done := make(chan error, 1)
		go func() { done <- l.group.Wait() }()
		timer := time.NewTimer(l.cfg.StopTimeout)
		defer timer.Stop()
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, err)
			}
		case <-timer.C:
			errs = append(errs, fmt.Errorf("workers did not stop within %s", l.cfg.StopTimeout))
		}
	}

	l.logger.Info("loop closed")
	if len(errs) > 0 {
		return errors.Wrap(stderrors.Join(errs...), "Loop", "Close", "close loop")
	}
	return nil
}

// Health aggregates the status of every handler.
func (l *Loop) Health() health.Status {
	l.lifecycleMu.Lock()
	handlers := append([]Handler(nil), l.handlers...)
	started, closed := l.started, l.closed
	disconnected := 0
	for _, sl := range l.slots {
		if sl.sock.Metadata().Mode == socket.Connect && !sl.sock.Connected() {
			disconnected++
		}
	}
	l.lifecycleMu.Unlock()

	if closed {
		return health.NewUnhealthy("ioloop", "closed")
	}
	subs := make([]health.Status, 0, len(handlers)+1)
	for _, h := range handlers {
		subs = append(subs, h.Health())
	}
	if disconnected > 0 {
		subs = append(subs, health.NewDegraded("connectivity",
			fmt.Sprintf("%d connect-mode sockets without a peer", disconnected)))
	} else {
		subs = append(subs, health.NewHealthy("connectivity", "all peers connected"))
	}
	status := health.Aggregate("ioloop", subs)
	if !started && status.IsHealthy() {
		return health.NewDegraded("ioloop", "not started")
	}
	return status
}

func (l *Loop) recordStatus(h Handler, status int) {
	if l.metrics != nil {
		l.metrics.RecordHandlerStatus(h.Name(), h.Role().String(), status)
	}
}

// worker owns a fixed partition of slots. Nothing else touches them.
type worker struct {
	id       int
	label    string
	slots    []slot
	wake     chan struct{}
	interval time.Duration
	metrics  *metric.Metrics
}

func (w *worker) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) run(ctx context.Context) error {
	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		progress := false
		for _, sl := range w.slots {
			if sl.sock.Poll().CanSend() && sl.handler.Send(sl.sock) {
				progress = true
			}
			if sl.handler.Rcv(sl.sock) {
				progress = true
			}
		}
		if w.metrics != nil {
			w.metrics.LoopPasses.WithLabelValues(w.label).Inc()
		}

		if progress {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		if w.metrics != nil {
			w.metrics.LoopIdle.WithLabelValues(w.label).Inc()
		}
		timer.Reset(w.interval)
		select {
		case <-ctx.Done():
			return nil
		case <-w.wake:
		case <-timer.C:
		}
	}
}
