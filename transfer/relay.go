// Package transfer implements the store-and-forward relay that bridges
// same-host IPC sockets and cross-host network sockets.
//
// A Sender relay runs on the producing node. It receives data frames from
// writers over per-channel local sockets, queues them per destination peer
// and forwards them over one shared network socket per peer. Acks take the
// opposite path. A Receiver relay mirrors this on the consuming node.
package transfer

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/streamnet/channel"
	"github.com/c360/streamnet/errors"
	"github.com/c360/streamnet/frame"
	"github.com/c360/streamnet/health"
	"github.com/c360/streamnet/ioloop"
	"github.com/c360/streamnet/metric"
	"github.com/c360/streamnet/pkg/queue"
	"github.com/c360/streamnet/socket"
	"github.com/c360/streamnet/stats"
)

// DefaultQueueCapacity bounds each relay queue.
const DefaultQueueCapacity = 1024

// Direction selects the relay role.
type Direction int

const (
	Sender Direction = iota
	Receiver
)

func (d Direction) String() string {
	if d == Sender {
		return "sender"
	}
	return "receiver"
}

// Config tunes relay queues and the cross-host transport.
type Config struct {
	QueueCapacity int
	Overflow      queue.OverflowPolicy
	Scheme        channel.Scheme
}

// localLink is one channel's IPC socket and the queue drained onto it.
// parked is only touched by the worker owning sock.
type localLink struct {
	channelID string
	peer      string
	sock      socket.Socket
	queue     *queue.Queue[[]byte]
	remote    *remoteLink

	parked  []byte
	stalled atomic.Bool
}

// remoteLink is one peer's network socket and the queue drained onto it.
type remoteLink struct {
	peer      string
	port      int
	sock      socket.Socket
	queue     *queue.Queue[[]byte]
	producers []*localLink

	parked     []byte
	parkedDest *localLink
	stalled    atomic.Bool
}

// Relay forwards frames between local and remote sockets for a fixed set of
// cross-host channels. Queues are the only state shared between workers.
type Relay struct {
	name     string
	dir      Direction
	channels []channel.Remote
	cfg      Config
	logger   *slog.Logger
	stats    *stats.Recorder
	metrics  *metric.MetricsRegistry

	reg     *socket.Registry
	locals  map[string]*localLink
	remotes map[string]*remoteLink

	closeOnce sync.Once
	closed    atomic.Bool
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the relay logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l.With("handler", r.name) }
}

// WithMetrics exports stats events and queue depth through registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Relay) { r.metrics = registry }
}

// WithStats replaces the relay's stats recorder.
func WithStats(rec *stats.Recorder) Option {
	return func(r *Relay) { r.stats = rec }
}

// NewRelay validates channels for the given direction. Every channel of a
// Sender must leave the same node and every channel of a Receiver must
// arrive at the same node. Channels sharing a peer must share its port.
func NewRelay(name string, dir Direction, channels []channel.Remote, cfg Config, opts ...Option) (*Relay, error) {
	if err := validateChannels(dir, channels); err != nil {
		return nil, err
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Scheme == "" {
		cfg.Scheme = channel.SchemeTCP
	}

	r := &Relay{
		name:     name,
		dir:      dir,
		channels: channels,
		cfg:      cfg,
		logger:   slog.Default().With("component", "transfer", "handler", name),
		locals:   make(map[string]*localLink, len(channels)),
		remotes:  make(map[string]*remoteLink),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.stats == nil {
		var sopts []stats.Option
		if r.metrics != nil {
			sopts = append(sopts, stats.WithMetrics(r.metrics.CoreMetrics()))
		}
		r.stats = stats.NewRecorder(name, sopts...)
	}
	return r, nil
}

func validateChannels(dir Direction, channels []channel.Remote) error {
	seen := make(map[string]bool, len(channels))
	ports := make(map[string]int)
	var node string
	for _, ch := range channels {
		if err := ch.Validate(); err != nil {
			return errors.WrapInvalid(err, "Relay", "New", "validate channel")
		}
		if seen[ch.ID] {
			return errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrDuplicateChannel, ch.ID),
				"Relay", "New", "validate channels")
		}
		seen[ch.ID] = true

		self, peer := ch.SourceNodeID, ch.TargetNodeID
		if dir == Receiver {
			self, peer = peer, self
		}
		if node == "" {
			node = self
		} else if self != node {
			return errors.WrapFatal(
				fmt.Errorf("%w: channel %s belongs to node %s, relay serves %s",
					errors.ErrMismatchedChannel, ch.ID, self, node),
				"Relay", "New", "validate channels")
		}
		if p, ok := ports[peer]; ok && p != ch.Port {
			return errors.WrapInvalid(
				fmt.Errorf("%w: peer %s reached on ports %d and %d", errors.ErrInvalidConfig, peer, p, ch.Port),
				"Relay", "New", "validate channels")
		}
		ports[peer] = ch.Port
	}
	return nil
}

func (r *Relay) Name() string { return r.name }

func (r *Relay) Role() ioloop.Role {
	if r.dir == Sender {
		return ioloop.RoleTransferSender
	}
	return ioloop.RoleTransferReceiver
}

// Direction returns the relay role.
func (r *Relay) Direction() Direction { return r.dir }

// Stats returns the relay's event counters.
func (r *Relay) Stats() *stats.Recorder { return r.stats }

// Channels returns the relayed channels.
func (r *Relay) Channels() []channel.Remote { return r.channels }

func (r *Relay) peerOf(ch channel.Remote) string {
	if r.dir == Sender {
		return ch.TargetNodeID
	}
	return ch.SourceNodeID
}

// CreateSockets opens one local socket per channel and one remote socket per
// peer. On any failure every socket opened here is closed again.
func (r *Relay) CreateSockets(reg *socket.Registry) ([]socket.Socket, error) {
	if r.reg != nil {
		return nil, errors.WrapInvalid(errors.ErrAlreadyStarted, "Relay", "CreateSockets", "create sockets")
	}
	r.reg = reg

	localMode, remoteMode := socket.Connect, socket.Connect
	if r.dir == Receiver {
		localMode, remoteMode = socket.Bind, socket.Bind
	}

	var created []socket.Socket
	fail := func(err error) ([]socket.Socket, error) {
		_ = reg.CloseScope(r.name)
		r.locals = make(map[string]*localLink)
		r.remotes = make(map[string]*remoteLink)
		return nil, err
	}

	for _, ch := range r.channels {
		peer := r.peerOf(ch)
		localAddr, remoteAddr := ch.SourceLocalIPCAddr, ch.ConnectAddr(r.cfg.Scheme)
		if r.dir == Receiver {
			localAddr, remoteAddr = ch.TargetLocalIPCAddr, ch.BindAddr(r.cfg.Scheme)
		}

		ls, err := reg.OpenChannel(r.name, socket.Metadata{
			Owner: socket.OwnerRelayLocal, Mode: localMode, ChannelID: ch.ID, Addr: localAddr,
		})
		if err != nil {
			return fail(err)
		}
		created = append(created, ls)
		lq, err := r.newQueue(ch.ID)
		if err != nil {
			return fail(err)
		}
		link := &localLink{channelID: ch.ID, peer: peer, sock: ls, queue: lq}
		r.locals[ch.ID] = link

		rs, isNew, err := reg.OpenPeer(r.name, peer, socket.Metadata{
			Owner: socket.OwnerRelayRemote, Mode: remoteMode, ChannelID: ch.ID, Addr: remoteAddr,
		})
		if err != nil {
			return fail(err)
		}
		if isNew {
			created = append(created, rs)
			rq, err := r.newQueue("peer." + peer)
			if err != nil {
				return fail(err)
			}
			r.remotes[peer] = &remoteLink{peer: peer, port: ch.Port, sock: rs, queue: rq}
			r.logger.Info("peer link opened", "peer", peer, "addr", remoteAddr, "mode", remoteMode.String())
		}
		rl := r.remotes[peer]
		rl.producers = append(rl.producers, link)
		link.remote = rl
	}
	return created, nil
}

func (r *Relay) newQueue(key string) (*queue.Queue[[]byte], error) {
	opts := []queue.Option[[]byte]{
		queue.WithOverflowPolicy[[]byte](r.cfg.Overflow),
		queue.WithDropCallback(r.dropped),
	}
	if r.metrics != nil {
		opts = append(opts, queue.WithMetrics[[]byte](r.metrics, r.name+"."+key))
	}
	return queue.New(r.cfg.QueueCapacity, opts...)
}

// dropped counts a frame discarded by the overflow policy against its
// channel. Writer resend recovers dropped data frames.
func (r *Relay) dropped(b []byte) {
	chID, err := frame.ChannelID(b)
	if err != nil {
		chID = "unknown"
	}
	r.stats.Inc(stats.BufferDropped, chID)
	r.logger.Debug("frame dropped at full queue", "channel_id", chID)
}

func (r *Relay) events() (localSend, remoteSend, localRcv, remoteRcv stats.Event) {
	if r.dir == Sender {
		return stats.AckSent, stats.MsgSent, stats.MsgRcvd, stats.AckRcvd
	}
	return stats.MsgSent, stats.AckSent, stats.AckRcvd, stats.MsgRcvd
}

// Send pops the head of the queue feeding s and tries to transmit it. A
// frame that would block goes back to the head unchanged.
func (r *Relay) Send(s socket.Socket) bool {
	localSend, remoteSend, _, _ := r.events()
	id := s.ID()

	if ch, ok := r.reg.ChannelOf(id); ok {
		l := r.locals[ch]
		if !r.transmit(s, l.queue, localSend, ch) {
			return false
		}
		if l.remote.stalled.Load() {
			l.remote.sock.Notify()
		}
		return true
	}
	if peer, ok := r.reg.PeerOf(id); ok {
		rl := r.remotes[peer]
		if !r.transmit(s, rl.queue, remoteSend, peer) {
			return false
		}
		for _, p := range rl.producers {
			if p.stalled.Load() {
				p.sock.Notify()
			}
		}
		return true
	}
	r.logger.Error("send on unregistered socket", "socket", string(id))
	return false
}

func (r *Relay) transmit(s socket.Socket, q *queue.Queue[[]byte], event stats.Event, key string) bool {
	b, ok := q.Pop()
	if !ok {
		return false
	}
	if err := s.TrySend(b); err != nil {
		_ = q.PushFront(b)
		if r.metrics != nil {
			r.metrics.CoreMetrics().SendRetries.WithLabelValues(r.name).Inc()
		}
		if !stderrors.Is(err, errors.ErrWouldBlock) {
			r.logger.Debug("send failed", "key", key, "error", err)
		}
		return false
	}
	r.stats.Inc(event, key)
	return true
}

// Rcv takes one frame off s and queues it for the opposite transport. While
// the destination queue is full the frame is parked and s is not read.
func (r *Relay) Rcv(s socket.Socket) bool {
	id := s.ID()
	if ch, ok := r.reg.ChannelOf(id); ok {
		return r.rcvLocal(r.locals[ch])
	}
	if peer, ok := r.reg.PeerOf(id); ok {
		return r.rcvRemote(r.remotes[peer])
	}
	r.logger.Error("receive on unregistered socket", "socket", string(id))
	return false
}

func (r *Relay) rcvLocal(l *localLink) bool {
	progress := false
	if l.parked != nil {
		if !r.place(l.remote.queue, l.parked) {
			return false
		}
		l.parked = nil
		l.stalled.Store(false)
		l.remote.sock.Notify()
		progress = true
	}

	b, err := l.sock.TryRecv()
	if err != nil {
		return progress
	}
	_, _, localRcv, _ := r.events()
	r.stats.Inc(localRcv, l.channelID)

	if !r.place(l.remote.queue, b) {
		l.parked = b
		l.stalled.Store(true)
		return true
	}
	l.remote.sock.Notify()
	return true
}

func (r *Relay) rcvRemote(rl *remoteLink) bool {
	progress := false
	if rl.parked != nil {
		if !r.place(rl.parkedDest.queue, rl.parked) {
			return false
		}
		rl.parkedDest.sock.Notify()
		rl.parked, rl.parkedDest = nil, nil
		rl.stalled.Store(false)
		progress = true
	}

	b, err := rl.sock.TryRecv()
	if err != nil {
		return progress
	}
	chID, err := frame.ChannelID(b)
	if err != nil {
		r.logger.Warn("dropping malformed frame", "peer", rl.peer, "error", err)
		return true
	}
	dest, ok := r.locals[chID]
	if !ok || dest.peer != rl.peer {
		r.logger.Warn("dropping frame for unknown channel", "peer", rl.peer, "channel_id", chID)
		return true
	}
	_, _, _, remoteRcv := r.events()
	r.stats.Inc(remoteRcv, rl.peer)

	if !r.place(dest.queue, b) {
		rl.parked, rl.parkedDest = b, dest
		rl.stalled.Store(true)
		return true
	}
	dest.sock.Notify()
	return true
}

// place pushes b, reporting false only when the queue refused it for
// capacity. Frames dropped by a drop policy count as placed.
func (r *Relay) place(q *queue.Queue[[]byte], b []byte) bool {
	err := q.Push(b)
	if err == nil {
		return true
	}
	if stderrors.Is(err, errors.ErrQueueFull) {
		return false
	}
	r.logger.Debug("queue push failed", "error", err)
	return true
}

// QueueLen returns the frames waiting for a channel's local socket.
func (r *Relay) QueueLen(channelID string) int {
	if l, ok := r.locals[channelID]; ok {
		return l.queue.Len()
	}
	return 0
}

// PeerQueueLen returns the frames waiting for a peer's network socket.
func (r *Relay) PeerQueueLen(peer string) int {
	if rl, ok := r.remotes[peer]; ok {
		return rl.queue.Len()
	}
	return 0
}

// Peers returns the number of distinct peers with an open network socket.
func (r *Relay) Peers() int { return len(r.remotes) }

func (r *Relay) Start(ctx context.Context) error {
	if r.reg == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Relay", "Start", "sockets not created")
	}
	r.stats.Start(ctx)
	r.logger.Info("relay started",
		"direction", r.dir.String(), "channels", len(r.channels), "peers", len(r.remotes))
	return nil
}

// Close stops stats, closes sockets without linger and discards queued
// frames.
func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.stats.Close()
		err = r.CloseSockets()
		for _, l := range r.locals {
			_ = l.queue.Close()
		}
		for _, rl := range r.remotes {
			_ = rl.queue.Close()
		}
		r.logger.Info("relay closed")
	})
	return err
}

// CloseSockets closes every local and remote socket of the relay.
func (r *Relay) CloseSockets() error {
	if r.reg == nil {
		return nil
	}
	return r.reg.CloseScope(r.name)
}

// Health is degraded while any peer link is down.
func (r *Relay) Health() health.Status {
	if r.closed.Load() {
		return health.NewUnhealthy(r.name, "closed")
	}
	var down []health.Status
	for peer, rl := range r.remotes {
		if !rl.sock.Connected() {
			down = append(down, health.NewDegraded(r.name+"."+peer, "peer link down"))
		}
	}
	if len(down) > 0 {
		return health.Aggregate(r.name, down)
	}
	return health.NewHealthy(r.name, fmt.Sprintf("%d channels, %d peers", len(r.locals), len(r.remotes)))
}
