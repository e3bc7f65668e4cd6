// Package endpoint provides the stage-local ends of a channel: a Writer that
// frames records and keeps them until acknowledged, and a Reader that
// restores per-channel order, drops duplicates and acknowledges delivery.
//
// Both are ioloop handlers. TryWrite and Read may be called from any
// goroutine; Send and Rcv run on the event loop worker owning the socket.
package endpoint

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/streamnet/channel"
	"github.com/c360/streamnet/errors"
	"github.com/c360/streamnet/health"
	"github.com/c360/streamnet/metric"
	"github.com/c360/streamnet/socket"
	"github.com/c360/streamnet/stats"
)

// Option configures a Writer or Reader.
type Option func(*base)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *base) { b.logger = l.With("handler", b.name) }
}

// WithMetrics exports stats events and frame sizes through registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(b *base) { b.metrics = registry }
}

// base holds what writers and readers share: channel addressing, the
// registry handle and lifecycle flags.
type base struct {
	name    string
	owner   socket.Owner
	mode    socket.Mode
	order   []string
	addrs   map[string]string
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
	stats   *stats.Recorder

	reg *socket.Registry

	closeOnce sync.Once
	closed    atomic.Bool
}

func newBase(name, component string, owner socket.Owner, mode socket.Mode, channels []channel.Channel, opts []Option) (*base, error) {
	b := &base{
		name:   name,
		owner:  owner,
		mode:   mode,
		addrs:  make(map[string]string, len(channels)),
		logger: slog.Default().With("component", component, "handler", name),
	}
	for _, ch := range channels {
		if err := ch.Validate(); err != nil {
			return nil, errors.WrapInvalid(err, component, "New", "validate channel")
		}
		id := ch.ChannelID()
		if _, dup := b.addrs[id]; dup {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrDuplicateChannel, id),
				component, "New", "validate channels")
		}
		b.addrs[id] = localAddr(ch, owner)
		b.order = append(b.order, id)
	}
	for _, opt := range opts {
		opt(b)
	}
	var sopts []stats.Option
	if b.metrics != nil {
		sopts = append(sopts, stats.WithMetrics(b.metrics.CoreMetrics()))
	}
	b.stats = stats.NewRecorder(name, sopts...)
	return b, nil
}

// localAddr picks the IPC address an endpoint uses for ch. For cross-host
// channels the writer meets the sending relay and the reader meets the
// receiving relay.
func localAddr(ch channel.Channel, owner socket.Owner) string {
	switch c := ch.(type) {
	case channel.Local:
		return c.IPCAddr
	case channel.Remote:
		if owner == socket.OwnerWriterLocal {
			return c.SourceLocalIPCAddr
		}
		return c.TargetLocalIPCAddr
	}
	return ""
}

func (b *base) Name() string { return b.name }

// Stats returns the endpoint's event counters.
func (b *base) Stats() *stats.Recorder { return b.stats }

// ChannelIDs returns the endpoint's channels in construction order.
func (b *base) ChannelIDs() []string { return b.order }

func (b *base) openSockets(reg *socket.Registry) ([]socket.Socket, error) {
	if b.reg != nil {
		return nil, errors.WrapInvalid(errors.ErrAlreadyStarted, b.name, "CreateSockets", "create sockets")
	}
	b.reg = reg
	out := make([]socket.Socket, 0, len(b.order))
	for _, id := range b.order {
		s, err := reg.OpenChannel(b.name, socket.Metadata{
			Owner: b.owner, Mode: b.mode, ChannelID: id, Addr: b.addrs[id],
		})
		if err != nil {
			_ = reg.CloseScope(b.name)
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (b *base) channelOf(s socket.Socket) (string, bool) {
	if b.reg == nil {
		return "", false
	}
	return b.reg.ChannelOf(s.ID())
}

func (b *base) socketFor(channelID string) socket.Socket {
	if b.reg == nil {
		return nil
	}
	s, _ := b.reg.ChannelSocket(b.name, channelID)
	return s
}

func (b *base) closeSockets() error {
	b.stats.Close()
	if b.reg == nil {
		return nil
	}
	return b.reg.CloseScope(b.name)
}

// Health is degraded while any channel has no connected peer.
func (b *base) Health() health.Status {
	if b.closed.Load() {
		return health.NewUnhealthy(b.name, "closed")
	}
	if b.reg == nil {
		return health.NewDegraded(b.name, "sockets not created")
	}
	var waiting []health.Status
	for _, id := range b.order {
		if s := b.socketFor(id); s == nil || !s.Connected() {
			waiting = append(waiting, health.NewDegraded(b.name+"."+id, "waiting for peer"))
		}
	}
	if len(waiting) > 0 {
		return health.Aggregate(b.name, waiting)
	}
	return health.NewHealthy(b.name, fmt.Sprintf("%d channels", len(b.order)))
}
