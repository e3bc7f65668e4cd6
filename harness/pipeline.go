package harness

import (
	"context"
	"log/slog"

	"github.com/c360/streamnet/channel"
	"github.com/c360/streamnet/endpoint"
	"github.com/c360/streamnet/errors"
	"github.com/c360/streamnet/ioloop"
	"github.com/c360/streamnet/metric"
	"github.com/c360/streamnet/socket"
	"github.com/c360/streamnet/transfer"
)

// PipelineConfig tunes every handler of a Pipeline.
type PipelineConfig struct {
	Writer  endpoint.WriterConfig
	Reader  endpoint.ReaderConfig
	Relay   transfer.Config
	Loop    ioloop.Config
	Workers int
}

// Pipeline runs one writer and one reader over every channel of a set, plus
// the relays of every node the set names, in a single loop. Cross-host
// channels still travel through real network sockets, so one process can
// stand in for several hosts.
type Pipeline struct {
	Loop     *ioloop.Loop
	Registry *socket.Registry
	Writer   *endpoint.Writer
	Reader   *endpoint.Reader
	Plan     *transfer.Plan

	workers int
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*pipelineDeps)

type pipelineDeps struct {
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) PipelineOption {
	return func(d *pipelineDeps) { d.logger = l }
}

// WithMetrics exports every component's metrics into registry.
func WithMetrics(registry *metric.MetricsRegistry) PipelineOption {
	return func(d *pipelineDeps) { d.metrics = registry }
}

// NewPipeline builds and registers the handlers for set. Sockets are opened
// through factory.
func NewPipeline(set *channel.Set, factory socket.Factory, cfg PipelineConfig, opts ...PipelineOption) (*Pipeline, error) {
	deps := pipelineDeps{logger: slog.Default()}
	for _, opt := range opts {
		opt(&deps)
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}

	var (
		regOpts   = []socket.RegistryOption{socket.WithLogger(deps.logger)}
		loopOpts  = []ioloop.Option{ioloop.WithLogger(deps.logger.With("component", "ioloop"))}
		epOpts    = []endpoint.Option{endpoint.WithLogger(deps.logger)}
		relayOpts = []transfer.Option{transfer.WithLogger(deps.logger)}
	)
	if deps.metrics != nil {
		core := deps.metrics.CoreMetrics()
		regOpts = append(regOpts, socket.WithMetrics(core))
		loopOpts = append(loopOpts, ioloop.WithMetrics(core))
		epOpts = append(epOpts, endpoint.WithMetrics(deps.metrics))
		relayOpts = append(relayOpts, transfer.WithMetrics(deps.metrics))
	}

	reg := socket.NewRegistry(factory, regOpts...)
	p := &Pipeline{
		Loop:     ioloop.New(reg, cfg.Loop, loopOpts...),
		Registry: reg,
		workers:  cfg.Workers,
	}

	channels := set.Channels()
	var err error
	if p.Writer, err = endpoint.NewWriter("writer", channels, cfg.Writer, epOpts...); err != nil {
		return nil, err
	}
	if p.Reader, err = endpoint.NewReader("reader", channels, cfg.Reader, epOpts...); err != nil {
		return nil, err
	}
	if p.Plan, err = transfer.BuildPlan(set, set.Nodes(), cfg.Relay, relayOpts...); err != nil {
		return nil, err
	}

	handlers := []ioloop.Handler{p.Writer, p.Reader}
	for _, id := range p.Plan.NodeIDs() {
		n, _ := p.Plan.Node(id)
		for _, r := range n.Relays() {
			handlers = append(handlers, r)
		}
	}
	for _, h := range handlers {
		if err := p.Loop.Register(h); err != nil {
			_ = p.Loop.Close()
			return nil, errors.Wrap(err, "Pipeline", "New", "register "+h.Name())
		}
	}
	return p, nil
}

// Relays returns every relay in the pipeline.
func (p *Pipeline) Relays() []*transfer.Relay {
	var out []*transfer.Relay
	for _, id := range p.Plan.NodeIDs() {
		n, _ := p.Plan.Node(id)
		out = append(out, n.Relays()...)
	}
	return out
}

// Start runs the loop and waits until every connect-mode socket has a peer.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.Loop.Start(ctx, p.workers); err != nil {
		return err
	}
	return p.Loop.WaitConnected(ctx)
}

// Close stops the loop and every handler.
func (p *Pipeline) Close() error {
	return p.Loop.Close()
}
