package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/streamnet/channel"
	"github.com/c360/streamnet/endpoint"
	"github.com/c360/streamnet/harness"
	"github.com/c360/streamnet/metric"
	"github.com/c360/streamnet/pkg/queue"
	"github.com/c360/streamnet/socket"
	"github.com/c360/streamnet/stats"
	"github.com/c360/streamnet/transfer"
)

const benchJob = "bench"

// benchOptions describes one run.
type benchOptions struct {
	Channels    int
	Items       int
	PayloadSize int
	Remote      bool
	Scheme      channel.Scheme
	Rate        float64
	Workers     int
	Overflow    string
	BufferSize  int
	Timeout     time.Duration
}

// relayRow is one relay's counters after a run.
type relayRow struct {
	Name   string
	Counts map[stats.Event]int64
}

// benchResult summarises a finished run.
type benchResult struct {
	Items    int
	Bytes    int64
	Elapsed  time.Duration
	Relays   []relayRow
	Resends  int64
	Channels []string
}

func (r *benchResult) itemsPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Items) / r.Elapsed.Seconds()
}

func (r *benchResult) bytesPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Elapsed.Seconds()
}

func buildSet(root string, opts benchOptions) (*channel.Set, error) {
	set := &channel.Set{}
	if !opts.Remote {
		for i := 0; i < opts.Channels; i++ {
			set.Local = append(set.Local, channel.NewLocal(root, benchJob, "h1", fmt.Sprintf("c%d", i)))
		}
		return set, nil
	}

	port, err := freePort()
	if err != nil {
		return nil, err
	}
	for i := 0; i < opts.Channels; i++ {
		set.Remote = append(set.Remote,
			channel.NewRemote(root, benchJob, fmt.Sprintf("c%d", i), "h1", "h2", "127.0.0.1", port))
	}
	return set, nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("find free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func makeItems(set *channel.Set, opts benchOptions) harness.Items {
	pad := strings.Repeat("x", opts.PayloadSize)
	items := harness.Items{}
	for _, ch := range set.Channels() {
		id := ch.ChannelID()
		for i := 0; i < opts.Items; i++ {
			items[id] = append(items[id], map[string]any{"seq": i, "pad": pad})
		}
	}
	return items
}

// runBench feeds every channel through a pipeline and waits for all items.
func runBench(ctx context.Context, opts benchOptions, logger *slog.Logger) (*benchResult, error) {
	root, err := os.MkdirTemp("", "snb")
	if err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	defer os.RemoveAll(root)

	set, err := buildSet(root, opts)
	if err != nil {
		return nil, err
	}
	policy, err := queue.ParsePolicy(opts.Overflow)
	if err != nil {
		return nil, err
	}

	p, err := harness.NewPipeline(set, socket.NewFactory(socket.Options{Logger: logger}), harness.PipelineConfig{
		Writer:  endpoint.WriterConfig{BufferSize: opts.BufferSize},
		Relay:   transfer.Config{Overflow: policy, Scheme: opts.Scheme},
		Workers: opts.Workers,
	}, harness.WithLogger(logger), harness.WithMetrics(metric.NewMetricsRegistry()))
	if err != nil {
		return nil, err
	}
	defer p.Close()

	if err := p.Start(ctx); err != nil {
		return nil, err
	}

	items := makeItems(set, opts)
	feedOpts := harness.FeedOptions{Timeout: opts.Timeout}
	if opts.Rate > 0 {
		feedOpts.Limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}

	start := time.Now()
	fed := make(chan error, 1)
	go func() { fed <- harness.Feed(ctx, p.Writer, items, feedOpts) }()

	msgs, err := harness.Collect(ctx, p.Reader, items.Count(), harness.CollectOptions{Timeout: opts.Timeout})
	elapsed := time.Since(start)
	if ferr := <-fed; ferr != nil {
		return nil, ferr
	}
	if err != nil {
		return nil, err
	}
	if err := harness.CheckOrder(msgs, items); err != nil {
		return nil, err
	}

	res := &benchResult{Items: len(msgs), Elapsed: elapsed}
	for _, m := range msgs {
		res.Bytes += int64(len(m.Raw))
	}
	for _, id := range p.Writer.ChannelIDs() {
		res.Resends += p.Writer.Resends(id)
		res.Channels = append(res.Channels, id)
	}
	for _, r := range p.Relays() {
		row := relayRow{Name: r.Name(), Counts: make(map[stats.Event]int64)}
		for _, ev := range stats.Events {
			row.Counts[ev] = r.Stats().Total(ev)
		}
		res.Relays = append(res.Relays, row)
	}
	return res, nil
}
