package harness_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamnet/channel"
	"github.com/c360/streamnet/endpoint"
	"github.com/c360/streamnet/errors"
	"github.com/c360/streamnet/harness"
	"github.com/c360/streamnet/metric"
	"github.com/c360/streamnet/socket"
	"github.com/c360/streamnet/stats"
	"github.com/c360/streamnet/testutil"
)

func startPipeline(t *testing.T, set *channel.Set, factory socket.Factory, cfg harness.PipelineConfig,
	opts ...harness.PipelineOption) *harness.Pipeline {
	t.Helper()
	p, err := harness.NewPipeline(set, factory, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	require.NoError(t, p.Start(context.Background()))
	return p
}

func netFactory() *socket.NetFactory {
	return socket.NewFactory(socket.Options{})
}

func TestPipeline_TwoLocalChannels(t *testing.T) {
	set := testutil.LocalSet(testutil.SocketRoot(t), "n1", "a", "b")
	p := startPipeline(t, set, netFactory(), harness.PipelineConfig{Workers: 2})

	items := harness.Items{"a": {"x1", "x2"}, "b": {"y1"}}
	require.NoError(t, harness.Feed(context.Background(), p.Writer, items, harness.FeedOptions{}))

	msgs, err := harness.Collect(context.Background(), p.Reader, 3,
		harness.CollectOptions{Linger: 100 * time.Millisecond})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.NoError(t, harness.CheckOrder(msgs, items))

	var onA []any
	for _, m := range msgs {
		if m.ChannelID == "a" {
			onA = append(onA, m.Value)
		}
	}
	assert.Equal(t, []any{"x1", "x2"}, onA)
}

func TestPipeline_CrossHostSurvivesFailedSend(t *testing.T) {
	root := testutil.SocketRoot(t)
	set := testutil.RemoteSet(root, "h1", "h2", testutil.FreePort(t), "c")
	flaky := &testutil.FlakyFactory{
		Inner: netFactory(),
		Match: func(m socket.Metadata) bool {
			return m.Owner == socket.OwnerRelayRemote && m.Mode == socket.Connect
		},
		FailFirst: 1,
	}
	p := startPipeline(t, set, flaky, harness.PipelineConfig{
		Writer: endpoint.WriterConfig{ResendTimeout: 50 * time.Millisecond},
	})

	items := harness.Items{"c": {"payload"}}
	require.NoError(t, harness.Feed(context.Background(), p.Writer, items, harness.FeedOptions{}))

	// Linger well past the resend timeout so a duplicate would show up.
	msgs, err := harness.Collect(context.Background(), p.Reader, 1,
		harness.CollectOptions{Linger: 300 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, harness.CheckOrder(msgs, items))

	wrapped := flaky.Wrapped()
	require.Len(t, wrapped, 1)
	assert.Equal(t, 1, wrapped[0].Failed())

	h1, ok := p.Plan.Node("h1")
	require.True(t, ok)
	h2, ok := p.Plan.Node("h2")
	require.True(t, ok)
	assert.Nil(t, h1.Receiver)
	assert.Nil(t, h2.Sender)
	assert.GreaterOrEqual(t, h1.Sender.Stats().Get(stats.MsgSent, "h2"), int64(1))
	assert.GreaterOrEqual(t, h2.Receiver.Stats().Get(stats.MsgRcvd, "h1"), int64(1))
}

func TestPipeline_ManyItemsMixedChannels(t *testing.T) {
	root := testutil.SocketRoot(t)
	set := testutil.RemoteSet(root, "h1", "h2", testutil.FreePort(t), "r1", "r2")
	set.Local = testutil.LocalSet(root, "h1", "l1").Local
	reg := metric.NewMetricsRegistry()

	p := startPipeline(t, set, netFactory(), harness.PipelineConfig{
		Workers: 3,
		Writer:  endpoint.WriterConfig{BufferSize: 256, MaxBuffersPerChannel: 4},
		Reader:  endpoint.ReaderConfig{OutputQueueSize: 8, AckBatchSize: 2},
	}, harness.WithMetrics(reg))

	items := harness.Items{}
	for _, ch := range []string{"r1", "r2", "l1"} {
		for i := 0; i < 200; i++ {
			items[ch] = append(items[ch], map[string]any{"ch": ch, "seq": i, "pad": fmt.Sprintf("%032d", i)})
		}
	}

	ctx := context.Background()
	fed := make(chan error, 1)
	go func() { fed <- harness.Feed(ctx, p.Writer, items, harness.FeedOptions{}) }()

	msgs, err := harness.Collect(ctx, p.Reader, items.Count(),
		harness.CollectOptions{Linger: 100 * time.Millisecond})
	require.NoError(t, <-fed)
	require.NoError(t, err)
	require.NoError(t, harness.CheckOrder(msgs, items))
	assert.True(t, p.Loop.Health().IsHealthy())
	assert.Len(t, p.Relays(), 2)
}

func TestPipeline_OversizedItemDoesNotJamChannel(t *testing.T) {
	set := testutil.LocalSet(testutil.SocketRoot(t), "n1", "a")
	factory := socket.NewFactory(socket.Options{MaxFrameSize: 1024})
	p := startPipeline(t, set, factory, harness.PipelineConfig{
		Writer: endpoint.WriterConfig{BufferSize: 512, MaxFrameSize: 1024},
	})

	ok, err := p.Writer.TryWrite("a", strings.Repeat("z", 4000))
	require.Error(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, err, errors.ErrFrameTooLarge)

	items := harness.Items{"a": {"small"}}
	require.NoError(t, harness.Feed(context.Background(), p.Writer, items, harness.FeedOptions{}))
	msgs, err := harness.Collect(context.Background(), p.Reader, 1,
		harness.CollectOptions{Timeout: 5 * time.Second, Linger: 50 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, harness.CheckOrder(msgs, items))
	assert.Eventually(t, func() bool { return p.Writer.Pending("a") == 0 },
		2*time.Second, 10*time.Millisecond)
}
