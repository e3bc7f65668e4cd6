package transfer

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamnet/channel"
	"github.com/c360/streamnet/errors"
	"github.com/c360/streamnet/frame"
	"github.com/c360/streamnet/ioloop"
	"github.com/c360/streamnet/pkg/queue"
	"github.com/c360/streamnet/socket"
	"github.com/c360/streamnet/stats"
	"github.com/c360/streamnet/testutil"
)

const root = "/tmp/streamnet-test"

func dataFrame(t *testing.T, ch string, bufferID uint64, payload string) []byte {
	t.Helper()
	b, err := frame.NewBuilder(ch, bufferID, 0)
	require.NoError(t, err)
	require.True(t, b.TryAppend(bufferID, []byte(payload)))
	return b.Bytes()
}

func ackFrame(t *testing.T, ch string, ids ...uint64) []byte {
	t.Helper()
	b, err := frame.EncodeAck(ch, ids)
	require.NoError(t, err)
	return b
}

type relayFixture struct {
	relay   *Relay
	factory *testutil.MockFactory
	reg     *socket.Registry
}

func newFixture(t *testing.T, dir Direction, cfg Config, channels ...channel.Remote) *relayFixture {
	t.Helper()
	f := testutil.NewMockFactory()
	reg := socket.NewRegistry(f)
	r, err := NewRelay(dir.String(), dir, channels, cfg)
	require.NoError(t, err)
	_, err = r.CreateSockets(reg)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Close() })
	return &relayFixture{relay: r, factory: f, reg: reg}
}

func (fx *relayFixture) local(t *testing.T, ch channel.Remote) *testutil.MockSocket {
	t.Helper()
	addr := ch.SourceLocalIPCAddr
	if fx.relay.Direction() == Receiver {
		addr = ch.TargetLocalIPCAddr
	}
	s, ok := fx.factory.Socket(socket.OwnerRelayLocal, addr)
	require.True(t, ok)
	return s
}

func (fx *relayFixture) remote(t *testing.T, ch channel.Remote) *testutil.MockSocket {
	t.Helper()
	addr := ch.ConnectAddr(channel.SchemeTCP)
	if fx.relay.Direction() == Receiver {
		addr = ch.BindAddr(channel.SchemeTCP)
	}
	s, ok := fx.factory.Socket(socket.OwnerRelayRemote, addr)
	require.True(t, ok)
	return s
}

func remote(id, src, dst string, port int) channel.Remote {
	return channel.NewRemote(root, "job", id, src, dst, "10.0.0."+dst[1:], port)
}

func TestRelay_SenderForwardsDataAndAcks(t *testing.T) {
	a := remote("a", "h1", "h2", 5000)
	fx := newFixture(t, Sender, Config{}, a)
	local, net := fx.local(t, a), fx.remote(t, a)

	assert.Equal(t, ioloop.RoleTransferSender, fx.relay.Role())

	data := dataFrame(t, "a", 1, "x1")
	local.Deliver(data)
	assert.True(t, fx.relay.Rcv(local))
	assert.Equal(t, 1, fx.relay.PeerQueueLen("h2"))
	assert.True(t, fx.relay.Send(net))
	assert.Equal(t, [][]byte{data}, net.TakeSent())

	ack := ackFrame(t, "a", 1)
	net.Deliver(ack)
	assert.True(t, fx.relay.Rcv(net))
	assert.Equal(t, 1, fx.relay.QueueLen("a"))
	assert.True(t, fx.relay.Send(local))
	assert.Equal(t, [][]byte{ack}, local.TakeSent())

	st := fx.relay.Stats()
	assert.Equal(t, int64(1), st.Get(stats.MsgRcvd, "a"))
	assert.Equal(t, int64(1), st.Get(stats.MsgSent, "h2"))
	assert.Equal(t, int64(1), st.Get(stats.AckRcvd, "h2"))
	assert.Equal(t, int64(1), st.Get(stats.AckSent, "a"))
}

func TestRelay_ReceiverStatsMirrored(t *testing.T) {
	a := remote("a", "h1", "h2", 5000)
	fx := newFixture(t, Receiver, Config{}, a)
	local, net := fx.local(t, a), fx.remote(t, a)

	assert.Equal(t, socket.Bind, net.Metadata().Mode)
	assert.Equal(t, "tcp://0.0.0.0:5000", net.Metadata().Addr)

	net.Deliver(dataFrame(t, "a", 1, "x1"))
	require.True(t, fx.relay.Rcv(net))
	require.True(t, fx.relay.Send(local))

	local.Deliver(ackFrame(t, "a", 1))
	require.True(t, fx.relay.Rcv(local))
	require.True(t, fx.relay.Send(net))

	st := fx.relay.Stats()
	assert.Equal(t, int64(1), st.Get(stats.MsgRcvd, "h1"))
	assert.Equal(t, int64(1), st.Get(stats.MsgSent, "a"))
	assert.Equal(t, int64(1), st.Get(stats.AckRcvd, "a"))
	assert.Equal(t, int64(1), st.Get(stats.AckSent, "h1"))
}

func TestRelay_WouldBlockRequeuesAtHead(t *testing.T) {
	a := remote("a", "h1", "h2", 5000)
	fx := newFixture(t, Sender, Config{}, a)
	local, net := fx.local(t, a), fx.remote(t, a)

	first, second := dataFrame(t, "a", 1, "x1"), dataFrame(t, "a", 2, "x2")
	local.Deliver(first)
	local.Deliver(second)
	require.True(t, fx.relay.Rcv(local))
	require.True(t, fx.relay.Rcv(local))

	net.FailNextSends(1)
	assert.False(t, fx.relay.Send(net))
	assert.Equal(t, 2, fx.relay.PeerQueueLen("h2"))
	assert.Equal(t, int64(0), fx.relay.Stats().Get(stats.MsgSent, "h2"))

	assert.True(t, fx.relay.Send(net))
	assert.True(t, fx.relay.Send(net))
	assert.False(t, fx.relay.Send(net), "empty queue is a no-op")

	assert.Equal(t, [][]byte{first, second}, net.Sent(), "retried frame keeps its bytes and position")
	assert.Equal(t, 3, net.SendAttempts())
	assert.Equal(t, int64(2), fx.relay.Stats().Get(stats.MsgSent, "h2"))
}

func TestRelay_NothingToReceive(t *testing.T) {
	a := remote("a", "h1", "h2", 5000)
	fx := newFixture(t, Sender, Config{}, a)
	assert.False(t, fx.relay.Rcv(fx.local(t, a)))
	assert.False(t, fx.relay.Rcv(fx.remote(t, a)))
}

func TestRelay_MultiplexesPerPeer(t *testing.T) {
	t.Run("channels to one peer share a socket", func(t *testing.T) {
		fx := newFixture(t, Sender, Config{},
			remote("a", "h1", "h2", 5000),
			remote("b", "h1", "h2", 5000),
			remote("c", "h1", "h2", 5000))
		assert.Equal(t, 1, fx.relay.Peers())
		assert.Equal(t, 1, countOwner(fx.reg, socket.OwnerRelayRemote))
		assert.Equal(t, 3, countOwner(fx.reg, socket.OwnerRelayLocal))
	})
	t.Run("distinct peers get distinct sockets", func(t *testing.T) {
		fx := newFixture(t, Sender, Config{},
			remote("a", "h1", "h2", 5000),
			remote("b", "h1", "h3", 5001),
			remote("c", "h1", "h4", 5002))
		assert.Equal(t, 3, fx.relay.Peers())
		assert.Equal(t, 3, countOwner(fx.reg, socket.OwnerRelayRemote))
	})
}

func countOwner(reg *socket.Registry, owner socket.Owner) int {
	n := 0
	for _, s := range reg.Sockets("") {
		if s.Metadata().Owner == owner {
			n++
		}
	}
	return n
}

func TestRelay_InterleavedChannelsKeepPerChannelOrder(t *testing.T) {
	a, b := remote("a", "h1", "h2", 5000), remote("b", "h1", "h2", 5000)
	fx := newFixture(t, Receiver, Config{}, a, b)
	net := fx.remote(t, a)

	for i, ch := range []string{"a", "b", "a", "b", "a"} {
		net.Deliver(dataFrame(t, ch, uint64(i), ch))
		require.True(t, fx.relay.Rcv(net))
	}
	for fx.relay.Send(fx.local(t, a)) {
	}
	for fx.relay.Send(fx.local(t, b)) {
	}

	ids := func(frames [][]byte) []uint64 {
		var out []uint64
		for _, f := range frames {
			d, err := frame.DecodeData(f)
			require.NoError(t, err)
			out = append(out, d.BufferID)
		}
		return out
	}
	assert.Equal(t, []uint64{0, 2, 4}, ids(fx.local(t, a).Sent()))
	assert.Equal(t, []uint64{1, 3}, ids(fx.local(t, b).Sent()))
}

func TestRelay_BlockPolicyParksFrame(t *testing.T) {
	a := remote("a", "h1", "h2", 5000)
	fx := newFixture(t, Sender, Config{QueueCapacity: 1}, a)
	local, net := fx.local(t, a), fx.remote(t, a)

	frames := [][]byte{dataFrame(t, "a", 1, "x1"), dataFrame(t, "a", 2, "x2"), dataFrame(t, "a", 3, "x3")}
	for _, f := range frames {
		local.Deliver(f)
	}

	require.True(t, fx.relay.Rcv(local))
	require.True(t, fx.relay.Rcv(local), "second frame is received and parked")
	assert.False(t, fx.relay.Rcv(local), "socket is not read while a frame is parked")
	assert.Equal(t, 1, fx.relay.PeerQueueLen("h2"))

	for i := 0; i < 10; i++ {
		fx.relay.Send(net)
		fx.relay.Rcv(local)
	}
	assert.Equal(t, frames, net.Sent())
}

func TestRelay_DropPolicyDiscardsNewest(t *testing.T) {
	a := remote("a", "h1", "h2", 5000)
	fx := newFixture(t, Sender, Config{QueueCapacity: 1, Overflow: queue.DropNewest}, a)
	local, net := fx.local(t, a), fx.remote(t, a)

	first := dataFrame(t, "a", 1, "x1")
	local.Deliver(first)
	local.Deliver(dataFrame(t, "a", 2, "x2"))
	require.True(t, fx.relay.Rcv(local))
	require.True(t, fx.relay.Rcv(local))

	for fx.relay.Send(net) {
	}
	assert.Equal(t, [][]byte{first}, net.Sent())
	assert.Equal(t, int64(1), fx.relay.Stats().Get(stats.BufferDropped, "a"))
	assert.Equal(t, int64(2), fx.relay.Stats().Get(stats.MsgRcvd, "a"))
}

func TestRelay_DropOldestCountsEvicted(t *testing.T) {
	a := remote("a", "h1", "h2", 5000)
	b := remote("b", "h1", "h2", 5000)
	fx := newFixture(t, Sender, Config{QueueCapacity: 1, Overflow: queue.DropOldest}, a, b)
	la, lb, net := fx.local(t, a), fx.local(t, b), fx.remote(t, a)

	la.Deliver(dataFrame(t, "a", 1, "x1"))
	newest := dataFrame(t, "b", 1, "y1")
	lb.Deliver(newest)
	require.True(t, fx.relay.Rcv(la))
	require.True(t, fx.relay.Rcv(lb))

	for fx.relay.Send(net) {
	}
	assert.Equal(t, [][]byte{newest}, net.Sent())
	assert.Equal(t, int64(1), fx.relay.Stats().Get(stats.BufferDropped, "a"))
	assert.Zero(t, fx.relay.Stats().Get(stats.BufferDropped, "b"))
}

func TestRelay_DropsUnknownChannel(t *testing.T) {
	a := remote("a", "h1", "h2", 5000)
	fx := newFixture(t, Receiver, Config{}, a)
	net := fx.remote(t, a)

	net.Deliver(dataFrame(t, "zz", 1, "?"))
	net.Deliver([]byte("short"))
	assert.True(t, fx.relay.Rcv(net))
	assert.True(t, fx.relay.Rcv(net))
	assert.Equal(t, 0, fx.relay.QueueLen("a"))
	assert.Equal(t, int64(0), fx.relay.Stats().Total(stats.MsgRcvd))
}

func TestRelay_DuplicateRegistrationLeavesNoState(t *testing.T) {
	a := remote("a", "h1", "h2", 5000)
	reg := socket.NewRegistry(testutil.NewMockFactory())

	first, err := NewRelay("first", Sender, []channel.Remote{a}, Config{})
	require.NoError(t, err)
	_, err = first.CreateSockets(reg)
	require.NoError(t, err)

	second, err := NewRelay("second", Sender, []channel.Remote{remote("b", "h1", "h3", 5001), a}, Config{})
	require.NoError(t, err)
	_, err = second.CreateSockets(reg)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.True(t, stderrors.Is(err, errors.ErrDuplicateSocket))

	assert.Empty(t, reg.Sockets("second"))
	assert.Len(t, reg.Sockets("first"), 2)
}

func TestNewRelay_Validation(t *testing.T) {
	tests := []struct {
		name     string
		dir      Direction
		channels []channel.Remote
		sentinel error
	}{
		{"duplicate channel", Sender,
			[]channel.Remote{remote("a", "h1", "h2", 5000), remote("a", "h1", "h3", 5001)},
			errors.ErrDuplicateChannel},
		{"sender with foreign source", Sender,
			[]channel.Remote{remote("a", "h1", "h2", 5000), remote("b", "h3", "h2", 5000)},
			errors.ErrMismatchedChannel},
		{"receiver with foreign target", Receiver,
			[]channel.Remote{remote("a", "h1", "h2", 5000), remote("b", "h1", "h3", 5000)},
			errors.ErrMismatchedChannel},
		{"peer on two ports", Sender,
			[]channel.Remote{remote("a", "h1", "h2", 5000), remote("b", "h1", "h2", 5001)},
			errors.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRelay("r", tt.dir, tt.channels, Config{})
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, tt.sentinel), err.Error())
		})
	}
}

func TestRelay_Health(t *testing.T) {
	a := remote("a", "h1", "h2", 5000)
	fx := newFixture(t, Sender, Config{}, a)
	assert.True(t, fx.relay.Health().IsHealthy())

	fx.remote(t, a).SetConnected(false)
	assert.True(t, fx.relay.Health().IsDegraded())

	require.NoError(t, fx.relay.Close())
	assert.True(t, fx.relay.Health().IsUnhealthy())
	assert.True(t, fx.remote(t, a).Closed())
	assert.True(t, fx.local(t, a).Closed())
}
