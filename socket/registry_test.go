package socket_test

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamnet/errors"
	"github.com/c360/streamnet/socket"
	"github.com/c360/streamnet/testutil"
)

func meta(owner socket.Owner, mode socket.Mode, ch, addr string) socket.Metadata {
	return socket.Metadata{Owner: owner, Mode: mode, ChannelID: ch, Addr: addr}
}

func TestRegistry_DuplicateMetadataIsFatal(t *testing.T) {
	f := testutil.NewMockFactory()
	reg := socket.NewRegistry(f)

	m := meta(socket.OwnerWriterLocal, socket.Bind, "a", "ipc:///tmp/x/a")
	_, err := reg.OpenChannel("w1", m)
	require.NoError(t, err)

	_, err = reg.OpenChannel("w2", m)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.True(t, stderrors.Is(err, errors.ErrDuplicateSocket))

	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 1, f.Created(), "no socket is created for a rejected registration")
	_, ok := reg.ChannelSocket("w2", "a")
	assert.False(t, ok)
}

func TestRegistry_SameAddressDifferentOwner(t *testing.T) {
	reg := socket.NewRegistry(testutil.NewMockFactory())

	_, err := reg.OpenChannel("writer", meta(socket.OwnerWriterLocal, socket.Bind, "a", "ipc:///tmp/x/a"))
	require.NoError(t, err)
	_, err = reg.OpenChannel("relay", meta(socket.OwnerRelayLocal, socket.Connect, "a", "ipc:///tmp/x/a"))
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())
}

func TestRegistry_ChannelIndex(t *testing.T) {
	reg := socket.NewRegistry(testutil.NewMockFactory())

	s, err := reg.OpenChannel("reader", meta(socket.OwnerReaderLocal, socket.Connect, "b", "ipc:///tmp/x/b"))
	require.NoError(t, err)

	got, ok := reg.ChannelSocket("reader", "b")
	require.True(t, ok)
	assert.Equal(t, s.ID(), got.ID())

	ch, ok := reg.ChannelOf(s.ID())
	require.True(t, ok)
	assert.Equal(t, "b", ch)

	_, ok = reg.PeerOf(s.ID())
	assert.False(t, ok)
}

func TestRegistry_PeerSocketIsShared(t *testing.T) {
	reg := socket.NewRegistry(testutil.NewMockFactory())

	first, created, err := reg.OpenPeer("sender", "h2",
		meta(socket.OwnerRelayRemote, socket.Connect, "a", "tcp://10.0.0.2:5000"))
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := reg.OpenPeer("sender", "h2",
		meta(socket.OwnerRelayRemote, socket.Connect, "b", "tcp://10.0.0.2:5000"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID(), again.ID())

	other, created, err := reg.OpenPeer("sender", "h3",
		meta(socket.OwnerRelayRemote, socket.Connect, "c", "tcp://10.0.0.3:5000"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID(), other.ID())

	peer, ok := reg.PeerOf(other.ID())
	require.True(t, ok)
	assert.Equal(t, "h3", peer)
	assert.Len(t, reg.Sockets("sender"), 2)
}

func TestRegistry_CloseReleasesMetadata(t *testing.T) {
	reg := socket.NewRegistry(testutil.NewMockFactory())
	m := meta(socket.OwnerWriterLocal, socket.Bind, "a", "ipc:///tmp/x/a")

	s, err := reg.OpenChannel("w", m)
	require.NoError(t, err)
	require.NoError(t, reg.Close(s.ID()))
	assert.True(t, s.(*testutil.MockSocket).Closed())

	_, ok := reg.Get(s.ID())
	assert.False(t, ok)
	_, err = reg.OpenChannel("w", m)
	assert.NoError(t, err)

	err = reg.Close(s.ID())
	assert.True(t, errors.IsInvalid(err))
}

func TestRegistry_CloseScope(t *testing.T) {
	reg := socket.NewRegistry(testutil.NewMockFactory())

	_, err := reg.OpenChannel("relay", meta(socket.OwnerRelayLocal, socket.Connect, "a", "ipc:///tmp/x/a"))
	require.NoError(t, err)
	_, _, err = reg.OpenPeer("relay", "h2", meta(socket.OwnerRelayRemote, socket.Connect, "a", "tcp://h2:1"))
	require.NoError(t, err)
	_, err = reg.OpenChannel("writer", meta(socket.OwnerWriterLocal, socket.Bind, "a", "ipc:///tmp/x/a"))
	require.NoError(t, err)

	require.NoError(t, reg.CloseScope("relay"))
	assert.Empty(t, reg.Sockets("relay"))
	assert.Len(t, reg.Sockets(""), 1)
	_, ok := reg.PeerSocket("relay", "h2")
	assert.False(t, ok)
}
