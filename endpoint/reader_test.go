package endpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamnet/channel"
	"github.com/c360/streamnet/frame"
	"github.com/c360/streamnet/ioloop"
	"github.com/c360/streamnet/socket"
	"github.com/c360/streamnet/stats"
	"github.com/c360/streamnet/testutil"
)

func newTestReader(t *testing.T, cfg ReaderConfig, ids ...string) (*Reader, *testutil.MockFactory) {
	t.Helper()
	f := testutil.NewMockFactory()
	r, err := NewReader("reader", localChannels(ids...), cfg)
	require.NoError(t, err)
	_, err = r.CreateSockets(socket.NewRegistry(f))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Close() })
	return r, f
}

func readerSocket(t *testing.T, f *testutil.MockFactory, id string) *testutil.MockSocket {
	t.Helper()
	s, ok := f.Socket(socket.OwnerReaderLocal, channel.IPCAddr(root, "job", "n1", id))
	require.True(t, ok)
	return s
}

func data(t *testing.T, ch string, bufferID uint64, items ...string) []byte {
	t.Helper()
	b, err := frame.NewBuilder(ch, bufferID, 0)
	require.NoError(t, err)
	for i, item := range items {
		require.True(t, b.TryAppend(bufferID*100+uint64(i), []byte(`"`+item+`"`)))
	}
	return b.Bytes()
}

func values(msgs []Message) []any {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Value)
	}
	return out
}

func sentAcks(t *testing.T, s *testutil.MockSocket) []uint64 {
	t.Helper()
	var ids []uint64
	for _, b := range s.TakeSent() {
		_, got, err := frame.DecodeAck(b)
		require.NoError(t, err)
		ids = append(ids, got...)
	}
	return ids
}

func TestReader_Role(t *testing.T) {
	r, f := newTestReader(t, ReaderConfig{}, "a")
	assert.Equal(t, ioloop.RoleDataReader, r.Role())
	assert.Equal(t, socket.Connect, readerSocket(t, f, "a").Metadata().Mode)

	msgs, err := r.Read()
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestReader_ReordersByBufferID(t *testing.T) {
	r, f := newTestReader(t, ReaderConfig{}, "a")
	s := readerSocket(t, f, "a")

	s.Deliver(data(t, "a", 1, "x3"))
	require.True(t, r.Rcv(s))
	msgs, err := r.Read()
	require.NoError(t, err)
	assert.Empty(t, msgs, "buffer 1 waits for buffer 0")

	s.Deliver(data(t, "a", 0, "x1", "x2"))
	require.True(t, r.Rcv(s))
	msgs, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, []any{"x1", "x2", "x3"}, values(msgs))
	assert.Equal(t, "a", msgs[0].ChannelID)
	assert.Equal(t, int64(3), r.Stats().Get(stats.RecordRcvd, "a"))
	assert.Equal(t, int64(3), r.Stats().Get(stats.RecordDelivered, "a"))
	assert.Equal(t, int64(2), r.Stats().Get(stats.BufferDelivered, "a"))

	require.True(t, r.Send(s))
	assert.Equal(t, []uint64{0, 1}, sentAcks(t, s))
}

func TestReader_DuplicateIsReackedAndDropped(t *testing.T) {
	r, f := newTestReader(t, ReaderConfig{}, "a")
	s := readerSocket(t, f, "a")

	s.Deliver(data(t, "a", 0, "x1"))
	s.Deliver(data(t, "a", 0, "x1"))
	require.True(t, r.Rcv(s))
	require.True(t, r.Rcv(s))

	msgs, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, []any{"x1"}, values(msgs))

	require.True(t, r.Send(s))
	assert.Equal(t, []uint64{0, 0}, sentAcks(t, s))
	assert.Equal(t, int64(2), r.Stats().Get(stats.AckSent, "a"))
	assert.Equal(t, int64(2), r.Stats().Get(stats.MsgRcvd, "a"))
	assert.Equal(t, int64(1), r.Stats().Get(stats.RecordDelivered, "a"), "duplicate is not delivered")
}

func TestReader_FullOutputQueuePausesReceipt(t *testing.T) {
	r, f := newTestReader(t, ReaderConfig{OutputQueueSize: 1}, "a")
	s := readerSocket(t, f, "a")

	s.Deliver(data(t, "a", 0, "x1"))
	s.Deliver(data(t, "a", 1, "x2"))
	require.True(t, r.Rcv(s))
	assert.False(t, r.Rcv(s), "output queue is full")
	assert.Equal(t, 1, r.Buffered())

	msgs, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, []any{"x1"}, values(msgs))

	require.True(t, r.Rcv(s))
	msgs, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, []any{"x2"}, values(msgs))
}

func TestReader_AckBatching(t *testing.T) {
	r, f := newTestReader(t, ReaderConfig{AckBatchSize: 2}, "a")
	s := readerSocket(t, f, "a")

	s.Deliver(data(t, "a", 0, "x1"))
	s.Deliver(data(t, "a", 1, "x2"))
	require.True(t, r.Rcv(s))
	assert.False(t, r.Send(s), "batch not full and more data waiting")

	require.True(t, r.Rcv(s))
	require.True(t, r.Send(s))
	assert.Equal(t, []uint64{0, 1}, sentAcks(t, s))

	s.Deliver(data(t, "a", 2, "x3"))
	require.True(t, r.Rcv(s))
	require.True(t, r.Send(s), "idle socket flushes a partial batch")
	assert.Equal(t, []uint64{2}, sentAcks(t, s))
}

func TestReader_MultipleChannelsInterleave(t *testing.T) {
	r, f := newTestReader(t, ReaderConfig{}, "a", "b")
	sa, sb := readerSocket(t, f, "a"), readerSocket(t, f, "b")

	sa.Deliver(data(t, "a", 0, "x1"))
	sb.Deliver(data(t, "b", 0, "y1"))
	sa.Deliver(data(t, "a", 1, "x2"))
	require.True(t, r.Rcv(sa))
	require.True(t, r.Rcv(sb))
	require.True(t, r.Rcv(sa))

	msgs, err := r.Read()
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	var onA []any
	for _, m := range msgs {
		if m.ChannelID == "a" {
			onA = append(onA, m.Value)
		}
	}
	assert.Equal(t, []any{"x1", "x2"}, onA)
}

func TestReader_DropsForeignFrame(t *testing.T) {
	r, f := newTestReader(t, ReaderConfig{}, "a")
	s := readerSocket(t, f, "a")

	s.Deliver(data(t, "b", 0, "y1"))
	assert.True(t, r.Rcv(s))
	assert.Equal(t, 0, r.Buffered())
}

func TestMessage_Decode(t *testing.T) {
	m := Message{Raw: []byte(`{"id":7}`)}
	var v struct {
		ID int `json:"id"`
	}
	require.NoError(t, m.Decode(&v))
	assert.Equal(t, 7, v.ID)
}
