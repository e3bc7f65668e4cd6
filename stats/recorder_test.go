package stats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamnet/metric"
)

func TestRecorder_IncAndGet(t *testing.T) {
	r := NewRecorder("sender")

	r.Inc(MsgRcvd, "a")
	r.Inc(MsgRcvd, "a")
	r.Inc(MsgRcvd, "b")
	r.Inc(MsgSent, "h2")

	assert.Equal(t, int64(2), r.Get(MsgRcvd, "a"))
	assert.Equal(t, int64(1), r.Get(MsgRcvd, "b"))
	assert.Equal(t, int64(1), r.Get(MsgSent, "h2"))
	assert.Equal(t, int64(0), r.Get(AckRcvd, "h2"))
	assert.Equal(t, int64(3), r.Total(MsgRcvd))
	assert.Equal(t, []string{"a", "b"}, r.Keys(MsgRcvd))

	r.Add(AckSent, "a", 3)
	r.Add(AckSent, "a", -1)
	assert.Equal(t, int64(3), r.Get(AckSent, "a"))
}

func TestRecorder_SnapshotIsCopy(t *testing.T) {
	r := NewRecorder("receiver")
	r.Inc(AckSent, "h1")

	snap := r.Snapshot()
	require.Contains(t, snap, AckSent)
	snap[AckSent]["h1"] = 99

	assert.Equal(t, int64(1), r.Get(AckSent, "h1"))
	assert.NotContains(t, snap, MsgSent)
}

func TestRecorder_ConcurrentInc(t *testing.T) {
	r := NewRecorder("sender")
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				r.Inc(MsgSent, "h2")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(8000), r.Get(MsgSent, "h2"))
}

func TestRecorder_Metrics(t *testing.T) {
	m := metric.NewMetrics()
	r := NewRecorder("sender", WithMetrics(m))

	r.Inc(MsgSent, "h2")
	r.Inc(MsgSent, "h2")

	got := testutil.ToFloat64(m.TransferEvents.WithLabelValues("sender", "msg_sent", "h2"))
	assert.Equal(t, 2.0, got)

	r.Add(RecordSent, "a", 5)
	got = testutil.ToFloat64(m.TransferEvents.WithLabelValues("sender", "record_sent", "a"))
	assert.Equal(t, 5.0, got)
}

func TestRecorder_StartClose(t *testing.T) {
	r := NewRecorder("sender", WithLogInterval(5*time.Millisecond))
	r.Start(context.Background())
	r.Start(context.Background())
	r.Inc(AckRcvd, "h2")
	time.Sleep(20 * time.Millisecond)
	r.Close()
	r.Close()

	assert.Equal(t, int64(1), r.Get(AckRcvd, "h2"))
}

func TestEvent_String(t *testing.T) {
	assert.Equal(t, "msg_sent", MsgSent.String())
	assert.Equal(t, "ack_rcvd", AckRcvd.String())
	assert.Equal(t, "buffer_resent", BufferResent.String())
	assert.Equal(t, "buffer_dropped", BufferDropped.String())
	assert.Equal(t, "record_delivered", RecordDelivered.String())
	assert.Equal(t, "event(99)", Event(99).String())

	seen := make(map[string]bool, len(Events))
	for _, e := range Events {
		assert.NotContains(t, e.String(), "event(")
		seen[e.String()] = true
	}
	assert.Len(t, seen, len(Events))
}
