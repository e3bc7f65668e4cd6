package harness_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/c360/streamnet/endpoint"
	"github.com/c360/streamnet/errors"
	"github.com/c360/streamnet/harness"
)

// stubWriter accepts every other write per channel.
type stubWriter struct {
	mu       sync.Mutex
	calls    map[string]int
	accepted []string
	items    map[string][]any
	full     bool
	err      error
}

func newStubWriter() *stubWriter {
	return &stubWriter{calls: make(map[string]int), items: make(map[string][]any)}
}

func (w *stubWriter) TryWrite(ch string, item any) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return false, w.err
	}
	w.calls[ch]++
	if w.full || w.calls[ch]%2 == 1 {
		return false, nil
	}
	w.accepted = append(w.accepted, ch)
	w.items[ch] = append(w.items[ch], item)
	return true, nil
}

// stubReader hands out queued batches one per Read.
type stubReader struct {
	mu      sync.Mutex
	batches [][]endpoint.Message
}

func (r *stubReader) push(msgs ...endpoint.Message) {
	r.mu.Lock()
	r.batches = append(r.batches, msgs)
	r.mu.Unlock()
}

func (r *stubReader) Read() ([]endpoint.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.batches) == 0 {
		return nil, nil
	}
	b := r.batches[0]
	r.batches = r.batches[1:]
	return b, nil
}

func msg(ch string, v any) endpoint.Message {
	return endpoint.Message{ChannelID: ch, Value: v, Raw: []byte(`"` + ch + `"`)}
}

func TestFeed_RoundRobinWithRetries(t *testing.T) {
	w := newStubWriter()
	items := harness.Items{"a": {"x1", "x2"}, "b": {"y1"}}

	require.NoError(t, harness.Feed(context.Background(), w, items, harness.FeedOptions{}))

	assert.Equal(t, []any{"x1", "x2"}, w.items["a"])
	assert.Equal(t, []any{"y1"}, w.items["b"])
	// Both channels get their first item before a gets its second.
	assert.Equal(t, []string{"a", "b", "a"}, w.accepted)
}

func TestFeed_TimesOutWhenWriterStaysFull(t *testing.T) {
	w := newStubWriter()
	w.full = true

	err := harness.Feed(context.Background(), w, harness.Items{"a": {1}},
		harness.FeedOptions{Timeout: 30 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrDeliveryTimeout))
	assert.True(t, errors.IsFatal(err))
}

func TestFeed_StopsOnWriterError(t *testing.T) {
	w := newStubWriter()
	w.err = errors.ErrQueueClosed

	err := harness.Feed(context.Background(), w, harness.Items{"a": {1}}, harness.FeedOptions{})
	assert.True(t, stderrors.Is(err, errors.ErrQueueClosed))
}

func TestFeed_Paced(t *testing.T) {
	w := newStubWriter()
	items := harness.Items{"a": {1, 2, 3, 4}}
	lim := rate.NewLimiter(rate.Every(10*time.Millisecond), 1)

	start := time.Now()
	require.NoError(t, harness.Feed(context.Background(), w, items, harness.FeedOptions{Limiter: lim}))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	assert.Len(t, w.items["a"], 4)
}

func TestCollect(t *testing.T) {
	t.Run("gathers across reads", func(t *testing.T) {
		r := &stubReader{}
		r.push(msg("a", "x1"))
		r.push(msg("a", "x2"), msg("b", "y1"))

		got, err := harness.Collect(context.Background(), r, 3, harness.CollectOptions{})
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("times out short", func(t *testing.T) {
		r := &stubReader{}
		r.push(msg("a", "x1"))

		got, err := harness.Collect(context.Background(), r, 2, harness.CollectOptions{Timeout: 20 * time.Millisecond})
		require.Error(t, err)
		assert.True(t, stderrors.Is(err, errors.ErrDeliveryTimeout))
		assert.Len(t, got, 1)
	})

	t.Run("linger catches extras", func(t *testing.T) {
		r := &stubReader{}
		r.push(msg("a", "x1"))
		r.push(msg("a", "x1"))

		_, err := harness.Collect(context.Background(), r, 1, harness.CollectOptions{Linger: 30 * time.Millisecond})
		require.Error(t, err)
		assert.True(t, errors.IsInvalid(err))
	})
}

func TestCheckOrder(t *testing.T) {
	expected := harness.Items{
		"a": {"x1", "x2"},
		"b": {map[string]any{"id": 1, "value": "foo"}},
	}
	record := map[string]any{"id": float64(1), "value": "foo"}

	tests := []struct {
		name    string
		msgs    []endpoint.Message
		wantErr bool
	}{
		{
			name: "interleaved but ordered per channel",
			msgs: []endpoint.Message{msg("a", "x1"), msg("b", record), msg("a", "x2")},
		},
		{
			name:    "reordered within channel",
			msgs:    []endpoint.Message{msg("a", "x2"), msg("a", "x1"), msg("b", record)},
			wantErr: true,
		},
		{
			name:    "missing item",
			msgs:    []endpoint.Message{msg("a", "x1"), msg("b", record)},
			wantErr: true,
		},
		{
			name:    "duplicate item",
			msgs:    []endpoint.Message{msg("a", "x1"), msg("a", "x1"), msg("a", "x2"), msg("b", record)},
			wantErr: true,
		},
		{
			name:    "unknown channel",
			msgs:    []endpoint.Message{msg("a", "x1"), msg("a", "x2"), msg("b", record), msg("c", "z")},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := harness.CheckOrder(tt.msgs, expected)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestItems(t *testing.T) {
	items := harness.Items{"b": {1}, "a": {1, 2}}
	assert.Equal(t, 3, items.Count())
	assert.Equal(t, []string{"a", "b"}, items.Channels())
}
