// Package harness drives writer/reader pairs for verification and
// benchmarking: it feeds a bounded set of items per channel in round-robin
// order and waits for exact-count, per-channel-ordered receipt.
package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/streamnet/endpoint"
	"github.com/c360/streamnet/errors"
)

const (
	DefaultTimeout       = 10 * time.Second
	DefaultRetryInterval = time.Millisecond
)

// ItemWriter accepts items for a channel without blocking.
type ItemWriter interface {
	TryWrite(channelID string, item any) (bool, error)
}

// MessageReader returns whatever messages are ready.
type MessageReader interface {
	Read() ([]endpoint.Message, error)
}

// Items lists the items to send on each channel, in order.
type Items map[string][]any

// Count returns the number of items across all channels.
func (it Items) Count() int {
	n := 0
	for _, items := range it {
		n += len(items)
	}
	return n
}

// Channels returns the channel ids in sorted order.
func (it Items) Channels() []string {
	ids := make([]string, 0, len(it))
	for id := range it {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FeedOptions bounds and paces Feed.
type FeedOptions struct {
	// Timeout bounds the whole feed. Zero means DefaultTimeout.
	Timeout time.Duration
	// RetryInterval is the pause after a round in which no write was
	// accepted. Zero means DefaultRetryInterval.
	RetryInterval time.Duration
	// Limiter paces accepted writes when set.
	Limiter *rate.Limiter
}

// Feed writes items one per channel per round, in sorted channel order, until
// every item has been accepted. A full writer is retried until the timeout.
func Feed(ctx context.Context, w ItemWriter, items Items, opts FeedOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	channels := items.Channels()
	next := make(map[string]int, len(channels))
	remaining := items.Count()
	paced := make(map[string]bool, len(channels))

	for remaining > 0 {
		progress := false
		for _, ch := range channels {
			i := next[ch]
			if i >= len(items[ch]) {
				continue
			}
			if opts.Limiter != nil && !paced[ch] {
				if err := opts.Limiter.Wait(ctx); err != nil {
					return feedTimeout(items.Count()-remaining, items.Count(), err)
				}
				paced[ch] = true
			}
			ok, err := w.TryWrite(ch, items[ch][i])
			if err != nil {
				return errors.Wrap(err, "harness", "Feed", fmt.Sprintf("write item %d on %s", i, ch))
			}
			if !ok {
				continue
			}
			next[ch] = i + 1
			paced[ch] = false
			remaining--
			progress = true
		}
		if progress {
			continue
		}
		select {
		case <-ctx.Done():
			return feedTimeout(items.Count()-remaining, items.Count(), ctx.Err())
		case <-time.After(interval):
		}
	}
	return nil
}

func feedTimeout(done, total int, cause error) error {
	return errors.WrapFatal(
		fmt.Errorf("%w: accepted %d of %d items: %v", errors.ErrDeliveryTimeout, done, total, cause),
		"harness", "Feed", "feed items")
}

// CollectOptions bounds Collect.
type CollectOptions struct {
	// Timeout bounds the wait for the expected count. Zero means
	// DefaultTimeout.
	Timeout time.Duration
	// Linger keeps reading after the expected count arrives so that
	// duplicates are caught.
	Linger time.Duration
	// PollInterval is the pause between empty reads. Zero means
	// DefaultRetryInterval.
	PollInterval time.Duration
}

// Collect reads until want messages have arrived. It fails with
// ErrDeliveryTimeout if they do not arrive in time, and with an invalid
// error if more than want arrive within the linger window.
func Collect(ctx context.Context, r MessageReader, want int, opts CollectOptions) ([]endpoint.Message, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}

	var got []endpoint.Message
	read := func() error {
		msgs, err := r.Read()
		if err != nil {
			return errors.Wrap(err, "harness", "Collect", "read messages")
		}
		got = append(got, msgs...)
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for len(got) < want {
		if err := read(); err != nil {
			return got, err
		}
		if len(got) >= want {
			break
		}
		select {
		case <-waitCtx.Done():
			return got, errors.WrapFatal(
				fmt.Errorf("%w: received %d of %d messages", errors.ErrDeliveryTimeout, len(got), want),
				"harness", "Collect", "wait for messages")
		case <-time.After(interval):
		}
	}

	if opts.Linger > 0 {
		lingerCtx, stop := context.WithTimeout(ctx, opts.Linger)
		defer stop()
	linger:
		for {
			select {
			case <-lingerCtx.Done():
				break linger
			case <-time.After(interval):
				if err := read(); err != nil {
					return got, err
				}
			}
		}
	}

	if len(got) > want {
		return got, errors.WrapInvalid(
			fmt.Errorf("received %d messages, want exactly %d", len(got), want),
			"harness", "Collect", "check count")
	}
	return got, nil
}

// CheckOrder verifies that msgs hold exactly the expected items of every
// channel, in order. Items are compared in their JSON form.
func CheckOrder(msgs []endpoint.Message, expected Items) error {
	byChannel := make(map[string][]endpoint.Message)
	for _, m := range msgs {
		if _, ok := expected[m.ChannelID]; !ok {
			return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownChannel, m.ChannelID),
				"harness", "CheckOrder", "match channel")
		}
		byChannel[m.ChannelID] = append(byChannel[m.ChannelID], m)
	}

	for _, ch := range expected.Channels() {
		want := expected[ch]
		got := byChannel[ch]
		if len(got) != len(want) {
			return errors.WrapInvalid(fmt.Errorf("channel %s: received %d items, want %d", ch, len(got), len(want)),
				"harness", "CheckOrder", "compare counts")
		}
		for i, item := range want {
			norm, err := normalize(item)
			if err != nil {
				return errors.WrapInvalid(err, "harness", "CheckOrder", "encode expected item")
			}
			if !reflect.DeepEqual(norm, got[i].Value) {
				return errors.WrapInvalid(
					fmt.Errorf("channel %s position %d: got %s, want %v", ch, i, got[i].Raw, item),
					"harness", "CheckOrder", "compare items")
			}
		}
	}
	return nil
}

func normalize(item any) (any, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
