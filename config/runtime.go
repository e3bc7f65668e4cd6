package config

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/c360/streamnet/channel"
	"github.com/c360/streamnet/endpoint"
	"github.com/c360/streamnet/errors"
	"github.com/c360/streamnet/ioloop"
	"github.com/c360/streamnet/pkg/queue"
	"github.com/c360/streamnet/pkg/retry"
	"github.com/c360/streamnet/socket"
	"github.com/c360/streamnet/transfer"
)

// DialRetry converts the dial policy for pkg/retry.
func (d DialConfig) DialRetry() retry.Config {
	rc := errors.RetryConfig{
		MaxRetries:    d.MaxRetries,
		InitialDelay:  d.InitialDelay.D(),
		MaxDelay:      d.MaxDelay.D(),
		BackoffFactor: d.BackoffFactor,
	}.ToRetryConfig()
	if d.MaxRetries < 0 {
		rc.MaxAttempts = -1
	}
	return rc
}

// SocketOptions returns factory options. nc may be nil when no nats://
// address is used.
func (c *Config) SocketOptions(nc *nats.Conn, logger *slog.Logger) socket.Options {
	return socket.Options{
		SendHWM:      c.Network.SendHWM,
		RecvHWM:      c.Network.RecvHWM,
		MaxFrameSize: c.Network.MaxFrameSize,
		Dial:         c.Network.Dial.DialRetry(),
		NATS:         nc,
		Logger:       logger,
	}
}

// WriterOptions returns data writer settings. A zero resend timeout here
// disables resend.
func (c *Config) WriterOptions() endpoint.WriterConfig {
	resend := c.Writer.ResendTimeout.D()
	if resend == 0 {
		resend = -1
	}
	return endpoint.WriterConfig{
		BufferSize:           c.Writer.BufferSize,
		MaxFrameSize:         c.Network.MaxFrameSize,
		MaxBuffersPerChannel: c.Writer.MaxBuffersPerChannel,
		InFlightLimit:        c.Writer.InFlightLimit,
		ResendTimeout:        resend,
	}
}

// ReaderOptions returns data reader settings.
func (c *Config) ReaderOptions() endpoint.ReaderConfig {
	return endpoint.ReaderConfig{
		OutputQueueSize: c.Reader.OutputQueueSize,
		AckBatchSize:    c.Reader.AckBatchSize,
	}
}

// RelayOptions returns transfer relay settings.
func (c *Config) RelayOptions() (transfer.Config, error) {
	policy, err := queue.ParsePolicy(c.Relay.Overflow)
	if err != nil {
		return transfer.Config{}, err
	}
	return transfer.Config{
		QueueCapacity: c.Relay.QueueCapacity,
		Overflow:      policy,
		Scheme:        channel.Scheme(c.Network.RemoteScheme),
	}, nil
}

// LoopOptions returns IO loop settings.
func (c *Config) LoopOptions() ioloop.Config {
	return ioloop.Config{
		PollInterval:   c.Loop.PollInterval.D(),
		ConnectTimeout: c.Network.ConnectTimeout.D(),
	}
}

// ChannelLoader fetches a channel set from a KV bucket.
type ChannelLoader interface {
	Load(ctx context.Context, job string) (*channel.Set, error)
}

// ResolveChannels returns the channel set named by the config: the inline
// lists first, then the file, then kv when it is not nil.
func (c *Config) ResolveChannels(ctx context.Context, kv ChannelLoader) (*channel.Set, error) {
	if set := c.Channels.Inline(); set != nil {
		return set, set.Validate()
	}
	if c.Channels.File != "" {
		return channel.LoadFile(c.Channels.File)
	}
	if kv != nil {
		return kv.Load(ctx, c.Node.Job)
	}
	return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "ResolveChannels",
		"no channel source: set channels, channels.file or nats.channels_bucket")
}
