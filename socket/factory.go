package socket

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/c360/streamnet/errors"
	"github.com/c360/streamnet/pkg/retry"
)

const (
	DefaultSendHWM      = 1000
	DefaultRecvHWM      = 1000
	DefaultMaxFrameSize = 64 << 20
)

// Factory creates sockets from metadata. The Registry calls it only after
// uniqueness checks pass.
type Factory interface {
	New(meta Metadata) (Socket, error)
}

// Options configures sockets created by the default factory.
type Options struct {
	SendHWM      int
	RecvHWM      int
	MaxFrameSize int
	Dial         retry.Config
	NATS         *nats.Conn
	Logger       *slog.Logger
}

func (o Options) sendHWM() int {
	if o.SendHWM <= 0 {
		return DefaultSendHWM
	}
	return o.SendHWM
}

func (o Options) recvHWM() int {
	if o.RecvHWM <= 0 {
		return DefaultRecvHWM
	}
	return o.RecvHWM
}

func (o Options) maxFrame() int {
	if o.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return o.MaxFrameSize
}

func (o Options) dialConfig() retry.Config {
	if o.Dial.MaxAttempts == 0 {
		return retry.Forever()
	}
	return o.Dial
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// NetFactory creates sockets for the ipc, tcp, ws, nats and inproc schemes.
type NetFactory struct {
	opts   Options
	inproc *inprocHub
}

// NewFactory returns a NetFactory. inproc:// endpoints only pair with
// sockets created by the same factory.
func NewFactory(opts Options) *NetFactory {
	return &NetFactory{opts: opts, inproc: newInprocHub()}
}

// SplitAddr separates scheme and target of a socket address.
func SplitAddr(addr string) (scheme, target string, err error) {
	scheme, target, ok := strings.Cut(addr, "://")
	if !ok || scheme == "" || target == "" {
		return "", "", errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnsupportedScheme, addr),
			"socket", "SplitAddr", "parse address")
	}
	return scheme, target, nil
}

// New opens the socket described by meta. Bind failures are returned;
// connect-mode sockets dial in the background until Close.
func (f *NetFactory) New(meta Metadata) (Socket, error) {
	scheme, target, err := SplitAddr(meta.Addr)
	if err != nil {
		return nil, err
	}
	maxFrame := f.opts.maxFrame()

	switch scheme {
	case "ipc", "tcp", "inproc":
		network := map[string]string{"ipc": "unix", "tcp": "tcp"}[scheme]
		s := newPairSocket(meta, f.opts)
		if meta.Mode == Bind {
			var l frameListener
			if scheme == "inproc" {
				l, err = f.inproc.listen(target, maxFrame)
			} else {
				l, err = listenStream(network, target, maxFrame)
			}
			if err != nil {
				return nil, errors.WrapTransient(err, "socket", "New", "bind "+meta.Addr)
			}
			s.serve(l)
			return s, nil
		}
		dial := streamDialer(network, target, maxFrame)
		if scheme == "inproc" {
			dial = f.inproc.dialer(target, maxFrame)
		}
		s.dial(dial, f.opts.dialConfig())
		return s, nil

	case "ws":
		s := newPairSocket(meta, f.opts)
		if meta.Mode == Bind {
			u, err := url.Parse(meta.Addr)
			if err != nil {
				return nil, errors.WrapInvalid(err, "socket", "New", "parse websocket address")
			}
			l, err := listenWS(u, maxFrame)
			if err != nil {
				return nil, errors.WrapTransient(err, "socket", "New", "bind "+meta.Addr)
			}
			s.serve(l)
			return s, nil
		}
		s.dial(wsDialer(meta.Addr, maxFrame), f.opts.dialConfig())
		return s, nil

	case "nats":
		if f.opts.NATS == nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: nats transport needs a connection", errors.ErrUnsupportedScheme),
				"socket", "New", "open "+meta.Addr)
		}
		s, err := newNATSSocket(f.opts.NATS, target, meta, f.opts)
		if err != nil {
			return nil, errors.WrapTransient(err, "socket", "New", "subscribe "+meta.Addr)
		}
		return s, nil
	}

	return nil, errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrUnsupportedScheme, scheme),
		"socket", "New", "open "+meta.Addr)
}
