// Package socket provides message-oriented PAIR sockets for the transfer
// plane and the registry that owns them.
//
// A socket carries whole frames between exactly one pair of endpoints. All
// data operations are non-blocking: TrySend and TryRecv return
// errors.ErrWouldBlock instead of waiting, and Poll reports readiness so the
// event loop only calls into handlers that can make progress.
package socket

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// ID is an opaque socket handle.
type ID string

// NewID returns a fresh random socket id.
func NewID() ID {
	return ID(uuid.NewString())
}

// Owner is the role of whoever opened a socket.
type Owner int

const (
	OwnerWriterLocal Owner = iota
	OwnerReaderLocal
	OwnerRelayLocal
	OwnerRelayRemote
)

func (o Owner) String() string {
	switch o {
	case OwnerWriterLocal:
		return "writer_local"
	case OwnerReaderLocal:
		return "reader_local"
	case OwnerRelayLocal:
		return "relay_local"
	case OwnerRelayRemote:
		return "relay_remote"
	default:
		return fmt.Sprintf("owner(%d)", int(o))
	}
}

// Mode says whether a socket listens or dials.
type Mode int

const (
	Bind Mode = iota
	Connect
)

func (m Mode) String() string {
	if m == Bind {
		return "bind"
	}
	return "connect"
}

// Metadata describes one socket. (Owner, Addr) is unique within a Registry.
type Metadata struct {
	Owner     Owner
	Mode      Mode
	ChannelID string
	Addr      string
}

func (m Metadata) String() string {
	return fmt.Sprintf("%s/%s %s channel=%s", m.Owner, m.Mode, m.Addr, m.ChannelID)
}

// Events is a readiness bitmask returned by Poll.
type Events uint8

const (
	EventIn Events = 1 << iota
	EventOut
)

// CanRecv reports whether a frame is waiting.
func (e Events) CanRecv() bool { return e&EventIn != 0 }

// CanSend reports whether TrySend is likely to succeed.
func (e Events) CanSend() bool { return e&EventOut != 0 }

// Socket is a non-blocking, frame-oriented PAIR endpoint.
type Socket interface {
	ID() ID
	Metadata() Metadata

	// TrySend queues frame for transmission. On errors.ErrWouldBlock the
	// frame was not taken and the caller still owns it.
	TrySend(frame []byte) error

	// TryRecv returns the next inbound frame or errors.ErrWouldBlock.
	TryRecv() ([]byte, error)

	Poll() Events
	Connected() bool

	// SetNotify installs the function called when the socket may have
	// become ready. Notify invokes it.
	SetNotify(fn func())
	Notify()

	// Close releases the socket without flushing queued frames.
	Close() error
}

// Notifier implements SetNotify and Notify for socket implementations.
type Notifier struct {
	fn atomic.Pointer[func()]
}

// SetNotify installs fn.
func (n *Notifier) SetNotify(fn func()) {
	n.fn.Store(&fn)
}

// Notify calls the installed function, if any.
func (n *Notifier) Notify() {
	if p := n.fn.Load(); p != nil && *p != nil {
		(*p)()
	}
}
