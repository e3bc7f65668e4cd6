package testutil

import (
	"sync"

	"github.com/c360/streamnet/errors"
	"github.com/c360/streamnet/socket"
)

// MockSocket is an in-memory socket whose traffic is driven by the test.
type MockSocket struct {
	socket.Notifier

	id   socket.ID
	meta socket.Metadata

	mu        sync.Mutex
	inbound   [][]byte
	sent      [][]byte
	failSends int
	attempts  int
	capacity  int
	connected bool
	closed    bool
}

// NewMockSocket returns a connected mock with unbounded send capacity.
func NewMockSocket(meta socket.Metadata) *MockSocket {
	return &MockSocket{id: socket.NewID(), meta: meta, connected: true}
}

func (m *MockSocket) ID() socket.ID             { return m.id }
func (m *MockSocket) Metadata() socket.Metadata { return m.meta }

// FailNextSends makes the next n TrySend calls return ErrWouldBlock.
func (m *MockSocket) FailNextSends(n int) {
	m.mu.Lock()
	m.failSends = n
	m.mu.Unlock()
}

// SetCapacity limits how many sent frames are held before TrySend blocks.
// Zero means unbounded.
func (m *MockSocket) SetCapacity(n int) {
	m.mu.Lock()
	m.capacity = n
	m.mu.Unlock()
}

// SetConnected toggles the connection state.
func (m *MockSocket) SetConnected(ok bool) {
	m.mu.Lock()
	m.connected = ok
	m.mu.Unlock()
}

// Deliver queues an inbound frame.
func (m *MockSocket) Deliver(frame []byte) {
	m.mu.Lock()
	m.inbound = append(m.inbound, frame)
	m.mu.Unlock()
	m.Notify()
}

// Sent returns the frames accepted so far.
func (m *MockSocket) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// TakeSent returns and forgets the frames accepted so far.
func (m *MockSocket) TakeSent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sent
	m.sent = nil
	return out
}

// SendAttempts counts every TrySend call, failed ones included.
func (m *MockSocket) SendAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *MockSocket) TrySend(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.closed {
		return errors.ErrSocketClosed
	}
	if !m.connected || m.failSends > 0 {
		if m.failSends > 0 {
			m.failSends--
		}
		return errors.ErrWouldBlock
	}
	if m.capacity > 0 && len(m.sent) >= m.capacity {
		return errors.ErrWouldBlock
	}
	m.sent = append(m.sent, frame)
	return nil
}

func (m *MockSocket) TryRecv() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inbound) == 0 {
		if m.closed {
			return nil, errors.ErrSocketClosed
		}
		return nil, errors.ErrWouldBlock
	}
	b := m.inbound[0]
	m.inbound = m.inbound[1:]
	return b, nil
}

func (m *MockSocket) Poll() socket.Events {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ev socket.Events
	if len(m.inbound) > 0 {
		ev |= socket.EventIn
	}
	if m.connected && !m.closed && (m.capacity == 0 || len(m.sent) < m.capacity) {
		ev |= socket.EventOut
	}
	return ev
}

func (m *MockSocket) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && !m.closed
}

// Closed reports whether Close was called.
func (m *MockSocket) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockSocket) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// MockFactory creates MockSockets and remembers them by address.
type MockFactory struct {
	mu      sync.Mutex
	sockets map[string]*MockSocket
	created int
}

// NewMockFactory returns an empty MockFactory.
func NewMockFactory() *MockFactory {
	return &MockFactory{sockets: make(map[string]*MockSocket)}
}

func (f *MockFactory) New(meta socket.Metadata) (socket.Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := NewMockSocket(meta)
	f.sockets[meta.Owner.String()+"|"+meta.Addr] = s
	f.created++
	return s, nil
}

// Socket returns the mock created for owner and addr.
func (f *MockFactory) Socket(owner socket.Owner, addr string) (*MockSocket, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sockets[owner.String()+"|"+addr]
	return s, ok
}

// Created counts sockets made by the factory.
func (f *MockFactory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// FlakySocket fails its first sends with ErrWouldBlock, then delegates.
type FlakySocket struct {
	socket.Socket

	mu        sync.Mutex
	remaining int
	failed    int
}

func (f *FlakySocket) TrySend(frame []byte) error {
	f.mu.Lock()
	if f.remaining > 0 {
		f.remaining--
		f.failed++
		f.mu.Unlock()
		return errors.ErrWouldBlock
	}
	f.mu.Unlock()
	return f.Socket.TrySend(frame)
}

// Failed counts the sends rejected so far.
func (f *FlakySocket) Failed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

// FlakyFactory wraps sockets matching Match in a FlakySocket.
type FlakyFactory struct {
	Inner     socket.Factory
	Match     func(socket.Metadata) bool
	FailFirst int

	mu      sync.Mutex
	wrapped []*FlakySocket
}

func (f *FlakyFactory) New(meta socket.Metadata) (socket.Socket, error) {
	s, err := f.Inner.New(meta)
	if err != nil || f.Match == nil || !f.Match(meta) {
		return s, err
	}
	fs := &FlakySocket{Socket: s, remaining: f.FailFirst}
	f.mu.Lock()
	f.wrapped = append(f.wrapped, fs)
	f.mu.Unlock()
	return fs, nil
}

// Wrapped returns the sockets that were made flaky.
func (f *FlakyFactory) Wrapped() []*FlakySocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FlakySocket(nil), f.wrapped...)
}
