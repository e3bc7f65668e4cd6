package socket

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/streamnet/errors"
	"github.com/c360/streamnet/metric"
)

type addrKey struct {
	owner Owner
	addr  string
}

type scopeKey struct {
	scope string
	name  string
}

// Registry owns every socket of one event loop. It rejects a second socket
// with the same (owner, address), and indexes sockets by the channel or peer
// they serve within a handler scope.
type Registry struct {
	factory Factory
	logger  *slog.Logger
	metrics *metric.Metrics

	mu        sync.RWMutex
	sockets   map[ID]Socket
	byAddr    map[addrKey]ID
	byChannel map[scopeKey]ID
	byPeer    map[scopeKey]ID
	channelOf map[ID]string
	peerOf    map[ID]string
	scopeOf   map[ID]string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics reports open sockets per owner.
func WithMetrics(m *metric.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry returns an empty registry that opens sockets through factory.
func NewRegistry(factory Factory, opts ...RegistryOption) *Registry {
	r := &Registry{
		factory:   factory,
		logger:    slog.Default(),
		sockets:   make(map[ID]Socket),
		byAddr:    make(map[addrKey]ID),
		byChannel: make(map[scopeKey]ID),
		byPeer:    make(map[scopeKey]ID),
		channelOf: make(map[ID]string),
		peerOf:    make(map[ID]string),
		scopeOf:   make(map[ID]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OpenChannel opens a socket serving one channel for the handler named
// scope. Duplicate metadata is fatal and leaves the registry unchanged.
func (r *Registry) OpenChannel(scope string, meta Metadata) (Socket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := scopeKey{scope, meta.ChannelID}
	if _, ok := r.byChannel[key]; ok {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: channel %s already has a %s socket in %s",
				errors.ErrDuplicateSocket, meta.ChannelID, meta.Owner, scope),
			"Registry", "OpenChannel", "register socket")
	}
	s, err := r.openLocked(scope, meta)
	if err != nil {
		return nil, err
	}
	r.byChannel[key] = s.ID()
	r.channelOf[s.ID()] = meta.ChannelID
	return s, nil
}

// OpenPeer returns the socket serving peer for the handler named scope,
// opening it on first use. created reports whether a socket was opened.
func (r *Registry) OpenPeer(scope, peer string, meta Metadata) (s Socket, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := scopeKey{scope, peer}
	if id, ok := r.byPeer[key]; ok {
		return r.sockets[id], false, nil
	}
	s, err = r.openLocked(scope, meta)
	if err != nil {
		return nil, false, err
	}
	r.byPeer[key] = s.ID()
	r.peerOf[s.ID()] = peer
	return s, true, nil
}

func (r *Registry) openLocked(scope string, meta Metadata) (Socket, error) {
	ak := addrKey{meta.Owner, meta.Addr}
	if _, dup := r.byAddr[ak]; dup {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %s", errors.ErrDuplicateSocket, meta),
			"Registry", "Open", "register socket")
	}
	s, err := r.factory.New(meta)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Open", "create socket")
	}
	id := s.ID()
	r.sockets[id] = s
	r.byAddr[ak] = id
	r.scopeOf[id] = scope
	if r.metrics != nil {
		r.metrics.SocketsOpen.WithLabelValues(meta.Owner.String()).Inc()
	}
	r.logger.Debug("socket opened", "handler", scope, "meta", meta.String(), "id", string(id))
	return s, nil
}

// Get returns the socket with the given id.
func (r *Registry) Get(id ID) (Socket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sockets[id]
	return s, ok
}

// ChannelOf returns the channel a socket serves.
func (r *Registry) ChannelOf(id ID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channelOf[id]
	return ch, ok
}

// PeerOf returns the peer a socket serves.
func (r *Registry) PeerOf(id ID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peerOf[id]
	return p, ok
}

// ChannelSocket looks up the socket serving channelID in scope.
func (r *Registry) ChannelSocket(scope, channelID string) (Socket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byChannel[scopeKey{scope, channelID}]
	if !ok {
		return nil, false
	}
	return r.sockets[id], true
}

// PeerSocket looks up the socket serving peer in scope.
func (r *Registry) PeerSocket(scope, peer string) (Socket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPeer[scopeKey{scope, peer}]
	if !ok {
		return nil, false
	}
	return r.sockets[id], true
}

// Sockets returns all sockets opened under scope, or every socket when
// scope is empty.
func (r *Registry) Sockets(scope string) []Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Socket, 0, len(r.sockets))
	for id, s := range r.sockets {
		if scope == "" || r.scopeOf[id] == scope {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of open sockets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets)
}

// Close closes one socket and drops it from every index.
func (r *Registry) Close(id ID) error {
	r.mu.Lock()
	s, ok := r.sockets[id]
	if !ok {
		r.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnknownSocket, id),
			"Registry", "Close", "look up socket")
	}
	r.removeLocked(id, s)
	r.mu.Unlock()
	return s.Close()
}

// CloseScope closes every socket opened under scope.
func (r *Registry) CloseScope(scope string) error {
	r.mu.Lock()
	var victims []Socket
	for id, s := range r.sockets {
		if r.scopeOf[id] == scope {
			r.removeLocked(id, s)
			victims = append(victims, s)
		}
	}
	r.mu.Unlock()

	var firstErr error
	for _, s := range victims {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) removeLocked(id ID, s Socket) {
	meta := s.Metadata()
	scope := r.scopeOf[id]
	delete(r.sockets, id)
	delete(r.byAddr, addrKey{meta.Owner, meta.Addr})
	if ch, ok := r.channelOf[id]; ok {
		delete(r.byChannel, scopeKey{scope, ch})
		delete(r.channelOf, id)
	}
	if p, ok := r.peerOf[id]; ok {
		delete(r.byPeer, scopeKey{scope, p})
		delete(r.peerOf, id)
	}
	delete(r.scopeOf, id)
	if r.metrics != nil {
		r.metrics.SocketsOpen.WithLabelValues(meta.Owner.String()).Dec()
	}
}
