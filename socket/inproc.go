package socket

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// inprocHub pairs inproc:// sockets created by the same Factory.
type inprocHub struct {
	mu        sync.Mutex
	listeners map[string]*inprocListener
}

func newInprocHub() *inprocHub {
	return &inprocHub{listeners: make(map[string]*inprocListener)}
}

type inprocListener struct {
	hub      *inprocHub
	name     string
	conns    chan net.Conn
	done     chan struct{}
	once     sync.Once
	maxFrame int
}

func (h *inprocHub) listen(name string, maxFrame int) (*inprocListener, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[name]; ok {
		return nil, fmt.Errorf("inproc endpoint %q already bound", name)
	}
	l := &inprocListener{
		hub:      h,
		name:     name,
		conns:    make(chan net.Conn),
		done:     make(chan struct{}),
		maxFrame: maxFrame,
	}
	h.listeners[name] = l
	return l, nil
}

func (h *inprocHub) dialer(name string, maxFrame int) dialFunc {
	return func(ctx context.Context) (frameConn, error) {
		h.mu.Lock()
		l, ok := h.listeners[name]
		h.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("inproc endpoint %q not bound", name)
		}
		local, remote := net.Pipe()
		select {
		case l.conns <- remote:
			return newStreamConn(local, maxFrame), nil
		case <-l.done:
		case <-ctx.Done():
		}
		_ = local.Close()
		_ = remote.Close()
		return nil, fmt.Errorf("inproc endpoint %q closed", name)
	}
}

func (l *inprocListener) Accept() (frameConn, error) {
	select {
	case c := <-l.conns:
		return newStreamConn(c, l.maxFrame), nil
	case <-l.done:
		return nil, errListenerClosed
	}
}

func (l *inprocListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.hub.mu.Lock()
		if l.hub.listeners[l.name] == l {
			delete(l.hub.listeners, l.name)
		}
		l.hub.mu.Unlock()
	})
	return nil
}
