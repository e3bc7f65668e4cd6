package socket

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn carries one frame per binary websocket message.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(frame []byte) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

var errListenerClosed = stderrors.New("listener closed")

// wsListener upgrades HTTP requests on one path to frame links.
type wsListener struct {
	srv    *http.Server
	conns  chan *wsConn
	done   chan struct{}
	closer sync.Once
}

func listenWS(u *url.URL, maxFrame int) (*wsListener, error) {
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, err
	}
	l := &wsListener{
		conns: make(chan *wsConn),
		done:  make(chan struct{}),
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c.SetReadLimit(int64(maxFrame))
		select {
		case l.conns <- &wsConn{conn: c}:
		case <-l.done:
			_ = c.Close()
		}
	})
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = l.srv.Serve(ln) }()
	return l, nil
}

func (l *wsListener) Accept() (frameConn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, errListenerClosed
	}
}

func (l *wsListener) Close() error {
	l.closer.Do(func() { close(l.done) })
	return l.srv.Close()
}

func wsDialer(addr string, maxFrame int) dialFunc {
	dialer := &websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	return func(ctx context.Context) (frameConn, error) {
		c, _, err := dialer.DialContext(ctx, addr, nil)
		if err != nil {
			return nil, err
		}
		c.SetReadLimit(int64(maxFrame))
		return &wsConn{conn: c}, nil
	}
}
