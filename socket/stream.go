package socket

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/c360/streamnet/errors"
)

const frameHeaderSize = 4

// streamConn frames a byte stream as [4-byte big-endian length][frame].
type streamConn struct {
	conn     net.Conn
	r        *bufio.Reader
	maxFrame int
	hdr      [frameHeaderSize]byte
}

func newStreamConn(c net.Conn, maxFrame int) *streamConn {
	return &streamConn{conn: c, r: bufio.NewReaderSize(c, 64*1024), maxFrame: maxFrame}
}

func (c *streamConn) ReadFrame() ([]byte, error) {
	var lenBuf [frameHeaderSize]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int64(n) > int64(c.maxFrame) {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit %d", errors.ErrFrameTooLarge, n, c.maxFrame)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame is only called from the socket's single write loop.
func (c *streamConn) WriteFrame(frame []byte) error {
	binary.BigEndian.PutUint32(c.hdr[:], uint32(len(frame)))
	bufs := net.Buffers{c.hdr[:], frame}
	_, err := bufs.WriteTo(c.conn)
	return err
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}

type netListener struct {
	l        net.Listener
	maxFrame int
}

func (l *netListener) Accept() (frameConn, error) {
	c, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	return newStreamConn(c, l.maxFrame), nil
}

func (l *netListener) Close() error {
	return l.l.Close()
}

// listenStream binds a tcp or unix listener. For unix sockets the parent
// directory is created and a stale socket file from an earlier run removed.
func listenStream(network, addr string, maxFrame int) (*netListener, error) {
	if network == "unix" {
		if err := os.MkdirAll(filepath.Dir(addr), 0o755); err != nil {
			return nil, err
		}
		if fi, err := os.Stat(addr); err == nil && fi.Mode()&os.ModeSocket != 0 {
			_ = os.Remove(addr)
		}
	}
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return &netListener{l: l, maxFrame: maxFrame}, nil
}

func streamDialer(network, addr string, maxFrame int) dialFunc {
	var d net.Dialer
	return func(ctx context.Context) (frameConn, error) {
		c, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return newStreamConn(c, maxFrame), nil
	}
}
