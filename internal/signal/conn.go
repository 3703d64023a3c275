package signal

import (
	"context"
	"io"
	"sync"

	"github.com/gosuda/peerchat/internal/protocol"
)

// streamConn frames a byte stream (libp2p stream, net.Pipe) as a Conn.
type streamConn struct {
	remote string
	rwc    io.ReadWriteCloser
	dec    *protocol.Decoder
	enc    *protocol.Encoder
	once   sync.Once
	err    error
}

// NewStreamConn wraps rwc. remote is the handle of the peer on the other end.
func NewStreamConn(remote string, rwc io.ReadWriteCloser) Conn {
	return newStreamConn(remote, rwc)
}

func newStreamConn(remote string, rwc io.ReadWriteCloser) *streamConn {
	return &streamConn{
		remote: remote,
		rwc:    rwc,
		dec:    protocol.NewDecoder(rwc),
		enc:    protocol.NewEncoder(rwc),
	}
}

func (c *streamConn) RemoteHandle() string { return c.remote }

func (c *streamConn) ReadFrame() (protocol.Frame, error) { return c.dec.Decode() }

func (c *streamConn) WriteFrame(f protocol.Frame) error { return c.enc.Encode(f) }

func (c *streamConn) Close() error {
	c.once.Do(func() { c.err = c.rwc.Close() })
	return c.err
}

// inbox hands inbound connections to the session owner. push never panics
// after close; pending pushes are released by close.
type inbox struct {
	ch   chan Conn
	done chan struct{}
	mu   sync.Mutex
	once sync.Once
}

func newInbox(size int) *inbox {
	return &inbox{ch: make(chan Conn, size), done: make(chan struct{})}
}

func (i *inbox) push(ctx context.Context, c Conn) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	select {
	case <-i.done:
		return ErrClosed
	default:
	}
	select {
	case i.ch <- c:
		return nil
	case <-i.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *inbox) close() {
	i.once.Do(func() {
		close(i.done)
		i.mu.Lock()
		close(i.ch)
		i.mu.Unlock()
	})
}
