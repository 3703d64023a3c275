package mesh

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gosuda/peerchat/internal/protocol"
	"github.com/gosuda/peerchat/internal/signal"
)

// PeerInfo is the profile a remote participant announced with user_info.
type PeerInfo struct {
	PeerID string `json:"peerId"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	UserID string `json:"userId"`
}

type connState int

const (
	statePending connState = iota
	stateOpen
)

// peer is one connection record. All fields except the pumps' use of conn
// and send are owned by the mesh loop.
type peer struct {
	handle    string
	initiator string // handle of the side that opened the connection
	state     connState
	conn      signal.Conn
	send      chan protocol.Frame
	cancel    context.CancelFunc

	historySent bool
	closed      bool
	once        sync.Once
}

// enqueue queues f for the write pump. Pending or saturated connections
// drop the frame.
func (p *peer) enqueue(f protocol.Frame) bool {
	if p.state != stateOpen || p.closed {
		return false
	}
	select {
	case p.send <- f:
		return true
	default:
		return false
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		p.closed = true
		if p.cancel != nil {
			p.cancel()
		}
		if p.send != nil {
			close(p.send)
		}
		if p.conn != nil {
			_ = p.conn.Close()
		}
	})
}

func (p *peer) writePump(log zerolog.Logger) {
	for f := range p.send {
		if err := p.conn.WriteFrame(f); err != nil {
			log.Debug().Err(err).Str("peer", p.handle).Msg("write frame")
			// closing makes the read pump report the connection as gone
			_ = p.conn.Close()
			return
		}
	}
}

func (m *Mesh) readPump(epoch uint64, p *peer) {
	for {
		f, err := p.conn.ReadFrame()
		if err != nil {
			m.enqueue(func() { m.onConnectionClosed(epoch, p, err) })
			return
		}
		if !m.enqueue(func() { m.handleFrame(epoch, p, f) }) {
			return
		}
	}
}

func with[V any](src map[string]V, key string, val V) map[string]V {
	out := make(map[string]V, len(src)+1)
	for k, v := range src {
		out[k] = v
	}
	out[key] = val
	return out
}

func without[V any](src map[string]V, key string) map[string]V {
	if _, ok := src[key]; !ok {
		return src
	}
	out := make(map[string]V, len(src))
	for k, v := range src {
		if k != key {
			out[k] = v
		}
	}
	return out
}
