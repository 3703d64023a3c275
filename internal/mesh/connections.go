package mesh

import (
	"context"

	"github.com/gosuda/peerchat/internal/protocol"
	"github.com/gosuda/peerchat/internal/signal"
)

// dial opens a connection to handle unless one is already pending or open.
func (m *Mesh) dial(handle string) {
	if m.session == nil || handle == "" {
		return
	}
	self := m.session.Handle()
	if handle == self {
		return
	}
	if _, ok := m.peers[handle]; ok {
		return
	}

	ctx, cancel := context.WithTimeout(m.sessCtx, m.cfg.DialTimeout)
	p := &peer{handle: handle, initiator: self, state: statePending, cancel: cancel}
	m.peers = with(m.peers, handle, p)
	m.stats.Dials++
	m.log.Debug().Str("peer", handle).Msg("dialing")

	epoch, sess := m.epoch, m.session
	go func() {
		conn, err := sess.Dial(ctx, handle)
		posted := m.enqueue(func() { m.onDialed(epoch, p, conn, err) })
		if !posted && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (m *Mesh) onDialed(epoch uint64, p *peer, conn signal.Conn, err error) {
	if epoch != m.epoch || m.peers[p.handle] != p {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	p.cancel()
	if err != nil {
		m.peers = without(m.peers, p.handle)
		m.log.Warn().Err(err).Str("peer", p.handle).Msg("dial failed")
		m.notice(LevelWarn, "could not connect to "+m.displayHandle(p.handle))
		return
	}
	m.open(epoch, p, conn)
}

// acceptInbound takes a connection opened by another peer. When both sides
// dialed each other, the connection opened by the lower handle survives.
func (m *Mesh) acceptInbound(epoch uint64, c signal.Conn) {
	if epoch != m.epoch || m.session == nil {
		_ = c.Close()
		return
	}
	self := m.session.Handle()
	remote := c.RemoteHandle()
	if remote == "" || remote == self || !InRoom(remote, m.cfg.Room) {
		m.log.Debug().Str("peer", remote).Msg("rejecting inbound")
		_ = c.Close()
		return
	}
	if existing, ok := m.peers[remote]; ok {
		if existing.initiator == self && self < remote {
			m.log.Debug().Str("peer", remote).Msg("keeping outbound connection")
			_ = c.Close()
			return
		}
		m.log.Debug().Str("peer", remote).Msg("replacing connection")
		existing.close()
	}

	p := &peer{handle: remote, initiator: remote}
	m.peers = with(m.peers, remote, p)
	m.stats.Accepted++
	m.open(epoch, p, c)
}

func (m *Mesh) open(epoch uint64, p *peer, conn signal.Conn) {
	p.conn = conn
	p.state = stateOpen
	p.send = make(chan protocol.Frame, sendBuffer)
	go p.writePump(m.log)
	go m.readPump(epoch, p)
	m.log.Info().Str("peer", p.handle).Str("initiator", p.initiator).Msg("connection open")
	m.handshake(p)
}

// onConnectionClosed evicts a connection and everything learned through it.
// Closes of records that were already replaced are ignored.
func (m *Mesh) onConnectionClosed(epoch uint64, p *peer, err error) {
	if epoch != m.epoch || m.peers[p.handle] != p {
		return
	}
	p.close()
	m.peers = without(m.peers, p.handle)
	m.log.Info().Err(err).Str("peer", p.handle).Msg("connection closed")

	info, known := m.infos[p.handle]
	m.infos = without(m.infos, p.handle)
	if _, ok := m.typing[p.handle]; ok {
		m.typing = without(m.typing, p.handle)
		m.publishTyping()
	}
	if known {
		m.publishPeers()
		m.appendSystem(info.Name + " left the chat")
	}
}

// broadcast queues f on every open connection. Frames for full buffers
// are dropped.
func (m *Mesh) broadcast(f protocol.Frame) {
	for _, p := range m.peers {
		if p.state == stateOpen && !p.enqueue(f) {
			m.log.Debug().Str("peer", p.handle).Str("type", string(f.Type)).Msg("dropped frame")
		}
	}
}

func (m *Mesh) displayHandle(handle string) string {
	if info, ok := m.infos[handle]; ok {
		return info.Name
	}
	if id := UserIDFromHandle(handle, m.cfg.Room); id != "" {
		return id
	}
	return handle
}
