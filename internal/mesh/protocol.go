package mesh

import (
	"errors"
	"strings"

	"github.com/gosuda/peerchat/internal/chat"
	"github.com/gosuda/peerchat/internal/protocol"
)

func (m *Mesh) handleFrame(epoch uint64, p *peer, f protocol.Frame) {
	if epoch != m.epoch || m.peers[p.handle] != p {
		return
	}
	var err error
	switch f.Type {
	case protocol.TypeUserInfo:
		err = m.onUserInfo(p, f)
	case protocol.TypeHistoryRequest:
		m.onHistoryRequest(p)
	case protocol.TypeHistoryResponse:
		err = m.onHistoryResponse(f)
	case protocol.TypeTypingStart:
		err = m.onTypingStart(p, f)
	case protocol.TypeTypingStop:
		m.onTypingStop(p)
	case protocol.TypeChat:
		err = m.onChat(f)
	case protocol.TypeHello:
		// consumed by the transport
	default:
		m.log.Debug().Str("peer", p.handle).Str("type", string(f.Type)).Msg("unknown frame")
	}
	if err != nil {
		m.log.Debug().Err(err).Str("peer", p.handle).Str("type", string(f.Type)).Msg("bad frame")
	}
}

// handshake announces our profile and asks for history on a new connection.
func (m *Mesh) handshake(p *peer) {
	p.enqueue(protocol.NewUserInfo(m.profile()))
	p.enqueue(protocol.NewHistoryRequest())
}

func (m *Mesh) profile() protocol.UserInfo {
	return protocol.UserInfo{
		PeerID: m.selfHandle(),
		Name:   m.name,
		Color:  m.cfg.Color,
		UserID: m.userID,
	}
}

func (m *Mesh) onUserInfo(p *peer, f protocol.Frame) error {
	var u protocol.UserInfo
	if err := f.Decode(&u); err != nil {
		return err
	}
	info := PeerInfo{
		PeerID: p.handle,
		Name:   chat.SanitizeName(u.Name),
		Color:  u.Color,
		UserID: strings.TrimSpace(u.UserID),
	}
	if info.UserID == "" {
		info.UserID = UserIDFromHandle(p.handle, m.cfg.Room)
	}
	if !validColor(info.Color) {
		info.Color = chat.ColorFor(info.UserID)
	}

	_, seen := m.infos[p.handle]
	m.infos = with(m.infos, p.handle, info)
	m.publishPeers()
	if !seen {
		m.appendSystem(info.Name + " joined the chat")
	}
	return nil
}

// onHistoryRequest answers at most once per connection.
func (m *Mesh) onHistoryRequest(p *peer) {
	if p.historySent {
		return
	}
	recent := chat.Tail(chat.ChatOnly(m.transcript), m.cfg.HistoryLimit)
	if p.enqueue(protocol.NewHistoryResponse(recent)) {
		p.historySent = true
	}
}

func (m *Mesh) onHistoryResponse(f protocol.Frame) error {
	var h protocol.History
	if err := f.Decode(&h); err != nil {
		return err
	}
	incoming := make([]chat.Message, 0, len(h.Messages))
	for _, msg := range h.Messages {
		if clean, ok := cleanMessage(msg); ok {
			incoming = append(incoming, clean)
		}
	}
	merged := chat.Merge(m.transcript, incoming)
	if len(merged) != len(m.transcript) {
		m.setTranscript(merged)
	}
	return nil
}

func (m *Mesh) onTypingStart(p *peer, f protocol.Frame) error {
	var t protocol.Typing
	if err := f.Decode(&t); err != nil {
		return err
	}
	name := m.displayHandle(p.handle)
	if t.Name != "" {
		name = chat.SanitizeName(t.Name)
	}
	if m.typing[p.handle] == name {
		return nil
	}
	m.typing = with(m.typing, p.handle, name)
	m.publishTyping()
	return nil
}

func (m *Mesh) onTypingStop(p *peer) {
	if _, ok := m.typing[p.handle]; !ok {
		return
	}
	m.typing = without(m.typing, p.handle)
	m.publishTyping()
}

func (m *Mesh) onChat(f protocol.Frame) error {
	var msg chat.Message
	if err := f.Decode(&msg); err != nil {
		return err
	}
	clean, ok := cleanMessage(msg)
	if !ok {
		return errors.New("invalid chat message")
	}
	m.appendMessage(clean)
	return nil
}

// cleanMessage sanitizes a message received from a peer. System messages
// are local only and never accepted from the wire.
func cleanMessage(msg chat.Message) (chat.Message, bool) {
	if msg.ID == "" || msg.IsSystem() {
		return chat.Message{}, false
	}
	msg.User = chat.SanitizeName(msg.User)
	msg.Text = chat.SanitizeText(msg.Text)
	msg.Type = chat.KindMessage
	if msg.Text == "" {
		return chat.Message{}, false
	}
	return msg, true
}

func validColor(c string) bool {
	if len(c) != 4 && len(c) != 7 || !strings.HasPrefix(c, "#") {
		return false
	}
	for _, r := range c[1:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func (m *Mesh) send(text string) chat.Message {
	msg := chat.NewMessage(m.name, m.userID, text, m.clock.Now())
	m.appendMessage(msg)
	m.broadcast(protocol.NewChat(msg))
	m.stopTyping()
	return msg
}

func (m *Mesh) setName(name string) {
	if name == m.name {
		return
	}
	m.name = name
	if m.status == StatusConnected || m.status == StatusRetrying {
		m.broadcast(protocol.NewUserInfo(m.profile()))
	}
}

func (m *Mesh) clear() {
	m.transcript = []chat.Message{}
	if m.cache != nil {
		if err := m.cache.Clear(); err != nil {
			m.log.Warn().Err(err).Msg("clear history cache")
		}
	}
	m.events.publish(Event{Type: EventTranscript})
	for _, p := range m.peers {
		p.historySent = false
	}
	m.broadcast(protocol.NewHistoryRequest())
}
