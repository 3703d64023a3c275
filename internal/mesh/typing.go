package mesh

import "github.com/gosuda/peerchat/internal/protocol"

// keystroke announces typing_start on the first keystroke of a burst and
// pushes the idle timeout back on every one.
func (m *Mesh) keystroke() {
	if !m.isTyping {
		m.isTyping = true
		m.broadcast(protocol.NewTypingStart(m.selfHandle(), m.name))
	}
	m.typingGen++
	gen := m.typingGen
	if m.typingTimer != nil {
		m.typingTimer.Stop()
	}
	m.typingTimer = m.clock.AfterFunc(m.cfg.TypingTimeout, func() {
		m.enqueue(func() {
			if gen == m.typingGen {
				m.stopTyping()
			}
		})
	})
}

// stopTyping sends typing_stop if a burst is in progress.
func (m *Mesh) stopTyping() {
	if !m.isTyping {
		m.cancelTyping()
		return
	}
	m.cancelTyping()
	m.broadcast(protocol.NewTypingStop(m.selfHandle()))
}

func (m *Mesh) cancelTyping() {
	m.typingGen++
	if m.typingTimer != nil {
		m.typingTimer.Stop()
		m.typingTimer = nil
	}
	m.isTyping = false
}
