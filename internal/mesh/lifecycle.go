package mesh

import (
	"context"
	"fmt"

	"github.com/gosuda/peerchat/internal/signal"
)

// connect registers a fresh handle. The result is posted back to the loop
// tagged with the epoch it was started in.
func (m *Mesh) connect() {
	if m.session != nil || m.sessCancel != nil {
		m.teardownSession()
	}
	m.epoch++
	epoch := m.epoch
	ctx, cancel := context.WithCancel(context.Background())
	m.sessCtx, m.sessCancel = ctx, cancel
	m.setStatus(StatusConnecting)

	rdv := m.rdv
	go func() {
		sess, err := rdv.Connect(ctx)
		posted := m.enqueue(func() { m.onRegistered(epoch, sess, err) })
		if !posted && sess != nil {
			_ = sess.Close()
		}
	}()
}

func (m *Mesh) onRegistered(epoch uint64, sess signal.Session, err error) {
	if epoch != m.epoch {
		if sess != nil {
			_ = sess.Close()
		}
		return
	}
	if err != nil {
		m.fail(err)
		return
	}
	m.session = sess
	m.attempt = 0
	m.lastErr = nil
	m.log.Info().Str("handle", sess.Handle()).Msg("registered")
	m.setStatus(StatusConnected)

	go m.watchInbound(m.sessCtx, epoch, sess)
	go m.watchDisconnect(m.sessCtx, epoch, sess)
	m.rebuildMesh()
	m.scheduleRefresh()
}

func (m *Mesh) watchInbound(ctx context.Context, epoch uint64, sess signal.Session) {
	for {
		select {
		case c, ok := <-sess.Inbound():
			if !ok {
				return
			}
			if !m.enqueue(func() { m.acceptInbound(epoch, c) }) {
				_ = c.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Mesh) watchDisconnect(ctx context.Context, epoch uint64, sess signal.Session) {
	select {
	case <-sess.Disconnected():
		m.enqueue(func() { m.onDisconnected(epoch) })
	case <-ctx.Done():
	}
}

// onDisconnected handles a dropped rendezvous link. Direct connections stay
// up while the session re-registers under the same handle.
func (m *Mesh) onDisconnected(epoch uint64) {
	if epoch != m.epoch || m.session == nil {
		return
	}
	m.log.Warn().Str("handle", m.session.Handle()).Msg("rendezvous link lost")
	m.setStatus(StatusRetrying)
	m.notice(LevelWarn, "connection to rendezvous lost, reconnecting")

	sess, ctx := m.session, m.sessCtx
	go func() {
		err := sess.Reconnect(ctx)
		m.enqueue(func() { m.onReconnected(epoch, err) })
	}()
}

func (m *Mesh) onReconnected(epoch uint64, err error) {
	if epoch != m.epoch || m.session == nil {
		return
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("reconnect in place")
		m.fail(err)
		return
	}
	m.attempt = 0
	m.lastErr = nil
	m.setStatus(StatusConnected)
	m.notice(LevelInfo, "reconnected")
	go m.watchDisconnect(m.sessCtx, epoch, m.session)
	m.rebuildMesh()
}

// fail applies the retry policy: retryable errors back off exponentially
// until MaxRetries attempts are spent, anything else stops at once.
func (m *Mesh) fail(err error) {
	m.lastErr = err
	kind := signal.KindOf(err)
	if !kind.Retryable() || m.attempt >= m.cfg.MaxRetries {
		m.teardown()
		m.log.Error().Err(err).Str("kind", string(kind)).Int("attempt", m.attempt).Msg("connection failed")
		m.setStatus(StatusError)
		m.notice(LevelError, "connection failed: "+err.Error())
		return
	}

	m.attempt++
	delay := m.cfg.RetryBase << uint(m.attempt)
	m.teardownSession()

	epoch := m.epoch
	m.retryTimer = m.clock.AfterFunc(delay, func() {
		m.enqueue(func() {
			if epoch != m.epoch {
				return
			}
			m.retryTimer = nil
			m.connect()
		})
	})
	m.log.Warn().Err(err).Str("kind", string(kind)).Int("attempt", m.attempt).Dur("delay", delay).Msg("retrying")
	m.setStatus(StatusRetrying)
	m.notice(LevelWarn, fmt.Sprintf("connection lost, retrying in %s (attempt %d/%d)", delay, m.attempt, m.cfg.MaxRetries))
}

// rebuildMesh discovers the room and dials everyone not yet connected.
func (m *Mesh) rebuildMesh() {
	if m.session == nil {
		return
	}
	epoch, sess, ctx, rdv := m.epoch, m.session, m.sessCtx, m.rdv
	go func() {
		handles, err := rdv.Discover(ctx, sess)
		m.enqueue(func() { m.onDiscovered(epoch, handles, err) })
	}()
}

func (m *Mesh) onDiscovered(epoch uint64, handles []string, err error) {
	if epoch != m.epoch || m.session == nil {
		return
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("discover peers")
		return
	}
	m.log.Debug().Int("peers", len(handles)).Msg("discovered")
	for _, h := range handles {
		m.dial(h)
	}
}

func (m *Mesh) scheduleRefresh() {
	if m.cfg.RefreshInterval <= 0 {
		return
	}
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	epoch := m.epoch
	m.refreshTimer = m.clock.AfterFunc(m.cfg.RefreshInterval, func() {
		m.enqueue(func() {
			if epoch != m.epoch {
				return
			}
			m.rebuildMesh()
			m.scheduleRefresh()
		})
	})
}

func (m *Mesh) stopRetry() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// teardownSession drops the session and everything hanging off it. Bumping
// the epoch makes every in-flight callback from the old session a no-op.
func (m *Mesh) teardownSession() {
	m.epoch++
	if m.sessCancel != nil {
		m.sessCancel()
	}
	m.sessCtx, m.sessCancel = nil, nil
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	m.cancelTyping()

	for _, p := range m.peers {
		p.close()
	}
	hadPeers := len(m.infos) > 0
	hadTyping := len(m.typing) > 0
	m.peers = map[string]*peer{}
	m.infos = map[string]PeerInfo{}
	m.typing = map[string]string{}

	if m.session != nil {
		if err := m.session.Close(); err != nil {
			m.log.Debug().Err(err).Msg("close session")
		}
		m.session = nil
	}
	if hadPeers {
		m.publishPeers()
	}
	if hadTyping {
		m.publishTyping()
	}
}

func (m *Mesh) teardown() {
	m.stopRetry()
	m.teardownSession()
}
