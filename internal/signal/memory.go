package signal

import (
	"context"
	"net"
	"sort"
	"sync"
)

// MemoryBroker is an in-process rendezvous service. Connections are
// net.Pipe pairs. Failures can be injected to exercise retry paths.
type MemoryBroker struct {
	mu           sync.Mutex
	sessions     map[string]*memorySession
	registerErr  error
	reconnectErr error
	registers    int
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{sessions: make(map[string]*memorySession)}
}

// FailRegister makes every Register fail with err until called with nil.
func (b *MemoryBroker) FailRegister(err error) {
	b.mu.Lock()
	b.registerErr = err
	b.mu.Unlock()
}

// FailReconnect makes every Session.Reconnect fail with err until called with nil.
func (b *MemoryBroker) FailReconnect(err error) {
	b.mu.Lock()
	b.reconnectErr = err
	b.mu.Unlock()
}

// Registers counts Register calls, failed ones included.
func (b *MemoryBroker) Registers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registers
}

// Handles lists the registered handles.
func (b *MemoryBroker) Handles() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlesLocked()
}

func (b *MemoryBroker) handlesLocked() []string {
	out := make([]string, 0, len(b.sessions))
	for h := range b.sessions {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Drop simulates the rendezvous link of handle going away: the handle is
// unlisted and the session's Disconnected channel fires. Open connections
// are left alone, as they are peer to peer.
func (b *MemoryBroker) Drop(handle string) bool {
	b.mu.Lock()
	s, ok := b.sessions[handle]
	if ok {
		delete(b.sessions, handle)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	s.markDisconnected()
	return true
}

func (b *MemoryBroker) Register(ctx context.Context, handle string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap(KindNetwork, "register", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registers++
	if b.registerErr != nil {
		return nil, b.registerErr
	}
	if _, ok := b.sessions[handle]; ok {
		return nil, wrap(KindHandleTaken, "register", ErrHandleTaken)
	}
	s := &memorySession{
		broker: b,
		handle: handle,
		inbox:  newInbox(16),
		disc:   make(chan struct{}),
	}
	b.sessions[handle] = s
	return s, nil
}

type memorySession struct {
	broker *MemoryBroker
	handle string
	inbox  *inbox

	mu     sync.Mutex
	disc   chan struct{}
	down   bool
	closed bool
}

func (s *memorySession) Handle() string { return s.handle }

func (s *memorySession) Inbound() <-chan Conn { return s.inbox.ch }

func (s *memorySession) Disconnected() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disc
}

func (s *memorySession) markDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down || s.closed {
		return
	}
	s.down = true
	close(s.disc)
}

func (s *memorySession) isDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down || s.closed
}

func (s *memorySession) Peers(ctx context.Context) ([]string, error) {
	if s.isDown() {
		return nil, wrap(KindNetwork, "list peers", ErrNotRegistered)
	}
	return s.broker.Handles(), nil
}

func (s *memorySession) Dial(ctx context.Context, handle string) (Conn, error) {
	if s.isDown() {
		return nil, wrap(KindNetwork, "dial", ErrNotRegistered)
	}
	s.broker.mu.Lock()
	target, ok := s.broker.sessions[handle]
	s.broker.mu.Unlock()
	if !ok {
		return nil, wrap(KindPeerUnavailable, "dial "+handle, ErrNotRegistered)
	}
	a, b := net.Pipe()
	local := newStreamConn(handle, a)
	remote := newStreamConn(s.handle, b)
	if err := target.inbox.push(ctx, remote); err != nil {
		_ = local.Close()
		_ = remote.Close()
		return nil, wrap(KindNegotiation, "dial "+handle, err)
	}
	return local, nil
}

func (s *memorySession) Reconnect(ctx context.Context) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if s.broker.reconnectErr != nil {
		return s.broker.reconnectErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return wrap(KindFatal, "reconnect", ErrClosed)
	}
	if cur, ok := s.broker.sessions[s.handle]; ok && cur != s {
		return wrap(KindHandleTaken, "reconnect", ErrHandleTaken)
	}
	s.broker.sessions[s.handle] = s
	if s.down {
		s.down = false
		s.disc = make(chan struct{})
	}
	return nil
}

func (s *memorySession) Close() error {
	s.broker.mu.Lock()
	if cur, ok := s.broker.sessions[s.handle]; ok && cur == s {
		delete(s.broker.sessions, s.handle)
	}
	s.broker.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.inbox.close()
	return nil
}
