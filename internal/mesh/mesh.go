// Package mesh keeps a full mesh of direct connections between the
// participants of a chat room and reconciles their transcripts.
//
// Each Mesh runs a single loop goroutine that owns all state. Network I/O
// happens in helper goroutines which post their results back to the loop,
// so handlers never need locks.
package mesh

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/gosuda/peerchat/internal/chat"
	"github.com/gosuda/peerchat/internal/history"
	"github.com/gosuda/peerchat/internal/signal"
)

const (
	DefaultMaxRetries      = 3
	DefaultRetryBase       = time.Second
	DefaultTypingTimeout   = 2 * time.Second
	DefaultHistoryLimit    = 50
	DefaultRefreshInterval = 30 * time.Second
	DefaultDialTimeout     = 15 * time.Second

	commandBuffer = 256
	sendBuffer    = 64
)

var ErrClosed = errors.New("mesh closed")

type Config struct {
	Room   string
	UserID string
	Name   string
	Color  string

	Broker signal.Broker
	// Cache seeds the transcript at construction and persists changes.
	// Optional.
	Cache  *history.Cache
	Clock  clock.Clock
	Logger zerolog.Logger

	MaxRetries int
	// Retry n waits RetryBase * 2^n.
	RetryBase     time.Duration
	TypingTimeout time.Duration
	// HistoryLimit caps the messages sent in one history_response.
	HistoryLimit int
	// RefreshInterval re-runs discovery while connected; negative disables.
	RefreshInterval time.Duration
	DialTimeout     time.Duration
}

func (c *Config) setDefaults() {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBase == 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.TypingTimeout == 0 {
		c.TypingTimeout = DefaultTypingTimeout
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if !validColor(c.Color) {
		c.Color = chat.ColorFor(c.UserID)
	}
	c.Name = chat.SanitizeName(c.Name)
}

// Stats counts connection attempts since construction.
type Stats struct {
	Dials    int `json:"dials"`
	Accepted int `json:"accepted"`
}

type Mesh struct {
	cfg    Config
	log    zerolog.Logger
	clock  clock.Clock
	rdv    *Rendezvous
	cache  *history.Cache
	events *hub

	commands  chan func()
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Everything below is owned by the loop goroutine. Collections are
	// replaced, never mutated in place.
	userID     string
	name       string
	status     Status
	lastErr    error
	attempt    int
	epoch      uint64
	session    signal.Session
	sessCtx    context.Context
	sessCancel context.CancelFunc
	peers      map[string]*peer
	infos      map[string]PeerInfo
	typing     map[string]string
	transcript []chat.Message
	stats      Stats

	retryTimer   *clock.Timer
	refreshTimer *clock.Timer
	typingTimer  *clock.Timer
	typingGen    uint64
	isTyping     bool
}

// New builds a mesh and hydrates its transcript from the cache. The loop
// starts immediately; call Start to join the room and Close to release it.
func New(cfg Config) (*Mesh, error) {
	if cfg.Room == "" {
		return nil, errors.New("room is required")
	}
	// handles are room_user_suffix; a separator in the room would match other rooms
	if strings.ContainsAny(cfg.Room, "_ ") {
		return nil, errors.New("room must not contain '_' or spaces")
	}
	if cfg.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if cfg.Broker == nil {
		return nil, errors.New("broker is required")
	}
	cfg.setDefaults()

	m := &Mesh{
		cfg:        cfg,
		log:        cfg.Logger.With().Str("room", cfg.Room).Str("user_id", cfg.UserID).Logger(),
		clock:      cfg.Clock,
		rdv:        NewRendezvous(cfg.Broker, cfg.Room, cfg.UserID),
		cache:      cfg.Cache,
		events:     newHub(),
		commands:   make(chan func(), commandBuffer),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
		userID:     cfg.UserID,
		name:       cfg.Name,
		status:     StatusDisconnected,
		peers:      map[string]*peer{},
		infos:      map[string]PeerInfo{},
		typing:     map[string]string{},
		transcript: []chat.Message{},
	}
	if m.cache != nil {
		m.transcript = m.cache.Load()
		m.log.Debug().Int("messages", len(m.transcript)).Msg("transcript restored")
	}
	go m.loop()
	return m, nil
}

func (m *Mesh) loop() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.commands:
			fn()
		case <-m.closing:
			m.teardown()
			m.setStatus(StatusDisconnected)
			return
		}
	}
}

// enqueue schedules fn on the loop. It reports false once the mesh is closing.
func (m *Mesh) enqueue(fn func()) bool {
	select {
	case <-m.closing:
		return false
	default:
	}
	select {
	case m.commands <- fn:
		return true
	case <-m.closing:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (m *Mesh) call(fn func()) bool {
	reply := make(chan struct{})
	if !m.enqueue(func() { fn(); close(reply) }) {
		return false
	}
	select {
	case <-reply:
		return true
	case <-m.done:
		select {
		case <-reply:
			return true
		default:
			return false
		}
	}
}

// Start joins the room. Calling it while already connected is a no-op.
func (m *Mesh) Start() {
	m.enqueue(func() {
		if m.status == StatusDisconnected || m.status == StatusError {
			m.attempt = 0
			m.connect()
		}
	})
}

// Stop leaves the room but keeps the mesh usable; Start rejoins.
func (m *Mesh) Stop() {
	m.call(func() {
		m.teardown()
		m.setStatus(StatusDisconnected)
	})
}

// Reconnect tears the session down and joins again with a fresh handle
// and a reset retry budget.
func (m *Mesh) Reconnect() {
	m.enqueue(func() {
		m.log.Info().Msg("forced reconnect")
		m.teardown()
		m.attempt = 0
		m.connect()
	})
}

// SetIdentity switches the participant identity. Any live session is torn
// down and rejoined under the new identity.
func (m *Mesh) SetIdentity(userID, name string) {
	m.enqueue(func() {
		if userID == "" {
			m.teardown()
			m.setStatus(StatusDisconnected)
			return
		}
		wasActive := m.status != StatusDisconnected
		m.teardown()
		m.userID = userID
		m.name = chat.SanitizeName(name)
		m.rdv = NewRendezvous(m.cfg.Broker, m.cfg.Room, userID)
		if wasActive {
			m.attempt = 0
			m.connect()
		} else {
			m.setStatus(StatusDisconnected)
		}
	})
}

// Close leaves the room, flushes the history cache and stops the loop.
func (m *Mesh) Close() error {
	m.closeOnce.Do(func() { close(m.closing) })
	<-m.done
	m.events.closeAll()
	if m.cache != nil {
		return m.cache.Flush()
	}
	return nil
}

// Subscribe returns a channel of view events and a cancel func.
func (m *Mesh) Subscribe(size int) (<-chan Event, func()) {
	return m.events.subscribe(size)
}

// Send appends a chat message to the transcript and broadcasts it.
func (m *Mesh) Send(text string) (chat.Message, error) {
	text = chat.SanitizeText(text)
	if text == "" {
		return chat.Message{}, errors.New("empty message")
	}
	var msg chat.Message
	if !m.call(func() { msg = m.send(text) }) {
		return chat.Message{}, ErrClosed
	}
	return msg, nil
}

// Typing records a keystroke for the typing indicator.
func (m *Mesh) Typing() { m.enqueue(m.keystroke) }

// SetName changes the display name and re-announces it to connected peers.
func (m *Mesh) SetName(name string) {
	name = chat.SanitizeName(name)
	m.enqueue(func() { m.setName(name) })
}

// Clear empties the transcript and its cache, then asks every peer
// for history again.
func (m *Mesh) Clear() { m.call(m.clear) }

// Dial connects to handle unless a connection already exists.
func (m *Mesh) Dial(handle string) { m.enqueue(func() { m.dial(handle) }) }

// Rebuild discovers the room and dials every member not yet connected.
func (m *Mesh) Rebuild() { m.enqueue(m.rebuildMesh) }

func (m *Mesh) Status() Status {
	s := StatusDisconnected
	m.call(func() { s = m.status })
	return s
}

// LastError is the error that caused the latest retry or failure.
func (m *Mesh) LastError() error {
	var err error
	m.call(func() { err = m.lastErr })
	return err
}

// Handle is the current session handle, empty while not registered.
func (m *Mesh) Handle() string {
	var h string
	m.call(func() { h = m.selfHandle() })
	return h
}

func (m *Mesh) Name() string {
	var n string
	m.call(func() { n = m.name })
	return n
}

func (m *Mesh) Transcript() []chat.Message {
	var out []chat.Message
	m.call(func() { out = append([]chat.Message(nil), m.transcript...) })
	return out
}

// Peers lists the profiles of connected peers, one per connection.
func (m *Mesh) Peers() []PeerInfo {
	var out []PeerInfo
	m.call(func() { out = m.peerList() })
	return out
}

// Participants lists connected identities, merging handles that belong to
// the same user.
func (m *Mesh) Participants() []PeerInfo {
	var out []PeerInfo
	m.call(func() {
		seen := make(map[string]bool)
		for _, p := range m.peerList() {
			if seen[p.UserID] {
				continue
			}
			seen[p.UserID] = true
			out = append(out, p)
		}
	})
	return out
}

// TypingNames lists who is typing right now.
func (m *Mesh) TypingNames() []string {
	var out []string
	m.call(func() { out = m.typingList() })
	return out
}

// Connections lists the handles with a pending or open connection.
func (m *Mesh) Connections() []string {
	var out []string
	m.call(func() {
		for h := range m.peers {
			out = append(out, h)
		}
	})
	sort.Strings(out)
	return out
}

func (m *Mesh) Stats() Stats {
	var s Stats
	m.call(func() { s = m.stats })
	return s
}

func (m *Mesh) selfHandle() string {
	if m.session == nil {
		return ""
	}
	return m.session.Handle()
}

func (m *Mesh) peerList() []PeerInfo {
	out := make([]PeerInfo, 0, len(m.infos))
	for _, info := range m.infos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

func (m *Mesh) typingList() []string {
	out := make([]string, 0, len(m.typing))
	for _, name := range m.typing {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Mesh) setStatus(s Status) {
	if m.status == s {
		return
	}
	m.log.Debug().Str("from", string(m.status)).Str("to", string(s)).Msg("status")
	m.status = s
	m.events.publish(Event{Type: EventStatus, Status: s})
}

func (m *Mesh) notice(level, text string) {
	m.events.publish(Event{Type: EventNotice, Level: level, Text: text})
}

func (m *Mesh) setTranscript(t []chat.Message) {
	m.transcript = t
	if m.cache != nil {
		m.cache.Schedule(t)
	}
	m.events.publish(Event{Type: EventTranscript, Count: len(t)})
}

func (m *Mesh) appendMessage(msg chat.Message) {
	if chat.Contains(m.transcript, msg.ID) {
		return
	}
	m.setTranscript(chat.Append(m.transcript, msg))
	m.events.publish(Event{Type: EventMessage, Message: &msg})
}

func (m *Mesh) appendSystem(text string) {
	m.appendMessage(chat.NewSystem(text, m.clock.Now()))
}

func (m *Mesh) publishPeers() {
	m.events.publish(Event{Type: EventPeers, Peers: m.peerList()})
}

func (m *Mesh) publishTyping() {
	m.events.publish(Event{Type: EventTyping, Typing: m.typingList()})
}
