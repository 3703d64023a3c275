package mesh

import (
	"sync"

	"github.com/gosuda/peerchat/internal/chat"
)

// Status is the connection indicator state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusRetrying     Status = "retrying"
	StatusError        Status = "error"
)

type EventType string

const (
	EventStatus     EventType = "status"
	EventNotice     EventType = "notice"
	EventMessage    EventType = "message"
	EventTranscript EventType = "transcript"
	EventPeers      EventType = "peers"
	EventTyping     EventType = "typing"
)

// Notice levels for toasts.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Event is pushed to subscribers whenever view state changes.
type Event struct {
	Type    EventType     `json:"type"`
	Status  Status        `json:"status,omitempty"`
	Level   string        `json:"level,omitempty"`
	Text    string        `json:"text,omitempty"`
	Message *chat.Message `json:"message,omitempty"`
	Peers   []PeerInfo    `json:"peers,omitempty"`
	Typing  []string      `json:"typing,omitempty"`
	Count   int           `json:"count,omitempty"`
}

// hub fans events out to subscribers. Slow subscribers lose their oldest
// events rather than stalling the mesh loop.
type hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan Event]struct{})}
}

func (h *hub) subscribe(size int) (<-chan Event, func()) {
	if size <= 0 {
		size = 64
	}
	ch := make(chan Event, size)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// drop oldest to avoid blocking
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
