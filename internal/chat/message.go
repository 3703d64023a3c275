package chat

import (
	"hash/fnv"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Kind distinguishes chat messages from local system notices.
type Kind string

const (
	KindMessage Kind = "message"
	KindSystem  Kind = "system"
)

// Message is one transcript entry. Values are never mutated after creation.
type Message struct {
	ID        string `json:"id"`
	User      string `json:"user"`
	UserID    string `json:"userId,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix ms
	Type      Kind   `json:"type"`
}

// NewMessage builds a chat message authored by the local participant.
func NewMessage(name, userID, text string, now time.Time) Message {
	return Message{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		User:      name,
		UserID:    userID,
		Text:      text,
		Timestamp: now.UnixMilli(),
		Type:      KindMessage,
	}
}

// NewSystem builds a local notice. System messages never leave this peer.
func NewSystem(text string, now time.Time) Message {
	return Message{
		ID:        "sys-" + uuid.NewString(),
		User:      "system",
		Text:      text,
		Timestamp: now.UnixMilli(),
		Type:      KindSystem,
	}
}

func (m Message) IsSystem() bool { return m.Type == KindSystem }

// Time returns the creation time.
func (m Message) Time() time.Time { return time.UnixMilli(m.Timestamp) }

func less(a, b Message) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}

// Merge returns the union of both transcripts keyed by id, ordered by
// timestamp with the id as tie-breaker. When an id appears on both sides
// the local entry is kept. Neither input is modified.
func Merge(local, incoming []Message) []Message {
	byID := make(map[string]Message, len(local)+len(incoming))
	for _, m := range incoming {
		if m.ID == "" {
			continue
		}
		byID[m.ID] = m
	}
	for _, m := range local {
		byID[m.ID] = m
	}
	out := make([]Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Append adds m to the end of t unless a message with the same id is
// already present. The result is a new slice; t is left untouched.
func Append(t []Message, m Message) []Message {
	if Contains(t, m.ID) {
		return t
	}
	out := make([]Message, len(t), len(t)+1)
	copy(out, t)
	return append(out, m)
}

// Contains reports whether a message with id exists in t.
func Contains(t []Message, id string) bool {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].ID == id {
			return true
		}
	}
	return false
}

// ChatOnly drops system notices.
func ChatOnly(t []Message) []Message {
	out := make([]Message, 0, len(t))
	for _, m := range t {
		if !m.IsSystem() {
			out = append(out, m)
		}
	}
	return out
}

// Tail returns the last n entries of t in their current order.
func Tail(t []Message, n int) []Message {
	if n <= 0 || len(t) <= n {
		return append([]Message(nil), t...)
	}
	return append([]Message(nil), t[len(t)-n:]...)
}

// Recent returns the newest n messages by timestamp, oldest first.
func Recent(t []Message, n int) []Message {
	sorted := append([]Message(nil), t...)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	return Tail(sorted, n)
}

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#42d4f4", "#f032e6", "#469990", "#9a6324", "#800000",
}

// ColorFor picks a stable display color for a participant identity.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
