// Package protocol defines the frames peers exchange over a mesh connection.
// Wire format: newline-delimited JSON on a reliable, ordered stream.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gosuda/peerchat/internal/chat"
)

type Type string

const (
	TypeHello           Type = "hello" // dialer -> listener, first frame on a stream
	TypeUserInfo        Type = "user_info"
	TypeHistoryRequest  Type = "history_request"
	TypeHistoryResponse Type = "history_response"
	TypeTypingStart     Type = "typing_start"
	TypeTypingStop      Type = "typing_stop"
	TypeChat            Type = "chat"
)

// Frame is the envelope for every message on a connection.
type Frame struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Hello struct {
	Handle string `json:"handle"`
}

// UserInfo is a peer's profile. It is resent whenever the display name changes.
type UserInfo struct {
	PeerID string `json:"peerId"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	UserID string `json:"userId"`
}

type Typing struct {
	PeerID string `json:"peerId"`
	Name   string `json:"name,omitempty"`
}

type History struct {
	Messages []chat.Message `json:"messages"`
}

func newFrame(t Type, v interface{}) Frame {
	if v == nil {
		return Frame{Type: t}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// payload types are plain structs; Encode cannot fail on them
	_ = enc.Encode(v)
	return Frame{Type: t, Payload: bytes.TrimRight(buf.Bytes(), "\n")}
}

func NewHello(handle string) Frame { return newFrame(TypeHello, Hello{Handle: handle}) }

func NewUserInfo(u UserInfo) Frame { return newFrame(TypeUserInfo, u) }

func NewHistoryRequest() Frame { return newFrame(TypeHistoryRequest, nil) }

func NewHistoryResponse(msgs []chat.Message) Frame {
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return newFrame(TypeHistoryResponse, History{Messages: msgs})
}

func NewTypingStart(peerID, name string) Frame {
	return newFrame(TypeTypingStart, Typing{PeerID: peerID, Name: name})
}

func NewTypingStop(peerID string) Frame { return newFrame(TypeTypingStop, Typing{PeerID: peerID}) }

func NewChat(m chat.Message) Frame { return newFrame(TypeChat, m) }

// Decode unmarshals the payload into v.
func (f Frame) Decode(v interface{}) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("decode %s: empty payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", f.Type, err)
	}
	return nil
}
