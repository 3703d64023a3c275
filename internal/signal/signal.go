// Package signal abstracts the rendezvous service that lets mesh peers find
// and connect to each other. It never carries chat content itself; once a
// Conn is open, frames flow directly between the two peers.
package signal

import (
	"context"
	"errors"
	"fmt"

	"github.com/gosuda/peerchat/internal/protocol"
)

// Broker registers session handles with the rendezvous service.
type Broker interface {
	// Register claims handle and returns the live session. A handle that is
	// already claimed fails with KindHandleTaken.
	Register(ctx context.Context, handle string) (Session, error)
}

// Session is one registration with the rendezvous service.
type Session interface {
	Handle() string
	// Peers lists every handle currently registered, across all rooms.
	Peers(ctx context.Context) ([]string, error)
	// Dial opens a direct connection to handle.
	Dial(ctx context.Context, handle string) (Conn, error)
	// Inbound yields connections opened by other peers. It is closed by Close.
	Inbound() <-chan Conn
	// Disconnected is closed when the link to the rendezvous service drops.
	// Each successful Reconnect arms a fresh channel.
	Disconnected() <-chan struct{}
	// Reconnect re-establishes the registration under the same handle.
	Reconnect(ctx context.Context) error
	Close() error
}

// Conn is a reliable, ordered, bidirectional frame channel to one peer.
type Conn interface {
	RemoteHandle() string
	ReadFrame() (protocol.Frame, error)
	WriteFrame(protocol.Frame) error
	Close() error
}

// Kind classifies rendezvous and transport failures.
type Kind string

const (
	KindNetwork         Kind = "network"
	KindServer          Kind = "server-error"
	KindNegotiation     Kind = "negotiation"
	KindHandleTaken     Kind = "handle-taken"
	KindPeerUnavailable Kind = "peer-unavailable"
	KindFatal           Kind = "fatal"
)

// Retryable reports whether failures of this kind are worth another attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindServer, KindNegotiation, KindHandleTaken:
		return true
	}
	return false
}

var (
	ErrHandleTaken   = errors.New("handle already registered")
	ErrNotRegistered = errors.New("handle not registered")
	ErrClosed        = errors.New("session closed")
)

// Error carries the failure kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or KindFatal for untyped errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindFatal
}

// Retryable reports whether err may succeed on a later attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}
