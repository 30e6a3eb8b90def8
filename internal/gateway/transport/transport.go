// Package transport owns the full-duplex socket to the gateway. One Conn maps
// to one WebSocket; inbound frames and lifecycle signals are delivered to a
// Handler from a single reader goroutine, so callbacks for the same Conn
// never run concurrently.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Close codes surfaced to OnClose.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseAbnormal        = 1006
)

var (
	// ErrNotOpen is returned by Send once the connection is closing or closed.
	ErrNotOpen = errors.New("transport: connection is not open")
	// ErrSendQueueFull is returned by Send when the outbound queue is saturated
	// (the peer stopped reading).
	ErrSendQueueFull = errors.New("transport: outbound queue full")
)

// Handler receives inbound traffic and lifecycle signals for one Conn.
type Handler struct {
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

// Conn is an open connection to the gateway.
type Conn interface {
	// Send queues one text frame for writing.
	Send(data []byte) error
	// Close starts a normal closure. OnClose fires once the reader exits.
	Close() error
	// IsOpen reports whether Send may still succeed.
	IsOpen() bool
}

// Dialer opens connections. The handler is bound before the first frame can
// be read, so no early frame (such as the auth challenge) is lost.
type Dialer interface {
	Dial(ctx context.Context, url string, h Handler) (Conn, error)
}

// Error is a connection-level failure: unreachable endpoint, rejected
// upgrade, or reset.
type Error struct {
	Op     string
	URL    string
	Status string
	Err    error
}

func (e *Error) Error() string {
	target := RedactURL(e.URL)
	if e.Status != "" {
		return fmt.Sprintf("transport %s %s (%s): %v", e.Op, target, e.Status, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, target, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
