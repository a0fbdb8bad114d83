// Package transport carries framed binary messages between the client and
// the capture host.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrInvalidAddress is returned when a local or host address cannot be
	// resolved to something dialable.
	ErrInvalidAddress = errors.New("invalid address")
	ErrClosed         = errors.New("connection closed")
)

// Conn is one established session with a capture host. ReadMessage is
// called from a single goroutine; WriteMessage is safe for concurrent use.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(p []byte) error
	RemoteAddr() string
	Close() error
}

// Dialer opens a Conn. Empty addresses mean auto-select.
type Dialer interface {
	Dial(ctx context.Context, localAddr, hostAddr string) (Conn, error)
}
