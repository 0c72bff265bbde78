// Package netx abstracts the stream transport so the signaling code can run
// over TCP in production and over loopback listeners in tests.
package netx

import (
	"context"
	"errors"
	"io"
	"time"
)

// Addr is a dialable "host:port".
type Addr string

var ErrListening = errors.New("netx: already listening")

// Conn is a bidirectional byte stream with per-direction deadlines.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() Addr
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Network owns at most one listener at a time.
type Network interface {
	Listen(bindAddr string) (listenAddr Addr, err error)
	Accept() (Conn, error)
	Dial(ctx context.Context, addr Addr) (Conn, error)
	Close() error
}
