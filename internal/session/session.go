// Package session runs the encrypted message exchange on one signaling
// connection: framing, sealing to the peer key and JSON decoding.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"p2p-call/internal/crypto/envelope"
	"p2p-call/internal/identity"
	"p2p-call/internal/netx"
	"p2p-call/internal/proto"
	"p2p-call/internal/wire"
)

var (
	// ErrNoMessage means the read timeout expired with nothing received.
	ErrNoMessage = errors.New("session: no message")
	// ErrSenderMismatch means a frame opened fine but came from another key.
	ErrSenderMismatch = errors.New("session: sender key changed")
	ErrNoPeer         = errors.New("session: peer key not known yet")
	ErrClosed         = errors.New("session: closed")
)

// Session owns one connection. Sends are serialised; Receive must be called
// from a single goroutine.
type Session struct {
	conn   netx.Conn
	sealer *envelope.Sealer

	mu     sync.Mutex
	peer   identity.PublicKey
	closed bool

	wmu sync.Mutex
}

// New wraps an accepted connection whose peer is not known yet.
func New(conn netx.Conn, sealer *envelope.Sealer) *Session {
	return &Session{conn: conn, sealer: sealer}
}

// Dial connects to addr and binds the session to peer.
func Dial(ctx context.Context, nw netx.Network, addr netx.Addr, sealer *envelope.Sealer, peer identity.PublicKey) (*Session, error) {
	conn, err := nw.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	s := New(conn, sealer)
	s.peer = peer
	return s, nil
}

// Peer returns the bound peer key, zero until known.
func (s *Session) Peer() identity.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// RemoteAddr is the transport address of the other end.
func (s *Session) RemoteAddr() netx.Addr { return s.conn.RemoteAddr() }

// Send seals m to the peer and writes one frame.
func (s *Session) Send(m proto.Message) error {
	peer := s.Peer()
	if peer.IsZero() {
		return ErrNoPeer
	}
	ct, err := s.sealer.Seal(m.Encode(), peer)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.isClosed() {
		return ErrClosed
	}
	return wire.WriteMessage(s.conn, ct)
}

// Receive reads and opens one message. The first message received on a
// session without a peer binds the sender as peer.
//
// Errors: ErrNoMessage on idle timeout; envelope.ErrUndecryptable when the
// frame cannot be opened; ErrSenderMismatch (with the sender returned) for a
// valid frame from a different key; proto errors for bad JSON, where the
// partially decoded message is still returned; wire errors otherwise.
func (s *Session) Receive(timeout time.Duration) (proto.Message, identity.PublicKey, error) {
	frame, err := wire.ReadMessage(s.conn, timeout)
	if err != nil {
		if s.isClosed() {
			return proto.Message{}, identity.PublicKey{}, ErrClosed
		}
		return proto.Message{}, identity.PublicKey{}, err
	}
	if frame == nil {
		return proto.Message{}, identity.PublicKey{}, ErrNoMessage
	}

	plain, sender, ok := s.sealer.Open(frame, nil)
	if !ok {
		return proto.Message{}, identity.PublicKey{}, envelope.ErrUndecryptable
	}

	s.mu.Lock()
	if s.peer.IsZero() {
		s.peer = sender
	}
	mismatch := s.peer != sender
	s.mu.Unlock()
	if mismatch {
		return proto.Message{}, sender, ErrSenderMismatch
	}

	m, err := proto.Decode(plain)
	if err != nil {
		return m, sender, fmt.Errorf("session: %w", err)
	}
	return m, sender, nil
}

// Close closes the connection; it is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
