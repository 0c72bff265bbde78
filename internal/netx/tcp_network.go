package netx

import (
	"context"
	"net"
	"sync"
	"time"
)

// keepAlive detects peers that vanished during a long call.
const keepAlive = 15 * time.Second

type TCPNetwork struct {
	dialTimeout time.Duration

	mu sync.Mutex
	ln net.Listener
}

// NewTCPNetwork returns a TCP transport. dialTimeout bounds each Dial in
// addition to the context passed to it; zero means no extra bound.
func NewTCPNetwork(dialTimeout time.Duration) *TCPNetwork {
	return &TCPNetwork{dialTimeout: dialTimeout}
}

func (t *TCPNetwork) Listen(bindAddr string) (Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln != nil {
		return "", ErrListening
	}
	lc := net.ListenConfig{KeepAlive: keepAlive}
	ln, err := lc.Listen(context.Background(), "tcp", bindAddr)
	if err != nil {
		return "", err
	}
	t.ln = ln
	return Addr(ln.Addr().String()), nil
}

func (t *TCPNetwork) listener() net.Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ln
}

// Accept returns net.ErrClosed once Close has run.
func (t *TCPNetwork) Accept() (Conn, error) {
	ln := t.listener()
	if ln == nil {
		return nil, net.ErrClosed
	}
	c, err := ln.Accept()
	if err != nil {
		return nil, err
	}
	return WrapConn(c), nil
}

func (t *TCPNetwork) Dial(ctx context.Context, addr Addr) (Conn, error) {
	d := net.Dialer{Timeout: t.dialTimeout, KeepAlive: keepAlive}
	c, err := d.DialContext(ctx, "tcp", string(addr))
	if err != nil {
		return nil, err
	}
	return WrapConn(c), nil
}

// Close stops the listener. Established connections are left alone.
func (t *TCPNetwork) Close() error {
	t.mu.Lock()
	ln := t.ln
	t.ln = nil
	t.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

type stream struct {
	net.Conn
	remote Addr
}

func (s *stream) RemoteAddr() Addr { return s.remote }

// WrapConn adapts any net.Conn, e.g. one end of net.Pipe.
func WrapConn(c net.Conn) Conn {
	var remote Addr
	if ra := c.RemoteAddr(); ra != nil {
		remote = Addr(ra.String())
	}
	return &stream{Conn: c, remote: remote}
}
