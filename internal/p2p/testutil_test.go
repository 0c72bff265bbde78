package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"p2p-call/internal/call"
	"p2p-call/internal/contacts"
	"p2p-call/internal/crypto/envelope"
	"p2p-call/internal/identity"
	"p2p-call/internal/netx"
	"p2p-call/internal/session"
	"p2p-call/internal/telemetry"
)

type nopMedia struct{}

func (nopMedia) CreateOffer(cb func(string, error))           { go cb("offer", nil) }
func (nopMedia) CreateAnswer(_ string, cb func(string, error)) { go cb("answer", nil) }
func (nopMedia) SetRemoteAnswer(string) error                  { return nil }
func (nopMedia) OnDisconnected(func())                         {}
func (nopMedia) Close() error                                  { return nil }

type testServer struct {
	*Server
	sealer *envelope.Sealer
	dir    *contacts.Directory
	calls  *call.Manager
}

type serverOpt func(*Config)

func WithBlockUnknown(v bool) serverOpt {
	return func(cfg *Config) { cfg.BlockUnknown = func() bool { return v } }
}

func WithFirstMessageTimeout(d time.Duration) serverOpt {
	return func(cfg *Config) { cfg.FirstMessageTimeout = d }
}

func newSealer(t *testing.T) *envelope.Sealer {
	t.Helper()
	id, err := identity.New()
	require.NoError(t, err)
	return envelope.NewSealer(id)
}

// newTestServer spins up a server on an ephemeral localhost port and stops
// it on cleanup.
func newTestServer(t *testing.T, opts ...serverOpt) *testServer {
	t.Helper()
	sealer := newSealer(t)
	dir := contacts.NewDirectory()
	nw := netx.NewTCPNetwork(time.Second)
	calls := call.NewManager(call.Config{
		Username:    func() string { return "server" },
		Network:     nw,
		Sealer:      sealer,
		Media:       func() (call.MediaEngine, error) { return nopMedia{}, nil },
		RingTimeout: 5 * time.Second,
		Logger:      telemetry.Discard(),
	})

	cfg := Config{
		Network:     nw,
		BindAddr:    "127.0.0.1:0",
		Sealer:      sealer,
		Contacts:    dir,
		Calls:       calls,
		ReadTimeout: 2 * time.Second,
		Logger:      telemetry.Discard(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		if c := calls.Current(); c != nil {
			_ = c.HangUp()
		}
		_ = srv.Stop()
	})
	return &testServer{Server: srv, sealer: sealer, dir: dir, calls: calls}
}

// dialServer opens a session from client to ts.
func dialServer(t *testing.T, ts *testServer, client *envelope.Sealer) *session.Session {
	t.Helper()
	s, err := session.Dial(context.Background(), netx.NewTCPNetwork(time.Second), ts.ListenAddr(), client, ts.sealer.Public())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitEvent(t *testing.T, ts *testServer, want EventType) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-ts.Events():
			if e.Type == want {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}
