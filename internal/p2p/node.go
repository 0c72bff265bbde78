// Package p2p runs the signaling listener: it accepts peer connections,
// identifies the caller by its envelope key and dispatches call, ping and
// status messages.
package p2p

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"p2p-call/internal/call"
	"p2p-call/internal/contacts"
	"p2p-call/internal/crypto/envelope"
	"p2p-call/internal/netx"
	"p2p-call/internal/telemetry"
)

// Policy rejections. They are logged, never sent to the peer.
var (
	ErrBlocked       = errors.New("p2p: contact is blocked")
	ErrUnknownCaller = errors.New("p2p: unknown callers are blocked")
)

const (
	DefaultFirstMessageTimeout = 5 * time.Second
	DefaultReadTimeout         = 30 * time.Second
	DefaultUnknownName         = "Unknown"
)

type Config struct {
	Network  netx.Network // transport implementation
	BindAddr string       // e.g. ":10001"
	Port     int          // peer port for outbound goodbyes
	Sealer   *envelope.Sealer
	Contacts *contacts.Directory
	Calls    *call.Manager

	// BlockUnknown is consulted per connection so settings changes apply
	// without a restart.
	BlockUnknown func() bool
	UnknownName  string

	FirstMessageTimeout time.Duration
	ReadTimeout         time.Duration

	Logger logrus.FieldLogger
}

type Server struct {
	cfg  Config
	addr netx.Addr
	log  logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events chan Event
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Network == nil || cfg.Sealer == nil || cfg.Contacts == nil || cfg.Calls == nil {
		return nil, errors.New("p2p: network, sealer, contacts and calls are required")
	}
	if cfg.FirstMessageTimeout <= 0 {
		cfg.FirstMessageTimeout = DefaultFirstMessageTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.UnknownName == "" {
		cfg.UnknownName = DefaultUnknownName
	}
	if cfg.Port == 0 {
		cfg.Port = call.DefaultPort
	}
	if cfg.BlockUnknown == nil {
		cfg.BlockUnknown = func() bool { return false }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		log:    telemetry.Component(cfg.Logger, "p2p"),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, 128),
	}, nil
}

// ListenAddr returns where the server is listening.
func (s *Server) ListenAddr() netx.Addr { return s.addr }

// Events returns the notification channel for the UI layer.
func (s *Server) Events() <-chan Event { return s.events }

// Start binds the listening port. A bind failure is returned; everything
// after that is handled per connection.
func (s *Server) Start() error {
	addr, err := s.cfg.Network.Listen(s.cfg.BindAddr)
	if err != nil {
		return err
	}
	s.addr = addr
	s.Logf("listening on %s, key=%s", addr, s.cfg.Sealer.Public().Short())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and waits for the accept loop.
func (s *Server) Stop() error {
	s.cancel()
	err := s.cfg.Network.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, err := s.cfg.Network.Accept()
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.WithError(err).Error("accept failed")
			}
			return
		}
		go s.handleConn(conn)
	}
}

// Publish queues e for the UI layer. Events are dropped when nobody reads.
func (s *Server) Publish(e Event) {
	select {
	case s.events <- e:
	default:
		s.Logf("event %s dropped", e.Type)
	}
}

// Logf is a debug-level printf for connection chatter.
func (s *Server) Logf(format string, args ...any) {
	s.log.Debugf(format, args...)
}
