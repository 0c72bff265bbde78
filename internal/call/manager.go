package call

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"p2p-call/internal/contacts"
	"p2p-call/internal/crypto/envelope"
	"p2p-call/internal/database"
	"p2p-call/internal/identity"
	"p2p-call/internal/netx"
	"p2p-call/internal/session"
	"p2p-call/internal/telemetry"
)

var (
	ErrBusy              = errors.New("call: another call is in progress")
	ErrInvalidTransition = errors.New("call: invalid state transition")
	ErrNotRinging        = errors.New("call: call is not ringing")
	ErrWrongRole         = errors.New("call: operation not valid for this side")
	ErrNoAddress         = session.ErrNoAddress
	ErrHungUp            = errors.New("call: hung up locally")
	ErrNoAnswer          = errors.New("call: no answer")
	ErrUnexpectedReply   = errors.New("call: unexpected reply")
	ErrNoMedia           = errors.New("call: no media engine configured")
)

// MediaEngine negotiates the media path. Offer and answer creation complete
// asynchronously through the callback.
type MediaEngine interface {
	CreateOffer(cb func(sdp string, err error))
	CreateAnswer(offer string, cb func(sdp string, err error))
	SetRemoteAnswer(sdp string) error
	OnDisconnected(fn func())
	Close() error
}

// MediaFactory builds one MediaEngine per call.
type MediaFactory func() (MediaEngine, error)

const (
	DefaultReplyTimeout = 10 * time.Second
	DefaultRingTimeout  = 60 * time.Second
	DefaultAutoDismiss  = 2 * time.Second
	DefaultPort         = 10001
)

type Config struct {
	Username func() string
	Network  netx.Network
	Sealer   *envelope.Sealer
	Media    MediaFactory
	Port     int

	// ReplyTimeout bounds the wait for "ringing" after sending the offer.
	ReplyTimeout time.Duration
	// RingTimeout bounds how long a call may ring on either side.
	RingTimeout time.Duration
	// AutoDismiss is the delay before the final auto-dismiss notification.
	AutoDismiss time.Duration

	Logger logrus.FieldLogger

	// OnStateChange sees every transition of every call, independent of
	// the Subscribe slot.
	OnStateChange func(*Call, StateChange)
	// OnEvent receives one call log entry per finished call.
	OnEvent func(database.Event)
	// OnAddressWorked is told which address reached the peer.
	OnAddressWorked func(pk identity.PublicKey, addr string)
}

// Manager creates calls and owns the single call slot.
type Manager struct {
	cfg Config
	reg Registry
	log logrus.FieldLogger
}

func NewManager(cfg Config) *Manager {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.AutoDismiss <= 0 {
		cfg.AutoDismiss = DefaultAutoDismiss
	}
	if cfg.Username == nil {
		cfg.Username = func() string { return "" }
	}
	return &Manager{cfg: cfg, log: telemetry.Component(cfg.Logger, "call")}
}

// Current returns the live call, or nil.
func (m *Manager) Current() *Call { return m.reg.Current() }

// Registry exposes the call slot.
func (m *Manager) Registry() *Registry { return &m.reg }

// Dial starts an outbound call to contact. The call runs on its own
// goroutine; progress is reported through Subscribe.
func (m *Manager) Dial(ctx context.Context, contact contacts.Contact) (*Call, error) {
	if len(contact.DialOrder()) == 0 {
		return nil, ErrNoAddress
	}
	c := newCall(m, RoleCaller, contact.Clone(), StateConnecting)
	if !m.reg.TryAcquire(c) {
		return nil, ErrBusy
	}
	m.log.WithFields(telemetry.PeerFields(contact.PublicKey[:], "")).Info("outgoing call")
	go c.runOutgoing(ctx)
	return c, nil
}

// Incoming registers a call offered on sess and takes over reading from it.
// The caller of Incoming is expected to reply "ringing" right after.
func (m *Manager) Incoming(sess *session.Session, contact contacts.Contact, offer string) (*Call, error) {
	c := newCall(m, RoleCallee, contact.Clone(), StateRinging)
	c.offer = offer
	c.sess = sess
	c.remote = string(sess.RemoteAddr())
	if !m.reg.TryAcquire(c) {
		return nil, ErrBusy
	}
	c.startRingTimer()
	go c.watchSession()
	m.log.WithFields(telemetry.PeerFields(contact.PublicKey[:], c.remote)).Info("incoming call")
	return c, nil
}

func (m *Manager) newMedia() (MediaEngine, error) {
	if m.cfg.Media == nil {
		return nil, ErrNoMedia
	}
	return m.cfg.Media()
}
