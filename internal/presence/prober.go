// Package presence pings contacts to find out whether they are reachable.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"p2p-call/internal/addrutil"
	"p2p-call/internal/contacts"
	"p2p-call/internal/crypto/envelope"
	"p2p-call/internal/netx"
	"p2p-call/internal/proto"
	"p2p-call/internal/session"
	"p2p-call/internal/telemetry"
)

const (
	DefaultTimeout  = 3 * time.Second
	DefaultInterval = 60 * time.Second
	DefaultPort     = 10001
)

type Config struct {
	Network netx.Network
	Sealer  *envelope.Sealer
	Port    int
	// Timeout bounds the wait for the pong on each address.
	Timeout time.Duration
	Logger  logrus.FieldLogger
}

// Result of probing one contact. Address is the specifier that answered.
type Result struct {
	Contact contacts.Contact
	State   contacts.State
	Address string
}

type Prober struct {
	cfg Config
	dir *contacts.Directory
	log logrus.FieldLogger

	trigger chan struct{}
}

// New returns a prober that applies its results to dir. dir may be nil
// when only Probe and ProbeAll are used.
func New(cfg Config, dir *contacts.Directory) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return &Prober{
		cfg:     cfg,
		dir:     dir,
		log:     telemetry.Component(cfg.Logger, "presence"),
		trigger: make(chan struct{}, 1),
	}
}

// Probe tries the contact's addresses in order and reports ONLINE on the
// first authentic pong.
func (p *Prober) Probe(ctx context.Context, c contacts.Contact) Result {
	for _, a := range c.DialOrder() {
		for _, target := range addrutil.Targets(a, p.cfg.Port) {
			if ctx.Err() != nil {
				return Result{Contact: c, State: contacts.StateOffline}
			}
			if p.pingOnce(ctx, c, target) {
				return Result{Contact: c, State: contacts.StateOnline, Address: a}
			}
		}
	}
	return Result{Contact: c, State: contacts.StateOffline}
}

func (p *Prober) pingOnce(ctx context.Context, c contacts.Contact, target string) bool {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	sess, err := session.Dial(dctx, p.cfg.Network, netx.Addr(target), p.cfg.Sealer, c.PublicKey)
	if err != nil {
		return false
	}
	defer sess.Close()

	if err := sess.Send(proto.Ping()); err != nil {
		return false
	}
	m, _, err := sess.Receive(p.cfg.Timeout)
	if err != nil {
		p.log.WithFields(telemetry.PeerFields(c.PublicKey[:], target)).WithError(err).Debug("ping failed")
		return false
	}
	return m.Action == proto.ActionPong
}

// ProbeAll probes every contact concurrently. onResult is called exactly
// once per contact, in completion order, from the probing goroutines.
func (p *Prober) ProbeAll(ctx context.Context, list []contacts.Contact, onResult func(Result)) {
	var wg sync.WaitGroup
	for _, c := range list {
		wg.Add(1)
		go func(c contacts.Contact) {
			defer wg.Done()
			r := p.Probe(ctx, c)
			if onResult != nil {
				onResult(r)
			}
		}(c)
	}
	wg.Wait()
}

// Refresh probes all non-blocked contacts in the directory and stores the
// outcome.
func (p *Prober) Refresh(ctx context.Context) {
	if p.dir == nil {
		return
	}
	var list []contacts.Contact
	for _, c := range p.dir.List() {
		if !c.Blocked {
			list = append(list, c)
		}
	}
	p.ProbeAll(ctx, list, p.apply)
}

func (p *Prober) apply(r Result) {
	if r.State == contacts.StateOnline {
		p.dir.MarkOnline(r.Contact.PublicKey, r.Address)
		return
	}
	p.dir.SetState(r.Contact.PublicKey, contacts.StateOffline)
}

// Trigger requests an immediate cycle from Run.
func (p *Prober) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run refreshes presence every interval and on Trigger until ctx ends.
func (p *Prober) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	p.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-p.trigger:
		}
		p.Refresh(ctx)
	}
}
