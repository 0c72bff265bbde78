package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"p2p-call/internal/contacts"
	"p2p-call/internal/crypto/envelope"
	"p2p-call/internal/database"
	"p2p-call/internal/proto"
	"p2p-call/internal/session"
	"p2p-call/internal/telemetry"
)

// StateChange is delivered to the subscriber of a call. Err is set for
// ERROR. AutoDismiss marks the delayed notification after DISMISSED or
// ENDED; the channel is closed right after it.
type StateChange struct {
	From        State
	To          State
	Err         error
	AutoDismiss bool
}

const observerBuffer = 16

// Call is one voice/video call. All methods are safe for concurrent use.
type Call struct {
	m     *Manager
	role  Role
	peer  contacts.Contact
	offer string

	mu        sync.Mutex
	state     State
	err       error
	sess      *session.Session
	remote    string
	media     MediaEngine
	accepting bool
	connected bool
	missed    bool
	ringTimer *time.Timer
	done      chan struct{}

	obsMu     sync.Mutex
	obs       chan StateChange
	obsClosed bool
}

func newCall(m *Manager, role Role, peer contacts.Contact, initial State) *Call {
	return &Call{
		m:     m,
		role:  role,
		peer:  peer,
		state: initial,
		done:  make(chan struct{}),
		obs:   make(chan StateChange, observerBuffer),
	}
}

func (c *Call) Role() Role { return c.role }

// Peer returns the contact snapshot the call was created with.
func (c *Call) Peer() contacts.Contact { return c.peer.Clone() }

// Session returns the signaling session, nil before it is established.
func (c *Call) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Offer returns the remote offer on the callee side.
func (c *Call) Offer() string { return c.offer }

func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the cause of an ERROR state.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the call reaches a terminal state.
func (c *Call) Done() <-chan struct{} { return c.done }

// Subscribe returns a fresh notification channel and retires the previous
// one. Notifications not yet read from the previous channel are carried over.
func (c *Call) Subscribe() <-chan StateChange {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()

	next := make(chan StateChange, observerBuffer)
	old := c.obs
	for moved := false; !moved; {
		select {
		case sc, ok := <-old:
			if !ok {
				moved = true
				break
			}
			next <- sc
		default:
			moved = true
		}
	}
	if !c.obsClosed {
		close(old)
	} else {
		close(next)
	}
	c.obs = next
	return next
}

func (c *Call) notify(sc StateChange) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	if c.obsClosed {
		return
	}
	select {
	case c.obs <- sc:
	default:
		c.m.log.WithField("state", sc.To.String()).Warn("call observer not keeping up, notification dropped")
	}
}

func (c *Call) closeObservers() {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	if !c.obsClosed {
		c.obsClosed = true
		close(c.obs)
	}
}

// transition applies from -> to. Leaving for a terminal state releases
// the socket, the media engine and the call slot.
func (c *Call) transition(to State, cause error) error {
	c.mu.Lock()
	from := c.state
	if !CanTransition(from, to) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	c.state = to
	if to == StateConnected {
		c.connected = true
	}
	if cause != nil {
		c.err = cause
	}
	var sess *session.Session
	var media MediaEngine
	if to.Terminal() {
		close(c.done)
		sess, media = c.sess, c.media
		if c.ringTimer != nil {
			c.ringTimer.Stop()
		}
	}
	c.mu.Unlock()

	log := c.m.log.WithFields(telemetry.PeerFields(c.peer.PublicKey[:], c.remote)).
		WithField("role", c.role.String()).WithField("state", to.String())
	if cause != nil {
		log = log.WithError(cause)
	}
	log.Debug("call state changed")

	if to.Terminal() {
		if sess != nil {
			_ = sess.Close()
		}
		if media != nil {
			_ = media.Close()
		}
		c.m.reg.Release(c)
		c.record(to)
	}

	sc := StateChange{From: from, To: to, Err: cause}
	c.notify(sc)
	if c.m.cfg.OnStateChange != nil {
		c.m.cfg.OnStateChange(c, sc)
	}

	switch to {
	case StateEnded, StateDismissed:
		time.AfterFunc(c.m.cfg.AutoDismiss, func() {
			c.notify(StateChange{From: to, To: to, AutoDismiss: true})
			c.closeObservers()
		})
	case StateError:
		c.closeObservers()
	}
	return nil
}

func (c *Call) fail(err error) {
	_ = c.transition(StateError, err)
}

func (c *Call) record(final State) {
	if c.m.cfg.OnEvent == nil {
		return
	}
	c.mu.Lock()
	connected, missed, cause := c.connected, c.missed, c.err
	c.mu.Unlock()

	var t database.EventType
	if c.role == RoleCaller {
		switch {
		case connected:
			t = database.EventOutgoingAccepted
		case final == StateDismissed:
			t = database.EventOutgoingDeclined
		case missed:
			t = database.EventOutgoingMissed
		default:
			t = database.EventOutgoingError
		}
	} else {
		switch {
		case connected:
			t = database.EventIncomingAccepted
		case missed:
			t = database.EventIncomingMissed
		case final == StateError || cause != nil:
			t = database.EventIncomingError
		default:
			t = database.EventIncomingDeclined
		}
	}
	c.m.cfg.OnEvent(database.Event{
		PublicKey: c.peer.PublicKey,
		Address:   c.remote,
		Type:      t,
		Date:      time.Now(),
	})
}

func (c *Call) startRingTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ringTimer = time.AfterFunc(c.m.cfg.RingTimeout, func() {
		c.mu.Lock()
		if c.state != StateRinging || c.accepting {
			c.mu.Unlock()
			return
		}
		c.missed = true
		c.mu.Unlock()
		c.declineWith(nil)
	})
}

// Accept answers an incoming call. The answer is produced asynchronously;
// completion is reported as CONNECTED, failure as DISMISSED.
func (c *Call) Accept() error {
	if c.role != RoleCallee {
		return ErrWrongRole
	}
	c.mu.Lock()
	if c.state != StateRinging || c.accepting {
		c.mu.Unlock()
		return ErrNotRinging
	}
	c.accepting = true
	if c.ringTimer != nil {
		c.ringTimer.Stop()
	}
	c.mu.Unlock()

	media, err := c.m.newMedia()
	if err != nil {
		c.declineWith(err)
		return err
	}
	if !c.attachMedia(media) {
		_ = media.Close()
		return ErrNotRinging
	}
	media.CreateAnswer(c.offer, func(sdp string, err error) {
		if err != nil {
			c.declineWith(err)
			return
		}
		if c.State() != StateRinging {
			return
		}
		if err := c.sess.Send(proto.Connected(sdp)); err != nil {
			c.declineWith(err)
			return
		}
		_ = c.transition(StateConnected, nil)
	})
	return nil
}

// Decline rejects an incoming call. On the caller side it cancels.
func (c *Call) Decline() error {
	if c.role == RoleCaller {
		return c.HangUp()
	}
	if c.State() != StateRinging {
		return ErrNotRinging
	}
	c.declineWith(nil)
	return nil
}

// declineWith sends "dismissed" best effort and ends in DISMISSED. A send
// failure does not delay closing.
func (c *Call) declineWith(cause error) {
	c.mu.Lock()
	sess := c.sess
	if cause != nil && c.err == nil {
		c.err = cause
	}
	c.mu.Unlock()
	if sess != nil {
		_ = sess.Send(proto.Dismissed())
	}
	_ = c.transition(StateDismissed, nil)
}

// HangUp ends the call from this side. It is a no-op once the call is over.
func (c *Call) HangUp() error {
	switch c.State() {
	case StateConnected:
		c.mu.Lock()
		sess := c.sess
		c.mu.Unlock()
		if sess != nil {
			_ = sess.Send(proto.Dismissed())
		}
		_ = c.transition(StateEnded, nil)
	case StateConnecting:
		_ = c.transition(StateError, ErrHungUp)
	case StateRinging:
		if c.role == RoleCallee {
			c.declineWith(nil)
		} else {
			c.mu.Lock()
			sess := c.sess
			c.mu.Unlock()
			if sess != nil {
				_ = sess.Send(proto.Dismissed())
			}
			_ = c.transition(StateDismissed, nil)
		}
	}
	return nil
}

func (c *Call) attachMedia(m MediaEngine) bool {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return false
	}
	c.media = m
	c.mu.Unlock()
	m.OnDisconnected(c.onMediaDisconnected)
	return true
}

func (c *Call) attachSession(s *session.Session, remote string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return false
	}
	c.sess = s
	c.remote = remote
	return true
}

func (c *Call) onMediaDisconnected() {
	if c.State() == StateConnected {
		_ = c.transition(StateEnded, nil)
	}
}

// watchSession keeps reading the signaling socket. On the callee side it
// runs from RINGING on; on the caller side once CONNECTED. A "dismissed"
// from the peer or loss of the socket finishes the call.
func (c *Call) watchSession() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}
	for {
		m, _, err := sess.Receive(0)
		if err != nil {
			if errors.Is(err, session.ErrSenderMismatch) || errors.Is(err, proto.ErrUnknownAction) ||
				errors.Is(err, envelope.ErrUndecryptable) {
				continue
			}
			break
		}
		if m.Action == proto.ActionDismissed {
			break
		}
	}
	c.remoteGone()
}

func (c *Call) remoteGone() {
	c.mu.Lock()
	st := c.state
	if st == StateRinging && c.role == RoleCallee {
		c.missed = true
	}
	c.mu.Unlock()
	switch st {
	case StateConnected:
		_ = c.transition(StateEnded, nil)
	case StateRinging:
		_ = c.transition(StateDismissed, nil)
	}
}

type sdpResult struct {
	sdp string
	err error
}

func (c *Call) runOutgoing(ctx context.Context) {
	media, err := c.m.newMedia()
	if err != nil {
		c.fail(err)
		return
	}
	if !c.attachMedia(media) {
		_ = media.Close()
		return
	}

	offers := make(chan sdpResult, 1)
	media.CreateOffer(func(sdp string, err error) { offers <- sdpResult{sdp, err} })

	var offer string
	select {
	case r := <-offers:
		if r.err != nil {
			c.fail(fmt.Errorf("call: create offer: %w", r.err))
			return
		}
		offer = r.sdp
	case <-c.done:
		return
	case <-ctx.Done():
		c.fail(ctx.Err())
		return
	}

	cfg := c.m.cfg
	sess, used, err := session.DialAny(ctx, cfg.Network, cfg.Sealer, c.peer.PublicKey, c.peer.DialOrder(), cfg.Port)
	if err != nil {
		c.fail(err)
		return
	}
	if !c.attachSession(sess, string(sess.RemoteAddr())) {
		_ = sess.Close()
		return
	}
	if cfg.OnAddressWorked != nil {
		cfg.OnAddressWorked(c.peer.PublicKey, used)
	}

	if err := sess.Send(proto.Call(cfg.Username(), cfg.Sealer.Public().Hex(), offer)); err != nil {
		c.fail(err)
		return
	}

	reply, err := c.expect(sess, cfg.ReplyTimeout)
	if err != nil {
		c.fail(err)
		return
	}
	if reply.Action != proto.ActionRinging {
		c.fail(fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Action))
		return
	}
	if c.transition(StateRinging, nil) != nil {
		return
	}

	reply, err = c.expect(sess, cfg.RingTimeout)
	if errors.Is(err, session.ErrNoMessage) {
		c.mu.Lock()
		c.missed = true
		c.mu.Unlock()
		_ = sess.Send(proto.Dismissed())
		c.fail(ErrNoAnswer)
		return
	}
	if err != nil {
		c.fail(err)
		return
	}

	switch reply.Action {
	case proto.ActionConnected:
		if err := media.SetRemoteAnswer(reply.Answer); err != nil {
			c.fail(fmt.Errorf("call: remote answer: %w", err))
			return
		}
		if c.transition(StateConnected, nil) == nil {
			c.watchSession()
		}
	case proto.ActionDismissed:
		_ = c.transition(StateDismissed, nil)
	default:
		c.fail(fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Action))
	}
}

// expect waits for the next message. A closed session after local hang-up
// surfaces as ErrHungUp.
func (c *Call) expect(sess *session.Session, timeout time.Duration) (proto.Message, error) {
	m, _, err := sess.Receive(timeout)
	if err != nil {
		if errors.Is(err, session.ErrClosed) {
			return proto.Message{}, ErrHungUp
		}
		return proto.Message{}, err
	}
	return m, nil
}
