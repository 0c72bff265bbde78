package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p2p-call/internal/contacts"
	"p2p-call/internal/crypto/envelope"
	"p2p-call/internal/database"
	"p2p-call/internal/identity"
	"p2p-call/internal/netx"
	"p2p-call/internal/proto"
	"p2p-call/internal/session"
)

type fakeMedia struct {
	mu       sync.Mutex
	hold    bool
	remote  string
	offered string
	onDisc  func()
	closed  bool
}

func (f *fakeMedia) CreateOffer(cb func(string, error)) {
	if f.hold {
		return
	}
	go cb("offer-sdp", nil)
}

func (f *fakeMedia) CreateAnswer(offer string, cb func(string, error)) {
	f.mu.Lock()
	f.offered = offer
	f.mu.Unlock()
	go cb("answer-sdp", nil)
}

func (f *fakeMedia) SetRemoteAnswer(sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = sdp
	return nil
}

func (f *fakeMedia) OnDisconnected(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisc = fn
}

func (f *fakeMedia) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeMedia) disconnect() {
	f.mu.Lock()
	fn := f.onDisc
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []database.Event
}

func (l *eventLog) add(e database.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []database.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []database.EventType
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	sealer *envelope.Sealer
	media  *fakeMedia
	events *eventLog
	mgr    *Manager
}

func newSealer(t *testing.T) *envelope.Sealer {
	t.Helper()
	id, err := identity.New()
	require.NoError(t, err)
	return envelope.NewSealer(id)
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{sealer: newSealer(t), media: &fakeMedia{}, events: &eventLog{}}
	cfg := Config{
		Username:     func() string { return "alice" },
		Network:      netx.NewTCPNetwork(time.Second),
		Sealer:       h.sealer,
		Media:        func() (MediaEngine, error) { return h.media, nil },
		ReplyTimeout: 2 * time.Second,
		RingTimeout:  2 * time.Second,
		AutoDismiss:  20 * time.Millisecond,
		OnEvent:      h.events.add,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.mgr = NewManager(cfg)
	return h
}

// listen starts a TCP listener on loopback and returns its address and a
// channel delivering accepted sessions.
func listen(t *testing.T, sealer *envelope.Sealer) (string, <-chan *session.Session) {
	t.Helper()
	nw := netx.NewTCPNetwork(time.Second)
	addr, err := nw.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = nw.Close() })

	out := make(chan *session.Session, 1)
	go func() {
		conn, err := nw.Accept()
		if err != nil {
			return
		}
		out <- session.New(conn, sealer)
	}()
	return string(addr), out
}

func recv(t *testing.T, s *session.Session) proto.Message {
	t.Helper()
	m, _, err := s.Receive(2 * time.Second)
	require.NoError(t, err)
	return m
}

func waitState(t *testing.T, ch <-chan StateChange, want State) StateChange {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case sc, ok := <-ch:
			require.True(t, ok, "channel closed before %s", want)
			if sc.To == want && !sc.AutoDismiss {
				return sc
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func waitClosed(t *testing.T, ch <-chan StateChange) []StateChange {
	t.Helper()
	var seen []StateChange
	deadline := time.After(2 * time.Second)
	for {
		select {
		case sc, ok := <-ch:
			if !ok {
				return seen
			}
			seen = append(seen, sc)
		case <-deadline:
			t.Fatal("observer channel never closed")
			return nil
		}
	}
}

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]State]bool{
		{StateConnecting, StateRinging}: true,
		{StateConnecting, StateError}:   true,
		{StateRinging, StateConnected}:  true,
		{StateRinging, StateDismissed}:  true,
		{StateRinging, StateError}:      true,
		{StateConnected, StateEnded}:    true,
	}
	all := []State{StateConnecting, StateRinging, StateConnected, StateEnded, StateDismissed, StateError}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]State{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.True(t, StateError.Terminal())
	assert.False(t, StateConnected.Terminal())
	assert.Equal(t, "State(42)", State(42).String())
}

func TestOutgoingAcceptedThenRemoteHangUp(t *testing.T) {
	h := newHarness(t, nil)
	bob := newSealer(t)
	addr, accepted := listen(t, bob)

	c, err := h.mgr.Dial(context.Background(), contacts.Contact{
		Name: "bob", PublicKey: bob.Public(), Addresses: []string{addr},
	})
	require.NoError(t, err)
	obs := c.Subscribe()
	assert.Same(t, c, h.mgr.Current())

	in := <-accepted
	m := recv(t, in)
	assert.Equal(t, proto.ActionCall, m.Action)
	assert.Equal(t, "alice", m.Username)
	assert.Equal(t, h.sealer.Public().Hex(), m.Identifier)
	assert.Equal(t, "offer-sdp", m.Offer)
	assert.Equal(t, h.sealer.Public(), in.Peer())

	require.NoError(t, in.Send(proto.Ringing()))
	waitState(t, obs, StateRinging)

	require.NoError(t, in.Send(proto.Connected("answer-sdp")))
	waitState(t, obs, StateConnected)
	h.media.mu.Lock()
	assert.Equal(t, "answer-sdp", h.media.remote)
	h.media.mu.Unlock()

	require.NoError(t, in.Send(proto.Dismissed()))
	waitState(t, obs, StateEnded)
	rest := waitClosed(t, obs)
	require.NotEmpty(t, rest)
	assert.True(t, rest[len(rest)-1].AutoDismiss)

	assert.Nil(t, h.mgr.Current())
	assert.Equal(t, []database.EventType{database.EventOutgoingAccepted}, h.events.types())
	h.media.mu.Lock()
	assert.True(t, h.media.closed)
	h.media.mu.Unlock()
}

func TestOutgoingDeclined(t *testing.T) {
	h := newHarness(t, nil)
	bob := newSealer(t)
	addr, accepted := listen(t, bob)

	c, err := h.mgr.Dial(context.Background(), contacts.Contact{Name: "bob", PublicKey: bob.Public(), Addresses: []string{addr}})
	require.NoError(t, err)
	obs := c.Subscribe()

	in := <-accepted
	recv(t, in)
	require.NoError(t, in.Send(proto.Ringing()))
	require.NoError(t, in.Send(proto.Dismissed()))

	waitState(t, obs, StateDismissed)
	waitClosed(t, obs)
	assert.Nil(t, h.mgr.Current())
	assert.Equal(t, []database.EventType{database.EventOutgoingDeclined}, h.events.types())
}

func TestOutgoingUnexpectedReply(t *testing.T) {
	h := newHarness(t, nil)
	bob := newSealer(t)
	addr, accepted := listen(t, bob)

	c, err := h.mgr.Dial(context.Background(), contacts.Contact{Name: "bob", PublicKey: bob.Public(), Addresses: []string{addr}})
	require.NoError(t, err)
	obs := c.Subscribe()

	in := <-accepted
	recv(t, in)
	require.NoError(t, in.Send(proto.Pong()))

	sc := waitState(t, obs, StateError)
	assert.ErrorIs(t, sc.Err, ErrUnexpectedReply)
	waitClosed(t, obs)
	assert.Equal(t, []database.EventType{database.EventOutgoingError}, h.events.types())
}

func TestOutgoingNoAnswer(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RingTimeout = 100 * time.Millisecond })
	bob := newSealer(t)
	addr, accepted := listen(t, bob)

	c, err := h.mgr.Dial(context.Background(), contacts.Contact{Name: "bob", PublicKey: bob.Public(), Addresses: []string{addr}})
	require.NoError(t, err)
	obs := c.Subscribe()

	in := <-accepted
	recv(t, in)
	require.NoError(t, in.Send(proto.Ringing()))

	sc := waitState(t, obs, StateError)
	assert.ErrorIs(t, sc.Err, ErrNoAnswer)
	assert.Equal(t, proto.ActionDismissed, recv(t, in).Action)
	assert.Equal(t, []database.EventType{database.EventOutgoingMissed}, h.events.types())
}

func TestOutgoingUnreachable(t *testing.T) {
	h := newHarness(t, nil)
	bob := newSealer(t)

	_, err := h.mgr.Dial(context.Background(), contacts.Contact{Name: "bob", PublicKey: bob.Public()})
	assert.ErrorIs(t, err, ErrNoAddress)

	c, err := h.mgr.Dial(context.Background(), contacts.Contact{
		Name: "bob", PublicKey: bob.Public(), Addresses: []string{"127.0.0.1:1"},
	})
	require.NoError(t, err)
	obs := c.Subscribe()
	sc := waitState(t, obs, StateError)
	assert.Error(t, sc.Err)
	assert.Nil(t, h.mgr.Current())
}

func TestHangUpWhileConnecting(t *testing.T) {
	h := newHarness(t, nil)
	h.media.hold = true
	bob := newSealer(t)

	c, err := h.mgr.Dial(context.Background(), contacts.Contact{
		Name: "bob", PublicKey: bob.Public(), Addresses: []string{"127.0.0.1:1"},
	})
	require.NoError(t, err)
	obs := c.Subscribe()
	require.NoError(t, c.HangUp())

	sc := waitState(t, obs, StateError)
	assert.ErrorIs(t, sc.Err, ErrHungUp)
	assert.ErrorIs(t, c.Err(), ErrHungUp)
	require.NoError(t, c.HangUp())
	assert.Equal(t, StateError, c.State())
}

// incoming builds a callee-side session the way the server does: the
// caller dials and sends "call", the callee reads it.
func incoming(t *testing.T, callee *envelope.Sealer) (caller *session.Session, in *session.Session, offer proto.Message) {
	t.Helper()
	alice := newSealer(t)
	addr, accepted := listen(t, callee)
	out, err := session.Dial(context.Background(), netx.NewTCPNetwork(time.Second), netx.Addr(addr), alice, callee.Public())
	require.NoError(t, err)
	t.Cleanup(func() { _ = out.Close() })

	require.NoError(t, out.Send(proto.Call("alice", alice.Public().Hex(), "offer-sdp")))
	in = <-accepted
	m := recv(t, in)
	return out, in, m
}

func TestIncomingAcceptAndHangUp(t *testing.T) {
	h := newHarness(t, nil)
	out, in, m := incoming(t, h.sealer)

	c, err := h.mgr.Incoming(in, contacts.Contact{Name: "alice", PublicKey: in.Peer()}, m.Offer)
	require.NoError(t, err)
	obs := c.Subscribe()
	assert.Equal(t, StateRinging, c.State())
	assert.Equal(t, RoleCallee, c.Role())
	require.NoError(t, in.Send(proto.Ringing()))
	assert.Equal(t, proto.ActionRinging, recv(t, out).Action)

	require.NoError(t, c.Accept())
	reply := recv(t, out)
	assert.Equal(t, proto.ActionConnected, reply.Action)
	assert.Equal(t, "answer-sdp", reply.Answer)
	waitState(t, obs, StateConnected)
	h.media.mu.Lock()
	assert.Equal(t, "offer-sdp", h.media.offered)
	h.media.mu.Unlock()

	assert.ErrorIs(t, c.Accept(), ErrNotRinging)

	require.NoError(t, c.HangUp())
	assert.Equal(t, proto.ActionDismissed, recv(t, out).Action)
	waitState(t, obs, StateEnded)
	require.NoError(t, c.HangUp())
	assert.Equal(t, StateEnded, c.State())
	assert.Equal(t, []database.EventType{database.EventIncomingAccepted}, h.events.types())
}

func TestIncomingDecline(t *testing.T) {
	h := newHarness(t, nil)
	out, in, m := incoming(t, h.sealer)

	c, err := h.mgr.Incoming(in, contacts.Contact{PublicKey: in.Peer()}, m.Offer)
	require.NoError(t, err)
	require.NoError(t, c.HangUp())
	assert.Equal(t, proto.ActionDismissed, recv(t, out).Action)
	assert.Equal(t, StateDismissed, c.State())
	assert.ErrorIs(t, c.Decline(), ErrNotRinging)
	assert.Equal(t, []database.EventType{database.EventIncomingDeclined}, h.events.types())
}

func TestIncomingBusy(t *testing.T) {
	h := newHarness(t, nil)
	_, in1, m1 := incoming(t, h.sealer)
	_, in2, m2 := incoming(t, h.sealer)

	c, err := h.mgr.Incoming(in1, contacts.Contact{PublicKey: in1.Peer()}, m1.Offer)
	require.NoError(t, err)
	_, err = h.mgr.Incoming(in2, contacts.Contact{PublicKey: in2.Peer()}, m2.Offer)
	assert.ErrorIs(t, err, ErrBusy)

	_, err = h.mgr.Dial(context.Background(), contacts.Contact{PublicKey: in2.Peer(), Addresses: []string{"127.0.0.1:1"}})
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, c.Decline())
	assert.Nil(t, h.mgr.Current())
}

func TestIncomingRingTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RingTimeout = 100 * time.Millisecond })
	out, in, m := incoming(t, h.sealer)

	c, err := h.mgr.Incoming(in, contacts.Contact{PublicKey: in.Peer()}, m.Offer)
	require.NoError(t, err)
	obs := c.Subscribe()

	waitState(t, obs, StateDismissed)
	assert.Equal(t, proto.ActionDismissed, recv(t, out).Action)
	assert.Equal(t, []database.EventType{database.EventIncomingMissed}, h.events.types())
}

func TestIncomingCallerCancels(t *testing.T) {
	h := newHarness(t, nil)
	out, in, m := incoming(t, h.sealer)

	c, err := h.mgr.Incoming(in, contacts.Contact{PublicKey: in.Peer()}, m.Offer)
	require.NoError(t, err)
	obs := c.Subscribe()
	require.NoError(t, out.Send(proto.Dismissed()))

	waitState(t, obs, StateDismissed)
	assert.Equal(t, []database.EventType{database.EventIncomingMissed}, h.events.types())
}

func TestMediaDisconnectEndsCall(t *testing.T) {
	h := newHarness(t, nil)
	out, in, m := incoming(t, h.sealer)

	c, err := h.mgr.Incoming(in, contacts.Contact{PublicKey: in.Peer()}, m.Offer)
	require.NoError(t, err)
	obs := c.Subscribe()
	require.NoError(t, c.Accept())
	recv(t, out)
	waitState(t, obs, StateConnected)

	h.media.disconnect()
	waitState(t, obs, StateEnded)
}

func TestSubscribeCarriesPendingAndRetiresOld(t *testing.T) {
	h := newHarness(t, nil)
	c := newCall(h.mgr, RoleCallee, contacts.Contact{}, StateRinging)
	require.True(t, h.mgr.Registry().TryAcquire(c))

	first := c.Subscribe()
	require.NoError(t, c.transition(StateConnected, nil))

	second := c.Subscribe()
	_, ok := <-first
	assert.False(t, ok, "old channel must be closed")

	sc := <-second
	assert.Equal(t, StateChange{From: StateRinging, To: StateConnected}, sc)

	assert.ErrorIs(t, c.transition(StateDismissed, nil), ErrInvalidTransition)
	require.NoError(t, c.transition(StateEnded, nil))
	seen := waitClosed(t, second)
	require.Len(t, seen, 2)
	assert.Equal(t, StateEnded, seen[0].To)
	assert.True(t, seen[1].AutoDismiss)

	late := c.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}
