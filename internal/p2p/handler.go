package p2p

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"p2p-call/internal/addrutil"
	"p2p-call/internal/call"
	"p2p-call/internal/contacts"
	"p2p-call/internal/crypto/envelope"
	"p2p-call/internal/identity"
	"p2p-call/internal/netx"
	"p2p-call/internal/proto"
	"p2p-call/internal/session"
)

// handleConn owns one accepted connection until it is closed or handed to
// a call.
func (s *Server) handleConn(conn netx.Conn) {
	sess := session.New(conn, s.cfg.Sealer)
	remote := string(conn.RemoteAddr())
	log := s.log.WithField("remote", remote)
	handedOff := false

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Errorf("connection handler crashed\n%s", debug.Stack())
			s.declineCallOn(sess)
		}
		if !handedOff {
			_ = sess.Close()
		}
	}()

	m, sender, err := sess.Receive(s.cfg.FirstMessageTimeout)
	switch {
	case err == nil, errors.Is(err, proto.ErrUnknownAction):
	case errors.Is(err, session.ErrNoMessage):
		s.Logf("no message from %s, closing", remote)
		return
	case errors.Is(err, envelope.ErrUndecryptable):
		s.Logf("undecryptable first frame from %s", remote)
		return
	default:
		log.WithError(err).Debug("first message")
		return
	}

	contact, err := s.identify(sender, remote)
	if err != nil {
		log.WithError(err).WithField("peer", sender.Short()).Info("connection rejected")
		s.declineCurrent()
		return
	}
	log = log.WithField("peer", sender.Short())

	for {
		if err == nil {
			done, herr := s.dispatch(sess, contact, remote, m)
			if herr != nil {
				log.WithError(herr).Warn("dispatch failed")
				s.Publish(Event{Type: EventPeerDisconnected, Contact: contact, Remote: remote})
				return
			}
			if done {
				handedOff = true
				return
			}
		}

		m, _, err = sess.Receive(s.cfg.ReadTimeout)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrSenderMismatch):
			log.Warn("sender key changed mid-connection, frame dropped")
		case errors.Is(err, proto.ErrUnknownAction):
		default:
			s.Logf("connection from %s done: %v", remote, err)
			s.Publish(Event{Type: EventPeerDisconnected, Contact: contact, Remote: remote})
			return
		}
	}
}

// identify resolves the sender to a contact. Unknown peers get a
// provisional contact that is not stored.
func (s *Server) identify(sender identity.PublicKey, remote string) (contacts.Contact, error) {
	if c, ok := s.cfg.Contacts.Get(sender); ok {
		if c.Blocked {
			return contacts.Contact{}, ErrBlocked
		}
		return c, nil
	}
	if s.cfg.BlockUnknown() {
		return contacts.Contact{}, ErrUnknownCaller
	}
	provisional := contacts.Contact{Name: s.cfg.UnknownName, PublicKey: sender}
	if a := addrutil.RemoteAddress(remote); a != "" {
		provisional.Addresses = []string{a}
	}
	return provisional, nil
}

// dispatch handles one message. done reports that the connection now
// belongs to a call.
func (s *Server) dispatch(sess *session.Session, contact contacts.Contact, remote string, m proto.Message) (done bool, err error) {
	switch m.Action {
	case proto.ActionCall:
		c, err := s.cfg.Calls.Incoming(sess, contact, m.Offer)
		if errors.Is(err, call.ErrBusy) {
			s.Logf("busy, ignoring call from %s", contact.PublicKey.Short())
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if err := sess.Send(proto.Ringing()); err != nil {
			_ = c.Decline()
			return true, fmt.Errorf("p2p: send ringing: %w", err)
		}
		s.log.WithFields(logrus.Fields{"peer": contact.PublicKey.Short(), "name": contact.Name}).Info("incoming call")
		s.Publish(Event{Type: EventIncomingCall, Contact: contact, Remote: remote, Call: c})
		return true, nil

	case proto.ActionPing:
		s.cfg.Contacts.MarkOnline(contact.PublicKey, addrutil.HostOf(remote))
		if err := sess.Send(proto.Pong()); err != nil {
			return false, fmt.Errorf("p2p: send pong: %w", err)
		}
		return false, nil

	case proto.ActionStatusChange:
		if m.Status == proto.StatusOffline {
			s.cfg.Contacts.SetState(contact.PublicKey, contacts.StateOffline)
		} else {
			s.Logf("unknown status %q from %s", m.Status, contact.PublicKey.Short())
		}
		return false, nil

	default:
		return false, nil
	}
}

// declineCallOn declines the current call if it runs on sess.
func (s *Server) declineCallOn(sess *session.Session) {
	c := s.cfg.Calls.Current()
	if c != nil && c.Session() == sess {
		_ = c.Decline()
	}
}

// declineCurrent declines whatever call is in progress. A rejected peer
// ends the current call even when it is not the one calling.
func (s *Server) declineCurrent() {
	c := s.cfg.Calls.Current()
	if c == nil {
		return
	}
	if c.Role() == call.RoleCallee && c.State() == call.StateRinging {
		_ = c.Decline()
		return
	}
	_ = c.HangUp()
}
