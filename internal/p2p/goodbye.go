package p2p

import (
	"context"
	"sync"

	"p2p-call/internal/contacts"
	"p2p-call/internal/proto"
	"p2p-call/internal/session"
)

// SendStatusOffline tells every contact not known to be offline that this
// node is going away. Delivery is best effort; it returns the number of
// contacts reached.
func (s *Server) SendStatusOffline(ctx context.Context) int {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		reached int
	)
	for _, c := range s.cfg.Contacts.List() {
		if c.State == contacts.StateOffline || c.Blocked {
			continue
		}
		wg.Add(1)
		go func(c contacts.Contact) {
			defer wg.Done()
			sess, _, err := session.DialAny(ctx, s.cfg.Network, s.cfg.Sealer, c.PublicKey, c.DialOrder(), s.cfg.Port)
			if err != nil {
				s.Logf("goodbye to %s: %v", c.PublicKey.Short(), err)
				return
			}
			defer sess.Close()
			if err := sess.Send(proto.StatusChange(proto.StatusOffline)); err != nil {
				s.Logf("goodbye to %s: %v", c.PublicKey.Short(), err)
				return
			}
			mu.Lock()
			reached++
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return reached
}
