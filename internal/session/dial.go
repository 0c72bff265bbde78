package session

import (
	"context"
	"errors"
	"fmt"

	"p2p-call/internal/addrutil"
	"p2p-call/internal/crypto/envelope"
	"p2p-call/internal/identity"
	"p2p-call/internal/netx"
)

// ErrNoAddress means none of the addresses yielded a dial target.
var ErrNoAddress = errors.New("session: no usable address")

// DialAny tries addrs in order and returns the first session that connects,
// together with the address specifier that worked. Bare hosts are dialed on
// port.
func DialAny(ctx context.Context, nw netx.Network, sealer *envelope.Sealer, peer identity.PublicKey, addrs []string, port int) (*Session, string, error) {
	var lastErr error
	tried := 0
	for _, a := range addrs {
		for _, target := range addrutil.Targets(a, port) {
			if err := ctx.Err(); err != nil {
				return nil, "", err
			}
			tried++
			s, err := Dial(ctx, nw, netx.Addr(target), sealer, peer)
			if err != nil {
				lastErr = err
				continue
			}
			return s, a, nil
		}
	}
	if tried == 0 {
		return nil, "", ErrNoAddress
	}
	return nil, "", fmt.Errorf("session: all %d targets failed: %w", tried, lastErr)
}
