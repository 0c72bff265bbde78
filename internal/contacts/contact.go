// Package contacts keeps the set of known peers. The Directory is the single
// owner of contact records; everything else works on value snapshots.
package contacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"p2p-call/internal/addrutil"
	"p2p-call/internal/identity"
)

// State is the advisory presence of a contact.
type State int

const (
	StateOffline State = iota
	StateOnline
)

func (s State) String() string {
	if s == StateOnline {
		return "online"
	}
	return "offline"
}

var (
	ErrNotFound   = errors.New("contacts: contact not found")
	ErrDuplicate  = errors.New("contacts: public key already present")
	ErrInvalidKey = errors.New("contacts: missing public key")
	ErrNoName     = errors.New("contacts: missing name")
)

// Contact is a known peer. Copies returned by the Directory are independent.
type Contact struct {
	Name      string             `json:"name"`
	PublicKey identity.PublicKey `json:"public_key"`
	Addresses []string           `json:"addresses"`
	Blocked   bool               `json:"blocked"`

	State           State  `json:"-"`
	LastGoodAddress string `json:"-"`
}

// Clone returns a deep copy of c.
func (c Contact) Clone() Contact {
	out := c
	if c.Addresses != nil {
		out.Addresses = append([]string(nil), c.Addresses...)
	}
	return out
}

// DialOrder returns the addresses to try, the last working one first.
func (c Contact) DialOrder() []string {
	out := make([]string, 0, len(c.Addresses)+1)
	if c.LastGoodAddress != "" {
		out = append(out, c.LastGoodAddress)
	}
	for _, a := range c.Addresses {
		if a != c.LastGoodAddress {
			out = append(out, a)
		}
	}
	return out
}

// Validate checks the fields required for a stored contact and normalises
// its address list.
func (c *Contact) Validate() error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return ErrNoName
	}
	if c.PublicKey.IsZero() {
		return ErrInvalidKey
	}
	c.Addresses = addrutil.NormalizeAll(c.Addresses)
	return nil
}

// share is the compact form exchanged between users, e.g. encoded as a QR code.
type share struct {
	Name      string   `json:"name"`
	PublicKey string   `json:"public_key"`
	Addresses []string `json:"addresses"`
	Blocked   bool     `json:"blocked,omitempty"`
}

// MarshalShare encodes a contact for handing to another user.
func MarshalShare(c Contact) (string, error) {
	b, err := json.Marshal(share{
		Name:      c.Name,
		PublicKey: c.PublicKey.Hex(),
		Addresses: c.Addresses,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseShare decodes a shared contact.
func ParseShare(s string) (Contact, error) {
	var sh share
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &sh); err != nil {
		return Contact{}, fmt.Errorf("contacts: parse share: %w", err)
	}
	pk, err := identity.ParsePublicKey(sh.PublicKey)
	if err != nil {
		return Contact{}, err
	}
	c := Contact{Name: sh.Name, PublicKey: pk, Addresses: sh.Addresses, Blocked: sh.Blocked}
	if err := c.Validate(); err != nil {
		return Contact{}, err
	}
	return c, nil
}
