// Package identity holds the long-term Ed25519 keypair of this node and the
// public key type used to identify peers.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
)

var (
	ErrInvalidPublicKey = errors.New("identity: invalid public key")
	ErrInvalidSecretKey = errors.New("identity: invalid secret key")
)

// PublicKey is a 32-byte Ed25519 public key; the stable identity of a peer.
type PublicKey [ed25519.PublicKeySize]byte

// Hex returns the lower-case hex form of the key.
func (k PublicKey) Hex() string { return hex.EncodeToString(k[:]) }

// Short returns the first 8 hex characters.
func (k PublicKey) Short() string { return k.Hex()[:8] }

func (k PublicKey) String() string { return k.Hex() }

// IsZero reports whether k is unset.
func (k PublicKey) IsZero() bool { return k == PublicKey{} }

// MarshalText encodes the key as hex for JSON.
func (k PublicKey) MarshalText() ([]byte, error) { return []byte(k.Hex()), nil }

// UnmarshalText decodes a hex key.
func (k *PublicKey) UnmarshalText(b []byte) error {
	p, err := ParsePublicKey(string(b))
	if err != nil {
		return err
	}
	*k = p
	return nil
}

// ParsePublicKey decodes a hex encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return PublicKeyFromBytes(b)
}

// PublicKeyFromBytes copies a raw 32-byte key.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var k PublicKey
	if len(b) != len(k) {
		return PublicKey{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPublicKey, len(k), len(b))
	}
	copy(k[:], b)
	return k, nil
}

// X25519 maps the Edwards point to its Montgomery form for box encryption.
func (k PublicKey) X25519() (*[32]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(k[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	var out [32]byte
	copy(out[:], p.BytesMontgomery())
	return &out, nil
}

// Identity is the local keypair. The secret key never leaves the process.
type Identity struct {
	Public PublicKey
	Secret ed25519.PrivateKey
}

// New generates a fresh keypair.
func New() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	id := &Identity{Secret: priv}
	copy(id.Public[:], pub)
	return id, nil
}

// FromSecret rebuilds an identity from a 64-byte Ed25519 secret key.
func FromSecret(secret []byte) (*Identity, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSecretKey, ed25519.PrivateKeySize, len(secret))
	}
	priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(priv, secret)
	id := &Identity{Secret: priv}
	copy(id.Public[:], priv.Public().(ed25519.PublicKey))
	return id, nil
}

// Clone returns an independent copy, so the caller can Wipe it when done.
func (id *Identity) Clone() *Identity {
	c := &Identity{Public: id.Public, Secret: make(ed25519.PrivateKey, len(id.Secret))}
	copy(c.Secret, id.Secret)
	return c
}

// Wipe zeroes the secret key.
func (id *Identity) Wipe() {
	if id == nil {
		return
	}
	Zero(id.Secret)
}

// X25519Secret derives the Curve25519 scalar: SHA-512 of the seed, clamped.
// Callers should Zero the result after use.
func X25519Secret(secret ed25519.PrivateKey) (*[32]byte, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, ErrInvalidSecretKey
	}
	h := sha512.Sum512(secret.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	var out [32]byte
	copy(out[:], h[:32])
	Zero(h[:])
	return &out, nil
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
