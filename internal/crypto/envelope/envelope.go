// Package envelope seals signaling messages for a single recipient.
//
// Layout of the sealed plaintext:
//
//	sender public key (32) || ed25519 signature (64) || message
//
// sealed with an anonymous NaCl box to the recipient's Curve25519 key. The
// box uses a fresh ephemeral keypair per message and derives its nonce from
// the ephemeral and recipient keys.
package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/nacl/box"

	"p2p-call/internal/identity"
)

const (
	headerSize = ed25519.PublicKeySize + ed25519.SignatureSize
	// Overhead is the size difference between ciphertext and plaintext.
	Overhead = box.AnonymousOverhead + headerSize
)

// ErrUndecryptable is returned where an error value is needed for a failed Decrypt.
var ErrUndecryptable = errors.New("envelope: message cannot be decrypted")

// Encrypt signs plaintext with ownSec and seals it to recipientPub.
func Encrypt(plaintext string, recipientPub, ownPub identity.PublicKey, ownSec ed25519.PrivateKey) ([]byte, error) {
	if len(ownSec) != ed25519.PrivateKeySize {
		return nil, identity.ErrInvalidSecretKey
	}
	recipientX, err := recipientPub.X25519()
	if err != nil {
		return nil, fmt.Errorf("envelope: recipient: %w", err)
	}

	msg := []byte(plaintext)
	inner := make([]byte, 0, headerSize+len(msg))
	inner = append(inner, ownPub[:]...)
	inner = append(inner, ed25519.Sign(ownSec, msg)...)
	inner = append(inner, msg...)
	defer identity.Zero(inner)

	out, err := box.SealAnonymous(nil, inner, recipientX, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("envelope: seal: %w", err)
	}
	return out, nil
}

// Decrypt opens ciphertext addressed to ownPub. It returns the plaintext and
// the sender's public key. If expectedSender is non-nil the sender must match
// it. Any failure yields ok == false.
func Decrypt(ciphertext []byte, expectedSender *identity.PublicKey, ownPub identity.PublicKey, ownSec ed25519.PrivateKey) (plaintext string, sender identity.PublicKey, ok bool) {
	if len(ciphertext) < Overhead {
		return "", identity.PublicKey{}, false
	}
	ownX, err := ownPub.X25519()
	if err != nil {
		return "", identity.PublicKey{}, false
	}
	secX, err := identity.X25519Secret(ownSec)
	if err != nil {
		return "", identity.PublicKey{}, false
	}
	defer identity.Zero(secX[:])

	inner, opened := box.OpenAnonymous(nil, ciphertext, ownX, secX)
	if !opened || len(inner) < headerSize {
		return "", identity.PublicKey{}, false
	}
	defer identity.Zero(inner)

	copy(sender[:], inner[:ed25519.PublicKeySize])
	sig := inner[ed25519.PublicKeySize:headerSize]
	msg := inner[headerSize:]

	if !ed25519.Verify(ed25519.PublicKey(sender[:]), msg, sig) {
		return "", identity.PublicKey{}, false
	}
	if expectedSender != nil && *expectedSender != sender {
		return "", identity.PublicKey{}, false
	}
	if !utf8.Valid(msg) {
		return "", identity.PublicKey{}, false
	}
	return string(msg), sender, true
}

// Sealer binds Encrypt and Decrypt to a local identity.
type Sealer struct {
	id *identity.Identity
}

// NewSealer returns a Sealer working on a private copy of id.
func NewSealer(id *identity.Identity) *Sealer {
	return &Sealer{id: id.Clone()}
}

// Public returns the local public key.
func (s *Sealer) Public() identity.PublicKey { return s.id.Public }

// Seal encrypts plaintext for recipient.
func (s *Sealer) Seal(plaintext string, recipient identity.PublicKey) ([]byte, error) {
	return Encrypt(plaintext, recipient, s.id.Public, s.id.Secret)
}

// Open decrypts ciphertext; see Decrypt.
func (s *Sealer) Open(ciphertext []byte, expectedSender *identity.PublicKey) (string, identity.PublicKey, bool) {
	return Decrypt(ciphertext, expectedSender, s.id.Public, s.id.Secret)
}

// Wipe zeroes the secret key held by the Sealer.
func (s *Sealer) Wipe() { s.id.Wipe() }
