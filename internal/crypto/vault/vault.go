// Package vault provides passphrase based sealing for data at rest: the
// local database and backup files.
package vault

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	SaltSize = 16
	version  = 1

	// version(1) time(4) memory(4) threads(1) salt(16)
	headerSize = 1 + 4 + 4 + 1 + SaltSize
)

var (
	// ErrAuthFailure means the passphrase is wrong or the data was altered.
	ErrAuthFailure = errors.New("vault: authentication failed")
	ErrCorrupt     = errors.New("vault: malformed sealed data")
)

// Key is a 32-byte symmetric key.
type Key [chacha20poly1305.KeySize]byte

// Params are the argon2id cost parameters.
type Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultParams follow the RFC 9106 second recommended option.
var DefaultParams = Params{Time: 3, Memory: 64 * 1024, Threads: 4}

// NewSalt returns a random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// DeriveKey stretches passphrase into a Key.
func DeriveKey(passphrase string, salt []byte, p Params) Key {
	var k Key
	copy(k[:], argon2.IDKey([]byte(passphrase), salt, p.Time, p.Memory, p.Threads, uint32(len(k))))
	return k
}

// Encrypt seals plaintext under key with XChaCha20-Poly1305 and a random
// nonce. The nonce is prepended to the result.
func Encrypt(key Key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out, plaintext, aad), nil
}

// Decrypt reverses Encrypt.
func Decrypt(key Key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, ErrCorrupt
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return pt, nil
}

// Seal encrypts plaintext under passphrase. The output carries the salt and
// cost parameters needed by Open.
func Seal(passphrase string, plaintext []byte) ([]byte, error) {
	return SealWithParams(passphrase, plaintext, DefaultParams)
}

// SealWithParams is Seal with explicit argon2id costs.
func SealWithParams(passphrase string, plaintext []byte, p Params) ([]byte, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	hdr := make([]byte, headerSize)
	hdr[0] = version
	binary.BigEndian.PutUint32(hdr[1:5], p.Time)
	binary.BigEndian.PutUint32(hdr[5:9], p.Memory)
	hdr[9] = p.Threads
	copy(hdr[10:], salt)

	key := DeriveKey(passphrase, salt, p)
	defer wipe(key[:])

	body, err := Encrypt(key, plaintext, hdr)
	if err != nil {
		return nil, err
	}
	return append(hdr, body...), nil
}

// Open decrypts data produced by Seal.
func Open(passphrase string, sealed []byte) ([]byte, error) {
	if len(sealed) < headerSize || sealed[0] != version {
		return nil, ErrCorrupt
	}
	hdr := sealed[:headerSize]
	p := Params{
		Time:    binary.BigEndian.Uint32(hdr[1:5]),
		Memory:  binary.BigEndian.Uint32(hdr[5:9]),
		Threads: hdr[9],
	}
	if p.Time == 0 || p.Threads == 0 || p.Memory > 4*1024*1024 {
		return nil, fmt.Errorf("%w: bad parameters", ErrCorrupt)
	}
	key := DeriveKey(passphrase, hdr[10:headerSize], p)
	defer wipe(key[:])

	return Decrypt(key, sealed[headerSize:], hdr)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
