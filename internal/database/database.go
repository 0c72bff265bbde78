// Package database is the persisted state of a node: settings, contacts and
// the call log.
package database

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"p2p-call/internal/addrutil"
	"p2p-call/internal/contacts"
	"p2p-call/internal/crypto/vault"
	"p2p-call/internal/identity"
)

// Version of the on-disk layout.
const Version = "1"

// MaxEvents bounds the call log.
const MaxEvents = 100

var ErrNoIdentity = errors.New("database: settings carry no keypair")

// HexBytes is a byte slice encoded as hex in JSON.
type HexBytes []byte

func (h HexBytes) MarshalText() ([]byte, error) { return []byte(hex.EncodeToString(h)), nil }

func (h *HexBytes) UnmarshalText(b []byte) error {
	out, err := hex.DecodeString(string(b))
	if err != nil {
		return err
	}
	*h = out
	return nil
}

// Settings are the local user's preferences and keys.
type Settings struct {
	Username     string             `json:"username"`
	PublicKey    identity.PublicKey `json:"public_key"`
	SecretKey    HexBytes           `json:"secret_key"`
	BlockUnknown bool               `json:"block_unknown"`
	Addresses    []string           `json:"addresses"`
	ICEServers   []string           `json:"ice_servers,omitempty"`
}

// Identity returns a fresh copy of the keypair held by s.
func (s Settings) Identity() (*identity.Identity, error) {
	if len(s.SecretKey) == 0 {
		return nil, ErrNoIdentity
	}
	id, err := identity.FromSecret(s.SecretKey)
	if err != nil {
		return nil, err
	}
	if id.Public != s.PublicKey {
		id.Wipe()
		return nil, fmt.Errorf("database: public key does not match secret key")
	}
	return id, nil
}

// SetAddresses normalises and stores addrs.
func (s *Settings) SetAddresses(addrs []string) {
	s.Addresses = addrutil.NormalizeAll(addrs)
}

// RandomUsername returns a name of the form "User-xxxxxxx".
func RandomUsername() string {
	return "User-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:7]
}

// EventType classifies a call log entry.
type EventType string

const (
	EventIncomingAccepted EventType = "incoming_accepted"
	EventIncomingDeclined EventType = "incoming_declined"
	EventIncomingMissed   EventType = "incoming_missed"
	EventIncomingError    EventType = "incoming_error"
	EventOutgoingAccepted EventType = "outgoing_accepted"
	EventOutgoingDeclined EventType = "outgoing_declined"
	EventOutgoingMissed   EventType = "outgoing_missed"
	EventOutgoingError    EventType = "outgoing_error"
)

// Event is one call log entry.
type Event struct {
	PublicKey identity.PublicKey `json:"public_key"`
	Address   string             `json:"address"`
	Type      EventType          `json:"type"`
	Date      time.Time          `json:"date"`
}

// Database is the full persisted state.
type Database struct {
	Version  string             `json:"version"`
	Settings Settings           `json:"settings"`
	Contacts []contacts.Contact `json:"contacts"`
	Events   []Event            `json:"events"`
}

// New returns a database with a fresh keypair and a random user name.
func New() (*Database, error) {
	id, err := identity.New()
	if err != nil {
		return nil, err
	}
	defer id.Wipe()

	return &Database{
		Version: Version,
		Settings: Settings{
			Username:  RandomUsername(),
			PublicKey: id.Public,
			SecretKey: append(HexBytes(nil), id.Secret...),
			Addresses: addrutil.LocalAddresses(),
		},
	}, nil
}

// AddEvent appends e, dropping the oldest entries beyond MaxEvents.
func (db *Database) AddEvent(e Event) {
	db.Events = append(db.Events, e)
	if over := len(db.Events) - MaxEvents; over > 0 {
		db.Events = append([]Event(nil), db.Events[over:]...)
	}
}

// Merge adds contacts from other that are not present yet, keyed by public
// key. Settings are left untouched. It returns the number of contacts added.
func (db *Database) Merge(other *Database) int {
	seen := make(map[identity.PublicKey]struct{}, len(db.Contacts))
	for _, c := range db.Contacts {
		seen[c.PublicKey] = struct{}{}
	}
	added := 0
	for _, c := range other.Contacts {
		if _, ok := seen[c.PublicKey]; ok {
			continue
		}
		seen[c.PublicKey] = struct{}{}
		db.Contacts = append(db.Contacts, c.Clone())
		added++
	}
	return added
}

// Export seals the whole database into a single backup blob.
func Export(db *Database, password string) ([]byte, error) {
	raw, err := json.Marshal(db)
	if err != nil {
		return nil, err
	}
	return vault.Seal(password, raw)
}

// Import opens a blob produced by Export.
func Import(blob []byte, password string) (*Database, error) {
	raw, err := vault.Open(password, blob)
	if err != nil {
		return nil, err
	}
	var db Database
	if err := json.Unmarshal(raw, &db); err != nil {
		return nil, fmt.Errorf("database: decode backup: %w", err)
	}
	if db.Version == "" {
		db.Version = Version
	}
	return &db, nil
}

// Store is implemented by persistent backends.
type Store interface {
	LoadSettings() (Settings, bool, error)
	SaveSettings(Settings) error
	PutContact(contacts.Contact) error
	DeleteContact(identity.PublicKey) error
	Contacts() ([]contacts.Contact, error)
	AppendEvent(Event) error
	Events(limit int) ([]Event, error)
	Close() error
}
