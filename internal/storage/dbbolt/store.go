package dbbolt

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"p2p-call/internal/contacts"
	"p2p-call/internal/crypto/vault"
	"p2p-call/internal/database"
	"p2p-call/internal/identity"
)

const (
	bMeta     = "meta"
	bSettings = "settings"
	bContacts = "contacts"
	bEvents   = "events"

	kVersion  = "version"
	kSalt     = "kdf_salt"
	kParams   = "kdf_params"
	kCheck    = "check"
	kSettings = "settings"

	checkPlain = "p2p-call"
	defaultTO  = 2 * time.Second
)

// ErrAuthFailure is returned by Open when the passphrase does not match.
var ErrAuthFailure = vault.ErrAuthFailure

// Store is a BoltDB-backed implementation of database.Store. Every value is
// sealed with a key derived from the passphrase; the bucket name is bound
// as associated data.
type Store struct {
	db  *bolt.DB
	key vault.Key
	seq uint32
}

// Open opens (or creates) the database at path.
func Open(path, passphrase string) (*Store, error) {
	return OpenWithParams(path, passphrase, vault.DefaultParams)
}

// OpenWithParams is Open with explicit key derivation costs for new files.
// Existing files keep the parameters they were created with.
func OpenWithParams(path, passphrase string, p vault.Params) (*Store, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultTO})
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bMeta, bSettings, bContacts, bEvents} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return s.unlock(tx.Bucket([]byte(bMeta)), passphrase, p)
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) unlock(meta *bolt.Bucket, passphrase string, p vault.Params) error {
	salt := meta.Get([]byte(kSalt))
	if salt == nil {
		fresh, err := vault.NewSalt()
		if err != nil {
			return err
		}
		s.key = vault.DeriveKey(passphrase, fresh, p)
		check, err := vault.Encrypt(s.key, []byte(checkPlain), []byte(bMeta))
		if err != nil {
			return err
		}
		if err := meta.Put([]byte(kSalt), fresh); err != nil {
			return err
		}
		if err := meta.Put([]byte(kParams), encodeParams(p)); err != nil {
			return err
		}
		if err := meta.Put([]byte(kVersion), []byte(database.Version)); err != nil {
			return err
		}
		return meta.Put([]byte(kCheck), check)
	}

	stored, err := decodeParams(meta.Get([]byte(kParams)))
	if err != nil {
		return err
	}
	s.key = vault.DeriveKey(passphrase, salt, stored)
	pt, err := vault.Decrypt(s.key, meta.Get([]byte(kCheck)), []byte(bMeta))
	if err != nil || string(pt) != checkPlain {
		return ErrAuthFailure
	}
	return nil
}

func (s *Store) Close() error {
	for i := range s.key {
		s.key[i] = 0
	}
	return s.db.Close()
}

func (s *Store) put(b *bolt.Bucket, bucket string, k []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := vault.Encrypt(s.key, raw, []byte(bucket))
	if err != nil {
		return err
	}
	return b.Put(k, sealed)
}

func (s *Store) get(bucket string, sealed []byte, v any) error {
	raw, err := vault.Decrypt(s.key, sealed, []byte(bucket))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (s *Store) LoadSettings() (database.Settings, bool, error) {
	var out database.Settings
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bSettings)).Get([]byte(kSettings))
		if raw == nil {
			return nil
		}
		found = true
		return s.get(bSettings, raw, &out)
	})
	return out, found, err
}

func (s *Store) SaveSettings(st database.Settings) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.put(tx.Bucket([]byte(bSettings)), bSettings, []byte(kSettings), st)
	})
}

func (s *Store) PutContact(c contacts.Contact) error {
	if c.PublicKey.IsZero() {
		return contacts.ErrInvalidKey
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.put(tx.Bucket([]byte(bContacts)), bContacts, c.PublicKey[:], c)
	})
}

func (s *Store) DeleteContact(pk identity.PublicKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bContacts)).Delete(pk[:])
	})
}

// Contacts returns every stored contact. Records that fail to open are
// skipped so one damaged entry does not hide the rest.
func (s *Store) Contacts() ([]contacts.Contact, error) {
	var out []contacts.Contact
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bContacts)).ForEach(func(k, v []byte) error {
			var c contacts.Contact
			if err := s.get(bContacts, v, &c); err != nil {
				return nil
			}
			if !bytes.Equal(k, c.PublicKey[:]) {
				return nil
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

// AppendEvent stores e and trims the log to database.MaxEvents entries.
func (s *Store) AppendEvent(e database.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		s.seq++
		b := tx.Bucket([]byte(bEvents))
		if err := s.put(b, bEvents, eventKey(e.Date, s.seq), e); err != nil {
			return err
		}
		var keys [][]byte
		_ = b.ForEach(func(k, _ []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		})
		for i := 0; i < len(keys)-database.MaxEvents; i++ {
			if err := b.Delete(keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Events returns up to limit most recent events, oldest first.
func (s *Store) Events(limit int) ([]database.Event, error) {
	if limit <= 0 {
		limit = database.MaxEvents
	}
	out := make([]database.Event, 0, min(limit, database.MaxEvents))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bEvents)).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var e database.Event
			if err := s.get(bEvents, v, &e); err != nil {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, err
}

// Load reads the whole database from path.
func Load(path, passphrase string) (*database.Database, error) {
	s, err := Open(path, passphrase)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.Snapshot()
}

// Save replaces the content of the database at path with db.
func Save(path string, db *database.Database, passphrase string) error {
	s, err := Open(path, passphrase)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.ReplaceAll(db)
}

// Snapshot reads settings, contacts and events into one value.
func (s *Store) Snapshot() (*database.Database, error) {
	st, _, err := s.LoadSettings()
	if err != nil {
		return nil, err
	}
	cs, err := s.Contacts()
	if err != nil {
		return nil, err
	}
	evs, err := s.Events(database.MaxEvents)
	if err != nil {
		return nil, err
	}
	return &database.Database{Version: database.Version, Settings: st, Contacts: cs, Events: evs}, nil
}

// ReplaceAll rewrites settings, contacts and events in a single transaction.
func (s *Store) ReplaceAll(db *database.Database) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bSettings, bContacts, bEvents} {
			if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		if err := s.put(tx.Bucket([]byte(bSettings)), bSettings, []byte(kSettings), db.Settings); err != nil {
			return err
		}
		cb := tx.Bucket([]byte(bContacts))
		for _, c := range db.Contacts {
			if c.PublicKey.IsZero() {
				continue
			}
			if err := s.put(cb, bContacts, c.PublicKey[:], c); err != nil {
				return err
			}
		}
		eb := tx.Bucket([]byte(bEvents))
		events := db.Events
		if over := len(events) - database.MaxEvents; over > 0 {
			events = events[over:]
		}
		for _, e := range events {
			s.seq++
			if err := s.put(eb, bEvents, eventKey(e.Date, s.seq), e); err != nil {
				return err
			}
		}
		return nil
	})
}

func eventKey(ts time.Time, seq uint32) []byte {
	// big-endian nanoseconds for ordering, seq to keep equal timestamps apart
	b := make([]byte, 12)
	binary.BigEndian.PutUint64(b[:8], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint32(b[8:], seq)
	return b
}

func encodeParams(p vault.Params) []byte {
	b := make([]byte, 9)
	binary.BigEndian.PutUint32(b[:4], p.Time)
	binary.BigEndian.PutUint32(b[4:8], p.Memory)
	b[8] = p.Threads
	return b
}

func decodeParams(b []byte) (vault.Params, error) {
	if len(b) != 9 {
		return vault.Params{}, fmt.Errorf("dbbolt: bad kdf params")
	}
	return vault.Params{
		Time:    binary.BigEndian.Uint32(b[:4]),
		Memory:  binary.BigEndian.Uint32(b[4:8]),
		Threads: b[8],
	}, nil
}

// Compile-time check that Store satisfies the interface.
var _ database.Store = (*Store)(nil)
