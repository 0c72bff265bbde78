package dbbolt

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p2p-call/internal/contacts"
	"p2p-call/internal/crypto/vault"
	"p2p-call/internal/database"
	"p2p-call/internal/identity"
)

var fast = vault.Params{Time: 1, Memory: 1024, Threads: 1}

func openTemp(t *testing.T, pass string) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db", "node.db")
	s, err := OpenWithParams(path, pass, fast)
	require.NoError(t, err)
	return s, path
}

func newContact(t *testing.T, name string) contacts.Contact {
	t.Helper()
	id, err := identity.New()
	require.NoError(t, err)
	return contacts.Contact{Name: name, PublicKey: id.Public, Addresses: []string{"10.0.0.1"}}
}

func TestWrongPassphrase(t *testing.T) {
	s, path := openTemp(t, "right")
	require.NoError(t, s.Close())

	_, err := OpenWithParams(path, "wrong", fast)
	assert.ErrorIs(t, err, ErrAuthFailure)

	s, err = OpenWithParams(path, "right", fast)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestSettingsAndContacts(t *testing.T) {
	s, path := openTemp(t, "pw")

	_, found, err := s.LoadSettings()
	require.NoError(t, err)
	assert.False(t, found)

	db, err := database.New()
	require.NoError(t, err)
	require.NoError(t, s.SaveSettings(db.Settings))

	a, b := newContact(t, "a"), newContact(t, "b")
	require.NoError(t, s.PutContact(a))
	require.NoError(t, s.PutContact(b))
	require.NoError(t, s.DeleteContact(a.PublicKey))
	assert.ErrorIs(t, s.PutContact(contacts.Contact{Name: "nokey"}), contacts.ErrInvalidKey)
	require.NoError(t, s.Close())

	s, err = OpenWithParams(path, "pw", fast)
	require.NoError(t, err)
	defer s.Close()

	st, found, err := s.LoadSettings()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, db.Settings.PublicKey, st.PublicKey)
	assert.Equal(t, db.Settings.Username, st.Username)

	list, err := s.Contacts()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].Name)
}

func TestEventsTrimmedAndOrdered(t *testing.T) {
	s, _ := openTemp(t, "")
	defer s.Close()

	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < database.MaxEvents+3; i++ {
		require.NoError(t, s.AppendEvent(database.Event{Type: database.EventIncomingMissed, Date: base.Add(time.Duration(i) * time.Second)}))
	}

	evs, err := s.Events(0)
	require.NoError(t, err)
	require.Len(t, evs, database.MaxEvents)
	assert.True(t, evs[0].Date.Equal(base.Add(3*time.Second)))
	assert.True(t, evs[len(evs)-1].Date.After(evs[0].Date))

	last, err := s.Events(2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.True(t, last[1].Date.Equal(base.Add(time.Duration(database.MaxEvents+2)*time.Second)))
}

func TestSnapshotReplaceAll(t *testing.T) {
	s, _ := openTemp(t, "pw")
	defer s.Close()

	db, err := database.New()
	require.NoError(t, err)
	db.Contacts = []contacts.Contact{newContact(t, "x"), newContact(t, "y")}
	db.AddEvent(database.Event{Type: database.EventOutgoingAccepted, Date: time.Now()})

	require.NoError(t, s.ReplaceAll(db))
	got, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, db.Settings.Username, got.Settings.Username)
	assert.Len(t, got.Contacts, 2)
	assert.Len(t, got.Events, 1)

	db.Contacts = db.Contacts[:1]
	require.NoError(t, s.ReplaceAll(db))
	list, err := s.Contacts()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestLoadSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.db")
	db, err := database.New()
	require.NoError(t, err)
	db.Contacts = []contacts.Contact{newContact(t, "z")}

	require.NoError(t, Save(path, db, "pw"))
	back, err := Load(path, "pw")
	require.NoError(t, err)
	assert.Equal(t, db.Settings.PublicKey, back.Settings.PublicKey)
	require.Len(t, back.Contacts, 1)
	assert.Equal(t, "z", back.Contacts[0].Name)

	_, err = Load(path, "bad")
	assert.ErrorIs(t, err, ErrAuthFailure)
}
