package contacts

import (
	"sync"

	"p2p-call/internal/identity"
)

// ChangeKind describes a Directory mutation.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
	ChangeState   ChangeKind = "state"
)

// Directory is a concurrency-safe contact set keyed by public key.
type Directory struct {
	mu       sync.RWMutex
	byKey    map[identity.PublicKey]*Contact
	order    []identity.PublicKey
	onChange func(Contact, ChangeKind)
}

func NewDirectory() *Directory {
	return &Directory{byKey: make(map[identity.PublicKey]*Contact)}
}

// SetOnChange registers a callback invoked after every mutation, outside the lock.
func (d *Directory) SetOnChange(fn func(Contact, ChangeKind)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange = fn
}

func (d *Directory) notify(c Contact, kind ChangeKind) {
	d.mu.RLock()
	fn := d.onChange
	d.mu.RUnlock()
	if fn != nil {
		fn(c, kind)
	}
}

// Add stores a new contact. At most one contact exists per public key.
func (d *Directory) Add(c Contact) error {
	if err := c.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	if _, ok := d.byKey[c.PublicKey]; ok {
		d.mu.Unlock()
		return ErrDuplicate
	}
	stored := c.Clone()
	d.byKey[c.PublicKey] = &stored
	d.order = append(d.order, c.PublicKey)
	snap := stored.Clone()
	d.mu.Unlock()

	d.notify(snap, ChangeAdded)
	return nil
}

// Merge adds c, or replaces name, addresses and blocked flag of the existing
// entry with the same key. It reports whether the contact was new.
func (d *Directory) Merge(c Contact) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	d.mu.Lock()
	cur, ok := d.byKey[c.PublicKey]
	if !ok {
		stored := c.Clone()
		d.byKey[c.PublicKey] = &stored
		d.order = append(d.order, c.PublicKey)
		snap := stored.Clone()
		d.mu.Unlock()
		d.notify(snap, ChangeAdded)
		return true, nil
	}
	cur.Name = c.Name
	cur.Addresses = append([]string(nil), c.Addresses...)
	cur.Blocked = c.Blocked
	snap := cur.Clone()
	d.mu.Unlock()

	d.notify(snap, ChangeUpdated)
	return false, nil
}

// Remove deletes the contact with key pk.
func (d *Directory) Remove(pk identity.PublicKey) error {
	d.mu.Lock()
	cur, ok := d.byKey[pk]
	if !ok {
		d.mu.Unlock()
		return ErrNotFound
	}
	delete(d.byKey, pk)
	for i, k := range d.order {
		if k == pk {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	snap := cur.Clone()
	d.mu.Unlock()

	d.notify(snap, ChangeRemoved)
	return nil
}

// Get returns a snapshot of the contact with key pk.
func (d *Directory) Get(pk identity.PublicKey) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byKey[pk]
	if !ok {
		return Contact{}, false
	}
	return c.Clone(), true
}

// FindByName returns the first contact with the given name.
func (d *Directory) FindByName(name string) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, k := range d.order {
		if c := d.byKey[k]; c.Name == name {
			return c.Clone(), true
		}
	}
	return Contact{}, false
}

// List returns snapshots of all contacts in insertion order.
func (d *Directory) List() []Contact {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Contact, 0, len(d.order))
	for _, k := range d.order {
		out = append(out, d.byKey[k].Clone())
	}
	return out
}

// Len returns the number of contacts.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// Update applies fn to the stored contact under the lock. fn must not block.
// The public key cannot be changed.
func (d *Directory) Update(pk identity.PublicKey, fn func(*Contact)) (Contact, error) {
	d.mu.Lock()
	cur, ok := d.byKey[pk]
	if !ok {
		d.mu.Unlock()
		return Contact{}, ErrNotFound
	}
	fn(cur)
	cur.PublicKey = pk
	snap := cur.Clone()
	d.mu.Unlock()

	d.notify(snap, ChangeUpdated)
	return snap, nil
}

// SetState records the presence of pk. Unknown keys are ignored; the
// result reports whether a stored contact was touched.
func (d *Directory) SetState(pk identity.PublicKey, s State) bool {
	return d.setPresence(pk, s, "")
}

// MarkOnline sets pk online and remembers addr as the last working address.
func (d *Directory) MarkOnline(pk identity.PublicKey, addr string) bool {
	return d.setPresence(pk, StateOnline, addr)
}

func (d *Directory) setPresence(pk identity.PublicKey, s State, addr string) bool {
	d.mu.Lock()
	cur, ok := d.byKey[pk]
	if !ok {
		d.mu.Unlock()
		return false
	}
	changed := cur.State != s
	cur.State = s
	if addr != "" {
		cur.LastGoodAddress = addr
	}
	snap := cur.Clone()
	d.mu.Unlock()

	if changed {
		d.notify(snap, ChangeState)
	}
	return true
}

// Replace swaps the whole content, e.g. after loading from disk.
// Entries with duplicate keys are dropped after the first.
func (d *Directory) Replace(all []Contact) {
	byKey := make(map[identity.PublicKey]*Contact, len(all))
	order := make([]identity.PublicKey, 0, len(all))
	for _, c := range all {
		if c.Validate() != nil {
			continue
		}
		if _, dup := byKey[c.PublicKey]; dup {
			continue
		}
		cp := c.Clone()
		byKey[c.PublicKey] = &cp
		order = append(order, c.PublicKey)
	}
	d.mu.Lock()
	d.byKey = byKey
	d.order = order
	d.mu.Unlock()
}
