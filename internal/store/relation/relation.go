// Package relation implements the typed relation and secondary index of
// spec §4.4: an ordered set of (domain -> codomain) tuples keyed by a
// unique primary domain, with an optional reverse index mapping codomain
// back to its set of domains. Tuple bytes are physically owned by a
// slotbox.Box; the relation owns the byte encoding of the domain/codomain
// pair and the committed-state bookkeeping the transaction manager needs
// for MVCC conflict validation.
package relation

import (
	"fmt"
	"sort"
	"sync"

	"github.com/moodb/moodb/internal/store/slotbox"
	"github.com/moodb/moodb/internal/store/storeerr"
)

// entry is one committed (domain -> codomain) binding.
type entry struct {
	codomain    []byte
	tuple       slotbox.TupleID
	committedAt uint64
}

// Relation is a named, committed-state set of tuples. All mutating
// methods are meant to be called only while holding the store's global
// commit lock, during a transaction's complete_commit phase (spec §4.5);
// reads may run concurrently with no lock beyond the relation's own
// RWMutex, since committed state is read-mostly.
type Relation struct {
	id            slotbox.RelationID
	name          string
	box           *slotbox.Box
	bidirectional bool

	mu      sync.RWMutex
	forward map[string]*entry
	reverse map[string]map[string]struct{} // codomain key -> set of domain keys
}

// New creates a relation backed by box, tagged with id for physical page
// placement, optionally carrying a secondary index.
func New(id slotbox.RelationID, name string, box *slotbox.Box, bidirectional bool) *Relation {
	r := &Relation{
		id:            id,
		name:          name,
		box:           box,
		bidirectional: bidirectional,
		forward:       make(map[string]*entry),
	}
	if bidirectional {
		r.reverse = make(map[string]map[string]struct{})
	}
	return r
}

func (r *Relation) Name() string               { return r.name }
func (r *Relation) ID() slotbox.RelationID     { return r.id }
func (r *Relation) Bidirectional() bool        { return r.bidirectional }

// Seek returns the committed codomain for domain, if present.
func (r *Relation) Seek(domain []byte) (codomain []byte, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.forward[string(domain)]
	if !ok {
		return nil, false
	}
	return e.codomain, true
}

// LastWriteTimestamp reports the commit timestamp of the most recent
// writer of domain, used by the transaction manager's check_commit.
func (r *Relation) LastWriteTimestamp(domain []byte) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.forward[string(domain)]
	if !ok {
		return 0, false
	}
	return e.committedAt, true
}

// SeekByCodomain returns every domain currently mapped to codomain. Only
// valid on a bidirectional relation.
func (r *Relation) SeekByCodomain(codomain []byte) ([][]byte, error) {
	if !r.bidirectional {
		return nil, fmt.Errorf("relation %s: not bidirectional", r.name)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.reverse[string(codomain)]
	if !ok {
		return nil, nil
	}
	out := make([][]byte, 0, len(set))
	for k := range set {
		out = append(out, []byte(k))
	}
	return out, nil
}

// Range returns every committed (domain, codomain) pair with lo <= domain
// <= hi, in domain order. A nil lo/hi bound is unbounded on that side.
func (r *Relation) Range(lo, hi []byte) []KV {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.forward))
	for k := range r.forward {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []KV
	for _, k := range keys {
		if lo != nil && k < string(lo) {
			continue
		}
		if hi != nil && k > string(hi) {
			break
		}
		e := r.forward[k]
		out = append(out, KV{Domain: []byte(k), Codomain: e.codomain})
	}
	return out
}

// KV is one (domain, codomain) pair returned by Range.
type KV struct {
	Domain   []byte
	Codomain []byte
}

// ApplyInsert materializes a new committed tuple, failing if the domain
// key is already present. Called only from commit publication.
func (r *Relation) ApplyInsert(domain, codomain []byte, commitTS uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(domain)
	if _, exists := r.forward[key]; exists {
		return fmt.Errorf("relation %s: insert %x: %w", r.name, domain, storeerr.ErrKeyExists)
	}
	tid, err := r.box.Allocate(int64(len(codomain)), r.id, codomain)
	if err != nil {
		return fmt.Errorf("relation %s: %w", r.name, err)
	}
	r.forward[key] = &entry{codomain: codomain, tuple: tid, committedAt: commitTS}
	if r.bidirectional {
		r.addReverseLocked(codomain, domain)
	}
	return nil
}

// ApplyUpdate overwrites an existing committed tuple's codomain, failing
// if the domain key is absent.
func (r *Relation) ApplyUpdate(domain, codomain []byte, commitTS uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(domain)
	e, exists := r.forward[key]
	if !exists {
		return fmt.Errorf("relation %s: update %x: %w", r.name, domain, storeerr.ErrKeyNotFound)
	}
	newID, err := r.box.Update(e.tuple, r.id, codomain)
	if err != nil {
		return fmt.Errorf("relation %s: %w", r.name, err)
	}
	if r.bidirectional {
		r.removeReverseLocked(e.codomain, domain)
		r.addReverseLocked(codomain, domain)
	}
	r.forward[key] = &entry{codomain: codomain, tuple: newID, committedAt: commitTS}
	return nil
}

// ApplyUpsert inserts or overwrites domain's committed tuple.
func (r *Relation) ApplyUpsert(domain, codomain []byte, commitTS uint64) error {
	r.mu.RLock()
	_, exists := r.forward[string(domain)]
	r.mu.RUnlock()
	if exists {
		return r.ApplyUpdate(domain, codomain, commitTS)
	}
	return r.ApplyInsert(domain, codomain, commitTS)
}

// ApplyRemove deletes domain's committed tuple, decrementing its slotbox
// refcount to zero.
func (r *Relation) ApplyRemove(domain []byte, commitTS uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(domain)
	e, exists := r.forward[key]
	if !exists {
		return fmt.Errorf("relation %s: remove %x: %w", r.name, domain, storeerr.ErrKeyNotFound)
	}
	if err := r.box.Remove(e.tuple); err != nil {
		return fmt.Errorf("relation %s: %w", r.name, err)
	}
	delete(r.forward, key)
	if r.bidirectional {
		r.removeReverseLocked(e.codomain, domain)
	}
	return nil
}

func (r *Relation) addReverseLocked(codomain, domain []byte) {
	ck := string(codomain)
	set, ok := r.reverse[ck]
	if !ok {
		set = make(map[string]struct{})
		r.reverse[ck] = set
	}
	set[string(domain)] = struct{}{}
}

func (r *Relation) removeReverseLocked(codomain, domain []byte) {
	ck := string(codomain)
	set, ok := r.reverse[ck]
	if !ok {
		return
	}
	delete(set, string(domain))
	if len(set) == 0 {
		delete(r.reverse, ck)
	}
}

// CheckConsistency verifies the invariant of spec §8: for every (k,v) in
// the forward map, k is present in reverse[v] and vice versa. Intended
// for tests and the reconciler's integrity pass.
func (r *Relation) CheckConsistency() error {
	if !r.bidirectional {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, e := range r.forward {
		set, ok := r.reverse[string(e.codomain)]
		if !ok || !has(set, k) {
			return fmt.Errorf("relation %s: forward key %x missing from reverse[%x]", r.name, k, e.codomain)
		}
	}
	for ck, set := range r.reverse {
		for k := range set {
			e, ok := r.forward[k]
			if !ok || string(e.codomain) != ck {
				return fmt.Errorf("relation %s: reverse entry %x->%x missing matching forward entry", r.name, ck, k)
			}
		}
	}
	return nil
}

func has(set map[string]struct{}, k string) bool {
	_, ok := set[k]
	return ok
}
