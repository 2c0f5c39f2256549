package txn

import (
	"errors"
	"fmt"
	"sort"

	"github.com/moodb/moodb/internal/logx"
	"github.com/moodb/moodb/internal/store/relation"
	"github.com/moodb/moodb/internal/store/storeerr"
	"github.com/moodb/moodb/internal/store/wal"
)

type change struct {
	value   []byte
	deleted bool
}

type workingSet struct {
	changes map[string]*change
}

// Transaction is one task's bound-together start timestamp, local
// per-relation working set, and read set. Reads are satisfied first from
// the working set, then from the relation's committed state. The relation
// holds only the latest committed value per key, with no version chain,
// so a value committed by another transaction after Begin is visible to
// Seek and Range; Commit then returns ConflictRetry for any key this
// transaction read or wrote whose committed value is newer than its
// start timestamp.
type Transaction struct {
	manager  *Manager
	id       uint64
	startTS  uint64
	working  map[uint32]*workingSet
	readKeys map[uint32]map[string]struct{}
	closed   bool
}

// ID is this transaction's id, identical to its start timestamp.
func (t *Transaction) ID() uint64      { return t.id }
func (t *Transaction) StartTS() uint64 { return t.startTS }

func (t *Transaction) wsFor(relID uint32) *workingSet {
	ws, ok := t.working[relID]
	if !ok {
		ws = &workingSet{changes: make(map[string]*change)}
		t.working[relID] = ws
	}
	return ws
}

func (t *Transaction) recordRead(relID uint32, key string) {
	set, ok := t.readKeys[relID]
	if !ok {
		set = make(map[string]struct{})
		t.readKeys[relID] = set
	}
	set[key] = struct{}{}
}

// Seek reads domain's value, preferring this transaction's own writes
// over committed state.
func (t *Transaction) Seek(relID uint32, domain []byte) ([]byte, bool, error) {
	if t.closed {
		return nil, false, storeerr.ErrTxnClosed
	}
	r, err := t.manager.relation(relID)
	if err != nil {
		return nil, false, err
	}
	key := string(domain)
	t.recordRead(relID, key)

	if ws, ok := t.working[relID]; ok {
		if c, ok := ws.changes[key]; ok {
			if c.deleted {
				return nil, false, nil
			}
			return c.value, true, nil
		}
	}
	v, ok := r.Seek(domain)
	return v, ok, nil
}

// Range merges this transaction's uncommitted writes over the relation's
// committed snapshot for the given bound, per the same visibility rule as
// Seek.
func (t *Transaction) Range(relID uint32, lo, hi []byte) ([]relation.KV, error) {
	if t.closed {
		return nil, storeerr.ErrTxnClosed
	}
	r, err := t.manager.relation(relID)
	if err != nil {
		return nil, err
	}
	base := r.Range(lo, hi)
	ws, hasWS := t.working[relID]
	if !hasWS {
		return base, nil
	}

	merged := make(map[string][]byte, len(base))
	for _, kv := range base {
		merged[string(kv.Domain)] = kv.Codomain
	}
	for key, c := range ws.changes {
		if lo != nil && key < string(lo) {
			continue
		}
		if hi != nil && key > string(hi) {
			continue
		}
		if c.deleted {
			delete(merged, key)
		} else {
			merged[key] = c.value
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]relation.KV, len(keys))
	for i, k := range keys {
		out[i] = relation.KV{Domain: []byte(k), Codomain: merged[k]}
	}
	return out, nil
}

func (t *Transaction) existsLocally(relID uint32, key string) (exists bool, knownLocally bool) {
	ws, ok := t.working[relID]
	if !ok {
		return false, false
	}
	c, ok := ws.changes[key]
	if !ok {
		return false, false
	}
	return !c.deleted, true
}

// Insert stages a new key, failing if it is already present (locally or
// in committed state).
func (t *Transaction) Insert(relID uint32, domain, codomain []byte) error {
	if t.closed {
		return storeerr.ErrTxnClosed
	}
	r, err := t.manager.relation(relID)
	if err != nil {
		return err
	}
	key := string(domain)
	if exists, known := t.existsLocally(relID, key); known {
		if exists {
			return fmt.Errorf("txn: insert %x: %w", domain, storeerr.ErrKeyExists)
		}
	} else if _, ok := r.Seek(domain); ok {
		return fmt.Errorf("txn: insert %x: %w", domain, storeerr.ErrKeyExists)
	}
	t.wsFor(relID).changes[key] = &change{value: codomain}
	return nil
}

// Update stages a replacement for an existing key, failing if absent.
func (t *Transaction) Update(relID uint32, domain, codomain []byte) error {
	if t.closed {
		return storeerr.ErrTxnClosed
	}
	r, err := t.manager.relation(relID)
	if err != nil {
		return err
	}
	key := string(domain)
	if exists, known := t.existsLocally(relID, key); known {
		if !exists {
			return fmt.Errorf("txn: update %x: %w", domain, storeerr.ErrKeyNotFound)
		}
	} else if _, ok := r.Seek(domain); !ok {
		return fmt.Errorf("txn: update %x: %w", domain, storeerr.ErrKeyNotFound)
	}
	t.wsFor(relID).changes[key] = &change{value: codomain}
	return nil
}

// Upsert stages an insert-or-update for domain.
func (t *Transaction) Upsert(relID uint32, domain, codomain []byte) error {
	if t.closed {
		return storeerr.ErrTxnClosed
	}
	if err := t.Update(relID, domain, codomain); err != nil {
		if errors.Is(err, storeerr.ErrKeyNotFound) {
			return t.Insert(relID, domain, codomain)
		}
		return err
	}
	return nil
}

// Remove stages a tombstone for domain, failing if absent.
func (t *Transaction) Remove(relID uint32, domain []byte) error {
	if t.closed {
		return storeerr.ErrTxnClosed
	}
	r, err := t.manager.relation(relID)
	if err != nil {
		return err
	}
	key := string(domain)
	if exists, known := t.existsLocally(relID, key); known {
		if !exists {
			return fmt.Errorf("txn: remove %x: %w", domain, storeerr.ErrKeyNotFound)
		}
	} else if _, ok := r.Seek(domain); !ok {
		return fmt.Errorf("txn: remove %x: %w", domain, storeerr.ErrKeyNotFound)
	}
	t.wsFor(relID).changes[key] = &change{deleted: true}
	return nil
}

// Commit validates the transaction's reads and writes against every
// committed write newer than its start timestamp, then, if validation
// passes, publishes its working sets and appends a WAL record — spec
// §4.5's two-phase check_commit + complete_commit, under the single
// global commit lock (spec §5).
func (t *Transaction) Commit() (Outcome, error) {
	if t.closed {
		return 0, storeerr.ErrTxnClosed
	}
	t.manager.commitMu.Lock()

	touched := make(map[uint32]map[string]struct{})
	for relID, ws := range t.working {
		set := touched[relID]
		if set == nil {
			set = make(map[string]struct{})
			touched[relID] = set
		}
		for key := range ws.changes {
			set[key] = struct{}{}
		}
	}
	for relID, keys := range t.readKeys {
		set := touched[relID]
		if set == nil {
			set = make(map[string]struct{})
			touched[relID] = set
		}
		for key := range keys {
			set[key] = struct{}{}
		}
	}

	for relID, keys := range touched {
		r, err := t.manager.relation(relID)
		if err != nil {
			t.manager.commitMu.Unlock()
			return 0, err
		}
		for key := range keys {
			if ts, ok := r.LastWriteTimestamp([]byte(key)); ok && ts > t.startTS {
				t.manager.commitMu.Unlock()
				logx.WithTxnID(t.id).Debug().Str("relation", r.Name()).Msg("commit conflict detected")
				return ConflictRetry, nil
			}
		}
	}

	commitTS := t.manager.nextTS.Add(1) - 1
	record := wal.Record{CommitTS: commitTS}

	relIDs := make([]uint32, 0, len(t.working))
	for relID := range t.working {
		relIDs = append(relIDs, relID)
	}
	sort.Slice(relIDs, func(i, j int) bool { return relIDs[i] < relIDs[j] })

	for _, relID := range relIDs {
		ws := t.working[relID]
		r, _ := t.manager.relation(relID)

		keys := make([]string, 0, len(ws.changes))
		for k := range ws.changes {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		rd := wal.RelationDelta{RelationID: relID}
		for _, key := range keys {
			c := ws.changes[key]
			domain := []byte(key)
			if c.deleted {
				if err := r.ApplyRemove(domain, commitTS); err != nil {
					panic(fmt.Sprintf("txn: publication failure after validation: %v", err))
				}
				rd.Deltas = append(rd.Deltas, wal.Delta{Kind: wal.DeltaDelete, Key: domain})
				continue
			}
			_, existed := r.Seek(domain)
			if existed {
				if err := r.ApplyUpdate(domain, c.value, commitTS); err != nil {
					panic(fmt.Sprintf("txn: publication failure after validation: %v", err))
				}
				rd.Deltas = append(rd.Deltas, wal.Delta{Kind: wal.DeltaUpdate, Key: domain, Value: c.value})
			} else {
				if err := r.ApplyInsert(domain, c.value, commitTS); err != nil {
					panic(fmt.Sprintf("txn: publication failure after validation: %v", err))
				}
				rd.Deltas = append(rd.Deltas, wal.Delta{Kind: wal.DeltaInsert, Key: domain, Value: c.value})
			}
		}
		record.Relations = append(record.Relations, rd)
	}

	if len(record.Relations) > 0 {
		if err := t.manager.wal.Append(record); err != nil {
			panic(fmt.Sprintf("txn: WAL append failure after validation: %v", err))
		}
	}

	t.closed = true
	t.manager.commitMu.Unlock()
	logx.WithTxnID(t.id).Debug().Uint64("commit_ts", commitTS).Msg("committed")
	return Success, nil
}

// Rollback discards the working set. It cannot fail in a way a
// transaction can observe, per spec §4.5.
func (t *Transaction) Rollback() {
	t.closed = true
	t.working = nil
	t.readKeys = nil
}
