// Package txn implements the timestamp-ordered optimistic MVCC
// transaction manager of spec §4.5: per-relation local working sets,
// commit validation against committed writers newer than the
// transaction's start timestamp, and WAL publication.
package txn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/moodb/moodb/internal/logx"
	"github.com/moodb/moodb/internal/store/relation"
	"github.com/moodb/moodb/internal/store/storeerr"
	"github.com/moodb/moodb/internal/store/wal"
)

// Outcome is the result of a transaction's Commit attempt.
type Outcome int

const (
	Success Outcome = iota
	ConflictRetry
)

// Manager owns the committed relation set, the monotonic timestamp
// counter, and the single global commit lock that serializes publication
// (spec §4.5 step 1, §5's "Commit lock").
type Manager struct {
	relations map[uint32]*relation.Relation

	nextTS atomic.Uint64

	commitMu sync.Mutex
	wal      *wal.Log
}

// NewManager creates a transaction manager over the given relations
// (keyed by relation id), publishing commits to log. startTS seeds the
// timestamp counter — on a fresh store this is 1; after recovery it is
// the value strictly greater than the latest committed timestamp found
// in the WAL (spec §4.6 step 4).
func NewManager(relations map[uint32]*relation.Relation, log *wal.Log, startTS uint64) *Manager {
	m := &Manager{relations: relations, wal: log}
	m.nextTS.Store(startTS)
	return m
}

// Begin starts a new transaction with a freshly assigned, monotonically
// increasing start timestamp.
func (m *Manager) Begin() *Transaction {
	ts := m.nextTS.Add(1) - 1
	return &Transaction{
		manager:  m,
		id:       ts,
		startTS:  ts,
		working:  make(map[uint32]*workingSet),
		readKeys: make(map[uint32]map[string]struct{}),
	}
}

func (m *Manager) relation(id uint32) (*relation.Relation, error) {
	r, ok := m.relations[id]
	if !ok {
		return nil, fmt.Errorf("txn: unknown relation %d", id)
	}
	return r, nil
}
