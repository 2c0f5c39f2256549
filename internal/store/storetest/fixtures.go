// Package storetest provides small store fixtures shared across the
// store subpackages' tests, grounded on the same tiny-virtual-size
// pattern every storage layer test below it already uses: a temp
// directory root and an undersized buffer pool so fragmentation and
// exhaustion paths are reachable without allocating real memory.
package storetest

import (
	"testing"

	"github.com/moodb/moodb/internal/store/bufferpool"
	"github.com/moodb/moodb/internal/store/relation"
	"github.com/moodb/moodb/internal/store/slotbox"
	"github.com/moodb/moodb/internal/store/txn"
	"github.com/moodb/moodb/internal/store/wal"
)

// SmallPoolSize is a virtual reservation large enough for a handful of
// pages per class but small enough to hit exhaustion in a few dozen
// allocations.
const SmallPoolSize = 4 * 1024 * 1024

// RelationSpec names one relation to seed into a fixture store.
type RelationSpec struct {
	ID            uint32
	Name          string
	Bidirectional bool
}

// Fixture bundles a buffer pool, slot box, relation set, WAL, and
// transaction manager wired together the way moodb.Store wires them,
// scaled down for tests.
type Fixture struct {
	Dir        string
	Pool       *bufferpool.Pool
	Box        *slotbox.Box
	Relations  map[uint32]*relation.Relation
	Log        *wal.Log
	Manager    *txn.Manager
}

// New builds a fixture store with the given relations, closing its pool
// and WAL automatically at test cleanup.
func New(t *testing.T, specs ...RelationSpec) *Fixture {
	t.Helper()
	dir := t.TempDir()

	pool, err := bufferpool.Open(SmallPoolSize, []int64{32 * 1024, 128 * 1024})
	if err != nil {
		t.Fatalf("storetest: bufferpool.Open: %v", err)
	}
	box := slotbox.New(pool)

	relations := make(map[uint32]*relation.Relation, len(specs))
	for _, spec := range specs {
		relations[spec.ID] = relation.New(slotbox.RelationID(spec.ID), spec.Name, box, spec.Bidirectional)
	}

	log, err := wal.Open(dir)
	if err != nil {
		t.Fatalf("storetest: wal.Open: %v", err)
	}

	mgr := txn.NewManager(relations, log, 1)

	t.Cleanup(func() {
		log.Close()
		pool.Close()
	})

	return &Fixture{
		Dir:       dir,
		Pool:      pool,
		Box:       box,
		Relations: relations,
		Log:       log,
		Manager:   mgr,
	}
}
