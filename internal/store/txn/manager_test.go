package txn

import (
	"errors"
	"testing"

	"github.com/moodb/moodb/internal/store/bufferpool"
	"github.com/moodb/moodb/internal/store/relation"
	"github.com/moodb/moodb/internal/store/slotbox"
	"github.com/moodb/moodb/internal/store/storeerr"
	"github.com/moodb/moodb/internal/store/wal"
)

const testRelation = uint32(0)

func newTestManager(t *testing.T) (*Manager, func()) {
	t.Helper()
	pool, err := bufferpool.Open(8*1024*1024, []int64{32 * 1024})
	if err != nil {
		t.Fatalf("bufferpool.Open: %v", err)
	}
	box := slotbox.New(pool)
	rel := relation.New(slotbox.RelationID(testRelation), "objects", box, false)

	dir := t.TempDir()
	log, err := wal.Open(dir)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}

	m := NewManager(map[uint32]*relation.Relation{testRelation: rel}, log, 1)
	cleanup := func() {
		log.Close()
		pool.Close()
	}
	return m, cleanup
}

func TestInsertCommitIsVisibleToLaterTransactions(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	t1 := m.Begin()
	if err := t1.Insert(testRelation, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	outcome, err := t1.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if outcome != Success {
		t.Fatalf("outcome = %v, want Success", outcome)
	}

	t2 := m.Begin()
	v, ok, err := t2.Seek(testRelation, []byte("k1"))
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if !ok || string(v) != "v1" {
		t.Fatalf("Seek = %q, %v, want v1, true", v, ok)
	}
}

func TestInsertDuplicateKeyFails(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	t1 := m.Begin()
	if err := t1.Insert(testRelation, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := t1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	t2 := m.Begin()
	err := t2.Insert(testRelation, []byte("k1"), []byte("v2"))
	if !errors.Is(err, storeerr.ErrKeyExists) {
		t.Fatalf("Insert duplicate = %v, want ErrKeyExists", err)
	}
}

func TestUpdateMissingKeyFails(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	t1 := m.Begin()
	err := t1.Update(testRelation, []byte("ghost"), []byte("v"))
	if !errors.Is(err, storeerr.ErrKeyNotFound) {
		t.Fatalf("Update missing key = %v, want ErrKeyNotFound", err)
	}
}

func TestConcurrentWritersConflictRetry(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	seed := m.Begin()
	if err := seed.Insert(testRelation, []byte("k1"), []byte("v0")); err != nil {
		t.Fatalf("seed Insert: %v", err)
	}
	if _, err := seed.Commit(); err != nil {
		t.Fatalf("seed Commit: %v", err)
	}

	// Two transactions both start after the seed commit and both read and
	// write the same key: the second to commit must see a conflict, per
	// the start-timestamp validation rule.
	ta := m.Begin()
	tb := m.Begin()

	if _, _, err := ta.Seek(testRelation, []byte("k1")); err != nil {
		t.Fatalf("ta Seek: %v", err)
	}
	if err := ta.Update(testRelation, []byte("k1"), []byte("a")); err != nil {
		t.Fatalf("ta Update: %v", err)
	}
	if _, _, err := tb.Seek(testRelation, []byte("k1")); err != nil {
		t.Fatalf("tb Seek: %v", err)
	}
	if err := tb.Update(testRelation, []byte("k1"), []byte("b")); err != nil {
		t.Fatalf("tb Update: %v", err)
	}

	outcomeA, err := ta.Commit()
	if err != nil {
		t.Fatalf("ta Commit: %v", err)
	}
	if outcomeA != Success {
		t.Fatalf("ta outcome = %v, want Success", outcomeA)
	}

	outcomeB, err := tb.Commit()
	if err != nil {
		t.Fatalf("tb Commit: %v", err)
	}
	if outcomeB != ConflictRetry {
		t.Fatalf("tb outcome = %v, want ConflictRetry", outcomeB)
	}

	// Retrying tb against fresh state succeeds.
	retry := m.Begin()
	if err := retry.Update(testRelation, []byte("k1"), []byte("b-retried")); err != nil {
		t.Fatalf("retry Update: %v", err)
	}
	outcomeRetry, err := retry.Commit()
	if err != nil {
		t.Fatalf("retry Commit: %v", err)
	}
	if outcomeRetry != Success {
		t.Fatalf("retry outcome = %v, want Success", outcomeRetry)
	}
}

func TestRollbackDiscardsWorkingSet(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	t1 := m.Begin()
	if err := t1.Insert(testRelation, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	t1.Rollback()

	t2 := m.Begin()
	_, ok, err := t2.Seek(testRelation, []byte("k1"))
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if ok {
		t.Fatalf("Seek found a rolled-back insert")
	}
}

func TestUpsertInsertsThenUpdates(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	t1 := m.Begin()
	if err := t1.Upsert(testRelation, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Upsert insert: %v", err)
	}
	if _, err := t1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	t2 := m.Begin()
	if err := t2.Upsert(testRelation, []byte("k1"), []byte("v2")); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	if _, err := t2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	t3 := m.Begin()
	v, ok, err := t3.Seek(testRelation, []byte("k1"))
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if !ok || string(v) != "v2" {
		t.Fatalf("Seek = %q, %v, want v2, true", v, ok)
	}
}

func TestRemoveThenReinsert(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	t1 := m.Begin()
	if err := t1.Insert(testRelation, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := t1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	t2 := m.Begin()
	if err := t2.Remove(testRelation, []byte("k1")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := t2.Insert(testRelation, []byte("k1"), []byte("v-new")); err != nil {
		t.Fatalf("re-Insert after Remove: %v", err)
	}
	if _, err := t2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	t3 := m.Begin()
	v, ok, err := t3.Seek(testRelation, []byte("k1"))
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if !ok || string(v) != "v-new" {
		t.Fatalf("Seek = %q, %v, want v-new, true", v, ok)
	}
}
