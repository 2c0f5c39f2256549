package relation

import (
	"errors"
	"testing"

	"github.com/moodb/moodb/internal/store/bufferpool"
	"github.com/moodb/moodb/internal/store/slotbox"
	"github.com/moodb/moodb/internal/store/storeerr"
)

func newTestRelation(t *testing.T, bidirectional bool) *Relation {
	t.Helper()
	pool, err := bufferpool.Open(4*32*1024, []int64{32 * 1024})
	if err != nil {
		t.Fatalf("bufferpool.Open: %v", err)
	}
	t.Cleanup(pool.Close)
	box := slotbox.New(pool)
	return New(1, "test", box, bidirectional)
}

func TestInsertSeekRemove(t *testing.T) {
	r := newTestRelation(t, false)

	if err := r.ApplyInsert([]byte("a"), []byte("1"), 1); err != nil {
		t.Fatalf("ApplyInsert: %v", err)
	}
	got, ok := r.Seek([]byte("a"))
	if !ok || string(got) != "1" {
		t.Fatalf("Seek = %q, %v, want 1, true", got, ok)
	}

	if err := r.ApplyInsert([]byte("a"), []byte("2"), 2); !errors.Is(err, storeerr.ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}

	if err := r.ApplyRemove([]byte("a"), 3); err != nil {
		t.Fatalf("ApplyRemove: %v", err)
	}
	if _, ok := r.Seek([]byte("a")); ok {
		t.Fatalf("Seek after remove should miss")
	}
}

func TestUpdateRequiresExistingKey(t *testing.T) {
	r := newTestRelation(t, false)
	if err := r.ApplyUpdate([]byte("missing"), []byte("x"), 1); !errors.Is(err, storeerr.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestBidirectionalConsistency(t *testing.T) {
	r := newTestRelation(t, true)
	if err := r.ApplyInsert([]byte("k1"), []byte("v1"), 1); err != nil {
		t.Fatalf("ApplyInsert: %v", err)
	}
	if err := r.ApplyInsert([]byte("k2"), []byte("v1"), 2); err != nil {
		t.Fatalf("ApplyInsert: %v", err)
	}

	domains, err := r.SeekByCodomain([]byte("v1"))
	if err != nil {
		t.Fatalf("SeekByCodomain: %v", err)
	}
	if len(domains) != 2 {
		t.Fatalf("SeekByCodomain returned %d domains, want 2", len(domains))
	}

	if err := r.CheckConsistency(); err != nil {
		t.Fatalf("CheckConsistency: %v", err)
	}

	if err := r.ApplyUpdate([]byte("k1"), []byte("v2"), 3); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if err := r.CheckConsistency(); err != nil {
		t.Fatalf("CheckConsistency after update: %v", err)
	}
	domains, _ = r.SeekByCodomain([]byte("v1"))
	if len(domains) != 1 || string(domains[0]) != "k2" {
		t.Fatalf("SeekByCodomain(v1) after update = %v, want [k2]", domains)
	}
}

func TestRangeReturnsSortedSubset(t *testing.T) {
	r := newTestRelation(t, false)
	for i, k := range []string{"b", "d", "a", "c"} {
		if err := r.ApplyInsert([]byte(k), []byte{byte(i)}, uint64(i+1)); err != nil {
			t.Fatalf("ApplyInsert(%s): %v", k, err)
		}
	}
	kvs := r.Range([]byte("b"), []byte("c"))
	if len(kvs) != 2 || string(kvs[0].Domain) != "b" || string(kvs[1].Domain) != "c" {
		t.Fatalf("Range(b,c) = %+v, want [b c]", kvs)
	}
}
