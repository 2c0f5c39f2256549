package slotbox

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/moodb/moodb/internal/store/bufferpool"
	"github.com/moodb/moodb/internal/store/storeerr"
)

func newTestBox(t *testing.T, virtSize int64) *Box {
	t.Helper()
	pool, err := bufferpool.Open(virtSize, []int64{32 * 1024})
	if err != nil {
		t.Fatalf("bufferpool.Open: %v", err)
	}
	t.Cleanup(pool.Close)
	return New(pool)
}

// TestPageOverflowUsesSecondPage mirrors spec §8 scenario 2: configure a
// store with virtual size = 64 * 32 KiB, insert random tuples of 1..128
// bytes into relation 0 until a second page is used; both pages' tuples
// read back identical to what was written.
func TestPageOverflowUsesSecondPage(t *testing.T) {
	box := newTestBox(t, 64*32*1024)
	rng := rand.New(rand.NewSource(1))

	written := map[TupleID][]byte{}
	for box.PageCount(0) < 2 {
		size := rng.Intn(128) + 1
		data := make([]byte, size)
		rng.Read(data)
		id, err := box.Allocate(int64(size), 0, data)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		written[id] = data
	}

	for id, want := range written {
		got, release, err := box.Get(id)
		if err != nil {
			t.Fatalf("Get(%v): %v", id, err)
		}
		if string(got) != string(want) {
			t.Fatalf("tuple %v changed: got %q want %q", id, got, want)
		}
		release()
	}
}

// TestFillAndReclaim mirrors spec §8 scenario 3: fill until BoxFull, drop
// all handles, reads of prior tuple ids return tuple-not-found, refill
// succeeds to comparable occupancy.
func TestFillAndReclaim(t *testing.T) {
	box := newTestBox(t, 4*32*1024)

	var ids []TupleID
	for {
		id, err := box.Allocate(512, 0, nil)
		if err != nil {
			if !errors.Is(err, storeerr.ErrBoxFull) {
				t.Fatalf("Allocate: unexpected error %v", err)
			}
			break
		}
		ids = append(ids, id)
	}
	firstRoundCount := len(ids)
	if firstRoundCount == 0 {
		t.Fatalf("expected at least one successful allocation before BoxFull")
	}

	for _, id := range ids {
		if err := box.Remove(id); err != nil {
			t.Fatalf("Remove(%v): %v", id, err)
		}
	}

	for _, id := range ids {
		if _, _, err := box.Get(id); err == nil {
			t.Fatalf("Get(%v) should fail after removal", id)
		}
	}

	var refilled int
	for {
		if _, err := box.Allocate(512, 0, nil); err != nil {
			break
		}
		refilled++
	}
	if refilled != firstRoundCount {
		t.Fatalf("refill reached %d allocations, want %d (comparable occupancy)", refilled, firstRoundCount)
	}
}

func TestUpdateSameLengthIsInPlace(t *testing.T) {
	box := newTestBox(t, 4*32*1024)
	id, err := box.Allocate(8, 0, []byte("aaaaaaaa"))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	newID, err := box.Update(id, 0, []byte("bbbbbbbb"))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if newID != id {
		t.Fatalf("same-length update should keep the tuple id, got %v want %v", newID, id)
	}
	got, release, err := box.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer release()
	if string(got) != "bbbbbbbb" {
		t.Fatalf("Get after update = %q", got)
	}
}

func TestUpdateDifferentLengthReallocates(t *testing.T) {
	box := newTestBox(t, 4*32*1024)
	id, err := box.Allocate(4, 0, []byte("abcd"))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	newID, err := box.Update(id, 0, []byte("a much longer replacement value"))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, release, err := box.Get(newID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer release()
	if string(got) != "a much longer replacement value" {
		t.Fatalf("Get after resize update = %q", got)
	}
}
