package page

import (
	"bytes"
	"testing"
)

func newTestPage(t *testing.T) *Page {
	t.Helper()
	buf := make([]byte, 4096)
	return New(buf, 7)
}

func TestAllocateGetRemoveRoundTrip(t *testing.T) {
	p := newTestPage(t)

	id, _, data, err := p.Allocate(16, []byte("hello world12345"[:16]))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(data) != 16 {
		t.Fatalf("data len = %d, want 16", len(data))
	}

	got, release, err := p.GetSlot(id)
	if err != nil {
		t.Fatalf("GetSlot: %v", err)
	}
	defer release()
	if !bytes.Equal(got, []byte("hello world12345"[:16])) {
		t.Fatalf("GetSlot returned %q", got)
	}

	rc, err := p.Refcount(id)
	if err != nil || rc != 1 {
		t.Fatalf("Refcount = %d, %v, want 1, nil", rc, err)
	}

	zero, err := p.Dncount(id)
	if err != nil {
		t.Fatalf("Dncount: %v", err)
	}
	if !zero {
		t.Fatalf("Dncount should have reached zero")
	}

	if _, _, empty, err := p.RemoveSlot(id); err != nil || !empty {
		t.Fatalf("RemoveSlot: empty=%v err=%v, want true, nil", empty, err)
	}

	if _, _, err := p.GetSlot(id); err == nil {
		t.Fatalf("GetSlot after remove should fail")
	}
}

func TestAllocateOverflowsWhenPageIsFull(t *testing.T) {
	buf := make([]byte, headerSize+slotEntrySize+8)
	p := New(buf, 1)

	if _, _, _, err := p.Allocate(8, nil); err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	if _, _, _, err := p.Allocate(1, nil); err == nil {
		t.Fatalf("second Allocate should overflow the page")
	}
}

func TestAvailableContentBytesShrinksOnAllocate(t *testing.T) {
	p := newTestPage(t)
	before := p.AvailableContentBytes()
	if _, _, _, err := p.Allocate(100, nil); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	after := p.AvailableContentBytes()
	if after >= before {
		t.Fatalf("available bytes did not shrink: before=%d after=%d", before, after)
	}
	if before-after != 100+slotEntrySize {
		t.Fatalf("available bytes shrank by %d, want %d", before-after, 100+slotEntrySize)
	}
}

func TestUpcountDncountAreSymmetric(t *testing.T) {
	p := newTestPage(t)
	id, _, _, err := p.Allocate(4, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := p.Upcount(id); err != nil {
		t.Fatalf("Upcount: %v", err)
	}
	rc, _ := p.Refcount(id)
	if rc != 2 {
		t.Fatalf("Refcount = %d, want 2", rc)
	}
	if zero, err := p.Dncount(id); err != nil || zero {
		t.Fatalf("Dncount: zero=%v err=%v, want false, nil", zero, err)
	}
	if zero, err := p.Dncount(id); err != nil || !zero {
		t.Fatalf("Dncount: zero=%v err=%v, want true, nil", zero, err)
	}
}

func TestLoadReturnsLiveSlotsOnly(t *testing.T) {
	p := newTestPage(t)
	id1, _, _, _ := p.Allocate(8, []byte("12345678"))
	id2, _, _, _ := p.Allocate(8, []byte("abcdefgh"))
	if _, _, _, err := p.RemoveSlot(id1); err != nil {
		t.Fatalf("RemoveSlot: %v", err)
	}

	live := p.Load(nil)
	if len(live) != 1 || live[0].ID != id2 {
		t.Fatalf("Load() = %+v, want only slot %d live", live, id2)
	}
}
