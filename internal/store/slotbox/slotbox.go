// Package slotbox implements the relation-aware tuple placement of spec
// §4.3: for each relation, an ordered collection of pages annotated with
// remaining free space, plus stable per-tuple back-references resolved
// through the box on every access (never a raw pointer, per the design
// note in spec §9).
package slotbox

import (
	"fmt"
	"sort"
	"sync"

	"github.com/moodb/moodb/internal/store/bufferpool"
	"github.com/moodb/moodb/internal/store/page"
	"github.com/moodb/moodb/internal/store/storeerr"
)

// RelationID tags which relation a page currently holds tuples for.
type RelationID uint32

// PageID names a page; it is identical to the buffer-pool block id that
// backs it, since each page occupies exactly one block.
type PageID = bufferpool.BlockID

// TupleID is a tuple's stable physical address: the page holding it and
// its slot within that page.
type TupleID struct {
	Page PageID
	Slot page.SlotID
}

func (t TupleID) String() string { return fmt.Sprintf("(%d,%d)", t.Page, t.Slot) }

const minPageSize = 32 * 1024

// Box places variable-length tuples into pages drawn from a Pool, keeping
// each relation's pages sorted by remaining free space for best-fit
// placement.
type Box struct {
	pool *bufferpool.Pool

	mu          sync.Mutex
	pages       map[PageID]*page.Page
	pageRel     map[PageID]RelationID
	freeLists   map[RelationID][]uint64 // packed (freeSpace<<32 | pageID), ascending
	relPageSets map[RelationID]map[PageID]struct{}
}

// New creates a slot box placing tuples into pages drawn from pool.
func New(pool *bufferpool.Pool) *Box {
	return &Box{
		pool:        pool,
		pages:       make(map[PageID]*page.Page),
		pageRel:     make(map[PageID]RelationID),
		freeLists:   make(map[RelationID][]uint64),
		relPageSets: make(map[RelationID]map[PageID]struct{}),
	}
}

// encode packs a (pageID, freeSpace) pair so that sorting the packed
// uint64 ascending sorts primarily by free space, per spec §4.3 and the
// round-trip property in spec §8.
func encode(pageID PageID, freeSpace int64) uint64 {
	return uint64(freeSpace)<<32 | (uint64(pageID) & 0xFFFFFFFF)
}

func decode(v uint64) (pageID PageID, freeSpace int64) {
	return PageID(v & 0xFFFFFFFF), int64(v >> 32)
}

func nextPow2(n int64) int64 {
	p := int64(1)
	for p < n {
		p <<= 1
	}
	return p
}

func pageSizeFor(tupleSize int64) int64 {
	size := nextPow2(tupleSize + 64)
	if size < minPageSize {
		size = minPageSize
	}
	return size
}

// Allocate places size bytes of a relation's tuple, preferring the
// smallest existing page with enough room (best-fit over reported free
// content bytes), and otherwise requesting a fresh page from the pool.
func (b *Box) Allocate(size int64, relation RelationID, initial []byte) (TupleID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	needed := size + 16 // slot-index entry overhead, see page.SlotIndexOverhead
	list := b.freeLists[relation]

	idx := sort.Search(len(list), func(i int) bool {
		_, free := decode(list[i])
		return free >= needed
	})
	if idx < len(list) {
		pid, _ := decode(list[idx])
		pg := b.pages[pid]
		slot, newFree, _, err := pg.Allocate(size, initial)
		if err == nil {
			b.updateFreeLocked(relation, idx, pid, newFree)
			return TupleID{Page: pid, Slot: slot}, nil
		}
		// Page reported enough free space but allocation still failed
		// (fragmentation at the data/slot-index boundary); fall through
		// to requesting a new page rather than surfacing the error.
	}

	pageSize := pageSizeFor(size)
	pid, base, actual, err := b.pool.Alloc(pageSize)
	if err != nil {
		return TupleID{}, fmt.Errorf("slotbox: %w", storeerr.ErrBoxFull)
	}
	_ = actual
	pg := page.New(base, uint32(relation))
	slot, newFree, _, err := pg.Allocate(size, initial)
	if err != nil {
		return TupleID{}, fmt.Errorf("slotbox: tuple of %d bytes does not fit a fresh page: %w", size, storeerr.ErrBoxFull)
	}
	b.pages[pid] = pg
	b.pageRel[pid] = relation
	b.trackPageLocked(relation, pid)
	b.insertFreeLocked(relation, pid, newFree)
	return TupleID{Page: pid, Slot: slot}, nil
}

func (b *Box) trackPageLocked(relation RelationID, pid PageID) {
	set, ok := b.relPageSets[relation]
	if !ok {
		set = make(map[PageID]struct{})
		b.relPageSets[relation] = set
	}
	set[pid] = struct{}{}
}

func (b *Box) untrackPageLocked(relation RelationID, pid PageID) {
	if set, ok := b.relPageSets[relation]; ok {
		delete(set, pid)
	}
}

// insertFreeLocked adds a new (page, freeSpace) entry in sorted position.
func (b *Box) insertFreeLocked(relation RelationID, pid PageID, free int64) {
	list := b.freeLists[relation]
	v := encode(pid, free)
	idx := sort.Search(len(list), func(i int) bool { return list[i] >= v })
	list = append(list, 0)
	copy(list[idx+1:], list[idx:])
	list[idx] = v
	b.freeLists[relation] = list
}

// updateFreeLocked replaces the entry at idx with the page's new free
// space, removing it entirely if the page reports no usable room left,
// and re-sorts its position.
func (b *Box) updateFreeLocked(relation RelationID, idx int, pid PageID, newFree int64) {
	list := b.freeLists[relation]
	list = append(list[:idx], list[idx+1:]...)
	b.freeLists[relation] = list
	if newFree > 16 {
		b.insertFreeLocked(relation, pid, newFree)
	}
}

func (b *Box) removeFreeEntryLocked(relation RelationID, pid PageID) {
	list := b.freeLists[relation]
	for i, v := range list {
		p, _ := decode(v)
		if p == pid {
			b.freeLists[relation] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Get returns a read-locked view of a tuple's bytes.
func (b *Box) Get(id TupleID) ([]byte, func(), error) {
	b.mu.Lock()
	pg, ok := b.pages[id.Page]
	b.mu.Unlock()
	if !ok {
		return nil, nil, storeerr.ErrTupleNotFound
	}
	data, release, err := pg.GetSlot(id.Slot)
	if err != nil {
		return nil, nil, fmt.Errorf("slotbox: %w", storeerr.ErrTupleNotFound)
	}
	return data, release, nil
}

// Remove decrements a tuple's refcount, freeing its slot (and, if the page
// is now empty, the page itself) once the refcount reaches zero.
func (b *Box) Remove(id TupleID) error {
	b.mu.Lock()
	pg, ok := b.pages[id.Page]
	relation, hasRel := b.pageRel[id.Page]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("slotbox: remove %v: %w", id, storeerr.ErrPageNotFound)
	}

	zero, err := pg.Dncount(id.Slot)
	if err != nil {
		return fmt.Errorf("slotbox: %w", storeerr.ErrTupleNotFound)
	}
	if !zero {
		return nil
	}

	newFree, _, empty, err := pg.RemoveSlot(id.Slot)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !hasRel {
		return storeerr.ErrPageNotFound
	}
	b.removeFreeEntryLocked(relation, id.Page)
	if empty {
		delete(b.pages, id.Page)
		delete(b.pageRel, id.Page)
		b.untrackPageLocked(relation, id.Page)
		if err := b.pool.Free(id.Page); err != nil {
			return err
		}
		return nil
	}
	b.insertFreeLocked(relation, id.Page, newFree)
	return nil
}

// Update replaces a tuple's bytes, mutating in place when the length is
// unchanged and falling back to remove+allocate otherwise.
func (b *Box) Update(id TupleID, relation RelationID, newBytes []byte) (TupleID, error) {
	b.mu.Lock()
	pg, ok := b.pages[id.Page]
	b.mu.Unlock()
	if !ok {
		return TupleID{}, storeerr.ErrTupleNotFound
	}

	cur, release, err := pg.GetSlotMut(id.Slot)
	if err != nil {
		return TupleID{}, fmt.Errorf("slotbox: %w", storeerr.ErrTupleNotFound)
	}
	if len(cur) == len(newBytes) {
		copy(cur, newBytes)
		release()
		return id, nil
	}
	release()

	if err := b.Remove(id); err != nil {
		return TupleID{}, err
	}
	return b.Allocate(int64(len(newBytes)), relation, newBytes)
}

// Upcount increments a tuple's refcount, used when a second live handle
// (e.g. a secondary-index entry) needs to keep the tuple alive.
func (b *Box) Upcount(id TupleID) error {
	b.mu.Lock()
	pg, ok := b.pages[id.Page]
	b.mu.Unlock()
	if !ok {
		return storeerr.ErrTupleNotFound
	}
	_, err := pg.Upcount(id.Slot)
	return err
}

// Restore re-registers a page that survived a buffer-pool restore: it
// hands the raw page buffer to the relation's decoder, records every
// live slot's back-reference, and marks the page used in the relation's
// free-space list. Used during WAL recovery (spec §4.6).
func (b *Box) Restore(pid PageID, relation RelationID, decode_ func([]byte)) ([]TupleID, error) {
	base, _, err := b.pool.ResolvePtr(pid)
	if err != nil {
		return nil, err
	}
	pg, err := page.Open(base)
	if err != nil {
		return nil, err
	}

	live := pg.Load(decode_)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[pid] = pg
	b.pageRel[pid] = relation
	b.trackPageLocked(relation, pid)
	b.insertFreeLocked(relation, pid, pg.AvailableContentBytes())

	out := make([]TupleID, len(live))
	for i, ls := range live {
		out[i] = TupleID{Page: pid, Slot: ls.ID}
	}
	return out, nil
}

// PageCount reports how many pages are currently tracked for a relation,
// for tests and admin tooling.
func (b *Box) PageCount(relation RelationID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.relPageSets[relation])
}

// CheckpointPages calls write once per currently-tracked page with its
// relation and raw bytes, under the box's lock, for the vacuum/checkpoint
// admin pass (spec §6's optional page-checkpoint directory). write must
// not call back into the Box.
func (b *Box) CheckpointPages(write func(pid PageID, relation RelationID, data []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for pid, pg := range b.pages {
		if err := write(pid, b.pageRel[pid], pg.Bytes()); err != nil {
			return err
		}
	}
	return nil
}
