// Package page implements the slotted-page tuple layout of spec §4.2: a
// fixed-size buffer holding variable-length tuples of a single relation,
// with a forward-growing slot index and a backward-growing data region.
package page

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/moodb/moodb/internal/store/storeerr"
)

const magic uint32 = 0x74627078 // "tbpx"

// Header layout, little-endian, fixed width:
//
//	magic        uint32
//	relationTag  uint32
//	slotCount    uint32
//	usedBytes    uint32  (slot index bytes + tuple data bytes, excluding header)
//	dataTail     uint32  (offset where tuple data currently begins, grows down from page size)
//	_reserved    uint32
const headerSize = 24

// slotEntrySize is the on-page width of one slot-index entry: offset,
// length, refcount (all uint32) plus a lock-state byte padded to 4 bytes.
const slotEntrySize = 16

// SlotID identifies a tuple's position within a page.
type SlotID uint32

// Page is a slotted page of fixed size P, holding tuples of one relation.
// A page-level lock guards slot-index mutation (allocate/remove/upcount/
// dncount); a per-slot lock guards tuple byte mutation, so reads/writes of
// one slot's bytes never block another slot.
type Page struct {
	buf        []byte
	mu         sync.Mutex // guards slot index + header fields
	slotLocks  map[SlotID]*sync.RWMutex
	slotLockMu sync.Mutex
}

// New formats a fresh page of len(buf) bytes tagged for relationTag.
func New(buf []byte, relationTag uint32) *Page {
	p := &Page{buf: buf, slotLocks: make(map[SlotID]*sync.RWMutex)}
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], relationTag)
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(buf)))
	return p
}

// Open wraps an existing formatted buffer (used during recovery, after the
// buffer pool has restored the underlying block).
func Open(buf []byte) (*Page, error) {
	if len(buf) < headerSize || binary.LittleEndian.Uint32(buf[0:4]) != magic {
		return nil, fmt.Errorf("page: bad magic")
	}
	return &Page{buf: buf, slotLocks: make(map[SlotID]*sync.RWMutex)}, nil
}

func (p *Page) relationTag() uint32  { return binary.LittleEndian.Uint32(p.buf[4:8]) }
func (p *Page) slotCount() uint32    { return binary.LittleEndian.Uint32(p.buf[8:12]) }
func (p *Page) usedBytes() uint32    { return binary.LittleEndian.Uint32(p.buf[12:16]) }
func (p *Page) dataTail() uint32     { return binary.LittleEndian.Uint32(p.buf[16:20]) }
func (p *Page) setSlotCount(n uint32) { binary.LittleEndian.PutUint32(p.buf[8:12], n) }
func (p *Page) setUsedBytes(n uint32) { binary.LittleEndian.PutUint32(p.buf[12:16], n) }
func (p *Page) setDataTail(n uint32)  { binary.LittleEndian.PutUint32(p.buf[16:20], n) }

// RelationTag returns the relation this page currently belongs to.
func (p *Page) RelationTag() uint32 { return p.relationTag() }

// SlotIndexOverhead is a pure function of the slot count: the bytes the
// slot directory occupies, which the slot box uses in its fit checks. A page's slot index never shrinks (freed slots are tombstoned
// in place, not compacted), so overhead only grows with slotCount.
func SlotIndexOverhead(slotCount int) int64 {
	return int64(slotCount) * slotEntrySize
}

// PageEmptySize returns the content bytes available on a brand-new page of
// size P: the whole page minus the fixed header.
func PageEmptySize(pageSize int64) int64 {
	return pageSize - headerSize
}

// AvailableContentBytes is the number of bytes of data+slot-index growth
// remaining before the free gap closes, exact per spec §8's round-trip
// property.
func (p *Page) AvailableContentBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked()
}

func (p *Page) availableLocked() int64 {
	slotDirEnd := headerSize + int64(p.slotCount())*slotEntrySize
	return int64(p.dataTail()) - slotDirEnd
}

func (p *Page) slotOffset(id SlotID) int64 {
	return headerSize + int64(id)*slotEntrySize
}

func (p *Page) readSlotEntry(id SlotID) (offset, length, refcount uint32) {
	o := p.slotOffset(id)
	offset = binary.LittleEndian.Uint32(p.buf[o : o+4])
	length = binary.LittleEndian.Uint32(p.buf[o+4 : o+8])
	refcount = binary.LittleEndian.Uint32(p.buf[o+8 : o+12])
	return
}

func (p *Page) writeSlotEntry(id SlotID, offset, length, refcount uint32) {
	o := p.slotOffset(id)
	binary.LittleEndian.PutUint32(p.buf[o:o+4], offset)
	binary.LittleEndian.PutUint32(p.buf[o+4:o+8], length)
	binary.LittleEndian.PutUint32(p.buf[o+8:o+12], refcount)
	binary.LittleEndian.PutUint32(p.buf[o+12:o+16], 0)
}

func (p *Page) slotLock(id SlotID) *sync.RWMutex {
	p.slotLockMu.Lock()
	defer p.slotLockMu.Unlock()
	l, ok := p.slotLocks[id]
	if !ok {
		l = &sync.RWMutex{}
		p.slotLocks[id] = l
	}
	return l
}

// Allocate places bytes at the tail of the data region and records a new
// slot entry at the head of the forward-growing index. It fails with
// storeerr.ErrSlotOverflow if the combined slot-index and data growth
// would overlap.
func (p *Page) Allocate(size int64, initial []byte) (SlotID, int64, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	newSlotCount := p.slotCount() + 1
	newSlotDirEnd := headerSize + int64(newSlotCount)*slotEntrySize
	newTail := int64(p.dataTail()) - size
	if newTail < newSlotDirEnd {
		return 0, 0, nil, fmt.Errorf("page: allocate %d bytes: %w", size, storeerr.ErrSlotOverflow)
	}

	id := SlotID(p.slotCount())
	p.writeSlotEntry(id, uint32(newTail), uint32(size), 1)
	p.setSlotCount(newSlotCount)
	p.setDataTail(uint32(newTail))
	p.setUsedBytes(p.usedBytes() + uint32(size) + slotEntrySize)

	data := p.buf[newTail : newTail+size]
	if initial != nil {
		copy(data, initial)
	}
	return id, p.availableLocked(), data, nil
}

func (p *Page) boundsCheck(id SlotID) error {
	if id >= SlotID(p.slotCount()) {
		return storeerr.ErrSlotNotFound
	}
	_, length, refcount := p.readSlotEntry(id)
	if length == 0 && refcount == 0 {
		return storeerr.ErrSlotNotFound
	}
	return nil
}

// GetSlot returns a read-locked view of a slot's bytes. Callers must call
// the returned release function when done.
func (p *Page) GetSlot(id SlotID) ([]byte, func(), error) {
	p.mu.Lock()
	if err := p.boundsCheck(id); err != nil {
		p.mu.Unlock()
		return nil, nil, err
	}
	offset, length, _ := p.readSlotEntry(id)
	p.mu.Unlock()

	lock := p.slotLock(id)
	lock.RLock()
	return p.buf[offset : offset+length], lock.RUnlock, nil
}

// GetSlotMut returns a write-locked view of a slot's bytes.
func (p *Page) GetSlotMut(id SlotID) ([]byte, func(), error) {
	p.mu.Lock()
	if err := p.boundsCheck(id); err != nil {
		p.mu.Unlock()
		return nil, nil, err
	}
	offset, length, _ := p.readSlotEntry(id)
	p.mu.Unlock()

	lock := p.slotLock(id)
	lock.Lock()
	return p.buf[offset : offset+length], lock.Unlock, nil
}

// Refcount returns a slot's current reference count.
func (p *Page) Refcount(id SlotID) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.boundsCheck(id); err != nil {
		return 0, err
	}
	_, _, rc := p.readSlotEntry(id)
	return rc, nil
}

// Upcount atomically increments a slot's refcount.
func (p *Page) Upcount(id SlotID) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.boundsCheck(id); err != nil {
		return 0, err
	}
	offset, length, rc := p.readSlotEntry(id)
	rc++
	p.writeSlotEntry(id, offset, length, rc)
	return rc, nil
}

// Dncount atomically decrements a slot's refcount and reports whether it
// reached zero.
func (p *Page) Dncount(id SlotID) (zeroReached bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.boundsCheck(id); err != nil {
		return false, err
	}
	offset, length, rc := p.readSlotEntry(id)
	rc--
	p.writeSlotEntry(id, offset, length, rc)
	return rc == 0, nil
}

// RemoveSlot tombstones a slot (zeroing its directory entry) and returns
// the new free-space total, the size reclaimed, and whether the page is
// now empty of live tuples. Slot-index space from a removed slot is never
// reused by a new allocation on this page: the spec's fragmentation
// policy (§4.3) reclaims space only by page-level recycling through the
// buffer pool.
func (p *Page) RemoveSlot(id SlotID) (newFree int64, removedSize int64, empty bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.boundsCheck(id); err != nil {
		return 0, 0, false, err
	}
	offset, length, _ := p.readSlotEntry(id)
	p.writeSlotEntry(id, offset, 0, 0)
	p.setUsedBytes(p.usedBytes() - length)

	empty = p.liveSlotCountLocked() == 0
	return p.availableLocked(), int64(length), empty, nil
}

func (p *Page) liveSlotCountLocked() int {
	count := 0
	for i := SlotID(0); i < SlotID(p.slotCount()); i++ {
		_, length, _ := p.readSlotEntry(i)
		if length > 0 {
			count++
		}
	}
	return count
}

// LiveSlot describes one resurrected slot during recovery.
type LiveSlot struct {
	ID     SlotID
	Bytes  []byte
	Length int64
}

// Load hands the raw page buffer to f for relation-level decoding and
// returns every live slot's address and length, used by recovery to
// rebuild relation free-space accounting and tuple back-references.
func (p *Page) Load(f func(buf []byte)) []LiveSlot {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f != nil {
		f(p.buf)
	}
	var out []LiveSlot
	for i := SlotID(0); i < SlotID(p.slotCount()); i++ {
		offset, length, refcount := p.readSlotEntry(i)
		if length == 0 || refcount == 0 {
			continue
		}
		out = append(out, LiveSlot{ID: i, Bytes: p.buf[offset : offset+length], Length: int64(length)})
	}
	return out
}

// Bytes returns the page's raw backing buffer, for checkpointing to disk.
func (p *Page) Bytes() []byte { return p.buf }
