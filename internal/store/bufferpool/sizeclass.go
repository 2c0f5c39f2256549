package bufferpool

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/moodb/moodb/internal/store/storeerr"
)

// sizeClass owns one power-of-two slice of the pool's single mmap
// reservation: a base address, a block size, a bitset of allocated block
// indices, and an explicit LIFO free list, each guarded by its own mutex
// (spec §9: "a per-class locking", SPEC_FULL.md DOMAIN STACK supplement
// grounded on size_class.rs).
type sizeClass struct {
	mu        sync.Mutex
	blockSize int64
	virtSize  int64
	base      []byte
	allocated *bitset
	freeList  []int
}

func newSizeClass(blockSize, virtSize int64, base []byte) *sizeClass {
	return &sizeClass{
		blockSize: blockSize,
		virtSize:  virtSize,
		base:      base,
		allocated: newBitset(),
	}
}

func (sc *sizeClass) capacityBlocks() int64 {
	return sc.virtSize / sc.blockSize
}

// alloc pops the free list first, otherwise finds the lowest-index unset
// bit, per spec §4.1.
func (sc *sizeClass) alloc() (int, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if n := len(sc.freeList); n > 0 {
		blockNum := sc.freeList[n-1]
		sc.freeList = sc.freeList[:n-1]
		sc.allocated.set(blockNum)
		return blockNum, nil
	}

	blockNum := sc.allocated.firstEmpty()
	if int64(blockNum) >= sc.capacityBlocks() {
		return 0, storeerr.ErrInsufficientRoom
	}
	sc.allocated.set(blockNum)
	return blockNum, nil
}

// restore re-asserts a previously allocated block, used during WAL
// replay to recreate page state without re-running alloc's search
// (spec §4.1). It fails if the block is already allocated.
func (sc *sizeClass) restore(blockNum int) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.allocated.contains(blockNum) {
		return storeerr.ErrBlockAlreadyAllocated
	}
	sc.allocated.set(blockNum)
	return nil
}

// free clears the bit, pushes the block to the free list, and issues a
// madvise hint so the resident set shrinks without unmapping.
func (sc *sizeClass) free(blockNum int) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	offset := int64(blockNum) * sc.blockSize
	if offset+sc.blockSize > int64(len(sc.base)) {
		return fmt.Errorf("bufferpool: block %d out of range for size class: %w", blockNum, storeerr.ErrInvalidBlockID)
	}
	if err := unix.Madvise(sc.base[offset:offset+sc.blockSize], unix.MADV_DONTNEED); err != nil {
		// The contract treats a failed release hint as fatal: the
		// process cannot reason about resident memory any more.
		panic(fmt.Sprintf("bufferpool: MADV_DONTNEED failed for block %d: %v", blockNum, err))
	}
	sc.allocated.clear(blockNum)
	sc.freeList = append(sc.freeList, blockNum)
	return nil
}

func (sc *sizeClass) resolve(blockNum int) ([]byte, error) {
	offset := int64(blockNum) * sc.blockSize
	if offset+sc.blockSize > int64(len(sc.base)) {
		return nil, storeerr.ErrInvalidBlockID
	}
	return sc.base[offset : offset+sc.blockSize], nil
}

func (sc *sizeClass) usedCount() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.allocated.len()
}
