// Package bufferpool implements the size-classed mmap allocator of spec
// §4.1: a single anonymous virtual reservation partitioned into power-of-two
// size classes, each owning its own bitset, free list, and lock.
package bufferpool

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/moodb/moodb/internal/logx"
	"github.com/moodb/moodb/internal/store/storeerr"
)

// classShift packs the size-class index into the high bits of a BlockID so
// a single uint64 uniquely names a block across every class.
const classShift = 48

// BlockID uniquely names an allocated block across all size classes.
type BlockID uint64

func makeBlockID(class int, blockNum int) BlockID {
	return BlockID(uint64(class)<<classShift | uint64(blockNum))
}

func (b BlockID) split() (class int, blockNum int) {
	return int(uint64(b) >> classShift), int(uint64(b) & (1<<classShift - 1))
}

// DefaultClasses are the size classes named as an example in spec §4.1:
// 32 KiB through 16 MiB, each a power of two.
var DefaultClasses = []int64{
	32 * 1024,
	128 * 1024,
	512 * 1024,
	2 * 1024 * 1024,
	16 * 1024 * 1024,
}

// Pool reserves one anonymous virtual region and partitions it into a
// fixed set of size classes. Teardown unmaps the region; a failed
// teardown is fatal, per spec §4.1.
type Pool struct {
	classes    []*sizeClass
	classSizes []int64
}

// Open reserves virtSizeTotal bytes of anonymous memory, split evenly
// across classSizes (or DefaultClasses if nil).
func Open(virtSizeTotal int64, classSizes []int64) (*Pool, error) {
	if len(classSizes) == 0 {
		classSizes = DefaultClasses
	}
	log := logx.WithComponent("bufferpool")

	perClass := virtSizeTotal / int64(len(classSizes))
	p := &Pool{classSizes: append([]int64(nil), classSizes...)}

	for _, bs := range classSizes {
		// Round the per-class reservation down to a whole number of
		// blocks so every bit in the class's bitset names a real block.
		virt := (perClass / bs) * bs
		if virt < bs {
			virt = bs
		}
		base, err := unix.Mmap(-1, 0, int(virt), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("bufferpool: mmap %d bytes for block size %d: %w", virt, bs, err)
		}
		log.Info().Int64("block_size", bs).Int64("virt_size", virt).Msg("mapped size class")
		p.classes = append(p.classes, newSizeClass(bs, virt, base))
	}
	return p, nil
}

// Alloc rounds requestedSize up to the smallest size class that fits,
// pops that class's free list or finds its lowest unset bit, and returns
// a stable BlockID plus the block's base pointer and actual capacity.
func (p *Pool) Alloc(requestedSize int64) (BlockID, []byte, int64, error) {
	class := p.classFor(requestedSize)
	if class < 0 {
		return 0, nil, 0, fmt.Errorf("bufferpool: no size class fits %d bytes: %w", requestedSize, storeerr.ErrInsufficientRoom)
	}
	sc := p.classes[class]
	blockNum, err := sc.alloc()
	if err != nil {
		return 0, nil, 0, fmt.Errorf("bufferpool: class %d (block size %d): %w", class, sc.blockSize, err)
	}
	base, err := sc.resolve(blockNum)
	if err != nil {
		return 0, nil, 0, err
	}
	return makeBlockID(class, blockNum), base, sc.blockSize, nil
}

// Free clears the block's bit, returns it to the class's free list, and
// issues a release hint to the OS.
func (p *Pool) Free(id BlockID) error {
	class, blockNum := id.split()
	sc, err := p.classAt(class)
	if err != nil {
		return err
	}
	return sc.free(blockNum)
}

// Restore re-asserts a previously allocated block during WAL replay,
// without running the allocator's search. Restoring a block that is
// already allocated fails with storeerr.ErrBlockAlreadyAllocated.
func (p *Pool) Restore(id BlockID) error {
	class, blockNum := id.split()
	sc, err := p.classAt(class)
	if err != nil {
		return err
	}
	return sc.restore(blockNum)
}

// ResolvePtr is pure address arithmetic: it does not touch the bitset.
func (p *Pool) ResolvePtr(id BlockID) ([]byte, int64, error) {
	class, blockNum := id.split()
	sc, err := p.classAt(class)
	if err != nil {
		return nil, 0, err
	}
	base, err := sc.resolve(blockNum)
	if err != nil {
		return nil, 0, err
	}
	return base, sc.blockSize, nil
}

// classFor returns the index of the smallest class whose block size is >=
// requestedSize, or -1 if the request exceeds every class.
func (p *Pool) classFor(requestedSize int64) int {
	for i, bs := range p.classSizes {
		if bs >= requestedSize {
			return i
		}
	}
	return -1
}

func (p *Pool) classAt(class int) (*sizeClass, error) {
	if class < 0 || class >= len(p.classes) {
		return nil, storeerr.ErrInvalidBlockID
	}
	return p.classes[class], nil
}

// Stats reports the used-block count of each size class, in ascending
// block-size order.
func (p *Pool) Stats() []ClassStat {
	out := make([]ClassStat, len(p.classes))
	for i, sc := range p.classes {
		out[i] = ClassStat{BlockSize: sc.blockSize, UsedBlocks: sc.usedCount(), CapacityBlocks: sc.capacityBlocks()}
	}
	return out
}

// ClassStat is a point-in-time occupancy snapshot of one size class.
type ClassStat struct {
	BlockSize      int64
	UsedBlocks     int
	CapacityBlocks int64
}

// Close unmaps every size class's region. A failed unmap is fatal: the
// process cannot make any further claim about its address space.
func (p *Pool) Close() {
	log := logx.WithComponent("bufferpool")
	for _, sc := range p.classes {
		if sc == nil || sc.base == nil {
			continue
		}
		if err := unix.Munmap(sc.base); err != nil {
			panic(fmt.Sprintf("bufferpool: munmap failed for block size %d: %v", sc.blockSize, err))
		}
		log.Info().Int64("block_size", sc.blockSize).Msg("unmapped size class")
	}
}
