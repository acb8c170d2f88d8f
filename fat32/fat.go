package fat32

import (
	"encoding/binary"
	"sync"

	"github.com/rvos-project/vfscore/cache"
)

const (
	fatEntryFree         = 0
	fatEntryReservedToEC = 0x0FFF_FFF8
	// EOC is the end-of-chain sentinel a cluster's successor entry holds
	// once it is the last cluster of a file.
	EOC = 0x0FFF_FFFF
	// vacantClusCacheSize bounds the freed-cluster queue.
	vacantClusCacheSize = 64
	// entryMask strips the top 4 reserved bits every FAT32 entry carries.
	entryMask = 0x0FFF_FFFF
)

// Fat is the in-memory view of the on-disk FAT table: a flat array,
// indexed by cluster id, of 32-bit successor pointers, read and written
// through the shared buffer cache.
type Fat struct {
	bc         *cache.BufferCache
	startSec   uint64 // first sector of the FAT region (== RsvdSecCnt)
	bytsPerSec uint32
	totEnt     uint32

	mu     sync.Mutex
	vacant []uint32 // recently freed cluster ids, LIFO, capped at 64
	hint   uint32   // next cluster id to resume a linear scan from
}

// NewFat builds a Fat over the FAT region described by layout, backed by
// bc for all sector I/O.
func NewFat(bc *cache.BufferCache, layout Layout) *Fat {
	return &Fat{
		bc:         bc,
		startSec:   uint64(layout.RsvdSecCnt),
		bytsPerSec: uint32(layout.BytsPerSec),
		totEnt:     layout.TotalClusters,
	}
}

// thisFatSecNum computes the FAT-region sector holding clus's entry.
func (f *Fat) thisFatSecNum(clus uint32) uint64 {
	fatOffset := clus * 4
	return f.startSec + uint64(fatOffset/f.bytsPerSec)
}

// thisFatEntOffset computes the byte offset of clus's entry within its
// sector.
func (f *Fat) thisFatEntOffset(clus uint32) int {
	fatOffset := clus * 4
	return int(fatOffset % f.bytsPerSec)
}

// Next returns the successor cluster of current.
func (f *Fat) Next(current uint32) (uint32, error) {
	h, err := f.bc.Get(f.thisFatSecNum(current))
	if err != nil {
		return 0, err
	}
	defer h.Release()
	view, err := h.View(f.thisFatEntOffset(current), 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(view) & entryMask, nil
}

// Chain returns every cluster id in start's chain, in order, stopping at
// the first free/bad/EOC-range entry.
func (f *Fat) Chain(start uint32) ([]uint32, error) {
	out := make([]uint32, 0, 8)
	cur := start
	for {
		out = append(out, cur)
		next, err := f.Next(cur)
		if err != nil {
			return nil, err
		}
		if next == fatEntryFree || next >= fatEntryReservedToEC {
			break
		}
		cur = next
	}
	return out, nil
}

func (f *Fat) setNext(current uint32, next uint32) error {
	h, err := f.bc.Get(f.thisFatSecNum(current))
	if err != nil {
		return err
	}
	defer h.Release()
	view, err := h.Modify(f.thisFatEntOffset(current), 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(view, next)
	return nil
}

// Alloc allocates up to n clusters, chaining each onto the previous (last
// may be nil to start a fresh chain) and terminating the final cluster
// with EOC. Returns fewer than n clusters when the volume is exhausted;
// callers surface the shortfall as ENOSPC.
func (f *Fat) Alloc(n int, last *uint32) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	allocated := make([]uint32, 0, n)
	var prev *uint32
	if last != nil {
		v := *last
		prev = &v
	}
	for i := 0; i < n; i++ {
		clus, err := f.allocOneLocked(prev)
		if err != nil {
			return nil, err
		}
		if clus == nil {
			break
		}
		allocated = append(allocated, *clus)
		prev = clus
	}
	if prev != nil {
		if err := f.setNext(*prev, EOC); err != nil {
			return nil, err
		}
	}
	return allocated, nil
}

func (f *Fat) allocOneLocked(prev *uint32) (*uint32, error) {
	if n := len(f.vacant); n > 0 {
		id := f.vacant[n-1]
		f.vacant = f.vacant[:n-1]
		if prev != nil {
			if err := f.setNext(*prev, id); err != nil {
				return nil, err
			}
		}
		return &id, nil
	}

	id, err := f.nextFreeFrom(f.hint)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, nil
	}
	f.hint = (*id + 1) % f.totEnt
	if prev != nil {
		if err := f.setNext(*prev, *id); err != nil {
			return nil, err
		}
	}
	return id, nil
}

// nextFreeFrom scans starting at start, wrapping to the beginning of the
// table, for the first FREE entry.
func (f *Fat) nextFreeFrom(start uint32) (*uint32, error) {
	for clus := start; clus < f.totEnt; clus++ {
		next, err := f.Next(clus)
		if err != nil {
			return nil, err
		}
		if next == fatEntryFree {
			v := clus
			return &v, nil
		}
	}
	for clus := uint32(0); clus < start; clus++ {
		next, err := f.Next(clus)
		if err != nil {
			return nil, err
		}
		if next == fatEntryFree {
			v := clus
			return &v, nil
		}
	}
	return nil, nil
}

// Free marks every cluster in clusters FREE and pushes as many as fit into
// the freed-cluster queue. If last is non-nil its entry is (re)terminated
// with EOC; callers must have unlinked the chain head first.
func (f *Fat) Free(clusters []uint32, last *uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range clusters {
		if err := f.setNext(id, fatEntryFree); err != nil {
			return err
		}
		if len(f.vacant) < vacantClusCacheSize {
			f.vacant = append(f.vacant, id)
		}
	}
	if last != nil {
		if err := f.setNext(*last, EOC); err != nil {
			return err
		}
	}
	return nil
}
