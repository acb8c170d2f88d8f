package cache

import (
	"sync"

	"github.com/rvos-project/vfscore/blockdev"
	"github.com/rvos-project/vfscore/mm"
)

// PageSize is the fixed file-data page size.
const PageSize = mm.PageSize

// pageBuffers is how many device sectors back one page.
const pageBuffers = PageSize / blockdev.SectorSize

// NeighborFunc maps an in-file page id to the (possibly non-contiguous)
// sector ids backing it. The owning inode supplies it by indexing its
// cluster list (FAT32) or extent tree (ext4).
type NeighborFunc func(pageID uint64) ([]uint64, error)

type pageSlot struct {
	mu       sync.Mutex
	frame    *mm.Frame
	priority int
	refs     int32
}

// PageCache is a per-inode sparse vector of 4 KiB entries indexed by
// in-file page id.
type PageCache struct {
	alloc     mm.FrameAllocator
	addrSpace mm.AddressSpace
	dev       blockdev.Device
	reclaim   mm.Reclaimer // optional; passed to alloc.Reserve

	mu        sync.Mutex
	pages     []*pageSlot // index = page id; nil = not resident
	allocated []uint64    // resident page ids, for O(live) OOM sweeps
}

// NewPageCache builds an empty page cache over dev, using alloc for frames
// and addrSpace to answer dirty-bit questions on writeback. reclaim may be
// nil, in which case Get fails immediately (rather than retrying) when the
// allocator is exhausted.
func NewPageCache(dev blockdev.Device, alloc mm.FrameAllocator, addrSpace mm.AddressSpace, reclaim mm.Reclaimer) *PageCache {
	return &PageCache{dev: dev, alloc: alloc, addrSpace: addrSpace, reclaim: reclaim}
}

// PageHandle is a live reference to one resident page.
type PageHandle struct {
	cache *PageCache
	id    uint64
	slot  *pageSlot
}

func (h *PageHandle) Release() {
	h.slot.mu.Lock()
	h.slot.refs--
	h.slot.mu.Unlock()
}

// Bytes exposes the page's backing storage, aliased — callers must not
// retain it past Release.
func (h *PageHandle) Bytes() []byte { return h.slot.frame.Data() }

// MarkDirty records that Bytes() was mutated, the software stand-in for a
// hardware page-table dirty bit. Dirty state lives only in the address
// space; the cache never tracks it redundantly.
func (h *PageHandle) MarkDirty() {
	if h.cache.addrSpace != nil {
		h.cache.addrSpace.MarkDirty(h.slot.frame.ID())
	}
}

func (c *PageCache) ensureLen(pageID uint64) {
	for uint64(len(c.pages)) <= pageID {
		c.pages = append(c.pages, nil)
	}
}

// Get returns a pinned handle to pageID, populating it on first access:
// reserve a frame, ask neighbor for the backing sectors, batch-read them,
// zero any trailing partial sector, and clear the dirty bit.
func (c *PageCache) Get(pageID uint64, neighbor NeighborFunc) (*PageHandle, error) {
	c.mu.Lock()
	c.ensureLen(pageID)
	if s := c.pages[pageID]; s != nil {
		s.mu.Lock()
		if s.priority < priorityUpperBound {
			s.priority++
		}
		s.refs++
		s.mu.Unlock()
		c.mu.Unlock()
		return &PageHandle{cache: c, id: pageID, slot: s}, nil
	}
	c.mu.Unlock()

	if err := c.alloc.Reserve(1, c.reclaim); err != nil {
		return nil, err
	}
	frame, err := c.alloc.Alloc()
	if err != nil {
		return nil, err
	}

	blocks, err := neighbor(pageID)
	if err != nil {
		c.alloc.Dealloc(frame)
		return nil, err
	}
	if len(blocks) > pageBuffers {
		c.alloc.Dealloc(frame)
		return nil, errTooManyBlocks
	}
	if err := readContiguousRuns(c.dev, frame.Data(), blocks); err != nil {
		c.alloc.Dealloc(frame)
		return nil, err
	}
	// Zero the trailing partial-sector tail past what was actually read.
	for i := len(blocks) * blockdev.SectorSize; i < PageSize; i++ {
		frame.Data()[i] = 0
	}
	if c.addrSpace != nil {
		c.addrSpace.ClearDirty(frame.ID())
	}

	c.mu.Lock()
	c.ensureLen(pageID)
	if existing := c.pages[pageID]; existing != nil {
		// Lost a race with a concurrent populate; use theirs, drop ours.
		c.mu.Unlock()
		c.alloc.Dealloc(frame)
		return c.Get(pageID, neighbor)
	}
	s := &pageSlot{frame: frame, priority: 1, refs: 1}
	c.pages[pageID] = s
	c.allocated = append(c.allocated, pageID)
	c.mu.Unlock()

	return &PageHandle{cache: c, id: pageID, slot: s}, nil
}

// OOM iterates resident pages, freeing priority-0, unreferenced, clean
// entries (writing back dirty ones first). neighbor maps a page id back
// to its backing sectors for writeback.
func (c *PageCache) OOM(neighbor NeighborFunc) (freed int, err error) {
	c.mu.Lock()
	kept := c.allocated[:0:0]
	for _, id := range c.allocated {
		s := c.pages[id]
		s.mu.Lock()
		if s.refs > 0 {
			s.mu.Unlock()
			kept = append(kept, id)
			continue
		}
		if s.priority > 0 {
			s.priority--
			s.mu.Unlock()
			kept = append(kept, id)
			continue
		}
		dirty := c.addrSpace != nil && c.addrSpace.IsDirty(s.frame.ID())
		frame := s.frame
		s.mu.Unlock()

		if dirty {
			blocks, nerr := neighbor(id)
			if nerr != nil {
				err = nerr
				kept = append(kept, id)
				continue
			}
			if werr := writeContiguousRuns(c.dev, frame.Data(), blocks); werr != nil {
				err = werr
				kept = append(kept, id)
				continue
			}
		}
		c.alloc.Dealloc(frame)
		c.pages[id] = nil
		freed++
	}
	c.allocated = kept
	c.mu.Unlock()
	return freed, err
}

// NotifyNewSize trims the page vector past ceil(newSize/PageSize) pages.
// A surviving external reference among the trimmed pages is a programming
// error and panics: the caller shrank the file while someone still held
// one of its pages.
func (c *PageCache) NotifyNewSize(newSize int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	newPages := (newSize + PageSize - 1) / PageSize
	for uint64(len(c.pages)) > uint64(newPages) {
		last := uint64(len(c.pages)) - 1
		if s := c.pages[last]; s != nil {
			s.mu.Lock()
			refs := s.refs
			frame := s.frame
			s.mu.Unlock()
			if refs > 0 {
				panic("cache: page cache entry still referenced during truncate")
			}
			c.alloc.Dealloc(frame)
		}
		c.pages = c.pages[:last]
	}
	filtered := c.allocated[:0]
	for _, id := range c.allocated {
		if id < uint64(newPages) {
			filtered = append(filtered, id)
		}
	}
	c.allocated = filtered
}

func readContiguousRuns(dev blockdev.Device, dst []byte, blocks []uint64) error {
	return forEachRun(blocks, func(start uint64, runLen, bufOff int) error {
		return dev.ReadBlock(start, dst[bufOff:bufOff+runLen*blockdev.SectorSize])
	})
}

func writeContiguousRuns(dev blockdev.Device, src []byte, blocks []uint64) error {
	return forEachRun(blocks, func(start uint64, runLen, bufOff int) error {
		return dev.WriteBlock(start, src[bufOff:bufOff+runLen*blockdev.SectorSize])
	})
}

// forEachRun coalesces adjacent sector ids into single I/O calls.
func forEachRun(blocks []uint64, do func(start uint64, runLen, bufOff int) error) error {
	if len(blocks) == 0 {
		return nil
	}
	start := blocks[0]
	runLen := 1
	bufOff := 0
	flush := func(nextBufOff int) error {
		return do(start, runLen, bufOff)
	}
	for i := 1; i < len(blocks); i++ {
		if blocks[i] == start+uint64(runLen) {
			runLen++
			continue
		}
		if err := flush(bufOff); err != nil {
			return err
		}
		bufOff += runLen * blockdev.SectorSize
		start = blocks[i]
		runLen = 1
	}
	return flush(bufOff)
}

type tooManyBlocksError struct{}

func (tooManyBlocksError) Error() string { return "cache: neighbor returned more blocks than fit in a page" }

var errTooManyBlocks = tooManyBlocksError{}
