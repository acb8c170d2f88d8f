// Package cache implements the two cache tiers under the filesystem
// drivers: a block-sized BufferCache for on-disk metadata, and a
// page-sized PageCache per inode for file data. Both use a two-level
// priority counter as a clock-hand approximation of LRU: an entry touched
// since the last eviction pass survives exactly one more pass.
package cache

import (
	"sync"

	"github.com/rvos-project/vfscore/blockdev"
)

// unusedBlock marks a slot that holds no sector. An unused slot is never
// dirty.
const unusedBlock = ^uint64(0)

const priorityUpperBound = 1

type bufferSlot struct {
	mu       sync.Mutex
	blockID  uint64
	dirty    bool
	priority int
	refs     int32
	buf      [blockdev.SectorSize]byte
}

// BufferCache is a fixed-size pool of sector-holding slots shared by the
// FAT32 and ext4 drivers for their own metadata (FAT table, bitmaps,
// superblocks, directory entries, extent-tree nodes).
type BufferCache struct {
	dev blockdev.Device

	// mu serializes slot selection (lock hierarchy item 8: "BufferCache
	// pool mutex"). Per-slot state is further guarded by the slot's own
	// mutex so a long-running read doesn't block unrelated lookups.
	mu    sync.Mutex
	slots []*bufferSlot

	stats Stats
}

// NewBufferCache builds a pool of poolSize slots over dev.
func NewBufferCache(dev blockdev.Device, poolSize int) *BufferCache {
	slots := make([]*bufferSlot, poolSize)
	for i := range slots {
		slots[i] = &bufferSlot{blockID: unusedBlock}
	}
	return &BufferCache{dev: dev, slots: slots}
}

// BufferHandle is a live reference to a cached sector. Callers must call
// Release when done; while any handle is outstanding the slot is pinned
// against eviction.
type BufferHandle struct {
	cache *BufferCache
	slot  *bufferSlot
}

// Release drops the caller's pin on the slot.
func (h *BufferHandle) Release() {
	h.slot.mu.Lock()
	h.slot.refs--
	h.slot.mu.Unlock()
}

// BlockID reports which sector this handle currently backs.
func (h *BufferHandle) BlockID() uint64 {
	h.slot.mu.Lock()
	defer h.slot.mu.Unlock()
	return h.slot.blockID
}

// View returns a read-only, bounds-checked window into the cached sector.
// The returned slice aliases the cache's own storage: callers must not
// retain it past Release.
func (h *BufferHandle) View(offset, size int) ([]byte, error) {
	if offset < 0 || size < 0 || offset+size > blockdev.SectorSize {
		return nil, errOutOfBounds
	}
	h.slot.mu.Lock()
	defer h.slot.mu.Unlock()
	return h.slot.buf[offset : offset+size], nil
}

// Modify returns a bounds-checked, mutable window into the cached sector
// and marks the slot dirty. Like View, the slice aliases cache storage.
func (h *BufferHandle) Modify(offset, size int) ([]byte, error) {
	if offset < 0 || size < 0 || offset+size > blockdev.SectorSize {
		return nil, errOutOfBounds
	}
	h.slot.mu.Lock()
	defer h.slot.mu.Unlock()
	h.slot.dirty = true
	return h.slot.buf[offset : offset+size], nil
}

// lookupLocked scans for an already-cached blockID under c.mu, bumping its
// priority and pinning it.
func (c *BufferCache) lookupLocked(blockID uint64) *BufferHandle {
	for _, s := range c.slots {
		s.mu.Lock()
		if s.blockID == blockID {
			if s.priority < priorityUpperBound {
				s.priority++
			}
			s.refs++
			s.mu.Unlock()
			return &BufferHandle{cache: c, slot: s}
		}
		s.mu.Unlock()
	}
	return nil
}

// freeSlotLocked returns the first unused slot, or nil. Callers hold c.mu.
func (c *BufferCache) freeSlotLocked() *bufferSlot {
	for _, s := range c.slots {
		s.mu.Lock()
		free := s.blockID == unusedBlock
		s.mu.Unlock()
		if free {
			return s
		}
	}
	return nil
}

// Get returns a pinned handle onto blockID, reading it from dev on first
// use: bump priority if already cached, otherwise take a free slot
// (running eviction if none is free) and read through.
func (c *BufferCache) Get(blockID uint64) (*BufferHandle, error) {
	for {
		c.mu.Lock()
		if h := c.lookupLocked(blockID); h != nil {
			c.stats.addHit()
			c.mu.Unlock()
			return h, nil
		}
		if c.freeSlotLocked() == nil {
			c.mu.Unlock()
			// No free slot: run one eviction pass and retry.
			if err := c.OOM(); err != nil {
				return nil, err
			}
			continue
		}
		c.mu.Unlock()

		// Read into a private buffer off-lock so a slow device doesn't
		// stall unrelated lookups, then re-validate under the pool
		// mutex: a concurrent Get may have populated blockID (use its
		// slot, drop our read) or taken the free slot (go around) in
		// the meantime.
		var buf [blockdev.SectorSize]byte
		if err := c.dev.ReadBlock(blockID, buf[:]); err != nil {
			return nil, err
		}

		c.mu.Lock()
		if h := c.lookupLocked(blockID); h != nil {
			c.stats.addHit()
			c.mu.Unlock()
			return h, nil
		}
		s := c.freeSlotLocked()
		if s == nil {
			c.mu.Unlock()
			continue
		}
		s.mu.Lock()
		s.blockID = blockID
		s.dirty = false
		copy(s.buf[:], buf[:])
		if s.priority < priorityUpperBound {
			s.priority++
		}
		s.refs++
		s.mu.Unlock()
		c.stats.addMiss()
		c.mu.Unlock()
		return &BufferHandle{cache: c, slot: s}, nil
	}
}

// OOM performs one eviction pass over the pool: skip pinned slots,
// decrement priority-1 slots, write back and free priority-0 slots. It
// never blocks on I/O except for writeback.
func (c *BufferCache) OOM() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.slots {
		s.mu.Lock()
		if s.refs > 0 || s.blockID == unusedBlock {
			s.mu.Unlock()
			continue
		}
		if s.priority > 0 {
			s.priority--
			s.mu.Unlock()
			continue
		}
		blockID := s.blockID
		dirty := s.dirty
		var buf [blockdev.SectorSize]byte
		if dirty {
			buf = s.buf
		}
		s.mu.Unlock()
		if dirty {
			if err := c.dev.WriteBlock(blockID, buf[:]); err != nil {
				return err
			}
			c.stats.addWriteback()
		}
		s.mu.Lock()
		s.blockID = unusedBlock
		s.dirty = false
		s.mu.Unlock()
		c.stats.addEviction()
	}
	return nil
}

// Stats snapshots current cache counters.
func (c *BufferCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

var errOutOfBounds = boundsError{}

type boundsError struct{}

func (boundsError) Error() string { return "cache: offset+size exceeds buffer bounds" }
