package cache

import (
	"bytes"
	"sync"
	"testing"

	"github.com/rvos-project/vfscore/blockdev"
	"github.com/rvos-project/vfscore/mm"
)

func TestBufferCacheGetAndModify(t *testing.T) {
	dev := blockdev.NewMemDevice(8)
	bc := NewBufferCache(dev, 4)

	h, err := bc.Get(2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	mod, err := h.Modify(0, 4)
	if err != nil {
		t.Fatalf("Modify: %v", err)
	}
	copy(mod, []byte{1, 2, 3, 4})
	h.Release()

	// Force writeback via OOM (priority decays to 0, unreferenced).
	if err := bc.OOM(); err != nil {
		t.Fatalf("OOM: %v", err)
	}
	if err := bc.OOM(); err != nil {
		t.Fatalf("OOM: %v", err)
	}

	out := make([]byte, blockdev.SectorSize)
	if err := dev.ReadBlock(2, out); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(out[:4], []byte{1, 2, 3, 4}) {
		t.Fatalf("dirty slot was not written back: %v", out[:4])
	}
}

func TestBufferCacheEvictsOnlyUnreferenced(t *testing.T) {
	dev := blockdev.NewMemDevice(8)
	bc := NewBufferCache(dev, 2)

	pinned, err := bc.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	h1, err := bc.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	h1.Release()

	// Pool is full (2 slots, both used): requesting a third block must
	// evict the unreferenced one (block 1), never the pinned one (block 0).
	h2, err := bc.Get(5)
	if err != nil {
		t.Fatalf("Get after forced eviction: %v", err)
	}
	if pinned.BlockID() != 0 {
		t.Fatalf("pinned slot was evicted")
	}
	h2.Release()
	pinned.Release()
}

func TestPageCacheRoundTrip(t *testing.T) {
	dev := blockdev.NewMemDevice(16)
	alloc := mm.NewPoolAllocator(4)
	as := mm.NewMemAddressSpace()
	pc := NewPageCache(dev, alloc, as, nil)

	neighbor := func(pageID uint64) ([]uint64, error) {
		return []uint64{pageID * 2, pageID*2 + 1}, nil
	}

	h, err := pc.Get(0, neighbor)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	copy(h.Bytes(), bytes.Repeat([]byte{0x42}, PageSize))
	h.MarkDirty()
	h.Release()

	// One pass decays priority to 0; the second writes back and frees.
	if _, err := pc.OOM(neighbor); err != nil {
		t.Fatalf("OOM: %v", err)
	}
	freed, err := pc.OOM(neighbor)
	if err != nil {
		t.Fatalf("OOM: %v", err)
	}
	if freed != 1 {
		t.Fatalf("expected 1 page freed, got %d", freed)
	}

	out := make([]byte, blockdev.SectorSize)
	if err := dev.ReadBlock(0, out); err != nil {
		t.Fatal(err)
	}
	if out[0] != 0x42 {
		t.Fatalf("page writeback did not reach device")
	}
}

func TestPageCachePinnedSurvivesOOM(t *testing.T) {
	dev := blockdev.NewMemDevice(16)
	alloc := mm.NewPoolAllocator(4)
	as := mm.NewMemAddressSpace()
	pc := NewPageCache(dev, alloc, as, nil)
	neighbor := func(pageID uint64) ([]uint64, error) { return []uint64{pageID * 2, pageID*2 + 1}, nil }

	pinned, err := pc.Get(0, neighbor)
	if err != nil {
		t.Fatal(err)
	}
	other, err := pc.Get(1, neighbor)
	if err != nil {
		t.Fatal(err)
	}
	other.Release()

	// One pass decays priority; second pass evicts the unpinned page.
	pc.OOM(neighbor)
	freed, err := pc.OOM(neighbor)
	if err != nil {
		t.Fatal(err)
	}
	if freed != 1 {
		t.Fatalf("expected page 1 to be freed, got freed=%d", freed)
	}
	pinned.Release()
}

func TestBufferCacheConcurrentGetDistinctBlocks(t *testing.T) {
	dev := blockdev.NewMemDevice(64)
	for id := uint64(0); id < 8; id++ {
		row := bytes.Repeat([]byte{byte(id + 1)}, blockdev.SectorSize)
		if err := dev.WriteBlock(id, row); err != nil {
			t.Fatalf("WriteBlock: %v", err)
		}
	}
	bc := NewBufferCache(dev, 8)

	// Race eight misses into an empty pool: every goroutine must end up
	// with a slot stamped for its own block, never a slot claimed twice.
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for id := uint64(0); id < 8; id++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			for round := 0; round < 16; round++ {
				h, err := bc.Get(id)
				if err != nil {
					errs[id] = err
					return
				}
				if h.BlockID() != id {
					t.Errorf("Get(%d) returned slot for block %d", id, h.BlockID())
				}
				view, err := h.View(0, 1)
				if err != nil {
					errs[id] = err
					h.Release()
					return
				}
				if view[0] != byte(id+1) {
					t.Errorf("Get(%d) slot holds block %d's bytes", id, view[0]-1)
				}
				h.Release()
			}
		}(id)
	}
	wg.Wait()
	for id, err := range errs {
		if err != nil {
			t.Fatalf("Get(%d): %v", id, err)
		}
	}
}

func TestBufferCacheConcurrentGetSameBlock(t *testing.T) {
	dev := blockdev.NewMemDevice(8)
	row := bytes.Repeat([]byte{0x7E}, blockdev.SectorSize)
	if err := dev.WriteBlock(3, row); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	bc := NewBufferCache(dev, 2)

	// All racers must converge on one slot; the losers drop their own
	// reads rather than stamping a second slot for the same block.
	var wg sync.WaitGroup
	slots := make([]*bufferSlot, 8)
	for i := range slots {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := bc.Get(3)
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			slots[i] = h.slot
			view, err := h.View(0, 1)
			if err == nil && view[0] != 0x7E {
				t.Errorf("slot served stale bytes: %#x", view[0])
			}
			h.Release()
		}(i)
	}
	wg.Wait()
	for i := 1; i < len(slots); i++ {
		if slots[i] != nil && slots[0] != nil && slots[i] != slots[0] {
			t.Fatal("same block cached in two slots at once")
		}
	}
}
