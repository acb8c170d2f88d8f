package mm

import "sync"

// AddressSpace is the narrow view the PageCache and oomctl need into a
// process's page tables: whether a given frame's mapping is marked dirty
// (dirty status lives in the page table, never tracked redundantly by the
// cache), and a way to drop shallow mappings under pressure.
type AddressSpace interface {
	// IsDirty reports whether the mapping backing frame id has been
	// written since it was last cleared.
	IsDirty(frame uint64) bool
	// MarkDirty records a write to the mapping backing frame id. On
	// hardware this is the MMU's job; userspace implementations of the
	// contract need the explicit call.
	MarkDirty(frame uint64)
	// ClearDirty resets the dirty bit after a writeback.
	ClearDirty(frame uint64)
	// WalkAndClean drops shallow (non-persistent) mappings to reclaim
	// frames; it returns how many frames became reclaimable.
	WalkAndClean() int
}

// Registry tracks one AddressSpace per task so a reclamation pass can
// walk every live task's VM.
type Registry struct {
	mu     sync.Mutex
	spaces map[uint64]AddressSpace
}

func NewRegistry() *Registry {
	return &Registry{spaces: make(map[uint64]AddressSpace)}
}

func (r *Registry) Register(taskID uint64, as AddressSpace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spaces[taskID] = as
}

func (r *Registry) Unregister(taskID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.spaces, taskID)
}

// InvalidateTLB is a placeholder for the arch-specific TLB shootdown a
// kernel issues before every reclamation pass. A real kernel's
// AddressSpace implementations would do this as a side effect of
// WalkAndClean; the Registry exposes it explicitly so oomctl can sequence
// invalidate-then-walk.
func (r *Registry) InvalidateTLB() {}

// WalkAll runs WalkAndClean over every registered address space and sums
// the reclaimed frame count.
func (r *Registry) WalkAll() int {
	r.mu.Lock()
	spaces := make([]AddressSpace, 0, len(r.spaces))
	for _, as := range r.spaces {
		spaces = append(spaces, as)
	}
	r.mu.Unlock()

	total := 0
	for _, as := range spaces {
		total += as.WalkAndClean()
	}
	return total
}

// MemAddressSpace is a minimal in-memory AddressSpace used by tests: it
// tracks a dirty set directly rather than walking real page tables.
type MemAddressSpace struct {
	mu    sync.Mutex
	dirty map[uint64]bool
}

func NewMemAddressSpace() *MemAddressSpace {
	return &MemAddressSpace{dirty: make(map[uint64]bool)}
}

func (m *MemAddressSpace) MarkDirty(frame uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty[frame] = true
}

func (m *MemAddressSpace) IsDirty(frame uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty[frame]
}

func (m *MemAddressSpace) ClearDirty(frame uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dirty, frame)
}

func (m *MemAddressSpace) WalkAndClean() int { return 0 }
