package fdtable

import (
	"sync"

	"github.com/rvos-project/vfscore/inode"
)

// DefaultSoftLimit is the per-task RLIMIT_NOFILE soft default.
const DefaultSoftLimit = 128

// Table is a per-task sparse file-descriptor table. Slots hold nil when
// free; allocation always picks the smallest free index so descriptor
// numbers are recycled front-first.
type Table struct {
	mu        sync.Mutex
	slots     []*Descriptor
	softLimit int
}

// NewTable builds an empty table capped at softLimit descriptors. A zero
// or negative softLimit falls back to DefaultSoftLimit.
func NewTable(softLimit int) *Table {
	if softLimit <= 0 {
		softLimit = DefaultSoftLimit
	}
	return &Table{softLimit: softLimit}
}

// SetSoftLimit adjusts the table's descriptor cap (setrlimit). Existing
// descriptors above the new cap stay open; only new allocations see it.
func (t *Table) SetSoftLimit(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.softLimit = n
}

func (t *Table) allocLocked(d *Descriptor, min int) (int, error) {
	for fd := min; fd < len(t.slots); fd++ {
		if t.slots[fd] == nil {
			t.slots[fd] = d
			return fd, nil
		}
	}
	if len(t.slots) >= t.softLimit {
		return -1, inode.EMFILE
	}
	for len(t.slots) < min {
		if len(t.slots) >= t.softLimit {
			return -1, inode.EMFILE
		}
		t.slots = append(t.slots, nil)
	}
	t.slots = append(t.slots, d)
	return len(t.slots) - 1, nil
}

// Alloc installs d at the smallest free slot and returns its number.
func (t *Table) Alloc(d *Descriptor) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocLocked(d, 0)
}

// Get returns the descriptor at fd, or EBADF.
func (t *Table) Get(fd int) (*Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return nil, inode.EBADF
	}
	return t.slots[fd], nil
}

// Close frees slot fd. EBADF if it wasn't open.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return inode.EBADF
	}
	t.slots[fd] = nil
	return nil
}

// Dup duplicates fd into the smallest free slot (dup). The two slots
// share one *Descriptor, so they share the seek offset the way dup'd
// POSIX descriptors share an open file description.
func (t *Table) Dup(fd int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return -1, inode.EBADF
	}
	return t.allocLocked(t.slots[fd], 0)
}

// DupMin duplicates fd into the smallest free slot >= min (F_DUPFD).
func (t *Table) DupMin(fd, min int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return -1, inode.EBADF
	}
	if min < 0 || min >= t.softLimit {
		return -1, inode.EINVAL
	}
	return t.allocLocked(t.slots[fd], min)
}

// Dup2 installs oldFd's descriptor at newFd, closing whatever was there
// (dup2). Unlike Alloc it may land past the current table length, growing
// the sparse region in between.
func (t *Table) Dup2(oldFd, newFd int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if oldFd < 0 || oldFd >= len(t.slots) || t.slots[oldFd] == nil {
		return -1, inode.EBADF
	}
	if newFd < 0 || newFd >= t.softLimit {
		return -1, inode.EBADF
	}
	if oldFd == newFd {
		return newFd, nil
	}
	for len(t.slots) <= newFd {
		t.slots = append(t.slots, nil)
	}
	t.slots[newFd] = t.slots[oldFd]
	return newFd, nil
}

// CloseExec drops every descriptor whose cloexec flag is set, the
// exec-time sweep over the table.
func (t *Table) CloseExec() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd, d := range t.slots {
		if d != nil && d.Cloexec() {
			t.slots[fd] = nil
		}
	}
}

// Fork clones the table for a child task. Descriptor structs are shared,
// not copied: parent and child observe each other's offset movement until
// one side reopens, matching fork semantics.
func (t *Table) Fork() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	child := &Table{softLimit: t.softLimit, slots: make([]*Descriptor, len(t.slots))}
	copy(child.slots, t.slots)
	return child
}

// Len reports how many slots are currently open.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, d := range t.slots {
		if d != nil {
			n++
		}
	}
	return n
}
