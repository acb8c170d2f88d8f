package pseudo

import (
	"context"

	"github.com/rvos-project/vfscore/inode"
)

// MemFile is a read/write pseudo-file backed entirely by an in-memory
// buffer, used for /proc/meminfo and /proc/mounts where there's no real
// kernel structure to read from and the content is instead generated or
// refreshed by the caller via SetContent.
type MemFile struct {
	base
	data []byte
}

// NewMemFile returns a MemFile pre-populated with content.
func NewMemFile(content []byte) *MemFile {
	m := &MemFile{base: newBase()}
	m.data = append([]byte(nil), content...)
	return m
}

// SetContent atomically replaces the file's content, used to refresh
// /proc/meminfo and /proc/mounts on demand before a read.
func (m *MemFile) SetContent(content []byte) {
	m.base.mu.Lock()
	defer m.base.mu.Unlock()
	m.data = append([]byte(nil), content...)
}

func (m *MemFile) ReadAt(ctx context.Context, off int64, buf []byte) (int, error) {
	m.base.mu.Lock()
	defer m.base.mu.Unlock()
	if off < 0 {
		return 0, inode.EINVAL
	}
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	n := copy(buf, m.data[off:])
	return n, nil
}

func (m *MemFile) WriteAt(ctx context.Context, off int64, buf []byte) (int, error) {
	m.base.mu.Lock()
	defer m.base.mu.Unlock()
	if off < 0 {
		return 0, inode.EINVAL
	}
	end := off + int64(len(buf))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	n := copy(m.data[off:end], buf)
	return n, nil
}

func (m *MemFile) Truncate(ctx context.Context, newSize int64) error {
	m.base.mu.Lock()
	defer m.base.mu.Unlock()
	if newSize < 0 {
		return inode.EINVAL
	}
	if newSize <= int64(len(m.data)) {
		m.data = m.data[:newSize]
		return nil
	}
	grown := make([]byte, newSize)
	copy(grown, m.data)
	m.data = grown
	return nil
}

func (m *MemFile) ModifySize(ctx context.Context, delta int64, clear bool) error {
	m.base.mu.Lock()
	cur := int64(len(m.data))
	m.base.mu.Unlock()
	return m.Truncate(ctx, cur+delta)
}

func (m *MemFile) Stat(ctx context.Context) (inode.Stat, error) {
	m.base.mu.Lock()
	size := int64(len(m.data))
	m.base.mu.Unlock()
	return m.statWith(memFileIno, 0o444, size), nil
}
