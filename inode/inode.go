// Package inode defines the unified, polymorphic inode capability set:
// one interface implemented by the FAT32 driver, the ext4 driver, and the
// pseudo-device leaves under /dev, so the directory tree can drive any of
// them without a type switch. The shape follows go-fuse's nodefs style of
// one wide interface every node implements, rather than per-capability
// optional interfaces.
package inode

import (
	"context"
	"syscall"
	"time"
)

// Tag identifies which on-disk format backs a FileSystem handle.
type Tag int

const (
	TagNull Tag = iota
	TagFAT32
	TagExt4
)

func (t Tag) String() string {
	switch t {
	case TagFAT32:
		return "fat32"
	case TagExt4:
		return "ext4"
	default:
		return "null"
	}
}

// FileSystem identifies the on-disk volume an Inode belongs to. Two inodes
// sharing an ID are on the same volume; vfs.Tree.Rename uses this to
// reject cross-device moves with EXDEV.
type FileSystem struct {
	ID  uint64
	Tag Tag
}

// Kind distinguishes regular files from directories. Symlinks are out of
// scope: ext4 file-type bits for them exist on disk but aren't resolved.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

// TimeField selects which of an inode's three POSIX timestamps to update.
type TimeField int

const (
	Atime TimeField = iota
	Mtime
	Ctime
)

// Stat mirrors the subset of struct stat the VFS core needs to answer
// fstat/newfstatat.
type Stat struct {
	Ino     uint64
	FS      FileSystem
	Kind    Kind
	Mode    uint32
	Size    int64
	Blocks  int64
	Nlink   uint32
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
}

// DirEntry is one entry returned by ListChildren.
type DirEntry struct {
	Name string
	Kind Kind
	Ino  uint64
}

// Inode is the capability set every concrete on-disk or pseudo file
// implements. Capabilities that don't apply to a given variant (e.g.
// Create on a regular file) return syscall.ENOTDIR/syscall.EINVAL rather
// than being absent, so the tree can invoke any of them — OOM included —
// uniformly.
type Inode interface {
	// FS reports the owning volume, used for EXDEV checks.
	FS() FileSystem
	IsDir() bool
	IsFile() bool

	// ReadAt returns 0, nil past EOF; a partial read happens only when
	// the read hits EOF partway through buf.
	ReadAt(ctx context.Context, off int64, buf []byte) (n int, err error)
	// WriteAt extends the file if off+len(buf) > size. On ENOSPC it
	// performs a best-effort partial write and returns the short count
	// with syscall.ENOSPC.
	WriteAt(ctx context.Context, off int64, buf []byte) (n int, err error)

	// Truncate grows with a zero-filled sparse region or shrinks by
	// freeing trailing blocks/clusters.
	Truncate(ctx context.Context, newSize int64) error
	// ModifySize performs an atomic size change; if clear is set and
	// the file is growing, the newly added tail is zeroed.
	ModifySize(ctx context.Context, delta int64, clear bool) error

	// Create makes a new child of the given kind under a directory
	// inode. EEXIST if name is taken, ENOTDIR if the receiver isn't a
	// directory, ENOSPC on allocation failure.
	Create(ctx context.Context, name string, kind Kind) (Inode, error)
	// Lookup finds a direct child by name.
	Lookup(ctx context.Context, name string) (Inode, error)
	// ListChildren enumerates a directory's entries.
	ListChildren(ctx context.Context) ([]DirEntry, error)

	// Unlink removes the receiver's own directory entry from its
	// parent. If deleteContent is set and the link count falls to
	// zero, content is reclaimed once the last in-memory reference
	// drops.
	Unlink(ctx context.Context, deleteContent bool) error
	// Link inserts the receiver as a new directory entry named name
	// under newParent, incrementing its link count. Used directly for
	// hard links and as the second half of a rename.
	Link(ctx context.Context, name string, newParent Inode) error
	// RenameTo moves the receiver's directory entry to newName under
	// newParent without touching file content. Callers (vfs.Tree) have
	// already checked FS() equality and busy/descent rules; RenameTo
	// only has to perform the entry move atomically with respect to
	// its own directory structures.
	RenameTo(ctx context.Context, newParent Inode, newName string) error

	// GetPageCache returns the inode's exclusively-owned PageCache.
	// nil for pseudo-inodes that have no backing pages (null, zero).
	GetPageCache() PageCacheHandle

	Stat(ctx context.Context) (Stat, error)
	SetTimestamp(which TimeField, t time.Time)

	// OOM delegates to the inode's page cache, returning pages freed.
	OOM() (freed int)
}

// PageCacheHandle is the narrow view of cache.PageCache that the inode
// package needs without importing cache directly (cache imports blockdev
// and mm only, keeping the dependency graph a DAG: blockdev/mm -> cache ->
// inode -> {fat32,ext4} -> vfs).
type PageCacheHandle interface {
	NotifyNewSize(newSize int64)
	OOM() int
}

// Common errno aliases used across the drivers.
const (
	EACCES    = syscall.EACCES
	EAGAIN    = syscall.EAGAIN
	EBADF     = syscall.EBADF
	EBUSY     = syscall.EBUSY
	EEXIST    = syscall.EEXIST
	EINTR     = syscall.EINTR
	EINVAL    = syscall.EINVAL
	EISDIR    = syscall.EISDIR
	EMFILE    = syscall.EMFILE
	ENOENT    = syscall.ENOENT
	ENOSPC    = syscall.ENOSPC
	ENOTDIR   = syscall.ENOTDIR
	ENOTEMPTY = syscall.ENOTEMPTY
	ESPIPE    = syscall.ESPIPE
	ETXTBSY   = syscall.ETXTBSY
	EXDEV     = syscall.EXDEV
	EIO       = syscall.EIO
	ENOTSUP   = syscall.ENOTSUP
)

// CorruptionError wraps an on-disk integrity failure (bad magic,
// impossible extent-tree state, malformed LFN chain). Rather than
// panicking the kernel, every such failure surfaces as a single
// EIO-unwrapping error.
type CorruptionError struct {
	Msg string
}

func (e *CorruptionError) Error() string { return "vfscore: on-disk corruption: " + e.Msg }

func (e *CorruptionError) Unwrap() error { return EIO }

// Corrupt builds a CorruptionError.
func Corrupt(msg string) error { return &CorruptionError{Msg: msg} }
