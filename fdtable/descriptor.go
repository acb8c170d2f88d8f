// Package fdtable implements per-task open-file-descriptor bookkeeping on
// top of vfs.Tree: the cloexec/nonblock/append flags, the current read
// offset, and a sparse table that recycles the smallest freed slot first.
package fdtable

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rvos-project/vfscore/inode"
	"github.com/rvos-project/vfscore/vfs"
)

// SeekWhence selects the base for Lseek's offset argument.
type SeekWhence int

const (
	SeekSet SeekWhence = iota
	SeekCur
	SeekEnd
)

const accessModeMask = vfs.O_WRONLY | vfs.O_RDWR

// Descriptor is one open file: a node in the tree plus per-open-call
// state (flags, the current seek offset). dup2-style sharing is
// expressed by holding the same *Descriptor in two table slots.
type Descriptor struct {
	node     *vfs.Node
	flags    vfs.OpenFlags
	cloexec  bool
	nonblock bool

	offset int64
}

// NewDescriptor wraps node with the access flags it was opened with.
// Grounded on FileDescriptor::new plus open's "let cloexec =
// flags.contains(O_CLOEXEC)" derivation.
func NewDescriptor(node *vfs.Node, flags vfs.OpenFlags) *Descriptor {
	return &Descriptor{
		node:     node,
		flags:    flags,
		cloexec:  flags.Has(vfs.O_CLOEXEC),
		nonblock: flags.Has(vfs.O_NONBLOCK),
	}
}

// Node returns the tree node this descriptor refers to.
func (d *Descriptor) Node() *vfs.Node { return d.node }

func (d *Descriptor) Cloexec() bool     { return d.cloexec }
func (d *Descriptor) SetCloexec(v bool) { d.cloexec = v }
func (d *Descriptor) Nonblock() bool    { return d.nonblock }
func (d *Descriptor) SetNonblock(v bool) { d.nonblock = v }

// Readable/Writable decode the access-mode bits the same way the kernel's
// O_ACCMODE mask does: O_RDONLY is bit pattern zero, so it has to be
// recovered by elimination rather than by a Has check.
func (d *Descriptor) Readable() bool {
	mode := d.flags & accessModeMask
	return mode == 0 || mode == vfs.O_RDWR
}
func (d *Descriptor) Writable() bool {
	mode := d.flags & accessModeMask
	return mode == vfs.O_WRONLY || mode == vfs.O_RDWR
}

// Read reads from the current offset and advances it, per
// FileDescriptor::read backed by File::read's internal offset tracking.
func (d *Descriptor) Read(ctx context.Context, buf []byte) (int, error) {
	if !d.Readable() {
		return 0, inode.EACCES
	}
	n, err := d.node.File().ReadAt(ctx, d.offset, buf)
	d.offset += int64(n)
	return n, err
}

// Write writes at the current offset (or at EOF if opened with O_APPEND)
// and advances it, per FileDescriptor::write.
func (d *Descriptor) Write(ctx context.Context, buf []byte) (int, error) {
	if !d.Writable() {
		return 0, inode.EACCES
	}
	off := d.offset
	if d.flags.Has(vfs.O_APPEND) {
		st, err := d.node.File().Stat(ctx)
		if err != nil {
			return 0, err
		}
		off = st.Size
	}
	n, err := d.node.File().WriteAt(ctx, off, buf)
	d.offset = off + int64(n)
	return n, err
}

// Lseek repositions the descriptor's offset, per FileDescriptor::lseek
// delegating to File::lseek's SeekWhence handling.
func (d *Descriptor) Lseek(ctx context.Context, offset int64, whence SeekWhence) (int64, error) {
	if d.node.File().IsDir() {
		return 0, inode.ESPIPE
	}
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = d.offset
	case SeekEnd:
		st, err := d.node.File().Stat(ctx)
		if err != nil {
			return 0, err
		}
		base = st.Size
	default:
		return 0, inode.EINVAL
	}
	newOff := base + offset
	if newOff < 0 {
		return 0, inode.EINVAL
	}
	d.offset = newOff
	return newOff, nil
}

// GetSize returns the descriptor's file's current size.
func (d *Descriptor) GetSize(ctx context.Context) (int64, error) {
	st, err := d.node.File().Stat(ctx)
	if err != nil {
		return 0, err
	}
	return st.Size, nil
}

// TruncateSize sets the file's size directly, per FileDescriptor's
// truncate_size: EINVAL on a negative size or a non-writable descriptor.
func (d *Descriptor) TruncateSize(ctx context.Context, newSize int64) error {
	if newSize < 0 || !d.Writable() {
		return inode.EINVAL
	}
	return d.node.File().Truncate(ctx, newSize)
}

// ModifySize grows or shrinks the file by diff bytes relative to its
// current size, per FileDescriptor::modify_size.
func (d *Descriptor) ModifySize(ctx context.Context, diff int64) error {
	return d.node.File().ModifySize(ctx, diff, true)
}

// Ioctl dispatches the small set of device control requests this module
// models. FIONREAD reports bytes remaining to read from the current
// offset; every other request is a no-op returning zero, since there's no
// real device behind any node a test or vfsctl invocation would ioctl.
// There is no user-space argp buffer to fill, so callers get the computed
// value back directly.
func (d *Descriptor) Ioctl(ctx context.Context, request uint32) (int64, error) {
	if request == unix.FIONREAD {
		st, err := d.node.File().Stat(ctx)
		if err != nil {
			return 0, err
		}
		remaining := st.Size - d.offset
		if remaining < 0 {
			remaining = 0
		}
		return remaining, nil
	}
	return 0, nil
}

// SetTimestamp updates one of the file's three POSIX timestamps.
func (d *Descriptor) SetTimestamp(which inode.TimeField, t time.Time) {
	d.node.File().SetTimestamp(which, t)
}
