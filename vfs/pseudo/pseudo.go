// Package pseudo implements the /dev and /proc leaf nodes that Bootstrap
// wires directly into the tree's children maps instead of going through a
// real filesystem driver's Create: null, zero, urandom, tty, rtc, and the
// content-backed files behind /proc/meminfo and /proc/mounts.
package pseudo

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/rvos-project/vfscore/inode"
)

// fsHandle is the synthetic FileSystem identity every pseudo-inode reports.
// They aren't part of any mounted volume, so they get a tag of their own
// rather than borrowing fat32/ext4's.
var fsHandle = inode.FileSystem{ID: ^uint64(0), Tag: inode.TagNull}

// base supplies the degenerate defaults shared by every pseudo-inode: no
// children, no directory operations, no resizing beyond a no-op, no link
// count to speak of. Concrete types embed it and override only what they
// need, the way fat32/ext4's inode types override a shared skeleton.
type base struct {
	mu    sync.Mutex
	atime time.Time
	mtime time.Time
	ctime time.Time
}

func newBase() base {
	now := time.Now()
	return base{atime: now, mtime: now, ctime: now}
}

func (b *base) FS() inode.FileSystem { return fsHandle }
func (b *base) IsDir() bool          { return false }
func (b *base) IsFile() bool         { return true }

func (b *base) Truncate(ctx context.Context, newSize int64) error { return nil }
func (b *base) ModifySize(ctx context.Context, delta int64, clear bool) error {
	return nil
}

func (b *base) Create(ctx context.Context, name string, kind inode.Kind) (inode.Inode, error) {
	return nil, inode.ENOTDIR
}
func (b *base) Lookup(ctx context.Context, name string) (inode.Inode, error) {
	return nil, inode.ENOTDIR
}
func (b *base) ListChildren(ctx context.Context) ([]inode.DirEntry, error) {
	return nil, inode.ENOTDIR
}
func (b *base) Unlink(ctx context.Context, deleteContent bool) error { return nil }
func (b *base) Link(ctx context.Context, name string, newParent inode.Inode) error {
	return inode.ENOTSUP
}
func (b *base) RenameTo(ctx context.Context, newParent inode.Inode, newName string) error {
	return inode.ENOTSUP
}

func (b *base) GetPageCache() inode.PageCacheHandle { return nil }

func (b *base) SetTimestamp(which inode.TimeField, t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch which {
	case inode.Atime:
		b.atime = t
	case inode.Mtime:
		b.mtime = t
	case inode.Ctime:
		b.ctime = t
	}
}

func (b *base) times() (atime, mtime, ctime time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.atime, b.mtime, b.ctime
}

func (b *base) OOM() int { return 0 }

func (b *base) statWith(ino uint64, mode uint32, size int64) inode.Stat {
	atime, mtime, ctime := b.times()
	return inode.Stat{
		Ino:   ino,
		FS:    fsHandle,
		Kind:  inode.KindFile,
		Mode:  mode,
		Size:  size,
		Nlink: 1,
		Atime: atime,
		Mtime: mtime,
		Ctime: ctime,
	}
}

// Null implements /dev/null: reads return EOF immediately, writes discard
// their payload and report success.
type Null struct{ base }

// NewNull returns a fresh /dev/null node.
func NewNull() *Null { return &Null{base: newBase()} }

func (n *Null) ReadAt(ctx context.Context, off int64, buf []byte) (int, error) { return 0, nil }
func (n *Null) WriteAt(ctx context.Context, off int64, buf []byte) (int, error) {
	return len(buf), nil
}
func (n *Null) Stat(ctx context.Context) (inode.Stat, error) {
	return n.statWith(devNullIno, 0o666, 0), nil
}

// Zero implements /dev/zero: reads fill buf with zero bytes indefinitely,
// writes discard their payload.
type Zero struct{ base }

// NewZero returns a fresh /dev/zero node.
func NewZero() *Zero { return &Zero{base: newBase()} }

func (z *Zero) ReadAt(ctx context.Context, off int64, buf []byte) (int, error) {
	for i := range buf {
		buf[i] = 0
	}
	return len(buf), nil
}
func (z *Zero) WriteAt(ctx context.Context, off int64, buf []byte) (int, error) {
	return len(buf), nil
}
func (z *Zero) Stat(ctx context.Context) (inode.Stat, error) {
	return z.statWith(devZeroIno, 0o666, 0), nil
}

// Urandom implements /dev/urandom: reads return cryptographically random
// bytes, writes discard their payload rather than mixing entropy back in.
type Urandom struct{ base }

// NewUrandom returns a fresh /dev/urandom node.
func NewUrandom() *Urandom { return &Urandom{base: newBase()} }

func (u *Urandom) ReadAt(ctx context.Context, off int64, buf []byte) (int, error) {
	return rand.Read(buf)
}
func (u *Urandom) WriteAt(ctx context.Context, off int64, buf []byte) (int, error) {
	return len(buf), nil
}
func (u *Urandom) Stat(ctx context.Context) (inode.Stat, error) {
	return u.statWith(devUrandomIno, 0o666, 0), nil
}

// Tty implements /dev/tty. This environment has no real controlling
// terminal to attach to, so it is behaviorally equivalent to Null rather
// than a faithful pty: reads return EOF, writes discard.
type Tty struct{ base }

// NewTty returns a fresh /dev/tty node.
func NewTty() *Tty { return &Tty{base: newBase()} }

func (t *Tty) ReadAt(ctx context.Context, off int64, buf []byte) (int, error) { return 0, nil }
func (t *Tty) WriteAt(ctx context.Context, off int64, buf []byte) (int, error) {
	return len(buf), nil
}
func (t *Tty) Stat(ctx context.Context) (inode.Stat, error) {
	return t.statWith(devTtyIno, 0o666, 0), nil
}

// Hwclock implements /dev/misc/rtc: a read-only snapshot of wall-clock
// time rendered as an RFC 3339 UTC timestamp followed by a newline.
type Hwclock struct{ base }

// NewHwclock returns a fresh /dev/misc/rtc node.
func NewHwclock() *Hwclock { return &Hwclock{base: newBase()} }

func (h *Hwclock) ReadAt(ctx context.Context, off int64, buf []byte) (int, error) {
	payload := []byte(time.Now().UTC().Format(time.RFC3339) + "\n")
	if off >= int64(len(payload)) {
		return 0, nil
	}
	n := copy(buf, payload[off:])
	return n, nil
}
func (h *Hwclock) WriteAt(ctx context.Context, off int64, buf []byte) (int, error) {
	return 0, inode.ENOTSUP
}
func (h *Hwclock) Stat(ctx context.Context) (inode.Stat, error) {
	return h.statWith(devRtcIno, 0o444, 0), nil
}

const (
	devNullIno = iota + 1
	devZeroIno
	devUrandomIno
	devTtyIno
	devRtcIno
	memFileIno
)
