// Package fuseadapter exposes a vfs.Tree as a real kernel mount through
// github.com/hanwen/go-fuse/v2, so a formatted FAT32/ext4 image can be
// walked with ordinary shell tools (cmd/vfsctl mount). Each fuse node wraps
// one tree node; the tree remains the source of truth for naming, and the
// drivers behind it for content.
package fuseadapter

import (
	"context"
	"errors"
	"path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/rvos-project/vfscore/inode"
	"github.com/rvos-project/vfscore/vfs"
)

// Node bridges one vfs.Node into go-fuse's tree.
type Node struct {
	fs.Inode

	tree *vfs.Tree
	node *vfs.Node
}

// NewRoot wraps tree's root for use with fs.Mount.
func NewRoot(tree *vfs.Tree) *Node {
	return &Node{tree: tree, node: tree.Root()}
}

// Mount serves tree at mountpoint until the returned server is unmounted.
func Mount(mountpoint string, tree *vfs.Tree, debug bool) (*fuse.Server, error) {
	sec := time.Second
	return fs.Mount(mountpoint, NewRoot(tree), &fs.Options{
		EntryTimeout: &sec,
		AttrTimeout:  &sec,
		MountOptions: fuse.MountOptions{
			FsName: "vfscore",
			Name:   "vfscore",
			Debug:  debug,
		},
	})
}

func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}

func modeOf(st inode.Stat) uint32 {
	perm := st.Mode & 0o777
	if st.Kind == inode.KindDir {
		if perm == 0 {
			perm = 0o755
		}
		return syscall.S_IFDIR | perm
	}
	if perm == 0 {
		perm = 0o644
	}
	return syscall.S_IFREG | perm
}

func fillAttr(st inode.Stat, out *fuse.Attr) {
	out.Ino = st.Ino
	out.Mode = modeOf(st)
	out.Size = uint64(st.Size)
	out.Blocks = uint64(st.Blocks)
	out.Nlink = st.Nlink
	at, mt, ct := st.Atime, st.Mtime, st.Ctime
	out.SetTimes(&at, &mt, &ct)
}

func (n *Node) child(ctx context.Context, target *vfs.Node, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	st, err := target.File().Stat(ctx)
	if err != nil {
		return nil, errnoOf(err)
	}
	fillAttr(st, &out.Attr)
	ch := n.NewInode(ctx, &Node{tree: n.tree, node: target}, fs.StableAttr{
		Mode: modeOf(st) & syscall.S_IFMT,
		Ino:  st.Ino,
	})
	return ch, 0
}

var _ = (fs.NodeGetattrer)((*Node)(nil))
var _ = (fs.NodeSetattrer)((*Node)(nil))
var _ = (fs.NodeLookuper)((*Node)(nil))
var _ = (fs.NodeReaddirer)((*Node)(nil))
var _ = (fs.NodeOpener)((*Node)(nil))
var _ = (fs.NodeReader)((*Node)(nil))
var _ = (fs.NodeWriter)((*Node)(nil))
var _ = (fs.NodeCreater)((*Node)(nil))
var _ = (fs.NodeMkdirer)((*Node)(nil))
var _ = (fs.NodeUnlinker)((*Node)(nil))
var _ = (fs.NodeRmdirer)((*Node)(nil))
var _ = (fs.NodeRenamer)((*Node)(nil))
var _ = (fs.NodeFsyncer)((*Node)(nil))

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	st, err := n.node.File().Stat(ctx)
	if err != nil {
		return errnoOf(err)
	}
	fillAttr(st, &out.Attr)
	return 0
}

func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if sz, ok := in.GetSize(); ok {
		if err := n.node.File().Truncate(ctx, int64(sz)); err != nil {
			return errnoOf(err)
		}
	}
	if mt, ok := in.GetMTime(); ok {
		n.node.File().SetTimestamp(inode.Mtime, mt)
	}
	if at, ok := in.GetATime(); ok {
		n.node.File().SetTimestamp(inode.Atime, at)
	}
	return n.Getattr(ctx, f, out)
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	target, err := n.node.CdPath(ctx, name)
	if err != nil {
		return nil, errnoOf(err)
	}
	return n.child(ctx, target, out)
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.node.File().ListChildren(ctx)
	if err != nil {
		return nil, errnoOf(err)
	}
	list := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(syscall.S_IFREG)
		if e.Kind == inode.KindDir {
			mode = syscall.S_IFDIR
		}
		list = append(list, fuse.DirEntry{Name: e.Name, Mode: mode, Ino: e.Ino})
	}
	return fs.NewListDirStream(list), 0
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if n.node.File().IsDir() && flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EISDIR
	}
	return nil, 0, 0
}

func (n *Node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	got, err := n.node.File().ReadAt(ctx, off, dest)
	if err != nil {
		return nil, errnoOf(err)
	}
	return fuse.ReadResultData(dest[:got]), 0
}

func (n *Node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	got, err := n.node.File().WriteAt(ctx, off, data)
	if err != nil && got == 0 {
		return 0, errnoOf(err)
	}
	return uint32(got), 0
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	target, err := n.tree.Open(ctx, n.node, name, vfs.O_CREAT|vfs.OpenFlags(flags), false)
	if err != nil {
		return nil, nil, 0, errnoOf(err)
	}
	ch, errno := n.child(ctx, target, out)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	return ch, nil, 0, 0
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	target, err := n.tree.Mkdir(ctx, n.node, name)
	if err != nil {
		return nil, errnoOf(err)
	}
	return n.child(ctx, target, out)
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return errnoOf(n.tree.Delete(ctx, n.node, name, false))
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errnoOf(n.tree.Delete(ctx, n.node, name, true))
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dest, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	oldPath := path.Join(n.node.GetCwd(), name)
	newPath := path.Join(dest.node.GetCwd(), newName)
	return errnoOf(n.tree.Rename(ctx, oldPath, newPath))
}

func (n *Node) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	// Writeback is synchronous at eviction time and there is no journal
	// to flush, so a successful return is all fsync can promise here.
	return 0
}
