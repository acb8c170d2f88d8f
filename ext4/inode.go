package ext4

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/rvos-project/vfscore/blockdev"
	"github.com/rvos-project/vfscore/cache"
	"github.com/rvos-project/vfscore/inode"
)

const sectorsPerPage = cache.PageSize / blockdev.SectorSize

// On-disk inode record layout (offsets within the sb.InodeSize-byte
// record), the common subset of ext4's struct ext4_inode this driver
// needs: mode/links/size/timestamps plus a 60-byte extent-tree root at
// the classic i_block offset.
const (
	iMode       = 0
	iSizeLo     = 4
	iAtime      = 8
	iCtime      = 12
	iMtime      = 16
	iLinksCount = 26
	iBlock      = 40 // 60-byte extent root
	iSizeHigh   = 108
	onDiskInodeUsed = 112
)

const (
	modeDir  = 0o040000
	modeFile = 0o100000
)

func decodeDiskInode(raw []byte) (mode uint16, size int64, links uint16, atime, ctime, mtime uint32, extRoot [60]byte) {
	mode = binary.LittleEndian.Uint16(raw[iMode:])
	sizeLo := binary.LittleEndian.Uint32(raw[iSizeLo:])
	sizeHi := binary.LittleEndian.Uint32(raw[iSizeHigh:])
	size = int64(sizeHi)<<32 | int64(sizeLo)
	links = binary.LittleEndian.Uint16(raw[iLinksCount:])
	atime = binary.LittleEndian.Uint32(raw[iAtime:])
	ctime = binary.LittleEndian.Uint32(raw[iCtime:])
	mtime = binary.LittleEndian.Uint32(raw[iMtime:])
	copy(extRoot[:], raw[iBlock:iBlock+60])
	return
}

func encodeDiskInode(raw []byte, mode uint16, size int64, links uint16, atime, ctime, mtime uint32, extRoot [60]byte) {
	binary.LittleEndian.PutUint16(raw[iMode:], mode)
	binary.LittleEndian.PutUint32(raw[iSizeLo:], uint32(size))
	binary.LittleEndian.PutUint32(raw[iSizeHigh:], uint32(size>>32))
	binary.LittleEndian.PutUint16(raw[iLinksCount:], links)
	binary.LittleEndian.PutUint32(raw[iAtime:], atime)
	binary.LittleEndian.PutUint32(raw[iCtime:], ctime)
	binary.LittleEndian.PutUint32(raw[iMtime:], mtime)
	copy(raw[iBlock:iBlock+60], extRoot[:])
}

// parentRef is a weak back-reference to the directory containing this
// inode, mirroring fat32's parentRef but keyed by name rather than byte
// offset (ext4 directory entries are located by name, not by a fixed
// slot).
type parentRef struct {
	dir  *Inode
	name string
}

// pageCacheAdapter closes cache.PageCache's neighbor-parameterized OOM
// over this inode's own extent-tree lookup, matching fat32's adapter of
// the same name so both drivers satisfy inode.PageCacheHandle identically.
type pageCacheAdapter struct {
	pc       *cache.PageCache
	neighbor cache.NeighborFunc
}

func (a *pageCacheAdapter) NotifyNewSize(newSize int64) { a.pc.NotifyNewSize(newSize) }
func (a *pageCacheAdapter) OOM() int {
	freed, _ := a.pc.OOM(a.neighbor)
	return freed
}

// Inode is an ext4 file or directory: an extent tree plus the metadata
// needed to navigate, grow, and shrink it.
type Inode struct {
	fs *FS

	mu         sync.RWMutex
	ino        uint32
	kind       inode.Kind
	size       int64
	links      uint16
	extentRoot [60]byte
	tree       *Tree

	parent  *parentRef
	deleted bool

	atime, mtime, ctime time.Time

	pc        *cache.PageCache
	pcAdapter pageCacheAdapter
}

// loadInode reads ino's on-disk record and wraps it in an Inode.
func (fs *FS) loadInode(ino uint32, parent *Inode, name string) (*Inode, error) {
	block, offset, err := fs.alloc.InodeLocation(ino, fs.sb.InodeSize)
	if err != nil {
		return nil, err
	}
	h, err := fs.bc.Get(block)
	if err != nil {
		return nil, err
	}
	raw, err := h.View(offset, onDiskInodeUsed)
	if err != nil {
		h.Release()
		return nil, err
	}
	mode, size, links, at, ct, mt, extRoot := decodeDiskInode(raw)
	h.Release()

	kind := inode.KindFile
	if mode&modeDir != 0 {
		kind = inode.KindDir
	}
	return fs.wrapInode(ino, kind, size, links, extRoot, at, ct, mt, parent, name), nil
}

func (fs *FS) wrapInode(ino uint32, kind inode.Kind, size int64, links uint16, extRoot [60]byte, at, ct, mt uint32, parent *Inode, name string) *Inode {
	i := &Inode{
		fs:         fs,
		ino:        ino,
		kind:       kind,
		size:       size,
		links:      links,
		extentRoot: extRoot,
		atime:      time.Unix(int64(at), 0),
		ctime:      time.Unix(int64(ct), 0),
		mtime:      time.Unix(int64(mt), 0),
	}
	if parent != nil {
		i.parent = &parentRef{dir: parent, name: name}
	}
	i.tree = NewTree(i.extentRoot[:], fs.bc, fs.alloc)
	i.pc = cache.NewPageCache(fs.dev, fs.mmAlloc, fs.as, pageReclaimer{i})
	i.pcAdapter = pageCacheAdapter{pc: i.pc, neighbor: i.neighborFunc}
	return i
}

type pageReclaimer struct{ i *Inode }

func (r pageReclaimer) Reclaim() (freed int, err error) {
	return r.i.pc.OOM(r.i.neighborFunc)
}

func (i *Inode) FS() inode.FileSystem            { return i.fs.id }
func (i *Inode) IsDir() bool                      { return i.kind == inode.KindDir }
func (i *Inode) IsFile() bool                     { return i.kind == inode.KindFile }
func (i *Inode) GetPageCache() inode.PageCacheHandle { return &i.pcAdapter }
func (i *Inode) OOM() int                         { return i.pcAdapter.OOM() }

// neighborFunc maps a page id to its backing device sectors by resolving
// each of the page's logical ext4 blocks through the extent tree; block
// size equals sector size on this device, so a physical block id IS a
// device sector id.
func (i *Inode) neighborFunc(pageID uint64) ([]uint64, error) {
	i.mu.RLock()
	size := i.size
	i.mu.RUnlock()
	blockSize := int64(i.fs.sb.BlockSize())
	totalBlocks := uint64((size + blockSize - 1) / blockSize)

	start := pageID * sectorsPerPage
	var out []uint64
	for lb := start; lb < start+sectorsPerPage && lb < totalBlocks; lb++ {
		phys, hole, err := i.tree.Lookup(uint32(lb))
		if err != nil {
			return nil, err
		}
		if hole {
			return nil, inode.Corrupt("ext4: read of unallocated logical block")
		}
		out = append(out, phys)
	}
	return out, nil
}

func (i *Inode) Stat(ctx context.Context) (inode.Stat, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	mode := uint32(0o644)
	if i.kind == inode.KindDir {
		mode = 0o755 | modeDir
	} else {
		mode |= modeFile
	}
	blockSize := int64(i.fs.sb.BlockSize())
	return inode.Stat{
		Ino:    uint64(i.ino),
		FS:     i.fs.id,
		Kind:   i.kind,
		Mode:   mode,
		Size:   i.size,
		Blocks: (i.size + blockSize - 1) / blockSize,
		Nlink:  uint32(i.links),
		Atime:  i.atime,
		Mtime:  i.mtime,
		Ctime:  i.ctime,
	}, nil
}

func (i *Inode) SetTimestamp(which inode.TimeField, t time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch which {
	case inode.Atime:
		i.atime = t
	case inode.Mtime:
		i.mtime = t
	case inode.Ctime:
		i.ctime = t
	}
}

// persist writes the inode's current in-memory state back to its on-disk
// record.
func (i *Inode) persist() error {
	i.mu.RLock()
	mode := uint16(0o644)
	if i.kind == inode.KindDir {
		mode = 0o755 | modeDir
	} else {
		mode |= modeFile
	}
	size := i.size
	links := i.links
	extRoot := i.extentRoot
	at := uint32(i.atime.Unix())
	ct := uint32(i.ctime.Unix())
	mt := uint32(i.mtime.Unix())
	i.mu.RUnlock()

	block, offset, err := i.fs.alloc.InodeLocation(i.ino, i.fs.sb.InodeSize)
	if err != nil {
		return err
	}
	h, err := i.fs.bc.Get(block)
	if err != nil {
		return err
	}
	defer h.Release()
	raw, err := h.Modify(offset, onDiskInodeUsed)
	if err != nil {
		return err
	}
	encodeDiskInode(raw, mode, size, links, at, ct, mt, extRoot)
	return nil
}

// ReadAt reads through the page cache: 0 bytes and nil error past EOF, a
// partial read only when EOF falls inside buf.
func (i *Inode) ReadAt(ctx context.Context, off int64, buf []byte) (int, error) {
	i.mu.RLock()
	size := i.size
	i.mu.RUnlock()
	if off >= size {
		return 0, nil
	}
	if off+int64(len(buf)) > size {
		buf = buf[:size-off]
	}
	n := 0
	for n < len(buf) {
		pageID := uint64((off + int64(n)) / cache.PageSize)
		pageOff := int((off + int64(n)) % cache.PageSize)
		h, err := i.pc.Get(pageID, i.neighborFunc)
		if err != nil {
			return n, err
		}
		copied := copy(buf[n:], h.Bytes()[pageOff:])
		h.Release()
		n += copied
	}
	return n, nil
}

// WriteAt writes through the page cache, extending the file (allocating
// and mapping new extents) if off+len(buf) exceeds the current size. On
// ENOSPC it returns the short count already written alongside the error.
func (i *Inode) WriteAt(ctx context.Context, off int64, buf []byte) (int, error) {
	end := off + int64(len(buf))
	i.mu.RLock()
	size := i.size
	i.mu.RUnlock()
	var spaceErr error
	if end > size {
		if err := i.growTo(end); err != nil {
			i.mu.RLock()
			size = i.size
			i.mu.RUnlock()
			if off >= size {
				return 0, err
			}
			buf = buf[:size-off]
			spaceErr = err
		}
	}

	n := 0
	for n < len(buf) {
		pageID := uint64((off + int64(n)) / cache.PageSize)
		pageOff := int((off + int64(n)) % cache.PageSize)
		h, err := i.pc.Get(pageID, i.neighborFunc)
		if err != nil {
			return n, err
		}
		copied := copy(h.Bytes()[pageOff:], buf[n:])
		h.MarkDirty()
		h.Release()
		n += copied
	}
	i.mu.Lock()
	i.mtime = time.Now()
	i.mu.Unlock()
	if err := i.persist(); err != nil {
		return n, err
	}
	return n, spaceErr
}

// growTo extends the extent tree so the file can hold at least newSize
// bytes, allocating one physical block per missing logical block and
// inserting each into the tree (merged into a contiguous extent where
// possible by Tree.Insert).
func (i *Inode) growTo(newSize int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	blockSize := int64(i.fs.sb.BlockSize())
	haveBlocks := uint32((i.size + blockSize - 1) / blockSize)
	needBlocks := uint32((newSize + blockSize - 1) / blockSize)

	for lb := haveBlocks; lb < needBlocks; lb++ {
		goal := uint64(0)
		if lb > 0 {
			if phys, hole, err := i.tree.Lookup(lb - 1); err == nil && !hole {
				goal = phys + 1
			}
		}
		phys, err := i.fs.alloc.AllocBlock(goal)
		if err != nil {
			i.size = int64(lb) * blockSize
			return err
		}
		if err := i.tree.Insert(Extent{First: lb, Len: 1, Start: phys}); err != nil {
			return err
		}
	}
	i.size = newSize
	return nil
}

// Truncate grows (sparse tail, allocated eagerly by growTo) or shrinks
// (freeing trailing blocks via the extent tree's Remove) the file to
// newSize.
func (i *Inode) Truncate(ctx context.Context, newSize int64) error {
	i.mu.RLock()
	cur := i.size
	i.mu.RUnlock()
	if newSize == cur {
		return nil
	}
	if newSize > cur {
		if err := i.growTo(newSize); err != nil {
			return err
		}
		return i.persist()
	}

	blockSize := int64(i.fs.sb.BlockSize())
	keepBlocks := uint32((newSize + blockSize - 1) / blockSize)
	totalBlocks := uint32((cur + blockSize - 1) / blockSize)

	i.mu.Lock()
	if totalBlocks > keepBlocks {
		if err := i.tree.Remove(keepBlocks, totalBlocks-1); err != nil {
			i.mu.Unlock()
			return err
		}
	}
	i.size = newSize
	i.mu.Unlock()

	i.pc.NotifyNewSize(newSize)
	return i.persist()
}

// ModifySize performs an atomic delta change, zeroing the newly added
// tail when clear is set and the file grows.
func (i *Inode) ModifySize(ctx context.Context, delta int64, clear bool) error {
	i.mu.RLock()
	cur := i.size
	i.mu.RUnlock()
	newSize := cur + delta
	if newSize < 0 {
		return inode.EINVAL
	}
	if delta <= 0 {
		return i.Truncate(ctx, newSize)
	}
	if err := i.growTo(newSize); err != nil {
		return err
	}
	if clear {
		zero := make([]byte, delta)
		if _, err := i.WriteAt(ctx, cur, zero); err != nil {
			return err
		}
	}
	return i.persist()
}

// ListChildren enumerates a directory's entries, skipping '.'/'..'.
func (i *Inode) ListChildren(ctx context.Context) ([]inode.DirEntry, error) {
	if !i.IsDir() {
		return nil, inode.ENOTDIR
	}
	ents, err := enumerateDir(ctx, i)
	if err != nil {
		return nil, err
	}
	out := make([]inode.DirEntry, 0, len(ents))
	for _, e := range ents {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		kind := inode.KindFile
		if e.FileType == ftDir {
			kind = inode.KindDir
		}
		out = append(out, inode.DirEntry{Name: e.Name, Kind: kind, Ino: uint64(e.Inode)})
	}
	return out, nil
}

func (i *Inode) Lookup(ctx context.Context, name string) (inode.Inode, error) {
	if !i.IsDir() {
		return nil, inode.ENOTDIR
	}
	d, found, err := lookupDirent(ctx, i, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, inode.ENOENT
	}
	return i.fs.loadInode(d.Inode, i, name)
}

// Create allocates a new inode of kind and inserts a directory entry for
// it named name under this directory.
func (i *Inode) Create(ctx context.Context, name string, kind inode.Kind) (inode.Inode, error) {
	if !i.IsDir() {
		return nil, inode.ENOTDIR
	}
	if _, found, err := lookupDirent(ctx, i, name); err != nil {
		return nil, err
	} else if found {
		return nil, inode.EEXIST
	}

	isDir := kind == inode.KindDir
	childIno, err := i.fs.alloc.AllocInode(isDir)
	if err != nil {
		return nil, err
	}
	var extRoot [60]byte
	InitEmpty(extRoot[:])
	links := uint16(1)
	if isDir {
		links = 2 // self + the entry under its own ".."
	}
	now := time.Now()
	child := i.fs.wrapInode(childIno, kind, 0, links, extRoot, uint32(now.Unix()), uint32(now.Unix()), uint32(now.Unix()), i, name)
	if err := child.persist(); err != nil {
		return nil, err
	}

	fileType := uint8(ftRegular)
	if isDir {
		fileType = ftDir
	}
	if err := insertDirent(ctx, i, childIno, name, fileType); err != nil {
		return nil, err
	}
	if isDir {
		if err := insertDirent(ctx, child, childIno, ".", ftDir); err != nil {
			return nil, err
		}
		if err := insertDirent(ctx, child, i.ino, "..", ftDir); err != nil {
			return nil, err
		}
		i.mu.Lock()
		i.links++
		i.mu.Unlock()
		if err := i.persist(); err != nil {
			return nil, err
		}
	}
	return child, nil
}

// Unlink removes this inode's own entry from its parent. If
// deleteContent is set, its blocks are reclaimed once the link count
// reaches zero (immediately here, mirroring fat32's analogue of "once
// the caller drops its last reference").
func (i *Inode) Unlink(ctx context.Context, deleteContent bool) error {
	if i.parent == nil {
		return inode.EINVAL
	}
	if err := removeDirent(ctx, i.parent.dir, i.parent.name); err != nil {
		return err
	}
	i.mu.Lock()
	if i.links > 0 {
		i.links--
	}
	links := i.links
	i.mu.Unlock()

	if deleteContent && links == 0 {
		i.mu.Lock()
		i.deleted = true
		size := i.size
		i.size = 0
		var rerr error
		if size > 0 {
			blockSize := int64(i.fs.sb.BlockSize())
			totalBlocks := uint32((size + blockSize - 1) / blockSize)
			rerr = i.tree.Remove(0, totalBlocks-1)
		}
		i.mu.Unlock()
		if rerr != nil {
			return rerr
		}
		return i.fs.alloc.FreeInode(i.ino, i.IsDir())
	}
	return i.persist()
}

// Link inserts a new directory entry named name under newParent pointing
// at this inode, bumping its link count.
func (i *Inode) Link(ctx context.Context, name string, newParent inode.Inode) error {
	np, ok := newParent.(*Inode)
	if !ok || !np.IsDir() {
		return inode.ENOTDIR
	}
	if _, found, err := lookupDirent(ctx, np, name); err != nil {
		return err
	} else if found {
		return inode.EEXIST
	}
	fileType := uint8(ftRegular)
	if i.IsDir() {
		fileType = ftDir
	}
	if err := insertDirent(ctx, np, i.ino, name, fileType); err != nil {
		return err
	}
	i.mu.Lock()
	i.links++
	i.mu.Unlock()
	return i.persist()
}

// RenameTo moves this inode's directory entry to newName under
// newParent. Callers (vfs.Tree) have already validated fs-id equality
// and busy/descent rules, so this is an insert-then-remove over the
// directory-entry primitives.
func (i *Inode) RenameTo(ctx context.Context, newParent inode.Inode, newName string) error {
	np, ok := newParent.(*Inode)
	if !ok || !np.IsDir() {
		return inode.ENOTDIR
	}
	if i.parent == nil {
		return inode.EINVAL
	}
	fileType := uint8(ftRegular)
	if i.IsDir() {
		fileType = ftDir
	}
	if err := insertDirent(ctx, np, i.ino, newName, fileType); err != nil {
		return err
	}
	oldParent := i.parent.dir
	oldName := i.parent.name
	if err := removeDirent(ctx, oldParent, oldName); err != nil {
		return err
	}
	if i.IsDir() {
		// Update the moved directory's own '..' to point at its new parent.
		if err := removeDirent(ctx, i, ".."); err != nil {
			return err
		}
		if err := insertDirent(ctx, i, np.ino, "..", ftDir); err != nil {
			return err
		}
		oldParent.mu.Lock()
		if oldParent.links > 0 {
			oldParent.links--
		}
		oldParent.mu.Unlock()
		np.mu.Lock()
		np.links++
		np.mu.Unlock()
		if err := oldParent.persist(); err != nil {
			return err
		}
		if err := np.persist(); err != nil {
			return err
		}
	}
	i.parent = &parentRef{dir: np, name: newName}
	return nil
}
