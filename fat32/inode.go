package fat32

import (
	"context"
	"sync"
	"time"

	"github.com/rvos-project/vfscore/blockdev"
	"github.com/rvos-project/vfscore/cache"
	"github.com/rvos-project/vfscore/inode"
)

const sectorsPerPage = cache.PageSize / blockdev.SectorSize

// parentRef is a back-reference to the directory containing this inode
// and the byte offset of its short entry within that directory's byte
// stream.
type parentRef struct {
	dir    *Inode
	offset int64
}

// pageCacheAdapter closes cache.PageCache's neighbor-parameterized OOM
// over this inode's own cluster-list lookup, so it satisfies
// inode.PageCacheHandle's parameterless signature. See inode.go's doc
// comment on PageCacheHandle for why this indirection exists.
type pageCacheAdapter struct {
	pc       *cache.PageCache
	neighbor cache.NeighborFunc
}

func (a *pageCacheAdapter) NotifyNewSize(newSize int64) { a.pc.NotifyNewSize(newSize) }
func (a *pageCacheAdapter) OOM() int {
	freed, _ := a.pc.OOM(a.neighbor)
	return freed
}

// Inode is a FAT32 file or directory: a cluster chain plus the metadata
// needed to navigate, grow, and shrink it. clus_list, size, and the
// directory hint share one RWMutex rather than sitting behind separate
// locks.
type Inode struct {
	fs *FS

	mu         sync.RWMutex
	firstClus  uint32
	clusList   []uint32
	clusLoaded bool
	size       int64
	kind       inode.Kind
	dirHint    int64 // byte offset of the end-of-directory marker, -1 if unknown

	parent  *parentRef
	deleted bool

	atime, mtime, ctime time.Time

	pc        *cache.PageCache
	pcAdapter pageCacheAdapter
}

// newInode builds an Inode wrapping fstClus. size is the file's byte
// size (ignored for directories, whose size is derived from the cluster
// chain), kind selects file vs. directory, and parent (when non-nil) is
// the owning directory's back-reference.
func (fs *FS) newInode(fstClus uint32, kind inode.Kind, size int64, parent *Inode, _ string) (*Inode, error) {
	i := &Inode{
		fs:        fs,
		firstClus: fstClus,
		kind:      kind,
		size:      size,
		dirHint:   -1,
	}
	now := time.Now()
	i.atime, i.mtime, i.ctime = now, now, now
	if parent != nil {
		i.parent = &parentRef{dir: parent}
	}
	i.pc = cache.NewPageCache(fs.dev, fs.alloc, fs.as, pageReclaimer{i})
	i.pcAdapter = pageCacheAdapter{pc: i.pc, neighbor: i.neighborFunc}
	if kind == inode.KindDir {
		if err := i.ensureClusList(); err != nil {
			return nil, err
		}
		i.mu.Lock()
		i.size = int64(len(i.clusList)) * int64(fs.layout.ClusterSize())
		i.mu.Unlock()
	}
	return i, nil
}

// pageReclaimer lets an Inode's own OOM serve as the reclaim callback for
// its page-cache frame allocator reservations, so a page fault under
// memory pressure can free this file's own cold pages before failing.
type pageReclaimer struct{ i *Inode }

func (r pageReclaimer) Reclaim() (freed int, err error) {
	freed, err = r.i.pc.OOM(r.i.neighborFunc)
	return freed, err
}

func (i *Inode) FS() inode.FileSystem { return i.fs.id }
func (i *Inode) IsDir() bool          { return i.kind == inode.KindDir }
func (i *Inode) IsFile() bool         { return i.kind == inode.KindFile }

func (i *Inode) GetPageCache() inode.PageCacheHandle { return &i.pcAdapter }

func (i *Inode) OOM() int { return i.pcAdapter.OOM() }

// ensureClusList lazily walks the FAT chain starting at firstClus.
// Deferred to first use so mounting a volume doesn't walk every inode's
// chain up front.
func (i *Inode) ensureClusList() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ensureClusListLocked()
}

func (i *Inode) ensureClusListLocked() error {
	if i.clusLoaded {
		return nil
	}
	if i.firstClus == 0 {
		i.clusList = nil
		i.clusLoaded = true
		return nil
	}
	chain, err := i.fs.fat.Chain(i.firstClus)
	if err != nil {
		return err
	}
	i.clusList = chain
	i.clusLoaded = true
	return nil
}

// neighborFunc maps a page id to the (possibly non-contiguous) device
// sectors backing it by indexing this inode's own cluster list.
func (i *Inode) neighborFunc(pageID uint64) ([]uint64, error) {
	if err := i.ensureClusList(); err != nil {
		return nil, err
	}
	i.mu.RLock()
	defer i.mu.RUnlock()

	secPerClus := uint64(i.fs.layout.SecPerClus)
	totalSectors := uint64(len(i.clusList)) * secPerClus

	start := pageID * sectorsPerPage
	var out []uint64
	for gs := start; gs < start+sectorsPerPage && gs < totalSectors; gs++ {
		clusIdx := gs / secPerClus
		within := gs % secPerClus
		sector := i.fs.layout.FirstSectorOfCluster(i.clusList[clusIdx]) + within
		out = append(out, sector)
	}
	return out, nil
}

func (i *Inode) Stat(ctx context.Context) (inode.Stat, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	mode := uint32(0o644)
	if i.kind == inode.KindDir {
		mode = 0o755 | 0o040000
	} else {
		mode |= 0o100000
	}
	return inode.Stat{
		Ino:    uint64(i.firstClus),
		FS:     i.fs.id,
		Kind:   i.kind,
		Mode:   mode,
		Size:   i.size,
		Blocks: int64(len(i.clusList)) * int64(i.fs.layout.SecPerClus),
		Nlink:  1,
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
// clusters) if off+len(buf) exceeds the current size. On ENOSPC it
// returns the short count already written alongside the error.
func (i *Inode) WriteAt(ctx context.Context, off int64, buf []byte) (int, error) {
	end := off + int64(len(buf))
	i.mu.RLock()
	size := i.size
	i.mu.RUnlock()
	var spaceErr error
	if end > size {
		if err := i.growTo(end); err != nil {
			// Grew as far as possible; clamp the write to what now fits
			// and surface the allocation failure with the short count.
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
	if err := i.syncParentEntry(ctx); err != nil {
		return n, err
	}
	return n, spaceErr
}

// syncParentEntry rewrites this file's short entry in its parent so the
// on-disk size and first cluster match the in-memory inode; without it a
// grown file would read back empty after a remount. Directory entries keep
// FileSize 0 per the FAT layout, so directories skip the sync.
func (i *Inode) syncParentEntry(ctx context.Context) error {
	i.mu.RLock()
	p := i.parent
	deleted := i.deleted
	firstClus := i.firstClus
	size := i.size
	kind := i.kind
	i.mu.RUnlock()
	if p == nil || deleted || kind == inode.KindDir {
		return nil
	}
	raw, ok, err := p.dir.readSlot(ctx, p.offset)
	if err != nil || !ok {
		return err
	}
	s := decodeShortEnt(raw[:])
	s.SetFirstCluster(firstClus)
	s.FileSize = uint32(size)
	encodeShortEnt(s, raw[:])
	return p.dir.writeSlot(ctx, p.offset, raw)
}

// growTo extends the cluster chain so the file can hold at least newSize
// bytes, zero-filling the newly reachable tail by clearing every freshly
// allocated cluster on the device (recycled clusters keep old data
// otherwise).
func (i *Inode) growTo(newSize int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.ensureClusListLocked(); err != nil {
		return err
	}
	clusSize := int64(i.fs.layout.ClusterSize())
	haveBytes := int64(len(i.clusList)) * clusSize
	if newSize <= haveBytes {
		i.size = newSize
		return nil
	}
	need := int((newSize - haveBytes + clusSize - 1) / clusSize)

	var last *uint32
	if len(i.clusList) > 0 {
		v := i.clusList[len(i.clusList)-1]
		last = &v
	}
	allocated, err := i.fs.fat.Alloc(need, last)
	for _, c := range allocated {
		for _, sec := range i.fs.layout.SectorsOfCluster(c) {
			if cerr := i.fs.dev.ClearBlock(sec, 0); cerr != nil && err == nil {
				err = cerr
			}
		}
	}
	if i.firstClus == 0 && len(allocated) > 0 {
		i.firstClus = allocated[0]
	}
	i.clusList = append(i.clusList, allocated...)
	i.size = haveBytes + int64(len(allocated))*clusSize
	if len(allocated) < need || err != nil {
		if err == nil {
			err = inode.ENOSPC
		}
		return err
	}
	i.size = newSize
	return nil
}

// Truncate grows (sparse, zero-filled) or shrinks (freeing trailing
// clusters) the file to newSize.
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
		return i.syncParentEntry(ctx)
	}
	i.mu.Lock()
	if err := i.ensureClusListLocked(); err != nil {
		i.mu.Unlock()
		return err
	}
	clusSize := int64(i.fs.layout.ClusterSize())
	keepClusters := int((newSize + clusSize - 1) / clusSize)
	if keepClusters < 0 {
		keepClusters = 0
	}
	if keepClusters >= len(i.clusList) {
		i.size = newSize
		i.mu.Unlock()
		i.pc.NotifyNewSize(newSize)
		return i.syncParentEntry(ctx)
	}
	freeList := append([]uint32(nil), i.clusList[keepClusters:]...)
	i.clusList = i.clusList[:keepClusters]
	var lastKept *uint32
	if keepClusters > 0 {
		v := i.clusList[keepClusters-1]
		lastKept = &v
	} else {
		i.firstClus = 0
	}
	i.size = newSize
	i.mu.Unlock()

	i.pc.NotifyNewSize(newSize)
	if err := i.fs.fat.Free(freeList, lastKept); err != nil {
		return err
	}
	return i.syncParentEntry(ctx)
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
		return nil
	}
	return i.syncParentEntry(ctx)
}
