package fat32

import (
	"context"
	"strings"

	"github.com/rvos-project/vfscore/inode"
)

const rawSlotSize = 32

// readSlot reads the 32-byte entry at offset, returning the raw bytes and
// whether the read ran past the directory's current size (i.e. there is
// no such entry yet).
func (i *Inode) readSlot(ctx context.Context, offset int64) ([32]byte, bool, error) {
	var raw [32]byte
	n, err := i.ReadAt(ctx, offset, raw[:])
	if err != nil {
		return raw, false, err
	}
	if n < rawSlotSize {
		return raw, false, nil
	}
	return raw, true, nil
}

func (i *Inode) writeSlot(ctx context.Context, offset int64, raw [32]byte) error {
	_, err := i.WriteAt(ctx, offset, raw[:])
	return err
}

// enumerate walks the directory's entry stream, merging each short entry
// with any preceding long-name chain. Deleted (0xE5) entries are
// skipped; a 0x00 leading byte ends the scan.
func (i *Inode) enumerate(ctx context.Context) ([]dirEntry, error) {
	i.mu.RLock()
	size := i.size
	i.mu.RUnlock()

	var out []dirEntry
	var pending []longEnt
	var pendingStart int64 = -1

	for off := int64(0); off+rawSlotSize <= size; off += rawSlotSize {
		raw, ok, err := i.readSlot(ctx, off)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if raw[0] == dirEntEnd {
			break
		}
		if raw[0] == dirEntFree {
			pending = pending[:0]
			pendingStart = -1
			continue
		}
		attr := raw[11]
		if attr == attrLongName {
			if pendingStart == -1 {
				pendingStart = off
			}
			pending = append(pending, decodeLongEnt(raw[:]))
			continue
		}
		s := decodeShortEnt(raw[:])
		name := ""
		startOff := off
		if len(pending) > 0 {
			if shortNameChecksum(s.Name) == pending[0].Chksum {
				name = decodeLFNChain(pending)
				startOff = pendingStart
			}
		}
		out = append(out, dirEntry{
			Short:      s,
			LongName:   name,
			ShortBytes: s.Name,
			Offset:     off,
			NumSlots:   int((off-startOff)/rawSlotSize) + 1,
		})
		pending = pending[:0]
		pendingStart = -1
	}
	return out, nil
}

// findEndMarker returns the byte offset of the first 0x00 (end-of-
// directory) entry, or size if none is found within the current extent.
func (i *Inode) findEndMarker(ctx context.Context) (int64, error) {
	i.mu.RLock()
	size := i.size
	i.mu.RUnlock()
	for off := int64(0); off+rawSlotSize <= size; off += rawSlotSize {
		raw, ok, err := i.readSlot(ctx, off)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		if raw[0] == dirEntEnd {
			return off, nil
		}
	}
	return size, nil
}

func normalizeForCompare(name string) string { return strings.ToUpper(name) }

// lookupRaw finds name (case-insensitive) among this directory's entries.
func (i *Inode) lookupRaw(ctx context.Context, name string) (dirEntry, bool, error) {
	ents, err := i.enumerate(ctx)
	if err != nil {
		return dirEntry{}, false, err
	}
	target := normalizeForCompare(name)
	for _, e := range ents {
		if normalizeForCompare(e.displayName()) == target {
			return e, true, nil
		}
	}
	return dirEntry{}, false, nil
}

func (i *Inode) ListChildren(ctx context.Context) ([]inode.DirEntry, error) {
	if !i.IsDir() {
		return nil, inode.ENOTDIR
	}
	ents, err := i.enumerate(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]inode.DirEntry, 0, len(ents))
	for _, e := range ents {
		name := e.displayName()
		if name == "." || name == ".." {
			continue
		}
		kind := inode.KindFile
		if e.Short.IsDir() {
			kind = inode.KindDir
		}
		out = append(out, inode.DirEntry{Name: name, Kind: kind, Ino: uint64(e.Short.FirstCluster())})
	}
	return out, nil
}

func (i *Inode) Lookup(ctx context.Context, name string) (inode.Inode, error) {
	if !i.IsDir() {
		return nil, inode.ENOTDIR
	}
	e, found, err := i.lookupRaw(ctx, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, inode.ENOENT
	}
	kind := inode.KindFile
	if e.Short.IsDir() {
		kind = inode.KindDir
	}
	child, err := i.fs.newInode(e.Short.FirstCluster(), kind, int64(e.Short.FileSize), i, name)
	if err != nil {
		return nil, err
	}
	child.parent.offset = e.Offset
	return child, nil
}

// findFreeRun locates (or carves out, growing the directory by one
// cluster when the tail is exhausted) a contiguous run of need free
// 32-byte slots.
func (i *Inode) findFreeRun(ctx context.Context, need int) (int64, error) {
	end, err := i.findEndMarker(ctx)
	if err != nil {
		return 0, err
	}

	// Scan [0, end) for a run of deleted (0xE5) entries.
	run := 0
	runStart := int64(0)
	for off := int64(0); off < end; off += rawSlotSize {
		raw, _, err := i.readSlot(ctx, off)
		if err != nil {
			return 0, err
		}
		if raw[0] == dirEntFree {
			if run == 0 {
				runStart = off
			}
			run++
			if run >= need {
				return runStart, nil
			}
		} else {
			run = 0
		}
	}

	i.mu.RLock()
	size := i.size
	i.mu.RUnlock()
	avail := int((size - end) / rawSlotSize)
	if avail >= need+1 { // +1 keeps room for the new end marker
		return end, nil
	}

	// Tail exhausted: grow by one cluster (freshly zeroed, so it already
	// reads as an end-of-directory marker at its first byte).
	clusSize := int64(i.fs.layout.ClusterSize())
	if err := i.growTo(size + clusSize); err != nil {
		return 0, err
	}
	return end, nil
}

// Create allocates a new child entry named name under this directory:
// generate the short/long entry slices, find or make room, allocate a
// first cluster if the child is a directory (a file starts with none),
// then write the entries (directories additionally get '.' / '..').
func (i *Inode) Create(ctx context.Context, name string, kind inode.Kind) (inode.Inode, error) {
	if !i.IsDir() {
		return nil, inode.ENOTDIR
	}
	if _, found, err := i.lookupRaw(ctx, name); err != nil {
		return nil, err
	} else if found {
		return nil, inode.EEXIST
	}

	existing := make(map[[11]byte]bool)
	ents, err := i.enumerate(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range ents {
		existing[e.ShortBytes] = true
	}
	shortName := genShortName(name, existing)
	chksum := shortNameChecksum(shortName)
	longEnts := encodeLFNChain(name, chksum)

	need := len(longEnts) + 1
	offset, err := i.findFreeRun(ctx, need)
	if err != nil {
		return nil, err
	}

	var childClus uint32
	var childSize uint32
	if kind == inode.KindDir {
		allocated, aerr := i.fs.fat.Alloc(1, nil)
		if len(allocated) == 0 {
			if aerr == nil {
				aerr = inode.ENOSPC
			}
			return nil, aerr
		}
		childClus = allocated[0]
		childSize = 0
	}

	cur := offset
	for _, le := range longEnts {
		var raw [32]byte
		encodeLongEnt(le, raw[:])
		if err := i.writeSlot(ctx, cur, raw); err != nil {
			return nil, err
		}
		cur += rawSlotSize
	}
	var s shortEnt
	s.Name = shortName
	if kind == inode.KindDir {
		s.Attr = attrDirExt
	} else {
		s.Attr = attrArchive
	}
	s.SetFirstCluster(childClus)
	s.FileSize = childSize
	var sraw [32]byte
	encodeShortEnt(s, sraw[:])
	shortOffset := cur
	if err := i.writeSlot(ctx, shortOffset, sraw); err != nil {
		return nil, err
	}

	child, err := i.fs.newInode(childClus, kind, int64(childSize), i, name)
	if err != nil {
		return nil, err
	}
	child.parent.offset = shortOffset

	if kind == inode.KindDir {
		if err := i.fillDotEntries(ctx, child); err != nil {
			return nil, err
		}
	}
	return child, nil
}

// fillDotEntries writes '.' and '..' short entries into a freshly created
// child directory's first cluster.
func (i *Inode) fillDotEntries(ctx context.Context, child *Inode) error {
	var dot shortEnt
	dot.Name = padShortName(".", "")
	dot.Attr = attrDirExt
	dot.SetFirstCluster(child.firstClus)
	var dotdot shortEnt
	dotdot.Name = padShortName("..", "")
	dotdot.Attr = attrDirExt
	dotdot.SetFirstCluster(i.firstClus)

	var raw [32]byte
	encodeShortEnt(dot, raw[:])
	if err := child.writeSlot(ctx, 0, raw); err != nil {
		return err
	}
	encodeShortEnt(dotdot, raw[:])
	return child.writeSlot(ctx, rawSlotSize, raw)
}

// Unlink removes the receiver's own entry from its parent directory. If
// deleteContent is set, cluster reclamation happens once the caller drops
// its last reference (here, immediately — this module has no separate
// in-memory refcount distinct from Go's GC, so freeing the chain now is
// the closest faithful analogue once deleteContent is asserted).
func (i *Inode) Unlink(ctx context.Context, deleteContent bool) error {
	if i.parent == nil {
		return inode.EINVAL
	}
	parent := i.parent.dir
	if err := parent.deleteEntryAt(ctx, i.parent.offset); err != nil {
		return err
	}
	if deleteContent {
		i.mu.Lock()
		i.deleted = true
		chain := i.clusList
		i.clusList = nil
		i.mu.Unlock()
		if len(chain) > 0 {
			return i.fs.fat.Free(chain, nil)
		}
	}
	return nil
}

// deleteEntryAt marks the short entry at shortOffset and its preceding
// LFN chain free (0xE5).
func (i *Inode) deleteEntryAt(ctx context.Context, shortOffset int64) error {
	ents, err := i.enumerate(ctx)
	if err != nil {
		return err
	}
	var target *dirEntry
	for idx := range ents {
		if ents[idx].Offset == shortOffset {
			target = &ents[idx]
			break
		}
	}
	if target == nil {
		return inode.ENOENT
	}
	firstSlot := shortOffset - int64(target.NumSlots-1)*rawSlotSize
	for off := firstSlot; off <= shortOffset; off += rawSlotSize {
		raw, _, err := i.readSlot(ctx, off)
		if err != nil {
			return err
		}
		raw[0] = dirEntFree
		if err := i.writeSlot(ctx, off, raw); err != nil {
			return err
		}
	}
	return i.compactTrailingFreeCluster(ctx)
}

// compactTrailingFreeCluster shrinks the directory by one cluster when
// its last cluster has become entirely free entries.
func (i *Inode) compactTrailingFreeCluster(ctx context.Context) error {
	i.mu.RLock()
	size := i.size
	clusSize := int64(i.fs.layout.ClusterSize())
	i.mu.RUnlock()
	if size < 2*clusSize {
		return nil
	}
	lastClusStart := size - clusSize
	for off := lastClusStart; off < size; off += rawSlotSize {
		raw, ok, err := i.readSlot(ctx, off)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if raw[0] != dirEntFree && raw[0] != dirEntEnd {
			return nil
		}
	}
	return i.Truncate(ctx, lastClusStart)
}

// Link inserts a new directory entry named name under newParent pointing
// at this inode's content. FAT32 has no independent hard-link count
// beyond the directory entry itself, so Link materializes a second entry
// sharing the same first cluster.
func (i *Inode) Link(ctx context.Context, name string, newParent inode.Inode) error {
	np, ok := newParent.(*Inode)
	if !ok || !np.IsDir() {
		return inode.ENOTDIR
	}
	if _, found, err := np.lookupRaw(ctx, name); err != nil {
		return err
	} else if found {
		return inode.EEXIST
	}

	existing := make(map[[11]byte]bool)
	ents, err := np.enumerate(ctx)
	if err != nil {
		return err
	}
	for _, e := range ents {
		existing[e.ShortBytes] = true
	}
	shortName := genShortName(name, existing)
	chksum := shortNameChecksum(shortName)
	longEnts := encodeLFNChain(name, chksum)

	offset, err := np.findFreeRun(ctx, len(longEnts)+1)
	if err != nil {
		return err
	}
	cur := offset
	for _, le := range longEnts {
		var raw [32]byte
		encodeLongEnt(le, raw[:])
		if err := np.writeSlot(ctx, cur, raw); err != nil {
			return err
		}
		cur += rawSlotSize
	}

	i.mu.RLock()
	var s shortEnt
	s.Name = shortName
	if i.kind == inode.KindDir {
		s.Attr = attrDirExt
	} else {
		s.Attr = attrArchive
	}
	s.SetFirstCluster(i.firstClus)
	s.FileSize = uint32(i.size)
	i.mu.RUnlock()

	var sraw [32]byte
	encodeShortEnt(s, sraw[:])
	return np.writeSlot(ctx, cur, sraw)
}

// RenameTo moves this inode's directory entry to newName under newParent,
// transferring the short/long entries between parents without touching
// file data. Callers in package vfs have already validated fs-id
// equality, busy state, and descent.
func (i *Inode) RenameTo(ctx context.Context, newParent inode.Inode, newName string) error {
	np, ok := newParent.(*Inode)
	if !ok || !np.IsDir() {
		return inode.ENOTDIR
	}
	if i.parent == nil {
		return inode.EINVAL
	}
	if err := i.Link(ctx, newName, np); err != nil {
		return err
	}
	oldParent := i.parent.dir
	oldOffset := i.parent.offset
	if err := oldParent.deleteEntryAt(ctx, oldOffset); err != nil {
		return err
	}
	e, found, err := np.lookupRaw(ctx, newName)
	if err != nil {
		return err
	}
	if !found {
		return inode.Corrupt("fat32: rename target vanished after link")
	}
	i.parent = &parentRef{dir: np, offset: e.Offset}
	return nil
}
