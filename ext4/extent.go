package ext4

import (
	"encoding/binary"
	"sort"

	"github.com/rvos-project/vfscore/cache"
	"github.com/rvos-project/vfscore/inode"
)

// Extent-tree on-disk layout: the inode reserves 60 bytes for the tree
// root, and tree nodes begin with a header carrying the 0xF30A magic,
// entry count, max entries, and depth.
const (
	extentMagic      = 0xF30A
	extentHeaderSize = 12
	extentEntrySize  = 12
	rootAreaSize     = 60
	rootMaxEntries   = (rootAreaSize - extentHeaderSize) / extentEntrySize // 4
)

// Extent is one contiguous logical-to-physical mapping.
type Extent struct {
	First uint32 // first logical block
	Len   uint16
	Start uint64 // first physical block
}

type extHeader struct {
	EntriesCount uint16
	MaxEntries   uint16
	Depth        uint16
}

func decodeExtHeader(raw []byte) (extHeader, error) {
	if binary.LittleEndian.Uint16(raw[0:2]) != extentMagic {
		return extHeader{}, inode.Corrupt("ext4: bad extent node magic")
	}
	return extHeader{
		EntriesCount: binary.LittleEndian.Uint16(raw[2:4]),
		MaxEntries:   binary.LittleEndian.Uint16(raw[4:6]),
		Depth:        binary.LittleEndian.Uint16(raw[6:8]),
	}, nil
}

func encodeExtHeader(h extHeader, raw []byte) {
	binary.LittleEndian.PutUint16(raw[0:2], extentMagic)
	binary.LittleEndian.PutUint16(raw[2:4], h.EntriesCount)
	binary.LittleEndian.PutUint16(raw[4:6], h.MaxEntries)
	binary.LittleEndian.PutUint16(raw[6:8], h.Depth)
}

func leafEntryAt(raw []byte, i int) Extent {
	off := extentHeaderSize + i*extentEntrySize
	first := binary.LittleEndian.Uint32(raw[off : off+4])
	length := binary.LittleEndian.Uint16(raw[off+4 : off+6])
	hi := binary.LittleEndian.Uint16(raw[off+6 : off+8])
	lo := binary.LittleEndian.Uint32(raw[off+8 : off+12])
	return Extent{First: first, Len: length, Start: uint64(hi)<<32 | uint64(lo)}
}

func putLeafEntry(raw []byte, i int, e Extent) {
	off := extentHeaderSize + i*extentEntrySize
	binary.LittleEndian.PutUint32(raw[off:off+4], e.First)
	binary.LittleEndian.PutUint16(raw[off+4:off+6], e.Len)
	binary.LittleEndian.PutUint16(raw[off+6:off+8], uint16(e.Start>>32))
	binary.LittleEndian.PutUint32(raw[off+8:off+12], uint32(e.Start))
}

func idxEntryAt(raw []byte, i int) (first uint32, child uint64) {
	off := extentHeaderSize + i*extentEntrySize
	first = binary.LittleEndian.Uint32(raw[off : off+4])
	lo := binary.LittleEndian.Uint32(raw[off+4 : off+8])
	hi := binary.LittleEndian.Uint16(raw[off+8 : off+10])
	return first, uint64(hi)<<32 | uint64(lo)
}

func putIdxEntry(raw []byte, i int, first uint32, child uint64) {
	off := extentHeaderSize + i*extentEntrySize
	binary.LittleEndian.PutUint32(raw[off:off+4], first)
	binary.LittleEndian.PutUint32(raw[off+4:off+8], uint32(child))
	binary.LittleEndian.PutUint16(raw[off+8:off+10], uint16(child>>32))
	binary.LittleEndian.PutUint16(raw[off+10:off+12], 0)
}

// Tree is an extent tree rooted in a 60-byte inode-embedded buffer.
// Supports depths 0 and 1 in full (lookup/insert/remove/grow); a depth-1
// tree already holds hundreds of extents per file, far beyond what the
// images this driver targets ever need, so deeper trees surface as
// corruption rather than silently misparsing.
type Tree struct {
	root  []byte // exactly rootAreaSize bytes, owned by the caller (the inode record)
	bc    *cache.BufferCache
	alloc *GroupAllocator
}

func NewTree(root []byte, bc *cache.BufferCache, alloc *GroupAllocator) *Tree {
	return &Tree{root: root, bc: bc, alloc: alloc}
}

// InitEmpty stamps a fresh, depth-0, zero-entry header into root.
func InitEmpty(root []byte) {
	encodeExtHeader(extHeader{EntriesCount: 0, MaxEntries: rootMaxEntries, Depth: 0}, root)
}

// Lookup resolves logical block L to its physical block: binary-search
// each level for the largest first_logical_block <= L and descend; at
// the leaf, L's physical block is extent.start + (L - extent.first) when
// L falls in range, else a hole.
func (t *Tree) Lookup(logical uint32) (physical uint64, hole bool, err error) {
	h, err := decodeExtHeader(t.root)
	if err != nil {
		return 0, false, err
	}
	if h.Depth == 0 {
		return lookupLeaf(t.root, h, logical)
	}
	childBlock, ok := findChild(t.root, h, logical)
	if !ok {
		return 0, true, nil
	}
	hh, err := t.bc.Get(childBlock)
	if err != nil {
		return 0, false, err
	}
	defer hh.Release()
	view, err := hh.View(0, int(t.alloc.sb.BlockSize()))
	if err != nil {
		return 0, false, err
	}
	lh, err := decodeExtHeader(view)
	if err != nil {
		return 0, false, err
	}
	return lookupLeaf(view, lh, logical)
}

func lookupLeaf(raw []byte, h extHeader, logical uint32) (uint64, bool, error) {
	n := int(h.EntriesCount)
	idx := sort.Search(n, func(i int) bool { return leafEntryAt(raw, i).First > logical }) - 1
	if idx < 0 {
		return 0, true, nil
	}
	e := leafEntryAt(raw, idx)
	if logical >= e.First && logical < e.First+uint32(e.Len) {
		return e.Start + uint64(logical-e.First), false, nil
	}
	return 0, true, nil
}

func findChild(raw []byte, h extHeader, logical uint32) (uint64, bool) {
	n := int(h.EntriesCount)
	if n == 0 {
		return 0, false
	}
	idx := sort.Search(n, func(i int) bool {
		first, _ := idxEntryAt(raw, i)
		return first > logical
	}) - 1
	if idx < 0 {
		idx = 0
	}
	_, child := idxEntryAt(raw, idx)
	return child, true
}

// Insert adds extent e to the tree, merging with an adjacent neighbor
// when contiguous, inserting sorted otherwise, and growing the tree one
// level deeper if the root is full.
func (t *Tree) Insert(e Extent) error {
	h, err := decodeExtHeader(t.root)
	if err != nil {
		return err
	}
	if h.Depth == 0 {
		ok, err := tryInsertLeaf(t.root, h, e)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := t.growDepth(h); err != nil {
			return err
		}
		return t.Insert(e)
	}

	childBlock, ok := findChild(t.root, h, e.First)
	if !ok {
		return inode.Corrupt("ext4: extent index node has no entries")
	}
	hh, err := t.bc.Get(childBlock)
	if err != nil {
		return err
	}
	defer hh.Release()
	view, err := hh.Modify(0, int(t.alloc.sb.BlockSize()))
	if err != nil {
		return err
	}
	lh, err := decodeExtHeader(view)
	if err != nil {
		return err
	}
	ok, err = tryInsertLeaf(view, lh, e)
	if err != nil {
		return err
	}
	if !ok {
		return inode.Corrupt("ext4: extent leaf block exhausted (depth > 1 unsupported)")
	}
	return nil
}

// tryInsertLeaf attempts merge-then-sorted-insert into a depth-0 node's
// entries, returning false if it is full and needs to grow.
func tryInsertLeaf(raw []byte, h extHeader, e Extent) (bool, error) {
	n := int(h.EntriesCount)
	// Try merge with the entry immediately before or after e's position.
	pos := sort.Search(n, func(i int) bool { return leafEntryAt(raw, i).First > e.First })
	if pos > 0 {
		prev := leafEntryAt(raw, pos-1)
		if prev.First+uint32(prev.Len) == e.First && prev.Start+uint64(prev.Len) == e.Start &&
			uint32(prev.Len)+uint32(e.Len) <= 0xFFFF {
			prev.Len += e.Len
			putLeafEntry(raw, pos-1, prev)
			return true, nil
		}
	}
	if pos < n {
		next := leafEntryAt(raw, pos)
		if e.First+uint32(e.Len) == next.First && e.Start+uint64(e.Len) == next.Start &&
			uint32(e.Len)+uint32(next.Len) <= 0xFFFF {
			next.First = e.First
			next.Start = e.Start
			next.Len += e.Len
			putLeafEntry(raw, pos, next)
			return true, nil
		}
	}
	if n >= int(h.MaxEntries) {
		return false, nil
	}
	for i := n; i > pos; i-- {
		putLeafEntry(raw, i, leafEntryAt(raw, i-1))
	}
	putLeafEntry(raw, pos, e)
	h.EntriesCount++
	encodeExtHeader(h, raw)
	return true, nil
}

// growDepth copies the root's current contents into a freshly allocated
// block, then rewrites root as a single-entry depth+1 index pointing at
// it.
func (t *Tree) growDepth(h extHeader) error {
	blockID, err := t.alloc.AllocBlock(0)
	if err != nil {
		return err
	}
	bs := int(t.alloc.sb.BlockSize())
	hh, err := t.bc.Get(blockID)
	if err != nil {
		return err
	}
	view, err := hh.Modify(0, bs)
	if err != nil {
		hh.Release()
		return err
	}
	for i := range view {
		view[i] = 0
	}
	newHeader := extHeader{EntriesCount: h.EntriesCount, MaxEntries: uint16((bs - extentHeaderSize) / extentEntrySize), Depth: h.Depth}
	encodeExtHeader(newHeader, view)
	for i := 0; i < int(h.EntriesCount); i++ {
		if h.Depth == 0 {
			putLeafEntry(view, i, leafEntryAt(t.root, i))
		} else {
			first, child := idxEntryAt(t.root, i)
			putIdxEntry(view, i, first, child)
		}
	}
	hh.Release()

	var firstLogical uint32
	if h.EntriesCount > 0 {
		if h.Depth == 0 {
			firstLogical = leafEntryAt(t.root, 0).First
		} else {
			firstLogical, _ = idxEntryAt(t.root, 0)
		}
	}
	rootHeader := extHeader{EntriesCount: 1, MaxEntries: rootMaxEntries, Depth: h.Depth + 1}
	encodeExtHeader(rootHeader, t.root)
	putIdxEntry(t.root, 0, firstLogical, blockID)
	return nil
}

// Remove frees the physical blocks backing logical range [from, to] and
// shrinks/splits/removes the affected extent entries. Limited to depth
// 0/1 trees, consistent with Insert.
func (t *Tree) Remove(from, to uint32) error {
	h, err := decodeExtHeader(t.root)
	if err != nil {
		return err
	}
	if h.Depth == 0 {
		return t.removeFromLeaf(t.root, from, to)
	}
	childBlock, ok := findChild(t.root, h, from)
	if !ok {
		return nil
	}
	hh, err := t.bc.Get(childBlock)
	if err != nil {
		return err
	}
	defer hh.Release()
	view, err := hh.Modify(0, int(t.alloc.sb.BlockSize()))
	if err != nil {
		return err
	}
	return t.removeFromLeaf(view, from, to)
}

func (t *Tree) removeFromLeaf(raw []byte, from, to uint32) error {
	h, err := decodeExtHeader(raw)
	if err != nil {
		return err
	}
	entries := make([]Extent, h.EntriesCount)
	for i := range entries {
		entries[i] = leafEntryAt(raw, i)
	}

	kept := entries[:0:0]
	for _, e := range entries {
		eEnd := e.First + uint32(e.Len) - 1
		if eEnd < from || e.First > to {
			kept = append(kept, e)
			continue
		}
		overlapStart := e.First
		if from > overlapStart {
			overlapStart = from
		}
		overlapEnd := eEnd
		if to < overlapEnd {
			overlapEnd = to
		}
		for lb := overlapStart; lb <= overlapEnd; lb++ {
			pb := e.Start + uint64(lb-e.First)
			if err := t.alloc.FreeBlock(pb); err != nil {
				return err
			}
		}
		if overlapStart > e.First {
			kept = append(kept, Extent{First: e.First, Len: uint16(overlapStart - e.First), Start: e.Start})
		}
		if overlapEnd < eEnd {
			newFirst := overlapEnd + 1
			kept = append(kept, Extent{First: newFirst, Len: uint16(eEnd - overlapEnd), Start: e.Start + uint64(newFirst-e.First)})
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].First < kept[j].First })
	for i, e := range kept {
		putLeafEntry(raw, i, e)
	}
	newHeader := h
	newHeader.EntriesCount = uint16(len(kept))
	encodeExtHeader(newHeader, raw)
	return nil
}
