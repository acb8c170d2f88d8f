package ext4

import (
	"bytes"
	"context"
	"testing"

	"github.com/rvos-project/vfscore/blockdev"
	"github.com/rvos-project/vfscore/inode"
	"github.com/rvos-project/vfscore/mm"
)

func mustMount(t *testing.T, sectors uint64) (*FS, blockdev.Device) {
	t.Helper()
	dev := blockdev.NewMemDevice(sectors)
	if err := Format(dev); err != nil {
		t.Fatalf("Format: %v", err)
	}
	ok, err := Probe(dev)
	if err != nil || !ok {
		t.Fatalf("Probe after Format: ok=%v err=%v", ok, err)
	}
	alloc := mm.NewPoolAllocator(64)
	as := mm.NewMemAddressSpace()
	fs, err := Mount(dev, 32, alloc, as)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return fs, dev
}

func TestFormatAndMountRoot(t *testing.T) {
	fs, _ := mustMount(t, 64)
	root := fs.Root()
	if !root.IsDir() {
		t.Fatalf("root is not a directory")
	}
	children, err := root.ListChildren(context.Background())
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(children) != 0 {
		t.Fatalf("fresh filesystem should have an empty root, got %v", children)
	}
}

func TestCreateWriteReadFile(t *testing.T) {
	fs, _ := mustMount(t, 64)
	ctx := context.Background()
	root := fs.Root()

	f, err := root.Create(ctx, "hello.txt", inode.KindFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	payload := []byte("hello, ext4 world")
	if _, err := f.WriteAt(ctx, 0, payload); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	looked, err := root.Lookup(ctx, "hello.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	out := make([]byte, len(payload))
	n, err := looked.ReadAt(ctx, 0, out)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(payload) || !bytes.Equal(out, payload) {
		t.Fatalf("readback mismatch: got %q", out[:n])
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	fs, _ := mustMount(t, 64)
	ctx := context.Background()
	root := fs.Root()
	if _, err := root.Create(ctx, "dup.txt", inode.KindFile); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := root.Create(ctx, "dup.txt", inode.KindFile); err != inode.EEXIST {
		t.Fatalf("expected EEXIST, got %v", err)
	}
}

func TestMkdirDotEntries(t *testing.T) {
	fs, _ := mustMount(t, 64)
	ctx := context.Background()
	root := fs.Root()

	dir, err := root.Create(ctx, "sub", inode.KindDir)
	if err != nil {
		t.Fatalf("Create dir: %v", err)
	}
	dot, err := dir.Lookup(ctx, ".")
	if err != nil {
		t.Fatalf("lookup .: %v", err)
	}
	dotdot, err := dir.Lookup(ctx, "..")
	if err != nil {
		t.Fatalf("lookup ..: %v", err)
	}
	if dot.(*Inode).ino != dir.(*Inode).ino {
		t.Fatalf(". does not point at itself")
	}
	if dotdot.(*Inode).ino != root.ino {
		t.Fatalf(".. does not point at parent")
	}
}

func TestUnlinkFreesBlocks(t *testing.T) {
	fs, _ := mustMount(t, 64)
	ctx := context.Background()
	root := fs.Root()

	f, err := root.Create(ctx, "big.bin", inode.KindFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	big := make([]byte, fs.sb.BlockSize()*3)
	if _, err := f.WriteAt(ctx, 0, big); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	freeBefore := fs.sb.FreeBlocksLo

	if err := f.Unlink(ctx, true); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, found, _ := lookupDirent(ctx, root, "big.bin"); found {
		t.Fatalf("entry survived Unlink")
	}
	if fs.sb.FreeBlocksLo <= freeBefore {
		t.Fatalf("expected free block count to increase after Unlink, before=%d after=%d", freeBefore, fs.sb.FreeBlocksLo)
	}
}

func TestTruncateShrinkAndGrow(t *testing.T) {
	fs, _ := mustMount(t, 64)
	ctx := context.Background()
	root := fs.Root()

	f, err := root.Create(ctx, "grow.bin", inode.KindFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	blockSize := int64(fs.sb.BlockSize())
	if err := f.ModifySize(ctx, blockSize*2, true); err != nil {
		t.Fatalf("ModifySize grow: %v", err)
	}
	st, _ := f.Stat(ctx)
	if st.Size != blockSize*2 {
		t.Fatalf("expected size %d, got %d", blockSize*2, st.Size)
	}
	if err := f.Truncate(ctx, blockSize/2); err != nil {
		t.Fatalf("Truncate shrink: %v", err)
	}
	st, _ = f.Stat(ctx)
	if st.Size != blockSize/2 {
		t.Fatalf("expected shrunk size %d, got %d", blockSize/2, st.Size)
	}
}

func TestRenameMovesEntryAndFixesDotDot(t *testing.T) {
	fs, _ := mustMount(t, 64)
	ctx := context.Background()
	root := fs.Root()

	destDir, err := root.Create(ctx, "dest", inode.KindDir)
	if err != nil {
		t.Fatalf("Create dest dir: %v", err)
	}
	movedDir, err := root.Create(ctx, "movee", inode.KindDir)
	if err != nil {
		t.Fatalf("Create movee dir: %v", err)
	}
	if err := movedDir.RenameTo(ctx, destDir, "moved"); err != nil {
		t.Fatalf("RenameTo: %v", err)
	}
	if _, found, _ := lookupDirent(ctx, root, "movee"); found {
		t.Fatalf("old entry still present after rename")
	}
	relocated, err := destDir.Lookup(ctx, "moved")
	if err != nil {
		t.Fatalf("renamed entry missing under new parent: %v", err)
	}
	dotdot, err := relocated.Lookup(ctx, "..")
	if err != nil {
		t.Fatalf("lookup .. on renamed dir: %v", err)
	}
	if dotdot.(*Inode).ino != destDir.(*Inode).ino {
		t.Fatalf("renamed directory's .. still points at the old parent")
	}
}

func TestExtentTreeGrowDepthAndLookup(t *testing.T) {
	fs, _ := mustMount(t, 64)
	ctx := context.Background()
	root := fs.Root()

	f, err := root.Create(ctx, "sparse.bin", inode.KindFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fi := f.(*Inode)

	// Insert five deliberately non-mergeable single-block extents (gaps
	// between both logical and physical ranges), exceeding the root's
	// 4-entry capacity and forcing growDepth.
	for k := 0; k < 5; k++ {
		logical := uint32(k * 10)
		phys := uint64(1000 + k*10)
		if err := fi.tree.Insert(Extent{First: logical, Len: 1, Start: phys}); err != nil {
			t.Fatalf("Insert %d: %v", k, err)
		}
	}
	h, err := decodeExtHeader(fi.extentRoot[:])
	if err != nil {
		t.Fatalf("decodeExtHeader: %v", err)
	}
	if h.Depth == 0 {
		t.Fatalf("expected root to have grown past depth 0 after 5 non-mergeable inserts")
	}
	for k := 0; k < 5; k++ {
		logical := uint32(k * 10)
		wantPhys := uint64(1000 + k*10)
		phys, hole, err := fi.tree.Lookup(logical)
		if err != nil {
			t.Fatalf("Lookup %d: %v", k, err)
		}
		if hole || phys != wantPhys {
			t.Fatalf("Lookup(%d) = %d, hole=%v; want %d", logical, phys, hole, wantPhys)
		}
	}
}

func TestRemoveFreesExtentRange(t *testing.T) {
	fs, _ := mustMount(t, 64)
	ctx := context.Background()
	root := fs.Root()

	f, err := root.Create(ctx, "remove.bin", inode.KindFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fi := f.(*Inode)

	// Allocate four genuinely free, contiguous blocks through the real
	// allocator so Remove's FreeBlock calls act on valid bitmap bits.
	base, err := fs.alloc.AllocBlock(0)
	if err != nil {
		t.Fatalf("AllocBlock: %v", err)
	}
	for k := 1; k < 4; k++ {
		blk, err := fs.alloc.AllocBlock(base + uint64(k) - 1)
		if err != nil {
			t.Fatalf("AllocBlock %d: %v", k, err)
		}
		if blk != base+uint64(k) {
			t.Fatalf("expected contiguous allocation, got base=%d blk=%d", base, blk)
		}
	}

	if err := fi.tree.Insert(Extent{First: 0, Len: 4, Start: base}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	freeBefore := fs.sb.FreeBlocksLo
	if err := fi.tree.Remove(1, 2); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if fs.sb.FreeBlocksLo != freeBefore+2 {
		t.Fatalf("expected 2 blocks freed, before=%d after=%d", freeBefore, fs.sb.FreeBlocksLo)
	}
	if _, hole, _ := fi.tree.Lookup(1); !hole {
		t.Fatalf("expected logical block 1 to become a hole after Remove")
	}
	phys, hole, err := fi.tree.Lookup(0)
	if err != nil || hole || phys != base {
		t.Fatalf("Lookup(0) = %d hole=%v err=%v; want %d", phys, hole, err, base)
	}
	phys, hole, err = fi.tree.Lookup(3)
	if err != nil || hole || phys != base+3 {
		t.Fatalf("Lookup(3) = %d hole=%v err=%v; want %d", phys, hole, err, base+3)
	}
}

func TestExtentMergeOnInsert(t *testing.T) {
	fs, _ := mustMount(t, 64)
	ctx := context.Background()
	root := fs.Root()

	f, err := root.Create(ctx, "merge.bin", inode.KindFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fi := f.(*Inode)

	// Logically and physically adjacent: must coalesce into one extent
	// whose length is the sum of the two.
	if err := fi.tree.Insert(Extent{First: 0, Len: 3, Start: 500}); err != nil {
		t.Fatalf("Insert first: %v", err)
	}
	if err := fi.tree.Insert(Extent{First: 3, Len: 2, Start: 503}); err != nil {
		t.Fatalf("Insert second: %v", err)
	}

	h, err := decodeExtHeader(fi.extentRoot[:])
	if err != nil {
		t.Fatalf("decodeExtHeader: %v", err)
	}
	if h.Depth != 0 || h.EntriesCount != 1 {
		t.Fatalf("expected one merged leaf entry, got depth=%d entries=%d", h.Depth, h.EntriesCount)
	}
	got := leafEntryAt(fi.extentRoot[:], 0)
	want := Extent{First: 0, Len: 5, Start: 500}
	if got != want {
		t.Fatalf("merged extent = %+v, want %+v", got, want)
	}

	// Physically adjacent but logically gapped: must NOT merge.
	if err := fi.tree.Insert(Extent{First: 9, Len: 1, Start: 505}); err != nil {
		t.Fatalf("Insert gapped: %v", err)
	}
	h, _ = decodeExtHeader(fi.extentRoot[:])
	if h.EntriesCount != 2 {
		t.Fatalf("gapped insert merged unexpectedly: entries=%d", h.EntriesCount)
	}
}
