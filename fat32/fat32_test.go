package fat32

import (
	"bytes"
	"context"
	"testing"

	"github.com/rvos-project/vfscore/blockdev"
	"github.com/rvos-project/vfscore/inode"
	"github.com/rvos-project/vfscore/mm"
)

func mustMount(t *testing.T, sectors uint64, secPerClus uint8) (*FS, blockdev.Device) {
	t.Helper()
	dev := blockdev.NewMemDevice(sectors)
	if err := Format(dev, secPerClus); err != nil {
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
	fs, _ := mustMount(t, 512, 4)
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
	fs, _ := mustMount(t, 512, 4)
	ctx := context.Background()
	root := fs.Root()

	f, err := root.Create(ctx, "hello.txt", inode.KindFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	payload := []byte("hello, fat32 world")
	if _, err := f.WriteAt(ctx, 0, payload); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	looked, err := root.Lookup(ctx, "HELLO.TXT")
	if err != nil {
		t.Fatalf("Lookup (case-insensitive): %v", err)
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

func TestLongFileNameRoundTrip(t *testing.T) {
	fs, _ := mustMount(t, 512, 4)
	ctx := context.Background()
	root := fs.Root()

	const longName = "a-rather-long-descriptive-filename.txt"
	if _, err := root.Create(ctx, longName, inode.KindFile); err != nil {
		t.Fatalf("Create: %v", err)
	}
	children, err := root.ListChildren(ctx)
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	found := false
	for _, c := range children {
		if c.Name == longName {
			found = true
		}
	}
	if !found {
		t.Fatalf("long name not found among children: %+v", children)
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	fs, _ := mustMount(t, 512, 4)
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
	fs, _ := mustMount(t, 512, 4)
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
	if dot.(*Inode).firstClus != dir.(*Inode).firstClus {
		t.Fatalf(". does not point at itself")
	}
	if dotdot.(*Inode).firstClus != root.firstClus {
		t.Fatalf(".. does not point at parent")
	}
}

func TestUnlinkFreesClusters(t *testing.T) {
	fs, dev := mustMount(t, 512, 4)
	ctx := context.Background()
	root := fs.Root()

	f, err := root.Create(ctx, "big.bin", inode.KindFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	big := make([]byte, fs.layout.ClusterSize()*3)
	if _, err := f.WriteAt(ctx, 0, big); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	fi := f.(*Inode)
	clusCount := len(fi.clusList)
	if clusCount < 3 {
		t.Fatalf("expected at least 3 clusters allocated, got %d", clusCount)
	}
	freed := append([]uint32(nil), fi.clusList...)

	if err := f.Unlink(ctx, true); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, found, _ := root.lookupRaw(ctx, "big.bin"); found {
		t.Fatalf("entry survived Unlink")
	}

	// The freed clusters must now be reusable by a subsequent allocation.
	allocated, err := fs.fat.Alloc(1, nil)
	if err != nil || len(allocated) != 1 {
		t.Fatalf("Alloc after free: %v %v", allocated, err)
	}
	wasFreed := false
	for _, c := range freed {
		if c == allocated[0] {
			wasFreed = true
		}
	}
	if !wasFreed {
		t.Fatalf("expected reuse of one of freed clusters %v, got %d", freed, allocated[0])
	}
	_ = dev
}

func TestTruncateShrinkAndGrow(t *testing.T) {
	fs, _ := mustMount(t, 512, 4)
	ctx := context.Background()
	root := fs.Root()

	f, err := root.Create(ctx, "grow.bin", inode.KindFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	clusSize := int64(fs.layout.ClusterSize())
	if err := f.ModifySize(ctx, clusSize*2, true); err != nil {
		t.Fatalf("ModifySize grow: %v", err)
	}
	st, _ := f.Stat(ctx)
	if st.Size != clusSize*2 {
		t.Fatalf("expected size %d, got %d", clusSize*2, st.Size)
	}
	if err := f.Truncate(ctx, clusSize/2); err != nil {
		t.Fatalf("Truncate shrink: %v", err)
	}
	st, _ = f.Stat(ctx)
	if st.Size != clusSize/2 {
		t.Fatalf("expected shrunk size %d, got %d", clusSize/2, st.Size)
	}
}

func TestRenameMovesEntry(t *testing.T) {
	fs, _ := mustMount(t, 512, 4)
	ctx := context.Background()
	root := fs.Root()

	dir, err := root.Create(ctx, "dest", inode.KindDir)
	if err != nil {
		t.Fatalf("Create dir: %v", err)
	}
	f, err := root.Create(ctx, "movee.txt", inode.KindFile)
	if err != nil {
		t.Fatalf("Create file: %v", err)
	}
	if err := f.RenameTo(ctx, dir, "moved.txt"); err != nil {
		t.Fatalf("RenameTo: %v", err)
	}
	if _, found, _ := root.lookupRaw(ctx, "movee.txt"); found {
		t.Fatalf("old entry still present after rename")
	}
	if _, err := dir.Lookup(ctx, "moved.txt"); err != nil {
		t.Fatalf("renamed entry missing under new parent: %v", err)
	}
}
