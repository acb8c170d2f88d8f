package vfs

import (
	"context"
	"testing"

	"github.com/rvos-project/vfscore/blockdev"
	"github.com/rvos-project/vfscore/fat32"
	"github.com/rvos-project/vfscore/inode"
	"github.com/rvos-project/vfscore/mm"
)

func mustMountFAT32(t *testing.T, sectors uint64) *fat32.FS {
	t.Helper()
	dev := blockdev.NewMemDevice(sectors)
	if err := fat32.Format(dev, 1); err != nil {
		t.Fatalf("Format: %v", err)
	}
	alloc := mm.NewPoolAllocator(64)
	as := mm.NewMemAddressSpace()
	fs, err := fat32.Mount(dev, 32, alloc, as)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return fs
}

func TestParseDirPath(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"/lib/a/.././d/c", []string{"lib", "d", "c"}},
		{"/", nil},
		{"a/b/c", []string{"a", "b", "c"}},
		{"../x", []string{"..", "x"}},
	}
	for _, c := range cases {
		got := parseDirPath(c.in)
		if !equalComps(got, c.want) {
			t.Fatalf("parseDirPath(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestOpenCreateAndReadBack(t *testing.T) {
	fs := mustMountFAT32(t, 2048)
	ctx := context.Background()
	tree := NewTree(fs.Root())

	n, err := tree.Open(ctx, tree.Root(), "/hello.txt", O_CREAT|O_RDWR, false)
	if err != nil {
		t.Fatalf("Open create: %v", err)
	}
	if _, err := n.File().WriteAt(ctx, 0, []byte("hi")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	again, err := tree.Open(ctx, tree.Root(), "/hello.txt", O_RDONLY, false)
	if err != nil {
		t.Fatalf("Open existing: %v", err)
	}
	buf := make([]byte, 2)
	if _, err := again.File().ReadAt(ctx, 0, buf); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "hi" {
		t.Fatalf("got %q, want %q", buf, "hi")
	}
}

func TestOpenExclFailsOnExisting(t *testing.T) {
	fs := mustMountFAT32(t, 2048)
	ctx := context.Background()
	tree := NewTree(fs.Root())

	if _, err := tree.Open(ctx, tree.Root(), "/a.txt", O_CREAT, false); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := tree.Open(ctx, tree.Root(), "/a.txt", O_CREAT|O_EXCL, false); err != inode.EEXIST {
		t.Fatalf("expected EEXIST, got %v", err)
	}
}

func TestOpenMissingWithoutCreatFails(t *testing.T) {
	fs := mustMountFAT32(t, 2048)
	ctx := context.Background()
	tree := NewTree(fs.Root())

	if _, err := tree.Open(ctx, tree.Root(), "/missing.txt", O_RDONLY, false); err != inode.ENOENT {
		t.Fatalf("expected ENOENT, got %v", err)
	}
}

func TestMkdirAndLookupUnderIt(t *testing.T) {
	fs := mustMountFAT32(t, 2048)
	ctx := context.Background()
	tree := NewTree(fs.Root())

	if _, err := tree.Mkdir(ctx, tree.Root(), "/sub"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := tree.Open(ctx, tree.Root(), "/sub/child.txt", O_CREAT, false); err != nil {
		t.Fatalf("Open under subdir: %v", err)
	}
	n, err := tree.Root().CdPath(ctx, "/sub/child.txt")
	if err != nil {
		t.Fatalf("CdPath: %v", err)
	}
	if n.Name() != "child.txt" {
		t.Fatalf("got name %q", n.Name())
	}
}

func TestMkdirDuplicateFails(t *testing.T) {
	fs := mustMountFAT32(t, 2048)
	ctx := context.Background()
	tree := NewTree(fs.Root())

	if _, err := tree.Mkdir(ctx, tree.Root(), "/dup"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := tree.Mkdir(ctx, tree.Root(), "/dup"); err != inode.EEXIST {
		t.Fatalf("expected EEXIST, got %v", err)
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	fs := mustMountFAT32(t, 2048)
	ctx := context.Background()
	tree := NewTree(fs.Root())

	if _, err := tree.Open(ctx, tree.Root(), "/gone.txt", O_CREAT, false); err != nil {
		t.Fatalf("Open create: %v", err)
	}
	if err := tree.Delete(ctx, tree.Root(), "/gone.txt", false); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := tree.Root().CdPath(ctx, "/gone.txt"); err != inode.ENOENT {
		t.Fatalf("expected ENOENT after delete, got %v", err)
	}
}

func TestDeleteBusyNodeFails(t *testing.T) {
	fs := mustMountFAT32(t, 2048)
	ctx := context.Background()
	tree := NewTree(fs.Root())

	n, err := tree.Open(ctx, tree.Root(), "/busy.txt", O_CREAT, true)
	if err != nil {
		t.Fatalf("Open create: %v", err)
	}
	if err := tree.Delete(ctx, tree.Root(), "/busy.txt", false); err != inode.EBUSY {
		t.Fatalf("expected EBUSY, got %v", err)
	}
	n.SubSpecialUse()
	if err := tree.Delete(ctx, tree.Root(), "/busy.txt", false); err != nil {
		t.Fatalf("Delete after release: %v", err)
	}
}

func TestRenameMovesEntry(t *testing.T) {
	fs := mustMountFAT32(t, 2048)
	ctx := context.Background()
	tree := NewTree(fs.Root())

	if _, err := tree.Mkdir(ctx, tree.Root(), "/dest"); err != nil {
		t.Fatalf("Mkdir dest: %v", err)
	}
	if _, err := tree.Open(ctx, tree.Root(), "/src.txt", O_CREAT, false); err != nil {
		t.Fatalf("Open create: %v", err)
	}
	if err := tree.Rename(ctx, "/src.txt", "/dest/moved.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := tree.Root().CdPath(ctx, "/src.txt"); err != inode.ENOENT {
		t.Fatalf("old path should be gone, got %v", err)
	}
	n, err := tree.Root().CdPath(ctx, "/dest/moved.txt")
	if err != nil {
		t.Fatalf("new path: %v", err)
	}
	if n.Name() != "moved.txt" {
		t.Fatalf("got name %q", n.Name())
	}
}

func TestRenameIntoOwnSubtreeFails(t *testing.T) {
	fs := mustMountFAT32(t, 2048)
	ctx := context.Background()
	tree := NewTree(fs.Root())

	if _, err := tree.Mkdir(ctx, tree.Root(), "/a"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := tree.Rename(ctx, "/a", "/a/b"); err != inode.EINVAL {
		t.Fatalf("expected EINVAL, got %v", err)
	}
}

func TestRenameCrossDeviceFails(t *testing.T) {
	fsA := mustMountFAT32(t, 2048)
	fsB := mustMountFAT32(t, 2048)
	ctx := context.Background()
	tree := NewTree(fsA.Root())

	// Graft fsB's root in as a subdirectory to simulate a second mounted
	// volume living under the same tree, the way a real mount namespace
	// would splice one filesystem's root into another's directory.
	if _, err := tree.AttachPseudo(ctx, tree.Root(), "other", fsB.Root()); err != nil {
		t.Fatalf("AttachPseudo: %v", err)
	}
	if _, err := tree.Open(ctx, tree.Root(), "/local.txt", O_CREAT, false); err != nil {
		t.Fatalf("Open create: %v", err)
	}
	if err := tree.Rename(ctx, "/local.txt", "/other/local.txt"); err != inode.EXDEV {
		t.Fatalf("expected EXDEV, got %v", err)
	}
}

func TestOOMSweepReturnsNonNegative(t *testing.T) {
	fs := mustMountFAT32(t, 2048)
	tree := NewTree(fs.Root())
	if freed := tree.OOM(); freed < 0 {
		t.Fatalf("OOM returned negative freed count: %d", freed)
	}
}

func TestBootstrapPopulatesWellKnownPaths(t *testing.T) {
	fs := mustMountFAT32(t, 2048)
	ctx := context.Background()
	tree := NewTree(fs.Root())

	if err := tree.Bootstrap(ctx, []MountRecord{{Source: "fat32-volume", Mountpoint: "/", FSType: "fat32", Options: "rw"}}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	for _, p := range []string{"/dev/null", "/dev/zero", "/dev/urandom", "/dev/tty", "/dev/misc/rtc", "/proc/meminfo", "/proc/mounts"} {
		if _, err := tree.Root().CdPath(ctx, p); err != nil {
			t.Fatalf("CdPath(%q): %v", p, err)
		}
	}
}
