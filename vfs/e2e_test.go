package vfs

import (
	"context"
	"sort"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"github.com/rvos-project/vfscore/blockdev"
	"github.com/rvos-project/vfscore/ext4"
	"github.com/rvos-project/vfscore/fat32"
	"github.com/rvos-project/vfscore/inode"
	"github.com/rvos-project/vfscore/mm"
)

// listing snapshots a directory as name->kind, for diffable comparisons
// across remounts.
func listing(t *testing.T, n *Node) map[string]string {
	t.Helper()
	entries, err := n.File().ListChildren(context.Background())
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		kind := "file"
		if e.Kind == inode.KindDir {
			kind = "dir"
		}
		out[e.Name] = kind
	}
	return out
}

func TestProbeOrderPicksRightDriver(t *testing.T) {
	alloc := mm.NewPoolAllocator(64)
	as := mm.NewMemAddressSpace()

	fatDev := blockdev.NewMemDevice(2048)
	if err := fat32.Format(fatDev, 1); err != nil {
		t.Fatalf("fat32.Format: %v", err)
	}
	vol, err := MountVolume(fatDev, 32, alloc, as)
	if err != nil {
		t.Fatalf("MountVolume(fat): %v", err)
	}
	if vol.Tag != inode.TagFAT32 {
		t.Fatalf("got tag %v, want fat32", vol.Tag)
	}

	extDev := blockdev.NewMemDevice(2048)
	if err := ext4.Format(extDev); err != nil {
		t.Fatalf("ext4.Format: %v", err)
	}
	vol, err = MountVolume(extDev, 32, alloc, as)
	if err != nil {
		t.Fatalf("MountVolume(ext4): %v", err)
	}
	if vol.Tag != inode.TagExt4 {
		t.Fatalf("got tag %v, want ext4", vol.Tag)
	}

	if _, err := MountVolume(blockdev.NewMemDevice(64), 32, alloc, as); err == nil {
		t.Fatal("MountVolume on a blank device should fail")
	}
}

// Root enumeration after a remount sees exactly the entries created
// through the first mount, on both formats.
func TestRemountEnumeratesSameTree(t *testing.T) {
	for _, format := range []struct {
		name string
		mkfs func(dev blockdev.Device) error
	}{
		{"fat32", func(dev blockdev.Device) error { return fat32.Format(dev, 1) }},
		{"ext4", ext4.Format},
	} {
		t.Run(format.name, func(t *testing.T) {
			dev := blockdev.NewMemDevice(4096)
			if err := format.mkfs(dev); err != nil {
				t.Fatalf("Format: %v", err)
			}
			alloc := mm.NewPoolAllocator(128)
			as := mm.NewMemAddressSpace()
			ctx := context.Background()

			vol, err := MountVolume(dev, 32, alloc, as)
			if err != nil {
				t.Fatalf("MountVolume: %v", err)
			}
			tree := NewTree(vol.Root)
			n, err := tree.Open(ctx, tree.Root(), "/busybox", O_CREAT|O_RDWR, false)
			if err != nil {
				t.Fatalf("create /busybox: %v", err)
			}
			if _, err := n.File().WriteAt(ctx, 0, []byte("\x7fELF")); err != nil {
				t.Fatalf("write /busybox: %v", err)
			}
			if _, err := tree.Mkdir(ctx, tree.Root(), "/etc"); err != nil {
				t.Fatalf("mkdir /etc: %v", err)
			}
			before := listing(t, tree.Root())

			// Flush both cache tiers so the remount reads committed
			// on-disk state, then remount the same device fresh; the
			// tree must enumerate identically from disk alone.
			for tree.OOM() > 0 {
			}
			for i := 0; i < 2; i++ {
				if err := vol.OOM(); err != nil {
					t.Fatalf("buffer cache flush: %v", err)
				}
			}
			vol2, err := MountVolume(dev, 32, alloc, as)
			if err != nil {
				t.Fatalf("remount: %v", err)
			}
			tree2 := NewTree(vol2.Root)
			after := listing(t, tree2.Root())
			if diff := pretty.Compare(before, after); diff != "" {
				t.Fatalf("listing changed across remount (-before +after):\n%s", diff)
			}
			n2, err := tree2.Open(ctx, tree2.Root(), "/busybox", O_RDONLY, false)
			if err != nil {
				t.Fatalf("open /busybox after remount: %v", err)
			}
			buf := make([]byte, 4)
			if _, err := n2.File().ReadAt(ctx, 0, buf); err != nil {
				t.Fatalf("read /busybox after remount: %v", err)
			}
			if string(buf) != "\x7fELF" {
				t.Fatalf("content after remount = %q", buf)
			}
		})
	}
}

// File content persists across unmount/remount on ext4.
func TestExt4ContentPersistsAcrossRemount(t *testing.T) {
	dev := blockdev.NewMemDevice(4096)
	if err := ext4.Format(dev); err != nil {
		t.Fatalf("Format: %v", err)
	}
	alloc := mm.NewPoolAllocator(128)
	as := mm.NewMemAddressSpace()
	ctx := context.Background()

	vol, err := MountVolume(dev, 32, alloc, as)
	if err != nil {
		t.Fatalf("MountVolume: %v", err)
	}
	tree := NewTree(vol.Root)
	n, err := tree.Open(ctx, tree.Root(), "/hello", O_CREAT|O_RDWR, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := n.File().WriteAt(ctx, 0, []byte("hi\n")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	// Dirty pages live in the page cache until eviction; drain both tiers
	// before the "remount" so the second mount reads committed state.
	for tree.OOM() > 0 {
	}
	if err := vol.OOM(); err != nil {
		t.Fatalf("buffer cache flush: %v", err)
	}
	if err := vol.OOM(); err != nil {
		t.Fatalf("buffer cache flush: %v", err)
	}

	vol2, err := MountVolume(dev, 32, alloc, as)
	if err != nil {
		t.Fatalf("remount: %v", err)
	}
	tree2 := NewTree(vol2.Root)
	n2, err := tree2.Open(ctx, tree2.Root(), "/hello", O_RDONLY, false)
	if err != nil {
		t.Fatalf("Open after remount: %v", err)
	}
	buf := make([]byte, 3)
	if _, err := n2.File().ReadAt(ctx, 0, buf); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "hi\n" {
		t.Fatalf("read %q, want %q", buf, "hi\n")
	}
}

// O_CREAT opens an existing bootstrap file; adding O_EXCL makes the
// same open fail.
func TestProcMeminfoCreatExcl(t *testing.T) {
	fs := mustMountFAT32(t, 2048)
	ctx := context.Background()
	tree := NewTree(fs.Root())
	if err := tree.Bootstrap(ctx, nil); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if _, err := tree.Open(ctx, tree.Root(), "/proc/meminfo", O_CREAT, false); err != nil {
		t.Fatalf("O_CREAT on existing: %v", err)
	}
	if _, err := tree.Open(ctx, tree.Root(), "/proc/meminfo", O_CREAT|O_EXCL, false); err != inode.EEXIST {
		t.Fatalf("expected EEXIST, got %v", err)
	}
}

// /dev/null swallows writes and reads as EOF.
func TestDevNullSemantics(t *testing.T) {
	fs := mustMountFAT32(t, 2048)
	ctx := context.Background()
	tree := NewTree(fs.Root())
	if err := tree.Bootstrap(ctx, nil); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	n, err := tree.Open(ctx, tree.Root(), "/dev/null", O_RDWR, false)
	if err != nil {
		t.Fatalf("Open /dev/null: %v", err)
	}
	wrote, err := n.File().WriteAt(ctx, 0, make([]byte, 4096))
	if err != nil || wrote != 4096 {
		t.Fatalf("WriteAt = %d, %v; want 4096, nil", wrote, err)
	}
	got, err := n.File().ReadAt(ctx, 0, make([]byte, 1))
	if err != nil || got != 0 {
		t.Fatalf("ReadAt = %d, %v; want 0, nil", got, err)
	}
}

// Path normalization, including the escape-above-root case.
func TestPathNormalization(t *testing.T) {
	fs := mustMountFAT32(t, 2048)
	ctx := context.Background()
	tree := NewTree(fs.Root())

	if _, err := tree.Mkdir(ctx, tree.Root(), "/a"); err != nil {
		t.Fatalf("Mkdir /a: %v", err)
	}
	if _, err := tree.Mkdir(ctx, tree.Root(), "/a/b"); err != nil {
		t.Fatalf("Mkdir /a/b: %v", err)
	}
	if _, err := tree.Mkdir(ctx, tree.Root(), "/a/c"); err != nil {
		t.Fatalf("Mkdir /a/c: %v", err)
	}
	if _, err := tree.Open(ctx, tree.Root(), "/x", O_CREAT, false); err != nil {
		t.Fatalf("create /x: %v", err)
	}

	n, err := tree.Root().CdPath(ctx, "/a/./b/../c")
	if err != nil {
		t.Fatalf("CdPath: %v", err)
	}
	if got := n.GetCwd(); got != "/a/c" {
		t.Fatalf("resolved to %q, want /a/c", got)
	}

	// ".." above the root clamps at the root rather than escaping it.
	n, err = tree.Root().CdPath(ctx, "/../x")
	if err != nil {
		t.Fatalf("CdPath /../x: %v", err)
	}
	if got := n.GetCwd(); got != "/x" {
		t.Fatalf("resolved to %q, want /x", got)
	}
}

// After a rename the moved node keeps its inode identity.
func TestRenamePreservesInodeIdentity(t *testing.T) {
	fs := mustMountFAT32(t, 2048)
	ctx := context.Background()
	tree := NewTree(fs.Root())

	if _, err := tree.Mkdir(ctx, tree.Root(), "/a"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := tree.Mkdir(ctx, tree.Root(), "/b"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	n, err := tree.Open(ctx, tree.Root(), "/a/f", O_CREAT, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	before := n.File()

	if err := tree.Rename(ctx, "/a/f", "/b/g"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	moved, err := tree.Root().CdPath(ctx, "/b/g")
	if err != nil {
		t.Fatalf("CdPath: %v", err)
	}
	if moved.File() != before {
		t.Fatal("rename changed the inode identity")
	}
}

// The tracker vector compacts once half its entries are dead.
func TestTrackerCompaction(t *testing.T) {
	fs := mustMountFAT32(t, 4096)
	ctx := context.Background()
	tree := NewTree(fs.Root())

	var names []string
	for _, c := range "abcdefgh" {
		name := "/" + string(c)
		if _, err := tree.Open(ctx, tree.Root(), name, O_CREAT, false); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := tree.Delete(ctx, tree.Root(), name, false); err != nil {
			t.Fatalf("delete %s: %v", name, err)
		}
	}

	tree.trackMu.Lock()
	defer tree.trackMu.Unlock()
	for _, n := range tree.tracked {
		if !n.isAlive() {
			t.Fatal("dead node survived compaction")
		}
	}
}
