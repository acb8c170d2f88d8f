package vfs

import (
	"github.com/rvos-project/vfscore/blockdev"
	"github.com/rvos-project/vfscore/cache"
	"github.com/rvos-project/vfscore/ext4"
	"github.com/rvos-project/vfscore/fat32"
	"github.com/rvos-project/vfscore/inode"
	"github.com/rvos-project/vfscore/mm"
)

// Volume is one mounted on-disk filesystem: the root inode plus the
// format-independent handles the rest of the module wants (eviction and
// cache counters for the volume's metadata buffer cache).
type Volume struct {
	Tag   inode.Tag
	Root  inode.Inode
	stats func() cache.Stats
	oom   func() error
}

// Stats reports the volume's metadata buffer-cache counters.
func (v *Volume) Stats() cache.Stats { return v.stats() }

// OOM runs one eviction pass over the volume's metadata buffer cache.
func (v *Volume) OOM() error { return v.oom() }

// MountVolume probes dev and mounts whichever format it carries. ext4's
// 0xEF53 magic is checked before FAT32's boot signature: ext volumes may
// legally carry 0x55AA in their boot-sector embedding, so signature-first
// probing can misidentify them, while the reverse cannot happen.
func MountVolume(dev blockdev.Device, poolSize int, alloc mm.FrameAllocator, as mm.AddressSpace) (*Volume, error) {
	if ok, err := ext4.Probe(dev); err != nil {
		return nil, err
	} else if ok {
		fs, err := ext4.Mount(dev, poolSize, alloc, as)
		if err != nil {
			return nil, err
		}
		return &Volume{Tag: inode.TagExt4, Root: fs.Root(), stats: fs.Stats, oom: fs.OOM}, nil
	}
	if ok, err := fat32.Probe(dev); err != nil {
		return nil, err
	} else if ok {
		fs, err := fat32.Mount(dev, poolSize, alloc, as)
		if err != nil {
			return nil, err
		}
		return &Volume{Tag: inode.TagFAT32, Root: fs.Root(), stats: fs.Stats, oom: fs.OOM}, nil
	}
	return nil, inode.Corrupt("no recognizable filesystem on device")
}
