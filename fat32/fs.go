package fat32

import (
	"sync"
	"sync/atomic"

	"github.com/rvos-project/vfscore/blockdev"
	"github.com/rvos-project/vfscore/cache"
	"github.com/rvos-project/vfscore/inode"
	"github.com/rvos-project/vfscore/mm"
)

var nextFSID uint64

// FS is one mounted FAT32 volume: the shared buffer cache, FAT table, and
// derived layout every Inode on the volume consults.
type FS struct {
	id     inode.FileSystem
	dev    blockdev.Device
	bc     *cache.BufferCache
	fat    *Fat
	layout Layout
	alloc  mm.FrameAllocator
	as     mm.AddressSpace

	mu   sync.Mutex
	root *Inode
}

// Probe reports whether dev's sector 0 carries the FAT32 0x55AA boot
// signature.
func Probe(dev blockdev.Device) (bool, error) {
	sector := make([]byte, blockdev.SectorSize)
	if err := dev.ReadBlock(0, sector); err != nil {
		return false, err
	}
	return sector[bpbSignatureOffset] == sigByte0 && sector[bpbSignatureOffset+1] == sigByte1, nil
}

// Mount opens dev as a FAT32 volume, parsing the BPB and building the
// shared buffer-cache/FAT-table/layout trio. poolSize sizes the shared
// metadata buffer cache; alloc/as back every Inode's page cache.
func Mount(dev blockdev.Device, poolSize int, alloc mm.FrameAllocator, as mm.AddressSpace) (*FS, error) {
	sector := make([]byte, blockdev.SectorSize)
	if err := dev.ReadBlock(0, sector); err != nil {
		return nil, err
	}
	bpb, err := ParseBPB(sector)
	if err != nil {
		return nil, err
	}
	layout := NewLayout(bpb)
	bc := cache.NewBufferCache(dev, poolSize)
	fat := NewFat(bc, layout)

	fs := &FS{
		id:     inode.FileSystem{ID: atomic.AddUint64(&nextFSID, 1), Tag: inode.TagFAT32},
		dev:    dev,
		bc:     bc,
		fat:    fat,
		layout: layout,
		alloc:  alloc,
		as:     as,
	}
	root, err := fs.newInode(bpb.RootClus, inode.KindDir, 0, nil, "")
	if err != nil {
		return nil, err
	}
	fs.root = root
	return fs, nil
}

// Root returns the volume's root directory inode.
func (fs *FS) Root() *Inode { return fs.root }

// Stats exposes the shared metadata buffer cache's counters.
func (fs *FS) Stats() cache.Stats { return fs.bc.Stats() }

// OOM runs one eviction pass over the volume's shared metadata cache.
func (fs *FS) OOM() error { return fs.bc.OOM() }
