package ext4

import (
	"sync"
	"sync/atomic"

	"github.com/rvos-project/vfscore/blockdev"
	"github.com/rvos-project/vfscore/cache"
	"github.com/rvos-project/vfscore/inode"
	"github.com/rvos-project/vfscore/mm"
)

var nextFSID uint64

// rootIno is ext4's fixed root-directory inode number.
const rootIno = 2

// FS is one mounted ext4 volume: the shared buffer cache, superblock, and
// block-group allocator every Inode on the volume consults.
type FS struct {
	id    inode.FileSystem
	dev   blockdev.Device
	bc    *cache.BufferCache
	sb    *Superblock
	alloc *GroupAllocator
	mmAlloc mm.FrameAllocator
	as    mm.AddressSpace

	mu   sync.Mutex
	root *Inode
}

// Probe reports whether dev's superblock (offset 1024) carries the ext4
// 0xEF53 magic.
func Probe(dev blockdev.Device) (bool, error) {
	sector := make([]byte, blockdev.SectorSize)
	if err := dev.ReadBlock(0, sector); err != nil {
		return false, err
	}
	if len(sector) < SuperblockOffset+2+2 {
		return false, nil
	}
	magicBytes := sector[SuperblockOffset+magicOffset : SuperblockOffset+magicOffset+2]
	return magicBytes[0] == 0x53 && magicBytes[1] == 0xEF, nil
}

// Mount opens dev as an ext4 volume, parsing the superblock and building
// the shared buffer-cache/group-allocator pair.
func Mount(dev blockdev.Device, poolSize int, alloc mm.FrameAllocator, as mm.AddressSpace) (*FS, error) {
	sector := make([]byte, blockdev.SectorSize)
	if err := dev.ReadBlock(0, sector); err != nil {
		return nil, err
	}
	sb, err := ParseSuperblock(sector[SuperblockOffset : SuperblockOffset+superblockSize])
	if err != nil {
		return nil, err
	}

	bc := cache.NewBufferCache(dev, poolSize)
	ga := NewGroupAllocator(bc, &sb)

	fs := &FS{
		id:      inode.FileSystem{ID: atomic.AddUint64(&nextFSID, 1), Tag: inode.TagExt4},
		dev:     dev,
		bc:      bc,
		sb:      &sb,
		alloc:   ga,
		mmAlloc: alloc,
		as:      as,
	}
	root, err := fs.loadInode(rootIno, nil, "")
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
