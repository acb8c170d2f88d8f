package ext4

import (
	"time"

	"github.com/rvos-project/vfscore/blockdev"
)

// Format writes a minimal valid single-block-group ext4 volume: a
// superblock, one group descriptor, block/inode bitmaps, an inode table,
// and a root directory inode with '.'/'..' entries: the minimum Mount
// needs to succeed, mirroring fat32.Format's role.
func Format(dev blockdev.Device) error {
	totalBlocks := uint32(dev.SectorCount())
	const inodesPerGroup = 64
	const inodeSize = 128

	blockSize := uint32(blockdev.SectorSize)
	inodeTableBlocks := (inodesPerGroup*inodeSize + blockSize - 1) / blockSize

	// Layout matches GroupAllocator.gdtLocation's assumption that the
	// group descriptor table starts at FirstDataBlock+1: block 0 =
	// superblock, block 1 = GDT, block 2 = block bitmap, block 3 =
	// inode bitmap, blocks [4, 4+inodeTableBlocks) = inode table, first
	// data block immediately after.
	gdtBlock := uint32(1)
	blockBitmapBlock := uint32(2)
	inodeBitmapBlock := uint32(3)
	inodeTableBlock := uint32(4)
	firstFreeBlock := inodeTableBlock + inodeTableBlocks

	sb := Superblock{
		InodesCount:     inodesPerGroup,
		BlocksCountLo:   totalBlocks,
		FreeBlocksLo:    totalBlocks - firstFreeBlock - 1, // root directory's data block is in use
		FreeInodesCount: inodesPerGroup - 2,               // inode 1 is reserved, root is inode 2
		FirstDataBlock:  0,
		LogBlockSize:    1, // 1024 << 1 == blockdev.SectorSize
		BlocksPerGroup:  totalBlocks,
		InodesPerGroup:  inodesPerGroup,
		InodeSize:       inodeSize,
	}
	for i := range sb.UUID {
		sb.UUID[i] = byte(i*37 + 11)
	}

	sbImage := EncodeSuperblock(sb)
	block0 := make([]byte, blockSize)
	copy(block0[SuperblockOffset:], sbImage)
	if err := dev.WriteBlock(0, block0); err != nil {
		return err
	}

	var desc groupDesc
	desc.BlockBitmap = blockBitmapBlock
	desc.InodeBitmap = inodeBitmapBlock
	desc.InodeTable = inodeTableBlock
	desc.FreeBlocks = uint16(totalBlocks - firstFreeBlock - 1)
	desc.FreeInodes = inodesPerGroup - 2
	desc.UsedDirsCount = 1
	desc.Checksum = descChecksum(sb.UUID, 0, desc)
	gdtBuf := make([]byte, blockSize)
	encodeGroupDesc(desc, gdtBuf)
	if err := dev.WriteBlock(uint64(gdtBlock), gdtBuf); err != nil {
		return err
	}

	// Metadata blocks plus the root directory's data block at firstFreeBlock.
	blockBitmap := make([]byte, blockSize)
	for b := uint32(0); b <= firstFreeBlock; b++ {
		blockBitmap[b/8] |= 1 << (b % 8)
	}
	if err := dev.WriteBlock(uint64(blockBitmapBlock), blockBitmap); err != nil {
		return err
	}

	inodeBitmap := make([]byte, blockSize)
	inodeBitmap[0] |= 1 << 0 // inode 1 (reserved)
	inodeBitmap[0] |= 1 << 1 // inode 2 (root)
	if err := dev.WriteBlock(uint64(inodeBitmapBlock), inodeBitmap); err != nil {
		return err
	}

	for b := uint32(0); b < inodeTableBlocks; b++ {
		if err := dev.ClearBlock(uint64(inodeTableBlock+b), 0); err != nil {
			return err
		}
	}

	// Root directory: one data block holding '.' and '..', referenced
	// by a single-extent tree rooted in the root inode's own record.
	rootDataBlock := firstFreeBlock
	dirBlock := make([]byte, blockSize)
	dotLen := direntAlignedSize(1)
	encodeDirent(rawDirent{Inode: rootIno, RecLen: dotLen, NameLen: 1, FileType: ftDir, Name: "."}, dirBlock)
	encodeDirent(rawDirent{Inode: rootIno, RecLen: uint16(blockSize) - dotLen, NameLen: 2, FileType: ftDir, Name: ".."}, dirBlock[dotLen:])
	if err := dev.WriteBlock(uint64(rootDataBlock), dirBlock); err != nil {
		return err
	}

	var extRoot [60]byte
	InitEmpty(extRoot[:])
	putLeafEntry(extRoot[:], 0, Extent{First: 0, Len: 1, Start: uint64(rootDataBlock)})
	encodeExtHeader(extHeader{EntriesCount: 1, MaxEntries: rootMaxEntries, Depth: 0}, extRoot[:])

	now := uint32(time.Now().Unix())
	inodeRaw := make([]byte, inodeSize)
	encodeDiskInode(inodeRaw, 0o755|modeDir, int64(blockSize), 2, now, now, now, extRoot)
	tableBuf := make([]byte, blockSize)
	if err := dev.ReadBlock(uint64(inodeTableBlock), tableBuf); err != nil {
		return err
	}
	// Root inode (#2) is the second slot in the table (#1 is reserved).
	copy(tableBuf[inodeSize:2*inodeSize], inodeRaw)
	return dev.WriteBlock(uint64(inodeTableBlock), tableBuf)
}
