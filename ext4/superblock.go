// Package ext4 implements the ext4 on-disk format driver:
// superblock/block-group layout discovery, bitmap allocation,
// extent-tree file mapping, and variable-length directory entries,
// behind an Inode satisfying the inode.Inode capability set.
package ext4

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/rvos-project/vfscore/blockdev"
	"github.com/rvos-project/vfscore/inode"
)

const (
	// SuperblockOffset is the byte offset of the superblock within the
	// volume.
	SuperblockOffset = 1024
	magicExt4        = 0xEF53
	magicOffset      = 56 // offset of s_magic within the superblock struct
	checksumOffset   = 1020
	superblockSize   = 1024
)

// Superblock is the subset of ext4's on-disk superblock this driver
// needs, field offsets matching Linux's struct ext4_super_block.
type Superblock struct {
	InodesCount      uint32
	BlocksCountLo    uint32
	FreeBlocksLo     uint32
	FreeInodesCount  uint32
	FirstDataBlock   uint32
	LogBlockSize     uint32
	BlocksPerGroup   uint32
	InodesPerGroup   uint32
	InodeSize        uint16
	DescSize         uint16
	UUID             [16]byte
}

// BlockSize is derived as 1024 << LogBlockSize; Mount rejects anything
// other than blockdev.SectorSize.
func (s Superblock) BlockSize() uint32 { return 1024 << s.LogBlockSize }

func (s Superblock) descSize() uint16 {
	if s.DescSize == 0 {
		return 32
	}
	return s.DescSize
}

// GroupCount computes ⌈total_blocks / blocks_per_group⌉.
func (s Superblock) GroupCount() uint32 {
	return (s.BlocksCountLo + s.BlocksPerGroup - 1) / s.BlocksPerGroup
}

var sbFieldOffsets = struct {
	inodesCount, blocksCountLo, freeBlocksLo, freeInodesCount, firstDataBlock,
	logBlockSize, blocksPerGroup, inodesPerGroup, magic, inodeSize, descSize int
}{
	inodesCount:     0,
	blocksCountLo:   4,
	freeBlocksLo:    12,
	freeInodesCount: 16,
	firstDataBlock:  20,
	logBlockSize:    24,
	blocksPerGroup:  32,
	inodesPerGroup:  40,
	magic:           56,
	inodeSize:       88,
	descSize:        254,
}

// ParseSuperblock decodes a 1024-byte superblock image, validating the
// 0xEF53 magic and the block-size invariant, and its CRC-32C over the
// first 1020 bytes when a nonzero checksum is present.
func ParseSuperblock(raw []byte) (Superblock, error) {
	if len(raw) < superblockSize {
		return Superblock{}, inode.Corrupt("ext4: superblock shorter than 1024 bytes")
	}
	magic := binary.LittleEndian.Uint16(raw[sbFieldOffsets.magic:])
	if magic != magicExt4 {
		return Superblock{}, inode.Corrupt("ext4: bad superblock magic")
	}
	stored := binary.LittleEndian.Uint32(raw[checksumOffset:])
	if stored != 0 {
		if got := crc32.Checksum(raw[:checksumOffset], crc32.MakeTable(crc32.Castagnoli)); got != stored {
			return Superblock{}, inode.Corrupt("ext4: superblock CRC-32C mismatch")
		}
	}
	sb := Superblock{
		InodesCount:     binary.LittleEndian.Uint32(raw[sbFieldOffsets.inodesCount:]),
		BlocksCountLo:   binary.LittleEndian.Uint32(raw[sbFieldOffsets.blocksCountLo:]),
		FreeBlocksLo:    binary.LittleEndian.Uint32(raw[sbFieldOffsets.freeBlocksLo:]),
		FreeInodesCount: binary.LittleEndian.Uint32(raw[sbFieldOffsets.freeInodesCount:]),
		FirstDataBlock:  binary.LittleEndian.Uint32(raw[sbFieldOffsets.firstDataBlock:]),
		LogBlockSize:    binary.LittleEndian.Uint32(raw[sbFieldOffsets.logBlockSize:]),
		BlocksPerGroup:  binary.LittleEndian.Uint32(raw[sbFieldOffsets.blocksPerGroup:]),
		InodesPerGroup:  binary.LittleEndian.Uint32(raw[sbFieldOffsets.inodesPerGroup:]),
		InodeSize:       binary.LittleEndian.Uint16(raw[sbFieldOffsets.inodeSize:]),
		DescSize:        binary.LittleEndian.Uint16(raw[sbFieldOffsets.descSize:]),
	}
	copy(sb.UUID[:], raw[104:120])
	if sb.BlockSize() != blockdev.SectorSize {
		return Superblock{}, inode.Corrupt("ext4: block size does not match device sector size")
	}
	if sb.BlocksPerGroup == 0 || sb.InodesPerGroup == 0 {
		return Superblock{}, inode.Corrupt("ext4: zero blocks/inodes per group")
	}
	return sb, nil
}

// EncodeSuperblock serializes sb into a fresh 1024-byte image and stamps
// its CRC-32C, for use by Format.
func EncodeSuperblock(sb Superblock) []byte {
	raw := make([]byte, superblockSize)
	binary.LittleEndian.PutUint32(raw[sbFieldOffsets.inodesCount:], sb.InodesCount)
	binary.LittleEndian.PutUint32(raw[sbFieldOffsets.blocksCountLo:], sb.BlocksCountLo)
	binary.LittleEndian.PutUint32(raw[sbFieldOffsets.freeBlocksLo:], sb.FreeBlocksLo)
	binary.LittleEndian.PutUint32(raw[sbFieldOffsets.freeInodesCount:], sb.FreeInodesCount)
	binary.LittleEndian.PutUint32(raw[sbFieldOffsets.firstDataBlock:], sb.FirstDataBlock)
	binary.LittleEndian.PutUint32(raw[sbFieldOffsets.logBlockSize:], sb.LogBlockSize)
	binary.LittleEndian.PutUint32(raw[sbFieldOffsets.blocksPerGroup:], sb.BlocksPerGroup)
	binary.LittleEndian.PutUint32(raw[sbFieldOffsets.inodesPerGroup:], sb.InodesPerGroup)
	binary.LittleEndian.PutUint16(raw[sbFieldOffsets.magic:], magicExt4)
	binary.LittleEndian.PutUint16(raw[sbFieldOffsets.inodeSize:], sb.InodeSize)
	binary.LittleEndian.PutUint16(raw[sbFieldOffsets.descSize:], sb.descSize())
	copy(raw[104:120], sb.UUID[:])
	csum := crc32.Checksum(raw[:checksumOffset], crc32.MakeTable(crc32.Castagnoli))
	binary.LittleEndian.PutUint32(raw[checksumOffset:], csum)
	return raw
}
