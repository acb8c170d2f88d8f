// Package fat32 implements the FAT32 on-disk format driver: layout
// discovery from the BPB, FAT-table cluster-chain allocation, short/LFN
// directory entries, and an Inode satisfying the inode.Inode capability
// set. All metadata I/O routes through cache.BufferCache.
package fat32

import (
	"encoding/binary"

	"github.com/rvos-project/vfscore/blockdev"
	"github.com/rvos-project/vfscore/inode"
)

// BPB is the parsed BIOS Parameter Block, FAT32's on-disk superblock
// equivalent occupying sector 0. Field offsets follow Microsoft's
// published FAT32 layout.
type BPB struct {
	BytsPerSec uint16
	SecPerClus uint8
	RsvdSecCnt uint16
	NumFATs    uint8
	TotSec32   uint32
	FATSz32    uint32
	RootClus   uint32
	FSInfoSec  uint16
}

const (
	bpbSignatureOffset = 510
	sigByte0           = 0x55
	sigByte1           = 0xAA
)

// ParseBPB decodes a raw sector-0 image into a BPB, validating the
// 0x55 0xAA boot signature and that bytes-per-sector equals
// blockdev.SectorSize, the one geometry this module supports.
func ParseBPB(sector []byte) (BPB, error) {
	if len(sector) < 512 {
		return BPB{}, inode.Corrupt("fat32: sector 0 shorter than 512 bytes")
	}
	if sector[bpbSignatureOffset] != sigByte0 || sector[bpbSignatureOffset+1] != sigByte1 {
		return BPB{}, inode.Corrupt("fat32: missing 0x55AA boot signature")
	}
	b := BPB{
		BytsPerSec: binary.LittleEndian.Uint16(sector[11:13]),
		SecPerClus: sector[13],
		RsvdSecCnt: binary.LittleEndian.Uint16(sector[14:16]),
		NumFATs:    sector[16],
		TotSec32:   binary.LittleEndian.Uint32(sector[32:36]),
		FATSz32:    binary.LittleEndian.Uint32(sector[36:40]),
		RootClus:   binary.LittleEndian.Uint32(sector[44:48]),
		FSInfoSec:  binary.LittleEndian.Uint16(sector[48:50]),
	}
	if b.BytsPerSec != blockdev.SectorSize {
		return BPB{}, inode.Corrupt("fat32: bytes-per-sector does not match device sector size")
	}
	if b.SecPerClus == 0 || (b.SecPerClus&(b.SecPerClus-1)) != 0 {
		return BPB{}, inode.Corrupt("fat32: sectors-per-cluster is not a power of two")
	}
	if b.NumFATs == 0 {
		return BPB{}, inode.Corrupt("fat32: zero FAT copies")
	}
	if b.RootClus < 2 {
		return BPB{}, inode.Corrupt("fat32: root cluster below first valid data cluster")
	}
	return b, nil
}

// EncodeBPB serializes b into a fresh 512-byte sector-0 image, writing a
// placeholder jump/OEM header and terminal boot signature. Used by
// Format (mkfs).
func EncodeBPB(b BPB) []byte {
	sector := make([]byte, 512)
	sector[0], sector[1], sector[2] = 0xEB, 0x58, 0x90
	copy(sector[3:11], []byte("VFSCORE "))
	binary.LittleEndian.PutUint16(sector[11:13], b.BytsPerSec)
	sector[13] = b.SecPerClus
	binary.LittleEndian.PutUint16(sector[14:16], b.RsvdSecCnt)
	sector[16] = b.NumFATs
	binary.LittleEndian.PutUint32(sector[32:36], b.TotSec32)
	binary.LittleEndian.PutUint32(sector[36:40], b.FATSz32)
	binary.LittleEndian.PutUint32(sector[44:48], b.RootClus)
	binary.LittleEndian.PutUint16(sector[48:50], b.FSInfoSec)
	sector[66] = 0x29 // BS_BootSig, extended boot signature present
	copy(sector[82:90], []byte("FAT32   "))
	sector[bpbSignatureOffset] = sigByte0
	sector[bpbSignatureOffset+1] = sigByte1
	return sector
}

// Layout holds the derived, constant-for-the-volume geometry computed
// once at mount and reused on every cluster/sector translation.
type Layout struct {
	BPB
	FirstDataSector uint32
	TotalClusters   uint32
}

// NewLayout derives a Layout from a validated BPB.
func NewLayout(b BPB) Layout {
	fatRegionSectors := uint32(b.NumFATs) * b.FATSz32
	firstData := uint32(b.RsvdSecCnt) + fatRegionSectors
	dataSectors := b.TotSec32 - firstData
	totalClusters := dataSectors / uint32(b.SecPerClus)
	return Layout{BPB: b, FirstDataSector: firstData, TotalClusters: totalClusters}
}

// ClusterSize is the number of bytes backing one cluster.
func (l Layout) ClusterSize() uint32 { return uint32(l.BytsPerSec) * uint32(l.SecPerClus) }

// FirstSectorOfCluster maps a cluster id (>= 2) to its first device sector.
func (l Layout) FirstSectorOfCluster(clus uint32) uint64 {
	offset := (clus - 2) * uint32(l.SecPerClus)
	return uint64(l.FirstDataSector + offset)
}

// SectorsOfCluster returns every sector id backing clus, in order.
func (l Layout) SectorsOfCluster(clus uint32) []uint64 {
	first := l.FirstSectorOfCluster(clus)
	out := make([]uint64, l.SecPerClus)
	for i := range out {
		out[i] = first + uint64(i)
	}
	return out
}
