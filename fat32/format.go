package fat32

import (
	"github.com/rvos-project/vfscore/blockdev"
	"github.com/rvos-project/vfscore/inode"
)

// Format writes a minimal but valid FAT32 filesystem to dev: a BPB, one
// FAT table with the root directory's chain marked EOC, and a zeroed root
// directory cluster: the minimum Mount needs to succeed, so tests and
// vfsctl can produce a volume without external tooling.
func Format(dev blockdev.Device, secPerClus uint8) error {
	totalSectors := dev.SectorCount()
	if totalSectors < 64 {
		return inode.EINVAL
	}
	const numFATs = 1
	const rsvdSecCnt = 32

	// Conservative FAT size: one 32-bit entry per cluster, rounded up to
	// whole sectors; iterate once since growing the FAT shrinks the data
	// region (and thus total clusters) only slightly for reasonable sizes.
	dataSectorsGuess := uint32(totalSectors) - rsvdSecCnt
	clusterGuess := dataSectorsGuess / uint32(secPerClus)
	fatBytes := clusterGuess * 4
	fatSz32 := (fatBytes + blockdev.SectorSize - 1) / blockdev.SectorSize
	if fatSz32 == 0 {
		fatSz32 = 1
	}

	bpb := BPB{
		BytsPerSec: blockdev.SectorSize,
		SecPerClus: secPerClus,
		RsvdSecCnt: rsvdSecCnt,
		NumFATs:    numFATs,
		TotSec32:   uint32(totalSectors),
		FATSz32:    fatSz32,
		RootClus:   2,
		FSInfoSec:  1,
	}
	sector0 := make([]byte, blockdev.SectorSize)
	copy(sector0, EncodeBPB(bpb))
	if err := dev.WriteBlock(0, sector0); err != nil {
		return err
	}

	layout := NewLayout(bpb)
	if layout.TotalClusters < 3 {
		return inode.EINVAL
	}

	// Zero every FAT sector, then mark clusters 0/1 reserved and the root
	// directory's single cluster as an EOC-terminated chain of length 1.
	zero := make([]byte, blockdev.SectorSize)
	for s := uint64(0); s < uint64(fatSz32); s++ {
		if err := dev.WriteBlock(uint64(rsvdSecCnt)+s, zero); err != nil {
			return err
		}
	}
	fatSector0 := make([]byte, blockdev.SectorSize)
	putFATEntry(fatSector0, 0, 0x0FFFFFF8)
	putFATEntry(fatSector0, 1, EOC)
	putFATEntry(fatSector0, 2, EOC)
	if err := dev.WriteBlock(uint64(rsvdSecCnt), fatSector0); err != nil {
		return err
	}

	for _, sec := range layout.SectorsOfCluster(2) {
		if err := dev.ClearBlock(sec, 0); err != nil {
			return err
		}
	}
	return nil
}

func putFATEntry(sector []byte, clus uint32, value uint32) {
	off := clus * 4
	sector[off] = byte(value)
	sector[off+1] = byte(value >> 8)
	sector[off+2] = byte(value >> 16)
	sector[off+3] = byte(value >> 24)
}
