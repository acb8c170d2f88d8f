package ext4

import (
	"context"
	"encoding/binary"

	"github.com/rvos-project/vfscore/inode"
)

// Variable-length directory entry layout:
// inode(4) rec_len(2) name_len(1) file_type(1) name(...),
// records 4-byte aligned, the final record in a block stretching to the
// block's end. A dir-entry tail record (reserved_ft=0xDE sentinel,
// checksum at the last 4 bytes) occupies the final 12 bytes of each leaf
// block when present.
const (
	direntHeaderSize = 8
	direntTailFT     = 0xDE
	direntTailSize   = 12
)

const (
	ftUnknown = 0
	ftRegular = 1
	ftDir     = 2
)

type rawDirent struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
	Name     string
}

func decodeDirent(raw []byte) (rawDirent, error) {
	if len(raw) < direntHeaderSize {
		return rawDirent{}, inode.Corrupt("ext4: directory entry shorter than header")
	}
	d := rawDirent{
		Inode:    binary.LittleEndian.Uint32(raw[0:4]),
		RecLen:   binary.LittleEndian.Uint16(raw[4:6]),
		NameLen:  raw[6],
		FileType: raw[7],
	}
	if int(d.RecLen) < direntHeaderSize || int(d.RecLen) > len(raw) {
		return rawDirent{}, inode.Corrupt("ext4: directory entry rec_len out of range")
	}
	if d.FileType != direntTailFT {
		end := direntHeaderSize + int(d.NameLen)
		if end > len(raw) {
			return rawDirent{}, inode.Corrupt("ext4: directory entry name overruns record")
		}
		d.Name = string(raw[direntHeaderSize:end])
	}
	return d, nil
}

func encodeDirent(d rawDirent, raw []byte) {
	binary.LittleEndian.PutUint32(raw[0:4], d.Inode)
	binary.LittleEndian.PutUint16(raw[4:6], d.RecLen)
	raw[6] = d.NameLen
	raw[7] = d.FileType
	copy(raw[direntHeaderSize:], []byte(d.Name))
}

// direntAlignedSize rounds a name's minimal record size up to the 4-byte
// boundary the on-disk format requires.
func direntAlignedSize(nameLen int) uint16 {
	n := direntHeaderSize + nameLen
	return uint16((n + 3) &^ 3)
}

// enumerateDir walks one directory's content (addressed through its own
// Inode ReadAt, block by block) and returns every live entry, skipping
// deleted slots (inode == 0) and the trailing checksum tail record.
func enumerateDir(ctx context.Context, dirInode *Inode) ([]rawDirent, error) {
	blockSize := int(dirInode.fs.sb.BlockSize())
	size := dirInode.size
	var out []rawDirent
	buf := make([]byte, blockSize)
	for off := int64(0); off < size; off += int64(blockSize) {
		n, err := dirInode.ReadAt(ctx, off, buf)
		if err != nil {
			return nil, err
		}
		block := buf[:n]
		pos := 0
		for pos+direntHeaderSize <= len(block) {
			d, err := decodeDirent(block[pos:])
			if err != nil {
				return nil, err
			}
			if d.RecLen == 0 {
				break
			}
			if d.FileType != direntTailFT && d.Inode != 0 {
				out = append(out, d)
			}
			pos += int(d.RecLen)
		}
	}
	return out, nil
}

// findGap scans for a slot inside dirInode's content able to hold
// needed bytes, either a deleted entry with enough slack or trailing
// free space at the end of a live entry's over-sized rec_len. Returns
// the byte offset of the entry record to rewrite and whether a new
// block must be appended instead.
func findGap(ctx context.Context, dirInode *Inode, needed uint16) (blockOff int64, entOff int, ok bool, err error) {
	blockSize := int(dirInode.fs.sb.BlockSize())
	size := dirInode.size
	buf := make([]byte, blockSize)
	for bOff := int64(0); bOff < size; bOff += int64(blockSize) {
		n, rerr := dirInode.ReadAt(ctx, bOff, buf)
		if rerr != nil {
			return 0, 0, false, rerr
		}
		block := buf[:n]
		pos := 0
		for pos+direntHeaderSize <= len(block) {
			d, derr := decodeDirent(block[pos:])
			if derr != nil {
				return 0, 0, false, derr
			}
			if d.RecLen == 0 {
				break
			}
			if d.FileType != direntTailFT {
				if d.Inode == 0 && d.RecLen >= needed {
					return bOff, pos, true, nil
				}
				actual := direntAlignedSize(int(d.NameLen))
				if d.Inode != 0 && d.RecLen >= actual+needed {
					return bOff, pos, true, nil
				}
			}
			pos += int(d.RecLen)
		}
	}
	return 0, 0, false, nil
}

// insertDirent places (ino, name, fileType) into dirInode, splitting a
// gap record when reusing trailing slack, or appending a fresh block
// sized to the directory's block size when no gap is big enough.
func insertDirent(ctx context.Context, dirInode *Inode, ino uint32, name string, fileType uint8) error {
	needed := direntAlignedSize(len(name))
	blockSize := int64(dirInode.fs.sb.BlockSize())

	bOff, entOff, ok, err := findGap(ctx, dirInode, needed)
	if err != nil {
		return err
	}
	buf := make([]byte, blockSize)
	if ok {
		if _, err := dirInode.ReadAt(ctx, bOff, buf); err != nil {
			return err
		}
		existing, err := decodeDirent(buf[entOff:])
		if err != nil {
			return err
		}
		if existing.Inode == 0 {
			encodeDirent(rawDirent{Inode: ino, RecLen: existing.RecLen, NameLen: uint8(len(name)), FileType: fileType, Name: name}, buf[entOff:])
		} else {
			actual := direntAlignedSize(int(existing.NameLen))
			remain := existing.RecLen - actual
			encodeDirent(rawDirent{Inode: existing.Inode, RecLen: actual, NameLen: existing.NameLen, FileType: existing.FileType, Name: existing.Name}, buf[entOff:])
			encodeDirent(rawDirent{Inode: ino, RecLen: remain, NameLen: uint8(len(name)), FileType: fileType, Name: name}, buf[entOff+int(actual):])
		}
		_, err = dirInode.WriteAt(ctx, bOff, buf)
		return err
	}

	// No gap: append a new block whose single entry spans it.
	newOff := dirInode.size
	for i := range buf {
		buf[i] = 0
	}
	encodeDirent(rawDirent{Inode: ino, RecLen: uint16(blockSize), NameLen: uint8(len(name)), FileType: fileType, Name: name}, buf)
	_, err = dirInode.WriteAt(ctx, newOff, buf)
	return err
}

// removeDirent zeroes the named entry's inode field, leaving its rec_len
// so later inserts can reclaim the slot. Adjacent gaps are not coalesced;
// fragmentation at this scale of directory only loses a few bytes per
// delete.
func removeDirent(ctx context.Context, dirInode *Inode, name string) error {
	blockSize := int64(dirInode.fs.sb.BlockSize())
	size := dirInode.size
	buf := make([]byte, blockSize)
	for bOff := int64(0); bOff < size; bOff += blockSize {
		n, err := dirInode.ReadAt(ctx, bOff, buf)
		if err != nil {
			return err
		}
		block := buf[:n]
		pos := 0
		for pos+direntHeaderSize <= len(block) {
			d, err := decodeDirent(block[pos:])
			if err != nil {
				return err
			}
			if d.RecLen == 0 {
				break
			}
			if d.FileType != direntTailFT && d.Inode != 0 && d.Name == name {
				binary.LittleEndian.PutUint32(block[pos:pos+4], 0)
				_, err := dirInode.WriteAt(ctx, bOff, block)
				return err
			}
			pos += int(d.RecLen)
		}
	}
	return inode.ENOENT
}

func lookupDirent(ctx context.Context, dirInode *Inode, name string) (rawDirent, bool, error) {
	ents, err := enumerateDir(ctx, dirInode)
	if err != nil {
		return rawDirent{}, false, err
	}
	for _, d := range ents {
		if d.Name == name {
			return d, true, nil
		}
	}
	return rawDirent{}, false, nil
}
