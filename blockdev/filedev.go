package blockdev

import (
	"os"
	"sync"
)

// FileDevice backs a Device with a regular host file, the shape
// cmd/vfsctl uses to mount a pre-built FAT32/ext4 image from disk.
type FileDevice struct {
	mu sync.Mutex
	f  *os.File
}

// OpenFileDevice opens path for read/write use as a block device. The file
// must already exist and be a multiple of SectorSize long.
func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &FileDevice{f: f}, nil
}

// CreateFileDevice creates (or truncates) path to hold sectors sectors,
// for use by fat32.Format/ext4.Format.
func CreateFileDevice(path string, sectors uint64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(sectors) * SectorSize); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{f: f}, nil
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

func (d *FileDevice) SectorCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, err := d.f.Stat()
	if err != nil {
		return 0
	}
	return uint64(info.Size()) / SectorSize
}

func (d *FileDevice) ReadBlock(id uint64, buf []byte) error {
	if err := checkLen(buf); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.ReadAt(buf, int64(id)*SectorSize)
	return err
}

func (d *FileDevice) WriteBlock(id uint64, buf []byte) error {
	if err := checkLen(buf); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.WriteAt(buf, int64(id)*SectorSize)
	return err
}

func (d *FileDevice) ClearBlock(id uint64, fill byte) error {
	row := make([]byte, SectorSize)
	if fill != 0 {
		for i := range row {
			row[i] = fill
		}
	}
	return d.WriteBlock(id, row)
}
