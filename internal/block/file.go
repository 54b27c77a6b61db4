package block

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/virtualroot/vkernel/internal/api"
)

// FileDevice is a Device backed by a disk image file. The image is locked
// with an advisory lock for the lifetime of the device so two processes
// cannot mount it read-write at once.
type FileDevice struct {
	mu         sync.Mutex
	name       string
	f          *os.File
	sectorSize int
	sectors    uint64
	readOnly   bool
}

// OpenFile opens the image at path as a device with the given sector size.
// The image length must be a whole number of sectors.
func OpenFile(path string, sectorSize int, readOnly bool) (*FileDevice, error) {
	if sectorSize <= 0 {
		return nil, fmt.Errorf("sector size %d: %w", sectorSize, api.ErrInvalidParam)
	}

	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open %s: %w", path, api.ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if err := lockImage(f, readOnly); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, api.ErrBusy)
	}

	st, err := f.Stat()
	if err != nil {
		unlockImage(f)
		f.Close()
		return nil, err
	}
	if st.Size()%int64(sectorSize) != 0 {
		unlockImage(f)
		f.Close()
		return nil, fmt.Errorf("image size %d is not a multiple of sector size %d: %w",
			st.Size(), sectorSize, api.ErrInvalidFormat)
	}

	return &FileDevice{
		name:       filepath.Base(path),
		f:          f,
		sectorSize: sectorSize,
		sectors:    uint64(st.Size()) / uint64(sectorSize),
		readOnly:   readOnly,
	}, nil
}

// CreateFile creates a zero-filled image of the given geometry, replacing
// any existing file at path.
func CreateFile(path string, sectorSize int, sectors uint64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if err := lockImage(f, false); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, api.ErrBusy)
	}
	if err := f.Truncate(int64(sectors) * int64(sectorSize)); err != nil {
		unlockImage(f)
		f.Close()
		return nil, fmt.Errorf("truncate %s: %w", path, err)
	}
	return &FileDevice{
		name:       filepath.Base(path),
		f:          f,
		sectorSize: sectorSize,
		sectors:    sectors,
	}, nil
}

func (d *FileDevice) Name() string    { return d.name }
func (d *FileDevice) SectorSize() int { return d.sectorSize }
func (d *FileDevice) Sectors() uint64 { return d.sectors }

func (d *FileDevice) ReadSector(lba uint64, buf []byte) error {
	if err := checkIO(d, lba, buf); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.ReadAt(buf, int64(lba)*int64(d.sectorSize)); err != nil {
		return fmt.Errorf("read sector %d: %w", lba, api.ErrIO)
	}
	return nil
}

func (d *FileDevice) WriteSector(lba uint64, buf []byte) error {
	if err := checkIO(d, lba, buf); err != nil {
		return err
	}
	if d.readOnly {
		return fmt.Errorf("write sector %d: %w", lba, api.ErrReadOnly)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.WriteAt(buf, int64(lba)*int64(d.sectorSize)); err != nil {
		return fmt.Errorf("write sector %d: %w", lba, api.ErrIO)
	}
	return nil
}

func (d *FileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readOnly {
		return nil
	}
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("sync: %w", api.ErrIO)
	}
	return nil
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	unlockImage(d.f)
	return d.f.Close()
}
