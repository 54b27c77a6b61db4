// Package block provides sector-addressed storage devices for the
// filesystem layers: a file-backed disk image and an in-memory device.
package block

import (
	"fmt"
	"sync"

	"github.com/virtualroot/vkernel/internal/api"
)

// Device is a fixed-geometry sector store. Read and write buffers must be
// exactly one sector long.
type Device interface {
	// Name returns the device identifier used for cache keying.
	Name() string
	// SectorSize returns the sector size in bytes.
	SectorSize() int
	// Sectors returns the device capacity in sectors.
	Sectors() uint64
	// ReadSector reads the sector at lba into buf.
	ReadSector(lba uint64, buf []byte) error
	// WriteSector writes buf to the sector at lba.
	WriteSector(lba uint64, buf []byte) error
	// Sync flushes any device-level buffering to stable storage.
	Sync() error
	// Close releases the device.
	Close() error
}

func checkIO(d Device, lba uint64, buf []byte) error {
	if lba >= d.Sectors() {
		return fmt.Errorf("sector %d out of range (%d sectors): %w", lba, d.Sectors(), api.ErrInvalidParam)
	}
	if len(buf) != d.SectorSize() {
		return fmt.Errorf("buffer is %d bytes, sector is %d: %w", len(buf), d.SectorSize(), api.ErrInvalidParam)
	}
	return nil
}

// MemDevice is an in-memory Device. It is safe for concurrent use.
type MemDevice struct {
	mu         sync.Mutex
	name       string
	sectorSize int
	data       []byte

	// FailReads makes the next n reads fail with an I/O error. Used by
	// tests to exercise retry paths.
	FailReads int
}

// NewMemDevice creates a zero-filled in-memory device.
func NewMemDevice(name string, sectorSize int, sectors uint64) *MemDevice {
	return &MemDevice{
		name:       name,
		sectorSize: sectorSize,
		data:       make([]byte, uint64(sectorSize)*sectors),
	}
}

func (d *MemDevice) Name() string    { return d.name }
func (d *MemDevice) SectorSize() int { return d.sectorSize }

func (d *MemDevice) Sectors() uint64 {
	return uint64(len(d.data)) / uint64(d.sectorSize)
}

func (d *MemDevice) ReadSector(lba uint64, buf []byte) error {
	if err := checkIO(d, lba, buf); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailReads > 0 {
		d.FailReads--
		return fmt.Errorf("injected read failure at sector %d: %w", lba, api.ErrIO)
	}
	off := lba * uint64(d.sectorSize)
	copy(buf, d.data[off:off+uint64(d.sectorSize)])
	return nil
}

func (d *MemDevice) WriteSector(lba uint64, buf []byte) error {
	if err := checkIO(d, lba, buf); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	off := lba * uint64(d.sectorSize)
	copy(d.data[off:off+uint64(d.sectorSize)], buf)
	return nil
}

func (d *MemDevice) Sync() error  { return nil }
func (d *MemDevice) Close() error { return nil }
