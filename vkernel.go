// Package vkernel assembles the block device, buffer cache, VFS and FAT
// driver into one system with a small descriptor table, the way a
// process would see them behind syscalls.
package vkernel

import (
	"sync"

	"github.com/virtualroot/vkernel/internal/api"
	"github.com/virtualroot/vkernel/internal/bcache"
	"github.com/virtualroot/vkernel/internal/block"
	"github.com/virtualroot/vkernel/internal/config"
	"github.com/virtualroot/vkernel/internal/fat"
	"github.com/virtualroot/vkernel/internal/vfs"
)

// MaxDescriptors bounds the per-system open file table.
const MaxDescriptors = 64

// System owns a mounted volume stack and a bounded descriptor table.
type System struct {
	mu          sync.Mutex
	cfg         config.Config
	cache       *bcache.Cache
	vfs         *vfs.VFS
	dev         block.Device
	descriptors [MaxDescriptors]*vfs.File
}

// New opens the image named by cfg and mounts it at "/".
func New(cfg config.Config) (*System, error) {
	dev, err := block.OpenFile(cfg.Image, cfg.SectorSize, cfg.ReadOnly)
	if err != nil {
		return nil, err
	}
	sys, err := NewWithDevice(cfg, dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return sys, nil
}

// NewWithDevice builds a system around an already open device and
// mounts it at "/".
func NewWithDevice(cfg config.Config, dev block.Device) (*System, error) {
	log := cfg.Logger()
	cache := bcache.New(cfg.CacheBuckets, cfg.CacheBuffers, cfg.ReadRetries, log)
	v := vfs.New(cache, log)
	if err := v.RegisterDriver(fat.Driver{Logger: log}); err != nil {
		return nil, err
	}
	if err := v.Mount("/", fat.DriverName, dev, cfg.ReadOnly); err != nil {
		return nil, err
	}
	return &System{cfg: cfg, cache: cache, vfs: v, dev: dev}, nil
}

// VFS exposes the underlying virtual filesystem layer.
func (s *System) VFS() *vfs.VFS { return s.vfs }

// Cache exposes the buffer cache, mainly for statistics.
func (s *System) Cache() *bcache.Cache { return s.cache }

// Open opens path and returns a descriptor for it.
func (s *System) Open(path string, flags int) (int, error) {
	f, err := s.vfs.Open(path, flags)
	if err != nil {
		return -1, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for fd := range s.descriptors {
		if s.descriptors[fd] == nil {
			s.descriptors[fd] = f
			return fd, nil
		}
	}
	f.Close()
	return -1, api.WrapErr("open", path, api.ErrOutOfMemory)
}

func (s *System) file(fd int) (*vfs.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fd < 0 || fd >= MaxDescriptors || s.descriptors[fd] == nil {
		return nil, api.ErrBadHandle
	}
	return s.descriptors[fd], nil
}

// Read reads from the descriptor at its current offset.
func (s *System) Read(fd int, p []byte) (int, error) {
	f, err := s.file(fd)
	if err != nil {
		return 0, err
	}
	return f.Read(p)
}

// Write writes to the descriptor at its current offset.
func (s *System) Write(fd int, p []byte) (int, error) {
	f, err := s.file(fd)
	if err != nil {
		return 0, err
	}
	return f.Write(p)
}

// Seek repositions the descriptor offset.
func (s *System) Seek(fd int, offset int64, whence int) (int64, error) {
	f, err := s.file(fd)
	if err != nil {
		return 0, err
	}
	return f.Seek(offset, whence)
}

// Readdir returns the index-th entry of the directory open on fd.
func (s *System) Readdir(fd int, index int) (api.DirEntry, error) {
	f, err := s.file(fd)
	if err != nil {
		return api.DirEntry{}, err
	}
	return f.Readdir(index)
}

// Close releases the descriptor. Closing an unused descriptor reports
// a bad handle.
func (s *System) Close(fd int) error {
	s.mu.Lock()
	if fd < 0 || fd >= MaxDescriptors || s.descriptors[fd] == nil {
		s.mu.Unlock()
		return api.ErrBadHandle
	}
	f := s.descriptors[fd]
	s.descriptors[fd] = nil
	s.mu.Unlock()
	return f.Close()
}

// Stat reports metadata for path.
func (s *System) Stat(path string) (api.Stat, error) {
	return s.vfs.Stat(path)
}

// Unlink removes the file at path.
func (s *System) Unlink(path string) error {
	return s.vfs.Unlink(path)
}

// Mkdir creates a directory at path.
func (s *System) Mkdir(path string) error {
	return s.vfs.Mkdir(path)
}

// FreeSpace reports the free bytes on the volume containing path.
func (s *System) FreeSpace(path string) (uint64, error) {
	return s.vfs.FreeSpace(path)
}

// Sync flushes dirty cache buffers and the device.
func (s *System) Sync() error {
	return s.vfs.Sync()
}

// Shutdown closes all descriptors, unmounts every volume and closes
// the device. The first error is reported; teardown continues past it.
func (s *System) Shutdown() error {
	s.mu.Lock()
	var first error
	for fd, f := range s.descriptors {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		s.descriptors[fd] = nil
	}
	s.mu.Unlock()

	if err := s.vfs.Shutdown(); err != nil && first == nil {
		first = err
	}
	if err := s.dev.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
