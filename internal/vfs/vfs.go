// Package vfs multiplexes filesystem drivers behind a single path
// namespace. Drivers register under a unique name; volumes mount at path
// prefixes and the longest matching prefix wins lookups.
package vfs

import (
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/virtualroot/vkernel/internal/api"
	"github.com/virtualroot/vkernel/internal/bcache"
	"github.com/virtualroot/vkernel/internal/block"
)

// Volume is a mounted filesystem instance as seen by the VFS.
type Volume interface {
	// Open opens the file at the volume-relative path.
	Open(relpath string, flags int) (DriverFile, error)
	// Stat returns metadata for the volume-relative path.
	Stat(relpath string) (api.Stat, error)
	// Unlink removes a file.
	Unlink(relpath string) error
	// Mkdir creates a directory.
	Mkdir(relpath string) error
	// Sync flushes volume metadata and data.
	Sync() error
	// Unmount flushes and detaches the volume.
	Unmount() error
	// ReadOnly reports whether the volume rejects writes.
	ReadOnly() bool
}

// DriverFile is an open file as implemented by a driver. The VFS owns the
// file offset and passes explicit positions.
type DriverFile interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	// Seek validates (offset, whence) against the file and the current
	// position cur, returning the new absolute offset.
	Seek(cur, offset int64, whence int) (int64, error)
	// Readdir returns the index-th entry of a directory.
	Readdir(index int) (api.DirEntry, error)
	Size() int64
	IsDir() bool
	Close() error
}

// Driver mounts volumes of one filesystem type.
type Driver interface {
	Name() string
	Mount(dev block.Device, cache *bcache.Cache, readOnly bool) (Volume, error)
}

// mountEntry is one row of the mount table.
type mountEntry struct {
	point      string
	volume     Volume
	device     block.Device
	driverName string
}

// VFS is the driver registry and mount table. All methods are safe for
// concurrent use.
type VFS struct {
	mu      sync.Mutex
	log     *slog.Logger
	cache   *bcache.Cache
	drivers map[string]Driver
	mounts  []*mountEntry
}

// New creates an empty VFS backed by the given buffer cache.
func New(cache *bcache.Cache, log *slog.Logger) *VFS {
	if log == nil {
		log = slog.Default()
	}
	return &VFS{
		log:     log,
		cache:   cache,
		drivers: make(map[string]Driver),
	}
}

// RegisterDriver adds a driver to the registry. A second driver with the
// same name is rejected.
func (v *VFS) RegisterDriver(d Driver) error {
	if d == nil || d.Name() == "" {
		return &api.Error{Op: "register", Err: api.ErrInvalidParam}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.drivers[d.Name()]; ok {
		return &api.Error{Op: "register", Path: d.Name(), Err: api.ErrFileExists}
	}
	v.drivers[d.Name()] = d
	v.log.Debug("registered filesystem driver", "driver", d.Name())
	return nil
}

// UnregisterDriver removes a driver. Drivers with active mounts are busy.
func (v *VFS) UnregisterDriver(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.drivers[name]; !ok {
		return &api.Error{Op: "unregister", Path: name, Err: api.ErrNotFound}
	}
	for _, m := range v.mounts {
		if m.volume != nil && m.driverName == name {
			return &api.Error{Op: "unregister", Path: name, Err: api.ErrBusy}
		}
	}
	delete(v.drivers, name)
	return nil
}

// Mount attaches a device at mountPoint using the named driver.
func (v *VFS) Mount(mountPoint, driverName string, dev block.Device, readOnly bool) error {
	mountPoint = cleanMountPoint(mountPoint)
	if mountPoint == "" {
		return &api.Error{Op: "mount", Path: mountPoint, Err: api.ErrInvalidParam}
	}

	v.mu.Lock()
	d, ok := v.drivers[driverName]
	if !ok {
		v.mu.Unlock()
		return &api.Error{Op: "mount", Path: mountPoint, Err: api.ErrNotFound}
	}
	for _, m := range v.mounts {
		if m.point == mountPoint {
			v.mu.Unlock()
			return &api.Error{Op: "mount", Path: mountPoint, Err: api.ErrFileExists}
		}
	}
	v.mu.Unlock()

	vol, err := d.Mount(dev, v.cache, readOnly)
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.mounts = append(v.mounts, &mountEntry{
		point:      mountPoint,
		volume:     vol,
		device:     dev,
		driverName: driverName,
	})
	// Longest mount points first so prefix search returns the most
	// specific match.
	sort.Slice(v.mounts, func(i, j int) bool {
		return len(v.mounts[i].point) > len(v.mounts[j].point)
	})
	v.mu.Unlock()

	v.log.Info("mounted volume", "mountPoint", mountPoint, "driver", driverName, "device", dev.Name())
	return nil
}

// Unmount detaches the volume at mountPoint. A mount nested below it makes
// the call fail busy.
func (v *VFS) Unmount(mountPoint string) error {
	mountPoint = cleanMountPoint(mountPoint)

	v.mu.Lock()
	var entry *mountEntry
	idx := -1
	for i, m := range v.mounts {
		if m.point == mountPoint {
			entry, idx = m, i
			continue
		}
		if isPathPrefix(mountPoint, m.point) {
			v.mu.Unlock()
			return &api.Error{Op: "unmount", Path: mountPoint, Err: api.ErrBusy}
		}
	}
	if entry == nil {
		v.mu.Unlock()
		return &api.Error{Op: "unmount", Path: mountPoint, Err: api.ErrNotFound}
	}
	v.mu.Unlock()

	if err := entry.volume.Unmount(); err != nil {
		return err
	}

	v.mu.Lock()
	// The table may have shifted while unlocked; find the entry again.
	for i, m := range v.mounts {
		if m == entry {
			idx = i
			break
		}
	}
	v.mounts = append(v.mounts[:idx], v.mounts[idx+1:]...)
	v.mu.Unlock()

	v.log.Info("unmounted volume", "mountPoint", mountPoint)
	return nil
}

// Shutdown unmounts every volume, innermost first, and clears the driver
// registry. The first error is reported but the teardown continues.
func (v *VFS) Shutdown() error {
	v.mu.Lock()
	mounts := make([]*mountEntry, len(v.mounts))
	copy(mounts, v.mounts)
	v.mu.Unlock()

	var firstErr error
	for _, m := range mounts {
		if err := v.Unmount(m.point); err != nil {
			v.log.Error("shutdown unmount failed", "mountPoint", m.point, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	v.mu.Lock()
	v.drivers = make(map[string]Driver)
	v.mu.Unlock()
	return firstErr
}

// Sync flushes every mounted volume.
func (v *VFS) Sync() error {
	v.mu.Lock()
	mounts := make([]*mountEntry, len(v.mounts))
	copy(mounts, v.mounts)
	v.mu.Unlock()

	var firstErr error
	for _, m := range mounts {
		if err := m.volume.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// resolve finds the mount entry owning p and computes the volume-relative
// path.
func (v *VFS) resolve(p string) (*mountEntry, string, error) {
	p = path.Clean("/" + p)

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range v.mounts {
		if isPathPrefix(m.point, p) {
			rel := strings.TrimPrefix(p, m.point)
			if rel == "" {
				rel = "/"
			} else if !strings.HasPrefix(rel, "/") {
				rel = "/" + rel
			}
			return m, rel, nil
		}
	}
	return nil, "", &api.Error{Op: "lookup", Path: p, Err: api.ErrNotFound}
}

// cleanMountPoint normalizes a mount point to an absolute clean path.
func cleanMountPoint(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") {
		return ""
	}
	return path.Clean(p)
}

// isPathPrefix reports whether prefix covers p at a component boundary, so
// "/mnt" covers "/mnt/a" but not "/mntx".
func isPathPrefix(prefix, p string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	return len(p) == len(prefix) || p[len(prefix)] == '/'
}
