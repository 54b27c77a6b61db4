package vfs

import (
	"sync"

	"github.com/virtualroot/vkernel/internal/api"
)

// File is an open handle with a VFS-managed offset. Reads and writes
// advance the offset by the count the driver reports.
type File struct {
	mu     sync.Mutex
	vfs    *VFS
	path   string
	flags  int
	df     DriverFile
	offset int64
	closed bool
}

// Open opens the file at the absolute path p through the owning mount.
func (v *VFS) Open(p string, flags int) (*File, error) {
	m, rel, err := v.resolve(p)
	if err != nil {
		return nil, err
	}
	if m.volume.ReadOnly() && (api.AccessWrite(flags) || flags&(api.O_CREAT|api.O_TRUNC) != 0) {
		return nil, &api.Error{Op: "open", Path: p, Err: api.ErrReadOnly}
	}
	df, err := m.volume.Open(rel, flags)
	if err != nil {
		return nil, err
	}
	return &File{vfs: v, path: p, flags: flags, df: df}, nil
}

// Path returns the absolute path the handle was opened with.
func (f *File) Path() string { return f.path }

// Read reads into p at the current offset and advances it by the returned
// count.
func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, &api.Error{Op: "read", Path: f.path, Err: api.ErrBadHandle}
	}
	n, err := f.df.ReadAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

// Write writes p at the current offset, honoring append mode, and
// advances the offset by the returned count.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, &api.Error{Op: "write", Path: f.path, Err: api.ErrBadHandle}
	}
	off := f.offset
	if f.flags&api.O_APPEND != 0 {
		off = f.df.Size()
	}
	n, err := f.df.WriteAt(p, off)
	f.offset = off + int64(n)
	return n, err
}

// ReadAt reads at an explicit offset without moving the handle offset.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, &api.Error{Op: "read", Path: f.path, Err: api.ErrBadHandle}
	}
	return f.df.ReadAt(p, off)
}

// WriteAt writes at an explicit offset without moving the handle offset.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, &api.Error{Op: "write", Path: f.path, Err: api.ErrBadHandle}
	}
	return f.df.WriteAt(p, off)
}

// Seek repositions the offset. The driver validates the target; seeking
// past end of file is allowed.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, &api.Error{Op: "lseek", Path: f.path, Err: api.ErrBadHandle}
	}
	pos, err := f.df.Seek(f.offset, offset, whence)
	if err != nil {
		return 0, err
	}
	f.offset = pos
	return pos, nil
}

// Readdir returns the index-th entry of an open directory.
func (f *File) Readdir(index int) (api.DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return api.DirEntry{}, &api.Error{Op: "readdir", Path: f.path, Err: api.ErrBadHandle}
	}
	return f.df.Readdir(index)
}

// Size returns the current file size.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.df.Size()
}

// IsDir reports whether the handle is a directory.
func (f *File) IsDir() bool { return f.df.IsDir() }

// Close releases the handle. A second close reports a bad handle.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return &api.Error{Op: "close", Path: f.path, Err: api.ErrBadHandle}
	}
	f.closed = true
	return f.df.Close()
}

// Stat returns metadata for the file at p.
func (v *VFS) Stat(p string) (api.Stat, error) {
	m, rel, err := v.resolve(p)
	if err != nil {
		return api.Stat{}, err
	}
	return m.volume.Stat(rel)
}

// Unlink removes the file at p.
func (v *VFS) Unlink(p string) error {
	m, rel, err := v.resolve(p)
	if err != nil {
		return err
	}
	if m.volume.ReadOnly() {
		return &api.Error{Op: "unlink", Path: p, Err: api.ErrReadOnly}
	}
	return m.volume.Unlink(rel)
}

// Mkdir creates a directory at p.
func (v *VFS) Mkdir(p string) error {
	m, rel, err := v.resolve(p)
	if err != nil {
		return err
	}
	if m.volume.ReadOnly() {
		return &api.Error{Op: "mkdir", Path: p, Err: api.ErrReadOnly}
	}
	return m.volume.Mkdir(rel)
}

// FreeSpace reports the free byte count of the volume containing p.
// Volumes whose driver cannot compute it report NotSupported.
func (v *VFS) FreeSpace(p string) (uint64, error) {
	m, _, err := v.resolve(p)
	if err != nil {
		return 0, err
	}
	vol, ok := m.volume.(interface{ FreeSpace() (uint64, error) })
	if !ok {
		return 0, &api.Error{Op: "statfs", Path: p, Err: api.ErrNotSupported}
	}
	return vol.FreeSpace()
}

// MountInfo describes one active mount.
type MountInfo struct {
	MountPoint string
	Driver     string
	Device     string
	ReadOnly   bool
}

// Mounts lists the active mounts, most specific first.
func (v *VFS) Mounts() []MountInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]MountInfo, 0, len(v.mounts))
	for _, m := range v.mounts {
		out = append(out, MountInfo{
			MountPoint: m.point,
			Driver:     m.driverName,
			Device:     m.device.Name(),
			ReadOnly:   m.volume.ReadOnly(),
		})
	}
	return out
}
