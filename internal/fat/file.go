package fat

import (
	"errors"
	"fmt"
	"math"

	"github.com/virtualroot/vkernel/internal/api"
)

// File is an open file or directory on a FAT volume. Offsets are managed
// by the caller; Read and Write take explicit positions.
type File struct {
	fs    *FS
	path  string
	flags int

	isDir  bool
	isRoot bool
	dirty  bool
	closed bool

	firstCluster  uint32
	size          uint32
	parentCluster uint32
	streamOff     uint64

	// Readdir resume state.
	lastIndex int
	rdNextOff uint64
}

// Open opens or creates the file at the volume-relative path p.
func (fs *FS) Open(p string, flags int) (*File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return nil, &api.Error{Op: "open", Path: p, Err: api.ErrInvalidParam}
	}

	wantsWrite := api.AccessWrite(flags) || flags&(api.O_CREAT|api.O_TRUNC|api.O_APPEND) != 0
	if fs.readOnly && wantsWrite {
		return nil, &api.Error{Op: "open", Path: p, Err: api.ErrReadOnly}
	}

	r, err := fs.lookupPath(p)
	switch {
	case err == nil:
		if flags&api.O_CREAT != 0 && flags&api.O_EXCL != 0 {
			return nil, &api.Error{Op: "open", Path: p, Err: api.ErrFileExists}
		}
		if r.entry.isDir() && (api.AccessWrite(flags) || flags&(api.O_TRUNC|api.O_APPEND) != 0) {
			return nil, &api.Error{Op: "open", Path: p, Err: api.ErrIsADirectory}
		}
		if r.entry.isReadOnly() && api.AccessWrite(flags) {
			return nil, &api.Error{Op: "open", Path: p, Err: api.ErrPermissionDenied}
		}

		truncated := false
		if flags&api.O_TRUNC != 0 {
			if !api.AccessWrite(flags) {
				return nil, &api.Error{Op: "open", Path: p, Err: api.ErrPermissionDenied}
			}
			if r.entry.size > 0 || r.entry.firstCluster() >= 2 {
				if err := fs.truncateEntry(r); err != nil {
					return nil, &api.Error{Op: "open", Path: p, Err: err}
				}
			}
			truncated = true
		}

		f := &File{
			fs:            fs,
			path:          p,
			flags:         flags,
			isDir:         r.entry.isDir(),
			isRoot:        r.isRoot,
			dirty:         truncated,
			firstCluster:  r.entry.firstCluster(),
			size:          r.entry.size,
			parentCluster: r.parentCluster,
			streamOff:     r.streamOff,
			lastIndex:     -1,
		}
		fs.openFiles++
		return f, nil

	case errors.Is(err, api.ErrNotFound) && flags&api.O_CREAT != 0:
		parent, name, perr := fs.resolveParent(p)
		if perr != nil {
			return nil, &api.Error{Op: "open", Path: p, Err: perr}
		}
		created, cerr := fs.createEntry(parent, name, attrArchive, 0, 0)
		if cerr != nil {
			return nil, &api.Error{Op: "open", Path: p, Err: cerr}
		}
		f := &File{
			fs:            fs,
			path:          p,
			flags:         flags,
			dirty:         true,
			parentCluster: created.parentCluster,
			streamOff:     created.streamOff,
			lastIndex:     -1,
		}
		fs.openFiles++
		return f, nil

	default:
		return nil, &api.Error{Op: "open", Path: p, Err: err}
	}
}

// Size returns the current file size in bytes.
func (f *File) Size() int64 {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return int64(f.size)
}

// IsDir reports whether the handle refers to a directory.
func (f *File) IsDir() bool { return f.isDir }

// ReadAt reads up to len(p) bytes at offset off, returning the byte count.
// Reads at or past end of file return 0.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if f.closed {
		return 0, &api.Error{Op: "read", Path: f.path, Err: api.ErrBadHandle}
	}
	if f.isDir {
		return 0, &api.Error{Op: "read", Path: f.path, Err: api.ErrIsADirectory}
	}
	if !api.AccessRead(f.flags) {
		return 0, &api.Error{Op: "read", Path: f.path, Err: api.ErrPermissionDenied}
	}
	if off < 0 {
		return 0, &api.Error{Op: "read", Path: f.path, Err: api.ErrInvalidParam}
	}
	if off >= int64(f.size) || len(p) == 0 {
		return 0, nil
	}

	remaining := int64(f.size) - off
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	if f.firstCluster < 2 {
		return 0, &api.Error{Op: "read", Path: f.path,
			Err: fmt.Errorf("nonzero size with no clusters: %w", api.ErrCorrupt)}
	}

	fs := f.fs
	total := 0
	cluster, err := fs.clusterAt(f.firstCluster, uint32(off))
	if err != nil {
		return 0, &api.Error{Op: "read", Path: f.path, Err: err}
	}
	pos := uint32(off)
	for total < len(p) {
		within := pos % fs.clusterSize
		n := fs.clusterSize - within
		if remaining := uint32(len(p) - total); n > remaining {
			n = remaining
		}
		if err := fs.readClusterData(cluster, within, p[total:total+int(n)]); err != nil {
			return total, &api.Error{Op: "read", Path: f.path, Err: err}
		}
		total += int(n)
		pos += n

		if total < len(p) {
			next, err := fs.nextCluster(cluster)
			if err != nil {
				return total, &api.Error{Op: "read", Path: f.path, Err: err}
			}
			if fs.isEOC(next) {
				return total, &api.Error{Op: "read", Path: f.path,
					Err: fmt.Errorf("chain ends before file size %d: %w", f.size, api.ErrCorrupt)}
			}
			cluster = next
		}
	}
	return total, nil
}

// WriteAt writes p at offset off, extending the cluster chain as needed.
// A full volume yields a short count; a write that could not store a
// single byte fails with a no-space error.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if f.closed {
		return 0, &api.Error{Op: "write", Path: f.path, Err: api.ErrBadHandle}
	}
	if f.isDir {
		return 0, &api.Error{Op: "write", Path: f.path, Err: api.ErrIsADirectory}
	}
	if !api.AccessWrite(f.flags) {
		return 0, &api.Error{Op: "write", Path: f.path, Err: api.ErrPermissionDenied}
	}
	if f.fs.readOnly {
		return 0, &api.Error{Op: "write", Path: f.path, Err: api.ErrReadOnly}
	}
	if off < 0 {
		return 0, &api.Error{Op: "write", Path: f.path, Err: api.ErrInvalidParam}
	}
	if off > math.MaxUint32 || int64(len(p)) > math.MaxUint32-off {
		return 0, &api.Error{Op: "write", Path: f.path, Err: api.ErrOverflow}
	}
	if len(p) == 0 {
		return 0, nil
	}

	fs := f.fs
	if f.firstCluster < 2 {
		if f.size != 0 {
			return 0, &api.Error{Op: "write", Path: f.path,
				Err: fmt.Errorf("size %d with no clusters: %w", f.size, api.ErrCorrupt)}
		}
		c, err := fs.allocateCluster(0)
		if err != nil {
			return 0, &api.Error{Op: "write", Path: f.path, Err: err}
		}
		if err := fs.zeroCluster(c); err != nil {
			return 0, &api.Error{Op: "write", Path: f.path, Err: err}
		}
		f.firstCluster = c
		f.dirty = true
	}

	cluster, err := fs.clusterAtExtend(f.firstCluster, uint32(off))
	if err != nil {
		return 0, &api.Error{Op: "write", Path: f.path, Err: err}
	}

	total := 0
	pos := uint32(off)
	for total < len(p) {
		within := pos % fs.clusterSize
		n := fs.clusterSize - within
		if remaining := uint32(len(p) - total); n > remaining {
			n = remaining
		}
		if err := fs.writeClusterData(cluster, within, p[total:total+int(n)]); err != nil {
			return total, &api.Error{Op: "write", Path: f.path, Err: err}
		}
		total += int(n)
		pos += n

		if total < len(p) {
			next, err := fs.nextCluster(cluster)
			if err != nil {
				return total, &api.Error{Op: "write", Path: f.path, Err: err}
			}
			if fs.isEOC(next) {
				next, err = fs.allocateCluster(cluster)
				if err != nil {
					// Volume full mid-write: report the short count.
					f.commitSizeLocked(pos)
					if total > 0 {
						return total, nil
					}
					return 0, &api.Error{Op: "write", Path: f.path, Err: err}
				}
				if err := fs.zeroCluster(next); err != nil {
					return total, &api.Error{Op: "write", Path: f.path, Err: err}
				}
			}
			cluster = next
		}
	}

	f.commitSizeLocked(pos)
	return total, nil
}

// commitSizeLocked grows the recorded size to end when the write extended
// the file. Called with fs.mu held.
func (f *File) commitSizeLocked(end uint32) {
	if end > f.size {
		f.size = end
		f.dirty = true
	}
}

// Seek computes the absolute offset for (offset, whence) given the current
// position cur. Seeking past end of file is allowed; the resulting
// position only matters on the next read or write.
func (f *File) Seek(cur, offset int64, whence int) (int64, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if f.closed {
		return 0, &api.Error{Op: "lseek", Path: f.path, Err: api.ErrBadHandle}
	}
	var base int64
	switch whence {
	case api.SeekSet:
		base = 0
	case api.SeekCur:
		base = cur
	case api.SeekEnd:
		base = int64(f.size)
	default:
		return 0, &api.Error{Op: "lseek", Path: f.path, Err: api.ErrInvalidParam}
	}

	if offset > 0 && base > math.MaxInt64-offset {
		return 0, &api.Error{Op: "lseek", Path: f.path, Err: api.ErrOverflow}
	}
	pos := base + offset
	if pos < 0 {
		return 0, &api.Error{Op: "lseek", Path: f.path, Err: api.ErrInvalidParam}
	}
	return pos, nil
}

// Close writes back the directory entry when size or allocation changed,
// then releases the handle.
func (f *File) Close() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if f.closed {
		return &api.Error{Op: "close", Path: f.path, Err: api.ErrBadHandle}
	}
	f.closed = true
	f.fs.openFiles--

	if !f.dirty || f.isRoot {
		return nil
	}

	fs := f.fs
	lba, err := fs.dirSectorLBA(f.parentCluster, uint32(f.streamOff/uint64(fs.bytesPerSector)))
	if err != nil {
		return &api.Error{Op: "close", Path: f.path, Err: err}
	}
	b, err := fs.cache.Get(fs.dev, lba)
	if err != nil {
		return &api.Error{Op: "close", Path: f.path, Err: err}
	}
	off := f.streamOff % uint64(fs.bytesPerSector)
	e := parseDirEntry(b.Data[off : off+dirEntrySize])
	e.size = f.size
	e.setFirstCluster(f.firstCluster)
	e.writeDate, e.writeTime = packTimestamp(fs.now())
	e.encode(b.Data[off : off+dirEntrySize])
	b.MarkDirty()
	b.Release()
	return nil
}

// Readdir returns the directory entry at the given position. Indexes must
// be requested sequentially; any index at or below the last one restarts
// the scan, and anything else is rejected. The end of the directory
// reports not-found.
func (f *File) Readdir(index int) (api.DirEntry, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if f.closed {
		return api.DirEntry{}, &api.Error{Op: "readdir", Path: f.path, Err: api.ErrBadHandle}
	}
	if !f.isDir {
		return api.DirEntry{}, &api.Error{Op: "readdir", Path: f.path, Err: api.ErrNotADirectory}
	}
	if index < 0 {
		return api.DirEntry{}, &api.Error{Op: "readdir", Path: f.path, Err: api.ErrInvalidParam}
	}

	if index <= f.lastIndex {
		f.lastIndex = -1
		f.rdNextOff = 0
	} else if index != f.lastIndex+1 {
		return api.DirEntry{}, &api.Error{Op: "readdir", Path: f.path, Err: api.ErrInvalidParam}
	}

	// Catch up from the resume point to the requested index.
	fs := f.fs
	var slots []lfnSlot
	var out *api.DirEntry
	seen := f.lastIndex

	err := fs.forEachEntry(f.firstClusterForDir(), func(off uint64, raw []byte) (bool, error) {
		if off < f.rdNextOff {
			return false, nil
		}
		if raw[0] == entryDeleted {
			slots = slots[:0]
			return false, nil
		}
		e := parseDirEntry(raw)
		if e.isLFN() {
			var s lfnSlot
			s.seq = raw[0]
			s.checksum = raw[13]
			copy(s.raw[:], raw)
			slots = append(slots, s)
			return false, nil
		}
		if e.isVolumeID() {
			slots = slots[:0]
			return false, nil
		}

		name := reconstructLFN(slots, lfnChecksum(e.name[:]))
		slots = slots[:0]
		if name == "" {
			name = displayShortName(e.name[:])
		}
		seen++
		if seen == index {
			out = &api.DirEntry{Name: name, IsDir: e.isDir(), Size: e.size}
			f.rdNextOff = off + dirEntrySize
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return api.DirEntry{}, &api.Error{Op: "readdir", Path: f.path, Err: err}
	}
	if out == nil {
		return api.DirEntry{}, &api.Error{Op: "readdir", Path: f.path, Err: api.ErrNotFound}
	}
	f.lastIndex = index
	return *out, nil
}

// firstClusterForDir resolves the scan start for this directory handle.
func (f *File) firstClusterForDir() uint32 {
	if f.isRoot {
		return f.fs.rootCluster
	}
	return f.firstCluster
}
