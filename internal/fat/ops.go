package fat

import (
	"errors"

	"github.com/virtualroot/vkernel/internal/api"
)

// Stat returns metadata for the entry at the volume-relative path p.
func (fs *FS) Stat(p string) (api.Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return api.Stat{}, &api.Error{Op: "stat", Path: p, Err: api.ErrInvalidParam}
	}

	r, err := fs.lookupPath(p)
	if err != nil {
		return api.Stat{}, &api.Error{Op: "stat", Path: p, Err: err}
	}
	name := r.lfn
	if name == "" {
		name = displayShortName(r.entry.name[:])
	}
	if r.isRoot {
		name = "/"
	}
	return api.Stat{
		Name:     name,
		Size:     r.entry.size,
		IsDir:    r.entry.isDir(),
		ReadOnly: r.entry.isReadOnly(),
		ModTime:  unpackTimestamp(r.entry.writeDate, r.entry.writeTime),
	}, nil
}

// Unlink removes the file at p, releasing its cluster chain and
// tombstoning its directory entries. The change is flushed to the device
// before returning. Directories are refused.
func (fs *FS) Unlink(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return &api.Error{Op: "unlink", Path: p, Err: api.ErrInvalidParam}
	}
	if fs.readOnly {
		return &api.Error{Op: "unlink", Path: p, Err: api.ErrReadOnly}
	}

	r, err := fs.lookupPath(p)
	if err != nil {
		return &api.Error{Op: "unlink", Path: p, Err: err}
	}
	if r.isRoot {
		return &api.Error{Op: "unlink", Path: p, Err: api.ErrInvalidParam}
	}
	if r.entry.isDir() {
		return &api.Error{Op: "unlink", Path: p, Err: api.ErrIsADirectory}
	}
	if r.entry.isReadOnly() {
		return &api.Error{Op: "unlink", Path: p, Err: api.ErrPermissionDenied}
	}

	if first := r.entry.firstCluster(); first >= 2 {
		if err := fs.freeChain(first); err != nil {
			return &api.Error{Op: "unlink", Path: p, Err: err}
		}
	}
	if err := fs.markEntriesDeleted(r.parentCluster, r.lfnStart, r.streamOff); err != nil {
		return &api.Error{Op: "unlink", Path: p, Err: err}
	}
	if err := fs.flushTableLocked(); err != nil {
		return &api.Error{Op: "unlink", Path: p, Err: err}
	}
	if err := fs.cache.SyncDevice(fs.dev); err != nil {
		return &api.Error{Op: "unlink", Path: p, Err: err}
	}
	return nil
}

// Mkdir creates a directory at p with "." and ".." entries.
func (fs *FS) Mkdir(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return &api.Error{Op: "mkdir", Path: p, Err: api.ErrInvalidParam}
	}
	if fs.readOnly {
		return &api.Error{Op: "mkdir", Path: p, Err: api.ErrReadOnly}
	}

	if _, err := fs.lookupPath(p); err == nil {
		return &api.Error{Op: "mkdir", Path: p, Err: api.ErrFileExists}
	} else if !errors.Is(err, api.ErrNotFound) {
		return &api.Error{Op: "mkdir", Path: p, Err: err}
	}

	parent, name, err := fs.resolveParent(p)
	if err != nil {
		return &api.Error{Op: "mkdir", Path: p, Err: err}
	}

	cluster, err := fs.allocateCluster(0)
	if err != nil {
		return &api.Error{Op: "mkdir", Path: p, Err: err}
	}
	if err := fs.zeroCluster(cluster); err != nil {
		return &api.Error{Op: "mkdir", Path: p, Err: err}
	}

	// "." points at the new directory, ".." at the parent. The parent
	// cluster field is zero when the parent is the root.
	dotDotCluster := parent
	if parent == fs.rootCluster {
		dotDotCluster = 0
	}
	date, tm := packTimestamp(fs.now())
	var entries [2][dirEntrySize]byte
	dot := dirEntry{attr: attrDirectory, createDate: date, createTime: tm, writeDate: date, writeTime: tm}
	copy(dot.name[:], ".          ")
	dot.setFirstCluster(cluster)
	dot.encode(entries[0][:])
	dotdot := dot
	copy(dotdot.name[:], "..         ")
	dotdot.setFirstCluster(dotDotCluster)
	dotdot.encode(entries[1][:])

	base, err := fs.clusterToLBA(cluster)
	if err != nil {
		return &api.Error{Op: "mkdir", Path: p, Err: err}
	}
	b, err := fs.cache.Get(fs.dev, base)
	if err != nil {
		return &api.Error{Op: "mkdir", Path: p, Err: err}
	}
	copy(b.Data[0:], entries[0][:])
	copy(b.Data[dirEntrySize:], entries[1][:])
	b.MarkDirty()
	b.Release()

	if _, err := fs.createEntry(parent, name, attrDirectory, cluster, 0); err != nil {
		// Creation failed after the cluster was claimed; give it back.
		if ferr := fs.setTableEntry(cluster, 0); ferr != nil {
			fs.log.Error("failed to release directory cluster", "cluster", cluster, "error", ferr)
		}
		return &api.Error{Op: "mkdir", Path: p, Err: err}
	}
	if err := fs.flushTableLocked(); err != nil {
		return &api.Error{Op: "mkdir", Path: p, Err: err}
	}
	return nil
}
