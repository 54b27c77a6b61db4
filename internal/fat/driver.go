package fat

import (
	"log/slog"
	"time"

	"github.com/virtualroot/vkernel/internal/bcache"
	"github.com/virtualroot/vkernel/internal/block"
	"github.com/virtualroot/vkernel/internal/vfs"
)

// DriverName is the name the FAT driver registers under.
const DriverName = "fat"

// Driver adapts this package to the VFS driver interface.
type Driver struct {
	Logger *slog.Logger
	// Now supplies directory entry timestamps. Defaults to time.Now.
	Now func() time.Time
}

func (Driver) Name() string { return DriverName }

func (d Driver) Mount(dev block.Device, cache *bcache.Cache, readOnly bool) (vfs.Volume, error) {
	fs, err := Mount(dev, cache, Options{
		ReadOnly: readOnly,
		Logger:   d.Logger,
		Now:      d.Now,
	})
	if err != nil {
		return nil, err
	}
	return volume{fs}, nil
}

// volume narrows *FS to the VFS Volume interface; Open widens its return
// type to the DriverFile interface.
type volume struct {
	*FS
}

func (v volume) Open(relpath string, flags int) (vfs.DriverFile, error) {
	return v.FS.Open(relpath, flags)
}
