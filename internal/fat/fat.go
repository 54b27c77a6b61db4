// Package fat implements a FAT12/16/32 filesystem driver on top of the
// sector buffer cache. FAT16 and FAT32 volumes are read-write; FAT12
// volumes mount read-only.
package fat

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/virtualroot/vkernel/internal/api"
	"github.com/virtualroot/vkernel/internal/bcache"
	"github.com/virtualroot/vkernel/internal/block"
)

// FAT type classification, by total data cluster count.
const (
	TypeFAT12 = 12
	TypeFAT16 = 16
	TypeFAT32 = 32
)

// Cluster count thresholds separating the FAT types.
const (
	fat12MaxClusters = 4085
	fat16MaxClusters = 65525
)

// End-of-chain markers written when terminating a chain. Anything at or
// above the marker value is treated as end of chain on read.
const (
	eocFAT12 = 0x0FF8
	eocFAT16 = 0xFFF8
	eocFAT32 = 0x0FFFFFF8
)

// bad cluster markers; never allocated.
const (
	badFAT16 = 0xFFF7
	badFAT32 = 0x0FFFFFF7
)

// fat32EntryMask selects the 28 significant bits of a FAT32 entry. The top
// nibble is reserved and must be preserved on writes.
const fat32EntryMask = 0x0FFFFFFF

// Directory entry attribute bits.
const (
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLongName  = attrReadOnly | attrHidden | attrSystem | attrVolumeID
	attrLongMask  = attrLongName | attrDirectory | attrArchive
)

// Directory entry name[0] markers.
const (
	entryEndMarker  = 0x00
	entryKanjiE5    = 0x05
	entryDeleted    = 0xE5
	lfnLastFlag     = 0x40
	lfnSeqMask      = 0x3F
	lfnCharsPerSlot = 13
)

const dirEntrySize = 32

// MaxNameLen bounds the length of a single path component.
const MaxNameLen = 255

// FS is a mounted FAT volume. All public methods are safe for concurrent
// use; a single volume lock serializes metadata updates.
type FS struct {
	mu    sync.Mutex
	dev   block.Device
	cache *bcache.Cache
	log   *slog.Logger
	now   func() time.Time

	readOnly bool
	mounted  bool

	fatType           int
	bytesPerSector    uint32
	sectorsPerCluster uint32
	clusterSize       uint32
	totalSectors      uint32
	fatSizeSectors    uint32
	numFATs           uint32
	fatStartLBA       uint32
	rootEntryCount    uint32
	rootDirSectors    uint32
	rootDirStartLBA   uint32
	firstDataSector   uint32
	totalDataClusters uint32
	eocMarker         uint32
	rootCluster       uint32
	volumeLabel       string

	table      []byte
	tableDirty bool

	openFiles int
}

// Options configures a mount.
type Options struct {
	ReadOnly bool
	Logger   *slog.Logger
	// Now supplies timestamps for directory entries. Defaults to time.Now.
	Now func() time.Time
}

// Mount reads the boot sector from dev through cache, validates the
// geometry and loads the FAT table into memory.
func Mount(dev block.Device, cache *bcache.Cache, opts Options) (*FS, error) {
	if dev == nil || cache == nil {
		return nil, &api.Error{Op: "mount", Err: api.ErrInvalidParam}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	fs := &FS{
		dev:      dev,
		cache:    cache,
		log:      log,
		now:      now,
		readOnly: opts.ReadOnly,
	}
	if err := fs.parseBootSector(); err != nil {
		return nil, &api.Error{Op: "mount", Path: dev.Name(), Err: err}
	}
	if fs.fatType == TypeFAT12 && !fs.readOnly {
		log.Info("FAT12 volume mounted read-only", "device", dev.Name())
		fs.readOnly = true
	}
	if err := fs.loadTable(); err != nil {
		return nil, &api.Error{Op: "mount", Path: dev.Name(), Err: err}
	}
	fs.mounted = true

	log.Info("mounted FAT volume",
		"device", dev.Name(),
		"type", fs.fatType,
		"clusters", fs.totalDataClusters,
		"clusterSize", fs.clusterSize,
		"readOnly", fs.readOnly)
	return fs, nil
}

// parseBootSector reads sector 0 and derives the volume geometry.
func (fs *FS) parseBootSector() error {
	b, err := fs.cache.Get(fs.dev, 0)
	if err != nil {
		return err
	}
	defer b.Release()
	sec := b.Data

	if len(sec) < 512 {
		return fmt.Errorf("boot sector is %d bytes: %w", len(sec), api.ErrInvalidFormat)
	}
	if sec[510] != 0x55 || sec[511] != 0xAA {
		return fmt.Errorf("missing 0xAA55 boot signature: %w", api.ErrInvalidFormat)
	}

	bps := uint32(binary.LittleEndian.Uint16(sec[11:13]))
	spc := uint32(sec[13])
	reserved := uint32(binary.LittleEndian.Uint16(sec[14:16]))
	numFATs := uint32(sec[16])
	rootEntries := uint32(binary.LittleEndian.Uint16(sec[17:19]))
	totalShort := uint32(binary.LittleEndian.Uint16(sec[19:21]))
	fatSize16 := uint32(binary.LittleEndian.Uint16(sec[22:24]))
	totalLong := binary.LittleEndian.Uint32(sec[32:36])

	if !isPow2(bps) || bps < 512 || bps > 4096 {
		return fmt.Errorf("bytes per sector %d: %w", bps, api.ErrInvalidFormat)
	}
	if bps != uint32(fs.dev.SectorSize()) {
		return fmt.Errorf("volume sector size %d does not match device %d: %w",
			bps, fs.dev.SectorSize(), api.ErrInvalidFormat)
	}
	if !isPow2(spc) || spc == 0 || spc > 128 {
		return fmt.Errorf("sectors per cluster %d: %w", spc, api.ErrInvalidFormat)
	}
	if reserved == 0 || numFATs == 0 {
		return fmt.Errorf("reserved sectors %d, FAT count %d: %w", reserved, numFATs, api.ErrInvalidFormat)
	}

	total := totalShort
	if total == 0 {
		total = totalLong
	}
	if total == 0 {
		return fmt.Errorf("zero total sectors: %w", api.ErrInvalidFormat)
	}

	fatSize := fatSize16
	if fatSize == 0 {
		fatSize = binary.LittleEndian.Uint32(sec[36:40])
	}
	if fatSize == 0 {
		return fmt.Errorf("zero FAT size: %w", api.ErrInvalidFormat)
	}

	rootDirSectors := (rootEntries*dirEntrySize + bps - 1) / bps
	fatStart := reserved
	rootStart := fatStart + numFATs*fatSize
	firstData := rootStart + rootDirSectors
	if firstData >= total {
		return fmt.Errorf("first data sector %d beyond volume end %d: %w", firstData, total, api.ErrCorrupt)
	}
	dataSectors := total - firstData
	dataClusters := dataSectors / spc
	if dataClusters == 0 {
		return fmt.Errorf("no data clusters: %w", api.ErrInvalidFormat)
	}

	fs.bytesPerSector = bps
	fs.sectorsPerCluster = spc
	fs.clusterSize = bps * spc
	fs.totalSectors = total
	fs.fatSizeSectors = fatSize
	fs.numFATs = numFATs
	fs.fatStartLBA = fatStart
	fs.rootEntryCount = rootEntries
	fs.rootDirSectors = rootDirSectors
	fs.rootDirStartLBA = rootStart
	fs.firstDataSector = firstData
	fs.totalDataClusters = dataClusters

	switch {
	case dataClusters < fat12MaxClusters:
		fs.fatType = TypeFAT12
		fs.eocMarker = eocFAT12
	case dataClusters < fat16MaxClusters:
		fs.fatType = TypeFAT16
		fs.eocMarker = eocFAT16
	default:
		fs.fatType = TypeFAT32
		fs.eocMarker = eocFAT32
	}

	if fs.fatType == TypeFAT32 {
		fs.rootCluster = binary.LittleEndian.Uint32(sec[44:48])
		if fs.rootCluster < 2 {
			return fmt.Errorf("FAT32 root cluster %d: %w", fs.rootCluster, api.ErrCorrupt)
		}
		fs.volumeLabel = trimPadded(sec[71:82])
	} else {
		if rootEntries == 0 {
			return fmt.Errorf("FAT12/16 volume with no root entries: %w", api.ErrInvalidFormat)
		}
		fs.rootCluster = 0
		fs.volumeLabel = trimPadded(sec[43:54])
	}
	return nil
}

// Type returns 12, 16 or 32.
func (fs *FS) Type() int { return fs.fatType }

// ReadOnly reports whether the volume rejects modifications.
func (fs *FS) ReadOnly() bool { return fs.readOnly }

// Label returns the boot-sector volume label.
func (fs *FS) Label() string { return fs.volumeLabel }

// ClusterSize returns the cluster size in bytes.
func (fs *FS) ClusterSize() uint32 { return fs.clusterSize }

// TotalClusters returns the number of data clusters.
func (fs *FS) TotalClusters() uint32 { return fs.totalDataClusters }

// Device returns the underlying device.
func (fs *FS) Device() block.Device { return fs.dev }

// Sync flushes the FAT table and every dirty buffer of the volume.
func (fs *FS) Sync() error {
	fs.mu.Lock()
	err := fs.flushTableLocked()
	fs.mu.Unlock()
	if err != nil {
		return &api.Error{Op: "sync", Path: fs.dev.Name(), Err: err}
	}
	if err := fs.cache.SyncDevice(fs.dev); err != nil {
		return &api.Error{Op: "sync", Path: fs.dev.Name(), Err: err}
	}
	return nil
}

// Unmount flushes metadata and detaches the volume. Open files make it
// fail with a busy error. Flush failures are reported but the volume is
// torn down regardless.
func (fs *FS) Unmount() error {
	fs.mu.Lock()
	if !fs.mounted {
		fs.mu.Unlock()
		return &api.Error{Op: "unmount", Path: fs.dev.Name(), Err: api.ErrInvalidParam}
	}
	if fs.openFiles > 0 {
		fs.mu.Unlock()
		return &api.Error{Op: "unmount", Path: fs.dev.Name(), Err: api.ErrBusy}
	}
	flushErr := fs.flushTableLocked()
	fs.table = nil
	fs.mounted = false
	fs.mu.Unlock()

	if err := fs.cache.SyncDevice(fs.dev); err != nil && flushErr == nil {
		flushErr = err
	}
	fs.cache.InvalidateDevice(fs.dev)
	if flushErr != nil {
		fs.log.Error("unmount completed with flush errors",
			"device", fs.dev.Name(), "error", flushErr)
		return &api.Error{Op: "unmount", Path: fs.dev.Name(), Err: flushErr}
	}
	return nil
}

func isPow2(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

func trimPadded(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return string(b[:end])
}
