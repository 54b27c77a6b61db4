package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/virtualroot/vkernel/internal/api"
)

// loadTable copies the first FAT into memory, sector by sector, through
// the buffer cache.
func (fs *FS) loadTable() error {
	size := fs.fatSizeSectors * fs.bytesPerSector
	fs.table = make([]byte, size)

	for i := uint32(0); i < fs.fatSizeSectors; i++ {
		b, err := fs.cache.Get(fs.dev, uint64(fs.fatStartLBA+i))
		if err != nil {
			fs.table = nil
			return fmt.Errorf("load FAT sector %d: %w", i, err)
		}
		copy(fs.table[i*fs.bytesPerSector:], b.Data)
		b.Release()
	}
	fs.tableDirty = false
	return nil
}

// flushTableLocked writes modified FAT sectors back through the cache,
// mirroring them to every FAT copy. Only sectors whose content actually
// changed are touched. The dirty flag is cleared only when every sector
// flushed cleanly. Called with fs.mu held.
func (fs *FS) flushTableLocked() error {
	if !fs.tableDirty || fs.table == nil {
		return nil
	}
	var firstErr error
	for i := uint32(0); i < fs.fatSizeSectors; i++ {
		seg := fs.table[i*fs.bytesPerSector : (i+1)*fs.bytesPerSector]
		for copyIdx := uint32(0); copyIdx < fs.numFATs; copyIdx++ {
			lba := uint64(fs.fatStartLBA + copyIdx*fs.fatSizeSectors + i)
			b, err := fs.cache.Get(fs.dev, lba)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if !bytes.Equal(b.Data, seg) {
				copy(b.Data, seg)
				b.MarkDirty()
			}
			b.Release()
		}
	}
	if firstErr == nil {
		fs.tableDirty = false
	}
	return firstErr
}

// clusterToLBA converts a data cluster number to its first sector.
func (fs *FS) clusterToLBA(cluster uint32) (uint64, error) {
	if cluster < 2 || cluster >= fs.totalDataClusters+2 {
		return 0, fmt.Errorf("cluster %d out of range: %w", cluster, api.ErrInvalidParam)
	}
	return uint64(fs.firstDataSector) + uint64(cluster-2)*uint64(fs.sectorsPerCluster), nil
}

// isEOC reports whether a FAT entry value terminates a chain.
func (fs *FS) isEOC(entry uint32) bool {
	switch fs.fatType {
	case TypeFAT12:
		return entry >= eocFAT12
	case TypeFAT16:
		return entry >= eocFAT16
	default:
		return entry >= eocFAT32
	}
}

// tableEntry reads the FAT entry for cluster. Called with fs.mu held.
func (fs *FS) tableEntry(cluster uint32) (uint32, error) {
	if cluster >= fs.totalDataClusters+2 {
		return 0, fmt.Errorf("cluster %d out of range: %w", cluster, api.ErrInvalidParam)
	}
	switch fs.fatType {
	case TypeFAT12:
		off := uint32(cluster) + uint32(cluster)/2
		if off+1 >= uint32(len(fs.table)) {
			return 0, fmt.Errorf("FAT12 entry %d beyond table: %w", cluster, api.ErrCorrupt)
		}
		v := uint32(fs.table[off]) | uint32(fs.table[off+1])<<8
		if cluster&1 != 0 {
			return v >> 4, nil
		}
		return v & 0x0FFF, nil
	case TypeFAT16:
		off := cluster * 2
		if off+2 > uint32(len(fs.table)) {
			return 0, fmt.Errorf("FAT16 entry %d beyond table: %w", cluster, api.ErrCorrupt)
		}
		return uint32(binary.LittleEndian.Uint16(fs.table[off:])), nil
	default:
		off := cluster * 4
		if off+4 > uint32(len(fs.table)) {
			return 0, fmt.Errorf("FAT32 entry %d beyond table: %w", cluster, api.ErrCorrupt)
		}
		return binary.LittleEndian.Uint32(fs.table[off:]) & fat32EntryMask, nil
	}
}

// setTableEntry writes the FAT entry for cluster. FAT32 preserves the
// reserved top nibble. FAT12 is not writable. Called with fs.mu held.
func (fs *FS) setTableEntry(cluster, value uint32) error {
	if fs.readOnly {
		return api.ErrReadOnly
	}
	if cluster < 2 || cluster >= fs.totalDataClusters+2 {
		return fmt.Errorf("cluster %d out of range: %w", cluster, api.ErrInvalidParam)
	}
	switch fs.fatType {
	case TypeFAT12:
		return fmt.Errorf("FAT12 table writes: %w", api.ErrNotSupported)
	case TypeFAT16:
		off := cluster * 2
		binary.LittleEndian.PutUint16(fs.table[off:], uint16(value))
	default:
		off := cluster * 4
		old := binary.LittleEndian.Uint32(fs.table[off:])
		binary.LittleEndian.PutUint32(fs.table[off:], (old&^uint32(fat32EntryMask))|(value&fat32EntryMask))
	}
	fs.tableDirty = true
	return nil
}

// nextCluster follows the chain one hop. Returns the raw entry value;
// callers check isEOC.
func (fs *FS) nextCluster(cluster uint32) (uint32, error) {
	if cluster < 2 {
		return 0, fmt.Errorf("cluster %d has no successor: %w", cluster, api.ErrInvalidParam)
	}
	return fs.tableEntry(cluster)
}

// findFreeCluster scans for the first unallocated cluster. Called with
// fs.mu held.
func (fs *FS) findFreeCluster() (uint32, error) {
	for c := uint32(2); c < fs.totalDataClusters+2; c++ {
		v, err := fs.tableEntry(c)
		if err != nil {
			return 0, err
		}
		if v == 0 {
			return c, nil
		}
	}
	return 0, api.ErrNoSpace
}

// allocateCluster claims a free cluster, marks it end-of-chain, and links
// it after prev when prev is a valid cluster. On a link failure the new
// cluster is released again. Called with fs.mu held.
func (fs *FS) allocateCluster(prev uint32) (uint32, error) {
	c, err := fs.findFreeCluster()
	if err != nil {
		return 0, err
	}
	if err := fs.setTableEntry(c, fs.eocMarker); err != nil {
		return 0, err
	}
	if prev >= 2 {
		if err := fs.setTableEntry(prev, c); err != nil {
			if rbErr := fs.setTableEntry(c, 0); rbErr != nil {
				fs.log.Error("failed to roll back cluster allocation",
					"cluster", c, "error", rbErr)
			}
			return 0, err
		}
	}
	return c, nil
}

// freeChain releases every cluster from start to end of chain. A link to
// cluster 0 or 1 mid-chain means the table is corrupt. Called with fs.mu
// held.
func (fs *FS) freeChain(start uint32) error {
	c := start
	for c >= 2 && !fs.isEOC(c) {
		next, err := fs.tableEntry(c)
		if err != nil {
			return err
		}
		if err := fs.setTableEntry(c, 0); err != nil {
			return err
		}
		if next == 0 || next == 1 {
			return fmt.Errorf("chain from %d links to reserved cluster %d: %w", start, next, api.ErrCorrupt)
		}
		c = next
	}
	return nil
}

// countFreeClusters scans the whole table. Used for statfs-style queries.
func (fs *FS) countFreeClusters() (uint32, error) {
	var free uint32
	for c := uint32(2); c < fs.totalDataClusters+2; c++ {
		v, err := fs.tableEntry(c)
		if err != nil {
			return 0, err
		}
		if v == 0 {
			free++
		}
	}
	return free, nil
}

// FreeSpace returns the number of free bytes on the volume.
func (fs *FS) FreeSpace() (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	free, err := fs.countFreeClusters()
	if err != nil {
		return 0, &api.Error{Op: "statfs", Path: fs.dev.Name(), Err: err}
	}
	return uint64(free) * uint64(fs.clusterSize), nil
}
