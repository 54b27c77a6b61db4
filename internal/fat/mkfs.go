package fat

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/virtualroot/vkernel/internal/api"
	"github.com/virtualroot/vkernel/internal/block"
)

// FormatOptions configures Format.
type FormatOptions struct {
	// Type selects FAT16 or FAT32. Zero picks by device size.
	Type int
	// Label is the volume label, truncated to 11 bytes.
	Label string
	// SectorsPerCluster overrides the computed cluster size. Must be a
	// power of two up to 128.
	SectorsPerCluster uint32
	// Progress, when set, receives (done, total) sector counts while the
	// metadata regions are written.
	Progress func(done, total uint64)
}

// Format writes an empty FAT16 or FAT32 filesystem onto dev. Everything
// previously on the device is lost.
func Format(dev block.Device, opts FormatOptions) error {
	if dev == nil {
		return &api.Error{Op: "mkfs", Err: api.ErrInvalidParam}
	}
	bps := uint32(dev.SectorSize())
	total := uint32(dev.Sectors())
	if bps < 512 || !isPow2(bps) {
		return &api.Error{Op: "mkfs", Path: dev.Name(),
			Err: fmt.Errorf("sector size %d: %w", bps, api.ErrInvalidParam)}
	}

	fatType := opts.Type
	if fatType == 0 {
		// Volumes below roughly 32 MiB get FAT16.
		if uint64(total)*uint64(bps) < 32<<20 {
			fatType = TypeFAT16
		} else {
			fatType = TypeFAT32
		}
	}
	if fatType != TypeFAT16 && fatType != TypeFAT32 {
		return &api.Error{Op: "mkfs", Path: dev.Name(),
			Err: fmt.Errorf("FAT%d formatting: %w", fatType, api.ErrNotSupported)}
	}

	spc := opts.SectorsPerCluster
	if spc == 0 {
		spc = pickClusterSize(fatType, total, bps)
	}
	if !isPow2(spc) || spc > 128 {
		return &api.Error{Op: "mkfs", Path: dev.Name(),
			Err: fmt.Errorf("sectors per cluster %d: %w", spc, api.ErrInvalidParam)}
	}

	var reserved, rootEntries uint32
	if fatType == TypeFAT16 {
		reserved = 1
		rootEntries = 512
	} else {
		reserved = 32
		rootEntries = 0
	}
	const numFATs = 2
	rootDirSectors := (rootEntries*dirEntrySize + bps - 1) / bps

	fatSize, err := fatSizeSectors(fatType, total, reserved, rootDirSectors, spc, bps)
	if err != nil {
		return &api.Error{Op: "mkfs", Path: dev.Name(), Err: err}
	}

	firstData := reserved + numFATs*fatSize + rootDirSectors
	if firstData >= total {
		return &api.Error{Op: "mkfs", Path: dev.Name(),
			Err: fmt.Errorf("device too small for FAT%d metadata: %w", fatType, api.ErrNoSpace)}
	}
	clusters := (total - firstData) / spc
	if fatType == TypeFAT16 && (clusters < fat12MaxClusters || clusters >= fat16MaxClusters) {
		return &api.Error{Op: "mkfs", Path: dev.Name(),
			Err: fmt.Errorf("%d clusters is outside the FAT16 range: %w", clusters, api.ErrInvalidParam)}
	}
	if fatType == TypeFAT32 && clusters < fat16MaxClusters {
		return &api.Error{Op: "mkfs", Path: dev.Name(),
			Err: fmt.Errorf("%d clusters is outside the FAT32 range: %w", clusters, api.ErrInvalidParam)}
	}

	serial := binary.LittleEndian.Uint32(uuid.New().NodeID()[:4])
	boot := buildBootSector(fatType, bps, spc, reserved, rootEntries, total, fatSize, serial, opts.Label)

	// Metadata region: boot + reserved, both FATs, fixed root directory,
	// and for FAT32 the first root cluster.
	metaSectors := uint64(firstData)
	if fatType == TypeFAT32 {
		metaSectors += uint64(spc)
	}
	progress := opts.Progress
	if progress == nil {
		progress = func(uint64, uint64) {}
	}

	zero := make([]byte, bps)
	buf := make([]byte, bps)
	for s := uint64(0); s < metaSectors; s++ {
		var data []byte
		switch {
		case s == 0:
			data = boot
		case fatType == TypeFAT32 && s == 6:
			data = boot // backup boot sector
		case fatType == TypeFAT32 && (s == 1 || s == 7):
			data = buildFSInfo(bps)
		case s == uint64(reserved) || s == uint64(reserved+fatSize):
			// First sector of each FAT copy holds the reserved entries.
			for i := range buf {
				buf[i] = 0
			}
			if fatType == TypeFAT16 {
				binary.LittleEndian.PutUint16(buf[0:], 0xFFF8)
				binary.LittleEndian.PutUint16(buf[2:], 0xFFFF)
			} else {
				binary.LittleEndian.PutUint32(buf[0:], 0x0FFFFFF8)
				binary.LittleEndian.PutUint32(buf[4:], 0x0FFFFFFF)
				binary.LittleEndian.PutUint32(buf[8:], eocFAT32) // root cluster 2
			}
			data = buf
		default:
			data = zero
		}
		if err := dev.WriteSector(s, data); err != nil {
			return &api.Error{Op: "mkfs", Path: dev.Name(), Err: err}
		}
		progress(s+1, metaSectors)
	}

	return dev.Sync()
}

// pickClusterSize chooses the smallest power-of-two cluster size that
// keeps the cluster count inside the range for the FAT type.
func pickClusterSize(fatType int, total, bps uint32) uint32 {
	for spc := uint32(1); spc <= 128; spc <<= 1 {
		clusters := total / spc
		if fatType == TypeFAT16 && clusters < fat16MaxClusters {
			return spc
		}
		if fatType == TypeFAT32 && clusters < 1<<22 {
			return spc
		}
	}
	return 128
}

// fatSizeSectors computes the per-copy FAT size using the standard
// estimation from the FAT specification.
func fatSizeSectors(fatType int, total, reserved, rootDirSectors, spc, bps uint32) (uint32, error) {
	tmp1 := total - (reserved + rootDirSectors)
	tmp2 := 256*spc + 2
	if fatType == TypeFAT32 {
		tmp2 /= 2
	}
	size := (tmp1 + tmp2 - 1) / tmp2
	if size == 0 || size >= total {
		return 0, fmt.Errorf("cannot size FAT for %d sectors: %w", total, api.ErrInvalidParam)
	}
	// Scale from the 512-byte-sector assumption in the estimate.
	if bps > 512 {
		size = (size*512 + bps - 1) / bps
	}
	return size, nil
}

func buildBootSector(fatType int, bps, spc, reserved, rootEntries, total, fatSize, serial uint32, label string) []byte {
	sec := make([]byte, bps)
	sec[0], sec[1], sec[2] = 0xEB, 0x3C, 0x90
	copy(sec[3:11], "MSWIN4.1")
	binary.LittleEndian.PutUint16(sec[11:], uint16(bps))
	sec[13] = byte(spc)
	binary.LittleEndian.PutUint16(sec[14:], uint16(reserved))
	sec[16] = 2 // FAT copies
	binary.LittleEndian.PutUint16(sec[17:], uint16(rootEntries))
	if total < 0x10000 {
		binary.LittleEndian.PutUint16(sec[19:], uint16(total))
	} else {
		binary.LittleEndian.PutUint32(sec[32:], total)
	}
	sec[21] = 0xF8 // media descriptor: fixed disk

	lbl := []byte(label + "           ")[:11]
	if fatType == TypeFAT16 {
		binary.LittleEndian.PutUint16(sec[22:], uint16(fatSize))
		sec[38] = 0x29
		binary.LittleEndian.PutUint32(sec[39:], serial)
		copy(sec[43:54], lbl)
		copy(sec[54:62], "FAT16   ")
	} else {
		binary.LittleEndian.PutUint32(sec[36:], fatSize)
		binary.LittleEndian.PutUint32(sec[44:], 2) // root cluster
		binary.LittleEndian.PutUint16(sec[48:], 1) // FSInfo sector
		binary.LittleEndian.PutUint16(sec[50:], 6) // backup boot sector
		sec[66] = 0x29
		binary.LittleEndian.PutUint32(sec[67:], serial)
		copy(sec[71:82], lbl)
		copy(sec[82:90], "FAT32   ")
	}
	sec[510], sec[511] = 0x55, 0xAA
	return sec
}

func buildFSInfo(bps uint32) []byte {
	sec := make([]byte, bps)
	binary.LittleEndian.PutUint32(sec[0:], 0x41615252)
	binary.LittleEndian.PutUint32(sec[484:], 0x61417272)
	binary.LittleEndian.PutUint32(sec[488:], 0xFFFFFFFF) // free count unknown
	binary.LittleEndian.PutUint32(sec[492:], 0xFFFFFFFF) // next free unknown
	binary.LittleEndian.PutUint32(sec[508:], 0xAA550000)
	return sec
}
