package fat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/virtualroot/vkernel/internal/api"
)

// dirEntry is a decoded 32-byte directory entry.
type dirEntry struct {
	name        [11]byte
	attr        byte
	ntRes       byte
	createTenth byte
	createTime  uint16
	createDate  uint16
	accessDate  uint16
	clusterHigh uint16
	writeTime   uint16
	writeDate   uint16
	clusterLow  uint16
	size        uint32
}

func parseDirEntry(raw []byte) dirEntry {
	var e dirEntry
	copy(e.name[:], raw[0:11])
	e.attr = raw[11]
	e.ntRes = raw[12]
	e.createTenth = raw[13]
	e.createTime = binary.LittleEndian.Uint16(raw[14:16])
	e.createDate = binary.LittleEndian.Uint16(raw[16:18])
	e.accessDate = binary.LittleEndian.Uint16(raw[18:20])
	e.clusterHigh = binary.LittleEndian.Uint16(raw[20:22])
	e.writeTime = binary.LittleEndian.Uint16(raw[22:24])
	e.writeDate = binary.LittleEndian.Uint16(raw[24:26])
	e.clusterLow = binary.LittleEndian.Uint16(raw[26:28])
	e.size = binary.LittleEndian.Uint32(raw[28:32])
	return e
}

func (e *dirEntry) encode(raw []byte) {
	copy(raw[0:11], e.name[:])
	raw[11] = e.attr
	raw[12] = e.ntRes
	raw[13] = e.createTenth
	binary.LittleEndian.PutUint16(raw[14:16], e.createTime)
	binary.LittleEndian.PutUint16(raw[16:18], e.createDate)
	binary.LittleEndian.PutUint16(raw[18:20], e.accessDate)
	binary.LittleEndian.PutUint16(raw[20:22], e.clusterHigh)
	binary.LittleEndian.PutUint16(raw[22:24], e.writeTime)
	binary.LittleEndian.PutUint16(raw[24:26], e.writeDate)
	binary.LittleEndian.PutUint16(raw[26:28], e.clusterLow)
	binary.LittleEndian.PutUint32(raw[28:32], e.size)
}

func (e *dirEntry) firstCluster() uint32 {
	return uint32(e.clusterHigh)<<16 | uint32(e.clusterLow)
}

func (e *dirEntry) setFirstCluster(c uint32) {
	e.clusterHigh = uint16(c >> 16)
	e.clusterLow = uint16(c)
}

func (e *dirEntry) isDir() bool      { return e.attr&attrDirectory != 0 }
func (e *dirEntry) isVolumeID() bool { return e.attr&attrVolumeID != 0 && e.attr&attrDirectory == 0 }
func (e *dirEntry) isLFN() bool      { return e.attr&attrLongMask == attrLongName }
func (e *dirEntry) isReadOnly() bool { return e.attr&attrReadOnly != 0 }

// packTimestamp converts t to the FAT packed date and time fields. Dates
// before 1980 clamp to the epoch.
func packTimestamp(t time.Time) (date, tm uint16) {
	year := t.Year()
	if year < 1980 {
		return 0x0021, 0 // 1980-01-01
	}
	if year > 2107 {
		year = 2107
	}
	date = uint16(year-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	tm = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	return date, tm
}

// unpackTimestamp converts FAT packed fields back to a time.Time.
func unpackTimestamp(date, tm uint16) time.Time {
	if date == 0 {
		return time.Time{}
	}
	year := int(date>>9) + 1980
	month := time.Month(date >> 5 & 0xF)
	day := int(date & 0x1F)
	hour := int(tm >> 11)
	min := int(tm >> 5 & 0x3F)
	sec := int(tm&0x1F) * 2
	return time.Date(year, month, day, hour, min, sec, 0, time.UTC)
}

// dirSectorLBA maps a sector index inside a directory's entry stream to a
// device sector. dirCluster 0 addresses the fixed FAT12/16 root region. A
// sector index past the end of the directory reports not-found; a damaged
// chain reports corruption. Called with fs.mu held.
func (fs *FS) dirSectorLBA(dirCluster, sectorIdx uint32) (uint64, error) {
	if dirCluster == 0 {
		if fs.fatType == TypeFAT32 {
			return 0, fmt.Errorf("FAT32 has no fixed root region: %w", api.ErrInvalidParam)
		}
		if sectorIdx >= fs.rootDirSectors {
			return 0, api.ErrNotFound
		}
		return uint64(fs.rootDirStartLBA + sectorIdx), nil
	}

	hops := sectorIdx / fs.sectorsPerCluster
	c := dirCluster
	for i := uint32(0); i < hops; i++ {
		next, err := fs.nextCluster(c)
		if err != nil {
			return 0, err
		}
		if fs.isEOC(next) {
			return 0, api.ErrNotFound
		}
		if next < 2 || next >= fs.totalDataClusters+2 {
			return 0, fmt.Errorf("directory chain from %d hits cluster %d: %w", dirCluster, next, api.ErrCorrupt)
		}
		c = next
	}
	base, err := fs.clusterToLBA(c)
	if err != nil {
		return 0, err
	}
	return base + uint64(sectorIdx%fs.sectorsPerCluster), nil
}

// forEachEntry walks a directory's entry stream in order, invoking fn with
// the raw 32-byte entry and its stream offset. fn returning stop=true ends
// the walk early; a 0x00 terminator entry ends it implicitly. Called with
// fs.mu held.
func (fs *FS) forEachEntry(dirCluster uint32, fn func(streamOff uint64, raw []byte) (stop bool, err error)) error {
	entriesPerSector := fs.bytesPerSector / dirEntrySize
	for sectorIdx := uint32(0); ; sectorIdx++ {
		lba, err := fs.dirSectorLBA(dirCluster, sectorIdx)
		if errors.Is(err, api.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		b, err := fs.cache.Get(fs.dev, lba)
		if err != nil {
			return err
		}
		for i := uint32(0); i < entriesPerSector; i++ {
			raw := b.Data[i*dirEntrySize : (i+1)*dirEntrySize]
			if raw[0] == entryEndMarker {
				b.Release()
				return nil
			}
			streamOff := uint64(sectorIdx)*uint64(fs.bytesPerSector) + uint64(i*dirEntrySize)
			stop, err := fn(streamOff, raw)
			if err != nil || stop {
				b.Release()
				return err
			}
		}
		b.Release()
	}
}

// found8_3 captures the location of a directory entry after a search.
type found8_3 struct {
	entry     dirEntry
	streamOff uint64 // offset of the 8.3 entry in the directory stream
	lfnStart  uint64 // offset of the first LFN slot; == streamOff if none
	lfn       string // reconstructed long name, "" if none
}

// findInDir searches dirCluster for component, matching the long name
// case-insensitively first and the 8.3 form second. Called with fs.mu held.
func (fs *FS) findInDir(dirCluster uint32, component string) (*found8_3, error) {
	var slots []lfnSlot
	var lfnStart uint64
	var result *found8_3

	err := fs.forEachEntry(dirCluster, func(off uint64, raw []byte) (bool, error) {
		if raw[0] == entryDeleted {
			slots = slots[:0]
			return false, nil
		}
		e := parseDirEntry(raw)
		if e.isLFN() {
			if len(slots) == 0 {
				lfnStart = off
			}
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

		lfn := reconstructLFN(slots, lfnChecksum(e.name[:]))
		start := off
		if len(slots) > 0 && lfn != "" {
			start = lfnStart
		}
		slots = slots[:0]

		if matchLFN(component, lfn) || matchShortName(component, e.name[:]) {
			result = &found8_3{entry: e, streamOff: off, lfnStart: start, lfn: lfn}
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, api.ErrNotFound
	}
	return result, nil
}

// shortNameExists reports whether any live entry in dirCluster carries the
// given raw 8.3 name. Called with fs.mu held.
func (fs *FS) shortNameExists(dirCluster uint32, sfn [11]byte) (bool, error) {
	exists := false
	err := fs.forEachEntry(dirCluster, func(off uint64, raw []byte) (bool, error) {
		if raw[0] == entryDeleted {
			return false, nil
		}
		e := parseDirEntry(raw)
		if e.isLFN() {
			return false, nil
		}
		if e.name == sfn {
			exists = true
			return true, nil
		}
		return false, nil
	})
	return exists, err
}

// resolved is the result of a path lookup.
type resolved struct {
	entry         dirEntry
	parentCluster uint32
	streamOff     uint64
	lfnStart      uint64
	lfn           string
	isRoot        bool
}

// lookupPath resolves a volume-relative path to its directory entry. The
// empty path and "/" resolve to a synthetic root entry. Called with fs.mu
// held.
func (fs *FS) lookupPath(p string) (*resolved, error) {
	p = path.Clean("/" + p)
	if p == "/" {
		root := dirEntry{attr: attrDirectory}
		root.setFirstCluster(fs.rootCluster)
		return &resolved{entry: root, isRoot: true}, nil
	}

	dirCluster := fs.rootCluster
	components := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, comp := range components {
		if comp == "" || comp == "." {
			continue
		}
		if comp == ".." {
			return nil, fmt.Errorf("parent traversal: %w", api.ErrNotSupported)
		}
		if len(comp) > MaxNameLen {
			return nil, api.ErrNameTooLong
		}

		f, err := fs.findInDir(dirCluster, comp)
		if err != nil {
			return nil, err
		}
		last := i == len(components)-1
		if last {
			return &resolved{
				entry:         f.entry,
				parentCluster: dirCluster,
				streamOff:     f.streamOff,
				lfnStart:      f.lfnStart,
				lfn:           f.lfn,
			}, nil
		}
		if !f.entry.isDir() {
			return nil, api.ErrNotADirectory
		}
		dirCluster = f.entry.firstCluster()
	}

	// Path cleaned to components that all vanished ("/./." and similar).
	root := dirEntry{attr: attrDirectory}
	root.setFirstCluster(fs.rootCluster)
	return &resolved{entry: root, isRoot: true}, nil
}

// resolveParent splits p and resolves its directory, returning the parent
// directory's first cluster and the final component. Called with fs.mu
// held.
func (fs *FS) resolveParent(p string) (uint32, string, error) {
	p = path.Clean("/" + p)
	if p == "/" {
		return 0, "", fmt.Errorf("root has no parent entry: %w", api.ErrInvalidParam)
	}
	dir, name := path.Split(p)
	if len(name) > MaxNameLen {
		return 0, "", api.ErrNameTooLong
	}

	r, err := fs.lookupPath(dir)
	if err != nil {
		return 0, "", err
	}
	if !r.entry.isDir() {
		return 0, "", api.ErrNotADirectory
	}
	return r.entry.firstCluster(), name, nil
}

// updateEntryAt rewrites the 8.3 entry at streamOff in dirCluster. Called
// with fs.mu held.
func (fs *FS) updateEntryAt(dirCluster uint32, streamOff uint64, e *dirEntry) error {
	lba, err := fs.dirSectorLBA(dirCluster, uint32(streamOff/uint64(fs.bytesPerSector)))
	if err != nil {
		return err
	}
	b, err := fs.cache.Get(fs.dev, lba)
	if err != nil {
		return err
	}
	off := streamOff % uint64(fs.bytesPerSector)
	e.encode(b.Data[off : off+dirEntrySize])
	b.MarkDirty()
	b.Release()
	return nil
}

// markEntriesDeleted tombstones every entry from firstOff through lastOff
// inclusive, which covers a file's LFN slots and its 8.3 entry. Called
// with fs.mu held.
func (fs *FS) markEntriesDeleted(dirCluster uint32, firstOff, lastOff uint64) error {
	for off := firstOff; off <= lastOff; off += dirEntrySize {
		lba, err := fs.dirSectorLBA(dirCluster, uint32(off/uint64(fs.bytesPerSector)))
		if err != nil {
			return err
		}
		b, err := fs.cache.Get(fs.dev, lba)
		if err != nil {
			return err
		}
		b.Data[off%uint64(fs.bytesPerSector)] = entryDeleted
		b.MarkDirty()
		b.Release()
	}
	return nil
}

// writeEntriesAt stores a run of raw entries starting at streamOff,
// crossing sector and cluster boundaries as needed. Called with fs.mu
// held.
func (fs *FS) writeEntriesAt(dirCluster uint32, streamOff uint64, entries [][dirEntrySize]byte) error {
	for i, raw := range entries {
		off := streamOff + uint64(i*dirEntrySize)
		lba, err := fs.dirSectorLBA(dirCluster, uint32(off/uint64(fs.bytesPerSector)))
		if err != nil {
			return err
		}
		b, err := fs.cache.Get(fs.dev, lba)
		if err != nil {
			return err
		}
		copy(b.Data[off%uint64(fs.bytesPerSector):], raw[:])
		b.MarkDirty()
		b.Release()
	}
	return nil
}

// dirStreamSectors returns how many sectors the directory stream currently
// spans. Called with fs.mu held.
func (fs *FS) dirStreamSectors(dirCluster uint32) (uint32, error) {
	if dirCluster == 0 {
		return fs.rootDirSectors, nil
	}
	var sectors uint32
	c := dirCluster
	for {
		sectors += fs.sectorsPerCluster
		next, err := fs.nextCluster(c)
		if err != nil {
			return 0, err
		}
		if fs.isEOC(next) {
			return sectors, nil
		}
		if next < 2 || next >= fs.totalDataClusters+2 {
			return 0, fmt.Errorf("directory chain from %d hits cluster %d: %w", dirCluster, next, api.ErrCorrupt)
		}
		c = next
	}
}

// lastChainCluster returns the final cluster in the chain starting at c.
// Called with fs.mu held.
func (fs *FS) lastChainCluster(c uint32) (uint32, error) {
	for {
		next, err := fs.nextCluster(c)
		if err != nil {
			return 0, err
		}
		if fs.isEOC(next) {
			return c, nil
		}
		if next < 2 || next >= fs.totalDataClusters+2 {
			return 0, fmt.Errorf("chain hits cluster %d: %w", next, api.ErrCorrupt)
		}
		c = next
	}
}

// findFreeSlots locates a run of `needed` contiguous free entries in the
// directory stream, extending a cluster-backed directory by one zeroed
// cluster when the existing stream is full. The fixed FAT12/16 root cannot
// grow. Called with fs.mu held.
func (fs *FS) findFreeSlots(dirCluster uint32, needed int) (uint64, error) {
	if needed <= 0 {
		return 0, api.ErrInvalidParam
	}

	totalSectors, err := fs.dirStreamSectors(dirCluster)
	if err != nil {
		return 0, err
	}
	entriesPerSector := fs.bytesPerSector / dirEntrySize
	totalEntries := uint64(totalSectors) * uint64(entriesPerSector)

	var runStart uint64
	runLen := 0
	sawTerminator := false
	var scanned uint64

	err = fs.forEachEntryRaw(dirCluster, func(off uint64, raw []byte) (bool, error) {
		scanned = off/dirEntrySize + 1
		if raw[0] == entryEndMarker {
			if runLen == 0 {
				runStart = off
			}
			sawTerminator = true
			return true, nil
		}
		if raw[0] == entryDeleted {
			if runLen == 0 {
				runStart = off
			}
			runLen++
			return runLen >= needed, nil
		}
		runLen = 0
		return false, nil
	})
	if err != nil {
		return 0, err
	}

	if runLen >= needed {
		return runStart, nil
	}
	if sawTerminator {
		// Everything from the terminator on is free.
		if runLen == 0 {
			runStart = (scanned - 1) * dirEntrySize
		}
		if runStart/dirEntrySize+uint64(needed) <= totalEntries {
			return runStart, nil
		}
	}

	if dirCluster == 0 {
		return 0, api.ErrNoSpace
	}

	// Grow the directory by one cluster.
	last, err := fs.lastChainCluster(dirCluster)
	if err != nil {
		return 0, err
	}
	newCluster, err := fs.allocateCluster(last)
	if err != nil {
		return 0, err
	}
	if err := fs.zeroCluster(newCluster); err != nil {
		return 0, err
	}
	return uint64(totalSectors) * uint64(fs.bytesPerSector), nil
}

// forEachEntryRaw is forEachEntry without the terminator short-circuit:
// the callback sees the 0x00 entry and decides.
func (fs *FS) forEachEntryRaw(dirCluster uint32, fn func(streamOff uint64, raw []byte) (stop bool, err error)) error {
	entriesPerSector := fs.bytesPerSector / dirEntrySize
	for sectorIdx := uint32(0); ; sectorIdx++ {
		lba, err := fs.dirSectorLBA(dirCluster, sectorIdx)
		if errors.Is(err, api.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		b, err := fs.cache.Get(fs.dev, lba)
		if err != nil {
			return err
		}
		for i := uint32(0); i < entriesPerSector; i++ {
			raw := b.Data[i*dirEntrySize : (i+1)*dirEntrySize]
			streamOff := uint64(sectorIdx)*uint64(fs.bytesPerSector) + uint64(i*dirEntrySize)
			stop, err := fn(streamOff, raw)
			if err != nil || stop {
				b.Release()
				return err
			}
		}
		b.Release()
	}
}

// zeroCluster clears every sector of a data cluster through the cache.
// Called with fs.mu held.
func (fs *FS) zeroCluster(cluster uint32) error {
	base, err := fs.clusterToLBA(cluster)
	if err != nil {
		return err
	}
	for s := uint32(0); s < fs.sectorsPerCluster; s++ {
		b, err := fs.cache.Get(fs.dev, base+uint64(s))
		if err != nil {
			return err
		}
		for i := range b.Data {
			b.Data[i] = 0
		}
		b.MarkDirty()
		b.Release()
	}
	return nil
}

// createEntry writes the long-name slots and 8.3 entry for a new file or
// directory into parentCluster and returns the entry with its location.
// firstCluster 0 means no allocation yet. Called with fs.mu held.
func (fs *FS) createEntry(parentCluster uint32, name string, attr byte, firstCluster, size uint32) (*resolved, error) {
	if name == "" || len(name) > MaxNameLen {
		return nil, api.ErrNameTooLong
	}

	sfn, err := fs.uniqueShortName(name, func(cand [11]byte) (bool, error) {
		return fs.shortNameExists(parentCluster, cand)
	})
	if err != nil {
		return nil, err
	}

	slots := generateLFNSlots(name, lfnChecksum(sfn[:]))
	startOff, err := fs.findFreeSlots(parentCluster, len(slots)+1)
	if err != nil {
		return nil, err
	}

	date, tm := packTimestamp(fs.now())
	e := dirEntry{
		name:       sfn,
		attr:       attr,
		createTime: tm,
		createDate: date,
		accessDate: date,
		writeTime:  tm,
		writeDate:  date,
		size:       size,
	}
	e.setFirstCluster(firstCluster)

	entries := make([][dirEntrySize]byte, 0, len(slots)+1)
	entries = append(entries, slots...)
	var raw [dirEntrySize]byte
	e.encode(raw[:])
	entries = append(entries, raw)

	if err := fs.writeEntriesAt(parentCluster, startOff, entries); err != nil {
		return nil, err
	}
	return &resolved{
		entry:         e,
		parentCluster: parentCluster,
		streamOff:     startOff + uint64(len(slots)*dirEntrySize),
		lfnStart:      startOff,
	}, nil
}

// truncateEntry releases a file's cluster chain and zeroes its size.
// Directories are refused. Called with fs.mu held.
func (fs *FS) truncateEntry(r *resolved) error {
	if r.entry.isDir() {
		return api.ErrIsADirectory
	}
	if first := r.entry.firstCluster(); first >= 2 {
		if err := fs.freeChain(first); err != nil {
			return err
		}
	}

	r.entry.size = 0
	r.entry.setFirstCluster(0)
	date, tm := packTimestamp(fs.now())
	r.entry.writeDate, r.entry.writeTime = date, tm
	return fs.updateEntryAt(r.parentCluster, r.streamOff, &r.entry)
}
