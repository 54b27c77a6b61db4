package fat

import (
	"fmt"

	"github.com/virtualroot/vkernel/internal/api"
)

// readClusterData copies length bytes starting at byteOff within a data
// cluster into dst, going through the buffer cache sector by sector.
// Called with fs.mu held.
func (fs *FS) readClusterData(cluster uint32, byteOff uint32, dst []byte) error {
	if byteOff+uint32(len(dst)) > fs.clusterSize {
		return fmt.Errorf("read of %d bytes at %d exceeds cluster size %d: %w",
			len(dst), byteOff, fs.clusterSize, api.ErrInvalidParam)
	}
	base, err := fs.clusterToLBA(cluster)
	if err != nil {
		return err
	}

	done := uint32(0)
	for done < uint32(len(dst)) {
		abs := byteOff + done
		sector := abs / fs.bytesPerSector
		within := abs % fs.bytesPerSector
		n := fs.bytesPerSector - within
		if remaining := uint32(len(dst)) - done; n > remaining {
			n = remaining
		}

		b, err := fs.cache.Get(fs.dev, base+uint64(sector))
		if err != nil {
			return err
		}
		copy(dst[done:done+n], b.Data[within:within+n])
		b.Release()
		done += n
	}
	return nil
}

// writeClusterData copies src into a data cluster starting at byteOff.
// Called with fs.mu held.
func (fs *FS) writeClusterData(cluster uint32, byteOff uint32, src []byte) error {
	if byteOff+uint32(len(src)) > fs.clusterSize {
		return fmt.Errorf("write of %d bytes at %d exceeds cluster size %d: %w",
			len(src), byteOff, fs.clusterSize, api.ErrInvalidParam)
	}
	base, err := fs.clusterToLBA(cluster)
	if err != nil {
		return err
	}

	done := uint32(0)
	for done < uint32(len(src)) {
		abs := byteOff + done
		sector := abs / fs.bytesPerSector
		within := abs % fs.bytesPerSector
		n := fs.bytesPerSector - within
		if remaining := uint32(len(src)) - done; n > remaining {
			n = remaining
		}

		b, err := fs.cache.Get(fs.dev, base+uint64(sector))
		if err != nil {
			return err
		}
		copy(b.Data[within:within+n], src[done:done+n])
		b.MarkDirty()
		b.Release()
		done += n
	}
	return nil
}

// clusterAt walks the chain from first to the cluster covering byte offset
// off. Premature end of chain inside the file reports corruption. Called
// with fs.mu held.
func (fs *FS) clusterAt(first uint32, off uint32) (uint32, error) {
	hops := off / fs.clusterSize
	c := first
	for i := uint32(0); i < hops; i++ {
		next, err := fs.nextCluster(c)
		if err != nil {
			return 0, err
		}
		if fs.isEOC(next) {
			return 0, fmt.Errorf("chain ends %d clusters early: %w", hops-i, api.ErrCorrupt)
		}
		if next < 2 || next >= fs.totalDataClusters+2 {
			return 0, fmt.Errorf("chain hits cluster %d: %w", next, api.ErrCorrupt)
		}
		c = next
	}
	return c, nil
}

// clusterAtExtend is clusterAt for writes: chain ends inside the walk are
// repaired by allocating fresh zeroed clusters. Called with fs.mu held.
func (fs *FS) clusterAtExtend(first uint32, off uint32) (uint32, error) {
	hops := off / fs.clusterSize
	c := first
	for i := uint32(0); i < hops; i++ {
		next, err := fs.nextCluster(c)
		if err != nil {
			return 0, err
		}
		if fs.isEOC(next) {
			next, err = fs.allocateCluster(c)
			if err != nil {
				return 0, err
			}
			if err := fs.zeroCluster(next); err != nil {
				return 0, err
			}
		} else if next < 2 || next >= fs.totalDataClusters+2 {
			return 0, fmt.Errorf("chain hits cluster %d: %w", next, api.ErrCorrupt)
		}
		c = next
	}
	return c, nil
}
