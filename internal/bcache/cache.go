// Package bcache implements a sector buffer cache shared by all mounted
// filesystems. Buffers are keyed by (device name, block number), looked up
// through an FNV-1a hash table and recycled in LRU order once their
// reference count drops to zero.
package bcache

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/virtualroot/vkernel/internal/api"
	"github.com/virtualroot/vkernel/internal/block"
)

const (
	// DefaultBuckets is the default hash table size. Must be a power of two.
	DefaultBuckets = 64
	// DefaultCapacity is the default maximum number of cached buffers.
	DefaultCapacity = 256
	// DefaultReadRetries is how many times a sector read is attempted
	// before the cache reports an I/O error.
	DefaultReadRetries = 3
)

// Buffer is one cached sector. Data is valid between Get and Release;
// callers that modify it must call MarkDirty before releasing.
type Buffer struct {
	cache *Cache
	dev   block.Device
	block uint64

	Data []byte

	refCount int
	dirty    bool
	loading  bool

	hashNext *Buffer
	// LRU list, most recently used first.
	prev, next *Buffer
}

// Block returns the device block number this buffer caches.
func (b *Buffer) Block() uint64 { return b.block }

// Device returns the device this buffer belongs to.
func (b *Buffer) Device() block.Device { return b.dev }

// MarkDirty records that Data has been modified and must be written back
// before the buffer is recycled.
func (b *Buffer) MarkDirty() {
	b.cache.mu.Lock()
	b.dirty = true
	b.cache.mu.Unlock()
}

// Release drops the caller's reference. The buffer stays cached until it
// is evicted or invalidated.
func (b *Buffer) Release() {
	b.cache.mu.Lock()
	if b.refCount > 0 {
		b.refCount--
	} else {
		b.cache.log.Error("buffer released more times than acquired",
			"device", b.dev.Name(), "block", b.block)
	}
	b.cache.mu.Unlock()
}

// Cache is the buffer cache. The zero value is not usable; construct with
// New.
type Cache struct {
	mu   sync.Mutex
	cond *sync.Cond
	log  *slog.Logger

	buckets  []*Buffer
	mask     uint64
	capacity int
	retries  int
	count    int

	// LRU list heads. lruHead is most recently used.
	lruHead, lruTail *Buffer
}

// New creates a cache with the given hash table size and buffer capacity.
// buckets is rounded up to a power of two. Zero or negative arguments take
// the package defaults.
func New(buckets, capacity, retries int, log *slog.Logger) *Cache {
	if buckets <= 0 {
		buckets = DefaultBuckets
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if retries <= 0 {
		retries = DefaultReadRetries
	}
	if log == nil {
		log = slog.Default()
	}
	n := 1
	for n < buckets {
		n <<= 1
	}
	c := &Cache{
		log:      log,
		buckets:  make([]*Buffer, n),
		mask:     uint64(n - 1),
		capacity: capacity,
		retries:  retries,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// hashKey is FNV-1a over the device name bytes followed by the block
// number, little-endian.
func (c *Cache) hashKey(name string, blk uint64) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(name); i++ {
		h ^= uint64(name[i])
		h *= prime64
	}
	for i := 0; i < 8; i++ {
		h ^= blk & 0xff
		h *= prime64
		blk >>= 8
	}
	return h & c.mask
}

// Get returns the buffer for (dev, blk) with its reference count raised,
// reading the sector from the device on a miss. A read is attempted up to
// the configured retry count before failing.
func (c *Cache) Get(dev block.Device, blk uint64) (*Buffer, error) {
	if dev == nil {
		return nil, fmt.Errorf("nil device: %w", api.ErrInvalidParam)
	}
	if blk >= dev.Sectors() {
		return nil, fmt.Errorf("block %d out of range on %s: %w", blk, dev.Name(), api.ErrInvalidParam)
	}

	c.mu.Lock()
	idx := c.hashKey(dev.Name(), blk)

retry:
	for b := c.buckets[idx]; b != nil; b = b.hashNext {
		if b.dev.Name() == dev.Name() && b.block == blk {
			if b.loading {
				// Another caller is populating this buffer.
				c.cond.Wait()
				goto retry
			}
			b.refCount++
			c.lruTouch(b)
			c.mu.Unlock()
			return b, nil
		}
	}

	b, err := c.allocLocked(dev, blk, idx)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	// Populate outside the lock. The loading flag keeps other callers off
	// the buffer until we finish.
	rerr := c.readWithRetry(dev, blk, b.Data)

	c.mu.Lock()
	b.loading = false
	if rerr != nil {
		c.removeLocked(b)
		c.cond.Broadcast()
		c.mu.Unlock()
		return nil, rerr
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	return b, nil
}

func (c *Cache) readWithRetry(dev block.Device, blk uint64, buf []byte) error {
	var err error
	for attempt := 0; attempt < c.retries; attempt++ {
		err = dev.ReadSector(blk, buf)
		if err == nil {
			return nil
		}
		c.log.Warn("sector read failed, retrying",
			"device", dev.Name(), "block", blk, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("read %s block %d after %d attempts: %w", dev.Name(), blk, c.retries, api.ErrIO)
}

// allocLocked finds or evicts space for a new buffer and hashes it in with
// refCount 1 and the loading flag set. Called with c.mu held.
func (c *Cache) allocLocked(dev block.Device, blk uint64, idx uint64) (*Buffer, error) {
	if c.count >= c.capacity {
		if err := c.evictLocked(); err != nil {
			return nil, err
		}
	}

	b := &Buffer{
		cache:    c,
		dev:      dev,
		block:    blk,
		Data:     make([]byte, dev.SectorSize()),
		refCount: 1,
		loading:  true,
	}
	b.hashNext = c.buckets[idx]
	c.buckets[idx] = b
	c.lruPushFront(b)
	c.count++
	return b, nil
}

// evictLocked recycles the least recently used unreferenced buffer,
// writing it back first if dirty. Called with c.mu held; the write-back
// happens with the lock dropped.
func (c *Cache) evictLocked() error {
	var victim *Buffer
	for b := c.lruTail; b != nil; b = b.prev {
		if b.refCount == 0 && !b.loading {
			victim = b
			break
		}
	}
	if victim == nil {
		return fmt.Errorf("all %d buffers referenced: %w", c.capacity, api.ErrOutOfMemory)
	}

	if victim.dirty {
		// Pin the victim, clear dirty, and flush a snapshot outside the
		// lock. A MarkDirty that lands during the write sets the flag
		// again and the buffer is flushed anew instead of discarded.
		victim.refCount++
		victim.dirty = false
		data := append([]byte(nil), victim.Data...)
		c.mu.Unlock()
		err := victim.dev.WriteSector(victim.block, data)
		c.mu.Lock()
		victim.refCount--
		if err != nil {
			victim.dirty = true
			c.log.Error("write-back of evicted buffer failed",
				"device", victim.dev.Name(), "block", victim.block, "error", err)
			return fmt.Errorf("write back %s block %d: %w", victim.dev.Name(), victim.block, api.ErrIO)
		}
		if victim.refCount != 0 || victim.dirty {
			// Re-referenced or re-dirtied while we flushed; look for
			// another victim.
			return c.evictLocked()
		}
	}

	c.removeLocked(victim)
	return nil
}

// removeLocked unhashes and unlinks a buffer. Called with c.mu held.
func (c *Cache) removeLocked(b *Buffer) {
	idx := c.hashKey(b.dev.Name(), b.block)
	pp := &c.buckets[idx]
	for *pp != nil {
		if *pp == b {
			*pp = b.hashNext
			break
		}
		pp = &(*pp).hashNext
	}
	c.lruUnlink(b)
	c.count--
}

func (c *Cache) lruPushFront(b *Buffer) {
	b.prev = nil
	b.next = c.lruHead
	if c.lruHead != nil {
		c.lruHead.prev = b
	}
	c.lruHead = b
	if c.lruTail == nil {
		c.lruTail = b
	}
}

func (c *Cache) lruUnlink(b *Buffer) {
	if b.prev != nil {
		b.prev.next = b.next
	} else if c.lruHead == b {
		c.lruHead = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else if c.lruTail == b {
		c.lruTail = b.prev
	}
	b.prev, b.next = nil, nil
}

func (c *Cache) lruTouch(b *Buffer) {
	c.lruUnlink(b)
	c.lruPushFront(b)
}

// SyncDevice writes back every dirty buffer belonging to dev. Buffers stay
// cached. If dev is nil all devices are synced. The dirty flag is cleared
// under the lock before each write and the write uses a snapshot of the
// data, so a concurrent MarkDirty is never lost: it re-sets the flag and
// the buffer is picked up by the next sync.
func (c *Cache) SyncDevice(dev block.Device) error {
	type writeBack struct {
		b    *Buffer
		data []byte
	}

	c.mu.Lock()
	var dirty []writeBack
	for b := c.lruHead; b != nil; b = b.next {
		if b.dirty && !b.loading && (dev == nil || b.dev.Name() == dev.Name()) {
			b.refCount++
			b.dirty = false
			dirty = append(dirty, writeBack{b, append([]byte(nil), b.Data...)})
		}
	}
	c.mu.Unlock()

	var firstErr error
	for _, wb := range dirty {
		err := wb.b.dev.WriteSector(wb.b.block, wb.data)
		c.mu.Lock()
		wb.b.refCount--
		if err != nil {
			wb.b.dirty = true
		}
		c.mu.Unlock()
		if err != nil {
			c.log.Error("sync write-back failed",
				"device", wb.b.dev.Name(), "block", wb.b.block, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("sync %s block %d: %w", wb.b.dev.Name(), wb.b.block, api.ErrIO)
			}
		}
	}
	return firstErr
}

// Sync writes back every dirty buffer on every device.
func (c *Cache) Sync() error {
	return c.SyncDevice(nil)
}

// InvalidateDevice drops every unreferenced buffer belonging to dev.
// Buffers still referenced or loading stay cached; dirty buffers are
// discarded with a warning, so callers should sync first.
func (c *Cache) InvalidateDevice(dev block.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.lruHead
	for b != nil {
		next := b.next
		if b.dev.Name() == dev.Name() && b.refCount == 0 && !b.loading {
			if b.dirty {
				c.log.Warn("discarding dirty buffer on invalidate",
					"device", dev.Name(), "block", b.block)
			}
			c.removeLocked(b)
		}
		b = next
	}
}

// Stats reports the current buffer count and configured capacity.
func (c *Cache) Stats() (count, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count, c.capacity
}
