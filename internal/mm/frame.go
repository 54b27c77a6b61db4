// Package mm implements a per-process memory model: a red-black tree of
// virtual memory areas, software page tables with a small TLB, demand
// paging with copy-on-write, and a physical frame allocator that tracks
// one reference per page table entry.
package mm

import (
	"fmt"
	"sync"

	"github.com/virtualroot/vkernel/internal/api"
)

// PageSize is the size of a virtual page and a physical frame.
const PageSize = 4096

// PageShift is log2(PageSize).
const PageShift = 12

// frame is one simulated physical page.
type frame struct {
	data []byte
	refs int
}

// FrameAllocator hands out simulated physical frames identified by frame
// number. Frame number 0 is never allocated. Safe for concurrent use.
type FrameAllocator struct {
	mu        sync.Mutex
	frames    []*frame
	freeList  []uint32
	maxFrames int
	allocated int
}

// NewFrameAllocator creates an allocator bounded to maxFrames frames.
func NewFrameAllocator(maxFrames int) *FrameAllocator {
	return &FrameAllocator{
		frames:    make([]*frame, 1), // slot 0 reserved
		maxFrames: maxFrames,
	}
}

// Alloc returns a zeroed frame with reference count 1.
func (a *FrameAllocator) Alloc() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.allocated >= a.maxFrames {
		return 0, fmt.Errorf("frame limit %d reached: %w", a.maxFrames, api.ErrOutOfMemory)
	}

	var pfn uint32
	if n := len(a.freeList); n > 0 {
		pfn = a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		f := a.frames[pfn]
		for i := range f.data {
			f.data[i] = 0
		}
		f.refs = 1
	} else {
		a.frames = append(a.frames, &frame{data: make([]byte, PageSize), refs: 1})
		pfn = uint32(len(a.frames) - 1)
	}
	a.allocated++
	return pfn, nil
}

// Data returns the backing page for pfn.
func (a *FrameAllocator) Data(pfn uint32) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f := a.frameLocked(pfn); f != nil {
		return f.data
	}
	return nil
}

// Ref raises the reference count of a live frame. Each page table entry
// referencing a frame holds exactly one reference.
func (a *FrameAllocator) Ref(pfn uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f := a.frameLocked(pfn); f != nil {
		f.refs++
	}
}

// Put drops one reference, freeing the frame when none remain.
func (a *FrameAllocator) Put(pfn uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f := a.frameLocked(pfn)
	if f == nil || f.refs == 0 {
		return
	}
	f.refs--
	if f.refs == 0 {
		a.allocated--
		a.freeList = append(a.freeList, pfn)
	}
}

// RefCount returns the current reference count of pfn.
func (a *FrameAllocator) RefCount(pfn uint32) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f := a.frameLocked(pfn); f != nil {
		return f.refs
	}
	return 0
}

// InUse returns the number of live frames.
func (a *FrameAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}

func (a *FrameAllocator) frameLocked(pfn uint32) *frame {
	if pfn == 0 || int(pfn) >= len(a.frames) {
		return nil
	}
	return a.frames[pfn]
}
