package mm

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/virtualroot/vkernel/internal/api"
	"github.com/virtualroot/vkernel/internal/vfs"
)

// MM is one process address space: the VMA tree, the page tables and a
// handle to the shared frame allocator.
type MM struct {
	mu     sync.Mutex
	log    *slog.Logger
	frames *FrameAllocator
	as     *AddressSpace
	tree   *vmaTree
}

// NewMM creates an empty address space drawing frames from frames.
func NewMM(frames *FrameAllocator, log *slog.Logger) *MM {
	if log == nil {
		log = slog.Default()
	}
	return &MM{
		log:    log,
		frames: frames,
		as:     NewAddressSpace(),
		tree:   newVMATree(),
	}
}

// Map creates a VMA covering [start, start+length). Both bounds must be
// page aligned and the range must not intersect an existing area. A nil
// file makes the area anonymous zero-fill; fileSize bounds the bytes read
// from the file, with the remainder of the area zero-filled.
func (m *MM) Map(start, length uint64, prot uint32, file *vfs.File, fileOff, fileSize uint64) (*VMA, error) {
	if length == 0 || start%PageSize != 0 || length%PageSize != 0 {
		return nil, &api.Error{Op: "mmap", Err: api.ErrInvalidParam}
	}
	if start+length < start {
		return nil, &api.Error{Op: "mmap", Err: api.ErrOverflow}
	}
	if file == nil && fileSize != 0 {
		return nil, &api.Error{Op: "mmap", Err: api.ErrInvalidParam}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	end := start + length
	if hit := m.tree.findOverlap(start, end); hit != nil {
		return nil, &api.Error{Op: "mmap",
			Err: fmt.Errorf("range %#x-%#x overlaps %s: %w", start, end, hit, api.ErrInvalidParam)}
	}

	v := &VMA{Start: start, End: end, Prot: prot, File: file, FileOff: fileOff, FileSize: fileSize}
	if file != nil && fileSize == 0 {
		v.FileSize = length
	}
	m.tree.insert(v)
	return v, nil
}

// Unmap removes every mapping inside [start, start+length), releasing the
// frames it referenced. Areas partially covered are trimmed or split.
func (m *MM) Unmap(start, length uint64) error {
	if length == 0 || start%PageSize != 0 || length%PageSize != 0 {
		return &api.Error{Op: "munmap", Err: api.ErrInvalidParam}
	}
	end := start + length
	if end < start {
		return &api.Error{Op: "munmap", Err: api.ErrOverflow}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		v := m.tree.findOverlap(start, end)
		if v == nil {
			break
		}
		node := m.tree.findNode(v)
		m.tree.remove(node)

		lo := v.Start
		if start > lo {
			lo = start
		}
		hi := v.End
		if end < hi {
			hi = end
		}
		for page := lo; page < hi; page += PageSize {
			if pfn, ok := m.as.Unmap(page); ok {
				m.frames.Put(pfn)
			}
		}

		if v.Start < start {
			head := *v
			head.End = start
			if head.File != nil && head.FileSize > head.Len() {
				head.FileSize = head.Len()
			}
			m.tree.insert(&head)
		}
		if v.End > end {
			tail := *v
			tail.Start = end
			if tail.File != nil {
				skip := end - v.Start
				tail.FileOff = v.FileOff + skip
				if v.FileSize > skip {
					tail.FileSize = v.FileSize - skip
				} else {
					tail.FileSize = 0
				}
			}
			m.tree.insert(&tail)
		}
	}
	return nil
}

// FindVMA returns the area containing addr, or nil.
func (m *MM) FindVMA(addr uint64) *VMA {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.findContaining(addr)
}

// VMACount returns the number of areas.
func (m *MM) VMACount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.size
}

// MapImage maps a file segment the way a loader does: fileSize bytes of
// content starting at fileOff, inside a memSize-byte region whose
// remainder reads as zero. memSize rounds up to whole pages.
func (m *MM) MapImage(file *vfs.File, vaddr, fileOff, fileSize, memSize uint64, prot uint32) (*VMA, error) {
	if memSize < fileSize {
		return nil, &api.Error{Op: "mmap", Err: api.ErrInvalidParam}
	}
	return m.Map(vaddr, pageAlignUp(memSize), prot, file, fileOff, fileSize)
}

// Clone builds a copy-on-write duplicate of the address space. Private
// pages lose their write permission in both copies so the first write
// from either side faults and copies; shared pages keep their mapping.
func (m *MM) Clone() (*MM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	child := NewMM(m.frames, m.log)
	m.tree.forEach(func(v *VMA) bool {
		cv := *v
		child.tree.insert(&cv)
		return true
	})

	m.as.forEachMapping(func(va uint64, e pte) {
		v := m.tree.findContaining(va)
		if v == nil {
			// Mapping with no area: stale entry, drop it from the child.
			return
		}
		flags := uint64(e & pteFlagMask)
		if v.Prot&VMShared == 0 {
			flags &^= uint64(PteW)
			m.as.Protect(va, flags)
		}
		child.as.Map(va, e.pfn(), flags)
		m.frames.Ref(e.pfn())
	})
	return child, nil
}

// Destroy releases every frame the address space references and empties
// the VMA tree.
func (m *MM) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.as.forEachMapping(func(va uint64, e pte) {
		m.frames.Put(e.pfn())
	})
	m.as = NewAddressSpace()
	m.tree = newVMATree()
}

// ReadBytes copies from the address space into p, faulting pages in on
// demand.
func (m *MM) ReadBytes(addr uint64, p []byte) error {
	return m.access(addr, p, false)
}

// WriteBytes copies p into the address space, triggering demand paging
// and copy-on-write as a store instruction would.
func (m *MM) WriteBytes(addr uint64, p []byte) error {
	return m.access(addr, p, true)
}

func (m *MM) access(addr uint64, p []byte, write bool) error {
	done := 0
	for done < len(p) {
		va := addr + uint64(done)
		page := pageAlignDown(va)
		n := int(page + PageSize - va)
		if rest := len(p) - done; n > rest {
			n = rest
		}

		m.mu.Lock()
		pfn, ok := m.as.Translate(va, write)
		m.mu.Unlock()
		if !ok {
			if err := m.HandleFault(va, write); err != nil {
				return err
			}
			m.mu.Lock()
			pfn, ok = m.as.Translate(va, write)
			m.mu.Unlock()
			if !ok {
				return &api.Error{Op: "access",
					Err: fmt.Errorf("address %#x still unmapped after fault: %w", va, api.ErrCorrupt)}
			}
		}

		data := m.frames.Data(pfn)
		off := va - page
		if write {
			copy(data[off:off+uint64(n)], p[done:done+n])
		} else {
			copy(p[done:done+n], data[off:off+uint64(n)])
		}
		done += n
	}
	return nil
}
