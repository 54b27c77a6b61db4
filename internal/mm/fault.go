package mm

import (
	"fmt"

	"github.com/virtualroot/vkernel/internal/api"
)

// HandleFault resolves a page fault at addr. write distinguishes store
// faults from load faults. Faults outside any area report not-found;
// accesses forbidden by the area's protection report permission-denied.
func (m *MM) HandleFault(addr uint64, write bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.tree.findContaining(addr)
	if v == nil {
		return &api.Error{Op: "fault",
			Err: fmt.Errorf("no mapping at %#x: %w", addr, api.ErrNotFound)}
	}
	if write && v.Prot&VMWrite == 0 {
		return &api.Error{Op: "fault",
			Err: fmt.Errorf("write to read-only mapping at %#x: %w", addr, api.ErrPermissionDenied)}
	}
	if !write && v.Prot&VMRead == 0 {
		return &api.Error{Op: "fault",
			Err: fmt.Errorf("read from unreadable mapping at %#x: %w", addr, api.ErrPermissionDenied)}
	}

	page := pageAlignDown(addr)
	if e, ok := m.as.Lookup(page); ok {
		return m.handlePresentFault(v, page, e, write)
	}
	return m.handleMissingFault(v, page, write)
}

// handlePresentFault handles a fault on a mapped page: a store hitting a
// page whose entry lacks the write bit. Private mappings copy on write,
// except when this address space holds the only reference, in which case
// the page is write-enabled in place. Called with m.mu held.
func (m *MM) handlePresentFault(v *VMA, page uint64, e pte, write bool) error {
	if !write || e.writable() {
		// Spurious fault, likely a stale TLB entry.
		m.as.flushEntry(page)
		return nil
	}

	pfn := e.pfn()
	flags := uint64(e&pteFlagMask) | PteW

	if m.frames.RefCount(pfn) == 1 {
		m.as.Protect(page, flags)
		return nil
	}

	newPfn, err := m.frames.Alloc()
	if err != nil {
		return &api.Error{Op: "fault", Err: err}
	}
	copy(m.frames.Data(newPfn), m.frames.Data(pfn))
	m.as.Map(page, newPfn, flags)
	m.frames.Put(pfn)
	m.log.Debug("copied page on write", "page", page, "from", pfn, "to", newPfn)
	return nil
}

// handleMissingFault populates a page on first touch: zero-fill for
// anonymous areas, file content with a zeroed tail for file-backed ones.
// Writable private pages populated by a read are mapped read-only so a
// later store still faults; the triggering write maps them writable since
// the fresh frame cannot be shared. Called with m.mu held.
func (m *MM) handleMissingFault(v *VMA, page uint64, write bool) error {
	pfn, err := m.frames.Alloc()
	if err != nil {
		return &api.Error{Op: "fault", Err: err}
	}

	if v.File != nil {
		rel := page - v.Start
		if rel < v.FileSize {
			n := v.FileSize - rel
			if n > PageSize {
				n = PageSize
			}
			// A short read leaves the tail zeroed, which is the demand
			// paging contract past end of file.
			data := m.frames.Data(pfn)
			if _, rerr := v.File.ReadAt(data[:n], int64(v.FileOff+rel)); rerr != nil {
				m.frames.Put(pfn)
				return &api.Error{Op: "fault", Path: v.File.Path(),
					Err: fmt.Errorf("populate page at %#x: %w", page, rerr)}
			}
		}
	}

	var flags uint64 = PteU
	if v.Prot&VMWrite != 0 && (write || v.Prot&VMShared != 0) {
		flags |= PteW
	}
	m.as.Map(page, pfn, flags)
	return nil
}
