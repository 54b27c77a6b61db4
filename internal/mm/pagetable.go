package mm

// Page table entry flags.
const (
	PteP = 1 << 0 // Present
	PteW = 1 << 1 // Writable
	PteU = 1 << 2 // User accessible
)

const (
	pteFlagMask = PageSize - 1
	tableBits   = 10
	tableSize   = 1 << tableBits
)

// pte packs a frame number and flag bits: pfn<<PageShift | flags.
type pte uint64

func (e pte) present() bool  { return e&PteP != 0 }
func (e pte) writable() bool { return e&PteW != 0 }
func (e pte) pfn() uint32    { return uint32(e >> PageShift) }

func makePTE(pfn uint32, flags uint64) pte {
	return pte(uint64(pfn)<<PageShift | flags&pteFlagMask)
}

// tlbEntry caches one translation.
type tlbEntry struct {
	valid bool
	vpn   uint64
	pfn   uint32
	flags uint64
}

// AddressSpace is a two-level software page table over a 32-bit virtual
// space, with a direct-mapped TLB in front of it. Not safe for concurrent
// use; the owning MM serializes access.
type AddressSpace struct {
	dir [tableSize]*[tableSize]pte
	tlb [256]tlbEntry
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{}
}

func splitVA(va uint64) (dirIdx, tblIdx uint64) {
	vpn := va >> PageShift
	return (vpn >> tableBits) & (tableSize - 1), vpn & (tableSize - 1)
}

// Lookup returns the entry mapping va, if present.
func (as *AddressSpace) Lookup(va uint64) (pte, bool) {
	di, ti := splitVA(va)
	tbl := as.dir[di]
	if tbl == nil {
		return 0, false
	}
	e := tbl[ti]
	return e, e.present()
}

// Map installs a translation from the page containing va to pfn.
func (as *AddressSpace) Map(va uint64, pfn uint32, flags uint64) {
	di, ti := splitVA(va)
	if as.dir[di] == nil {
		as.dir[di] = new([tableSize]pte)
	}
	as.dir[di][ti] = makePTE(pfn, flags|PteP)
	as.flushEntry(va)
}

// Unmap removes the translation for va, returning the frame it mapped.
func (as *AddressSpace) Unmap(va uint64) (uint32, bool) {
	di, ti := splitVA(va)
	tbl := as.dir[di]
	if tbl == nil || !tbl[ti].present() {
		return 0, false
	}
	pfn := tbl[ti].pfn()
	tbl[ti] = 0
	as.flushEntry(va)
	return pfn, true
}

// Protect rewrites the flag bits of an existing mapping.
func (as *AddressSpace) Protect(va uint64, flags uint64) bool {
	di, ti := splitVA(va)
	tbl := as.dir[di]
	if tbl == nil || !tbl[ti].present() {
		return false
	}
	tbl[ti] = makePTE(tbl[ti].pfn(), flags|PteP)
	as.flushEntry(va)
	return true
}

// Translate resolves va through the TLB, falling back to the page walk.
// The boolean reports whether a present mapping exists; write access to a
// read-only page reports no translation so the caller can fault.
func (as *AddressSpace) Translate(va uint64, write bool) (uint32, bool) {
	vpn := va >> PageShift
	idx := vpn & uint64(len(as.tlb)-1)
	if e := &as.tlb[idx]; e.valid && e.vpn == vpn {
		if write && e.flags&PteW == 0 {
			return 0, false
		}
		return e.pfn, true
	}

	e, ok := as.Lookup(va)
	if !ok {
		return 0, false
	}
	as.tlb[idx] = tlbEntry{valid: true, vpn: vpn, pfn: e.pfn(), flags: uint64(e & pteFlagMask)}
	if write && !e.writable() {
		return 0, false
	}
	return e.pfn(), true
}

// flushEntry drops the TLB entry covering va.
func (as *AddressSpace) flushEntry(va uint64) {
	vpn := va >> PageShift
	idx := vpn & uint64(len(as.tlb)-1)
	if e := &as.tlb[idx]; e.valid && e.vpn == vpn {
		e.valid = false
	}
}

// FlushTLB invalidates every cached translation.
func (as *AddressSpace) FlushTLB() {
	for i := range as.tlb {
		as.tlb[i].valid = false
	}
}

// forEachMapping visits every present entry in ascending address order.
func (as *AddressSpace) forEachMapping(fn func(va uint64, e pte)) {
	for di := 0; di < tableSize; di++ {
		tbl := as.dir[di]
		if tbl == nil {
			continue
		}
		for ti := 0; ti < tableSize; ti++ {
			if tbl[ti].present() {
				va := (uint64(di)<<tableBits | uint64(ti)) << PageShift
				fn(va, tbl[ti])
			}
		}
	}
}
