package mm

import (
	"fmt"

	"github.com/virtualroot/vkernel/internal/vfs"
)

// VMA protection and sharing flags.
const (
	VMRead   = 1 << 0
	VMWrite  = 1 << 1
	VMExec   = 1 << 2
	VMShared = 1 << 3
)

// VMA is one virtual memory area: a page-aligned [Start, End) range with
// uniform protection. File-backed areas read their pages from File at
// FileOff; bytes past FileSize within the area are zero-filled.
type VMA struct {
	Start, End uint64
	Prot       uint32

	File     *vfs.File
	FileOff  uint64
	FileSize uint64
}

// Len returns the area size in bytes.
func (v *VMA) Len() uint64 { return v.End - v.Start }

// Anonymous reports whether the area has no file backing.
func (v *VMA) Anonymous() bool { return v.File == nil }

func (v *VMA) String() string {
	kind := "anon"
	if v.File != nil {
		kind = v.File.Path()
	}
	return fmt.Sprintf("[%#x-%#x %s prot=%#x]", v.Start, v.End, kind, v.Prot)
}

// contains reports whether addr falls inside the area.
func (v *VMA) contains(addr uint64) bool {
	return addr >= v.Start && addr < v.End
}

func pageAlignDown(v uint64) uint64 { return v &^ (PageSize - 1) }

func pageAlignUp(v uint64) uint64 { return (v + PageSize - 1) &^ (PageSize - 1) }
