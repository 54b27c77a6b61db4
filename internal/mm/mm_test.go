package mm

import (
	"bytes"
	"errors"
	"testing"

	"github.com/virtualroot/vkernel/internal/api"
	"github.com/virtualroot/vkernel/internal/bcache"
	"github.com/virtualroot/vkernel/internal/block"
	"github.com/virtualroot/vkernel/internal/fat"
	"github.com/virtualroot/vkernel/internal/vfs"
)

const testBase = 0x40000000

func newMM(t *testing.T) (*MM, *FrameAllocator) {
	t.Helper()
	frames := NewFrameAllocator(1024)
	return NewMM(frames, nil), frames
}

func TestMapRejectsOverlap(t *testing.T) {
	m, _ := newMM(t)
	if _, err := m.Map(testBase, 4*PageSize, VMRead|VMWrite, nil, 0, 0); err != nil {
		t.Fatalf("map: %v", err)
	}
	if _, err := m.Map(testBase+2*PageSize, 4*PageSize, VMRead, nil, 0, 0); !errors.Is(err, api.ErrInvalidParam) {
		t.Errorf("overlapping map: got %v, want ErrInvalidParam", err)
	}
	if _, err := m.Map(testBase+4*PageSize, PageSize, VMRead, nil, 0, 0); err != nil {
		t.Errorf("adjacent map: %v", err)
	}
	if _, err := m.Map(testBase+100, PageSize, VMRead, nil, 0, 0); !errors.Is(err, api.ErrInvalidParam) {
		t.Errorf("unaligned map: got %v, want ErrInvalidParam", err)
	}
}

func TestDemandZeroFill(t *testing.T) {
	m, frames := newMM(t)
	if _, err := m.Map(testBase, 4*PageSize, VMRead|VMWrite, nil, 0, 0); err != nil {
		t.Fatalf("map: %v", err)
	}
	if frames.InUse() != 0 {
		t.Errorf("%d frames allocated before first touch", frames.InUse())
	}

	buf := make([]byte, 100)
	if err := m.ReadBytes(testBase+PageSize, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, b := range buf {
		if b != 0 {
			t.Fatal("untouched page not zero-filled")
		}
	}
	if frames.InUse() != 1 {
		t.Errorf("%d frames after touching one page, want 1", frames.InUse())
	}

	if err := m.WriteBytes(testBase, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.ReadBytes(testBase, buf[:5]); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:5]) != "hello" {
		t.Errorf("read back %q", buf[:5])
	}
}

func TestFaultOutsideMapping(t *testing.T) {
	m, _ := newMM(t)
	if err := m.HandleFault(0xdeadbeef, false); !errors.Is(err, api.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestProtectionChecks(t *testing.T) {
	m, _ := newMM(t)
	if _, err := m.Map(testBase, PageSize, VMRead, nil, 0, 0); err != nil {
		t.Fatalf("map: %v", err)
	}
	if err := m.WriteBytes(testBase, []byte{1}); !errors.Is(err, api.ErrPermissionDenied) {
		t.Errorf("write to read-only area: got %v, want ErrPermissionDenied", err)
	}

	if _, err := m.Map(testBase+PageSize, PageSize, VMWrite, nil, 0, 0); err != nil {
		t.Fatalf("map: %v", err)
	}
	buf := make([]byte, 1)
	if err := m.ReadBytes(testBase+PageSize, buf); !errors.Is(err, api.ErrPermissionDenied) {
		t.Errorf("read from write-only area: got %v, want ErrPermissionDenied", err)
	}
}

func TestWriteEnableInPlace(t *testing.T) {
	m, _ := newMM(t)
	if _, err := m.Map(testBase, PageSize, VMRead|VMWrite, nil, 0, 0); err != nil {
		t.Fatalf("map: %v", err)
	}

	// A read populates the page read-only.
	buf := make([]byte, 1)
	if err := m.ReadBytes(testBase, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	e, ok := m.as.Lookup(testBase)
	if !ok {
		t.Fatal("page not mapped after read fault")
	}
	if e.writable() {
		t.Error("private writable page mapped writable on a read fault")
	}
	pfn := e.pfn()

	// The sole reference writes in place, no copy.
	if err := m.WriteBytes(testBase, []byte{7}); err != nil {
		t.Fatalf("write: %v", err)
	}
	e, _ = m.as.Lookup(testBase)
	if !e.writable() {
		t.Error("page still read-only after write fault")
	}
	if e.pfn() != pfn {
		t.Error("singly-referenced page was copied instead of write-enabled")
	}
}

func TestCloneCopyOnWrite(t *testing.T) {
	m, frames := newMM(t)
	if _, err := m.Map(testBase, 2*PageSize, VMRead|VMWrite, nil, 0, 0); err != nil {
		t.Fatalf("map: %v", err)
	}
	if err := m.WriteBytes(testBase, []byte("parent data")); err != nil {
		t.Fatalf("write: %v", err)
	}

	child, err := m.Clone()
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if child.VMACount() != 1 {
		t.Errorf("child has %d areas, want 1", child.VMACount())
	}

	e, _ := m.as.Lookup(testBase)
	if e.writable() {
		t.Error("parent page still writable after clone")
	}
	if frames.RefCount(e.pfn()) != 2 {
		t.Errorf("shared frame refcount = %d, want 2", frames.RefCount(e.pfn()))
	}

	// Child reads see the parent's data; child writes do not leak back.
	buf := make([]byte, 11)
	if err := child.ReadBytes(testBase, buf); err != nil {
		t.Fatalf("child read: %v", err)
	}
	if string(buf) != "parent data" {
		t.Errorf("child sees %q", buf)
	}
	if err := child.WriteBytes(testBase, []byte("child  data")); err != nil {
		t.Fatalf("child write: %v", err)
	}
	if err := m.ReadBytes(testBase, buf); err != nil {
		t.Fatalf("parent read: %v", err)
	}
	if string(buf) != "parent data" {
		t.Errorf("parent sees %q after child write", buf)
	}

	// After the copy each side holds its own frame.
	pe, _ := m.as.Lookup(testBase)
	ce, _ := child.as.Lookup(testBase)
	if pe.pfn() == ce.pfn() {
		t.Error("parent and child still share the written page")
	}
	if frames.RefCount(pe.pfn()) != 1 || frames.RefCount(ce.pfn()) != 1 {
		t.Error("refcounts not restored to 1 after copy")
	}

	// With the frame back at refcount 1 a parent write enables the
	// page in place instead of copying again.
	if err := m.WriteBytes(testBase, []byte("parent anew")); err != nil {
		t.Fatalf("parent rewrite: %v", err)
	}
	pe2, _ := m.as.Lookup(testBase)
	if pe2.pfn() != pe.pfn() {
		t.Error("parent write at refcount 1 copied the frame")
	}
	if !pe2.writable() {
		t.Error("parent page not write-enabled in place")
	}

	child.Destroy()
	m.Destroy()
	if frames.InUse() != 0 {
		t.Errorf("%d frames leaked after destroy", frames.InUse())
	}
}

func TestUnmapSplitsArea(t *testing.T) {
	m, frames := newMM(t)
	if _, err := m.Map(testBase, 4*PageSize, VMRead|VMWrite, nil, 0, 0); err != nil {
		t.Fatalf("map: %v", err)
	}
	// Touch all four pages.
	for i := uint64(0); i < 4; i++ {
		if err := m.WriteBytes(testBase+i*PageSize, []byte{byte(i + 1)}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if frames.InUse() != 4 {
		t.Fatalf("%d frames, want 4", frames.InUse())
	}

	// Punch out the middle two pages.
	if err := m.Unmap(testBase+PageSize, 2*PageSize); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if m.VMACount() != 2 {
		t.Errorf("area count = %d after split, want 2", m.VMACount())
	}
	if frames.InUse() != 2 {
		t.Errorf("%d frames after unmap, want 2", frames.InUse())
	}

	buf := make([]byte, 1)
	if err := m.ReadBytes(testBase, buf); err != nil || buf[0] != 1 {
		t.Errorf("head page lost: %v %v", buf[0], err)
	}
	if err := m.ReadBytes(testBase+3*PageSize, buf); err != nil || buf[0] != 4 {
		t.Errorf("tail page lost: %v %v", buf[0], err)
	}
	if err := m.ReadBytes(testBase+PageSize, buf); !errors.Is(err, api.ErrNotFound) {
		t.Errorf("unmapped page: got %v, want ErrNotFound", err)
	}
}

func TestFrameExhaustion(t *testing.T) {
	frames := NewFrameAllocator(2)
	m := NewMM(frames, nil)
	if _, err := m.Map(testBase, 4*PageSize, VMRead|VMWrite, nil, 0, 0); err != nil {
		t.Fatalf("map: %v", err)
	}
	for i := uint64(0); i < 2; i++ {
		if err := m.WriteBytes(testBase+i*PageSize, []byte{1}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := m.WriteBytes(testBase+2*PageSize, []byte{1}); !errors.Is(err, api.ErrOutOfMemory) {
		t.Errorf("got %v, want ErrOutOfMemory", err)
	}
}

func newFileStack(t *testing.T) *vfs.VFS {
	t.Helper()
	dev := block.NewMemDevice("mmtest0", 512, 8192)
	if err := fat.Format(dev, fat.FormatOptions{}); err != nil {
		t.Fatalf("format: %v", err)
	}
	v := vfs.New(bcache.New(64, 128, 3, nil), nil)
	if err := v.RegisterDriver(fat.Driver{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := v.Mount("/", fat.DriverName, dev, false); err != nil {
		t.Fatalf("mount: %v", err)
	}
	t.Cleanup(func() { v.Shutdown() })
	return v
}

func TestFileBackedMapping(t *testing.T) {
	v := newFileStack(t)

	content := bytes.Repeat([]byte("segment!"), 1000) // 8000 bytes
	f, err := v.Open("/prog.bin", api.O_RDWR|api.O_CREAT)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.Write(content); err != nil {
		t.Fatalf("write: %v", err)
	}

	m, _ := newMM(t)
	// Map 8000 file bytes into a 4-page image region; the tail of page 1
	// and pages 2-3 must read as zero.
	if _, err := m.MapImage(f, testBase, 0, 8000, 4*PageSize, VMRead|VMWrite); err != nil {
		t.Fatalf("map image: %v", err)
	}

	got := make([]byte, 8000)
	if err := m.ReadBytes(testBase, got); err != nil {
		t.Fatalf("read mapped: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("mapped content differs from the file")
	}

	tail := make([]byte, 200)
	if err := m.ReadBytes(testBase+8000, tail); err != nil {
		t.Fatalf("read tail: %v", err)
	}
	for _, b := range tail {
		if b != 0 {
			t.Fatal("bytes past the file content are not zero")
		}
	}

	// Writes stay private to the address space.
	if err := m.WriteBytes(testBase, []byte("WRITTEN!")); err != nil {
		t.Fatalf("write mapped: %v", err)
	}
	onDisk := make([]byte, 8)
	if _, err := f.ReadAt(onDisk, 0); err != nil {
		t.Fatalf("file read: %v", err)
	}
	if string(onDisk) != "segment!" {
		t.Errorf("private write reached the file: %q", onDisk)
	}
	f.Close()
}

func TestFileMappingWithOffset(t *testing.T) {
	v := newFileStack(t)

	f, err := v.Open("/data.bin", api.O_RDWR|api.O_CREAT)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pad := make([]byte, PageSize)
	f.Write(pad)
	f.Write([]byte("at offset"))

	m, _ := newMM(t)
	if _, err := m.Map(testBase, PageSize, VMRead, f, PageSize, 0); err != nil {
		t.Fatalf("map: %v", err)
	}
	got := make([]byte, 9)
	if err := m.ReadBytes(testBase, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "at offset" {
		t.Errorf("got %q", got)
	}
	f.Close()
}
