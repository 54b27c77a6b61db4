package vkernel_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/virtualroot/vkernel"
	"github.com/virtualroot/vkernel/internal/api"
	"github.com/virtualroot/vkernel/internal/block"
	"github.com/virtualroot/vkernel/internal/config"
	"github.com/virtualroot/vkernel/internal/fat"
)

func newSystem(t *testing.T, sectors uint64, opts fat.FormatOptions) (*vkernel.System, *block.MemDevice) {
	t.Helper()
	dev := block.NewMemDevice("mem0", 512, sectors)
	if err := fat.Format(dev, opts); err != nil {
		t.Fatalf("format: %v", err)
	}
	cfg := config.Default()
	cfg.LogLevel = "error"
	sys, err := vkernel.NewWithDevice(cfg, dev)
	if err != nil {
		t.Fatalf("new system: %v", err)
	}
	return sys, dev
}

func TestCreateWriteReopenRead(t *testing.T) {
	sys, _ := newSystem(t, 8192, fat.FormatOptions{Type: fat.TypeFAT16})
	defer sys.Shutdown()

	h1, err := sys.Open("/A.TXT", api.O_CREAT|api.O_RDWR)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n, err := sys.Write(h1, []byte("hello")); err != nil || n != 5 {
		t.Fatalf("write = %d, %v", n, err)
	}
	if err := sys.Close(h1); err != nil {
		t.Fatalf("close: %v", err)
	}

	h2, err := sys.Open("/A.TXT", api.O_RDONLY)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	buf := make([]byte, 16)
	n, err := sys.Read(h2, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 5 || string(buf[:5]) != "hello" {
		t.Errorf("read = %d %q, want 5 %q", n, buf[:n], "hello")
	}
	if err := sys.Close(h2); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestLongNameLookup(t *testing.T) {
	sys, dev := newSystem(t, 8192, fat.FormatOptions{Type: fat.TypeFAT16})
	defer sys.Shutdown()

	h, err := sys.Open("/Readme.TXT", api.O_CREAT|api.O_WRONLY)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sys.Close(h)

	// Lookup is case-insensitive against the long name.
	st, err := sys.Stat("/readme.txt")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Name != "Readme.TXT" {
		t.Errorf("stat name = %q", st.Name)
	}

	// The backing 8.3 entry is the uppercased short form.
	if err := sys.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	want := []byte("README  TXT")
	found := false
	sector := make([]byte, 512)
	for lba := uint64(0); lba < 512 && !found; lba++ {
		if err := dev.ReadSector(lba, sector); err != nil {
			t.Fatalf("read sector %d: %v", lba, err)
		}
		found = bytes.Contains(sector, want)
	}
	if !found {
		t.Errorf("short entry %q not found on disk", want)
	}
}

func TestTruncateFreesClusters(t *testing.T) {
	// 8 sectors per cluster = 4 KiB clusters.
	sys, _ := newSystem(t, 40000, fat.FormatOptions{Type: fat.TypeFAT16, SectorsPerCluster: 8})
	defer sys.Shutdown()

	h, err := sys.Open("/LOG", api.O_CREAT|api.O_WRONLY)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := sys.Write(h, make([]byte, 8192)); err != nil {
		t.Fatalf("write: %v", err)
	}
	sys.Close(h)

	before, err := sys.FreeSpace("/")
	if err != nil {
		t.Fatalf("free space: %v", err)
	}

	h, err = sys.Open("/LOG", api.O_WRONLY|api.O_TRUNC)
	if err != nil {
		t.Fatalf("truncate open: %v", err)
	}
	sys.Close(h)

	st, err := sys.Stat("/LOG")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Size != 0 {
		t.Errorf("size after truncate = %d, want 0", st.Size)
	}
	after, _ := sys.FreeSpace("/")
	if after != before+8192 {
		t.Errorf("free space %d -> %d, want +8192", before, after)
	}
}

func TestReaddirSequencing(t *testing.T) {
	sys, _ := newSystem(t, 8192, fat.FormatOptions{Type: fat.TypeFAT16})
	defer sys.Shutdown()

	for _, name := range []string{"/a.bin", "/b.bin", "/c.bin"} {
		h, err := sys.Open(name, api.O_CREAT|api.O_WRONLY)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		sys.Close(h)
	}

	h, err := sys.Open("/", api.O_RDONLY)
	if err != nil {
		t.Fatalf("open root: %v", err)
	}
	defer sys.Close(h)

	want := []string{"a.bin", "b.bin", "c.bin"}
	for i, name := range want {
		e, err := sys.Readdir(h, i)
		if err != nil {
			t.Fatalf("readdir %d: %v", i, err)
		}
		if e.Name != name {
			t.Errorf("entry %d = %q, want %q", i, e.Name, name)
		}
	}
	if _, err := sys.Readdir(h, 3); !errors.Is(err, api.ErrNotFound) {
		t.Errorf("readdir past end: %v, want NotFound", err)
	}

	// Index zero restarts the scan.
	e, err := sys.Readdir(h, 0)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if e.Name != "a.bin" {
		t.Errorf("restart entry = %q, want a.bin", e.Name)
	}
}

func TestUnlinkRestoresFreeSpace(t *testing.T) {
	sys, _ := newSystem(t, 40000, fat.FormatOptions{Type: fat.TypeFAT16, SectorsPerCluster: 8})
	defer sys.Shutdown()

	before, err := sys.FreeSpace("/")
	if err != nil {
		t.Fatalf("free space: %v", err)
	}

	h, err := sys.Open("/BIG.DAT", api.O_CREAT|api.O_WRONLY)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := sys.Write(h, make([]byte, 12*1024)); err != nil {
		t.Fatalf("write: %v", err)
	}
	sys.Close(h)

	used, _ := sys.FreeSpace("/")
	if used != before-3*4096 {
		t.Errorf("free space after write = %d, want %d", used, before-3*4096)
	}

	if err := sys.Unlink("/BIG.DAT"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	after, _ := sys.FreeSpace("/")
	if after != before {
		t.Errorf("free space after unlink = %d, want %d", after, before)
	}
}

func TestDescriptorTable(t *testing.T) {
	sys, _ := newSystem(t, 8192, fat.FormatOptions{Type: fat.TypeFAT16})
	defer sys.Shutdown()

	if _, err := sys.Read(7, make([]byte, 4)); !errors.Is(err, api.ErrBadHandle) {
		t.Errorf("read on unused fd: %v, want BadHandle", err)
	}
	if err := sys.Close(-1); !errors.Is(err, api.ErrBadHandle) {
		t.Errorf("close(-1): %v, want BadHandle", err)
	}

	h, err := sys.Open("/F.TXT", api.O_CREAT|api.O_RDWR)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := sys.Close(h); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sys.Close(h); !errors.Is(err, api.ErrBadHandle) {
		t.Errorf("double close: %v, want BadHandle", err)
	}
}
