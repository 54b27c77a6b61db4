package block

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/virtualroot/vkernel/internal/api"
)

func TestMemDeviceRoundTrip(t *testing.T) {
	d := NewMemDevice("mem0", 512, 16)

	wr := bytes.Repeat([]byte{0xAB}, 512)
	if err := d.WriteSector(7, wr); err != nil {
		t.Fatalf("write: %v", err)
	}

	rd := make([]byte, 512)
	if err := d.ReadSector(7, rd); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(rd, wr) {
		t.Error("read data does not match written data")
	}

	if err := d.ReadSector(0, rd); err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, b := range rd {
		if b != 0 {
			t.Fatal("untouched sector should be zero-filled")
		}
	}
}

func TestMemDeviceBounds(t *testing.T) {
	d := NewMemDevice("mem0", 512, 4)
	buf := make([]byte, 512)

	if err := d.ReadSector(4, buf); !errors.Is(err, api.ErrInvalidParam) {
		t.Errorf("out-of-range read: got %v, want ErrInvalidParam", err)
	}
	if err := d.WriteSector(0, buf[:100]); !errors.Is(err, api.ErrInvalidParam) {
		t.Errorf("short buffer write: got %v, want ErrInvalidParam", err)
	}
}

func TestFileDeviceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	d, err := CreateFile(path, 512, 32)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	wr := bytes.Repeat([]byte{0x5A}, 512)
	if err := d.WriteSector(31, wr); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	d, err = OpenFile(path, 512, true)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d.Close()

	if got := d.Sectors(); got != 32 {
		t.Errorf("Sectors() = %d, want 32", got)
	}
	rd := make([]byte, 512)
	if err := d.ReadSector(31, rd); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(rd, wr) {
		t.Error("data lost across close/reopen")
	}
	if err := d.WriteSector(0, wr); !errors.Is(err, api.ErrReadOnly) {
		t.Errorf("write on read-only device: got %v, want ErrReadOnly", err)
	}
}

func TestOpenFileMissing(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "nope.img"), 512, false)
	if !errors.Is(err, api.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
