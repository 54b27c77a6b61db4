package vfs_test

import (
	"errors"
	"testing"

	"github.com/virtualroot/vkernel/internal/api"
	"github.com/virtualroot/vkernel/internal/bcache"
	"github.com/virtualroot/vkernel/internal/block"
	"github.com/virtualroot/vkernel/internal/fat"
	"github.com/virtualroot/vkernel/internal/vfs"
)

func newStack(t *testing.T) (*vfs.VFS, *block.MemDevice) {
	t.Helper()
	dev := block.NewMemDevice("root0", 512, 8192)
	if err := fat.Format(dev, fat.FormatOptions{Label: "ROOT"}); err != nil {
		t.Fatalf("format: %v", err)
	}
	cache := bcache.New(64, 128, 3, nil)
	v := vfs.New(cache, nil)
	if err := v.RegisterDriver(fat.Driver{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := v.Mount("/", fat.DriverName, dev, false); err != nil {
		t.Fatalf("mount: %v", err)
	}
	return v, dev
}

func TestRegisterDuplicateDriver(t *testing.T) {
	v := vfs.New(bcache.New(8, 16, 3, nil), nil)
	if err := v.RegisterDriver(fat.Driver{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := v.RegisterDriver(fat.Driver{}); !errors.Is(err, api.ErrFileExists) {
		t.Errorf("duplicate register: got %v, want ErrFileExists", err)
	}
}

func TestMountUnknownDriver(t *testing.T) {
	v := vfs.New(bcache.New(8, 16, 3, nil), nil)
	dev := block.NewMemDevice("d0", 512, 128)
	if err := v.Mount("/", "nope", dev, false); !errors.Is(err, api.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestOffsetManagement(t *testing.T) {
	v, _ := newStack(t)
	defer v.Shutdown()

	f, err := v.Open("/a.txt", api.O_RDWR|api.O_CREAT)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.Write([]byte("hello ")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := f.Write([]byte("world")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if pos, err := f.Seek(0, api.SeekSet); err != nil || pos != 0 {
		t.Fatalf("seek: %d, %v", pos, err)
	}

	buf := make([]byte, 6)
	if n, err := f.Read(buf); err != nil || n != 6 {
		t.Fatalf("read: n=%d err=%v", n, err)
	}
	if string(buf) != "hello " {
		t.Errorf("first read %q", buf)
	}
	// The offset advanced; the next read continues.
	buf = make([]byte, 5)
	if n, err := f.Read(buf); err != nil || n != 5 {
		t.Fatalf("read: n=%d err=%v", n, err)
	}
	if string(buf) != "world" {
		t.Errorf("second read %q", buf)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.Close(); !errors.Is(err, api.ErrBadHandle) {
		t.Errorf("double close: got %v, want ErrBadHandle", err)
	}
}

func TestAppendMode(t *testing.T) {
	v, _ := newStack(t)
	defer v.Shutdown()

	f, err := v.Open("/log.txt", api.O_RDWR|api.O_CREAT)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.Write([]byte("one"))
	f.Close()

	f, err = v.Open("/log.txt", api.O_RDWR|api.O_APPEND)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	if _, err := f.Write([]byte("two")); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Seek(0, api.SeekSet)
	buf := make([]byte, 6)
	if n, err := f.Read(buf); err != nil || n != 6 {
		t.Fatalf("read: n=%d err=%v", n, err)
	}
	if string(buf) != "onetwo" {
		t.Errorf("content %q", buf)
	}
	f.Close()
}

func TestLongestPrefixWins(t *testing.T) {
	v, _ := newStack(t)
	defer v.Shutdown()

	if err := v.Mkdir("/inner"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	inner := block.NewMemDevice("inner0", 512, 8192)
	if err := fat.Format(inner, fat.FormatOptions{Label: "INNER"}); err != nil {
		t.Fatalf("format: %v", err)
	}
	if err := v.Mount("/inner", fat.DriverName, inner, false); err != nil {
		t.Fatalf("mount inner: %v", err)
	}

	f, err := v.Open("/inner/file.txt", api.O_RDWR|api.O_CREAT)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.Write([]byte("inner volume"))
	f.Close()

	// The file lives on the inner device, not the root one.
	if err := v.Unmount("/"); !errors.Is(err, api.ErrBusy) {
		t.Fatalf("unmount of / with nested mount: got %v, want ErrBusy", err)
	}
	if err := v.Unmount("/inner"); err != nil {
		t.Fatalf("unmount inner: %v", err)
	}
	if _, err := v.Stat("/inner/file.txt"); !errors.Is(err, api.ErrNotFound) {
		t.Errorf("after unmount the path resolves to the root volume: %v", err)
	}
	if err := v.Unmount("/"); err != nil {
		t.Fatalf("unmount root: %v", err)
	}
}

func TestMountsListing(t *testing.T) {
	v, _ := newStack(t)
	defer v.Shutdown()

	mounts := v.Mounts()
	if len(mounts) != 1 {
		t.Fatalf("%d mounts", len(mounts))
	}
	if mounts[0].MountPoint != "/" || mounts[0].Driver != fat.DriverName {
		t.Errorf("mounts[0] = %+v", mounts[0])
	}
}

func TestReadOnlyMount(t *testing.T) {
	dev := block.NewMemDevice("ro0", 512, 8192)
	if err := fat.Format(dev, fat.FormatOptions{}); err != nil {
		t.Fatalf("format: %v", err)
	}
	cache := bcache.New(64, 128, 3, nil)
	v := vfs.New(cache, nil)
	if err := v.RegisterDriver(fat.Driver{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := v.Mount("/", fat.DriverName, dev, true); err != nil {
		t.Fatalf("mount: %v", err)
	}
	defer v.Shutdown()

	if _, err := v.Open("/x", api.O_RDWR|api.O_CREAT); !errors.Is(err, api.ErrReadOnly) {
		t.Errorf("create on read-only mount: got %v, want ErrReadOnly", err)
	}
	if err := v.Unlink("/x"); !errors.Is(err, api.ErrReadOnly) {
		t.Errorf("unlink on read-only mount: got %v, want ErrReadOnly", err)
	}
}
