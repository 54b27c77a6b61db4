package api

import (
	"time"
)

// Open flags understood by the VFS and its drivers. The values mirror the
// usual POSIX bit assignments so they compose with the os package constants.
const (
	O_RDONLY  = 0x0
	O_WRONLY  = 0x1
	O_RDWR    = 0x2
	O_ACCMODE = 0x3

	O_CREAT  = 0x40
	O_EXCL   = 0x80
	O_TRUNC  = 0x200
	O_APPEND = 0x400
)

// Whence values for Lseek.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// DirEntry describes one directory member as returned by Readdir.
type DirEntry struct {
	Name  string
	IsDir bool
	Size  uint32
}

// Stat describes per-path metadata.
type Stat struct {
	Name     string
	Size     uint32
	IsDir    bool
	ReadOnly bool
	ModTime  time.Time
}

// AccessWrite reports whether flags request write access.
func AccessWrite(flags int) bool {
	mode := flags & O_ACCMODE
	return mode == O_WRONLY || mode == O_RDWR
}

// AccessRead reports whether flags request read access.
func AccessRead(flags int) bool {
	mode := flags & O_ACCMODE
	return mode == O_RDONLY || mode == O_RDWR
}
