//go:build unix

package block

import (
	"os"

	"golang.org/x/sys/unix"
)

func lockImage(f *os.File, readOnly bool) error {
	how := unix.LOCK_EX
	if readOnly {
		how = unix.LOCK_SH
	}
	return unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
}

func unlockImage(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
