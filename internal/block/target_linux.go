//go:build linux

package block

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

func deviceSize(f *os.File) (int64, error) {
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, errno
	}
	return int64(size), nil
}

func deviceTrim(f *os.File, off, length int64) error {
	rng := [2]uint64{uint64(off), uint64(length)}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKDISCARD, uintptr(unsafe.Pointer(&rng[0])))
	if errno == unix.EOPNOTSUPP {
		return ErrTrimUnsupported
	}
	if errno != 0 {
		return errno
	}
	return nil
}
