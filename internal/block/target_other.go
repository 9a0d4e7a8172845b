//go:build !linux

package block

import "os"

func deviceSize(f *os.File) (int64, error) {
	// Seek to the end; works for block devices on the BSDs and macOS.
	return f.Seek(0, 2)
}

func deviceTrim(f *os.File, off, length int64) error {
	return ErrTrimUnsupported
}
