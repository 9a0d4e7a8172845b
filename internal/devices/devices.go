// Package devices enumerates candidate target block devices, so the
// CLI can refuse an obviously wrong destination before a single block
// is written.
package devices

import "errors"

// Device describes one enumerated block device.
type Device struct {
	// Path is the device node, e.g. /dev/sdb.
	Path string
	// SizeBytes is the device capacity.
	SizeBytes int64
	// Removable reports the kernel's removable flag; memory cards
	// and USB sticks set it, fixed disks do not.
	Removable bool
}

// ErrUnsupported is reported on platforms without an enumerator.
var ErrUnsupported = errors.New("device enumeration not supported on this platform")

// List enumerates the machine's block devices, loop and ram devices
// excluded.
func List() ([]Device, error) {
	return list()
}

// Lookup returns the enumerated entry for path, if the enumerator
// knows it.
func Lookup(path string) (Device, bool) {
	devs, err := list()
	if err != nil {
		return Device{}, false
	}
	for _, d := range devs {
		if d.Path == path {
			return d, true
		}
	}
	return Device{}, false
}
