// Package block provides the addressing, device access and write-back
// caching layer that every write to the target device goes through.
package block

// Size is the unit in which the target device is addressed. Offsets and
// counts in configuration files are expressed in these units.
const Size = 512

// Addr is a device address in 512-byte blocks, as opposed to a byte
// offset. Conversions to bytes happen at the device boundary only.
type Addr uint64

// Bytes returns the byte offset of the block address.
func (a Addr) Bytes() int64 { return int64(a) * Size }
