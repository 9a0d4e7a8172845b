// Package mbr renders and parses master boot records: 440 bytes of
// bootstrap code, a disk signature, four partition entries and the
// 0x55 0xAA trailer, in one 512-byte sector.
package mbr

import (
	"encoding/binary"
	"fmt"
)

// Size is the length of an MBR sector.
const Size = 512

const (
	bootstrapLen = 440
	sigOffset    = 440
	tableOffset  = 446
	entryLen     = 16

	// Classic disk geometry used to derive CHS fields from LBAs.
	sectorsPerTrack = 63
	heads           = 255
)

// Partition is one of the four primary partition table entries. A
// zero-valued Partition renders as an empty slot.
type Partition struct {
	Boot        bool
	Type        byte
	BlockOffset uint32
	BlockCount  uint32
}

func (p Partition) empty() bool {
	return p.Type == 0 && p.BlockOffset == 0 && p.BlockCount == 0
}

// Table is everything needed to render an MBR.
type Table struct {
	Bootstrap  []byte // at most 440 bytes, zero-padded
	Signature  uint32
	Partitions [4]Partition
}

// lbaToCHS packs an LBA into the three CHS bytes of a partition entry.
// Addresses past the CHS limit saturate to the conventional end marker.
func lbaToCHS(lba uint32, out []byte) {
	cylinder := lba / (sectorsPerTrack * heads)
	if cylinder > 1023 {
		out[0] = 0xFE
		out[1] = 0xFF
		out[2] = 0xFF
		return
	}
	head := (lba / sectorsPerTrack) % heads
	sector := lba%sectorsPerTrack + 1
	out[0] = byte(head)
	out[1] = byte(sector) | byte(cylinder>>8)<<6
	out[2] = byte(cylinder)
}

// Render produces the 512-byte MBR sector.
func (t *Table) Render() ([]byte, error) {
	if len(t.Bootstrap) > bootstrapLen {
		return nil, fmt.Errorf("bootstrap code is %d bytes; the MBR holds at most %d", len(t.Bootstrap), bootstrapLen)
	}
	if err := t.checkOverlap(); err != nil {
		return nil, err
	}

	p := make([]byte, Size)
	copy(p, t.Bootstrap)
	binary.LittleEndian.PutUint32(p[sigOffset:], t.Signature)
	for i, part := range t.Partitions {
		e := p[tableOffset+i*entryLen:]
		if part.empty() {
			continue
		}
		if part.Boot {
			e[0] = 0x80
		}
		lbaToCHS(part.BlockOffset, e[1:4])
		e[4] = part.Type
		lbaToCHS(part.BlockOffset+part.BlockCount-1, e[5:8])
		binary.LittleEndian.PutUint32(e[8:], part.BlockOffset)
		binary.LittleEndian.PutUint32(e[12:], part.BlockCount)
	}
	p[510] = 0x55
	p[511] = 0xAA
	return p, nil
}

func (t *Table) checkOverlap() error {
	for i, a := range t.Partitions {
		if a.empty() {
			continue
		}
		if a.BlockCount == 0 {
			return fmt.Errorf("partition %d has zero length", i)
		}
		for j, b := range t.Partitions[i+1:] {
			if b.empty() {
				continue
			}
			aEnd := uint64(a.BlockOffset) + uint64(a.BlockCount)
			bEnd := uint64(b.BlockOffset) + uint64(b.BlockCount)
			if uint64(a.BlockOffset) < bEnd && uint64(b.BlockOffset) < aEnd {
				return fmt.Errorf("partitions %d and %d overlap", i, i+1+j)
			}
		}
	}
	return nil
}

// Parse decodes the partition table of an MBR sector. It validates
// only the trailer, since bootstrap contents are opaque.
func Parse(p []byte) (*Table, error) {
	if len(p) < Size {
		return nil, fmt.Errorf("MBR is %d bytes, want %d", len(p), Size)
	}
	if p[510] != 0x55 || p[511] != 0xAA {
		return nil, fmt.Errorf("missing MBR signature bytes")
	}
	t := &Table{
		Bootstrap: append([]byte(nil), p[:bootstrapLen]...),
		Signature: binary.LittleEndian.Uint32(p[sigOffset:]),
	}
	for i := range t.Partitions {
		e := p[tableOffset+i*entryLen:]
		t.Partitions[i] = Partition{
			Boot:        e[0]&0x80 != 0,
			Type:        e[4],
			BlockOffset: binary.LittleEndian.Uint32(e[8:]),
			BlockCount:  binary.LittleEndian.Uint32(e[12:]),
		}
	}
	return t, nil
}
