package mbr

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func fourPartitions() *Table {
	return &Table{
		Bootstrap: bytes.Repeat([]byte{0xEB}, 16),
		Signature: 0x01020304,
		Partitions: [4]Partition{
			{Boot: true, Type: 0x0C, BlockOffset: 63, BlockCount: 77217},
			{Type: 0x83, BlockOffset: 77280, BlockCount: 1048576},
			{Type: 0x83, BlockOffset: 1125856, BlockCount: 1048576},
			{Type: 0x83, BlockOffset: 2174432, BlockCount: 1048576},
		},
	}
}

func TestRenderLayout(t *testing.T) {
	tab := fourPartitions()
	p, err := tab.Render()
	if err != nil {
		t.Fatal(err)
	}
	if len(p) != Size {
		t.Fatalf("rendered %d bytes", len(p))
	}

	// Bootstrap region: configured code, zero-padded to 440.
	if !bytes.Equal(p[:16], tab.Bootstrap) {
		t.Error("bootstrap code mismatch")
	}
	if !bytes.Equal(p[16:440], make([]byte, 424)) {
		t.Error("bootstrap padding not zero")
	}
	if got := binary.LittleEndian.Uint32(p[440:]); got != 0x01020304 {
		t.Errorf("signature = %#x", got)
	}
	if p[444] != 0 || p[445] != 0 {
		t.Error("reserved bytes not zero")
	}
	if p[510] != 0x55 || p[511] != 0xAA {
		t.Errorf("trailer = %#x %#x", p[510], p[511])
	}

	// First entry, field by field.
	e := p[446:462]
	if e[0] != 0x80 {
		t.Errorf("boot flag = %#x", e[0])
	}
	if e[4] != 0x0C {
		t.Errorf("type = %#x", e[4])
	}
	if got := binary.LittleEndian.Uint32(e[8:]); got != 63 {
		t.Errorf("lba = %d", got)
	}
	if got := binary.LittleEndian.Uint32(e[12:]); got != 77217 {
		t.Errorf("count = %d", got)
	}
}

func TestRenderParseRoundTrip(t *testing.T) {
	tab := fourPartitions()
	p, err := tab.Render()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Parse(p)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(tab.Partitions, got.Partitions); diff != "" {
		t.Errorf("partitions (-want +got):\n%s", diff)
	}
	if got.Signature != tab.Signature {
		t.Errorf("signature = %#x", got.Signature)
	}
}

func TestCHSEncoding(t *testing.T) {
	var chs [3]byte

	// LBA 63: cylinder 0, head 1, sector 1.
	lbaToCHS(63, chs[:])
	if want := [3]byte{1, 1, 0}; chs != want {
		t.Errorf("chs(63) = %v, want %v", chs, want)
	}

	// Past the CHS limit: conventional saturation marker.
	lbaToCHS(1024*sectorsPerTrack*heads, chs[:])
	if want := [3]byte{0xFE, 0xFF, 0xFF}; chs != want {
		t.Errorf("saturated chs = %v, want %v", chs, want)
	}
}

func TestRenderRejectsOverlap(t *testing.T) {
	tab := &Table{
		Partitions: [4]Partition{
			{Type: 0x83, BlockOffset: 100, BlockCount: 100},
			{Type: 0x83, BlockOffset: 150, BlockCount: 100},
		},
	}
	if _, err := tab.Render(); err == nil {
		t.Error("overlapping partitions rendered without error")
	}
}

func TestRenderRejectsOversizedBootstrap(t *testing.T) {
	tab := &Table{Bootstrap: make([]byte, 441)}
	if _, err := tab.Render(); err == nil {
		t.Error("441-byte bootstrap rendered without error")
	}
}

func TestParseRejectsMissingTrailer(t *testing.T) {
	if _, err := Parse(make([]byte, Size)); err == nil {
		t.Error("sector without 0x55AA parsed without error")
	}
}

func TestEmptySlotsRenderAsZero(t *testing.T) {
	tab := &Table{
		Partitions: [4]Partition{
			{Type: 0x0C, BlockOffset: 63, BlockCount: 100},
		},
	}
	p, err := tab.Render()
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < 4; i++ {
		e := p[446+i*16 : 446+(i+1)*16]
		if !bytes.Equal(e, make([]byte, 16)) {
			t.Errorf("slot %d not empty: %v", i, e)
		}
	}
}
