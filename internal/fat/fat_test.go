package fat

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// pageDevice is a sparse in-memory device, so FAT32-sized volumes do
// not need gigabytes of test memory.
type pageDevice struct {
	pages map[int64][]byte
}

const pageSize = 4096

func newPageDevice() *pageDevice {
	return &pageDevice{pages: make(map[int64][]byte)}
}

func (d *pageDevice) ReadAt(p []byte, off int64) (int, error) {
	for n := 0; n < len(p); {
		page := (off + int64(n)) / pageSize
		within := (off + int64(n)) % pageSize
		chunk := pageSize - within
		if rem := int64(len(p) - n); chunk > rem {
			chunk = rem
		}
		if pg, ok := d.pages[page]; ok {
			copy(p[n:n+int(chunk)], pg[within:])
		} else {
			for i := n; i < n+int(chunk); i++ {
				p[i] = 0
			}
		}
		n += int(chunk)
	}
	return len(p), nil
}

func (d *pageDevice) WriteAt(p []byte, off int64) (int, error) {
	for n := 0; n < len(p); {
		page := (off + int64(n)) / pageSize
		within := (off + int64(n)) % pageSize
		chunk := pageSize - within
		if rem := int64(len(p) - n); chunk > rem {
			chunk = rem
		}
		pg, ok := d.pages[page]
		if !ok {
			pg = make([]byte, pageSize)
			d.pages[page] = pg
		}
		copy(pg[within:], p[n:n+int(chunk)])
		n += int(chunk)
	}
	return len(p), nil
}

func mkTestFS(t *testing.T, sectors uint32) *FS {
	t.Helper()
	fs, err := Mkfs(newPageDevice(), 63*sectorSize, sectors)
	if err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestMkfsGeometry(t *testing.T) {
	fs := mkTestFS(t, 8192)
	if fs.fat32 {
		t.Error("8192 sectors should format as FAT16")
	}
	if fs.clusterCount < fat12Limit || fs.clusterCount >= fat16Limit {
		t.Errorf("cluster count %d outside FAT16 range", fs.clusterCount)
	}

	big, err := Mkfs(newPageDevice(), 0, 4500000)
	if err != nil {
		t.Fatal(err)
	}
	if !big.fat32 {
		t.Error("4500000 sectors should format as FAT32")
	}
	if big.clusterCount < fat16Limit {
		t.Errorf("FAT32 cluster count %d below the FAT32 minimum", big.clusterCount)
	}
}

func TestMkfsTooSmall(t *testing.T) {
	if _, err := Mkfs(newPageDevice(), 0, 1000); err == nil {
		t.Error("1000-sector format succeeded")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs := mkTestFS(t, 8192)
	content := bytes.Repeat([]byte("firmware"), 128) // 1024 bytes
	if err := fs.Pwrite("/TEST", content, 0); err != nil {
		t.Fatal(err)
	}
	got, err := fs.ReadFile("/TEST")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Error("content mismatch")
	}

	infos, err := fs.List("/")
	if err != nil {
		t.Fatal(err)
	}
	want := []Info{{Name: "TEST", Size: 1024}}
	if diff := cmp.Diff(want, infos); diff != "" {
		t.Errorf("listing (-want +got):\n%s", diff)
	}
}

func TestReopenSeesWrites(t *testing.T) {
	dev := newPageDevice()
	fs, err := Mkfs(dev, 0, 8192)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Pwrite("/A.BIN", []byte("abc"), 0); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dev, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := reopened.ReadFile("/A.BIN")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abc" {
		t.Errorf("got %q", got)
	}
}

func TestMultiClusterFile(t *testing.T) {
	fs := mkTestFS(t, 8192)
	content := make([]byte, 3*int(fs.clusterBytes())+7)
	for i := range content {
		content[i] = byte(i * 31)
	}
	if err := fs.Pwrite("/BIG.BIN", content, 0); err != nil {
		t.Fatal(err)
	}
	got, err := fs.ReadFile("/BIG.BIN")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Error("multi-cluster content mismatch")
	}
}

func TestPositionalWriteAndGrow(t *testing.T) {
	fs := mkTestFS(t, 8192)
	if err := fs.Pwrite("/F", []byte("head"), 0); err != nil {
		t.Fatal(err)
	}
	// Write past the end; the gap must read as zeros.
	if err := fs.Pwrite("/F", []byte("tail"), 100); err != nil {
		t.Fatal(err)
	}
	got, err := fs.ReadFile("/F")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 104 {
		t.Fatalf("size = %d, want 104", len(got))
	}
	if string(got[:4]) != "head" || string(got[100:]) != "tail" {
		t.Error("positional writes misplaced")
	}
	if !bytes.Equal(got[4:100], make([]byte, 96)) {
		t.Error("gap not zero-filled")
	}

	// Zero-length grow, the ending-hole case.
	if err := fs.Pwrite("/F", nil, 4096); err != nil {
		t.Fatal(err)
	}
	got, err = fs.ReadFile("/F")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4096 {
		t.Fatalf("size after grow = %d, want 4096", len(got))
	}
	if !bytes.Equal(got[104:], make([]byte, 4096-104)) {
		t.Error("grown region not zero")
	}
}

func TestSubdirectories(t *testing.T) {
	fs := mkTestFS(t, 8192)
	if err := fs.Mkdir("/BOOT"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Pwrite("/BOOT/zImage", []byte("kernel"), 0); err != nil {
		t.Fatal(err)
	}
	// Case-insensitive lookup through the long name.
	got, err := fs.ReadFile("/boot/ZIMAGE")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "kernel" {
		t.Errorf("got %q", got)
	}
	if err := fs.Mkdir("/BOOT"); !errors.Is(err, ErrExists) {
		t.Errorf("second Mkdir err = %v, want ErrExists", err)
	}
}

func TestLongFileNames(t *testing.T) {
	fs := mkTestFS(t, 8192)
	name := "a-quite-long-firmware-name.bin"
	if err := fs.Pwrite("/"+name, []byte("x"), 0); err != nil {
		t.Fatal(err)
	}
	infos, err := fs.List("/")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Name != name {
		t.Errorf("listing = %+v, want %q", infos, name)
	}
}

func TestTouchAndExists(t *testing.T) {
	fs := mkTestFS(t, 8192)
	if err := fs.Touch("/EMPTY"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Touch("/EMPTY"); err != nil {
		t.Fatal(err) // touching an existing file is a no-op
	}
	ok, err := fs.Exists("/EMPTY")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	got, err := fs.ReadFile("/EMPTY")
	if err != nil || len(got) != 0 {
		t.Fatalf("empty file reads %d bytes, err %v", len(got), err)
	}
}

func TestRemoveVariants(t *testing.T) {
	fs := mkTestFS(t, 8192)
	if err := fs.Remove("/GONE", false); err != nil {
		t.Errorf("tolerant remove of missing file: %v", err)
	}
	if err := fs.Remove("/GONE", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("strict remove of missing file err = %v", err)
	}
	if err := fs.Pwrite("/F", []byte("x"), 0); err != nil {
		t.Fatal(err)
	}
	if err := fs.Remove("/F", true); err != nil {
		t.Fatal(err)
	}
	if ok, _ := fs.Exists("/F"); ok {
		t.Error("file still exists after remove")
	}
}

func TestRenameVariants(t *testing.T) {
	fs := mkTestFS(t, 8192)
	if err := fs.Pwrite("/A", []byte("aaa"), 0); err != nil {
		t.Fatal(err)
	}
	if err := fs.Pwrite("/B", []byte("bbb"), 0); err != nil {
		t.Fatal(err)
	}
	if err := fs.Rename("/A", "/B", false); !errors.Is(err, ErrExists) {
		t.Errorf("rename over existing err = %v, want ErrExists", err)
	}
	if err := fs.Rename("/A", "/B", true); err != nil {
		t.Fatal(err)
	}
	got, err := fs.ReadFile("/B")
	if err != nil || string(got) != "aaa" {
		t.Fatalf("forced rename: got %q, %v", got, err)
	}
	if ok, _ := fs.Exists("/A"); ok {
		t.Error("source still exists after rename")
	}
	if err := fs.Rename("/MISSING", "/C", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("rename of missing source err = %v", err)
	}
}

func TestCopy(t *testing.T) {
	fs := mkTestFS(t, 8192)
	if err := fs.Pwrite("/SRC", []byte("payload"), 0); err != nil {
		t.Fatal(err)
	}
	if err := fs.Copy("/SRC", "/DST"); err != nil {
		t.Fatal(err)
	}
	got, err := fs.ReadFile("/DST")
	if err != nil || string(got) != "payload" {
		t.Fatalf("copy: got %q, %v", got, err)
	}
	// Source untouched.
	if got, _ := fs.ReadFile("/SRC"); string(got) != "payload" {
		t.Error("source modified by copy")
	}
}

func TestAttrib(t *testing.T) {
	fs := mkTestFS(t, 8192)
	if err := fs.Pwrite("/F", []byte("x"), 0); err != nil {
		t.Fatal(err)
	}
	if err := fs.SetAttrib("/F", "sh"); err != nil {
		t.Fatal(err)
	}
	infos, err := fs.List("/")
	if err != nil {
		t.Fatal(err)
	}
	if infos[0].Attr != "HS" {
		t.Errorf("attr = %q, want HS", infos[0].Attr)
	}
	// Setting a new set replaces the old one.
	if err := fs.SetAttrib("/F", "R"); err != nil {
		t.Fatal(err)
	}
	infos, _ = fs.List("/")
	if infos[0].Attr != "R" {
		t.Errorf("attr = %q, want R", infos[0].Attr)
	}
	if err := fs.SetAttrib("/F", "X"); err == nil {
		t.Error("invalid attribute accepted")
	}
}

func TestLabel(t *testing.T) {
	fs := mkTestFS(t, 8192)
	label, err := fs.Label()
	if err != nil || label != "" {
		t.Fatalf("fresh volume label = %q, %v", label, err)
	}
	if err := fs.SetLabel("BOOT"); err != nil {
		t.Fatal(err)
	}
	if label, _ = fs.Label(); label != "BOOT" {
		t.Errorf("label = %q", label)
	}
	// Replacing reuses the existing entry.
	if err := fs.SetLabel("ROOTFS"); err != nil {
		t.Fatal(err)
	}
	if label, _ = fs.Label(); label != "ROOTFS" {
		t.Errorf("label = %q", label)
	}
	if err := fs.SetLabel("TWELVE-CHARS"); err == nil {
		t.Error("12-character label accepted")
	}
}

func TestFAT32Operations(t *testing.T) {
	if testing.Short() {
		t.Skip("FAT32 volume is slow to format")
	}
	dev := newPageDevice()
	fs, err := Mkfs(dev, 0, 4500000)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Mkdir("/DIR"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Pwrite("/DIR/F.BIN", []byte("fat32"), 0); err != nil {
		t.Fatal(err)
	}
	got, err := fs.ReadFile("/DIR/F.BIN")
	if err != nil || string(got) != "fat32" {
		t.Fatalf("got %q, %v", got, err)
	}
}
