package fwtask

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/blake2b"

	"github.com/michaelkschmidt/fwup/internal/block"
	"github.com/michaelkschmidt/fwup/internal/fat"
	"github.com/michaelkschmidt/fwup/internal/fwarchive"
	"github.com/michaelkschmidt/fwup/internal/fwconf"
	"github.com/michaelkschmidt/fwup/internal/progress"
)

func hashOf(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// addResource registers a resource whose archive payload is data and
// whose run list is runs (a single solid data run when nil).
func addResource(cfg *fwconf.Config, name string, data []byte, runs []int64) {
	if runs == nil && len(data) > 0 {
		runs = []int64{int64(len(data))}
	}
	cfg.Resources = append(cfg.Resources, &fwconf.FileResource{
		Name:   name,
		Hash:   hashOf(data),
		Length: fwconf.RunList(runs),
	})
}

// buildArchive writes a test archive: manifest first, then each
// resource's data payload in config order.
func buildArchive(t *testing.T, cfg *fwconf.Config, payloads map[string][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.fw")
	w, err := fwarchive.NewWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	manifest, err := cfg.Manifest()
	if err != nil {
		t.Fatal(err)
	}
	meta, err := w.CreateMeta()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := meta.Write(manifest); err != nil {
		t.Fatal(err)
	}
	for _, res := range cfg.Resources {
		data, ok := payloads[res.Name]
		if !ok {
			continue // simulate a resource missing from the archive
		}
		entry, err := w.CreateResource(res.Name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := entry.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

// applyTo runs one task of cfg against target, returning the reporter
// for progress assertions.
func applyTo(t *testing.T, cfg *fwconf.Config, payloads map[string][]byte, task, target string, unsafe bool) (*progress.Reporter, error) {
	t.Helper()
	ar, err := fwarchive.Open(buildArchive(t, cfg, payloads))
	if err != nil {
		t.Fatal(err)
	}
	defer ar.Close()

	dev, err := block.OpenTarget(target)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	rep := progress.New(progress.Quiet, io.Discard, io.Discard)
	ctx := NewContext(cfg, block.NewCache(dev), rep, unsafe)
	return rep, Apply(ctx, ar, task)
}

func oneResourceTask(funlist ...string) []*fwconf.Task {
	return []*fwconf.Task{{
		Name: "complete",
		OnResource: []*fwconf.ResourceEvent{
			{Name: "data", Funlist: funlist},
		},
	}}
}

func TestRawWriteAtOffset(t *testing.T) {
	// 150 KiB resource written at block offset 1 into an empty file.
	data := make([]byte, 150*1024)
	for i := range data {
		data[i] = byte(i)
	}
	cfg := &fwconf.Config{Tasks: oneResourceTask("2", "raw_write", "1")}
	addResource(cfg, "data", data, nil)

	target := filepath.Join(t.TempDir(), "out.img")
	rep, err := applyTo(t, cfg, map[string][]byte{"data": data}, "complete", target, false)
	if err != nil {
		t.Fatal(err)
	}

	img, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(img)) < 512+int64(len(data)) {
		t.Fatalf("image is %d bytes, want at least %d", len(img), 512+len(data))
	}
	if !bytes.Equal(img[:512], make([]byte, 512)) {
		t.Error("block 0 is not zero")
	}
	if !bytes.Equal(img[512:512+len(data)], data) {
		t.Error("payload mismatch")
	}
	if rep.Current() != rep.Total() {
		t.Errorf("progress %d != total %d", rep.Current(), rep.Total())
	}
}

func TestRawWriteEndingHole(t *testing.T) {
	// 4 KiB of data followed by a 1 MiB hole, written at block 2.
	data := bytes.Repeat([]byte{0xAA}, 4096)
	cfg := &fwconf.Config{Tasks: oneResourceTask("2", "raw_write", "2")}
	addResource(cfg, "data", data, []int64{4096, 1048576})

	target := filepath.Join(t.TempDir(), "out.img")
	if _, err := applyTo(t, cfg, map[string][]byte{"data": data}, "complete", target, false); err != nil {
		t.Fatal(err)
	}

	img, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	wantLen := int64(2*512) + 4096 + 1048576
	if int64(len(img)) != wantLen {
		t.Fatalf("image length = %d, want %d", len(img), wantLen)
	}
	if !bytes.Equal(img[1024:1024+4096], data) {
		t.Error("data run mismatch")
	}
	if !bytes.Equal(img[wantLen-512:], make([]byte, 512)) {
		t.Error("final block of the hole is not zero")
	}
}

func TestRawWriteHashMismatch(t *testing.T) {
	data := bytes.Repeat([]byte{1}, 1024)
	cfg := &fwconf.Config{Tasks: oneResourceTask("2", "raw_write", "0")}
	addResource(cfg, "data", data, nil)
	cfg.Resources[0].Hash = hashOf([]byte("something else"))

	target := filepath.Join(t.TempDir(), "out.img")
	_, err := applyTo(t, cfg, map[string][]byte{"data": data}, "complete", target, false)
	if !errors.Is(err, ErrResource) {
		t.Errorf("err = %v, want ErrResource", err)
	}
}

func TestRawWriteTwiceFails(t *testing.T) {
	data := bytes.Repeat([]byte{7}, 512)
	cfg := &fwconf.Config{Tasks: oneResourceTask(
		"2", "raw_write", "0",
		"2", "raw_write", "100",
	)}
	addResource(cfg, "data", data, nil)

	target := filepath.Join(t.TempDir(), "out.img")
	_, err := applyTo(t, cfg, map[string][]byte{"data": data}, "complete", target, false)
	if !errors.Is(err, ErrResource) {
		t.Errorf("second raw_write: err = %v, want ErrResource", err)
	}
}

func TestUBootRecoverAndSetenv(t *testing.T) {
	// The environment block starts out as 0xFF (erased flash, via
	// raw_memset); recover must install a valid empty environment,
	// setenv must then add exactly one variable.
	cfg := &fwconf.Config{
		UBootEnvs: []*fwconf.UBootEnv{{Name: "uboot-env", BlockOffset: 4, BlockCount: 2}},
		Tasks: []*fwconf.Task{{
			Name: "complete",
			OnInit: []string{
				"4", "raw_memset", "4", "2", "0xff",
				"2", "uboot_recover", "uboot-env",
				"4", "uboot_setenv", "uboot-env", "var1", "2000",
			},
		}},
	}

	target := filepath.Join(t.TempDir(), "out.img")
	if _, err := applyTo(t, cfg, nil, "complete", target, false); err != nil {
		t.Fatal(err)
	}

	img, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	env := img[4*512 : 4*512+1024]
	if got, want := binary.LittleEndian.Uint32(env[0:4]), crc32.ChecksumIEEE(env[4:]); got != want {
		t.Errorf("CRC = %#x, want %#x", got, want)
	}
	if want := []byte("var1=2000\x00\x00"); !bytes.Equal(env[4:4+len(want)], want) {
		t.Errorf("table = %q", env[4:4+11])
	}
	for i := 4 + 11; i < len(env); i++ {
		if env[i] != 0xFF {
			t.Fatalf("pad byte %d = %#x", i, env[i])
		}
	}
}

func TestUBootRecoverIsNoOpWhenValid(t *testing.T) {
	cfg := &fwconf.Config{
		UBootEnvs: []*fwconf.UBootEnv{{Name: "env", BlockOffset: 0, BlockCount: 1}},
		Tasks: []*fwconf.Task{{
			Name: "complete",
			OnInit: []string{
				"2", "uboot_clearenv", "env",
				"4", "uboot_setenv", "env", "keep", "me",
				"2", "uboot_recover", "env",
			},
		}},
	}
	target := filepath.Join(t.TempDir(), "out.img")
	if _, err := applyTo(t, cfg, nil, "complete", target, false); err != nil {
		t.Fatal(err)
	}
	img, _ := os.ReadFile(target)
	if !bytes.Contains(img[:512], []byte("keep=me\x00")) {
		t.Error("recover clobbered a valid environment")
	}
}

func TestFatMkfsAndWrite(t *testing.T) {
	data := bytes.Repeat([]byte("T"), 1024)
	cfg := &fwconf.Config{Tasks: []*fwconf.Task{{
		Name:   "complete",
		OnInit: []string{"3", "fat_mkfs", "63", "16384"},
		OnResource: []*fwconf.ResourceEvent{
			{Name: "data", Funlist: []string{"3", "fat_write", "63", "/TEST"}},
		},
	}}}
	addResource(cfg, "data", data, nil)

	target := filepath.Join(t.TempDir(), "out.img")
	if _, err := applyTo(t, cfg, map[string][]byte{"data": data}, "complete", target, false); err != nil {
		t.Fatal(err)
	}

	// Mount the region with an independent reader.
	f, err := os.Open(target)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	fs, err := fat.Open(readWriterAt{f}, 63*512)
	if err != nil {
		t.Fatal(err)
	}
	infos, err := fs.List("/")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Name != "TEST" || infos[0].Size != 1024 {
		t.Fatalf("listing = %+v", infos)
	}
	got, err := fs.ReadFile("/TEST")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("FAT file content mismatch")
	}
}

// readWriterAt adapts a read-only file to the fat.Device interface for
// verification.
type readWriterAt struct{ f *os.File }

func (r readWriterAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.f.ReadAt(p, off)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}
func (r readWriterAt) WriteAt(p []byte, off int64) (int, error) { return len(p), nil }

func TestFatRmVariants(t *testing.T) {
	base := []string{"3", "fat_mkfs", "0", "8192"}

	// Plain fat_rm tolerates a missing file.
	cfg := &fwconf.Config{Tasks: []*fwconf.Task{{
		Name:   "complete",
		OnInit: append(append([]string{}, base...), "3", "fat_rm", "0", "/NOPE"),
	}}}
	target := filepath.Join(t.TempDir(), "a.img")
	if _, err := applyTo(t, cfg, nil, "complete", target, false); err != nil {
		t.Errorf("plain fat_rm on missing file: %v", err)
	}

	// fat_rm! requires it to exist.
	cfg = &fwconf.Config{Tasks: []*fwconf.Task{{
		Name:   "complete",
		OnInit: append(append([]string{}, base...), "3", "fat_rm!", "0", "/NOPE"),
	}}}
	target = filepath.Join(t.TempDir(), "b.img")
	if _, err := applyTo(t, cfg, nil, "complete", target, false); err == nil {
		t.Error("fat_rm! on missing file succeeded")
	}
}

func TestFatMvVariants(t *testing.T) {
	mkfs := []string{"3", "fat_mkfs", "0", "8192"}
	prep := append(append([]string{}, mkfs...),
		"3", "fat_touch", "0", "/A",
		"3", "fat_touch", "0", "/B")

	cfg := &fwconf.Config{Tasks: []*fwconf.Task{{
		Name:   "complete",
		OnInit: append(append([]string{}, prep...), "4", "fat_mv", "0", "/A", "/B"),
	}}}
	target := filepath.Join(t.TempDir(), "a.img")
	if _, err := applyTo(t, cfg, nil, "complete", target, false); err == nil {
		t.Error("plain fat_mv over an existing destination succeeded")
	}

	cfg = &fwconf.Config{Tasks: []*fwconf.Task{{
		Name:   "complete",
		OnInit: append(append([]string{}, prep...), "4", "fat_mv!", "0", "/A", "/B"),
	}}}
	target = filepath.Join(t.TempDir(), "b.img")
	if _, err := applyTo(t, cfg, nil, "complete", target, false); err != nil {
		t.Errorf("fat_mv!: %v", err)
	}
}

func TestMbrWrite(t *testing.T) {
	bootstrap := bytes.Repeat([]byte{0x5A}, 440)
	cfg := &fwconf.Config{
		MBRs: []*fwconf.MBR{{
			Name:      "mbr-a",
			Bootstrap: bootstrap,
			Signature: 0xCAFEBABE,
			Partitions: []fwconf.Partition{
				{BlockOffset: 63, BlockCount: 100, Type: 0x0C, Boot: true},
				{BlockOffset: 163, BlockCount: 100, Type: 0x83},
				{BlockOffset: 263, BlockCount: 100, Type: 0x83},
				{BlockOffset: 363, BlockCount: 100, Type: 0x83},
			},
		}},
		Tasks: []*fwconf.Task{{
			Name:   "complete",
			OnInit: []string{"2", "mbr_write", "mbr-a"},
		}},
	}

	target := filepath.Join(t.TempDir(), "out.img")
	if _, err := applyTo(t, cfg, nil, "complete", target, false); err != nil {
		t.Fatal(err)
	}
	img, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(img[:440], bootstrap) {
		t.Error("bootstrap mismatch")
	}
	for i := 0; i < 4; i++ {
		e := img[446+i*16 : 446+(i+1)*16]
		if off := binary.LittleEndian.Uint32(e[8:]); off != uint32(63+100*i) {
			t.Errorf("partition %d offset = %d", i, off)
		}
	}
	if img[510] != 0x55 || img[511] != 0xAA {
		t.Error("missing MBR trailer")
	}
}

func TestSafetyGate(t *testing.T) {
	hostFile := filepath.Join(t.TempDir(), "leaked")
	data := []byte("payload")

	for _, funlist := range [][]string{
		{"2", "path_write", hostFile},
		{"2", "pipe_write", "cat > " + hostFile},
	} {
		cfg := &fwconf.Config{Tasks: oneResourceTask(funlist...)}
		addResource(cfg, "data", data, nil)
		target := filepath.Join(t.TempDir(), "out.img")
		_, err := applyTo(t, cfg, map[string][]byte{"data": data}, "complete", target, false)
		if !errors.Is(err, ErrSafety) {
			t.Errorf("%s without --unsafe: err = %v, want ErrSafety", funlist[1], err)
		}
		if _, statErr := os.Stat(hostFile); !os.IsNotExist(statErr) {
			t.Errorf("%s without --unsafe produced a side effect", funlist[1])
		}
	}

	cfg := &fwconf.Config{Tasks: []*fwconf.Task{{
		Name:   "complete",
		OnInit: []string{"2", "execute", "touch " + hostFile},
	}}}
	target := filepath.Join(t.TempDir(), "out.img")
	if _, err := applyTo(t, cfg, nil, "complete", target, false); !errors.Is(err, ErrSafety) {
		t.Errorf("execute without --unsafe: err = %v, want ErrSafety", err)
	}
}

func TestPathWriteUnsafe(t *testing.T) {
	hostFile := filepath.Join(t.TempDir(), "host.bin")
	data := bytes.Repeat([]byte{3}, 2048)
	cfg := &fwconf.Config{Tasks: oneResourceTask("2", "path_write", hostFile)}
	addResource(cfg, "data", data, nil)

	target := filepath.Join(t.TempDir(), "out.img")
	if _, err := applyTo(t, cfg, map[string][]byte{"data": data}, "complete", target, true); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(hostFile)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("host file content mismatch")
	}
}

func TestErrorAndInfoActions(t *testing.T) {
	cfg := &fwconf.Config{Tasks: []*fwconf.Task{{
		Name:   "complete",
		OnInit: []string{"2", "info", "hello", "2", "error", "boom"},
	}}}
	target := filepath.Join(t.TempDir(), "out.img")
	_, err := applyTo(t, cfg, nil, "complete", target, false)
	if !errors.Is(err, ErrUserAbort) {
		t.Errorf("err = %v, want ErrUserAbort", err)
	}
}

func TestMissingResourceFatalUnlessOptional(t *testing.T) {
	data := []byte("x")
	cfg := &fwconf.Config{Tasks: []*fwconf.Task{{
		Name: "complete",
		OnResource: []*fwconf.ResourceEvent{
			{Name: "data", Funlist: []string{"2", "raw_write", "0"}},
			{Name: "ghost", Funlist: []string{"2", "raw_write", "10"}},
		},
	}}}
	addResource(cfg, "data", data, nil)
	addResource(cfg, "ghost", []byte("y"), nil)

	target := filepath.Join(t.TempDir(), "out.img")
	_, err := applyTo(t, cfg, map[string][]byte{"data": data}, "complete", target, false)
	if !errors.Is(err, ErrResource) {
		t.Errorf("missing bound resource: err = %v, want ErrResource", err)
	}

	cfg.Tasks[0].OnResource[1].Optional = true
	target = filepath.Join(t.TempDir(), "out2.img")
	if _, err := applyTo(t, cfg, map[string][]byte{"data": data}, "complete", target, false); err != nil {
		t.Errorf("optional missing resource: %v", err)
	}
}

func TestTaskSelectionByRequirements(t *testing.T) {
	prep := &fwconf.Config{
		MBRs: []*fwconf.MBR{{
			Name: "mbr-a",
			Partitions: []fwconf.Partition{
				{BlockOffset: 63, BlockCount: 100, Type: 0x0C},
				{BlockOffset: 200, BlockCount: 100, Type: 0x83},
			},
		}},
		Tasks: []*fwconf.Task{{
			Name:   "complete",
			OnInit: []string{"2", "mbr_write", "mbr-a"},
		}},
	}
	target := filepath.Join(t.TempDir(), "out.img")
	if _, err := applyTo(t, prep, nil, "complete", target, false); err != nil {
		t.Fatal(err)
	}

	// Against the prepared target, upgrade.a's requirement fails and
	// upgrade.b's holds.
	up := &fwconf.Config{Tasks: []*fwconf.Task{
		{
			Name:         "upgrade.a",
			Requirements: []fwconf.Requirement{{Kind: "partition-offset", Args: []string{"1", "999"}}},
			OnInit:       []string{"2", "error", "wrong slot"},
		},
		{
			Name:         "upgrade.b",
			Requirements: []fwconf.Requirement{{Kind: "partition-offset", Args: []string{"1", "200"}}},
			OnInit:       []string{"2", "info", "right slot"},
		},
	}}
	if _, err := applyTo(t, up, nil, "upgrade", target, false); err != nil {
		t.Errorf("selection: %v", err)
	}

	// With no satisfiable candidate, the distinguished error surfaces.
	none := &fwconf.Config{Tasks: []*fwconf.Task{{
		Name:         "upgrade.a",
		Requirements: []fwconf.Requirement{{Kind: "partition-offset", Args: []string{"0", "999"}}},
	}}}
	_, err := applyTo(t, none, nil, "upgrade", target, false)
	if !errors.Is(err, ErrNoMatchingTask) {
		t.Errorf("err = %v, want ErrNoMatchingTask", err)
	}
}

func TestUnknownActionFailsValidation(t *testing.T) {
	cfg := &fwconf.Config{Tasks: []*fwconf.Task{{
		Name:   "complete",
		OnInit: []string{"1", "does_not_exist"},
	}}}
	if err := ValidateConfig(cfg); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestFunlistArityBounds(t *testing.T) {
	c := NewContext(&fwconf.Config{}, nil, nil, false)
	for _, funlist := range [][]string{
		{"0", "info"},
		{"7", "a", "b", "c", "d", "e", "f", "g"},
		{"nope", "info"},
		{"3", "info", "x"}, // truncated
	} {
		if err := walkFunlist(c, funlist, phaseValidate); !errors.Is(err, ErrValidation) {
			t.Errorf("funlist %v: err = %v, want ErrValidation", funlist, err)
		}
	}
}

func TestTrimUsesCountForLength(t *testing.T) {
	// Regression: the byte length must come from the block count, not
	// a second multiplication of the offset.
	dev := &trimRecorder{}
	c := NewContext(&fwconf.Config{}, block.NewCache(dev), progress.New(progress.Quiet, io.Discard, io.Discard), false)
	c.argv = []string{"trim", "10", "2048"}
	if err := trimRun(c); err != nil {
		t.Fatal(err)
	}
	want := [2]int64{10 * 512, 2048 * 512}
	if len(dev.trims) != 1 || dev.trims[0] != want {
		t.Errorf("trims = %v, want %v", dev.trims, want)
	}
}

// trimRecorder is a minimal block.Device capturing trim ranges.
type trimRecorder struct {
	trims [][2]int64
}

func (d *trimRecorder) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
func (d *trimRecorder) WriteAt(p []byte, off int64) (int, error) { return len(p), nil }
func (d *trimRecorder) Trim(off, length int64) error {
	d.trims = append(d.trims, [2]int64{off, length})
	return nil
}
func (d *trimRecorder) Size() (int64, error) { return 1 << 30, nil }
func (d *trimRecorder) Sync() error          { return nil }
func (d *trimRecorder) Close() error         { return nil }
