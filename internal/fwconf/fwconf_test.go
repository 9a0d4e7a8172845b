package fwconf

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleConf = `
meta:
  product: demo-firmware
  version: "1.2.3"
file-resources:
  zImage:
    host-path: images/zImage
  rootfs.img:
    host-path: images/rootfs.img
mbrs:
  mbr-a:
    signature: 0x01020304
    partitions:
      - block-offset: 63
        block-count: 77217
        type: 0xc
        boot: true
      - block-offset: 77280
        block-count: 1048576
        type: 0x83
uboot-environments:
  uboot-env:
    block-offset: 2048
    block-count: 16
tasks:
  complete:
    on-init: ["2", "mbr_write", "mbr-a"]
    on-resource:
      zImage: ["2", "raw_write", "63"]
      rootfs.img: ["2", "raw_write", "77280"]
    on-finish: ["2", "info", "done"]
  upgrade.a:
    require-partition-offset: [1, 77280]
    on-resource:
      zImage: ["2", "raw_write", "63"]
  upgrade.b:
    require-uboot-variable: [uboot-env, active, b]
    on-resource:
      zImage: ["2", "raw_write", "63"]
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConf))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Meta.Product != "demo-firmware" || cfg.Meta.Version != "1.2.3" {
		t.Errorf("meta = %+v", cfg.Meta)
	}

	var names []string
	for _, r := range cfg.Resources {
		names = append(names, r.Name)
	}
	if diff := cmp.Diff([]string{"zImage", "rootfs.img"}, names); diff != "" {
		t.Errorf("resource order (-want +got):\n%s", diff)
	}

	m, err := cfg.MBR("mbr-a")
	if err != nil {
		t.Fatal(err)
	}
	if m.Signature != 0x01020304 {
		t.Errorf("signature = %#x", m.Signature)
	}
	want := []Partition{
		{BlockOffset: 63, BlockCount: 77217, Type: 0x0C, Boot: true},
		{BlockOffset: 77280, BlockCount: 1048576, Type: 0x83},
	}
	if diff := cmp.Diff(want, m.Partitions); diff != "" {
		t.Errorf("partitions (-want +got):\n%s", diff)
	}

	u, err := cfg.UBootEnv("uboot-env")
	if err != nil {
		t.Fatal(err)
	}
	if u.EnvSize() != 16*512 {
		t.Errorf("EnvSize = %d", u.EnvSize())
	}

	task := cfg.Tasks[0]
	if task.Name != "complete" {
		t.Errorf("first task = %q", task.Name)
	}
	if diff := cmp.Diff(Funlist{"2", "mbr_write", "mbr-a"}, task.OnInit); diff != "" {
		t.Errorf("on-init (-want +got):\n%s", diff)
	}
	fl, ok := task.OnResourceFor("rootfs.img")
	if !ok {
		t.Fatal("rootfs.img not bound")
	}
	if diff := cmp.Diff(Funlist{"2", "raw_write", "77280"}, fl); diff != "" {
		t.Errorf("funlist (-want +got):\n%s", diff)
	}
}

func TestTasksMatching(t *testing.T) {
	cfg, err := Parse([]byte(sampleConf))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, task := range cfg.TasksMatching("upgrade") {
		names = append(names, task.Name)
	}
	if diff := cmp.Diff([]string{"upgrade.a", "upgrade.b"}, names); diff != "" {
		t.Errorf("matches (-want +got):\n%s", diff)
	}
	if got := cfg.TasksMatching("upgrade.a"); len(got) != 1 {
		t.Errorf("exact match returned %d tasks", len(got))
	}
	// Prefix matching is dotted, not substring.
	if got := cfg.TasksMatching("up"); len(got) != 0 {
		t.Errorf("substring matched %d tasks", len(got))
	}
}

func TestRequirements(t *testing.T) {
	cfg, err := Parse([]byte(sampleConf))
	if err != nil {
		t.Fatal(err)
	}
	task := cfg.Tasks[1]
	want := []Requirement{{Kind: "partition-offset", Args: []string{"1", "77280"}}}
	if diff := cmp.Diff(want, task.Requirements); diff != "" {
		t.Errorf("requirements (-want +got):\n%s", diff)
	}
}

func TestRunListForms(t *testing.T) {
	cfg, err := Parse([]byte(`
file-resources:
  a:
    length: 4096
  b:
    length: [4096, 1048576]
`))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(RunList{4096}, cfg.Resources[0].Length); diff != "" {
		t.Errorf("scalar length (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(RunList{4096, 1048576}, cfg.Resources[1].Length); diff != "" {
		t.Errorf("list length (-want +got):\n%s", diff)
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("FW_VERSION", "9.9.9")
	cfg, err := Parse([]byte("meta:\n  version: \"${FW_VERSION}\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Meta.Version != "9.9.9" {
		t.Errorf("version = %q", cfg.Meta.Version)
	}

	// Absent variables expand empty.
	cfg, err = Parse([]byte("meta:\n  version: \"${FW_NOT_SET_ANYWHERE}\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Meta.Version != "" {
		t.Errorf("version = %q", cfg.Meta.Version)
	}
}

func TestUnknownSectionRejected(t *testing.T) {
	if _, err := Parse([]byte("bogus:\n  x: 1\n")); err == nil {
		t.Error("unknown section accepted")
	}
	if _, err := Parse([]byte("tasks:\n  t:\n    bogus-key: 1\n")); err == nil {
		t.Error("unknown task key accepted")
	}
}

func TestManifestRoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(sampleConf))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Resources[0].Hash = "aa"
	cfg.Resources[0].Length = RunList{100, 50}
	cfg.MBRs[0].Bootstrap = []byte{0xEB, 0xFE}

	doc, err := cfg.Manifest()
	if err != nil {
		t.Fatal(err)
	}
	back, err := Parse(doc)
	if err != nil {
		t.Fatalf("manifest does not re-parse: %v\n%s", err, doc)
	}

	// Host paths are stripped; everything else survives.
	if back.Resources[0].HostPath != "" {
		t.Error("host-path leaked into manifest")
	}
	if back.Resources[0].Hash != "aa" {
		t.Error("hash lost")
	}
	if diff := cmp.Diff(cfg.Resources[0].Length, back.Resources[0].Length); diff != "" {
		t.Errorf("length (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(cfg.MBRs[0].Bootstrap, back.MBRs[0].Bootstrap); diff != "" {
		t.Errorf("bootstrap (-want +got):\n%s", diff)
	}
	if len(back.Tasks) != len(cfg.Tasks) {
		t.Fatalf("task count = %d", len(back.Tasks))
	}
	if diff := cmp.Diff(cfg.Tasks[0].OnResource, back.Tasks[0].OnResource); diff != "" {
		t.Errorf("on-resource (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(cfg.Tasks[1].Requirements, back.Tasks[1].Requirements); diff != "" {
		t.Errorf("requirements (-want +got):\n%s", diff)
	}
}
