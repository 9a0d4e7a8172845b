//go:build linux

package devices

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// sysBlock is a variable so tests can point the enumerator at a fake
// sysfs tree.
var sysBlock = "/sys/block"

func list() ([]Device, error) {
	entries, err := os.ReadDir(sysBlock)
	if err != nil {
		return nil, err
	}
	var out []Device
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "loop") || strings.HasPrefix(name, "ram") || strings.HasPrefix(name, "zram") {
			continue
		}
		sectors, err := readInt(filepath.Join(sysBlock, name, "size"))
		if err != nil {
			continue
		}
		removable, _ := readInt(filepath.Join(sysBlock, name, "removable"))
		out = append(out, Device{
			Path:      "/dev/" + name,
			SizeBytes: sectors * 512,
			Removable: removable == 1,
		})
	}
	return out, nil
}

func readInt(path string) (int64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
}
