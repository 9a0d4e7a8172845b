package fat

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"
)

// Directory entries carry a fixed timestamp so that formatting the
// same inputs yields byte-identical filesystems.
const fixedDate = (2020-1980)<<9 | 1<<5 | 1

// dirEntry is a decoded directory entry plus the device locations
// needed to update or delete it in place.
type dirEntry struct {
	Name    string
	attr    byte
	cluster uint32
	size    uint32
	short   [11]byte
	off     int64   // absolute offset of the 8.3 entry
	lfnOffs []int64 // absolute offsets of the preceding long-name entries
}

func (e *dirEntry) isDir() bool { return e.attr&attrDirectory != 0 }

// extent is a contiguous byte range of directory storage.
type extent struct{ off, length int64 }

// dirExtents returns the storage of a directory. Cluster 0 means the
// fixed FAT16 root region.
func (fs *FS) dirExtents(cluster uint32) ([]extent, error) {
	if cluster == 0 {
		return []extent{{fs.base + fs.rootStart, fs.dataStart - fs.rootStart}}, nil
	}
	chain, err := fs.chain(cluster)
	if err != nil {
		return nil, err
	}
	ext := make([]extent, len(chain))
	for i, n := range chain {
		ext[i] = extent{fs.clusterOff(n), fs.clusterBytes()}
	}
	return ext, nil
}

// rootDirCluster returns the cluster to pass to directory operations
// for the volume root.
func (fs *FS) rootDirCluster() uint32 {
	if fs.fat32 {
		return fs.rootCluster
	}
	return 0
}

// lfnPart is one long-name entry collected while scanning toward its
// 8.3 entry.
type lfnPart struct {
	seq  int
	part string
	off  int64
}

// scanDir calls fn for every live entry of a directory, long names
// attached. fn returning true stops the walk.
func (fs *FS) scanDir(cluster uint32, fn func(e *dirEntry) bool) error {
	extents, err := fs.dirExtents(cluster)
	if err != nil {
		return err
	}
	var lfn []lfnPart
	for _, ext := range extents {
		buf := make([]byte, ext.length)
		if _, err := fs.dev.ReadAt(buf, ext.off); err != nil {
			return err
		}
		for i := int64(0); i < ext.length; i += dirEntrySize {
			raw := buf[i : i+dirEntrySize]
			switch {
			case raw[0] == 0x00:
				return nil // end of directory
			case raw[0] == 0xE5:
				lfn = lfn[:0]
			case raw[11] == attrLongName:
				lfn = append(lfn, lfnPart{int(raw[0] & 0x3F), decodeLFNPart(raw), ext.off + i})
			default:
				e := decodeShortEntry(raw, ext.off+i)
				if len(lfn) > 0 {
					// Parts arrive last-first; assemble
					// in sequence order.
					parts := make([]string, len(lfn)+1)
					ok := true
					for _, l := range lfn {
						if l.seq < 1 || l.seq >= len(parts) {
							ok = false
							break
						}
						parts[l.seq] = l.part
						e.lfnOffs = append(e.lfnOffs, l.off)
					}
					if ok {
						e.Name = strings.Join(parts[1:], "")
					}
					lfn = lfn[:0]
				}
				if fn(e) {
					return nil
				}
			}
		}
	}
	return nil
}

func decodeShortEntry(raw []byte, off int64) *dirEntry {
	e := &dirEntry{
		attr: raw[11],
		size: binary.LittleEndian.Uint32(raw[28:]),
		off:  off,
	}
	copy(e.short[:], raw[0:11])
	e.cluster = uint32(binary.LittleEndian.Uint16(raw[26:])) |
		uint32(binary.LittleEndian.Uint16(raw[20:]))<<16
	name := e.short
	if name[0] == 0x05 {
		name[0] = 0xE5
	}
	base := strings.TrimRight(string(name[0:8]), " ")
	ext := strings.TrimRight(string(name[8:11]), " ")
	if ext != "" {
		e.Name = base + "." + ext
	} else {
		e.Name = base
	}
	return e
}

func decodeLFNPart(raw []byte) string {
	var units []uint16
	for _, span := range [][2]int{{1, 11}, {14, 26}, {28, 32}} {
		for i := span[0]; i < span[1]; i += 2 {
			u := binary.LittleEndian.Uint16(raw[i:])
			if u == 0x0000 || u == 0xFFFF {
				return string(utf16.Decode(units))
			}
			units = append(units, u)
		}
	}
	return string(utf16.Decode(units))
}

// findInDir looks a single name up in a directory, matching each
// entry's name case-insensitively: its long name when it has one, else
// its 8.3 name. The 8.3 alias of a long-named entry is not matched.
func (fs *FS) findInDir(cluster uint32, name string) (*dirEntry, error) {
	var found *dirEntry
	err := fs.scanDir(cluster, func(e *dirEntry) bool {
		if e.attr&attrVolumeID != 0 {
			return false
		}
		if strings.EqualFold(e.Name, name) {
			found = e
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return found, nil
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" && p != "." {
			parts = append(parts, p)
		}
	}
	return parts
}

// lookup resolves a full path to its directory entry.
func (fs *FS) lookup(path string) (*dirEntry, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%q is not a file path", path)
	}
	cluster := fs.rootDirCluster()
	for i, part := range parts {
		e, err := fs.findInDir(cluster, part)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", strings.Join(parts[:i+1], "/"), err)
		}
		if i == len(parts)-1 {
			return e, nil
		}
		if !e.isDir() {
			return nil, fmt.Errorf("%s is not a directory", strings.Join(parts[:i+1], "/"))
		}
		cluster = e.cluster
	}
	panic("unreachable")
}

// lookupParent resolves the directory containing path and returns its
// cluster together with the final path component.
func (fs *FS) lookupParent(path string) (uint32, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return 0, "", fmt.Errorf("%q is not a file path", path)
	}
	cluster := fs.rootDirCluster()
	for _, part := range parts[:len(parts)-1] {
		e, err := fs.findInDir(cluster, part)
		if err != nil {
			return 0, "", err
		}
		if !e.isDir() {
			return 0, "", fmt.Errorf("%s is not a directory", part)
		}
		cluster = e.cluster
	}
	return cluster, parts[len(parts)-1], nil
}

// shortNameChecksum is the standard checksum tying long-name entries to
// their 8.3 entry.
func shortNameChecksum(short [11]byte) byte {
	var sum byte
	for _, c := range short[:] {
		sum = (sum&1)<<7 + sum>>1 + c
	}
	return sum
}

const short83Charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!#$%&'()-@^_`{}~"

// tryShortName encodes name as a plain 8.3 entry if it fits without
// loss; ok is false when a long-name entry is required. Only names
// already in canonical uppercase 8.3 form qualify, so listings read
// back exactly what was written.
func tryShortName(name string) (short [11]byte, ok bool) {
	for i := range short {
		short[i] = ' '
	}
	base, ext, hasDot := strings.Cut(name, ".")
	if base == "" || len(base) > 8 || hasDot && (ext == "" || len(ext) > 3) {
		return short, false
	}
	for _, part := range []string{base, ext} {
		for _, c := range part {
			if !strings.ContainsRune(short83Charset, c) {
				return short, false
			}
		}
	}
	copy(short[0:8], base)
	copy(short[8:11], ext)
	return short, true
}

// makeAlias derives a unique NAME~N style 8.3 alias for a long name.
func (fs *FS) makeAlias(dirCluster uint32, name string) ([11]byte, error) {
	base, ext := name, ""
	if i := strings.LastIndex(name, "."); i >= 0 {
		base, ext = name[:i], name[i+1:]
	}
	clean := func(s string, max int) string {
		var b strings.Builder
		for _, c := range strings.ToUpper(s) {
			if strings.ContainsRune(short83Charset, c) {
				b.WriteRune(c)
			}
			if b.Len() == max {
				break
			}
		}
		return b.String()
	}
	stem := clean(base, 6)
	if stem == "" {
		stem = "FILE"
	}
	extPart := clean(ext, 3)

	taken := make(map[[11]byte]bool)
	err := fs.scanDir(dirCluster, func(e *dirEntry) bool {
		taken[e.short] = true
		return false
	})
	if err != nil {
		return [11]byte{}, err
	}
	for n := 1; n < 1000000; n++ {
		tail := fmt.Sprintf("~%d", n)
		s := stem
		if len(s)+len(tail) > 8 {
			s = s[:8-len(tail)]
		}
		var short [11]byte
		for i := range short {
			short[i] = ' '
		}
		copy(short[0:8], s+tail)
		copy(short[8:11], extPart)
		if !taken[short] {
			return short, nil
		}
	}
	return [11]byte{}, fmt.Errorf("cannot derive a unique short alias for %q", name)
}

// encodeLFN builds the long-name entries for name, last sequence
// first, as they appear on disk.
func encodeLFN(name string, checksum byte) [][]byte {
	units := utf16.Encode([]rune(name))
	units = append(units, 0x0000)
	for len(units)%13 != 0 {
		units = append(units, 0xFFFF)
	}
	n := len(units) / 13
	entries := make([][]byte, 0, n)
	for seq := n; seq >= 1; seq-- {
		raw := make([]byte, dirEntrySize)
		raw[0] = byte(seq)
		if seq == n {
			raw[0] |= 0x40
		}
		raw[11] = attrLongName
		raw[13] = checksum
		part := units[(seq-1)*13 : seq*13]
		k := 0
		for _, span := range [][2]int{{1, 11}, {14, 26}, {28, 32}} {
			for i := span[0]; i < span[1]; i += 2 {
				binary.LittleEndian.PutUint16(raw[i:], part[k])
				k++
			}
		}
		entries = append(entries, raw)
	}
	return entries
}

func encodeShortEntry(short [11]byte, attr byte, cluster, size uint32) []byte {
	raw := make([]byte, dirEntrySize)
	copy(raw[0:11], short[:])
	if raw[0] == 0xE5 {
		raw[0] = 0x05
	}
	raw[11] = attr
	binary.LittleEndian.PutUint16(raw[14:], 0)         // creation time
	binary.LittleEndian.PutUint16(raw[16:], fixedDate) // creation date
	binary.LittleEndian.PutUint16(raw[18:], fixedDate) // access date
	binary.LittleEndian.PutUint16(raw[20:], uint16(cluster>>16))
	binary.LittleEndian.PutUint16(raw[22:], 0)         // write time
	binary.LittleEndian.PutUint16(raw[24:], fixedDate) // write date
	binary.LittleEndian.PutUint16(raw[26:], uint16(cluster))
	binary.LittleEndian.PutUint32(raw[28:], size)
	return raw
}

// addEntry creates a directory entry (plus long-name entries when
// needed) for name in the directory at dirCluster.
func (fs *FS) addEntry(dirCluster uint32, name string, attr byte, cluster, size uint32) error {
	var raws [][]byte
	if short, ok := tryShortName(name); ok {
		raws = [][]byte{encodeShortEntry(short, attr, cluster, size)}
	} else {
		short, err := fs.makeAlias(dirCluster, name)
		if err != nil {
			return err
		}
		raws = append(encodeLFN(name, shortNameChecksum(short)),
			encodeShortEntry(short, attr, cluster, size))
	}
	offs, err := fs.findFreeSlots(dirCluster, len(raws))
	if err != nil {
		return err
	}
	for i, raw := range raws {
		if _, err := fs.dev.WriteAt(raw, offs[i]); err != nil {
			return err
		}
	}
	return nil
}

// findFreeSlots locates need consecutive free entry slots, extending
// the directory with a fresh cluster when it runs out of space.
func (fs *FS) findFreeSlots(dirCluster uint32, need int) ([]int64, error) {
	extents, err := fs.dirExtents(dirCluster)
	if err != nil {
		return nil, err
	}
	var run []int64
	var raw [dirEntrySize]byte
	for _, ext := range extents {
		for i := int64(0); i < ext.length; i += dirEntrySize {
			if _, err := fs.dev.ReadAt(raw[:], ext.off+i); err != nil {
				return nil, err
			}
			if raw[0] == 0x00 || raw[0] == 0xE5 {
				run = append(run, ext.off+i)
				if len(run) == need {
					return run, nil
				}
			} else {
				run = run[:0]
			}
		}
	}
	if dirCluster == 0 {
		return nil, fmt.Errorf("root directory is full")
	}
	// Grow the directory; the new cluster arrives zeroed, so its
	// slots continue any run in progress.
	chain, err := fs.chain(dirCluster)
	if err != nil {
		return nil, err
	}
	fresh, err := fs.allocCluster(chain[len(chain)-1])
	if err != nil {
		return nil, err
	}
	off := fs.clusterOff(fresh)
	for i := int64(0); len(run) < need; i += dirEntrySize {
		run = append(run, off+i)
	}
	return run, nil
}

// deleteEntry marks an entry and its long-name entries as deleted.
func (fs *FS) deleteEntry(e *dirEntry) error {
	for _, off := range append(e.lfnOffs, e.off) {
		if _, err := fs.dev.WriteAt([]byte{0xE5}, off); err != nil {
			return err
		}
	}
	return nil
}

// updateEntry rewrites an entry's cluster, size and attributes in
// place.
func (fs *FS) updateEntry(e *dirEntry) error {
	var raw [dirEntrySize]byte
	if _, err := fs.dev.ReadAt(raw[:], e.off); err != nil {
		return err
	}
	raw[11] = e.attr
	binary.LittleEndian.PutUint16(raw[20:], uint16(e.cluster>>16))
	binary.LittleEndian.PutUint16(raw[26:], uint16(e.cluster))
	binary.LittleEndian.PutUint32(raw[28:], e.size)
	if _, err := fs.dev.WriteAt(raw[:], e.off); err != nil {
		return err
	}
	return nil
}

// ensureDot writes the "." and ".." entries of a fresh directory
// cluster.
func (fs *FS) ensureDot(cluster, parent uint32) error {
	var dot, dotdot [11]byte
	copy(dot[:], ".          ")
	copy(dotdot[:], "..         ")
	if parent == fs.rootDirCluster() {
		parent = 0 // ".." of a first-level directory points at cluster 0
	}
	if _, err := fs.dev.WriteAt(encodeShortEntry(dot, attrDirectory, cluster, 0), fs.clusterOff(cluster)); err != nil {
		return err
	}
	if _, err := fs.dev.WriteAt(encodeShortEntry(dotdot, attrDirectory, parent, 0), fs.clusterOff(cluster)+dirEntrySize); err != nil {
		return err
	}
	return nil
}

// dirEmpty reports whether a directory holds anything besides the dot
// entries.
func (fs *FS) dirEmpty(cluster uint32) (bool, error) {
	empty := true
	err := fs.scanDir(cluster, func(e *dirEntry) bool {
		if e.Name == "." || e.Name == ".." {
			return false
		}
		empty = false
		return true
	})
	return empty, err
}
