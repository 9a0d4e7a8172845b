package fat

import (
	"errors"
	"fmt"
	"strings"
)

// Info describes a directory entry for listings.
type Info struct {
	Name string
	Size int64
	Dir  bool
	Attr string // subset of "RHS"
}

// maxFileSize is the FAT limit on a single file.
const maxFileSize = 0xFFFFFFFF

// Exists reports whether path names a file or directory on the volume.
func (fs *FS) Exists(path string) (bool, error) {
	_, err := fs.lookup(path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Pwrite writes p at byte offset off of path, creating the file when
// absent and growing it (zero-filled) when the write lands past the
// current end. A zero-length write with off beyond the end grows the
// file to off bytes.
func (fs *FS) Pwrite(path string, p []byte, off int64) error {
	if off < 0 {
		return fmt.Errorf("negative offset %d", off)
	}
	parent, name, err := fs.lookupParent(path)
	if err != nil {
		return err
	}
	e, err := fs.findInDir(parent, name)
	if errors.Is(err, ErrNotFound) {
		if err := fs.addEntry(parent, name, attrArchive, 0, 0); err != nil {
			return err
		}
		e, err = fs.findInDir(parent, name)
	}
	if err != nil {
		return err
	}
	if e.isDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	newSize := int64(e.size)
	if end := off + int64(len(p)); end > newSize {
		newSize = end
	}
	if newSize > maxFileSize {
		return fmt.Errorf("%s would exceed the FAT file size limit", path)
	}

	cb := fs.clusterBytes()
	needClusters := (newSize + cb - 1) / cb
	var chain []uint32
	if e.cluster != 0 {
		if chain, err = fs.chain(e.cluster); err != nil {
			return err
		}
	}
	for int64(len(chain)) < needClusters {
		prev := uint32(0)
		if len(chain) > 0 {
			prev = chain[len(chain)-1]
		}
		fresh, err := fs.allocCluster(prev)
		if err != nil {
			return err
		}
		chain = append(chain, fresh)
	}

	// Scatter p across the covered clusters.
	for len(p) > 0 {
		idx := off / cb
		within := off - idx*cb
		n := cb - within
		if n > int64(len(p)) {
			n = int64(len(p))
		}
		if _, err := fs.dev.WriteAt(p[:n], fs.clusterOff(chain[idx])+within); err != nil {
			return err
		}
		p = p[n:]
		off += n
	}

	if len(chain) > 0 {
		e.cluster = chain[0]
	}
	e.size = uint32(newSize)
	return fs.updateEntry(e)
}

// ReadFile returns the full contents of path.
func (fs *FS) ReadFile(path string) ([]byte, error) {
	e, err := fs.lookup(path)
	if err != nil {
		return nil, err
	}
	if e.isDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if e.size == 0 {
		return nil, nil
	}
	chain, err := fs.chain(e.cluster)
	if err != nil {
		return nil, err
	}
	cb := fs.clusterBytes()
	out := make([]byte, e.size)
	for i, n := range chain {
		lo := int64(i) * cb
		if lo >= int64(e.size) {
			break
		}
		hi := lo + cb
		if hi > int64(e.size) {
			hi = int64(e.size)
		}
		if _, err := fs.dev.ReadAt(out[lo:hi], fs.clusterOff(n)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Touch creates path as an empty file if it does not exist.
func (fs *FS) Touch(path string) error {
	parent, name, err := fs.lookupParent(path)
	if err != nil {
		return err
	}
	_, err = fs.findInDir(parent, name)
	if errors.Is(err, ErrNotFound) {
		return fs.addEntry(parent, name, attrArchive, 0, 0)
	}
	return err
}

// Remove deletes a file or empty directory. A missing path is an error
// only when mustExist is set.
func (fs *FS) Remove(path string, mustExist bool) error {
	e, err := fs.lookup(path)
	if errors.Is(err, ErrNotFound) {
		if mustExist {
			return err
		}
		return nil
	}
	if err != nil {
		return err
	}
	if e.isDir() {
		empty, err := fs.dirEmpty(e.cluster)
		if err != nil {
			return err
		}
		if !empty {
			return fmt.Errorf("%s: directory not empty", path)
		}
	}
	if err := fs.deleteEntry(e); err != nil {
		return err
	}
	return fs.freeChain(e.cluster)
}

// Rename moves oldPath to newPath. An existing destination is an error
// unless force is set, in which case it is replaced.
func (fs *FS) Rename(oldPath, newPath string, force bool) error {
	e, err := fs.lookup(oldPath)
	if err != nil {
		return err
	}
	if _, destErr := fs.lookup(newPath); destErr == nil {
		if !force {
			return fmt.Errorf("%s: %w", newPath, ErrExists)
		}
		if err := fs.Remove(newPath, true); err != nil {
			return err
		}
	} else if !errors.Is(destErr, ErrNotFound) {
		return destErr
	}
	newParent, newName, err := fs.lookupParent(newPath)
	if err != nil {
		return err
	}
	if err := fs.deleteEntry(e); err != nil {
		return err
	}
	if err := fs.addEntry(newParent, newName, e.attr, e.cluster, e.size); err != nil {
		return err
	}
	if e.isDir() && e.cluster != 0 {
		// Keep ".." pointing at the destination directory.
		return fs.ensureDot(e.cluster, newParent)
	}
	return nil
}

// Copy duplicates the file at from to to, replacing any existing
// destination.
func (fs *FS) Copy(from, to string) error {
	data, err := fs.ReadFile(from)
	if err != nil {
		return err
	}
	if err := fs.Remove(to, false); err != nil {
		return err
	}
	if len(data) == 0 {
		return fs.Touch(to)
	}
	return fs.Pwrite(to, data, 0)
}

// Mkdir creates a directory. The parent must exist; an existing entry
// at path is an error.
func (fs *FS) Mkdir(path string) error {
	parent, name, err := fs.lookupParent(path)
	if err != nil {
		return err
	}
	if _, err := fs.findInDir(parent, name); err == nil {
		return fmt.Errorf("%s: %w", path, ErrExists)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	cluster, err := fs.allocCluster(0)
	if err != nil {
		return err
	}
	if err := fs.ensureDot(cluster, parent); err != nil {
		return err
	}
	return fs.addEntry(parent, name, attrDirectory, cluster, 0)
}

// SetAttrib replaces the read-only, hidden and system bits of path
// with exactly those named in attrs (any of "RHS", case-insensitive).
func (fs *FS) SetAttrib(path, attrs string) error {
	var bits byte
	for _, c := range attrs {
		switch c {
		case 'R', 'r':
			bits |= attrReadOnly
		case 'H', 'h':
			bits |= attrHidden
		case 'S', 's':
			bits |= attrSystem
		default:
			return fmt.Errorf("unsupported attribute %q", string(c))
		}
	}
	e, err := fs.lookup(path)
	if err != nil {
		return err
	}
	e.attr = e.attr&^(attrReadOnly|attrHidden|attrSystem) | bits
	return fs.updateEntry(e)
}

// SetLabel writes the volume label directory entry, replacing any
// existing one.
func (fs *FS) SetLabel(label string) error {
	if len(label) > 11 {
		return fmt.Errorf("label %q exceeds 11 characters", label)
	}
	var short [11]byte
	for i := range short {
		short[i] = ' '
	}
	copy(short[:], strings.ToUpper(label))

	var existing *dirEntry
	root := fs.rootDirCluster()
	err := fs.scanDir(root, func(e *dirEntry) bool {
		if e.attr&attrVolumeID != 0 && e.attr != attrLongName {
			existing = e
			return true
		}
		return false
	})
	if err != nil {
		return err
	}
	raw := encodeShortEntry(short, attrVolumeID, 0, 0)
	if existing != nil {
		_, err := fs.dev.WriteAt(raw, existing.off)
		return err
	}
	offs, err := fs.findFreeSlots(root, 1)
	if err != nil {
		return err
	}
	_, err = fs.dev.WriteAt(raw, offs[0])
	return err
}

// Label returns the volume label, or the empty string when unset.
func (fs *FS) Label() (string, error) {
	var label string
	root := fs.rootDirCluster()
	err := fs.scanDir(root, func(e *dirEntry) bool {
		if e.attr&attrVolumeID != 0 && e.attr != attrLongName {
			label = strings.TrimRight(string(e.short[:]), " ")
			return true
		}
		return false
	})
	return label, err
}

// List returns the entries of a directory, dot entries and the volume
// label excluded. An empty path lists the root.
func (fs *FS) List(path string) ([]Info, error) {
	cluster := fs.rootDirCluster()
	if len(splitPath(path)) > 0 {
		e, err := fs.lookup(path)
		if err != nil {
			return nil, err
		}
		if !e.isDir() {
			return nil, fmt.Errorf("%s is not a directory", path)
		}
		cluster = e.cluster
	}
	var out []Info
	err := fs.scanDir(cluster, func(e *dirEntry) bool {
		if e.attr&attrVolumeID != 0 || e.Name == "." || e.Name == ".." {
			return false
		}
		var attr strings.Builder
		if e.attr&attrReadOnly != 0 {
			attr.WriteByte('R')
		}
		if e.attr&attrHidden != 0 {
			attr.WriteByte('H')
		}
		if e.attr&attrSystem != 0 {
			attr.WriteByte('S')
		}
		out = append(out, Info{
			Name: e.Name,
			Size: int64(e.size),
			Dir:  e.isDir(),
			Attr: attr.String(),
		})
		return false
	})
	return out, err
}
