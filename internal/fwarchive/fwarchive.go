// Package fwarchive reads and writes firmware archives. An archive is
// a zip whose first entry, meta.yml, is the configuration manifest;
// every following data/<name> entry is a resource payload, stored in
// the order the manifest lists resources.
package fwarchive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"

	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/flate"
)

// MetaName is the manifest entry, always first in the archive.
const MetaName = "meta.yml"

// DataPrefix namespaces resource payload entries.
const DataPrefix = "data/"

// Writer streams a firmware archive to a temporary file and renames it
// into place on Close, so an interrupted create never leaves a partial
// archive at the destination.
type Writer struct {
	pf *renameio.PendingFile
	zw *zip.Writer
}

// NewWriter starts an archive at path.
func NewWriter(path string) (*Writer, error) {
	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0644))
	if err != nil {
		return nil, err
	}
	zw := zip.NewWriter(pf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestSpeed)
	})
	return &Writer{pf: pf, zw: zw}, nil
}

// CreateMeta opens the manifest entry. It must be the first entry
// written, and is stored uncompressed so that tooling can inspect it
// without inflating.
func (w *Writer) CreateMeta() (io.Writer, error) {
	return w.zw.CreateHeader(&zip.FileHeader{
		Name:   MetaName,
		Method: zip.Store,
	})
}

// CreateResource opens a deflate-compressed payload entry for the
// named resource.
func (w *Writer) CreateResource(name string) (io.Writer, error) {
	return w.zw.CreateHeader(&zip.FileHeader{
		Name:   DataPrefix + name,
		Method: zip.Deflate,
	})
}

// Close finishes the zip stream and atomically moves the archive to
// its destination.
func (w *Writer) Close() error {
	if err := w.zw.Close(); err != nil {
		w.pf.Cleanup()
		return err
	}
	return w.pf.CloseAtomicallyReplace()
}

// Abort discards the partially written archive.
func (w *Writer) Abort() {
	w.pf.Cleanup()
}

// Entry is one archive member during iteration.
type Entry struct {
	// Name is the raw entry name (meta.yml or data/<resource>).
	Name string
	// Size is the uncompressed payload size.
	Size int64
}

// IsResource reports whether the entry is a resource payload, and the
// resource name if so.
func (e *Entry) IsResource() (string, bool) {
	if len(e.Name) > len(DataPrefix) && e.Name[:len(DataPrefix)] == DataPrefix {
		return e.Name[len(DataPrefix):], true
	}
	return "", false
}

// Reader iterates archive entries in stored order. The apply driver
// relies on that order matching the creator's resource order.
type Reader struct {
	f     *os.File
	files []*zip.File
	idx   int
	cur   io.ReadCloser
}

// Open opens the archive at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	zr, err := zip.NewReader(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s is not a firmware archive: %w", path, err)
	}
	zr.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
	return &Reader{f: f, files: zr.File}, nil
}

// Next advances to the next entry. It returns io.EOF after the last
// one.
func (r *Reader) Next() (*Entry, error) {
	if r.cur != nil {
		r.cur.Close()
		r.cur = nil
	}
	if r.idx >= len(r.files) {
		return nil, io.EOF
	}
	zf := r.files[r.idx]
	r.idx++
	rc, err := zf.Open()
	if err != nil {
		return nil, fmt.Errorf("open archive entry %s: %w", zf.Name, err)
	}
	r.cur = rc
	return &Entry{Name: zf.Name, Size: int64(zf.UncompressedSize64)}, nil
}

// Read reads from the current entry's payload.
func (r *Reader) Read(p []byte) (int, error) {
	if r.cur == nil {
		return 0, io.EOF
	}
	return r.cur.Read(p)
}

// Manifest reads the manifest entry, which must be first.
func (r *Reader) Manifest() ([]byte, error) {
	if len(r.files) == 0 || r.files[0].Name != MetaName {
		return nil, fmt.Errorf("archive does not start with %s", MetaName)
	}
	rc, err := r.files[0].Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (r *Reader) Close() error {
	if r.cur != nil {
		r.cur.Close()
	}
	return r.f.Close()
}
