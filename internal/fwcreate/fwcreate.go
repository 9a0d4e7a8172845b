// Package fwcreate assembles firmware archives: it scans the named
// host files into sparse run maps, hashes their data bytes, fills the
// manifest, and streams everything into the archive container.
package fwcreate

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/michaelkschmidt/fwup/internal/fwarchive"
	"github.com/michaelkschmidt/fwup/internal/fwconf"
	"github.com/michaelkschmidt/fwup/internal/fwtask"
	"github.com/michaelkschmidt/fwup/internal/sparse"
)

// scanChunk is the hole-detection granularity: an aligned chunk of
// zeros becomes a hole in the archive.
const scanChunk = 4096

// Create validates the configuration, scans and hashes every resource,
// and writes the archive to outPath.
func Create(cfg *fwconf.Config, outPath string) error {
	if err := fwtask.ValidateConfig(cfg); err != nil {
		return err
	}
	for _, m := range cfg.MBRs {
		if m.BootstrapPath != "" {
			code, err := os.ReadFile(m.BootstrapPath)
			if err != nil {
				return fmt.Errorf("mbr %s: %w", m.Name, err)
			}
			m.Bootstrap = code
		}
	}

	// Scan resources concurrently; each fills its own section.
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for _, res := range cfg.Resources {
		res := res
		g.Go(func() error {
			if res.HostPath == "" {
				return fmt.Errorf("file-resource %s: no host-path", res.Name)
			}
			m, hash, err := scanResource(res.HostPath)
			if err != nil {
				return fmt.Errorf("file-resource %s: %w", res.Name, err)
			}
			res.Length = fwconf.RunList(m.Runs())
			res.Hash = hash
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	manifest, err := cfg.Manifest()
	if err != nil {
		return err
	}

	w, err := fwarchive.NewWriter(outPath)
	if err != nil {
		return err
	}
	meta, err := w.CreateMeta()
	if err != nil {
		w.Abort()
		return err
	}
	if _, err := meta.Write(manifest); err != nil {
		w.Abort()
		return err
	}
	for _, res := range cfg.Resources {
		entry, err := w.CreateResource(res.Name)
		if err != nil {
			w.Abort()
			return err
		}
		if err := copyDataRuns(entry, res.HostPath, res.Hash); err != nil {
			w.Abort()
			return fmt.Errorf("file-resource %s: %w", res.Name, err)
		}
	}
	return w.Close()
}

// scanResource reads a host file once, classifying aligned zero chunks
// as holes and hashing the remaining data bytes.
func scanResource(path string) (sparse.Map, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return sparse.Map{}, "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return sparse.Map{}, "", err
	}
	var b sparse.Builder
	buf := make([]byte, scanChunk)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			if isZero(buf[:n]) {
				b.AddHole(int64(n))
			} else {
				b.AddData(int64(n))
				h.Write(buf[:n])
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return sparse.Map{}, "", err
		}
	}
	return b.Map(), hex.EncodeToString(h.Sum(nil)), nil
}

// copyDataRuns re-reads the host file, streaming only its data chunks
// into the archive entry. The recomputed digest must match the one
// recorded during the scan, so a file mutated between the two passes
// cannot produce a self-inconsistent archive.
func copyDataRuns(w io.Writer, path, wantHash string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return err
	}
	buf := make([]byte, scanChunk)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 && !isZero(buf[:n]) {
			h.Write(buf[:n])
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != wantHash {
		return fmt.Errorf("%s changed while the archive was being written", path)
	}
	return nil
}

func isZero(p []byte) bool {
	for len(p) >= 8 {
		if p[0]|p[1]|p[2]|p[3]|p[4]|p[5]|p[6]|p[7] != 0 {
			return false
		}
		p = p[8:]
	}
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}

// Verify re-reads an archive, checking every resource payload against
// the manifest's digest and run lengths.
func Verify(path string) error {
	ar, err := fwarchive.Open(path)
	if err != nil {
		return err
	}
	defer ar.Close()

	doc, err := ar.Manifest()
	if err != nil {
		return err
	}
	cfg, err := fwconf.Parse(doc)
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}

	checked := make(map[string]bool)
	for {
		entry, err := ar.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		name, isResource := entry.IsResource()
		if !isResource {
			continue
		}
		res, err := cfg.Resource(name)
		if err != nil {
			return fmt.Errorf("archive entry %q has no manifest section", name)
		}
		m, err := sparse.FromRuns(res.Length)
		if err != nil {
			return fmt.Errorf("resource %s: %w", name, err)
		}
		h, err := blake2b.New256(nil)
		if err != nil {
			return err
		}
		n, err := io.Copy(h, ar)
		if err != nil {
			return fmt.Errorf("resource %s: %w", name, err)
		}
		if n != m.DataSize() {
			return fmt.Errorf("resource %s: %d data bytes in archive, manifest says %d", name, n, m.DataSize())
		}
		if got := hex.EncodeToString(h.Sum(nil)); got != res.Hash {
			return fmt.Errorf("resource %s: blake2b-256 digest mismatch", name)
		}
		checked[name] = true
	}
	for _, res := range cfg.Resources {
		if !checked[res.Name] {
			return fmt.Errorf("resource %s missing from archive", res.Name)
		}
	}
	return nil
}
