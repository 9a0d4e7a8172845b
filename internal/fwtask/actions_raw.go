package fwtask

import (
	"encoding/hex"
	"fmt"
	"math"

	"golang.org/x/crypto/blake2b"

	"github.com/michaelkschmidt/fwup/internal/block"
	"github.com/michaelkschmidt/fwup/internal/fwconf"
	"github.com/michaelkschmidt/fwup/internal/mbr"
	"github.com/michaelkschmidt/fwup/internal/sparse"
)

// checkHashField verifies the resource section carries a digest of the
// blake2b-256 hex length before any byte is written. The characters
// themselves are not checked here.
func checkHashField(res *fwconf.FileResource) error {
	if len(res.Hash) != blake2b.Size256*2 {
		return fmt.Errorf("%w: invalid blake2b-256 hash for %q", ErrConfig, res.Name)
	}
	return nil
}

// pumpResource drains the event's stream through write, hashing every
// byte and reporting progress as it goes.
func (c *Context) pumpResource(write func(off int64, p []byte) error) (int64, []byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return 0, nil, err
	}
	var written int64
	for {
		off, p, err := c.Stream.Next()
		if err != nil {
			return written, nil, fmt.Errorf("%w: %v", ErrResource, err)
		}
		if p == nil {
			break
		}
		h.Write(p)
		if err := write(off, p); err != nil {
			return written, nil, err
		}
		written += int64(len(p))
		c.Progress.Report(int64(len(p)))
		c.Progress.AddBytes(int64(len(p)))
	}
	return written, h.Sum(nil), nil
}

// finishStreamed applies the shared post-stream checks: every data
// byte arrived exactly once, and the digest matches the manifest.
func (c *Context) finishStreamed(res *fwconf.FileResource, m sparse.Map, written int64, digest []byte) error {
	if written != m.DataSize() {
		if written == 0 {
			return fmt.Errorf("%w: %s didn't write anything for %q. Was it called twice in one on-resource?", ErrResource, c.argv[0], res.Name)
		}
		return fmt.Errorf("%w: %s wrote %d bytes for %q, but should have written %d", ErrResource, c.argv[0], written, res.Name, m.DataSize())
	}
	if hex.EncodeToString(digest) != res.Hash {
		return fmt.Errorf("%w: %s detected a blake2b-256 digest mismatch on %q", ErrResource, c.argv[0], res.Name)
	}
	return nil
}

func rawWriteValidate(c *Context) error {
	if c.Type != CtxFile {
		return fmt.Errorf("%w: raw_write only usable in on-resource", ErrValidation)
	}
	if len(c.argv) != 2 {
		return fmt.Errorf("%w: raw_write requires a block offset", ErrValidation)
	}
	_, err := c.argUint(1, "block offset")
	return err
}

func rawWriteRun(c *Context) error {
	res, m, err := c.resource()
	if err != nil {
		return err
	}
	if err := checkHashField(res); err != nil {
		return err
	}
	off, err := c.argUint(1, "block offset")
	if err != nil {
		return err
	}
	dest := block.Addr(off).Bytes()

	w := block.NewPadWriter(c.Output)
	written, digest, err := c.pumpResource(func(off int64, p []byte) error {
		if err := w.Pwrite(p, dest+off); err != nil {
			return fmt.Errorf("%w: raw_write: %v", ErrIO, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if hole := m.EndingHole(); hole > 0 {
		// Seeking is not enough to give a regular file its final
		// length; a zero block inside the hole forces it.
		var zeros [block.Size]byte
		n := int64(block.Size)
		if hole < n {
			n = hole
		}
		if err := w.Pwrite(zeros[:n], dest+m.Size()-n); err != nil {
			return fmt.Errorf("%w: raw_write: %v", ErrIO, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("%w: raw_write: %v", ErrIO, err)
	}
	return c.finishStreamed(res, m, written, digest)
}

func rawMemsetValidate(c *Context) error {
	if len(c.argv) != 4 {
		return fmt.Errorf("%w: raw_memset requires a block offset, count, and value", ErrValidation)
	}
	if _, err := c.argUint(1, "block offset"); err != nil {
		return err
	}
	if _, err := c.argBlockCount(2); err != nil {
		return err
	}
	v, err := c.argUint(3, "value")
	if err != nil {
		return err
	}
	if v > 255 {
		return fmt.Errorf("%w: raw_memset requires value to be between 0 and 255", ErrValidation)
	}
	return nil
}

func rawMemsetProgress(c *Context) error {
	count, err := c.argBlockCount(2)
	if err != nil {
		return err
	}
	c.Progress.AddTotal(int64(count) * block.Size)
	return nil
}

func rawMemsetRun(c *Context) error {
	off, _ := c.argUint(1, "block offset")
	count, _ := c.argBlockCount(2)
	val, _ := c.argUint(3, "value")

	var buf [block.Size]byte
	for i := range buf {
		buf[i] = byte(val)
	}
	dest := block.Addr(off).Bytes()
	for i := int64(0); i < int64(count); i++ {
		if err := c.Output.Pwrite(buf[:], dest+i*block.Size, true); err != nil {
			return fmt.Errorf("%w: raw_memset couldn't write block %d: %v", ErrIO, off+uint64(i), err)
		}
		c.Progress.Report(block.Size)
		c.Progress.AddBytes(block.Size)
	}
	return nil
}

func trimValidate(c *Context) error {
	if len(c.argv) != 3 {
		return fmt.Errorf("%w: trim requires a block offset and count", ErrValidation)
	}
	if _, err := c.argUint(1, "block offset"); err != nil {
		return err
	}
	_, err := c.argBlockCount(2)
	return err
}

// trimUnitBlocks is the progress heuristic: one unit per 128 KiB.
const trimUnitBlocks = 256

func trimProgress(c *Context) error {
	count, err := c.argBlockCount(2)
	if err != nil {
		return err
	}
	c.Progress.AddTotal(int64(count) / trimUnitBlocks)
	return nil
}

func trimRun(c *Context) error {
	off, _ := c.argUint(1, "block offset")
	count, _ := c.argBlockCount(2)

	if err := c.Output.Trim(block.Addr(off).Bytes(), block.Addr(count).Bytes(), true); err != nil {
		return fmt.Errorf("%w: trim: %v", ErrIO, err)
	}
	c.Progress.Report(int64(count) / trimUnitBlocks)
	return nil
}

func mbrWriteValidate(c *Context) error {
	if len(c.argv) != 2 {
		return fmt.Errorf("%w: mbr_write requires an mbr", ErrValidation)
	}
	if _, err := c.Config.MBR(c.argv[1]); err != nil {
		return fmt.Errorf("%w: mbr_write: %v", ErrConfig, err)
	}
	return nil
}

func mbrWriteRun(c *Context) error {
	cfg, err := c.Config.MBR(c.argv[1])
	if err != nil {
		return fmt.Errorf("%w: mbr_write: %v", ErrConfig, err)
	}
	table, err := mbrTable(cfg)
	if err != nil {
		return err
	}
	sector, err := table.Render()
	if err != nil {
		return fmt.Errorf("%w: mbr %q: %v", ErrFormat, cfg.Name, err)
	}
	if err := c.Output.Pwrite(sector, 0, false); err != nil {
		return fmt.Errorf("%w: mbr_write: %v", ErrIO, err)
	}
	c.Progress.Report(1)
	return nil
}

// mbrTable converts the configuration section into a renderable table.
func mbrTable(cfg *fwconf.MBR) (*mbr.Table, error) {
	t := &mbr.Table{
		Bootstrap: cfg.Bootstrap,
		Signature: cfg.Signature,
	}
	if len(cfg.Partitions) > 4 {
		return nil, fmt.Errorf("%w: mbr %q: more than four partitions", ErrFormat, cfg.Name)
	}
	for i, p := range cfg.Partitions {
		if p.Type > 0xFF {
			return nil, fmt.Errorf("%w: mbr %q partition %d: type %#x out of range", ErrFormat, cfg.Name, i, p.Type)
		}
		if p.BlockOffset > math.MaxUint32 || p.BlockCount > math.MaxUint32 {
			return nil, fmt.Errorf("%w: mbr %q partition %d: offset or count exceeds 32 bits", ErrFormat, cfg.Name, i)
		}
		t.Partitions[i] = mbr.Partition{
			Boot:        p.Boot,
			Type:        byte(p.Type),
			BlockOffset: uint32(p.BlockOffset),
			BlockCount:  uint32(p.BlockCount),
		}
	}
	return t, nil
}
