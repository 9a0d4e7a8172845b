package fwtask

import (
	"fmt"
	"math"

	"github.com/michaelkschmidt/fwup/internal/block"
	"github.com/michaelkschmidt/fwup/internal/fat"
)

func fatMkfsValidate(c *Context) error {
	if len(c.argv) != 3 {
		return fmt.Errorf("%w: fat_mkfs requires a block offset and block count", ErrValidation)
	}
	if _, err := c.argUint(1, "block offset"); err != nil {
		return err
	}
	count, err := c.argUint(2, "block count")
	if err != nil {
		return err
	}
	if count > math.MaxUint32 {
		return fmt.Errorf("%w: fat_mkfs block count %d exceeds the FAT limit", ErrValidation, count)
	}
	return nil
}

func fatMkfsRun(c *Context) error {
	off, _ := c.argUint(1, "block offset")
	count, _ := c.argUint(2, "block count")

	fs, err := fat.Mkfs(c.Output, block.Addr(off).Bytes(), uint32(count))
	if err != nil {
		return fmt.Errorf("%w: fat_mkfs: %v", ErrIO, err)
	}
	// Replace any stale handle from before the format.
	c.fats[block.Addr(off).Bytes()] = fs
	c.Progress.Report(1)
	return nil
}

func fatWriteValidate(c *Context) error {
	if c.Type != CtxFile {
		return fmt.Errorf("%w: fat_write only usable in on-resource", ErrValidation)
	}
	if len(c.argv) != 3 {
		return fmt.Errorf("%w: fat_write requires a block offset and destination filename", ErrValidation)
	}
	_, err := c.argUint(1, "block offset")
	return err
}

func fatWriteRun(c *Context) error {
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
	fs, err := c.fatVolume(block.Addr(off))
	if err != nil {
		return err
	}
	path := c.argv[2]

	// Truncation semantics: an existing destination starts over.
	if err := fs.Remove(path, false); err != nil {
		return fmt.Errorf("%w: fat_write %s: %v", ErrIO, path, err)
	}

	if m.Size() == 0 {
		if err := fs.Touch(path); err != nil {
			return fmt.Errorf("%w: fat_write %s: %v", ErrIO, path, err)
		}
		c.Progress.Report(1)
		return nil
	}

	written, digest, err := c.pumpResource(func(off int64, p []byte) error {
		if err := fs.Pwrite(path, p, off); err != nil {
			return fmt.Errorf("%w: fat_write %s: %v", ErrIO, path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if m.EndingHole() > 0 {
		// A zero-length positional write grows the file across the
		// hole.
		if err := fs.Pwrite(path, nil, m.Size()); err != nil {
			return fmt.Errorf("%w: fat_write %s: %v", ErrIO, path, err)
		}
	}
	return c.finishStreamed(res, m, written, digest)
}

func fatAttribValidate(c *Context) error {
	if len(c.argv) != 4 {
		return fmt.Errorf("%w: fat_attrib requires a block offset, filename, and attributes (SHR)", ErrValidation)
	}
	if _, err := c.argUint(1, "block offset"); err != nil {
		return err
	}
	for _, ch := range c.argv[3] {
		switch ch {
		case 'S', 's', 'H', 'h', 'R', 'r':
		default:
			return fmt.Errorf("%w: fat_attrib only supports R, H, and S attributes", ErrValidation)
		}
	}
	return nil
}

func fatAttribRun(c *Context) error {
	off, _ := c.argUint(1, "block offset")
	fs, err := c.fatVolume(block.Addr(off))
	if err != nil {
		return err
	}
	if err := fs.SetAttrib(c.argv[2], c.argv[3]); err != nil {
		return fmt.Errorf("%w: fat_attrib %s: %v", ErrIO, c.argv[2], err)
	}
	c.Progress.Report(1)
	return nil
}

func fatMvValidate(c *Context) error {
	if len(c.argv) != 4 {
		return fmt.Errorf("%w: fat_mv requires a block offset, old filename, new filename", ErrValidation)
	}
	_, err := c.argUint(1, "block offset")
	return err
}

func fatMvRun(c *Context) error {
	off, _ := c.argUint(1, "block offset")
	fs, err := c.fatVolume(block.Addr(off))
	if err != nil {
		return err
	}
	force := c.bang(len("fat_mv"))
	if err := fs.Rename(c.argv[2], c.argv[3], force); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrIO, c.argv[0], c.argv[2], err)
	}
	c.Progress.Report(1)
	return nil
}

func fatRmValidate(c *Context) error {
	if len(c.argv) != 3 {
		return fmt.Errorf("%w: fat_rm requires a block offset and filename", ErrValidation)
	}
	_, err := c.argUint(1, "block offset")
	return err
}

func fatRmRun(c *Context) error {
	off, _ := c.argUint(1, "block offset")
	fs, err := c.fatVolume(block.Addr(off))
	if err != nil {
		return err
	}
	mustExist := c.bang(len("fat_rm"))
	if err := fs.Remove(c.argv[2], mustExist); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrIO, c.argv[0], c.argv[2], err)
	}
	c.Progress.Report(1)
	return nil
}

func fatCpValidate(c *Context) error {
	if len(c.argv) != 4 {
		return fmt.Errorf("%w: fat_cp requires a block offset, from filename, and to filename", ErrValidation)
	}
	_, err := c.argUint(1, "block offset")
	return err
}

func fatCpRun(c *Context) error {
	off, _ := c.argUint(1, "block offset")
	fs, err := c.fatVolume(block.Addr(off))
	if err != nil {
		return err
	}
	if err := fs.Copy(c.argv[2], c.argv[3]); err != nil {
		return fmt.Errorf("%w: fat_cp %s: %v", ErrIO, c.argv[2], err)
	}
	c.Progress.Report(1)
	return nil
}

func fatMkdirValidate(c *Context) error {
	if len(c.argv) != 3 {
		return fmt.Errorf("%w: fat_mkdir requires a block offset and directory name", ErrValidation)
	}
	_, err := c.argUint(1, "block offset")
	return err
}

func fatMkdirRun(c *Context) error {
	off, _ := c.argUint(1, "block offset")
	fs, err := c.fatVolume(block.Addr(off))
	if err != nil {
		return err
	}
	if err := fs.Mkdir(c.argv[2]); err != nil {
		return fmt.Errorf("%w: fat_mkdir %s: %v", ErrIO, c.argv[2], err)
	}
	c.Progress.Report(1)
	return nil
}

func fatSetlabelValidate(c *Context) error {
	if len(c.argv) != 3 {
		return fmt.Errorf("%w: fat_setlabel requires a block offset and name", ErrValidation)
	}
	_, err := c.argUint(1, "block offset")
	return err
}

func fatSetlabelRun(c *Context) error {
	off, _ := c.argUint(1, "block offset")
	fs, err := c.fatVolume(block.Addr(off))
	if err != nil {
		return err
	}
	if err := fs.SetLabel(c.argv[2]); err != nil {
		return fmt.Errorf("%w: fat_setlabel: %v", ErrIO, err)
	}
	c.Progress.Report(1)
	return nil
}

func fatTouchValidate(c *Context) error {
	if len(c.argv) != 3 {
		return fmt.Errorf("%w: fat_touch requires a block offset and filename", ErrValidation)
	}
	_, err := c.argUint(1, "block offset")
	return err
}

func fatTouchRun(c *Context) error {
	off, _ := c.argUint(1, "block offset")
	fs, err := c.fatVolume(block.Addr(off))
	if err != nil {
		return err
	}
	if err := fs.Touch(c.argv[2]); err != nil {
		return fmt.Errorf("%w: fat_touch %s: %v", ErrIO, c.argv[2], err)
	}
	c.Progress.Report(1)
	return nil
}
