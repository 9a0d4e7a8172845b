package block

import (
	"fmt"
	"sort"
)

const (
	// cacheEntries is the size of the direct-mapped cache. At 512
	// bytes per entry the cache tops out at 64 KiB plus bookkeeping.
	cacheEntries = 128

	// dirtyHighWater caps how many dirty blocks a streamed write may
	// leave behind before a write-back is forced.
	dirtyHighWater = 96
)

type entryState uint8

const (
	entryAbsent entryState = iota
	entryClean
	entryDirty
)

type cacheEntry struct {
	state entryState
	addr  Addr
	buf   [Size]byte
}

// Cache is a direct-mapped write-back cache of 512-byte blocks. It is
// the only path to the target device: every action writes through it,
// so partial-block updates coalesce into whole-block device I/O and
// metadata rewrites (MBR, environment blocks, FAT structures) stay in
// memory until Flush.
//
// The cache is not safe for concurrent use; the apply driver is its
// only caller.
type Cache struct {
	dev     Device
	entries [cacheEntries]cacheEntry
	dirty   int
}

func NewCache(dev Device) *Cache {
	return &Cache{dev: dev}
}

// Device returns the underlying sink.
func (c *Cache) Device() Device { return c.dev }

func (c *Cache) slot(addr Addr) *cacheEntry {
	return &c.entries[addr%cacheEntries]
}

// evict empties slot e, writing back its current occupant if dirty.
func (c *Cache) evict(e *cacheEntry) error {
	if e.state == entryDirty {
		if _, err := c.dev.WriteAt(e.buf[:], e.addr.Bytes()); err != nil {
			return fmt.Errorf("write back block %d: %w", e.addr, err)
		}
		c.dirty--
	}
	e.state = entryAbsent
	return nil
}

// Pread fills p from offset off, serving bytes from cached blocks where
// they cover the range and from the device otherwise.
func (c *Cache) Pread(p []byte, off int64) error {
	for len(p) > 0 {
		addr := Addr(off / Size)
		within := int(off - addr.Bytes())
		n := Size - within
		if n > len(p) {
			n = len(p)
		}
		e := c.slot(addr)
		if e.state != entryAbsent && e.addr == addr {
			copy(p[:n], e.buf[within:within+n])
		} else {
			m, err := c.dev.ReadAt(p[:n], off)
			if err != nil || m != n {
				return fmt.Errorf("read %d bytes at offset %d: short read (%d): %w", n, off, m, err)
			}
		}
		p = p[n:]
		off += int64(n)
	}
	return nil
}

// Pwrite stores p at offset off. Partial-block updates read the block
// first; whole-block updates overwrite. streamed marks bulk resource
// data, which is written back eagerly once the dirty set grows past the
// high-water mark so that large resources cannot pin unbounded memory.
func (c *Cache) Pwrite(p []byte, off int64, streamed bool) error {
	for len(p) > 0 {
		addr := Addr(off / Size)
		within := int(off - addr.Bytes())
		n := Size - within
		if n > len(p) {
			n = len(p)
		}
		e := c.slot(addr)
		if e.state != entryAbsent && e.addr != addr {
			if err := c.evict(e); err != nil {
				return err
			}
		}
		if e.state == entryAbsent && n != Size {
			// Partial update of an uncached block: fetch the
			// current contents first.
			if _, err := c.dev.ReadAt(e.buf[:], addr.Bytes()); err != nil {
				return fmt.Errorf("read block %d for partial write: %w", addr, err)
			}
		}
		copy(e.buf[within:within+n], p[:n])
		e.addr = addr
		if e.state != entryDirty {
			c.dirty++
		}
		e.state = entryDirty
		p = p[n:]
		off += int64(n)
	}
	if streamed && c.dirty >= dirtyHighWater {
		return c.Flush()
	}
	return nil
}

// Trim invalidates cached blocks covering [off, off+length) and, when
// hard is set, forwards the discard to the device. Devices without
// discard support are not an error: the range is simply left alone.
func (c *Cache) Trim(off, length int64, hard bool) error {
	first := Addr(off / Size)
	last := Addr((off + length + Size - 1) / Size)
	for i := range c.entries {
		e := &c.entries[i]
		if e.state == entryAbsent || e.addr < first || e.addr >= last {
			continue
		}
		if e.state == entryDirty {
			c.dirty--
		}
		e.state = entryAbsent
	}
	if !hard {
		return nil
	}
	if err := c.dev.Trim(off, length); err != nil && err != ErrTrimUnsupported {
		return fmt.Errorf("trim %d bytes at offset %d: %w", length, off, err)
	}
	return nil
}

// Flush writes back all dirty blocks in ascending device order.
func (c *Cache) Flush() error {
	idx := make([]int, 0, c.dirty)
	for i := range c.entries {
		if c.entries[i].state == entryDirty {
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(a, b int) bool {
		return c.entries[idx[a]].addr < c.entries[idx[b]].addr
	})
	for _, i := range idx {
		e := &c.entries[i]
		if _, err := c.dev.WriteAt(e.buf[:], e.addr.Bytes()); err != nil {
			return fmt.Errorf("write back block %d: %w", e.addr, err)
		}
		e.state = entryClean
		c.dirty--
	}
	return nil
}

// ReadAt adapts Pread to io.ReaderAt for layers (the FAT filesystem)
// that want to see the cache as a plain random-access device.
func (c *Cache) ReadAt(p []byte, off int64) (int, error) {
	if err := c.Pread(p, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt adapts Pwrite to io.WriterAt. Writes through this path are
// metadata, never streamed resource data.
func (c *Cache) WriteAt(p []byte, off int64) (int, error) {
	if err := c.Pwrite(p, off, false); err != nil {
		return 0, err
	}
	return len(p), nil
}
