package block

// PadWriter buffers the ragged edges of a resource stream so that the
// cache sees block-sized writes wherever possible. It holds at most one
// partial block; Flush zero-pads and writes whatever remains.
//
// Writes are expected in ascending offset order. A write that does not
// continue the buffered partial block flushes it first.
type PadWriter struct {
	c        *Cache
	buf      [Size]byte
	buffered int
	off      int64
}

func NewPadWriter(c *Cache) *PadWriter {
	return &PadWriter{c: c}
}

// Pwrite stores p at byte offset off, splitting it into a
// buffer-completing prefix, a block-aligned middle written straight
// through, and a partial suffix that is stashed for the next call.
func (w *PadWriter) Pwrite(p []byte, off int64) error {
	if w.buffered > 0 {
		if off != w.off+int64(w.buffered) {
			if err := w.Flush(); err != nil {
				return err
			}
		} else {
			n := Size - w.buffered
			if n > len(p) {
				n = len(p)
			}
			copy(w.buf[w.buffered:], p[:n])
			w.buffered += n
			p = p[n:]
			off += int64(n)
			if w.buffered == Size {
				if err := w.c.Pwrite(w.buf[:], w.off, true); err != nil {
					return err
				}
				w.buffered = 0
			}
			if len(p) == 0 {
				return nil
			}
		}
	}

	aligned := len(p) &^ (Size - 1)
	if aligned > 0 {
		if err := w.c.Pwrite(p[:aligned], off, true); err != nil {
			return err
		}
		p = p[aligned:]
		off += int64(aligned)
	}
	if len(p) > 0 {
		copy(w.buf[:], p)
		w.buffered = len(p)
		w.off = off
	}
	return nil
}

// Flush writes the buffered partial block, zero-padded to a full block.
func (w *PadWriter) Flush() error {
	if w.buffered == 0 {
		return nil
	}
	for i := w.buffered; i < Size; i++ {
		w.buf[i] = 0
	}
	if err := w.c.Pwrite(w.buf[:], w.off, true); err != nil {
		return err
	}
	w.buffered = 0
	return nil
}
