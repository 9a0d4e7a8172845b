package sparse

import (
	"fmt"
	"io"
)

// streamChunk bounds how much of a resource is in memory at once.
const streamChunk = 64 * 1024

// Stream yields the data bytes of one resource in ascending offset
// order while the archive is read linearly. Offsets are positions in
// the expanded (hole-inclusive) resource, so consumers can write each
// chunk at destination+offset directly.
//
// The stream is single-pass. After the final chunk, Next returns a nil
// buffer; that is the sole termination signal.
type Stream struct {
	r        io.Reader
	m        Map
	buf      [streamChunk]byte
	run      int   // index into m.runs of the current data run
	runRem   int64 // bytes left in the current data run
	off      int64 // expanded-file offset of the next byte
	consumed int64
	done     bool
}

func NewStream(r io.Reader, m Map) *Stream {
	s := &Stream{r: r, m: m}
	if len(m.runs) == 0 {
		s.done = true
		return s
	}
	s.runRem = m.runs[0]
	s.advance()
	return s
}

// advance skips zero-length data runs and their trailing holes until a
// non-empty data run is found or the map is exhausted.
func (s *Stream) advance() {
	for s.runRem == 0 {
		if s.run+1 < len(s.m.runs) {
			s.off += s.m.runs[s.run+1] // the hole after this data run
		}
		s.run += 2
		if s.run >= len(s.m.runs) {
			s.done = true
			return
		}
		s.runRem = s.m.runs[s.run]
	}
}

// Next returns the next chunk and its offset in the expanded resource.
// The returned buffer is valid until the following call. At end of
// stream it returns (0, nil, nil).
func (s *Stream) Next() (off int64, p []byte, err error) {
	if s.done {
		return 0, nil, nil
	}
	want := int64(streamChunk)
	if want > s.runRem {
		want = s.runRem
	}
	n, err := io.ReadFull(s.r, s.buf[:want])
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return 0, nil, fmt.Errorf("resource stream underrun: got %d of %d bytes: %w", s.consumed+int64(n), s.m.DataSize(), io.ErrUnexpectedEOF)
	}
	if err != nil {
		return 0, nil, err
	}
	off = s.off
	p = s.buf[:n]
	s.off += int64(n)
	s.runRem -= int64(n)
	s.consumed += int64(n)
	s.advance()
	return off, p, nil
}

// Consumed is the number of data bytes yielded so far.
func (s *Stream) Consumed() int64 { return s.consumed }

// Map returns the stream's sparse map.
func (s *Stream) Map() Map { return s.m }

// Exhausted reports whether every data byte has been yielded.
func (s *Stream) Exhausted() bool { return s.done }
