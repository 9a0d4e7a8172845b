// Package sparse describes resources as alternating runs of data and
// holes, and streams their data bytes with destination offsets.
package sparse

import "fmt"

// Map is an ordered sequence of run lengths, starting with data. Even
// indexes are bytes present in the archive; odd indexes are holes that
// read as zeros at the destination.
type Map struct {
	runs []int64
}

// FromRuns validates a run list and wraps it in a Map. An empty list is
// a zero-length resource.
func FromRuns(runs []int64) (Map, error) {
	for i, r := range runs {
		if r < 0 {
			return Map{}, fmt.Errorf("run %d is negative (%d)", i, r)
		}
	}
	return Map{runs: append([]int64(nil), runs...)}, nil
}

// Solid returns a map describing a resource of n data bytes and no
// holes.
func Solid(n int64) Map {
	if n == 0 {
		return Map{}
	}
	return Map{runs: []int64{n}}
}

// Runs returns a copy of the run list.
func (m Map) Runs() []int64 { return append([]int64(nil), m.runs...) }

// DataSize is the number of bytes physically present in the archive.
func (m Map) DataSize() int64 {
	var n int64
	for i := 0; i < len(m.runs); i += 2 {
		n += m.runs[i]
	}
	return n
}

// Size is the expanded size at the destination, holes included.
func (m Map) Size() int64 {
	var n int64
	for _, r := range m.runs {
		n += r
	}
	return n
}

// EndingHole is the length of the final run if it is a hole, else 0.
func (m Map) EndingHole() int64 {
	if len(m.runs) == 0 || len(m.runs)%2 != 0 {
		return 0
	}
	return m.runs[len(m.runs)-1]
}

// Builder accumulates a run list while a host file is scanned,
// coalescing adjacent runs of the same kind.
type Builder struct {
	runs []int64
}

// AddData appends n data bytes.
func (b *Builder) AddData(n int64) {
	b.add(n, true)
}

// AddHole appends an n-byte hole.
func (b *Builder) AddHole(n int64) {
	b.add(n, false)
}

func (b *Builder) add(n int64, data bool) {
	if n == 0 {
		return
	}
	wantIdx := 0
	if !data {
		wantIdx = 1
	}
	if len(b.runs) == 0 && !data {
		// Lists start with data; lead with an empty data run.
		b.runs = append(b.runs, 0)
	}
	if len(b.runs) > 0 && (len(b.runs)-1)%2 == wantIdx%2 {
		b.runs[len(b.runs)-1] += n
		return
	}
	b.runs = append(b.runs, n)
}

// Map returns the accumulated run list.
func (b *Builder) Map() Map {
	return Map{runs: append([]int64(nil), b.runs...)}
}
