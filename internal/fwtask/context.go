package fwtask

import (
	"fmt"
	"math"
	"strconv"

	"github.com/michaelkschmidt/fwup/internal/block"
	"github.com/michaelkschmidt/fwup/internal/fat"
	"github.com/michaelkschmidt/fwup/internal/fwconf"
	"github.com/michaelkschmidt/fwup/internal/progress"
	"github.com/michaelkschmidt/fwup/internal/sparse"
)

// CtxType discriminates where an action runs: global hooks or inside
// an on-resource funlist with a stream attached.
type CtxType int

const (
	CtxGlobal CtxType = iota
	CtxFile
)

// Event names the on-resource event being processed.
type Event struct {
	Title string
}

// Context carries everything an action phase needs. One Context lives
// for one task execution; the driver mutates Type, OnEvent and Stream
// as it moves between events.
type Context struct {
	Type     CtxType
	Config   *fwconf.Config
	Output   *block.Cache
	Progress *progress.Reporter
	// Unsafe gates path_write, pipe_write and execute. It travels in
	// the context so tests stay hermetic.
	Unsafe bool

	OnEvent *Event
	Stream  *sparse.Stream

	argv []string

	// fats caches open FAT volumes by byte offset for the lifetime
	// of the run, so consecutive fat_* actions share state.
	fats map[int64]*fat.FS
}

// NewContext builds a run context. Output and Progress may be nil for
// validation-only use.
func NewContext(cfg *fwconf.Config, out *block.Cache, rep *progress.Reporter, unsafe bool) *Context {
	return &Context{
		Config:   cfg,
		Output:   out,
		Progress: rep,
		Unsafe:   unsafe,
		fats:     make(map[int64]*fat.FS),
	}
}

// fatVolume opens the FAT volume at the given block offset, reusing a
// volume opened earlier in the run.
func (c *Context) fatVolume(off block.Addr) (*fat.FS, error) {
	if fs, ok := c.fats[off.Bytes()]; ok {
		return fs, nil
	}
	fs, err := fat.Open(c.Output, off.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	c.fats[off.Bytes()] = fs
	return fs, nil
}

// argUint parses argv[i] as an unsigned integer in C-style base
// (decimal, 0x hex, 0 octal).
func (c *Context) argUint(i int, what string) (uint64, error) {
	v, err := strconv.ParseUint(c.argv[i], 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s requires a non-negative integer %s, got %q", ErrValidation, c.argv[0], what, c.argv[i])
	}
	return v, nil
}

// argBlockCount parses a block count whose byte size must stay under
// the 32-bit signed limit.
func (c *Context) argBlockCount(i int) (uint64, error) {
	v, err := c.argUint(i, "block count")
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt32/block.Size {
		return 0, fmt.Errorf("%w: %s block count %d exceeds the addressable range", ErrValidation, c.argv[0], v)
	}
	return v, nil
}

// resource returns the file-resource section for the active event,
// with its sparse map. It does not check the hash field.
func (c *Context) resource() (*fwconf.FileResource, sparse.Map, error) {
	if c.OnEvent == nil {
		return nil, sparse.Map{}, fmt.Errorf("%w: %s outside of on-resource", ErrValidation, c.argv[0])
	}
	res, err := c.Config.Resource(c.OnEvent.Title)
	if err != nil {
		return nil, sparse.Map{}, fmt.Errorf("%w: %s: %v", ErrConfig, c.argv[0], err)
	}
	m, err := sparse.FromRuns(res.Length)
	if err != nil {
		return nil, sparse.Map{}, fmt.Errorf("%w: resource %q: %v", ErrConfig, res.Name, err)
	}
	return res, m, nil
}
