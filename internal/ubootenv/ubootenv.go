// Package ubootenv reads and writes U-Boot environment blocks: a
// little-endian CRC32 header followed by a NUL-separated name=value
// table, padded to the environment size with 0xFF.
package ubootenv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
)

// ErrCorrupt reports an environment whose CRC or structure does not
// check out. Only recovery paths tolerate it.
var ErrCorrupt = errors.New("corrupt U-Boot environment")

// Env is a decoded environment of a fixed serialized size.
type Env struct {
	size int
	vars map[string]string
}

// New returns an empty environment that serializes to size bytes.
func New(size int) *Env {
	return &Env{size: size, vars: make(map[string]string)}
}

// Read decodes an environment from its serialized form. The input
// length is the environment size.
func Read(p []byte) (*Env, error) {
	if len(p) < 5 {
		return nil, fmt.Errorf("%w: %d bytes is too small", ErrCorrupt, len(p))
	}
	stored := binary.LittleEndian.Uint32(p[0:4])
	if crc32.ChecksumIEEE(p[4:]) != stored {
		return nil, fmt.Errorf("%w: CRC mismatch", ErrCorrupt)
	}
	e := New(len(p))
	rest := p[4:]
	for {
		nul := bytes.IndexByte(rest, 0)
		if nul < 0 {
			return nil, fmt.Errorf("%w: unterminated variable", ErrCorrupt)
		}
		if nul == 0 {
			// Empty record ends the table.
			return e, nil
		}
		record := string(rest[:nul])
		name, value, ok := strings.Cut(record, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: malformed record %q", ErrCorrupt, record)
		}
		e.vars[name] = value
		rest = rest[nul+1:]
	}
}

// Size returns the serialized size in bytes.
func (e *Env) Size() int { return e.size }

// Get returns the value of name and whether it is set.
func (e *Env) Get(name string) (string, bool) {
	v, ok := e.vars[name]
	return v, ok
}

// Set adds or replaces a variable.
func (e *Env) Set(name, value string) {
	e.vars[name] = value
}

// Unset removes a variable. Removing an absent variable is not an
// error.
func (e *Env) Unset(name string) {
	delete(e.vars, name)
}

// Len returns the number of variables.
func (e *Env) Len() int { return len(e.vars) }

// Names returns the variable names in sorted order.
func (e *Env) Names() []string {
	names := make([]string, 0, len(e.vars))
	for name := range e.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encode serializes the environment: CRC32 (little-endian) over the
// remainder, the sorted variable table, a terminating NUL, and 0xFF
// padding out to the environment size.
func (e *Env) Encode() ([]byte, error) {
	var table bytes.Buffer
	for _, name := range e.Names() {
		table.WriteString(name)
		table.WriteByte('=')
		table.WriteString(e.vars[name])
		table.WriteByte(0)
	}
	table.WriteByte(0)
	if table.Len() > e.size-4 {
		return nil, fmt.Errorf("%d variable bytes exceed environment size %d", table.Len(), e.size)
	}
	p := make([]byte, e.size)
	copy(p[4:], table.Bytes())
	for i := 4 + table.Len(); i < e.size; i++ {
		p[i] = 0xFF
	}
	binary.LittleEndian.PutUint32(p[0:4], crc32.ChecksumIEEE(p[4:]))
	return p, nil
}
