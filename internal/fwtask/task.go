package fwtask

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/michaelkschmidt/fwup/internal/block"
	"github.com/michaelkschmidt/fwup/internal/fwconf"
	"github.com/michaelkschmidt/fwup/internal/mbr"
	"github.com/michaelkschmidt/fwup/internal/ubootenv"
)

// SelectTask returns the first task matching name (exactly or as a
// dotted prefix) whose require-* predicates all hold against the
// target. If candidates exist but none qualifies, it reports
// ErrNoMatchingTask.
func SelectTask(c *Context, name string) (*fwconf.Task, error) {
	candidates := c.Config.TasksMatching(name)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no task named %q", ErrConfig, name)
	}
	for _, t := range candidates {
		ok, err := c.meetsRequirements(t)
		if err != nil {
			return nil, err
		}
		if ok {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoMatchingTask, name)
}

func (c *Context) meetsRequirements(t *fwconf.Task) (bool, error) {
	for _, req := range t.Requirements {
		ok, err := c.evalRequirement(req)
		if err != nil {
			return false, fmt.Errorf("task %s: %w", t.Name, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// evalRequirement probes the target device for one require-*
// predicate. Unreadable or absent structures make the predicate false,
// not an error: a blank device simply fails upgrade-style tasks.
func (c *Context) evalRequirement(req fwconf.Requirement) (bool, error) {
	switch req.Kind {
	case "partition-offset":
		if len(req.Args) != 2 {
			return false, fmt.Errorf("%w: require-partition-offset needs a partition index and offset", ErrValidation)
		}
		idx, err1 := strconv.ParseUint(req.Args[0], 0, 64)
		want, err2 := strconv.ParseUint(req.Args[1], 0, 64)
		if err1 != nil || err2 != nil || idx > 3 {
			return false, fmt.Errorf("%w: require-partition-offset arguments out of range", ErrValidation)
		}
		sector := make([]byte, mbr.Size)
		if err := c.Output.Pread(sector, 0); err != nil {
			return false, nil
		}
		table, err := mbr.Parse(sector)
		if err != nil {
			return false, nil
		}
		return uint64(table.Partitions[idx].BlockOffset) == want, nil

	case "fat-file-exists", "fat-file-exists!":
		if len(req.Args) != 2 {
			return false, fmt.Errorf("%w: require-fat-file-exists needs a block offset and path", ErrValidation)
		}
		off, err := strconv.ParseUint(req.Args[0], 0, 64)
		if err != nil {
			return false, fmt.Errorf("%w: require-fat-file-exists block offset %q", ErrValidation, req.Args[0])
		}
		fs, err := c.fatVolume(block.Addr(off))
		if err != nil {
			return strings.HasSuffix(req.Kind, "!"), nil
		}
		exists, err := fs.Exists(req.Args[1])
		if err != nil {
			return false, nil
		}
		if strings.HasSuffix(req.Kind, "!") {
			return !exists, nil
		}
		return exists, nil

	case "uboot-variable":
		if len(req.Args) != 3 {
			return false, fmt.Errorf("%w: require-uboot-variable needs an environment, name and value", ErrValidation)
		}
		sec, err := c.Config.UBootEnv(req.Args[0])
		if err != nil {
			return false, fmt.Errorf("%w: require-uboot-variable: %v", ErrConfig, err)
		}
		buf := make([]byte, sec.EnvSize())
		if err := c.Output.Pread(buf, block.Addr(sec.BlockOffset).Bytes()); err != nil {
			return false, nil
		}
		env, err := ubootenv.Read(buf)
		if err != nil {
			if errors.Is(err, ubootenv.ErrCorrupt) {
				return false, nil
			}
			return false, err
		}
		v, ok := env.Get(req.Args[1])
		return ok && v == req.Args[2], nil

	default:
		return false, fmt.Errorf("%w: unknown requirement require-%s", ErrValidation, req.Kind)
	}
}
