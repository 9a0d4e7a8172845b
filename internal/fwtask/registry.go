package fwtask

import (
	"fmt"
	"strconv"

	"github.com/michaelkschmidt/fwup/internal/fwconf"
)

// FunMaxArgs bounds the argument tuple of one action, the action name
// included.
const FunMaxArgs = 6

// action is one entry of the dispatch table: validation for create
// time, progress accounting for the pre-pass, and the apply-time body.
type action struct {
	name     string
	validate func(*Context) error
	progress func(*Context) error
	run      func(*Context) error
}

// The table is ordered and linear-scanned; names are few and short.
// Bang rows reuse the base action's functions, which inspect their own
// name for the variant bit.
var actions = []action{
	{"raw_write", rawWriteValidate, blockWriteProgress, rawWriteRun},
	{"raw_memset", rawMemsetValidate, rawMemsetProgress, rawMemsetRun},
	{"fat_attrib", fatAttribValidate, oneUnitProgress, fatAttribRun},
	{"fat_mkfs", fatMkfsValidate, oneUnitProgress, fatMkfsRun},
	{"fat_write", fatWriteValidate, fatWriteProgress, fatWriteRun},
	{"fat_mv", fatMvValidate, oneUnitProgress, fatMvRun},
	{"fat_mv!", fatMvValidate, oneUnitProgress, fatMvRun},
	{"fat_rm", fatRmValidate, oneUnitProgress, fatRmRun},
	{"fat_rm!", fatRmValidate, oneUnitProgress, fatRmRun},
	{"fat_cp", fatCpValidate, oneUnitProgress, fatCpRun},
	{"fat_mkdir", fatMkdirValidate, oneUnitProgress, fatMkdirRun},
	{"fat_setlabel", fatSetlabelValidate, oneUnitProgress, fatSetlabelRun},
	{"fat_touch", fatTouchValidate, oneUnitProgress, fatTouchRun},
	{"mbr_write", mbrWriteValidate, oneUnitProgress, mbrWriteRun},
	{"trim", trimValidate, trimProgress, trimRun},
	{"uboot_clearenv", ubootRefValidate, oneUnitProgress, ubootClearenvRun},
	{"uboot_setenv", ubootSetenvValidate, oneUnitProgress, ubootSetenvRun},
	{"uboot_unsetenv", ubootUnsetenvValidate, oneUnitProgress, ubootUnsetenvRun},
	{"uboot_recover", ubootRefValidate, oneUnitProgress, ubootRecoverRun},
	{"error", messageValidate, noProgress, errorRun},
	{"info", messageValidate, noProgress, infoRun},
	{"path_write", pathWriteValidate, blockWriteProgress, pathWriteRun},
	{"pipe_write", pipeWriteValidate, blockWriteProgress, pipeWriteRun},
	{"execute", messageValidate, noProgress, executeRun},
}

func lookupAction(name string) (*action, error) {
	for i := range actions {
		if actions[i].name == name {
			return &actions[i], nil
		}
	}
	return nil, fmt.Errorf("%w: unknown function %q", ErrValidation, name)
}

// bang reports the force/strict variant bit, recovered from the fixed
// byte of the action's own name directly after the base name.
func (c *Context) bang(baseLen int) bool {
	return len(c.argv[0]) > baseLen && c.argv[0][baseLen] == '!'
}

// phase selects which member of the action triple a walk invokes.
type phase int

const (
	phaseValidate phase = iota
	phaseProgress
	phaseRun
)

// walkFunlist interprets a flattened funlist: an arity, that many
// operands (the action name first), repeated. The same list walks once
// for progress and once for run.
func walkFunlist(c *Context, funlist fwconf.Funlist, ph phase) error {
	ix := 0
	for ix < len(funlist) {
		argc, err := strconv.ParseUint(funlist[ix], 0, 32)
		if err != nil || argc == 0 || argc > FunMaxArgs {
			return fmt.Errorf("%w: unexpected arity %q in funlist", ErrValidation, funlist[ix])
		}
		if ix+1+int(argc) > len(funlist) {
			return fmt.Errorf("%w: truncated funlist after %q", ErrValidation, funlist[ix])
		}
		c.argv = funlist[ix+1 : ix+1+int(argc)]
		a, err := lookupAction(c.argv[0])
		if err != nil {
			return err
		}
		switch ph {
		case phaseValidate:
			err = a.validate(c)
		case phaseProgress:
			err = a.progress(c)
		case phaseRun:
			err = a.run(c)
		}
		if err != nil {
			return err
		}
		ix += 1 + int(argc)
	}
	return nil
}

// ValidateFunlist checks a funlist's shape and argument types without
// touching any device. Used at archive creation time.
func ValidateFunlist(c *Context, funlist fwconf.Funlist) error {
	return walkFunlist(c, funlist, phaseValidate)
}

// ValidateConfig validates every funlist of every task.
func ValidateConfig(cfg *fwconf.Config) error {
	c := NewContext(cfg, nil, nil, false)
	for _, t := range cfg.Tasks {
		c.Type = CtxGlobal
		c.OnEvent = nil
		if err := ValidateFunlist(c, t.OnInit); err != nil {
			return fmt.Errorf("task %s on-init: %w", t.Name, err)
		}
		for _, ev := range t.OnResource {
			c.Type = CtxFile
			c.OnEvent = &Event{Title: ev.Name}
			if err := ValidateFunlist(c, ev.Funlist); err != nil {
				return fmt.Errorf("task %s on-resource %s: %w", t.Name, ev.Name, err)
			}
		}
		c.Type = CtxGlobal
		c.OnEvent = nil
		if err := ValidateFunlist(c, t.OnFinish); err != nil {
			return fmt.Errorf("task %s on-finish: %w", t.Name, err)
		}
	}
	return nil
}

// Shared progress helpers.

func oneUnitProgress(c *Context) error {
	c.Progress.AddTotal(1)
	return nil
}

func noProgress(*Context) error { return nil }

// blockWriteProgress counts one unit per data byte of the event's
// resource.
func blockWriteProgress(c *Context) error {
	_, m, err := c.resource()
	if err != nil {
		return err
	}
	c.Progress.AddTotal(m.DataSize())
	return nil
}

// fatWriteProgress counts data bytes, but a zero-length file still
// does one unit of work.
func fatWriteProgress(c *Context) error {
	_, m, err := c.resource()
	if err != nil {
		return err
	}
	if n := m.DataSize(); n > 0 {
		c.Progress.AddTotal(n)
	} else {
		c.Progress.AddTotal(1)
	}
	return nil
}
