package fwtask

import (
	"errors"
	"fmt"

	"github.com/michaelkschmidt/fwup/internal/block"
	"github.com/michaelkschmidt/fwup/internal/fwconf"
	"github.com/michaelkschmidt/fwup/internal/ubootenv"
)

func ubootRefValidate(c *Context) error {
	if len(c.argv) != 2 {
		return fmt.Errorf("%w: %s requires a uboot-environment reference", ErrValidation, c.argv[0])
	}
	return c.ubootSection()
}

func ubootSetenvValidate(c *Context) error {
	if len(c.argv) != 4 {
		return fmt.Errorf("%w: uboot_setenv requires a uboot-environment reference, variable name and value", ErrValidation)
	}
	return c.ubootSection()
}

func ubootUnsetenvValidate(c *Context) error {
	if len(c.argv) != 3 {
		return fmt.Errorf("%w: uboot_unsetenv requires a uboot-environment reference and a variable name", ErrValidation)
	}
	return c.ubootSection()
}

func (c *Context) ubootSection() error {
	if _, err := c.Config.UBootEnv(c.argv[1]); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfig, c.argv[0], err)
	}
	return nil
}

// readEnvBlock reads and decodes the environment named by argv[1].
func (c *Context) readEnvBlock() (*fwconf.UBootEnv, *ubootenv.Env, error) {
	sec, err := c.Config.UBootEnv(c.argv[1])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrConfig, c.argv[0], err)
	}
	buf := make([]byte, sec.EnvSize())
	if err := c.Output.Pread(buf, block.Addr(sec.BlockOffset).Bytes()); err != nil {
		return nil, nil, fmt.Errorf("%w: %s couldn't read the environment: %v", ErrIO, c.argv[0], err)
	}
	env, err := ubootenv.Read(buf)
	if err != nil {
		if errors.Is(err, ubootenv.ErrCorrupt) {
			return sec, nil, fmt.Errorf("%w: %s: %v", ErrFormat, c.argv[0], err)
		}
		return sec, nil, err
	}
	return sec, env, nil
}

// writeEnvBlock encodes env and writes it at the section's offset.
func (c *Context) writeEnvBlock(sec *fwconf.UBootEnv, env *ubootenv.Env) error {
	p, err := env.Encode()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFormat, c.argv[0], err)
	}
	if err := c.Output.Pwrite(p, block.Addr(sec.BlockOffset).Bytes(), false); err != nil {
		return fmt.Errorf("%w: %s couldn't write the environment: %v", ErrIO, c.argv[0], err)
	}
	return nil
}

func ubootClearenvRun(c *Context) error {
	sec, err := c.Config.UBootEnv(c.argv[1])
	if err != nil {
		return fmt.Errorf("%w: uboot_clearenv: %v", ErrConfig, err)
	}
	if err := c.writeEnvBlock(sec, ubootenv.New(sec.EnvSize())); err != nil {
		return err
	}
	c.Progress.Report(1)
	return nil
}

func ubootSetenvRun(c *Context) error {
	sec, env, err := c.readEnvBlock()
	if err != nil {
		return err
	}
	env.Set(c.argv[2], c.argv[3])
	if err := c.writeEnvBlock(sec, env); err != nil {
		return err
	}
	c.Progress.Report(1)
	return nil
}

func ubootUnsetenvRun(c *Context) error {
	sec, env, err := c.readEnvBlock()
	if err != nil {
		return err
	}
	env.Unset(c.argv[2])
	if err := c.writeEnvBlock(sec, env); err != nil {
		return err
	}
	c.Progress.Report(1)
	return nil
}

func ubootRecoverRun(c *Context) error {
	sec, _, err := c.readEnvBlock()
	if err != nil {
		// Recovery is the one reader that tolerates corruption: a
		// bad environment is replaced with a clean, empty one.
		if errors.Is(err, ErrFormat) {
			if err := c.writeEnvBlock(sec, ubootenv.New(sec.EnvSize())); err != nil {
				return err
			}
			c.Progress.Report(1)
			return nil
		}
		return err
	}
	c.Progress.Report(1)
	return nil
}
