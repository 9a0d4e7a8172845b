package fwtask

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/michaelkschmidt/fwup/internal/block"
)

func messageValidate(c *Context) error {
	if len(c.argv) != 2 {
		return fmt.Errorf("%w: %s() requires one parameter", ErrValidation, c.argv[0])
	}
	return nil
}

func errorRun(c *Context) error {
	return fmt.Errorf("%w: %s", ErrUserAbort, c.argv[1])
}

func infoRun(c *Context) error {
	c.Progress.Info(c.argv[1])
	return nil
}

func pathWriteValidate(c *Context) error {
	if c.Type != CtxFile {
		return fmt.Errorf("%w: path_write only usable in on-resource", ErrValidation)
	}
	if len(c.argv) != 2 {
		return fmt.Errorf("%w: path_write requires a file path", ErrValidation)
	}
	return nil
}

func pathWriteRun(c *Context) error {
	if !c.Unsafe {
		return fmt.Errorf("%w: path_write", ErrSafety)
	}
	f, err := os.OpenFile(c.argv[1], os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("%w: path_write can't open %s: %v", ErrIO, c.argv[1], err)
	}
	defer f.Close()
	return c.writeStreamTo(f, f)
}

func pipeWriteValidate(c *Context) error {
	if c.Type != CtxFile {
		return fmt.Errorf("%w: pipe_write only usable in on-resource", ErrValidation)
	}
	if len(c.argv) != 2 {
		return fmt.Errorf("%w: pipe_write requires a command to execute", ErrValidation)
	}
	return nil
}

func pipeWriteRun(c *Context) error {
	if !c.Unsafe {
		return fmt.Errorf("%w: pipe_write", ErrSafety)
	}
	cmd := exec.Command("/bin/sh", "-c", c.argv[1])
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: pipe_write: %v", ErrIO, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: pipe_write can't run %q: %v", ErrIO, c.argv[1], err)
	}

	streamErr := c.writeStreamTo(stdin, nil)
	stdin.Close()
	if waitErr := cmd.Wait(); streamErr == nil && waitErr != nil {
		return fmt.Errorf("%w: pipe_write %q: %v", ErrIO, c.argv[1], waitErr)
	}
	return streamErr
}

// writeStreamTo is the shared body of the descriptor-shaped sinks.
// With at set (path_write's file), each data chunk lands at its offset
// in the expanded resource, and a final zero chunk inside any ending
// hole settles the file length. With at nil (pipe_write), data bytes
// flow sequentially, holes are not reproduced, and the zero chunk is
// appended after the data.
func (c *Context) writeStreamTo(w io.Writer, at io.WriterAt) error {
	res, m, err := c.resource()
	if err != nil {
		return err
	}
	if err := checkHashField(res); err != nil {
		return err
	}
	written, digest, err := c.pumpResource(func(off int64, p []byte) error {
		var err error
		if at != nil {
			_, err = at.WriteAt(p, off)
		} else {
			_, err = w.Write(p)
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrIO, c.argv[0], err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if hole := m.EndingHole(); hole > 0 {
		var zeros [block.Size]byte
		n := int64(block.Size)
		if hole < n {
			n = hole
		}
		if at != nil {
			_, err = at.WriteAt(zeros[:n], m.Size()-n)
		} else {
			_, err = w.Write(zeros[:n])
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrIO, c.argv[0], err)
		}
	}
	return c.finishStreamed(res, m, written, digest)
}

func executeRun(c *Context) error {
	if !c.Unsafe {
		return fmt.Errorf("%w: execute", ErrSafety)
	}
	cmd := exec.Command("/bin/sh", "-c", c.argv[1])
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: execute: %v", ErrIO, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: execute can't run %q: %v", ErrIO, c.argv[1], err)
	}
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		c.Progress.Info(scanner.Text())
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%w: execute %q: %v", ErrIO, c.argv[1], err)
	}
	return nil
}
