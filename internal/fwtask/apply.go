package fwtask

import (
	"fmt"
	"io"

	"github.com/michaelkschmidt/fwup/internal/fwarchive"
	"github.com/michaelkschmidt/fwup/internal/fwconf"
	"github.com/michaelkschmidt/fwup/internal/sparse"
)

// Apply runs one task of an archive against the target behind the
// context's block cache: requirements select the task, a progress
// pre-pass sizes the meter, on-init runs, each bound archive resource
// streams through its funlist in stored order, on-finish runs, and the
// cache flushes.
//
// The first failing action aborts the task. No rollback is attempted;
// the target keeps whatever the completed writes produced.
func Apply(c *Context, ar *fwarchive.Reader, taskName string) error {
	task, err := SelectTask(c, taskName)
	if err != nil {
		return err
	}

	if err := computeProgress(c, task); err != nil {
		return err
	}
	c.Progress.Start()

	c.Type = CtxGlobal
	c.OnEvent = nil
	if err := walkFunlist(c, task.OnInit, phaseRun); err != nil {
		return fmt.Errorf("on-init: %w", err)
	}

	seen := make(map[string]bool)
	for {
		entry, err := ar.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		name, isResource := entry.IsResource()
		if !isResource {
			continue
		}
		funlist, bound := task.OnResourceFor(name)
		if !bound {
			continue // not every archive resource concerns every task
		}
		res, err := c.Config.Resource(name)
		if err != nil {
			return fmt.Errorf("%w: archive entry %q has no manifest section", ErrConfig, name)
		}
		m, err := sparse.FromRuns(res.Length)
		if err != nil {
			return fmt.Errorf("%w: resource %q: %v", ErrConfig, name, err)
		}
		seen[name] = true

		c.Type = CtxFile
		c.OnEvent = &Event{Title: name}
		c.Stream = sparse.NewStream(ar, m)
		err = walkFunlist(c, funlist, phaseRun)
		c.Stream = nil
		c.OnEvent = nil
		c.Type = CtxGlobal
		if err != nil {
			return fmt.Errorf("on-resource %s: %w", name, err)
		}
	}

	for _, ev := range task.OnResource {
		if !seen[ev.Name] && !ev.Optional {
			return fmt.Errorf("%w: resource %q referenced by task %s is missing from the archive", ErrResource, ev.Name, task.Name)
		}
	}

	if err := walkFunlist(c, task.OnFinish, phaseRun); err != nil {
		return fmt.Errorf("on-finish: %w", err)
	}

	if err := c.Output.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	c.Progress.Finish()
	return nil
}

// computeProgress walks every funlist of the task once, accumulating
// the expected unit total before anything runs.
func computeProgress(c *Context, task *fwconf.Task) error {
	c.Type = CtxGlobal
	c.OnEvent = nil
	if err := walkFunlist(c, task.OnInit, phaseProgress); err != nil {
		return err
	}
	for _, ev := range task.OnResource {
		c.Type = CtxFile
		c.OnEvent = &Event{Title: ev.Name}
		if err := walkFunlist(c, ev.Funlist, phaseProgress); err != nil {
			return err
		}
	}
	c.Type = CtxGlobal
	c.OnEvent = nil
	return walkFunlist(c, task.OnFinish, phaseProgress)
}
