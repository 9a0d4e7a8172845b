package fwtask

import "errors"

// Error taxonomy. Every failure out of the interpreter wraps one of
// these, so callers can classify without string matching.
var (
	// ErrValidation covers malformed funlists: bad argument shapes
	// or counts, unknown actions, out-of-range integers.
	ErrValidation = errors.New("validation error")
	// ErrConfig covers references to missing sections and missing or
	// malformed resource hashes.
	ErrConfig = errors.New("configuration error")
	// ErrResource covers stream underruns, digest mismatches and
	// double writes of one resource.
	ErrResource = errors.New("resource error")
	// ErrIO covers device and subprocess failures.
	ErrIO = errors.New("io error")
	// ErrFormat covers corrupt on-device structures (U-Boot
	// environments outside of recovery, malformed MBR input).
	ErrFormat = errors.New("format error")
	// ErrSafety reports an unsafe action invoked without unsafe mode.
	ErrSafety = errors.New("requires --unsafe")
	// ErrUserAbort is the error action.
	ErrUserAbort = errors.New("aborted")
	// ErrNoMatchingTask reports that every candidate task failed its
	// requirements. The CLI maps it to exit code 2.
	ErrNoMatchingTask = errors.New("no task matches")
)
