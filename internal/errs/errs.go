// Package errs defines the error taxonomy shared across skein.
//
// Commands classify failures with errors.Is() and map them to process
// exit codes so scripts can distinguish the common failure modes:
//
//	if errors.Is(err, errs.ErrNotInitialized) {
//	    // suggest running `skein init`
//	}
package errs

import (
	"errors"
	"fmt"
)

// Common errors returned by skein operations.
var (
	// ErrNotInitialized is returned when no durable log is present,
	// i.e. `skein init` has not been run in this repository.
	ErrNotInitialized = errors.New("not initialized (no .skein directory found)")

	// ErrNotFound is returned when a referenced issue id does not exist
	// or has been tombstoned.
	ErrNotFound = errors.New("issue not found")

	// ErrMergeConflict is returned when the merge resolver abstained and
	// the durable log still carries an unresolved conflict.
	ErrMergeConflict = errors.New("unresolved merge conflict in issue log")

	// ErrCorruption is returned when the cache is inconsistent with the
	// durable log in a way a plain import cannot repair.
	ErrCorruption = errors.New("cache inconsistent with issue log")

	// ErrToolMissing is returned when a required external tool (git) is
	// not installed or not on PATH.
	ErrToolMissing = errors.New("required tool not available")

	// ErrDaemonRunning is returned when a second daemon instance is
	// started for the same repository.
	ErrDaemonRunning = errors.New("daemon already running for this repository")

	// ErrDepthExceeded is returned when adding a parent-child edge would
	// make the hierarchy deeper than the supported maximum.
	ErrDepthExceeded = errors.New("parent-child hierarchy depth exceeded")
)

// Exit codes for the CLI. Zero is success; one is the generic failure code.
const (
	ExitOK             = 0
	ExitError          = 1
	ExitNotInitialized = 2
	ExitNotFound       = 3
	ExitMergeConflict  = 4
	ExitToolMissing    = 5
)

// ExitCode maps an error to the CLI exit code for its taxonomy class.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrNotInitialized):
		return ExitNotInitialized
	case errors.Is(err, ErrNotFound):
		return ExitNotFound
	case errors.Is(err, ErrMergeConflict):
		return ExitMergeConflict
	case errors.Is(err, ErrToolMissing):
		return ExitToolMissing
	default:
		return ExitError
	}
}

// NotFound wraps ErrNotFound with the offending id and a remediation hint.
func NotFound(id string) error {
	return fmt.Errorf("%w: %s (run `skein list --json` to see known ids)", ErrNotFound, id)
}

// IsUserActionRequired returns true if the error requires manual
// intervention rather than an automatic retry or rebuild.
func IsUserActionRequired(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrMergeConflict) || errors.Is(err, ErrToolMissing)
}

// IsRecoverable returns true if the error can be repaired by rebuilding
// local state (`skein doctor --fix`).
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrCorruption)
}
