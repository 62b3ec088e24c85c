package pty

import (
	"github.com/pkg/errors"
)

var (
	// ErrNotRunning is returned by control operations on a session that
	// has not been started or has been stopped.
	ErrNotRunning = errors.New("pty: session is not running")
	// ErrAlreadyStarted is returned by Start on a running session.
	ErrAlreadyStarted = errors.New("pty: session already started")
	// ErrStopped is returned by Start on a stopped session.
	ErrStopped = errors.New("pty: session is stopped")
	// ErrTimeout is returned by WaitForStable when output is still
	// arriving when the budget runs out.
	ErrTimeout = errors.New("pty: timed out waiting for stable output")
	// ErrInvalidSize is returned by Resize for non-positive or oversized dimensions.
	ErrInvalidSize = errors.New("pty: invalid terminal size")
	// ErrViewerGone is what viewers return from Send once their peer has disconnected.
	ErrViewerGone = errors.New("pty: viewer is gone")
)

// SpawnError aggregates every failure that can prevent the shell from
// starting: PTY allocation, exec, and master descriptor setup.
type SpawnError struct {
	Shell string
	Err   error
}

func (e *SpawnError) Error() string {
	return "pty: spawn " + e.Shell + ": " + e.Err.Error()
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Cause lets errors.Cause see through the spawn wrapper.
func (e *SpawnError) Cause() error { return e.Err }
