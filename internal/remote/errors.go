package remote

import (
	"errors"
	"fmt"

	"github.com/tOgg1/droidrig/internal/logging"
)

var (
	// ErrTimeout means the command did not finish in time. The remote
	// process may still be running.
	ErrTimeout = errors.New("remote command timed out")

	// ErrCancelled means the caller stopped waiting.
	ErrCancelled = errors.New("remote command cancelled")

	// ErrCommandFailed is matched by every *CommandError.
	ErrCommandFailed = errors.New("remote command failed")
)

// CommandError reports a non-zero exit.
type CommandError struct {
	Command    string
	ExitCode   int
	StderrTail string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("remote command failed (exit %d): %s", e.ExitCode, logging.Redact(e.Command))
	if e.StderrTail != "" {
		msg += ": " + logging.Redact(e.StderrTail)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return ErrCommandFailed
}
