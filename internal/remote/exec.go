// Package remote runs commands over established sessions, either to
// completion or streaming line by line.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tOgg1/droidrig/internal/logging"
	"github.com/tOgg1/droidrig/internal/ssh"
)

const (
	// DefaultTimeout bounds Run when no timeout is given.
	DefaultTimeout = 10 * time.Second

	// DefaultPollInterval is how often Stream drains output.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultStderrTailLines is how much stderr a failure keeps.
	DefaultStderrTailLines = 20
)

// Execer starts commands. *session.Session implements it.
type Execer interface {
	Exec(ctx context.Context, cmd string) (ssh.Channel, error)
}

// Result is the outcome of a completed command.
type Result struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports a zero exit code.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Err returns a *CommandError for a non-zero exit, nil otherwise.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &CommandError{
		Command:    r.Command,
		ExitCode:   r.ExitCode,
		StderrTail: tail(r.Stderr, DefaultStderrTailLines),
	}
}

// Run executes cmd and waits for it to exit or for timeout to elapse.
// On timeout the channel is abandoned and ErrTimeout is returned.
// A non-zero exit is not an error here; use Result.Err.
func Run(ctx context.Context, e Execer, cmd string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	res := Result{Command: cmd, ExitCode: -1}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logging.Debug().Str("cmd", logging.Redact(cmd)).Msg("remote run")

	ch, err := e.Exec(runCtx, cmd)
	if err != nil {
		return res, contextError(runCtx, ctx, cmd, err)
	}

	select {
	case <-ch.Done():
	case <-runCtx.Done():
		_ = ch.Close()
		return res, contextError(runCtx, ctx, cmd, runCtx.Err())
	}

	stdout, stderr := ch.ReadAvailable()
	res.Stdout = decode(stdout)
	res.Stderr = decode(stderr)
	code, err := ch.ExitStatus()
	res.ExitCode = code
	if err != nil {
		return res, fmt.Errorf("%s: %w", logging.Redact(cmd), err)
	}
	return res, nil
}

// Output runs cmd and returns trimmed stdout, failing on non-zero exit.
func Output(ctx context.Context, e Execer, cmd string, timeout time.Duration) (string, error) {
	res, err := Run(ctx, e, cmd, timeout)
	if err != nil {
		return "", err
	}
	if err := res.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// contextError maps a failure during Run to ErrTimeout or ErrCancelled when
// the context explains it.
func contextError(runCtx, parent context.Context, cmd string, err error) error {
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", logging.Redact(cmd), ErrTimeout)
	case parent.Err() != nil:
		return fmt.Errorf("%s: %w", logging.Redact(cmd), ErrCancelled)
	default:
		return err
	}
}

func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

func tail(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" || n <= 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
