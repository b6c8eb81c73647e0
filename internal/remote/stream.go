package remote

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tOgg1/droidrig/internal/logging"
	"github.com/tOgg1/droidrig/internal/ssh"
)

// Line is one decoded line of output.
type Line struct {
	Text   string
	Stderr bool
}

// StreamOptions configures Stream. The zero value is usable.
type StreamOptions struct {
	// OnLine receives each complete line in arrival order per stream.
	OnLine func(Line)

	// Cancelled is polled between reads; returning true abandons the command.
	Cancelled func() bool

	PollInterval    time.Duration
	StderrTailLines int
}

// StreamResult is the outcome of a streamed command.
type StreamResult struct {
	ExitCode   int
	StderrTail string
	Cancelled  bool

	// Channel is set when a started command was cancelled. It is still open
	// and the caller owns closing it.
	Channel ssh.Channel
}

// Close closes a channel left open by cancellation. It is a no-op otherwise.
func (r StreamResult) Close() error {
	if r.Channel == nil {
		return nil
	}
	return r.Channel.Close()
}

// Err returns a *CommandError for a non-zero exit.
func (r StreamResult) Err(cmd string) error {
	if r.ExitCode == 0 {
		return nil
	}
	return &CommandError{Command: cmd, ExitCode: r.ExitCode, StderrTail: r.StderrTail}
}

// Stream runs cmd and delivers its output line by line until the command
// exits or the caller cancels. On cancellation Stream stops polling, flushes
// what was already read and returns ErrCancelled with the channel still open
// in StreamResult.Channel. A cancellation already in effect returns before
// anything is started.
func Stream(ctx context.Context, e Execer, cmd string, opts StreamOptions) (StreamResult, error) {
	res := StreamResult{ExitCode: -1}
	cancelled := func() bool {
		return ctx.Err() != nil || (opts.Cancelled != nil && opts.Cancelled())
	}
	if cancelled() {
		res.Cancelled = true
		return res, ErrCancelled
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	tailLines := opts.StderrTailLines
	if tailLines <= 0 {
		tailLines = DefaultStderrTailLines
	}

	ch, err := e.Exec(ctx, cmd)
	if err != nil {
		if ctx.Err() != nil {
			res.Cancelled = true
			return res, ErrCancelled
		}
		return res, err
	}

	tailBuf := newTail(tailLines)
	emit := func(l Line) {
		if l.Stderr {
			tailBuf.add(l.Text)
		}
		if opts.OnLine != nil {
			opts.OnLine(l)
		}
	}
	stdout := &lineSplitter{emit: emit}
	stderr := &lineSplitter{emit: emit, stderr: true}
	drain := func() {
		out, errOut := ch.ReadAvailable()
		stdout.feed(out)
		stderr.feed(errOut)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for !ch.ExitReady() {
		if cancelled() {
			drain()
			stdout.flush()
			stderr.flush()
			res.Cancelled = true
			res.Channel = ch
			res.StderrTail = tailBuf.String()
			logging.Debug().Str("cmd", logging.Redact(cmd)).Msg("stream cancelled")
			return res, ErrCancelled
		}
		drain()
		select {
		case <-ch.Done():
		case <-ticker.C:
		case <-ctx.Done():
		}
	}

	drain()
	stdout.flush()
	stderr.flush()

	code, err := ch.ExitStatus()
	res.ExitCode = code
	res.StderrTail = tailBuf.String()
	if err != nil {
		return res, fmt.Errorf("%s: %w", logging.Redact(cmd), err)
	}
	return res, nil
}

// lineSplitter holds back partial lines until their newline arrives. A
// newline byte never occurs inside a multi-byte UTF-8 sequence, so partial
// characters are held back with them.
type lineSplitter struct {
	buf    []byte
	stderr bool
	emit   func(Line)
}

func (s *lineSplitter) feed(b []byte) {
	if len(b) == 0 {
		return
	}
	s.buf = append(s.buf, b...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			return
		}
		line := bytes.TrimSuffix(s.buf[:i], []byte{'\r'})
		s.emit(Line{Text: decode(line), Stderr: s.stderr})
		s.buf = s.buf[i+1:]
	}
}

func (s *lineSplitter) flush() {
	if len(s.buf) == 0 {
		return
	}
	s.emit(Line{Text: decode(bytes.TrimSuffix(s.buf, []byte{'\r'})), Stderr: s.stderr})
	s.buf = nil
}

type tailRing struct {
	lines []string
	max   int
}

func newTail(n int) *tailRing {
	return &tailRing{max: n}
}

func (t *tailRing) add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailRing) String() string {
	return strings.Join(t.lines, "\n")
}
