package remote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/droidrig/internal/ssh"
	"github.com/tOgg1/droidrig/internal/testutil"
)

func TestRunCapturesOutput(t *testing.T) {
	host := testutil.NewFakeHost("bastion").
		On("adb devices", testutil.Reply{Stdout: "List of devices attached\nDEV1\tdevice\n", Stderr: "warn\n"})

	res, err := Run(context.Background(), host.Client(), "adb devices", time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Contains(t, res.Stdout, "DEV1\tdevice")
	assert.Equal(t, "warn\n", res.Stderr)
	assert.NoError(t, res.Err())
}

func TestRunNonZeroExit(t *testing.T) {
	host := testutil.NewFakeHost("bastion").On("false", testutil.Fail(2, "boom\n"))

	res, err := Run(context.Background(), host.Client(), "false", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)

	var cmdErr *CommandError
	require.ErrorAs(t, res.Err(), &cmdErr)
	assert.Equal(t, 2, cmdErr.ExitCode)
	assert.Equal(t, "boom", cmdErr.StderrTail)
	assert.ErrorIs(t, res.Err(), ErrCommandFailed)
}

func TestRunTimeout(t *testing.T) {
	host := testutil.NewFakeHost("bastion").On("sleep", testutil.Reply{Block: true})

	start := time.Now()
	_, err := Run(context.Background(), host.Client(), "sleep 100", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunCancelled(t *testing.T) {
	host := testutil.NewFakeHost("bastion").On("sleep", testutil.Reply{Block: true})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := Run(ctx, host.Client(), "sleep 100", 5*time.Second)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestRunChannelDropped(t *testing.T) {
	host := testutil.NewFakeHost("bastion").On("x", testutil.Reply{ExitCode: -1, WaitErr: ssh.ErrChannelDropped})

	_, err := Run(context.Background(), host.Client(), "x", time.Second)
	assert.ErrorIs(t, err, ssh.ErrChannelDropped)
}

func TestRunExecError(t *testing.T) {
	host := testutil.NewFakeHost("bastion").On("x", testutil.Reply{ExecErr: errors.New("open channel failed")})

	_, err := Run(context.Background(), host.Client(), "x", time.Second)
	assert.EqualError(t, err, "open channel failed")
}

func TestOutput(t *testing.T) {
	host := testutil.NewFakeHost("bastion").
		On("getprop", testutil.OK("  green \n")).
		On("missing", testutil.Fail(127, "not found"))

	out, err := Output(context.Background(), host.Client(), "getprop ro.boot.verifiedbootstate", 0)
	require.NoError(t, err)
	assert.Equal(t, "green", out)

	_, err = Output(context.Background(), host.Client(), "missing", 0)
	assert.ErrorIs(t, err, ErrCommandFailed)
}

func TestCommandErrorRedactsSecrets(t *testing.T) {
	err := &CommandError{Command: "SSHPASS='hunter2' sshpass -e ssh host", ExitCode: 5}
	assert.NotContains(t, err.Error(), "hunter2")
}

func TestStreamAlreadyCancelledReturnsImmediately(t *testing.T) {
	host := testutil.NewFakeHost("bastion").On("tradefed", testutil.Reply{Block: true})

	res, err := Stream(context.Background(), host.Client(), "tradefed run", StreamOptions{
		Cancelled: func() bool { return true },
	})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, res.Cancelled)
	assert.Empty(t, host.Calls(), "no command should be started")
}

func TestStreamDeliversLines(t *testing.T) {
	host := testutil.NewFakeHost("bastion").On("run", testutil.Reply{
		Stdout:   "line one\r\nline two\npartial",
		Stderr:   "err one\n",
		ExitCode: 1,
	})

	var mu sync.Mutex
	var out, errs []string
	res, err := Stream(context.Background(), host.Client(), "run", StreamOptions{
		PollInterval: 5 * time.Millisecond,
		OnLine: func(l Line) {
			mu.Lock()
			defer mu.Unlock()
			if l.Stderr {
				errs = append(errs, l.Text)
			} else {
				out = append(out, l.Text)
			}
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, []string{"line one", "line two", "partial"}, out)
	assert.Equal(t, []string{"err one"}, errs)
	assert.Equal(t, "err one", res.StderrTail)
	assert.ErrorIs(t, res.Err("run"), ErrCommandFailed)
}

func TestStreamCancelMidway(t *testing.T) {
	host := testutil.NewFakeHost("bastion").On("run", testutil.Reply{Stdout: "started\n", Block: true})

	var mu sync.Mutex
	stop := false
	time.AfterFunc(30*time.Millisecond, func() {
		mu.Lock()
		stop = true
		mu.Unlock()
	})

	res, err := Stream(context.Background(), host.Client(), "run", StreamOptions{
		PollInterval: 5 * time.Millisecond,
		Cancelled: func() bool {
			mu.Lock()
			defer mu.Unlock()
			return stop
		},
	})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, res.Cancelled)
}

type closeCounter struct {
	ssh.Channel
	mu     sync.Mutex
	closes int
}

func (c *closeCounter) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return c.Channel.Close()
}

func (c *closeCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type countingExecer struct {
	inner Execer
	ch    *closeCounter
}

func (e *countingExecer) Exec(ctx context.Context, cmd string) (ssh.Channel, error) {
	ch, err := e.inner.Exec(ctx, cmd)
	if err != nil {
		return nil, err
	}
	e.ch = &closeCounter{Channel: ch}
	return e.ch, nil
}

func TestStreamCancelLeavesChannelOpen(t *testing.T) {
	host := testutil.NewFakeHost("bastion").On("run", testutil.Reply{Stdout: "started\n", Block: true})
	e := &countingExecer{inner: host.Client()}

	var mu sync.Mutex
	polls := 0
	res, err := Stream(context.Background(), e, "run", StreamOptions{
		PollInterval: time.Millisecond,
		Cancelled: func() bool {
			mu.Lock()
			defer mu.Unlock()
			polls++
			return polls > 3
		},
	})
	require.ErrorIs(t, err, ErrCancelled)
	assert.True(t, res.Cancelled)
	require.NotNil(t, e.ch)
	assert.Equal(t, 0, e.ch.count())
	require.NotNil(t, res.Channel)

	require.NoError(t, res.Close())
	assert.Equal(t, 1, e.ch.count())
}

func TestStreamResultCloseWithoutChannel(t *testing.T) {
	assert.NoError(t, StreamResult{}.Close())
}

func TestLineSplitterInvalidUTF8(t *testing.T) {
	var got []string
	s := &lineSplitter{emit: func(l Line) { got = append(got, l.Text) }}

	s.feed([]byte("ok \xff bad\n"))
	// A multi-byte rune split across reads is reassembled.
	s.feed([]byte("caf\xc3"))
	s.feed([]byte("\xa9\n"))

	assert.Equal(t, []string{"ok \uFFFD bad", "café"}, got)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "c\nd", tail("a\nb\nc\nd\n", 2))
	assert.Equal(t, "", tail("", 5))
}

func TestLaunch(t *testing.T) {
	host := testutil.NewFakeHost("win").
		On("server start", testutil.Reply{Block: true}).
		On("taskkill", testutil.Fail(128, "ERROR: process not found"))

	running, _, err := Launch(context.Background(), host.Client(), "adb -a nodaemon server start", 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, running)

	running, res, err := Launch(context.Background(), host.Client(), "taskkill /F /IM adb.exe", 0)
	require.NoError(t, err)
	assert.False(t, running)
	assert.Equal(t, 128, res.ExitCode)
}
