package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/droidrig/internal/remote"
	"github.com/tOgg1/droidrig/internal/session"
	"github.com/tOgg1/droidrig/internal/ssh"
	"github.com/tOgg1/droidrig/internal/testutil"
)

func newPool(t *testing.T, host *testutil.FakeHost) *session.Pool {
	t.Helper()
	connector := session.NewConnector(testutil.NewFakeDialer(host), nil, nil)
	connector.UseAgent = true
	return session.NewPool(connector, ssh.Target{User: "user", Host: host.Name, Port: 22}, 3)
}

func TestRunFailOpen(t *testing.T) {
	host := testutil.NewFakeHost("bastion").
		On("adb -s DEV2 reboot", testutil.Fail(1, "error: device 'DEV2' not found\n"))
	pool := newPool(t, host)

	var postDevices []string
	action := Action{
		Name:    "reboot",
		Command: Template("adb -s %s reboot"),
		Post: func(ctx context.Context, e remote.Execer, devices []string) error {
			postDevices = devices
			return nil
		},
	}

	res, err := NewRunner(pool, Options{PollInterval: time.Millisecond}).Run(context.Background(), []string{"DEV1", "DEV2", "DEV3"}, action)
	require.NoError(t, err)
	require.Len(t, res.Devices, 3)

	assert.True(t, res.Devices[0].Success)
	assert.False(t, res.Devices[1].Success)
	assert.Equal(t, 1, res.Devices[1].ExitCode)
	assert.Equal(t, "error: device 'DEV2' not found", res.Devices[1].StderrTail)
	assert.True(t, res.Devices[2].Success)

	assert.Equal(t, []string{"DEV1", "DEV2", "DEV3"}, postDevices, "post-hook still runs")
	assert.False(t, res.Success)
	assert.Equal(t, []string{"DEV2"}, res.Failed())
	assert.ErrorIs(t, res.Err(), ErrDevicesFailed)
	assert.NotEmpty(t, res.ID)

	assert.Equal(t, []string{"adb -s DEV1 reboot", "adb -s DEV2 reboot", "adb -s DEV3 reboot"}, host.Calls())
	assert.Equal(t, 1, pool.Idle(), "session released")
	assert.Equal(t, 1, host.Dials(), "one session for the whole batch")
}

func TestRunAllSucceed(t *testing.T) {
	host := testutil.NewFakeHost("bastion")
	res, err := NewRunner(newPool(t, host), Options{}).Run(context.Background(), []string{"A", "B"}, Action{
		Name:    "noop",
		Command: Template("adb -s %s shell true"),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NoError(t, res.Err())
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
}

func TestRunPreHookAborts(t *testing.T) {
	host := testutil.NewFakeHost("bastion")
	pool := newPool(t, host)

	res, err := NewRunner(pool, Options{}).Run(context.Background(), []string{"DEV1"}, Action{
		Name:    "lock",
		Command: Template("lock %s"),
		Pre:     func(context.Context) error { return errors.New("upload failed") },
		Post: func(context.Context, remote.Execer, []string) error {
			t.Fatal("post-hook must not run")
			return nil
		},
	})
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.True(t, res.PreconditionFailed)
	assert.Empty(t, host.Calls())
	assert.Equal(t, 0, host.Dials())
}

func TestRunNoDevices(t *testing.T) {
	_, err := NewRunner(newPool(t, testutil.NewFakeHost("bastion")), Options{}).Run(context.Background(), nil, Action{Command: Template("%s")})
	assert.ErrorIs(t, err, ErrNoDevices)
}

func TestRunPostHookFailure(t *testing.T) {
	host := testutil.NewFakeHost("bastion")
	res, err := NewRunner(newPool(t, host), Options{}).Run(context.Background(), []string{"DEV1"}, Action{
		Name:    "remount",
		Command: Template("adb -s %s remount"),
		Post: func(context.Context, remote.Execer, []string) error {
			return errors.New("verity still enforcing")
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Devices[0].Success)
	assert.False(t, res.Success)
	assert.Equal(t, "verity still enforcing", res.PostError)
}

func TestRunStreamsOutput(t *testing.T) {
	host := testutil.NewFakeHost("bastion").On("wifi", testutil.OK("Connection initiated\nConnected\n"))

	var mu sync.Mutex
	var lines []string
	opts := Options{Output: func(device string, l remote.Line) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, device+": "+l.Text)
	}}

	_, err := NewRunner(newPool(t, host), opts).Run(context.Background(), []string{"DEV1"}, Action{
		Name:    "wifi",
		Command: Template("adb -s %s shell cmd wifi status"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"DEV1: Connection initiated", "DEV1: Connected"}, lines)
}

func TestRunDeviceTimeout(t *testing.T) {
	host := testutil.NewFakeHost("bastion").On("DEV1", testutil.Reply{Block: true})

	res, err := NewRunner(newPool(t, host), Options{DeviceTimeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond}).
		Run(context.Background(), []string{"DEV1", "DEV2"}, Action{Name: "hang", Command: Template("adb -s %s wait-for-device")})
	require.NoError(t, err)
	assert.Equal(t, "timed out", res.Devices[0].Error)
	assert.True(t, res.Devices[1].Success)
}

func TestRunReplacesDroppedSession(t *testing.T) {
	host := testutil.NewFakeHost("bastion")
	pool := newPool(t, host)
	host.OnFunc("DEV1", func(string) testutil.Reply {
		return testutil.Reply{ExitCode: -1, WaitErr: ssh.ErrChannelDropped}
	})

	// Kill the transport as soon as the first device runs.
	runner := NewRunner(&killingPool{Pool: pool}, Options{PollInterval: time.Millisecond})
	res, err := runner.Run(context.Background(), []string{"DEV1", "DEV2"}, Action{Name: "x", Command: Template("adb -s %s reboot")})
	require.NoError(t, err)

	assert.Equal(t, "channel dropped", res.Devices[0].Error)
	assert.True(t, res.Devices[1].Success)
	assert.Equal(t, 2, host.Dials())
}

func TestRunPostHookGetsLiveSessionAfterDrop(t *testing.T) {
	host := testutil.NewFakeHost("bastion")
	pool := newPool(t, host)
	host.OnFunc("DEV1", func(string) testutil.Reply {
		return testutil.Reply{ExitCode: -1, WaitErr: ssh.ErrChannelDropped}
	})

	var postAlive bool
	action := Action{
		Name:    "x",
		Command: Template("adb -s %s reboot"),
		Post: func(ctx context.Context, e remote.Execer, devices []string) error {
			postAlive = e.(*session.Session).Alive()
			_, err := remote.Run(ctx, e, "adb devices", time.Second)
			return err
		},
	}
	runner := NewRunner(&killingPool{Pool: pool}, Options{PollInterval: time.Millisecond})
	res, err := runner.Run(context.Background(), []string{"DEV1"}, action)
	require.NoError(t, err)

	assert.Equal(t, "channel dropped", res.Devices[0].Error)
	assert.True(t, postAlive)
	assert.Empty(t, res.PostError)
	assert.True(t, host.Ran("adb devices"))
	assert.Equal(t, 2, host.Dials())
}

// killingPool hands out sessions whose transport dies after the first command.
type killingPool struct {
	*session.Pool
	once sync.Once
}

func (p *killingPool) Acquire(ctx context.Context) (*session.Session, error) {
	s, err := p.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	p.once.Do(func() {
		s.Client = &dyingClient{FakeClient: s.Client.(*testutil.FakeClient)}
	})
	return s, nil
}

type dyingClient struct {
	*testutil.FakeClient
}

func (c *dyingClient) Exec(ctx context.Context, cmd string) (ssh.Channel, error) {
	ch, err := c.FakeClient.Exec(ctx, cmd)
	c.Kill()
	return ch, err
}

func TestRunCancelled(t *testing.T) {
	host := testutil.NewFakeHost("bastion")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewRunner(newPool(t, host), Options{}).Run(ctx, []string{"A", "B"}, Action{Name: "x", Command: Template("%s")})
	// Acquire fails on a cancelled context before any device runs.
	require.Error(t, err)
	assert.Empty(t, res.Devices)
}
