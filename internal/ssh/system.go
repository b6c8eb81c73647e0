package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sshFailureExit is the exit status the ssh client uses for its own errors.
const sshFailureExit = 255

// ConnectionOptions are the flags passed to the system ssh binary.
type ConnectionOptions struct {
	Host           string
	Port           int
	User           string
	KeyPath        string
	ControlMaster  string
	ControlPath    string
	ControlPersist string
	Timeout        time.Duration
	BatchMode      bool
	// StrictHostKeyChecking is passed verbatim when set ("no", "accept-new").
	StrictHostKeyChecking string
}

// SystemDialer runs ssh as an external process. Each client owns a private
// ControlMaster socket so that Exec calls reuse one authenticated transport.
type SystemDialer struct {
	Binary        string
	SSHPassBinary string
	Timeout       time.Duration
	// StrictHostKeyChecking is forwarded to every invocation when set.
	StrictHostKeyChecking string
	// ControlDir holds the per-client control sockets.
	ControlDir string
}

// NewSystemDialer creates a dialer using ssh and sshpass from PATH.
func NewSystemDialer() *SystemDialer {
	return &SystemDialer{
		Binary:                "ssh",
		SSHPassBinary:         "sshpass",
		Timeout:               DefaultConnectTimeout,
		StrictHostKeyChecking: "accept-new",
		ControlDir:            os.TempDir(),
	}
}

// SetBinary overrides the ssh binary path.
func (d *SystemDialer) SetBinary(path string) {
	if path != "" {
		d.Binary = path
	}
}

// Dial starts a control master for target and waits for it to authenticate.
// In-memory signers cannot be handed to the ssh binary, so key auth relies on
// DialWithKey, the agent, or the user's ssh config.
func (d *SystemDialer) Dial(ctx context.Context, target Target, auth Auth) (Client, error) {
	return d.DialWithKey(ctx, target, auth, "")
}

// DialWithKey is Dial with an explicit identity file.
func (d *SystemDialer) DialWithKey(ctx context.Context, target Target, auth Auth, keyPath string) (Client, error) {
	if target.Host == "" {
		return nil, ErrMissingHost
	}
	if auth.Empty() && keyPath == "" {
		return nil, ErrNoAuthMethods
	}

	client := &SystemClient{
		dialer:   d,
		password: auth.Password,
		options: ConnectionOptions{
			Host:                  target.Host,
			Port:                  target.Port,
			User:                  target.User,
			KeyPath:               keyPath,
			ControlMaster:         "auto",
			ControlPath:           filepath.Join(d.ControlDir, "droidrig-"+uuid.NewString()[:8]),
			ControlPersist:        "yes",
			Timeout:               d.Timeout,
			BatchMode:             auth.Password == "",
			StrictHostKeyChecking: d.StrictHostKeyChecking,
		},
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.Timeout+time.Second)
	defer cancel()

	var stderr bytes.Buffer
	cmd := client.command(dialCtx, "true")
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		client.removeSocket()
		if dialCtx.Err() != nil {
			return nil, fmt.Errorf("dial %s: %w", target.Addr(), ErrConnectTimeout)
		}
		return nil, classifySystemError(target.Addr(), stderr.String(), err)
	}
	return client, nil
}

func classifySystemError(addr, stderr string, err error) error {
	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "too many authentication failures"):
		return fmt.Errorf("dial %s: %w: %s", addr, ErrAuthFailure, strings.TrimSpace(stderr))
	case strings.Contains(msg, "timed out"):
		return fmt.Errorf("dial %s: %w: %s", addr, ErrConnectTimeout, strings.TrimSpace(stderr))
	case strings.Contains(msg, "connection refused"):
		return fmt.Errorf("dial %s: %w: %s", addr, ErrConnectRefused, strings.TrimSpace(stderr))
	}
	if strings.TrimSpace(stderr) != "" {
		return fmt.Errorf("dial %s: %w: %s", addr, err, strings.TrimSpace(stderr))
	}
	return fmt.Errorf("dial %s: %w", addr, err)
}

// SystemClient is one control-master backed connection.
type SystemClient struct {
	dialer   *SystemDialer
	options  ConnectionOptions
	password string

	mu     sync.Mutex
	closed bool
}

// Options returns the flags this client passes to ssh.
func (c *SystemClient) Options() ConnectionOptions {
	return c.options
}

// Password returns the password in use, if any. It is required by helpers
// that spawn their own ssh processes against the same target.
func (c *SystemClient) Password() string {
	return c.password
}

// Command builds an exec.Cmd that runs remoteCmd over this client's transport.
// extra arguments are placed before the destination.
func (c *SystemClient) Command(ctx context.Context, remoteCmd string, extra ...string) *exec.Cmd {
	return c.command(ctx, remoteCmd, extra...)
}

func (c *SystemClient) command(ctx context.Context, remoteCmd string, extra ...string) *exec.Cmd {
	args, target := buildSSHArgs(c.options)
	args = append(args, extra...)
	args = append(args, target)
	if remoteCmd != "" {
		args = append(args, remoteCmd)
	}
	return c.dialer.wrap(ctx, args, c.password)
}

func (d *SystemDialer) wrap(ctx context.Context, args []string, password string) *exec.Cmd {
	var cmd *exec.Cmd
	if password != "" {
		cmd = exec.CommandContext(ctx, d.SSHPassBinary, append([]string{"-e", d.Binary}, args...)...)
		cmd.Env = append(os.Environ(), "SSHPASS="+password)
	} else {
		cmd = exec.CommandContext(ctx, d.Binary, args...)
	}
	return cmd
}

// Exec starts cmd as a separate ssh process multiplexed over the master.
func (c *SystemClient) Exec(ctx context.Context, cmd string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Alive() {
		return nil, ErrClientClosed
	}

	// The channel outlives ctx; cancellation is cooperative via Close.
	command := c.command(context.Background(), cmd)
	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := command.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("start ssh: %w", err)
	}

	wait := func() (int, error) {
		return exitCodeFromProcess(command.Wait())
	}
	closeFn := func() error {
		if command.Process != nil {
			_ = command.Process.Kill()
		}
		return nil
	}
	return NewStreamChannel(stdout, stderr, wait, closeFn), nil
}

func exitCodeFromProcess(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code == sshFailureExit {
			return code, fmt.Errorf("%w: ssh exited %d", ErrChannelDropped, code)
		}
		if code < 0 {
			return -1, fmt.Errorf("%w: %w", ErrChannelDropped, err)
		}
		return code, nil
	}
	return -1, fmt.Errorf("%w: %w", ErrChannelDropped, err)
}

// KeepAlive asks the control master whether it is still running.
func (c *SystemClient) KeepAlive() error {
	if !c.Alive() {
		return ErrClientClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.dialer.Timeout)
	defer cancel()

	if err := c.control(ctx, "check").Run(); err != nil {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		return fmt.Errorf("keepalive: %w: %w", ErrChannelDropped, err)
	}
	return nil
}

func (c *SystemClient) control(ctx context.Context, op string) *exec.Cmd {
	args, target := buildSSHArgs(ConnectionOptions{
		Host:        c.options.Host,
		Port:        c.options.Port,
		User:        c.options.User,
		ControlPath: c.options.ControlPath,
	})
	args = append(args, "-O", op, target)
	return exec.CommandContext(ctx, c.dialer.Binary, args...)
}

func (c *SystemClient) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close stops the control master.
func (c *SystemClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.removeSocket()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.dialer.Timeout)
	defer cancel()
	_ = c.control(ctx, "exit").Run()
	c.removeSocket()
	return nil
}

func (c *SystemClient) removeSocket() {
	if c.options.ControlPath != "" {
		_ = os.Remove(c.options.ControlPath)
	}
}

func buildSSHArgs(options ConnectionOptions) ([]string, string) {
	args := []string{}
	if options.Port > 0 {
		args = append(args, "-p", fmt.Sprintf("%d", options.Port))
	}
	if options.KeyPath != "" {
		args = append(args, "-i", options.KeyPath)
	}
	if options.BatchMode {
		args = append(args, "-o", "BatchMode=yes")
	}
	if options.StrictHostKeyChecking != "" {
		args = append(args, "-o", fmt.Sprintf("StrictHostKeyChecking=%s", options.StrictHostKeyChecking))
	}
	if options.ControlMaster != "" {
		args = append(args, "-o", fmt.Sprintf("ControlMaster=%s", options.ControlMaster))
	}
	if options.ControlPath != "" {
		args = append(args, "-o", fmt.Sprintf("ControlPath=%s", options.ControlPath))
	}
	if options.ControlPersist != "" {
		args = append(args, "-o", fmt.Sprintf("ControlPersist=%s", options.ControlPersist))
	}
	if options.Timeout > 0 {
		seconds := int(math.Ceil(options.Timeout.Seconds()))
		args = append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", seconds))
	}

	target := options.Host
	if options.User != "" {
		target = fmt.Sprintf("%s@%s", options.User, options.Host)
	}
	return args, target
}
