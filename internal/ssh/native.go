package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const keepAliveRequest = "keepalive@openssh.com"

// NativeDialer connects using golang.org/x/crypto/ssh.
type NativeDialer struct {
	// Timeout bounds TCP connect plus handshake.
	Timeout time.Duration

	// KeepAliveTimeout bounds a single keepalive round trip.
	KeepAliveTimeout time.Duration

	// HostKeyCallback verifies server keys. Defaults to accepting any key.
	HostKeyCallback xssh.HostKeyCallback
}

// NativeOption configures a NativeDialer.
type NativeOption func(*NativeDialer)

// WithConnectTimeout overrides the connection timeout.
func WithConnectTimeout(d time.Duration) NativeOption {
	return func(n *NativeDialer) {
		if d > 0 {
			n.Timeout = d
		}
	}
}

// WithKeepAliveTimeout overrides the keepalive round trip bound.
func WithKeepAliveTimeout(d time.Duration) NativeOption {
	return func(n *NativeDialer) {
		if d > 0 {
			n.KeepAliveTimeout = d
		}
	}
}

// WithHostKeyCallback sets the host key verification policy.
func WithHostKeyCallback(cb xssh.HostKeyCallback) NativeOption {
	return func(n *NativeDialer) {
		if cb != nil {
			n.HostKeyCallback = cb
		}
	}
}

// KnownHostsCallback builds a verifier from an OpenSSH known_hosts file.
func KnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}
	return cb, nil
}

// NewNativeDialer creates a dialer with defaults applied.
func NewNativeDialer(opts ...NativeOption) *NativeDialer {
	d := &NativeDialer{
		Timeout:          DefaultConnectTimeout,
		KeepAliveTimeout: 5 * time.Second,
		HostKeyCallback:  xssh.InsecureIgnoreHostKey(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial connects and authenticates. Failures are classified into
// ErrConnectTimeout, ErrConnectRefused and ErrAuthFailure.
func (d *NativeDialer) Dial(ctx context.Context, target Target, auth Auth) (Client, error) {
	if target.Host == "" {
		return nil, ErrMissingHost
	}

	methods, agentConn := authMethods(auth)
	if len(methods) == 0 {
		return nil, ErrNoAuthMethods
	}

	cleanupAgent := func() {
		if agentConn != nil {
			_ = agentConn.Close()
		}
	}

	config := &xssh.ClientConfig{
		User:            target.User,
		Auth:            methods,
		HostKeyCallback: d.HostKeyCallback,
		Timeout:         d.Timeout,
	}

	addr := target.Addr()
	dialCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	if err != nil {
		cleanupAgent()
		return nil, classifyDialError(addr, err)
	}

	stop := context.AfterFunc(dialCtx, func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(d.Timeout))

	sshConn, chans, reqs, err := xssh.NewClientConn(conn, addr, config)
	stopped := stop()
	if err != nil {
		_ = conn.Close()
		cleanupAgent()
		if !stopped || dialCtx.Err() != nil {
			return nil, fmt.Errorf("handshake %s: %w: %w", addr, ErrConnectTimeout, err)
		}
		return nil, classifyHandshakeError(addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return newNativeClient(xssh.NewClient(sshConn, chans, reqs), agentConn, d.KeepAliveTimeout), nil
}

func authMethods(auth Auth) ([]xssh.AuthMethod, *AgentConnection) {
	var methods []xssh.AuthMethod
	var agentConn *AgentConnection

	if len(auth.Signers) > 0 {
		methods = append(methods, xssh.PublicKeys(auth.Signers...))
	}
	if auth.Agent {
		if conn, err := ConnectAgent(); err == nil {
			agentConn = conn
			methods = append(methods, conn.AuthMethod())
		}
	}
	if auth.Password != "" {
		password := auth.Password
		methods = append(methods,
			xssh.Password(password),
			xssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	return methods, agentConn
}

func classifyDialError(addr string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("dial %s: %w: %w", addr, ErrConnectTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("dial %s: %w: %w", addr, ErrConnectTimeout, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("dial %s: %w: %w", addr, ErrConnectRefused, err)
	}
	return fmt.Errorf("dial %s: %w", addr, err)
}

func classifyHandshakeError(addr string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return fmt.Errorf("handshake %s: %w: %w", addr, ErrAuthFailure, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("handshake %s: %w: %w", addr, ErrConnectTimeout, err)
	}
	return fmt.Errorf("handshake %s: %w", addr, err)
}

// NativeClient wraps an x/crypto/ssh client.
type NativeClient struct {
	client           *xssh.Client
	agent            *AgentConnection
	keepAliveTimeout time.Duration

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newNativeClient(client *xssh.Client, agentConn *AgentConnection, keepAliveTimeout time.Duration) *NativeClient {
	c := &NativeClient{
		client:           client,
		agent:            agentConn,
		keepAliveTimeout: keepAliveTimeout,
		done:             make(chan struct{}),
	}
	go func() {
		_ = client.Wait()
		c.markClosed()
		close(c.done)
	}()
	return c
}

func (c *NativeClient) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Raw exposes the underlying x/crypto/ssh client for subsystems such as SFTP.
func (c *NativeClient) Raw() *xssh.Client {
	return c.client
}

// Exec starts cmd in a fresh session channel.
func (c *NativeClient) Exec(ctx context.Context, cmd string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Alive() {
		return nil, ErrClientClosed
	}

	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w: %w", ErrChannelDropped, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := sess.Start(cmd); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("start command: %w: %w", ErrChannelDropped, err)
	}

	wait := func() (int, error) {
		err := sess.Wait()
		_ = sess.Close()
		return exitCodeFromWait(err)
	}
	return NewStreamChannel(stdout, stderr, wait, sess.Close), nil
}

func exitCodeFromWait(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *xssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, fmt.Errorf("%w: %w", ErrChannelDropped, err)
}

// KeepAlive sends a global request and waits a bounded time for the reply.
func (c *NativeClient) KeepAlive() error {
	if !c.Alive() {
		return ErrClientClosed
	}

	result := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest(keepAliveRequest, true, nil)
		result <- err
	}()

	timer := time.NewTimer(c.keepAliveTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if err != nil {
			c.markClosed()
			return fmt.Errorf("keepalive: %w: %w", ErrChannelDropped, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("keepalive: %w", ErrConnectTimeout)
	}
}

// Alive reports whether the transport has not been observed closed.
func (c *NativeClient) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close shuts down the transport.
func (c *NativeClient) Close() error {
	c.markClosed()
	err := c.client.Close()
	if c.agent != nil {
		_ = c.agent.Close()
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
