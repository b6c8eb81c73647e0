// Package ssh provides the remote shell primitive used to reach the bastion
// and device hosts: dialing, command channels, and key loading.
package ssh

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

// DefaultConnectTimeout bounds every connection attempt.
const DefaultConnectTimeout = 10 * time.Second

// Dialer establishes authenticated connections to a target.
type Dialer interface {
	Dial(ctx context.Context, target Target, auth Auth) (Client, error)
}

// Client is one authenticated remote shell connection.
type Client interface {
	// Exec starts cmd on the remote host and returns its channel immediately.
	Exec(ctx context.Context, cmd string) (Channel, error)

	// KeepAlive sends a lightweight probe over the transport.
	KeepAlive() error

	// Alive reports whether the transport is still usable.
	Alive() bool

	// Close releases the connection.
	Close() error
}

// Channel is a running remote command.
type Channel interface {
	// ExitReady reports whether the command has exited and all of its output
	// has been received.
	ExitReady() bool

	// ReadAvailable drains whatever stdout and stderr has arrived so far.
	ReadAvailable() (stdout, stderr []byte)

	// ExitStatus blocks until the command ends and returns its exit code.
	ExitStatus() (int, error)

	// Done is closed once ExitReady becomes true.
	Done() <-chan struct{}

	// Close abandons the channel. The remote process is not guaranteed to stop.
	Close() error
}

// Auth carries the credentials offered for one connection attempt.
type Auth struct {
	// Signers are offered for public key authentication.
	Signers []xssh.Signer

	// Password is offered for password and keyboard-interactive authentication.
	Password string

	// Agent enables ssh-agent backed authentication when available.
	Agent bool
}

// Empty reports whether no credential is present.
func (a Auth) Empty() bool {
	return len(a.Signers) == 0 && a.Password == "" && !a.Agent
}

// Target identifies a remote host and login.
type Target struct {
	User string `yaml:"user" mapstructure:"user"`
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

// ParseTarget parses user@host[:port].
func ParseTarget(spec string) (Target, error) {
	spec = strings.TrimSpace(spec)
	user, host, port := parseSSHTarget(spec)
	if host == "" {
		return Target{}, ErrMissingHost
	}
	t := Target{User: user, Host: host}
	if port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return Target{}, fmt.Errorf("invalid ssh port %q", port)
		}
		t.Port = p
	}
	return t, nil
}

func parseSSHTarget(target string) (user, host, port string) {
	rest := target
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		user = rest[:at]
		rest = rest[at+1:]
	}
	if h, p, err := net.SplitHostPort(rest); err == nil {
		return user, h, p
	}
	return user, rest, ""
}

// IsZero reports whether no host is set.
func (t Target) IsZero() bool {
	return t.Host == ""
}

// Addr returns host:port, defaulting the port to 22.
func (t Target) Addr() string {
	port := t.Port
	if port <= 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// String renders user@host, the form ssh accepts on the command line.
func (t Target) String() string {
	if t.User == "" {
		return t.Host
	}
	return t.User + "@" + t.Host
}

// Key identifies the (user, host, port) tuple for caching.
func (t Target) Key() string {
	return t.User + "@" + t.Addr()
}
