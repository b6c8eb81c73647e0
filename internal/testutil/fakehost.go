// Package testutil provides scripted remote hosts for tests.
package testutil

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tOgg1/droidrig/internal/ssh"
)

// Reply is the scripted outcome of one remote command.
type Reply struct {
	Stdout   string
	Stderr   string
	ExitCode int

	// ExecErr is returned by Exec instead of starting a channel.
	ExecErr error
	// WaitErr is returned alongside the exit code, e.g. ssh.ErrChannelDropped.
	WaitErr error
	// Block keeps the command running until its channel is closed.
	Block bool
	// Delay is how long the command runs before exiting.
	Delay time.Duration
}

// OK is a successful reply with the given stdout.
func OK(stdout string) Reply {
	return Reply{Stdout: stdout}
}

// Fail is a reply with a non-zero exit code and stderr.
func Fail(code int, stderr string) Reply {
	return Reply{ExitCode: code, Stderr: stderr}
}

// Responder computes a reply from the full command line.
type Responder func(cmd string) Reply

type rule struct {
	substr string
	reply  Responder
}

// FakeHost answers remote commands from scripted rules. Rules match on
// substring; the most recently added matching rule wins.
type FakeHost struct {
	Name string

	// Password, when set, is the only password Dial accepts.
	Password string
	// AcceptKey makes key and agent auth succeed.
	AcceptKey bool
	// Default answers commands no rule matches.
	Default Reply

	mu           sync.Mutex
	rules        []rule
	calls        []string
	keepAliveErr error
	dials        int
	clients      []*FakeClient
}

// NewFakeHost creates a host that accepts key auth and answers every
// unmatched command with exit 0.
func NewFakeHost(name string) *FakeHost {
	return &FakeHost{Name: name, AcceptKey: true}
}

// On answers commands containing substr with r.
func (h *FakeHost) On(substr string, r Reply) *FakeHost {
	return h.OnFunc(substr, func(string) Reply { return r })
}

// OnFunc answers commands containing substr with fn.
func (h *FakeHost) OnFunc(substr string, fn Responder) *FakeHost {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rules = append(h.rules, rule{substr: substr, reply: fn})
	return h
}

// OnSequence answers successive matching commands with replies in order.
// The last reply repeats.
func (h *FakeHost) OnSequence(substr string, replies ...Reply) *FakeHost {
	var mu sync.Mutex
	i := 0
	return h.OnFunc(substr, func(string) Reply {
		mu.Lock()
		defer mu.Unlock()
		r := replies[i]
		if i < len(replies)-1 {
			i++
		}
		return r
	})
}

// Calls returns every command executed so far.
func (h *FakeHost) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// Count returns how many executed commands contain substr.
func (h *FakeHost) Count(substr string) int {
	n := 0
	for _, c := range h.Calls() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

// Ran reports whether any executed command contains substr.
func (h *FakeHost) Ran(substr string) bool {
	return h.Count(substr) > 0
}

// Dials returns the number of successful connections.
func (h *FakeHost) Dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

// SetKeepAliveErr makes every client's KeepAlive fail with err.
func (h *FakeHost) SetKeepAliveErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keepAliveErr = err
}

// OpenClients returns the number of clients not yet closed.
func (h *FakeHost) OpenClients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.clients {
		if c.Alive() {
			n++
		}
	}
	return n
}

// Client returns a new connected client.
func (h *FakeHost) Client() *FakeClient {
	c := &FakeClient{host: h}
	h.mu.Lock()
	h.dials++
	h.clients = append(h.clients, c)
	h.mu.Unlock()
	return c
}

func (h *FakeHost) respond(cmd string) Reply {
	h.mu.Lock()
	h.calls = append(h.calls, cmd)
	var fn Responder
	for i := len(h.rules) - 1; i >= 0; i-- {
		if strings.Contains(cmd, h.rules[i].substr) {
			fn = h.rules[i].reply
			break
		}
	}
	def := h.Default
	h.mu.Unlock()

	if fn == nil {
		return def
	}
	return fn(cmd)
}

// FakeClient is a connection to a FakeHost.
type FakeClient struct {
	host   *FakeHost
	closed atomic.Bool
	killed atomic.Bool
}

func (c *FakeClient) Exec(ctx context.Context, cmd string) (ssh.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Alive() {
		return nil, ssh.ErrClientClosed
	}
	r := c.host.respond(cmd)
	if r.ExecErr != nil {
		return nil, r.ExecErr
	}

	release := make(chan struct{})
	var once sync.Once
	stop := func() error {
		once.Do(func() { close(release) })
		return nil
	}
	wait := func() (int, error) {
		switch {
		case r.Block:
			<-release
			return -1, ssh.ErrChannelDropped
		case r.Delay > 0:
			select {
			case <-time.After(r.Delay):
			case <-release:
				return -1, ssh.ErrChannelDropped
			}
		}
		return r.ExitCode, r.WaitErr
	}
	return ssh.NewStreamChannel(strings.NewReader(r.Stdout), strings.NewReader(r.Stderr), wait, stop), nil
}

func (c *FakeClient) KeepAlive() error {
	if !c.Alive() {
		return ssh.ErrClientClosed
	}
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	return c.host.keepAliveErr
}

func (c *FakeClient) Alive() bool {
	return !c.closed.Load() && !c.killed.Load()
}

// Kill simulates the transport dropping.
func (c *FakeClient) Kill() {
	c.killed.Store(true)
}

func (c *FakeClient) Close() error {
	c.closed.Store(true)
	return nil
}

// FakeDialer connects to registered FakeHosts by host name.
type FakeDialer struct {
	mu    sync.Mutex
	hosts map[string]*FakeHost
	errs  map[string]error
	auths []ssh.Auth
}

// NewFakeDialer registers hosts.
func NewFakeDialer(hosts ...*FakeHost) *FakeDialer {
	d := &FakeDialer{hosts: make(map[string]*FakeHost), errs: make(map[string]error)}
	for _, h := range hosts {
		d.hosts[h.Name] = h
	}
	return d
}

// Add registers another host.
func (d *FakeDialer) Add(h *FakeHost) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hosts[h.Name] = h
}

// FailWith makes every Dial to host return err.
func (d *FakeDialer) FailWith(host string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[host] = err
}

// Auths returns the credentials offered so far.
func (d *FakeDialer) Auths() []ssh.Auth {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ssh.Auth(nil), d.auths...)
}

func (d *FakeDialer) Dial(ctx context.Context, target ssh.Target, auth ssh.Auth) (ssh.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.auths = append(d.auths, auth)
	h, ok := d.hosts[target.Host]
	err := d.errs[target.Host]
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ssh.ErrConnectRefused
	}
	if auth.Empty() {
		return nil, ssh.ErrNoAuthMethods
	}

	keyOK := h.AcceptKey && (len(auth.Signers) > 0 || auth.Agent)
	passOK := auth.Password != "" && (h.Password == "" || auth.Password == h.Password)
	if !keyOK && !passOK {
		return nil, ssh.ErrAuthFailure
	}
	return h.Client(), nil
}
