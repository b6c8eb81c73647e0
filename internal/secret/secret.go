// Package secret supplies passwords on demand. A provider either yields a
// secret or nothing; nothing means the user declined and is not an error.
package secret

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// Request describes what the secret is for.
type Request struct {
	User   string
	Host   string
	Reason string
}

// Prompt renders the question shown to a human.
func (r Request) Prompt() string {
	if r.Reason != "" {
		return r.Reason
	}
	return fmt.Sprintf("Password for %s@%s: ", r.User, r.Host)
}

// Provider produces a secret or reports ok=false.
type Provider interface {
	Secret(ctx context.Context, req Request) (string, bool)
}

// Func adapts a function to Provider.
type Func func(ctx context.Context, req Request) (string, bool)

func (f Func) Secret(ctx context.Context, req Request) (string, bool) {
	return f(ctx, req)
}

// Static always returns the same secret. An empty value means none.
type Static string

func (s Static) Secret(context.Context, Request) (string, bool) {
	return string(s), s != ""
}

// None never yields a secret.
var None Provider = Static("")

// Env reads DROIDRIG_PASSWORD_<HOST> then DROIDRIG_PASSWORD.
type Env struct {
	// Lookup defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// HostEnvVar is the per-host variable consulted before the generic one.
func HostEnvVar(host string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(host) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return "DROIDRIG_PASSWORD_" + b.String()
}

func (e Env) Secret(_ context.Context, req Request) (string, bool) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if req.Host != "" {
		if v, ok := lookup(HostEnvVar(req.Host)); ok && v != "" {
			return v, true
		}
	}
	if v, ok := lookup("DROIDRIG_PASSWORD"); ok && v != "" {
		return v, true
	}
	return "", false
}

// Terminal reads a password without echo from a controlling terminal.
type Terminal struct {
	In  *os.File
	Out io.Writer

	// mu serialises prompts so concurrent workers don't interleave.
	mu sync.Mutex
}

// NewTerminal prompts on stdin, writing the question to stderr.
func NewTerminal() *Terminal {
	return &Terminal{In: os.Stdin, Out: os.Stderr}
}

func (t *Terminal) Secret(ctx context.Context, req Request) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fd := int(t.In.Fd())
	if !term.IsTerminal(fd) {
		return "", false
	}

	type answer struct {
		value string
		err   error
	}
	result := make(chan answer, 1)
	go func() {
		fmt.Fprint(t.Out, req.Prompt())
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(t.Out)
		result <- answer{value: string(pw), err: err}
	}()

	select {
	case <-ctx.Done():
		// The read goroutine stays blocked until the user presses enter.
		return "", false
	case a := <-result:
		if a.err != nil || a.value == "" {
			return "", false
		}
		return a.value, true
	}
}

// Chain asks each provider in turn and returns the first secret.
type Chain []Provider

func (c Chain) Secret(ctx context.Context, req Request) (string, bool) {
	for _, p := range c {
		if p == nil {
			continue
		}
		if ctx.Err() != nil {
			return "", false
		}
		if v, ok := p.Secret(ctx, req); ok {
			return v, true
		}
	}
	return "", false
}

// WithTimeout bounds p. Expiry is reported as none, like a cancelled prompt.
func WithTimeout(p Provider, d time.Duration) Provider {
	if d <= 0 {
		return p
	}
	return Func(func(ctx context.Context, req Request) (string, bool) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		type answer struct {
			value string
			ok    bool
		}
		result := make(chan answer, 1)
		go func() {
			v, ok := p.Secret(ctx, req)
			result <- answer{v, ok}
		}()

		select {
		case <-ctx.Done():
			return "", false
		case a := <-result:
			return a.value, a.ok
		}
	})
}
