// Package session owns authenticated remote-shell sessions: how they are
// created (key first, then password) and how they are pooled per host.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tOgg1/droidrig/internal/ssh"
)

// Session is one authenticated connection. It is used by one caller at a time.
type Session struct {
	ID        string
	Target    ssh.Target
	Client    ssh.Client
	CreatedAt time.Time
}

// New wraps an established client.
func New(target ssh.Target, client ssh.Client) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Target:    target,
		Client:    client,
		CreatedAt: time.Now(),
	}
}

// Exec starts cmd on the session's host.
func (s *Session) Exec(ctx context.Context, cmd string) (ssh.Channel, error) {
	return s.Client.Exec(ctx, cmd)
}

// Alive reports whether the transport is still usable.
func (s *Session) Alive() bool {
	return s != nil && s.Client != nil && s.Client.Alive()
}

// Probe sends a keepalive and reports whether it succeeded.
func (s *Session) Probe() error {
	if !s.Alive() {
		return ssh.ErrClientClosed
	}
	return s.Client.KeepAlive()
}

func (s *Session) Close() error {
	if s == nil || s.Client == nil {
		return nil
	}
	return s.Client.Close()
}
