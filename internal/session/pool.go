package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tOgg1/droidrig/internal/logging"
	"github.com/tOgg1/droidrig/internal/ssh"
)

// DefaultCapacity is the number of idle sessions kept per host.
const DefaultCapacity = 3

// Pool reuses sessions to a single host. Capacity bounds idle sessions;
// Acquire never blocks on it and creates a fresh session when none is idle.
type Pool struct {
	mu       sync.Mutex
	factory  Factory
	target   ssh.Target
	capacity int
	idle     []*Session
	closed   bool
	logger   zerolog.Logger
}

// NewPool creates an empty pool for target.
func NewPool(factory Factory, target ssh.Target, capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pool{
		factory:  factory,
		target:   target,
		capacity: capacity,
		logger:   logging.Component("pool"),
	}
}

// Target returns the host the pool currently serves.
func (p *Pool) Target() ssh.Target {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// Capacity returns the idle bound.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Acquire pops an idle session that passes a keepalive probe, or creates a
// new one. A session that fails its probe is closed and never returned.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	var s *Session
	if n := len(p.idle); n > 0 {
		s = p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
	}
	target := p.target
	p.mu.Unlock()

	if s != nil {
		err := s.Probe()
		if err == nil {
			return s, nil
		}
		p.logger.Debug().Err(err).Str("session", s.ID).Msg("discarding dead session")
		_ = s.Close()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.factory.Connect(ctx, target)
}

// Release returns s to the pool. Dead sessions, sessions for a previous
// target, and sessions beyond capacity are closed instead.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	keep := !p.closed && s.Alive() && s.Target == p.target && len(p.idle) < p.capacity
	if keep {
		p.idle = append(p.idle, s)
	}
	p.mu.Unlock()

	if !keep {
		_ = s.Close()
	}
}

// Idle returns the number of pooled sessions.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Drain closes all idle sessions. The pool stays usable.
func (p *Pool) Drain() int {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, s := range idle {
		_ = s.Close()
	}
	if len(idle) > 0 {
		p.logger.Debug().Int("closed", len(idle)).Msg("drained sessions")
	}
	return len(idle)
}

// Retarget points the pool at a new host and drains sessions to the old one.
// It reports whether the target changed.
func (p *Pool) Retarget(target ssh.Target) bool {
	p.mu.Lock()
	if p.target == target {
		p.mu.Unlock()
		return false
	}
	p.target = target
	p.mu.Unlock()
	p.Drain()
	return true
}

// Close drains the pool and rejects further Acquire calls.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Drain()
	return nil
}
