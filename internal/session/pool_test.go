package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/droidrig/internal/secret"
	"github.com/tOgg1/droidrig/internal/ssh"
	"github.com/tOgg1/droidrig/internal/testutil"
)

var bastion = ssh.Target{User: "user", Host: "bastion", Port: 22}

func newTestPool(t *testing.T, capacity int) (*Pool, *testutil.FakeHost) {
	t.Helper()
	host := testutil.NewFakeHost("bastion")
	connector := NewConnector(testutil.NewFakeDialer(host), secret.None, nil)
	connector.UseAgent = true
	return NewPool(connector, bastion, capacity), host
}

func TestPoolIdleNeverExceedsCapacity(t *testing.T) {
	pool, host := newTestPool(t, 3)
	ctx := context.Background()

	var sessions []*Session
	for i := 0; i < 5; i++ {
		s, err := pool.Acquire(ctx)
		require.NoError(t, err)
		sessions = append(sessions, s)
	}
	for _, s := range sessions {
		pool.Release(s)
	}

	assert.Equal(t, 3, pool.Idle())
	assert.Equal(t, 3, host.OpenClients())
}

func TestPoolReusesHealthySession(t *testing.T) {
	pool, host := newTestPool(t, 3)
	ctx := context.Background()

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(first)

	second, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, host.Dials())
}

func TestPoolNeverReturnsSessionFailingProbe(t *testing.T) {
	pool, host := newTestPool(t, 3)
	ctx := context.Background()

	stale, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(stale)

	host.SetKeepAliveErr(errors.New("keepalive timeout"))
	fresh, err := pool.Acquire(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, stale.ID, fresh.ID)
	assert.False(t, stale.Alive(), "stale session should be closed")
	assert.Equal(t, 0, pool.Idle())
}

func TestPoolReleaseClosesDeadSession(t *testing.T) {
	pool, _ := newTestPool(t, 3)

	s, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	s.Client.(*testutil.FakeClient).Kill()

	pool.Release(s)
	assert.Equal(t, 0, pool.Idle())
}

func TestPoolRetargetDrains(t *testing.T) {
	pool, host := newTestPool(t, 3)
	ctx := context.Background()

	a, err := pool.Acquire(ctx)
	require.NoError(t, err)
	b, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(a)

	assert.True(t, pool.Retarget(ssh.Target{User: "user", Host: "other", Port: 22}))
	assert.Equal(t, 0, pool.Idle())

	// Sessions checked out before the switch are not pooled on return.
	pool.Release(b)
	assert.Equal(t, 0, pool.Idle())
	assert.Equal(t, 0, host.OpenClients())

	assert.False(t, pool.Retarget(ssh.Target{User: "user", Host: "other", Port: 22}))
}

func TestPoolClose(t *testing.T) {
	pool, host := newTestPool(t, 3)
	ctx := context.Background()

	s, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(s)

	require.NoError(t, pool.Close())
	assert.Equal(t, 0, host.OpenClients())

	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolAcquireCancelled(t *testing.T) {
	pool, _ := newTestPool(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolConcurrentUse(t *testing.T) {
	pool, host := newTestPool(t, 3)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := pool.Acquire(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			ch, err := s.Exec(ctx, "true")
			if err == nil {
				_, _ = ch.ExitStatus()
			}
			pool.Release(s)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, pool.Idle(), 3)
	assert.Equal(t, pool.Idle(), host.OpenClients())
}
