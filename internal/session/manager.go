package session

import (
	"context"
	"sync"

	"github.com/tOgg1/droidrig/internal/ssh"
)

// Manager holds the session state shared by one orchestration process: the
// bastion pool, the device host target and the credential cache.
type Manager struct {
	connector *Connector
	bastion   *Pool

	mu         sync.RWMutex
	deviceHost ssh.Target
}

// NewManager creates a manager with a bastion pool of the given capacity.
func NewManager(connector *Connector, bastion ssh.Target, capacity int) *Manager {
	return &Manager{
		connector: connector,
		bastion:   NewPool(connector, bastion, capacity),
	}
}

// Bastion returns the pool for the bastion host.
func (m *Manager) Bastion() *Pool {
	return m.bastion
}

// Connector returns the connector used for new sessions.
func (m *Manager) Connector() *Connector {
	return m.connector
}

// SetBastion switches the bastion host. Pooled sessions and the cached
// password for the old host are dropped.
func (m *Manager) SetBastion(target ssh.Target) {
	old := m.bastion.Target()
	if m.bastion.Retarget(target) {
		m.connector.Cache.Invalidate(old)
	}
}

// DeviceHost returns the current device host target.
func (m *Manager) DeviceHost() ssh.Target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deviceHost
}

// SetDeviceHost switches the device host and forgets the old host's password.
func (m *Manager) SetDeviceHost(target ssh.Target) {
	m.mu.Lock()
	old := m.deviceHost
	m.deviceHost = target
	m.mu.Unlock()

	if !old.IsZero() && old != target {
		m.connector.Cache.Invalidate(old)
	}
}

// ConnectDeviceHost opens an unpooled session to the device host.
func (m *Manager) ConnectDeviceHost(ctx context.Context) (*Session, error) {
	target := m.DeviceHost()
	if target.Host == "" {
		return nil, ssh.ErrMissingHost
	}
	return m.connector.Connect(ctx, target)
}

// DeviceHostPassword returns the device host password from cache or prompt.
func (m *Manager) DeviceHostPassword(ctx context.Context) (string, error) {
	target := m.DeviceHost()
	if target.Host == "" {
		return "", ssh.ErrMissingHost
	}
	return m.connector.Password(ctx, target)
}

// Close drains the bastion pool.
func (m *Manager) Close() error {
	return m.bastion.Close()
}
