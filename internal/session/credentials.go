package session

import (
	"sync"

	"github.com/tOgg1/droidrig/internal/ssh"
)

// CredentialCache holds passwords per (user, host, port) for the process
// lifetime. Entries are removed explicitly when a target changes.
type CredentialCache struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewCredentialCache creates an empty cache.
func NewCredentialCache() *CredentialCache {
	return &CredentialCache{entries: make(map[string]string)}
}

func (c *CredentialCache) Get(target ssh.Target) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[target.Key()]
	return v, ok
}

func (c *CredentialCache) Put(target ssh.Target, password string) {
	if password == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[target.Key()] = password
}

func (c *CredentialCache) Invalidate(target ssh.Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, target.Key())
}

func (c *CredentialCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]string)
}

// Len returns the number of cached credentials.
func (c *CredentialCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
