package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Context is the persisted CLI selection: the current device host and the
// devices chosen on it.
type Context struct {
	// DeviceHost is user@host of the current device host.
	DeviceHost string `yaml:"device_host,omitempty"`
	// Devices are the selected adb serials.
	Devices []string `yaml:"devices,omitempty"`
	// UpdatedAt is when the context was last modified.
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`
}

// IsEmpty returns true if no context is set.
func (c *Context) IsEmpty() bool {
	return c.DeviceHost == "" && len(c.Devices) == 0
}

// HasDeviceHost returns true if a device host is set.
func (c *Context) HasDeviceHost() bool {
	return c.DeviceHost != ""
}

// HasDevices returns true if any device is selected.
func (c *Context) HasDevices() bool {
	return len(c.Devices) > 0
}

// Clear removes all context.
func (c *Context) Clear() {
	c.DeviceHost = ""
	c.Devices = nil
	c.UpdatedAt = time.Now()
}

// SetDeviceHost switches the current device host. The selection is cleared
// when the host changes, since serials belong to a host.
func (c *Context) SetDeviceHost(target string) {
	if target != c.DeviceHost {
		c.Devices = nil
	}
	c.DeviceHost = target
	c.UpdatedAt = time.Now()
}

// SetDevices replaces the selection, dropping blanks and duplicates.
func (c *Context) SetDevices(serials []string) {
	seen := make(map[string]bool, len(serials))
	var out []string
	for _, s := range serials {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	c.Devices = out
	c.UpdatedAt = time.Now()
}

// String returns a human-readable representation of the context.
func (c *Context) String() string {
	if c.IsEmpty() {
		return "(no context set)"
	}
	var parts []string
	if c.HasDeviceHost() {
		parts = append(parts, fmt.Sprintf("device_host:%s", c.DeviceHost))
	}
	if c.HasDevices() {
		parts = append(parts, fmt.Sprintf("devices:%s", strings.Join(c.Devices, ",")))
	}
	return strings.Join(parts, " ")
}

// ContextStore manages loading and saving context.
type ContextStore struct {
	path string
	mu   sync.RWMutex
}

// NewContextStore creates a new context store.
// If path is empty, uses the default path (~/.config/droidrig/context.yaml).
func NewContextStore(path string) *ContextStore {
	if path == "" {
		homeDir, _ := os.UserHomeDir()
		path = filepath.Join(homeDir, ".config", "droidrig", "context.yaml")
	}
	return &ContextStore{path: path}
}

// DefaultContextStore returns a context store using the default path.
func DefaultContextStore() *ContextStore {
	return NewContextStore("")
}

// Path returns the context file path.
func (s *ContextStore) Path() string {
	return s.path
}

// Load reads the context from disk.
// Returns an empty context if the file doesn't exist.
func (s *ContextStore) Load() (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := &Context{}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ctx, nil
		}
		return nil, fmt.Errorf("failed to read context file: %w", err)
	}

	if err := yaml.Unmarshal(data, ctx); err != nil {
		return nil, fmt.Errorf("failed to parse context file: %w", err)
	}

	return ctx, nil
}

// Save writes the context to disk.
func (s *ContextStore) Save(ctx *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Ensure directory exists
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create context directory: %w", err)
	}

	data, err := yaml.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("failed to serialize context: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write context file: %w", err)
	}

	return nil
}

// Clear removes the context file.
func (s *ContextStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove context file: %w", err)
	}
	return nil
}
