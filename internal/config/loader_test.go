package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
bastion:
  host: 10.0.0.2
  user: lab
  backend: system
device_host:
  target: tester@10.0.0.5
pool:
  capacity: 2
usbip:
  pass_retries: 3
vpn:
  connection: corp
  targets: [intranet.example.com, 10.1.1.1]
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	require.Equal(t, "10.0.0.2", cfg.Bastion.Host)
	require.Equal(t, "lab", cfg.Bastion.User)
	require.Equal(t, BackendSystem, cfg.Bastion.Backend)
	require.Equal(t, "tester@10.0.0.5", cfg.DeviceHost.Target)
	require.Equal(t, 2, cfg.Pool.Capacity)
	require.Equal(t, 3, cfg.USBIP.PassRetries)
	require.Equal(t, []string{"intranet.example.com", "10.1.1.1"}, cfg.VPN.Targets)

	// Untouched defaults survive.
	require.Equal(t, 8, cfg.USBIP.BindAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.Executor.PollInterval)
	require.Equal(t, 5037, cfg.Tunnel.Port)
}

func TestLoad_SubstitutesBastionUser(t *testing.T) {
	path := writeConfig(t, `
bastion:
  user: hcq
`)
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	require.Equal(t, "/home/hcq/GMS-Suite/run_GMS_Test_Auto.sh", cfg.Harness.ScriptPath)
	require.Equal(t, "/home/hcq/.Xauthority", cfg.Screen.XAuthority)
	require.Equal(t, "/home/hcq/GMS-Suite", cfg.Actions.RemoteDir)
	require.Equal(t, "/home/hcq/GMS-Suite/tools", cfg.RemoteHome("GMS-Suite", "/tools/"))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
bastion:
  host: from-file
`)
	t.Setenv("DROIDRIG_BASTION_HOST", "from-env")
	t.Setenv("DROIDRIG_LOGGING_LEVEL", "debug")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Bastion.Host)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_ExpandsTilde(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := writeConfig(t, `
bastion:
  key_path: ~/.ssh/lab_key
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".ssh", "lab_key"), cfg.Bastion.KeyPath)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero capacity", mutate: func(c *Config) { c.Pool.Capacity = 0 }, wantErr: true},
		{name: "slow poll", mutate: func(c *Config) { c.Executor.PollInterval = time.Second }, wantErr: true},
		{name: "unknown backend", mutate: func(c *Config) { c.Bastion.Backend = "telnet" }, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.USBIP.PassRetries = -1 }, wantErr: true},
		{name: "no retries", mutate: func(c *Config) { c.USBIP.PassRetries = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRequireHostsReportMissingConfiguration(t *testing.T) {
	cfg := DefaultConfig()

	err := cfg.RequireBastion()
	require.True(t, errors.Is(err, ErrConfigurationMissing))
	var missing *MissingError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "bastion.host", missing.Field)

	require.ErrorIs(t, cfg.RequireDeviceHost(), ErrConfigurationMissing)

	cfg.Bastion.Host = "10.0.0.2"
	cfg.DeviceHost.Target = "lab@10.0.0.5"
	require.NoError(t, cfg.RequireBastion())
	require.NoError(t, cfg.RequireDeviceHost())
}
