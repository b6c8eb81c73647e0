package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DROIDRIG"

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Load loads configuration with proper precedence:
// defaults < config file < env vars < CLI flags
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Set up Viper
	l.setupViper(cfg)

	// Load config file
	if err := l.loadConfigFile(); err != nil {
		// Config file is optional, only error if explicitly specified
		if l.configFile != "" {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply env var overrides (Viper's Unmarshal doesn't properly merge env vars for nested structs)
	l.applyEnvOverrides(cfg)

	substituteBastionUser(cfg)
	expandPaths(cfg)

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// expandPaths expands ~ in local path fields. Remote paths are left alone.
func expandPaths(cfg *Config) {
	cfg.Global.DataDir = expandTilde(cfg.Global.DataDir)
	cfg.Global.ConfigDir = expandTilde(cfg.Global.ConfigDir)
	cfg.Bastion.KeyPath = expandTilde(cfg.Bastion.KeyPath)
	cfg.Bastion.KnownHosts = expandTilde(cfg.Bastion.KnownHosts)
	cfg.Actions.Catalog = expandTilde(cfg.Actions.Catalog)
	cfg.Actions.LockScript = expandTilde(cfg.Actions.LockScript)
	cfg.Harness.LocalScript = expandTilde(cfg.Harness.LocalScript)
	cfg.History.Path = expandTilde(cfg.History.Path)
	cfg.Logging.File = expandTilde(cfg.Logging.File)
}

// substituteBastionUser replaces ${bastion_user} in remote path fields.
func substituteBastionUser(cfg *Config) {
	user := cfg.Bastion.User
	if user == "" {
		return
	}
	fields := []*string{
		&cfg.Actions.RemoteDir,
		&cfg.Harness.ScriptPath,
		&cfg.Harness.SuitePath,
		&cfg.Harness.SuiteRoot,
		&cfg.Screen.ScrcpyPath,
		&cfg.Screen.XAuthority,
	}
	for _, field := range fields {
		*field = strings.ReplaceAll(*field, BastionUserPlaceholder, user)
	}
}

// setupViper configures Viper with defaults and environment bindings.
func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	// Config file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "droidrig"))
	}

	homeDir, _ := os.UserHomeDir()
	if homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "droidrig"))
	}

	// Current directory
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults from config struct
	l.setDefaults(cfg)

	// Explicitly bind environment variables (Viper's Unmarshal has issues without this)
	bindEnvVars(v)

	// AutomaticEnv for any keys not explicitly bound
	v.AutomaticEnv()
}

// setDefaults sets all default values in Viper.
func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	// Global
	v.SetDefault("global.data_dir", cfg.Global.DataDir)
	v.SetDefault("global.config_dir", cfg.Global.ConfigDir)

	// Bastion
	v.SetDefault("bastion.host", cfg.Bastion.Host)
	v.SetDefault("bastion.user", cfg.Bastion.User)
	v.SetDefault("bastion.port", cfg.Bastion.Port)
	v.SetDefault("bastion.use_key_auth", cfg.Bastion.UseKeyAuth)
	v.SetDefault("bastion.key_path", cfg.Bastion.KeyPath)
	v.SetDefault("bastion.use_agent", cfg.Bastion.UseAgent)
	v.SetDefault("bastion.backend", cfg.Bastion.Backend)
	v.SetDefault("bastion.known_hosts", cfg.Bastion.KnownHosts)
	v.SetDefault("bastion.connect_timeout", cfg.Bastion.ConnectTimeout)

	// Device host
	v.SetDefault("device_host.target", cfg.DeviceHost.Target)

	// Pool and executor
	v.SetDefault("pool.capacity", cfg.Pool.Capacity)
	v.SetDefault("executor.command_timeout", cfg.Executor.CommandTimeout)
	v.SetDefault("executor.poll_interval", cfg.Executor.PollInterval)
	v.SetDefault("executor.stderr_tail_lines", cfg.Executor.StderrTailLines)

	// Secrets
	v.SetDefault("secrets.prompt_timeout", cfg.Secrets.PromptTimeout)
	v.SetDefault("secrets.allow_env", cfg.Secrets.AllowEnv)

	// Tunnel
	v.SetDefault("tunnel.port", cfg.Tunnel.Port)
	v.SetDefault("tunnel.reset_settle", cfg.Tunnel.ResetSettle)
	v.SetDefault("tunnel.forward_settle", cfg.Tunnel.ForwardSettle)

	// USB/IP
	v.SetDefault("usbip.device_filter", cfg.USBIP.DeviceFilter)
	v.SetDefault("usbip.bind_attempts", cfg.USBIP.BindAttempts)
	v.SetDefault("usbip.bind_interval", cfg.USBIP.BindInterval)
	v.SetDefault("usbip.detach_settle", cfg.USBIP.DetachSettle)
	v.SetDefault("usbip.attach_settle", cfg.USBIP.AttachSettle)
	v.SetDefault("usbip.final_settle", cfg.USBIP.FinalSettle)
	v.SetDefault("usbip.pass_retries", cfg.USBIP.PassRetries)
	v.SetDefault("usbip.sudo", cfg.USBIP.Sudo)

	// Batch and actions
	v.SetDefault("batch.device_timeout", cfg.Batch.DeviceTimeout)
	v.SetDefault("batch.online_timeout", cfg.Batch.OnlineTimeout)
	v.SetDefault("actions.catalog", cfg.Actions.Catalog)
	v.SetDefault("actions.lock_script", cfg.Actions.LockScript)
	v.SetDefault("actions.remote_dir", cfg.Actions.RemoteDir)

	// Harness
	v.SetDefault("harness.script_path", cfg.Harness.ScriptPath)
	v.SetDefault("harness.local_script", cfg.Harness.LocalScript)
	v.SetDefault("harness.suite_path", cfg.Harness.SuitePath)
	v.SetDefault("harness.suite_root", cfg.Harness.SuiteRoot)
	v.SetDefault("harness.local_server", cfg.Harness.LocalServer)

	// VPN
	v.SetDefault("vpn.connection", cfg.VPN.Connection)
	v.SetDefault("vpn.targets", cfg.VPN.Targets)

	// Screen
	v.SetDefault("screen.scrcpy_path", cfg.Screen.ScrcpyPath)
	v.SetDefault("screen.display", cfg.Screen.Display)
	v.SetDefault("screen.xauthority", cfg.Screen.XAuthority)
	v.SetDefault("screen.max_size", cfg.Screen.MaxSize)
	v.SetDefault("screen.screen_width", cfg.Screen.ScreenWidth)
	v.SetDefault("screen.screen_height", cfg.Screen.ScreenHeight)
	v.SetDefault("screen.novnc_dir", cfg.Screen.NoVNCDir)
	v.SetDefault("screen.web_port", cfg.Screen.WebPort)
	v.SetDefault("screen.vnc_passwd_file", cfg.Screen.VNCPasswdFile)

	// History
	v.SetDefault("history.enabled", cfg.History.Enabled)
	v.SetDefault("history.path", cfg.History.Path)
	v.SetDefault("history.busy_timeout_ms", cfg.History.BusyTimeoutMs)

	// Logging
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)
}

// loadConfigFile attempts to load the configuration file.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, use defaults
			return nil
		}
		return err
	}

	return nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Set sets a Viper value by key. Used for CLI flag overrides.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// Viper returns the underlying Viper instance for advanced use.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads configuration with default search paths.
func LoadDefault() (*Config, error) {
	loader := NewLoader()
	return loader.Load()
}

// bindEnvVars binds environment variables for config keys.
// Viper's Unmarshal has issues with env vars on nested structs unless explicitly bound.
func bindEnvVars(v *viper.Viper) {
	envBindings := []string{
		"global.data_dir",
		"global.config_dir",
		"bastion.host",
		"bastion.user",
		"bastion.port",
		"bastion.use_key_auth",
		"bastion.key_path",
		"bastion.use_agent",
		"bastion.backend",
		"bastion.known_hosts",
		"bastion.connect_timeout",
		"device_host.target",
		"pool.capacity",
		"executor.command_timeout",
		"executor.poll_interval",
		"secrets.prompt_timeout",
		"secrets.allow_env",
		"tunnel.port",
		"usbip.device_filter",
		"usbip.pass_retries",
		"usbip.sudo",
		"batch.device_timeout",
		"actions.catalog",
		"harness.script_path",
		"harness.suite_path",
		"harness.local_server",
		"vpn.connection",
		"screen.vnc_passwd_file",
		"history.enabled",
		"history.path",
		"logging.level",
		"logging.format",
		"logging.file",
		"logging.enable_caller",
	}

	for _, key := range envBindings {
		// Convert key to env var format: bastion.host -> DROIDRIG_BASTION_HOST
		envVar := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, envVar)
	}
}

// applyEnvOverrides manually applies env var overrides to the config struct.
// This is needed because Viper's Unmarshal doesn't properly merge env vars
// for nested struct fields when a config file is present.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	v := l.v

	if host := v.GetString("bastion.host"); host != "" {
		cfg.Bastion.Host = host
	}
	if user := v.GetString("bastion.user"); user != "" {
		cfg.Bastion.User = user
	}
	if target := v.GetString("device_host.target"); target != "" {
		cfg.DeviceHost.Target = target
	}
	if path := v.GetString("history.path"); path != "" {
		cfg.History.Path = path
	}

	// Logging
	if level := v.GetString("logging.level"); level != "" && level != "info" { // "info" is default
		cfg.Logging.Level = level
	}
	if format := v.GetString("logging.format"); format != "" && format != "console" { // "console" is default
		cfg.Logging.Format = format
	}
	if file := v.GetString("logging.file"); file != "" {
		cfg.Logging.File = file
	}
}
