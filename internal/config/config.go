// Package config handles droidrig configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrConfigurationMissing reports a required host or path that is not set.
var ErrConfigurationMissing = errors.New("configuration missing")

// MissingError names the unset field.
type MissingError struct {
	Field string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("%s is not configured", e.Field)
}

func (e *MissingError) Unwrap() error {
	return ErrConfigurationMissing
}

// BastionUserPlaceholder is replaced with bastion.user in string path fields.
const BastionUserPlaceholder = "${bastion_user}"

// SSH backends.
const (
	BackendNative = "native"
	BackendSystem = "system"
)

// Config is the root configuration structure for droidrig.
type Config struct {
	Global     GlobalConfig     `yaml:"global" mapstructure:"global"`
	Bastion    BastionConfig    `yaml:"bastion" mapstructure:"bastion"`
	DeviceHost DeviceHostConfig `yaml:"device_host" mapstructure:"device_host"`
	Pool       PoolConfig       `yaml:"pool" mapstructure:"pool"`
	Executor   ExecutorConfig   `yaml:"executor" mapstructure:"executor"`
	Secrets    SecretsConfig    `yaml:"secrets" mapstructure:"secrets"`
	Tunnel     TunnelConfig     `yaml:"tunnel" mapstructure:"tunnel"`
	USBIP      USBIPConfig      `yaml:"usbip" mapstructure:"usbip"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Actions    ActionsConfig    `yaml:"actions" mapstructure:"actions"`
	Harness    HarnessConfig    `yaml:"harness" mapstructure:"harness"`
	VPN        VPNConfig        `yaml:"vpn" mapstructure:"vpn"`
	Screen     ScreenConfig     `yaml:"screen" mapstructure:"screen"`
	History    HistoryConfig    `yaml:"history" mapstructure:"history"`
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`
}

// GlobalConfig contains local directories.
type GlobalConfig struct {
	// DataDir holds the history database (default: ~/.local/share/droidrig).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir holds config.yaml and context.yaml (default: ~/.config/droidrig).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// BastionConfig describes the Linux machine that runs the harness.
type BastionConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	User string `yaml:"user" mapstructure:"user"`
	Port int    `yaml:"port" mapstructure:"port"`

	// UseKeyAuth tries KeyPath before falling back to a password.
	UseKeyAuth bool   `yaml:"use_key_auth" mapstructure:"use_key_auth"`
	KeyPath    string `yaml:"key_path" mapstructure:"key_path"`
	UseAgent   bool   `yaml:"use_agent" mapstructure:"use_agent"`

	// Backend selects the ssh implementation (native, system).
	Backend string `yaml:"backend" mapstructure:"backend"`

	// KnownHosts enables host key verification when set.
	KnownHosts string `yaml:"known_hosts" mapstructure:"known_hosts"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
}

// DeviceHostConfig describes the machine the Android devices are plugged into.
type DeviceHostConfig struct {
	// Target is user@host[:port].
	Target string `yaml:"target" mapstructure:"target"`
}

// PoolConfig bounds pooled sessions to the bastion.
type PoolConfig struct {
	Capacity int `yaml:"capacity" mapstructure:"capacity"`
}

// ExecutorConfig tunes remote command execution.
type ExecutorConfig struct {
	CommandTimeout  time.Duration `yaml:"command_timeout" mapstructure:"command_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	StderrTailLines int           `yaml:"stderr_tail_lines" mapstructure:"stderr_tail_lines"`
}

// SecretsConfig controls how passwords are obtained.
type SecretsConfig struct {
	// PromptTimeout bounds an interactive prompt; expiry counts as cancellation.
	PromptTimeout time.Duration `yaml:"prompt_timeout" mapstructure:"prompt_timeout"`

	// AllowEnv reads DROIDRIG_PASSWORD and DROIDRIG_PASSWORD_<HOST>.
	AllowEnv bool `yaml:"allow_env" mapstructure:"allow_env"`
}

// TunnelConfig controls the forwarded adb link.
type TunnelConfig struct {
	Port          int           `yaml:"port" mapstructure:"port"`
	ResetSettle   time.Duration `yaml:"reset_settle" mapstructure:"reset_settle"`
	ForwardSettle time.Duration `yaml:"forward_settle" mapstructure:"forward_settle"`
}

// USBIPConfig controls the usbip attach reconciler.
type USBIPConfig struct {
	// DeviceFilter selects rows of `usbipd list` by device description.
	DeviceFilter string        `yaml:"device_filter" mapstructure:"device_filter"`
	BindAttempts int           `yaml:"bind_attempts" mapstructure:"bind_attempts"`
	BindInterval time.Duration `yaml:"bind_interval" mapstructure:"bind_interval"`
	DetachSettle time.Duration `yaml:"detach_settle" mapstructure:"detach_settle"`
	AttachSettle time.Duration `yaml:"attach_settle" mapstructure:"attach_settle"`
	FinalSettle  time.Duration `yaml:"final_settle" mapstructure:"final_settle"`
	// PassRetries is the number of whole-pass retries when nothing attached.
	PassRetries  int           `yaml:"pass_retries" mapstructure:"pass_retries"`
	Sudo         bool          `yaml:"sudo" mapstructure:"sudo"`
}

// BatchConfig controls device action batches.
type BatchConfig struct {
	DeviceTimeout time.Duration `yaml:"device_timeout" mapstructure:"device_timeout"`
	OnlineTimeout time.Duration `yaml:"online_timeout" mapstructure:"online_timeout"`
}

// ActionsConfig locates custom actions and helper scripts.
type ActionsConfig struct {
	// Catalog is a YAML file of custom actions.
	Catalog string `yaml:"catalog" mapstructure:"catalog"`

	// LockScript is the local lock helper uploaded before lock/unlock.
	LockScript string `yaml:"lock_script" mapstructure:"lock_script"`

	// RemoteDir is where helper scripts are uploaded on the bastion.
	RemoteDir string `yaml:"remote_dir" mapstructure:"remote_dir"`
}

// HarnessConfig describes the remote test harness.
type HarnessConfig struct {
	// ScriptPath is the launcher script on the bastion.
	ScriptPath string `yaml:"script_path" mapstructure:"script_path"`

	// LocalScript, when set, is uploaded to ScriptPath before each run.
	LocalScript string `yaml:"local_script" mapstructure:"local_script"`

	// SuitePath is the tools directory of the selected suite.
	SuitePath string `yaml:"suite_path" mapstructure:"suite_path"`

	// SuiteRoot is the parent directory holding extracted suites.
	SuiteRoot string `yaml:"suite_root" mapstructure:"suite_root"`

	LocalServer string `yaml:"local_server" mapstructure:"local_server"`
}

// VPNConfig controls the bastion's VPN checks.
type VPNConfig struct {
	Connection string   `yaml:"connection" mapstructure:"connection"`
	Targets    []string `yaml:"targets" mapstructure:"targets"`
}

// ScreenConfig controls device mirroring and the remote desktop.
type ScreenConfig struct {
	ScrcpyPath   string `yaml:"scrcpy_path" mapstructure:"scrcpy_path"`
	Display      string `yaml:"display" mapstructure:"display"`
	XAuthority   string `yaml:"xauthority" mapstructure:"xauthority"`
	MaxSize      int    `yaml:"max_size" mapstructure:"max_size"`
	ScreenWidth  int    `yaml:"screen_width" mapstructure:"screen_width"`
	ScreenHeight int    `yaml:"screen_height" mapstructure:"screen_height"`
	NoVNCDir     string `yaml:"novnc_dir" mapstructure:"novnc_dir"`
	WebPort      int    `yaml:"web_port" mapstructure:"web_port"`

	// VNCPasswdFile is the x11vnc -rfbauth file on the bastion.
	VNCPasswdFile string `yaml:"vnc_passwd_file" mapstructure:"vnc_passwd_file"`
}

// HistoryConfig controls the local SQLite record of batches.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Path is the database file (default: DataDir/history.db).
	Path string `yaml:"path" mapstructure:"path"`

	BusyTimeoutMs int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	suite := "/home/" + BastionUserPlaceholder + "/GMS-Suite"

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "droidrig"),
			ConfigDir: filepath.Join(homeDir, ".config", "droidrig"),
		},
		Bastion: BastionConfig{
			User:           "user",
			UseKeyAuth:     true,
			KeyPath:        "~/.ssh/id_rsa",
			Backend:        BackendNative,
			ConnectTimeout: 10 * time.Second,
		},
		Pool: PoolConfig{
			Capacity: 3,
		},
		Executor: ExecutorConfig{
			CommandTimeout:  10 * time.Second,
			PollInterval:    500 * time.Millisecond,
			StderrTailLines: 20,
		},
		Secrets: SecretsConfig{
			PromptTimeout: 2 * time.Minute,
			AllowEnv:      true,
		},
		Tunnel: TunnelConfig{
			Port:          5037,
			ResetSettle:   2 * time.Second,
			ForwardSettle: 3 * time.Second,
		},
		USBIP: USBIPConfig{
			DeviceFilter: "Android ADB Interface",
			BindAttempts: 8,
			BindInterval: time.Second,
			DetachSettle: time.Second,
			AttachSettle: 1500 * time.Millisecond,
			FinalSettle:  3 * time.Second,
			PassRetries:  1,
			Sudo:         true,
		},
		Batch: BatchConfig{
			DeviceTimeout: 5 * time.Minute,
			OnlineTimeout: 60 * time.Second,
		},
		Actions: ActionsConfig{
			Catalog:   filepath.Join(homeDir, ".config", "droidrig", "actions.yaml"),
			RemoteDir: suite,
		},
		Harness: HarnessConfig{
			ScriptPath: suite + "/run_GMS_Test_Auto.sh",
			SuiteRoot:  suite,
		},
		Screen: ScreenConfig{
			ScrcpyPath:   "/home/" + BastionUserPlaceholder + "/Software/scrcpy-linux-x86_64-v3.3.4/scrcpy",
			Display:      ":0",
			XAuthority:   "/home/" + BastionUserPlaceholder + "/.Xauthority",
			MaxSize:      800,
			ScreenWidth:  1920,
			ScreenHeight: 1080,
			NoVNCDir:     "/opt/noVNC",
			WebPort:      6080,

			VNCPasswdFile: "~/.vnc/passwd",
		},
		History: HistoryConfig{
			Enabled:       true,
			BusyTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			EnableCaller: false,
		},
	}
}

// Validate checks if the configuration is valid. Hosts are not required here;
// commands that need them call RequireBastion or RequireDeviceHost.
func (c *Config) Validate() error {
	if c.Pool.Capacity < 1 {
		return fmt.Errorf("pool.capacity must be at least 1")
	}

	if c.Executor.PollInterval <= 0 || c.Executor.PollInterval > 500*time.Millisecond {
		return fmt.Errorf("executor.poll_interval must be in (0, 500ms]")
	}

	if c.Bastion.ConnectTimeout <= 0 {
		return fmt.Errorf("bastion.connect_timeout must be positive")
	}

	switch c.Bastion.Backend {
	case BackendNative, BackendSystem:
		// ok
	default:
		return fmt.Errorf("bastion.backend must be one of native, system")
	}

	if c.USBIP.BindAttempts < 1 {
		return fmt.Errorf("usbip.bind_attempts must be at least 1")
	}

	if c.USBIP.PassRetries < 0 {
		return fmt.Errorf("usbip.pass_retries must not be negative")
	}

	if c.Tunnel.Port < 1 || c.Tunnel.Port > 65535 {
		return fmt.Errorf("tunnel.port must be a valid TCP port")
	}

	return nil
}

// RequireBastion reports a MissingError when the bastion is not configured.
func (c *Config) RequireBastion() error {
	if strings.TrimSpace(c.Bastion.Host) == "" {
		return &MissingError{Field: "bastion.host"}
	}
	if strings.TrimSpace(c.Bastion.User) == "" {
		return &MissingError{Field: "bastion.user"}
	}
	return nil
}

// RequireDeviceHost reports a MissingError when no device host is set.
func (c *Config) RequireDeviceHost() error {
	if strings.TrimSpace(c.DeviceHost.Target) == "" {
		return &MissingError{Field: "device_host.target"}
	}
	return nil
}

// RemoteHome joins parts under the bastion user's home directory.
func (c *Config) RemoteHome(parts ...string) string {
	path := "/home/" + c.Bastion.User
	for _, part := range parts {
		part = strings.Trim(part, "/")
		if part != "" {
			path += "/" + part
		}
	}
	return path
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.Global.ConfigDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// HistoryPath returns the full history database path.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(c.Global.DataDir, "history.db")
}
