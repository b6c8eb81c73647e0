// Package cli implements the droidrig command tree.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/droidrig/internal/config"
	"github.com/tOgg1/droidrig/internal/logging"
)

const shutdownTimeout = 15 * time.Second

var (
	cfgFile    string
	logLevel   string
	logFormat  string
	jsonOutput bool
	deviceHost string

	appConfig      *config.Config
	configFileUsed string
	current        *app
)

var rootCmd = &cobra.Command{
	Use:   "droidrig",
	Short: "Drive an Android test-device fleet through a bastion",
	Long: `droidrig runs device actions, USB/IP attachment, adb tunnelling and
compliance test suites against Android devices reachable through a Linux
bastion host.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		// Runners and action hooks pick this up through logging.FromContext.
		logger := logging.Component("cli").With().Str("command", cmd.CommandPath()).Logger()
		cmd.SetContext(logging.WithContext(cmd.Context(), logger))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/droidrig/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override logging format (json, console)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&deviceHost, "device-host", "", "device host as user@host[:port] (overrides the saved context)")
}

// Execute runs the command tree. Pooled sessions are drained on the way out,
// including when ctx is cancelled by a signal.
func Execute(ctx context.Context, version string) error {
	rootCmd.Version = version
	defer shutdown()
	return rootCmd.ExecuteContext(ctx)
}

func initConfig() error {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader.SetConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	logCfg := logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       os.Stderr,
		EnableCaller: cfg.Logging.EnableCaller,
	}
	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logCfg.Output = f
	}
	logging.Init(logCfg)

	if err := cfg.EnsureDirectories(); err != nil {
		logging.Warn().Err(err).Msg("failed to create directories")
	}
	if used := loader.ConfigFileUsed(); used != "" {
		logging.Debug().Str("config_file", used).Msg("loaded config file")
		configFileUsed = used
	}
	appConfig = cfg
	return nil
}

// GetConfig returns the loaded configuration.
func GetConfig() *config.Config {
	return appConfig
}

// IsJSONOutput reports whether --json was given.
func IsJSONOutput() bool {
	return jsonOutput
}

// getApp builds the shared runtime on first use.
func getApp() (*app, error) {
	if current != nil {
		return current, nil
	}
	a, err := newApp(appConfig, config.NewContextStore(filepath.Join(appConfig.Global.ConfigDir, "context.yaml")), deviceHost)
	if err != nil {
		return nil, err
	}
	current = a
	return a, nil
}

func shutdown() {
	if current == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	current.shutdown(ctx)
	current = nil
}
