package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		if IsJSONOutput() {
			return writeJSON(cfg)
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file in use",
	RunE: func(cmd *cobra.Command, args []string) error {
		used := configFileUsed
		if used == "" {
			used = "(none, using defaults)"
		}
		if IsJSONOutput() {
			return writeJSON(map[string]string{"config_file": configFileUsed})
		}
		fmt.Fprintln(os.Stdout, used)
		return nil
	},
}
