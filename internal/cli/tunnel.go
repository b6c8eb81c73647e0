package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(tunnelCmd)
	tunnelCmd.AddCommand(tunnelStartCmd, tunnelStopCmd)
}

var tunnelCmd = &cobra.Command{
	Use:   "tunnel",
	Short: "Forward the device host's adb server to the bastion",
}

var tunnelStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the adb reverse tunnel and list the devices it exposes",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		if err := a.requireDeviceHost(); err != nil {
			return err
		}
		devices, err := a.tunnel.Start(cmd.Context())
		if IsJSONOutput() {
			if werr := writeJSON(map[string]any{"devices": devices, "running": a.tunnel.Running()}); werr != nil {
				return werr
			}
			return err
		}
		if err != nil {
			return err
		}
		printOK("tunnel up through %s", a.sessions.DeviceHost())
		for _, d := range devices {
			fmt.Fprintln(os.Stdout, "  "+d)
		}
		return nil
	},
}

var tunnelStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Tear down the tunnel and restore the bastion's adb server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		if err := a.tunnel.Stop(cmd.Context()); err != nil {
			return err
		}
		if !IsJSONOutput() {
			printOK("tunnel stopped")
			return nil
		}
		return writeJSON(map[string]bool{"running": false})
	},
}
