package cli

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tOgg1/droidrig/internal/netroute"
)

func init() {
	rootCmd.AddCommand(routeCmd)
	routeCmd.AddCommand(routeCheckCmd)
}

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Diagnose routing between the bastion and the device host",
}

var routeCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the bastion and device host share a subnet",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		if err := a.requireDeviceHost(); err != nil {
			return err
		}
		platform := netroute.Linux
		if runtime.GOOS == "windows" {
			platform = netroute.Windows
		}
		rep := netroute.Check(a.cfg.Bastion.Host, a.sessions.DeviceHost().Host, platform)
		if IsJSONOutput() {
			return writeJSON(rep)
		}
		if rep.Reachable {
			printOK("bastion %s and device host %s can reach each other", a.cfg.Bastion.Host, a.sessions.DeviceHost().Host)
			return nil
		}
		printWarn("bastion (%s) and device host (%s) are on different subnets", rep.BastionNet, rep.DeviceHostNet)
		fmt.Fprintln(os.Stdout, "Add a route on this machine:")
		for _, s := range rep.Suggestions {
			fmt.Fprintln(os.Stdout, "  "+s)
		}
		return nil
	},
}
