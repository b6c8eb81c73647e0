package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/droidrig/internal/usbip"
)

func init() {
	rootCmd.AddCommand(usbipCmd)
	usbipCmd.AddCommand(usbipAttachCmd, usbipDetachCmd, usbipStatusCmd)
}

var usbipCmd = &cobra.Command{
	Use:   "usbip",
	Short: "Share the Windows device host's USB devices with the bastion",
}

var usbipAttachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Bind matching devices on the device host and attach them on the bastion",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		if err := a.requireDeviceHost(); err != nil {
			return err
		}
		rep, err := a.usbip.Attach(cmd.Context())
		if IsJSONOutput() {
			if werr := writeJSON(rep); werr != nil {
				return werr
			}
			return err
		}
		printUSBReport(rep)
		return err
	},
}

var usbipDetachCmd = &cobra.Command{
	Use:   "detach",
	Short: "Detach every port attached from the device host",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		if err := a.usbip.Detach(cmd.Context()); err != nil {
			return err
		}
		if !IsJSONOutput() {
			printOK("usb devices detached")
		}
		return nil
	},
}

var usbipStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List usbipd devices on the device host",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		devices, err := a.usbip.Status(cmd.Context())
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return writeJSON(devices)
		}
		rows := make([][]string, 0, len(devices))
		for _, d := range devices {
			rows = append(rows, []string{d.BusID, d.VIDPID, d.State.String(), d.Description})
		}
		return writeTable(os.Stdout, []string{"BUSID", "VID:PID", "STATE", "DEVICE"}, rows)
	},
}

func printUSBReport(rep usbip.Report) {
	fmt.Fprintf(os.Stdout, "found %d, bound %d, attached %d in %d pass(es)\n",
		len(rep.Found), len(rep.Bound), len(rep.Attached), rep.Passes)
	if len(rep.Attached) > 0 {
		printOK("attached %s", strings.Join(rep.Attached, ", "))
	}
	for _, f := range rep.Failed {
		fmt.Fprintf(os.Stdout, "%s %s: %s\n", failStyle.Render("x"), f.BusID, f.Reason)
	}
}
