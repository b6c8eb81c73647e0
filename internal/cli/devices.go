package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tOgg1/droidrig/internal/adb"
	"github.com/tOgg1/droidrig/internal/session"
	"github.com/tOgg1/droidrig/internal/ssh"
)

var devicesSelect bool

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.AddCommand(devicesListCmd, devicesSelectCmd, devicesInfoCmd, devicesLockCmd, devicesHostCmd)
	devicesListCmd.Flags().BoolVar(&devicesSelect, "select", false, "save every listed device as the selection")
}

var devicesCmd = &cobra.Command{
	Use:     "devices",
	Aliases: []string{"dev"},
	Short:   "List, inspect and select devices visible to the bastion",
	RunE:    devicesListCmd.RunE,
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices in the device state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		var devices []string
		err = a.withBastion(cmd.Context(), func(s *session.Session) error {
			devices, err = adb.ListDevices(cmd.Context(), s)
			return err
		})
		if err != nil {
			return err
		}
		if devicesSelect {
			a.selection.SetDevices(devices)
			if err := a.saveSelection(); err != nil {
				return err
			}
		}

		if IsJSONOutput() {
			return writeJSON(devices)
		}
		if len(devices) == 0 {
			printWarn("no devices online")
			return nil
		}
		selected := make(map[string]bool)
		for _, d := range a.selection.Devices {
			selected[d] = true
		}
		rows := make([][]string, 0, len(devices))
		for _, d := range devices {
			rows = append(rows, []string{d, formatYesNo(selected[d])})
		}
		return writeTable(os.Stdout, []string{"SERIAL", "SELECTED"}, rows)
	},
}

var devicesSelectCmd = &cobra.Command{
	Use:   "select [SERIAL...]",
	Short: "Save the device selection (no arguments clears it)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		a.selection.SetDevices(args)
		if err := a.saveSelection(); err != nil {
			return err
		}
		if IsJSONOutput() {
			return writeJSON(a.selection)
		}
		if len(a.selection.Devices) == 0 {
			printOK("selection cleared")
			return nil
		}
		printOK("selected %s", a.selection.String())
		return nil
	},
}

var devicesInfoCmd = &cobra.Command{
	Use:   "info SERIAL",
	Short: "Show build and system properties of a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		var info adb.Info
		err = a.withBastion(cmd.Context(), func(s *session.Session) error {
			info, err = adb.CollectInfo(cmd.Context(), s, args[0])
			return err
		})
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return writeJSON(info)
		}
		fmt.Fprintln(os.Stdout, titleStyle.Render(info.Serial))
		rows := make([][]string, 0, len(info.Fields))
		for _, f := range info.Fields {
			value := f.Value
			if f.Error != "" {
				value = failStyle.Render(f.Error)
			}
			rows = append(rows, []string{f.Label, value})
		}
		return writeTable(os.Stdout, nil, rows)
	},
}

var devicesLockCmd = &cobra.Command{
	Use:   "lock-status [SERIAL...]",
	Short: "Show bootloader lock state from the verified boot state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		devices, err := a.resolveDevices(cmd.Context(), args, len(args) == 0 && !a.selection.HasDevices())
		if err != nil {
			return err
		}
		var statuses []adb.LockStatus
		err = a.withBastion(cmd.Context(), func(s *session.Session) error {
			for _, d := range devices {
				st, err := adb.QueryLock(cmd.Context(), s, d)
				if err != nil && cmd.Context().Err() != nil {
					return err
				}
				statuses = append(statuses, st)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return writeJSON(statuses)
		}
		rows := make([][]string, 0, len(statuses))
		for _, st := range statuses {
			rows = append(rows, []string{st.Serial, string(st.State), st.Raw})
		}
		return writeTable(os.Stdout, []string{"SERIAL", "STATE", "VERIFIEDBOOTSTATE"}, rows)
	},
}

var devicesHostCmd = &cobra.Command{
	Use:   "host [user@host[:port]]",
	Short: "Show or set the device host the devices are plugged into",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			host := a.sessions.DeviceHost()
			if IsJSONOutput() {
				return writeJSON(map[string]string{"device_host": host.String()})
			}
			if host.IsZero() {
				printWarn("no device host set")
				return nil
			}
			fmt.Fprintln(os.Stdout, host.String())
			return nil
		}
		target, err := ssh.ParseTarget(args[0])
		if err != nil {
			return err
		}
		a.sessions.SetDeviceHost(target)
		a.selection.SetDeviceHost(args[0])
		if err := a.saveSelection(); err != nil {
			return err
		}
		printOK("device host set to %s", target)
		return nil
	},
}
