package cli

import (
	"github.com/spf13/cobra"

	"github.com/tOgg1/droidrig/internal/session"
	"github.com/tOgg1/droidrig/internal/vpn"
)

var vpnConnection string

func init() {
	rootCmd.AddCommand(vpnCmd)
	vpnCmd.AddCommand(vpnStatusCmd, vpnConnectCmd)
	vpnConnectCmd.Flags().StringVar(&vpnConnection, "name", "", "NetworkManager connection (default: vpn.connection)")
}

var vpnCmd = &cobra.Command{
	Use:   "vpn",
	Short: "Check or bring up the bastion's VPN",
}

var vpnStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe the configured VPN targets from the bastion",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		var st vpn.State
		err = a.withBastion(cmd.Context(), func(s *session.Session) error {
			st, err = vpn.Status(cmd.Context(), s, a.cfg.VPN.Targets)
			return err
		})
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return writeJSON(map[string]vpn.State{"state": st})
		}
		if st == vpn.Connected {
			printOK("vpn connected")
		} else {
			printWarn("vpn disconnected")
		}
		return nil
	},
}

var vpnConnectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Bring up the VPN connection with nmcli",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		name := firstNonEmpty(vpnConnection, a.cfg.VPN.Connection)
		var res vpn.ConnectResult
		err = a.withBastion(cmd.Context(), func(s *session.Session) error {
			res, err = vpn.Connect(cmd.Context(), s, name)
			return err
		})
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return writeJSON(res)
		}
		if res.AlreadyActive {
			printOK("%s was already active", name)
		} else {
			printOK("%s connected", name)
		}
		return nil
	},
}
