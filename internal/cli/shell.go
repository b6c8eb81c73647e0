package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/droidrig/internal/session"
	"github.com/tOgg1/droidrig/internal/ssh"
)

var shellDeviceHost bool

func init() {
	rootCmd.AddCommand(shellCmd)
	shellCmd.Flags().BoolVar(&shellDeviceHost, "device-host", false, "open the shell on the device host instead of the bastion")
}

var shellCmd = &cobra.Command{
	Use:   "shell [-- COMMAND...]",
	Short: "Open an interactive shell on the bastion",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		remoteCmd := strings.Join(args, " ")

		run := func(s *session.Session) error {
			sh, ok := s.Client.(ssh.Interactive)
			if !ok {
				return errors.New("ssh backend does not support interactive shells")
			}
			code, err := sh.Shell(cmd.Context(), remoteCmd, ssh.Terminal{In: os.Stdin, Out: os.Stdout})
			if err != nil {
				return err
			}
			if code != 0 {
				return fmt.Errorf("remote shell exited with code %d", code)
			}
			return nil
		}

		if shellDeviceHost {
			if err := a.requireDeviceHost(); err != nil {
				return err
			}
			s, err := a.sessions.ConnectDeviceHost(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			return run(s)
		}
		return a.withBastion(cmd.Context(), run)
	},
}
