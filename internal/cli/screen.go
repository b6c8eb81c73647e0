package cli

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/droidrig/internal/screen"
	"github.com/tOgg1/droidrig/internal/session"
)

const portCheckTimeout = 3 * time.Second

var (
	screenDevices []string
	screenAll     bool
)

func init() {
	rootCmd.AddCommand(screenCmd, desktopCmd)
	screenCmd.AddCommand(screenStartCmd, screenStopCmd)
	desktopCmd.AddCommand(desktopStartCmd, desktopStopCmd)
	for _, c := range []*cobra.Command{screenStartCmd, screenStopCmd} {
		c.Flags().StringArrayVarP(&screenDevices, "device", "d", nil, "device serial (repeatable)")
		c.Flags().BoolVar(&screenAll, "all", false, "every online device")
	}
}

var screenCmd = &cobra.Command{
	Use:   "screen",
	Short: "Mirror device screens onto the bastion desktop with scrcpy",
}

var screenStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Open a tiled scrcpy window per device",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		devices, err := a.resolveDevices(cmd.Context(), screenDevices, screenAll)
		if err != nil {
			return err
		}
		var res *screen.MirrorResult
		err = a.withBastion(cmd.Context(), func(s *session.Session) error {
			res, err = a.mirror.Start(cmd.Context(), s, devices)
			return err
		})
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			failed := make(map[string]string, len(res.Failed))
			for d, e := range res.Failed {
				failed[d] = e.Error()
			}
			return writeJSON(map[string]any{
				"started":         res.Started,
				"already_running": res.AlreadyRunning,
				"failed":          failed,
			})
		}
		for _, d := range res.Started {
			printOK("mirroring %s", d)
		}
		for _, d := range res.AlreadyRunning {
			fmt.Fprintln(os.Stdout, mutedStyle.Render(d+" already mirrored"))
		}
		failed := make([]string, 0, len(res.Failed))
		for d := range res.Failed {
			failed = append(failed, d)
		}
		sort.Strings(failed)
		for _, d := range failed {
			fmt.Fprintf(os.Stdout, "%s %s: %v\n", failStyle.Render("x"), d, res.Failed[d])
		}
		if len(failed) > 0 {
			return fmt.Errorf("%d mirror(s) failed to start", len(failed))
		}
		return nil
	},
}

var screenStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Close scrcpy windows",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		devices, err := a.resolveDevices(cmd.Context(), screenDevices, screenAll)
		if err != nil {
			return err
		}
		var stopped []string
		err = a.withBastion(cmd.Context(), func(s *session.Session) error {
			stopped, err = a.mirror.Stop(cmd.Context(), s, devices)
			return err
		})
		if IsJSONOutput() {
			if werr := writeJSON(map[string][]string{"stopped": stopped}); werr != nil {
				return werr
			}
			return err
		}
		for _, d := range stopped {
			printOK("stopped %s", d)
		}
		return err
	},
}

var desktopCmd = &cobra.Command{
	Use:   "desktop",
	Short: "Serve the bastion desktop over noVNC",
}

var desktopStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start x11vnc and the noVNC proxy on the bastion",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		var info *screen.DesktopInfo
		err = a.withBastion(cmd.Context(), func(s *session.Session) error {
			info, err = a.desktop.Start(cmd.Context(), s)
			return err
		})
		if err != nil {
			return err
		}
		url := info.URL(a.cfg.Bastion.Host)
		reachable := screen.PortOpen(cmd.Context(), a.cfg.Bastion.Host, info.WebPort, portCheckTimeout)
		if IsJSONOutput() {
			return writeJSON(map[string]any{
				"vnc_port":  info.VNCPort,
				"web_port":  info.WebPort,
				"url":       url,
				"reachable": reachable,
			})
		}
		printOK("desktop at %s", url)
		if !reachable {
			printWarn("port %d is not reachable from here; check the bastion firewall", info.WebPort)
		}
		return nil
	},
}

var desktopStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop x11vnc and the noVNC proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		err = a.withBastion(cmd.Context(), func(s *session.Session) error {
			return a.desktop.Stop(cmd.Context(), s)
		})
		if err != nil {
			return err
		}
		if !IsJSONOutput() {
			printOK("desktop stopped")
		}
		return nil
	},
}
