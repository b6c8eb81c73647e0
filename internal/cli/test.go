package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/droidrig/internal/harness"
	"github.com/tOgg1/droidrig/internal/logging"
	"github.com/tOgg1/droidrig/internal/remote"
	"github.com/tOgg1/droidrig/internal/session"
	"github.com/tOgg1/droidrig/internal/vpn"
)

const stopGrace = 15 * time.Second

var (
	testType        string
	testModule      string
	testCase        string
	testRetry       string
	testSuitePath   string
	testLocalServer string
	testDevices     []string
	testAll         bool
	testStopType    string
)

func init() {
	rootCmd.AddCommand(testCmd)
	testCmd.AddCommand(testStartCmd, testStopCmd)

	f := testStartCmd.Flags()
	f.StringVarP(&testType, "type", "t", "cts", "suite type ("+strings.Join(harness.Types(), ", ")+")")
	f.StringVarP(&testModule, "module", "m", "", "test module")
	f.StringVarP(&testCase, "case", "c", "", "test case within the module")
	f.StringVar(&testRetry, "retry", "", "retry a previous result directory")
	f.StringVar(&testSuitePath, "suite-path", "", "suite tools directory (default: resolved under harness.suite_root)")
	f.StringVar(&testLocalServer, "local-server", "", "local server address passed to the launcher")
	f.StringArrayVarP(&testDevices, "device", "d", nil, "device serial (repeatable)")
	f.BoolVar(&testAll, "all", false, "shard across every online device")

	testStopCmd.Flags().StringVarP(&testStopType, "type", "t", "", "suite type to kill (default: the running one)")
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run compatibility test suites on the bastion",
}

var testStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a test run and stream its output",
	Example: `  droidrig test start -t cts -m CtsMediaTestCases --all
  droidrig test start -t gts --retry ~/results/2024.01.02_10.11.12`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		devices, err := a.resolveDevices(ctx, testDevices, testAll)
		if err != nil {
			return err
		}

		opts := harness.Options{
			Script:      a.cfg.Harness.ScriptPath,
			Type:        testType,
			Module:      testModule,
			Case:        testCase,
			RetryDir:    testRetry,
			Devices:     devices,
			SuitePath:   firstNonEmpty(testSuitePath, a.cfg.Harness.SuitePath),
			SuiteRoot:   a.cfg.Harness.SuiteRoot,
			LocalServer: firstNonEmpty(testLocalServer, a.cfg.Harness.LocalServer),
		}

		err = a.withBastion(ctx, func(s *session.Session) error {
			if len(a.cfg.VPN.Targets) > 0 {
				if st, err := vpn.Status(ctx, s, a.cfg.VPN.Targets); err == nil && st != vpn.Connected {
					printWarn("VPN looks disconnected; suites that need the lab network may fail")
				}
			}
			if opts.SuitePath == "" && opts.SuiteRoot != "" {
				path, err := harness.ResolveSuitePath(ctx, s, opts.SuiteRoot, opts.Type)
				if err != nil {
					return err
				}
				opts.SuitePath = path
			}
			return nil
		})
		if err != nil {
			return err
		}

		log := logging.FromContext(ctx)
		log.Info().Str("type", opts.Type).Strs("devices", devices).Msg("starting test run")
		res, err := a.harness.Start(ctx, opts, func(l remote.Line) {
			printLine(opts.Type, l.Text, l.Stderr)
		})
		if err != nil {
			return err
		}
		if res.Cancelled {
			// The stream ended locally; tradefed keeps running unless killed.
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopGrace)
			if _, err := a.harness.Stop(stopCtx, opts.Type); err != nil {
				log.Warn().Err(err).Msg("failed to kill tradefed after cancel")
			}
			cancel()
		}
		if IsJSONOutput() {
			return writeJSON(res)
		}
		switch {
		case res.Cancelled:
			printWarn("test run stopped after %s", formatDuration(res.Duration))
		case res.ExitCode == 0:
			printOK("test run finished in %s", formatDuration(res.Duration))
		default:
			return fmt.Errorf("test run exited with code %d after %s", res.ExitCode, formatDuration(res.Duration))
		}
		return nil
	},
}

var testStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Kill a running tradefed process on the bastion",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		t := testStopType
		if t == "" && !a.harness.Running() {
			t = "cts"
		}
		stopped, err := a.harness.Stop(cmd.Context(), t)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return writeJSON(map[string]bool{"stopped": stopped})
		}
		if stopped {
			printOK("test run stopped")
		} else {
			printWarn("no %s run was active", t)
		}
		return nil
	},
}
