package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/droidrig/internal/actions"
	"github.com/tOgg1/droidrig/internal/batch"
	"github.com/tOgg1/droidrig/internal/logging"
)

var (
	actionDevices []string
	actionAll     bool
	actionParams  []string
	actionList    bool
	runCommand    string
)

func init() {
	rootCmd.AddCommand(actionCmd, runCmd)

	for _, c := range []*cobra.Command{actionCmd, runCmd} {
		c.Flags().StringArrayVarP(&actionDevices, "device", "d", nil, "target device serial (repeatable)")
		c.Flags().BoolVar(&actionAll, "all", false, "target every online device")
	}
	actionCmd.Flags().StringArrayVarP(&actionParams, "param", "p", nil, "action parameter as key=value (repeatable)")
	actionCmd.Flags().BoolVar(&actionList, "list", false, "list available actions")
	runCmd.Flags().StringVar(&runCommand, "cmd", "", "command template; {{.Device}} is the serial")
	_ = runCmd.MarkFlagRequired("cmd")
}

var actionCmd = &cobra.Command{
	Use:   "action NAME",
	Short: "Run a named action across devices",
	Long: `Run a built-in or catalog action on each target device in turn.

Targets are --device serials, every online device with --all, or the
saved selection.`,
	Example: `  droidrig action reboot --all
  droidrig action wifi -d R58M123 -p ssid=Lab -p password=secret
  droidrig action --list`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		if actionList || len(args) == 0 {
			return listActions(a.registry)
		}
		params, err := parseParams(actionParams)
		if err != nil {
			return err
		}
		return runAction(cmd.Context(), a, args[0], params)
	},
}

var runCmd = &cobra.Command{
	Use:     "run",
	Short:   "Run an ad-hoc command template across devices",
	Example: `  droidrig run --all --cmd 'adb -s {{quote .Device}} shell getprop ro.build.id'`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		return runAction(cmd.Context(), a, "shell", actions.Params{"cmd": runCommand})
	},
}

func listActions(r *actions.Registry) error {
	defs := r.List()
	if IsJSONOutput() {
		type entry struct {
			Name        string   `json:"name"`
			Description string   `json:"description"`
			Params      []string `json:"params,omitempty"`
		}
		out := make([]entry, 0, len(defs))
		for _, d := range defs {
			out = append(out, entry{Name: d.Name, Description: d.Description, Params: d.Params})
		}
		return writeJSON(out)
	}
	rows := make([][]string, 0, len(defs))
	for _, d := range defs {
		rows = append(rows, []string{d.Name, strings.Join(d.Params, ","), d.Description})
	}
	return writeTable(os.Stdout, []string{"ACTION", "PARAMS", "DESCRIPTION"}, rows)
}

func runAction(ctx context.Context, a *app, name string, params actions.Params) error {
	action, err := a.registry.Build(name, a.actionEnv(), params)
	if err != nil {
		return err
	}
	devices, err := a.resolveDevices(ctx, actionDevices, actionAll)
	if err != nil {
		return err
	}

	var output func(string, string, bool)
	if !IsJSONOutput() {
		output = printLine
	}
	res, err := a.batchRunner(output).Run(ctx, devices, action)
	if err != nil && !res.PreconditionFailed {
		return err
	}
	recordBatch(ctx, a, res)

	if IsJSONOutput() {
		if werr := writeJSON(res); werr != nil {
			return werr
		}
	} else {
		printBatchSummary(res)
	}
	if err != nil {
		return err
	}
	return res.Err()
}

// recordBatch stores res in the history database. Failures are logged, not
// returned: a broken history file must not fail the action.
func recordBatch(ctx context.Context, a *app, res *batch.Result) {
	log := logging.WithBatch(logging.FromContext(ctx), res.ID, res.Action)
	store, err := a.historyStore()
	if err != nil {
		log.Warn().Err(err).Msg("history unavailable")
		return
	}
	if store == nil {
		return
	}
	// Recorded even when ctx was cancelled mid-batch.
	if err := store.Record(context.WithoutCancel(ctx), res); err != nil {
		log.Warn().Err(err).Msg("failed to record batch")
	}
}

func printBatchSummary(res *batch.Result) {
	fmt.Fprintln(os.Stdout)
	fmt.Fprintln(os.Stdout, titleStyle.Render(res.Action))
	rows := make([][]string, 0, len(res.Devices))
	for _, d := range res.Devices {
		detail := d.Error
		if detail == "" && d.StderrTail != "" {
			detail = lastLine(d.StderrTail)
		}
		rows = append(rows, []string{
			d.Device,
			status(d.Success),
			fmt.Sprintf("%d", d.ExitCode),
			formatDuration(d.Duration),
			detail,
		})
	}
	if len(rows) > 0 {
		_ = writeTable(os.Stdout, []string{"DEVICE", "STATUS", "EXIT", "TIME", "DETAIL"}, rows)
	}

	if res.PostError != "" {
		printWarn("post check: %s", res.PostError)
	}
	if res.Cancelled {
		printWarn("cancelled")
	}
	if res.Success {
		printOK("%s succeeded on %d device(s)", res.Action, len(res.Devices))
	}
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
