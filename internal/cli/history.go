package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var historyLimit int

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd)
	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of batches to show")
}

var errHistoryDisabled = errors.New("history is disabled (history.enabled: false)")

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect previously run batches",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent batches, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		store, err := a.historyStore()
		if err != nil {
			return err
		}
		if store == nil {
			return errHistoryDisabled
		}
		batches, err := store.List(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return writeJSON(batches)
		}
		if len(batches) == 0 {
			fmt.Fprintln(os.Stdout, mutedStyle.Render("no batches recorded"))
			return nil
		}
		rows := make([][]string, 0, len(batches))
		for _, b := range batches {
			rows = append(rows, []string{
				b.ID,
				b.Action,
				status(b.Success),
				fmt.Sprintf("%d/%d", b.DeviceCount-b.FailedCount, b.DeviceCount),
				b.StartedAt.Local().Format("2006-01-02 15:04:05"),
				formatDuration(b.FinishedAt.Sub(b.StartedAt)),
			})
		}
		return writeTable(os.Stdout, []string{"ID", "ACTION", "STATUS", "OK", "STARTED", "TIME"}, rows)
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show per-device results of one batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		store, err := a.historyStore()
		if err != nil {
			return err
		}
		if store == nil {
			return errHistoryDisabled
		}
		res, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return writeJSON(res)
		}
		printBatchSummary(res)
		return nil
	},
}
