package cli

import (
	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload LOCAL REMOTE",
	Short: "Copy a local file to the bastion over SFTP",
	Long: `Copy a local file to the bastion. A leading ~/ in REMOTE is the
bastion user's home; missing parent directories are created.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		if err := a.uploader.Upload(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		if IsJSONOutput() {
			return writeJSON(map[string]string{"local": args[0], "remote": args[1]})
		}
		printOK("uploaded %s", args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}
