package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass against the file server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		res, err := a.syncer.SyncAll(cmd.Context(), cfg.SyncConcurrency)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, res.Message)
		for _, f := range res.Failed {
			fmt.Fprintf(out, "  failed: %s: %s\n", f.Filename, f.Error)
		}
		if len(res.Failed) > 0 {
			return fmt.Errorf("%d of %d files failed", len(res.Failed), res.Total)
		}
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download FILENAME...",
	Short: "Download specific files from the file server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		res := a.syncer.DownloadBatch(cmd.Context(), args, cfg.SyncConcurrency)
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, res.Message)
		for _, rec := range res.Successful {
			fmt.Fprintf(out, "  %s  %s\n", rec.Hash, rec.Filename)
		}
		for _, f := range res.Failed {
			fmt.Fprintf(out, "  failed: %s: %s\n", f.Filename, f.Error)
		}
		return res.Err()
	},
}

func init() {
	rootCmd.AddCommand(syncCmd, downloadCmd)
}
