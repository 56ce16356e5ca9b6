package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local storage totals and file server health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		snap := a.meta.Snapshot()
		health := a.remote.HealthCheck(cmd.Context())

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "storage:   %s\n", cfg.StorageDir)
		fmt.Fprintf(out, "files:     %d (%s)\n", snap.TotalFiles, humanize.Bytes(uint64(max(snap.TotalSize, 0))))
		if snap.LastSync != nil {
			fmt.Fprintf(out, "last sync: %s (%s)\n", snap.LastSync.Format("2006-01-02 15:04:05"), humanize.Time(*snap.LastSync))
		} else {
			fmt.Fprintln(out, "last sync: never")
		}
		fmt.Fprintf(out, "server:    %s - %s\n", health.Status, health.Message)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
