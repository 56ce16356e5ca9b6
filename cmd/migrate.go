package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateStatusOnly bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Fold the legacy uploads directory into local storage",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if migrateStatusOnly {
			st, err := a.migrator.Status()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "uploaded: %d  migrated: %d  remaining: %d\n", st.TotalUploaded, st.TotalMigrated, st.Remaining)
			return nil
		}

		res, err := a.migrator.Migrate(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(out, res.Message)
		if res.Skipped > 0 {
			fmt.Fprintf(out, "  %d already present, skipped\n", res.Skipped)
		}
		for _, f := range res.Failed {
			fmt.Fprintf(out, "  failed: %s: %s\n", f.Filename, f.Error)
		}
		if len(res.Failed) > 0 {
			return fmt.Errorf("%d files failed to migrate", len(res.Failed))
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateStatusOnly, "status", false, "only report what would be migrated")
	rootCmd.AddCommand(migrateCmd)
}
