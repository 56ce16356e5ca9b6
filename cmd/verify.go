package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/ghyeongl/filemirror/mirror"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [FILENAME...]",
	Short: "Check local copies against their recorded SHA-256",
	Long:  "Verify the named files, or every recorded file when none are given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		if len(args) == 0 {
			args = lo.Map(a.meta.List(), func(r mirror.FileRecord, _ int) string { return r.Filename })
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		bad := 0
		for _, name := range args {
			res, err := a.meta.Verify(name)
			switch {
			case err != nil:
				bad++
				fmt.Fprintf(tw, "%s\tERROR\t%v\n", name, err)
			case !res.Valid:
				bad++
				fmt.Fprintf(tw, "%s\tFAIL\t%s\n", name, res.Error)
			default:
				fmt.Fprintf(tw, "%s\tOK\t%s\n", name, res.ActualHash)
			}
		}
		tw.Flush() //nolint:errcheck

		if bad > 0 {
			return fmt.Errorf("%d of %d files failed verification", bad, len(args))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
