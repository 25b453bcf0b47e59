package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"valet/pkg/eventlog"

	"github.com/spf13/cobra"
)

// newRunsCmd creates the "valet runs" subcommand.
func newRunsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent run history (newest first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			if _, err := os.Stat(paths.StateDBPath); err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no state database yet; start the daemon first")
				return nil
			}

			reader, err := eventlog.NewReader(paths.StateDBPath)
			if err != nil {
				return err
			}
			defer reader.Close()

			runs, err := reader.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tORIGIN\tSTATUS\tCOST\tPREVIEW")
			for _, run := range runs {
				origin := run.TaskName
				if origin == "" {
					origin = run.Channel
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\n",
					run.StartedAt.Local().Format("01-02 15:04"),
					origin, run.Status, run.CostUnits, oneLine(run.Preview, 50))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum rows to show")

	return cmd
}

// oneLine collapses text to a single line truncated to max runes.
func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
