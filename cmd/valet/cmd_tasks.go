package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"valet/pkg/eventlog"

	"github.com/spf13/cobra"
)

// newTasksCmd creates the "valet tasks" subcommand.
func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List scheduled tasks and their last outcome",
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

			states, err := reader.TaskStates(cmd.Context())
			if err != nil {
				return err
			}
			if len(states) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no tasks have run yet")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tLAST RUN\tSTATUS\tPREVIEW")
			for _, st := range states {
				last := "never"
				if !st.LastRun.IsZero() {
					last = st.LastRun.Local().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.Name, last, st.LastStatus, oneLine(st.LastPreview, 60))
			}
			return w.Flush()
		},
	}
}
