package main

import (
	"fmt"

	"valet/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root valet command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "valet",
		Short:         "Valet personal automation daemon",
		Long:          "valet runs scheduled tasks and interactive sessions against a\nstreaming agent worker, with budgets, checkpoints, and a run ledger.",
		Version:       fmt.Sprintf("valet %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newTasksCmd(),
		newRunsCmd(),
		newProfileCmd(),
		newCheckpointsCmd(),
		newRollbackCmd(),
		newSendCmd(),
	)

	return cmd
}
