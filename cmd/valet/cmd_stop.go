package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// stopTimeout bounds how long "valet stop" waits for the daemon to exit.
const stopTimeout = 10 * time.Second

// newStopCmd creates the "valet stop" subcommand.
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Graceful shutdown of the valet daemon",
		Long:  "Sends SIGTERM to the daemon and waits for it to exit.\nIn-flight worker runs are aborted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}

			status, pid, err := DaemonStatus(paths.PIDPath)
			if err != nil {
				return err
			}

			switch status {
			case StatusStopped:
				fmt.Fprintln(cmd.OutOrStdout(), "valet is not running")
				return nil
			case StatusStale:
				fmt.Fprintln(cmd.OutOrStdout(), "removing stale PID file (process already dead)")
				return RemovePIDFile(paths.PIDPath)
			case StatusRunning:
				fmt.Fprintf(cmd.OutOrStdout(), "sending SIGTERM to valet (PID %d)\n", pid)
				if err := StopDaemon(paths.PIDPath, stopTimeout); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "valet stopped")
				return nil
			}

			return nil
		},
	}
}
