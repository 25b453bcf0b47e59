package main

import (
	"fmt"
	"os"
	"time"

	"valet/pkg/config"
	"valet/pkg/eventlog"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "valet status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon state, budget, and active profile",
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
			case StatusRunning:
				fmt.Fprintf(cmd.OutOrStdout(), "daemon: running (PID %d)\n", pid)
			case StatusStale:
				fmt.Fprintf(cmd.OutOrStdout(), "daemon: stale PID file (PID %d is dead)\n", pid)
			case StatusStopped:
				fmt.Fprintln(cmd.OutOrStdout(), "daemon: stopped")
			}

			cfg, err := config.Load(paths.ConfigPath)
			if err != nil {
				return err
			}

			if _, statErr := os.Stat(paths.StateDBPath); statErr != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "state: no database yet")
				return nil
			}
			reader, err := eventlog.NewReader(paths.StateDBPath)
			if err != nil {
				return err
			}
			defer reader.Close()

			ctx := cmd.Context()
			day := time.Now().Format("2006-01-02")
			used, err := reader.BudgetToday(ctx, day)
			if err != nil {
				return err
			}
			if cfg.DailyBudget > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "budget: %.2f / %.2f units today\n", used, cfg.DailyBudget)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "budget: %.2f units today (no limit)\n", used)
			}

			profile, err := reader.Setting(ctx, "active_profile")
			if err != nil {
				return err
			}
			if profile == "" {
				profile = cfg.DefaultProfile
			}
			if profile == "" {
				profile = "(worker default)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "profile: %s\n", profile)
			return nil
		},
	}
}
