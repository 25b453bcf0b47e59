package main

import (
	"fmt"
	"os"

	"valet/pkg/config"
	"valet/pkg/eventlog"

	"github.com/spf13/cobra"
)

// newProfileCmd creates the "valet profile" subcommand.
func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show the active execution profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			cfg, err := config.Load(paths.ConfigPath)
			if err != nil {
				return err
			}

			active := ""
			if _, statErr := os.Stat(paths.StateDBPath); statErr == nil {
				reader, err := eventlog.NewReader(paths.StateDBPath)
				if err != nil {
					return err
				}
				defer reader.Close()
				active, err = reader.Setting(cmd.Context(), "active_profile")
				if err != nil {
					return err
				}
			}
			if active == "" {
				active = cfg.DefaultProfile
			}
			if active == "" {
				active = "(worker default)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "active profile: %s\n", active)
			return nil
		},
	}

	cmd.AddCommand(newProfileSetCmd())

	return cmd
}

// newProfileSetCmd creates "valet profile set <name>". The daemon reads the
// persisted profile at startup, so a running daemon picks the change up on
// its next restart.
func newProfileSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name>",
		Short: "Persist the active execution profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			if err := bootstrapValetHome(paths.ValetHome); err != nil {
				return err
			}

			db, err := openDB(paths.StateDBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			_, err = db.ExecContext(cmd.Context(),
				`INSERT INTO settings (key, value) VALUES (?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
				"active_profile", args[0])
			if err != nil {
				return fmt.Errorf("persist profile: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "active profile set to %q\n", args[0])
			return nil
		},
	}
}
