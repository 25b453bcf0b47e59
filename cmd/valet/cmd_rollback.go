package main

import (
	"fmt"
	"os"

	"valet/pkg/checkpoint"
	"valet/pkg/config"
	"valet/pkg/sessions"

	"github.com/spf13/cobra"
)

// newRollbackCmd creates the "valet rollback" subcommand.
func newRollbackCmd() *cobra.Command {
	var (
		dir    string
		handle string
	)

	cmd := &cobra.Command{
		Use:   "rollback <checkpoint-id>",
		Short: "Reset a working directory to a checkpoint",
		Long:  "Hard-resets the directory to the checkpoint commit. With --handle,\nalso truncates that conversation's transcript back to the checkpoint.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				var err error
				dir, err = os.Getwd()
				if err != nil {
					return fmt.Errorf("get working dir: %w", err)
				}
			}

			var store *sessions.TranscriptStore
			if handle != "" {
				paths, err := ResolvePaths()
				if err != nil {
					return err
				}
				cfg, err := config.Load(paths.ConfigPath)
				if err != nil {
					return err
				}
				transcripts := cfg.TranscriptsDir
				if transcripts == "" {
					transcripts = defaultTranscriptsDir()
				}
				store = sessions.NewTranscriptStore(transcripts)
			}

			mgr := checkpoint.NewManager(&checkpoint.ExecGitRunner{}, store, nil)
			if err := mgr.Rollback(cmd.Context(), dir, args[0], handle); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back to %.12s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "working directory (default: cwd)")
	cmd.Flags().StringVar(&handle, "handle", "", "conversation handle whose transcript should be truncated")

	return cmd
}
