package main

import (
	"fmt"
	"os"

	"valet/pkg/checkpoint"

	"github.com/spf13/cobra"
)

// newCheckpointsCmd creates the "valet checkpoints" subcommand.
func newCheckpointsCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List pre-turn checkpoints in a working directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				var err error
				dir, err = os.Getwd()
				if err != nil {
					return fmt.Errorf("get working dir: %w", err)
				}
			}

			mgr := checkpoint.NewManager(&checkpoint.ExecGitRunner{}, nil, nil)
			cps, err := mgr.List(cmd.Context(), dir)
			if err != nil {
				return err
			}
			if len(cps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no checkpoints")
				return nil
			}
			for _, cp := range cps {
				fmt.Fprintf(cmd.OutOrStdout(), "%.12s  %s\n", cp.ID, cp.Label)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "working directory (default: cwd)")

	return cmd
}
