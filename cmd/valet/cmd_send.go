package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"valet/pkg/budget"
	"valet/pkg/config"
	"valet/pkg/protocol"
	"valet/pkg/runner"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// newSendCmd creates the "valet send" subcommand: a one-shot worker turn
// without the daemon, sharing the daemon's budget ledger and run history.
func newSendCmd() *cobra.Command {
	var (
		dir   string
		fresh bool
	)

	cmd := &cobra.Command{
		Use:   "send <text>...",
		Short: "Run a single worker turn and print the output",
		Long:  "Continues the most recent conversation in the directory, or starts a\nfresh one with --new. Cost is charged against the daily budget.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			if err := bootstrapValetHome(paths.ValetHome); err != nil {
				return err
			}
			cfg, err := config.Load(paths.ConfigPath)
			if err != nil {
				return err
			}
			if dir == "" {
				dir, err = os.Getwd()
				if err != nil {
					return fmt.Errorf("get working dir: %w", err)
				}
			}

			db, err := openDB(paths.StateDBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			ledger, err := budget.NewLedger(db, cfg.DailyBudget)
			if err != nil {
				return err
			}
			profiles := budget.NewProfiles(db, cfg.DefaultProfile)
			run := runner.New(runner.NewExecSpawner(cfg.WorkerCommand),
				runner.NewTracker(), ledger, profiles, cfg.AllowedTools, nil)

			req := runner.Request{
				Channel:      "cli",
				Instructions: strings.Join(args, " "),
				Dir:          dir,
				Handle:       protocol.HandleLatest,
				Mode:         runner.ModeLatest,
				Timeout:      cfg.RunTimeout,
			}
			if fresh {
				req.Handle = uuid.NewString()
				req.Mode = runner.ModeCreate
			}
			if isatty.IsTerminal(os.Stderr.Fd()) {
				req.OnProgress = func(status string) {
					fmt.Fprintf(cmd.ErrOrStderr(), "… %s\n", status)
				}
			}

			started := time.Now()
			res, err := run.Run(cmd.Context(), req)
			recordCLIRun(db, req.Channel, protocol.StatusForError(err), res, started)

			if res != nil && res.Output != "" {
				fmt.Fprintln(cmd.OutOrStdout(), res.Output)
			}
			if res != nil && res.FallbackWarning != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), res.FallbackWarning.Error())
			}
			return err
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "working directory (default: cwd)")
	cmd.Flags().BoolVar(&fresh, "new", false, "start a fresh conversation")

	return cmd
}

// recordCLIRun appends a one-shot turn to the shared run history.
func recordCLIRun(db *sql.DB, channel string, status protocol.RunStatus, res *runner.Result, started time.Time) {
	var cost float64
	var preview string
	if res != nil {
		cost = res.CostUnits
		preview = res.Output
		if runes := []rune(preview); len(runes) > 400 {
			preview = string(runes[:400])
		}
	}
	_, _ = db.Exec(
		`INSERT INTO task_runs (task_name, channel, status, preview, cost_units, started_at, ended_at)
		 VALUES ('', ?, ?, ?, ?, ?, ?)`,
		channel, string(status), preview, cost,
		started.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339))
}
