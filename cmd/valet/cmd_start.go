package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"valet/pkg/budget"
	"valet/pkg/channel"
	"valet/pkg/checkpoint"
	"valet/pkg/config"
	"valet/pkg/runner"
	"valet/pkg/scheduler"
	"valet/pkg/sessions"

	"github.com/spf13/cobra"
)

// newStartCmd creates the "valet start" subcommand. The daemon runs in the
// foreground; operators background it with their supervisor of choice.
func newStartCmd() *cobra.Command {
	var (
		console bool
		workDir string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the valet daemon (scheduler + session gateway)",
		Long:  "Starts the heartbeat scheduler and, with --console, an interactive\nsession gateway on stdin. Runs in the foreground until signalled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			if err := bootstrapValetHome(paths.ValetHome); err != nil {
				return err
			}

			status, pid, err := DaemonStatus(paths.PIDPath)
			if err != nil {
				return err
			}
			switch status {
			case StatusRunning:
				return fmt.Errorf("valet already running (PID %d)", pid)
			case StatusStale:
				_ = RemovePIDFile(paths.PIDPath)
			case StatusStopped:
				// Good to go.
			}

			cfg, err := config.Load(paths.ConfigPath)
			if err != nil {
				return err
			}
			if workDir == "" {
				workDir, err = os.Getwd()
				if err != nil {
					return fmt.Errorf("get working dir: %w", err)
				}
			}

			logFile, err := os.OpenFile(paths.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			defer logFile.Close()
			log := slog.New(slog.NewTextHandler(logFile, nil))

			if err := WritePIDFile(paths.PIDPath, os.Getpid()); err != nil {
				return err
			}
			shutdownCtx, cleanup := SetupSignalHandler(cmd.Context(), paths.PIDPath)
			defer cleanup()

			db, err := openDB(paths.StateDBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			var adapter channel.Adapter
			if console {
				adapter = channel.NewConsole(cmd.InOrStdin(), cmd.OutOrStdout())
			}

			sch, gw, err := buildDaemon(cfg, paths, db, workDir, adapter, log)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "valet started (PID %d, tick %s)\n", os.Getpid(), cfg.Tick)
			log.Info("daemon starting", "pid", os.Getpid(), "tick", cfg.Tick, "console", console)

			return runDaemon(shutdownCtx, sch, gw)
		},
	}

	cmd.Flags().BoolVar(&console, "console", false, "attach an interactive console session on stdin")
	cmd.Flags().StringVar(&workDir, "dir", "", "default working directory for fresh sessions (default: cwd)")

	return cmd
}

// buildDaemon constructs the scheduler and, when adapter is non-nil, the
// session gateway, sharing one runner, tracker, and ledger between them.
func buildDaemon(cfg *config.Config, paths *Paths, db *sql.DB, workDir string, adapter channel.Adapter, log *slog.Logger) (*scheduler.Scheduler, *channel.Gateway, error) {
	ledger, err := budget.NewLedger(db, cfg.DailyBudget)
	if err != nil {
		return nil, nil, fmt.Errorf("init budget ledger: %w", err)
	}
	profiles := budget.NewProfiles(db, cfg.DefaultProfile)

	tracker := runner.NewTracker()
	spawner := runner.NewExecSpawner(cfg.WorkerCommand)
	run := runner.New(spawner, tracker, ledger, profiles, cfg.AllowedTools, log)

	transcripts := cfg.TranscriptsDir
	if transcripts == "" {
		transcripts = defaultTranscriptsDir()
	}
	store := sessions.NewTranscriptStore(transcripts)
	directory := sessions.NewDirectory(store)
	checkpoints := checkpoint.NewManager(&checkpoint.ExecGitRunner{}, store, log)

	tasksFile := cfg.TasksFile
	if tasksFile == "" {
		tasksFile = paths.TasksPath
	}

	var notifier scheduler.Notifier
	if adapter != nil {
		notifier = &adapterNotifier{adapter: adapter, channel: channel.ConsoleChannel}
	} else {
		notifier = &logNotifier{log: log}
	}

	sch := scheduler.New(scheduler.Config{
		TasksFile:  tasksFile,
		Tick:       cfg.Tick,
		RunTimeout: cfg.RunTimeout,
	}, db, run, &scheduler.ExecScriptRunner{}, ledger, notifier, log)

	var gw *channel.Gateway
	if adapter != nil {
		gw = channel.NewGateway(channel.GatewayConfig{
			DefaultDir: workDir,
			RunTimeout: cfg.RunTimeout,
			Debounce:   cfg.Debounce,
		}, db, run, directory, checkpoints, tracker, adapter, log)
	}

	return sch, gw, nil
}

// runDaemon drives the scheduler and gateway until the context is cancelled
// or either loop fails. A gateway that returns nil (console EOF) leaves the
// scheduler running.
func runDaemon(ctx context.Context, sch *scheduler.Scheduler, gw *channel.Gateway) error {
	errCh := make(chan error, 2)
	go func() { errCh <- sch.Run(ctx) }()
	if gw != nil {
		go func() { errCh <- gw.Run(ctx) }()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// bootstrapValetHome creates the valet state directory with 0700 permissions.
// It is idempotent.
func bootstrapValetHome(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create valet dir %s: %w", dir, err)
	}
	return nil
}

// adapterNotifier delivers scheduler notifications to a messaging channel.
type adapterNotifier struct {
	adapter channel.Adapter
	channel string
}

func (n *adapterNotifier) Notify(text, context string) error {
	if context != "" {
		text = text + "\n" + context
	}
	return n.adapter.SendMessage(n.channel, text)
}

// logNotifier records notifications in the daemon log when no messaging
// channel is attached.
type logNotifier struct {
	log *slog.Logger
}

func (n *logNotifier) Notify(text, context string) error {
	n.log.Info("notify", "text", text, "context", context)
	return nil
}
