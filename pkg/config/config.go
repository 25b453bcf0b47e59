// Package config loads the valet daemon configuration (TOML) and the task
// definition file (YAML). All duration fields are written as strings in the
// files ("60s", "30m") and parsed at load time so a bad value fails fast
// instead of surfacing mid-run.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Defaults applied by Load when the file omits a field.
const (
	DefaultWorkerCommand = "claude"
	DefaultTick          = 60 * time.Second
	DefaultDebounce      = 5 * time.Second
	DefaultRunTimeout    = 10 * time.Minute
)

// Config is the resolved daemon configuration.
type Config struct {
	// WorkerCommand is the executable spawned per run.
	WorkerCommand string

	// TranscriptsDir is the root of the worker's own transcript store.
	// Empty means the worker's default location.
	TranscriptsDir string

	// TasksFile is the path to the YAML task definitions.
	TasksFile string

	// DailyBudget is the per-day cost unit limit. Zero disables the gate.
	DailyBudget float64

	// DefaultProfile is the execution profile used when a task or channel
	// does not override it, and the target of automatic fallback.
	DefaultProfile string

	// AllowedTools is the capability allow-list passed to the worker.
	AllowedTools []string

	// Channels enumerates the messaging channel identities the daemon
	// serves. The console adapter is always available.
	Channels []string

	Tick       time.Duration // scheduler tick
	Debounce   time.Duration // queue debounce window
	RunTimeout time.Duration // per-run worker timeout
}

// fileConfig is the on-disk TOML shape. Durations are strings so operators
// can write "90s" or "15m".
type fileConfig struct {
	WorkerCommand  string   `toml:"worker_command"`
	TranscriptsDir string   `toml:"transcripts_dir"`
	TasksFile      string   `toml:"tasks_file"`
	DailyBudget    float64  `toml:"daily_budget"`
	DefaultProfile string   `toml:"default_profile"`
	AllowedTools   []string `toml:"allowed_tools"`
	Channels       []string `toml:"channels"`
	TickInterval   string   `toml:"tick_interval"`
	Debounce       string   `toml:"debounce"`
	RunTimeout     string   `toml:"run_timeout"`
}

// Load reads and validates the daemon config. A missing file yields the
// defaults rather than an error so a fresh install works with no setup.
func Load(path string) (*Config, error) {
	var doc fileConfig
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg, err := doc.resolve()
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// resolve applies defaults and parses the duration strings.
func (doc fileConfig) resolve() (*Config, error) {
	cfg := &Config{
		WorkerCommand:  doc.WorkerCommand,
		TranscriptsDir: doc.TranscriptsDir,
		TasksFile:      doc.TasksFile,
		DailyBudget:    doc.DailyBudget,
		DefaultProfile: doc.DefaultProfile,
		AllowedTools:   doc.AllowedTools,
		Channels:       doc.Channels,
	}
	if cfg.WorkerCommand == "" {
		cfg.WorkerCommand = DefaultWorkerCommand
	}
	if cfg.DailyBudget < 0 {
		return nil, fmt.Errorf("daily_budget must not be negative, got %v", cfg.DailyBudget)
	}
	var err error
	if cfg.Tick, err = parseDuration("tick_interval", doc.TickInterval, DefaultTick); err != nil {
		return nil, err
	}
	if cfg.Debounce, err = parseDuration("debounce", doc.Debounce, DefaultDebounce); err != nil {
		return nil, err
	}
	if cfg.RunTimeout, err = parseDuration("run_timeout", doc.RunTimeout, DefaultRunTimeout); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, raw)
	}
	return d, nil
}
