package main

import (
	"fmt"
	"os"
	"path/filepath"

	"valet/pkg/protocol"
)

// Paths holds all resolved valet state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	ValetHome   string // ~/.valet or VALET_HOME
	PIDPath     string // valet.pid or VALET_PID_PATH
	StateDBPath string // state.db or VALET_DB_PATH
	ConfigPath  string // valet.toml or VALET_CONFIG
	TasksPath   string // tasks.yaml (respects VALET_HOME; config tasks_file overrides)
	LogPath     string // valet.log (respects VALET_HOME)
}

// ResolvePaths returns all valet paths, respecting env var overrides.
// Environment variables:
//   - VALET_HOME: base directory for all valet state (default: ~/.valet)
//   - VALET_PID_PATH: daemon PID file (default: $VALET_HOME/valet.pid)
//   - VALET_DB_PATH: daemon state database (default: $VALET_HOME/state.db)
//   - VALET_CONFIG: daemon config file (default: $VALET_HOME/valet.toml)
func ResolvePaths() (*Paths, error) {
	home, err := resolveValetHome()
	if err != nil {
		return nil, err
	}
	return &Paths{
		ValetHome:   home,
		PIDPath:     resolvePathWithEnv("VALET_PID_PATH", home, "valet.pid"),
		StateDBPath: resolvePathWithEnv("VALET_DB_PATH", home, "state.db"),
		ConfigPath:  resolvePathWithEnv("VALET_CONFIG", home, "valet.toml"),
		TasksPath:   filepath.Join(home, "tasks.yaml"),
		LogPath:     filepath.Join(home, "valet.log"),
	}, nil
}

// resolveValetHome returns the valet home directory from VALET_HOME or ~/.valet.
func resolveValetHome() (string, error) {
	if v := os.Getenv("VALET_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.ValetDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}

// defaultTranscriptsDir is where the claude CLI keeps its own transcript
// store when the config does not point elsewhere.
func defaultTranscriptsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "projects")
}
