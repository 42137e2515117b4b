package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/atomflow/atomflow/pkg/config"
	"github.com/atomflow/atomflow/pkg/stores"
	"github.com/atomflow/atomflow/pkg/telemetry"
)

// dataDir returns the directory holding the run database, work directories
// and the daemon spool: $ATOMFLOW_DATA when set, otherwise
// ~/.local/share/atomflow.
func dataDir() string {
	if dir := os.Getenv("ATOMFLOW_DATA"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".local", "share", "atomflow")
}

func databasePath() string {
	return filepath.Join(dataDir(), "atomflow.db")
}

func spoolDir() string {
	return filepath.Join(dataDir(), "spool")
}

func workRoot() string {
	return filepath.Join(dataDir(), "work")
}

// resolvedConfigPath returns the --config value or the default location.
func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

// loadConfig loads the codes and computers configuration. A missing file is
// only an error when --config named it explicitly; otherwise the localhost
// default applies, so dry runs work on a fresh machine.
func loadConfig() (*config.Config, error) {
	path := resolvedConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if configPath != "" {
			return nil, fmt.Errorf("config file %s does not exist", path)
		}
		return config.Default(), nil
	}
	cfg, err := config.NewLoader().Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore opens the run database, creating and migrating it on first use.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if err := os.MkdirAll(dataDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: databasePath()})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// commandLogger builds the telemetry logger handed to workflow packages.
// It writes to stderr so command output on stdout stays parseable.
func commandLogger() *telemetry.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	}
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  level,
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		return telemetry.NopLogger()
	}
	return logger
}

// printJSON renders a value as indented JSON on stdout.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
