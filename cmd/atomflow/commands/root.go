package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	_ "github.com/atomflow/atomflow/pkg/plugins/all"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "atomflow",
		Short: "Atomflow - Common Materials Science Workflows",
		Long: `Atomflow runs common materials-science workflows through one interface
across interchangeable quantum engines.

Features:
  - Structure relaxation, equation of state, dissociation curves,
    band structures and phonons as engine-agnostic workflows
  - Named protocols (fast, moderate, precise) mapping to curated
    numerical settings per engine
  - SQLite-backed records of runs, jobs, events and outputs
  - Spool daemon for asynchronous submission with Prometheus metrics
  - Rego policy gating of workflow requests`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "codes and computers config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newLaunchCommand())
	rootCmd.AddCommand(newPlotCommand())
	rootCmd.AddCommand(newEnginesCommand())
	rootCmd.AddCommand(newProtocolsCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newCodesCommand())
	rootCmd.AddCommand(newDaemonCommand())

	return rootCmd
}
