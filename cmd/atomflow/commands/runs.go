package commands

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/atomflow/atomflow/pkg/runtime"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and manage recorded runs",
		Long: `List, inspect, archive and restore the workflow runs recorded in the
local database. Every launch leaves a run record with its jobs, events
and outputs; archiving additionally packs the working directory.`,
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	cmd.AddCommand(newRunsArchiveCommand())
	cmd.AddCommand(newRunsRestoreCommand())

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		workflow string
		engine   string
		status   string
		limit    int
		offset   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs",
		Long: `List recorded runs, newest first. Filters narrow by workflow kind,
engine name or run status.`,
		Example: `  # The most recent runs
  atomflow runs list

  # Finished equations of state
  atomflow runs list --workflow eos --status succeeded

  # Everything a specific engine ran
  atomflow runs list --engine quantum_espresso --limit 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(ctx, optional(workflow), optional(engine), optional(status), limit, offset)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}

			if jsonOutput {
				return printJSON(runs)
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}

			fmt.Printf("%-36s  %-18s  %-18s  %-10s  %-9s  %s\n",
				"ID", "WORKFLOW", "ENGINE", "FORMULA", "STATUS", "STARTED")
			for _, run := range runs {
				fmt.Printf("%-36s  %-18s  %-18s  %-10s  %-9s  %s\n",
					run.ID, run.Workflow, run.Engine, run.Formula,
					run.Status, run.StartedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workflow, "workflow", "", "filter by workflow kind")
	cmd.Flags().StringVar(&engine, "engine", "", "filter by engine name")
	cmd.Flags().StringVar(&status, "status", "", "filter by run status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	var (
		showEvents  bool
		eventsLimit int
	)

	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show one run in detail",
		Long: `Show a run's record: its parameters, job breakdown, recorded output
ports and, on request, the event timeline.`,
		Example: `  # Run summary with jobs and outputs
  atomflow runs show <run-id>

  # Include the event timeline
  atomflow runs show <run-id> --events`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to load run: %w", err)
			}
			jobs, err := store.ListJobsByRun(ctx, run.ID)
			if err != nil {
				return fmt.Errorf("failed to load jobs: %w", err)
			}
			outputs, err := store.GetOutputs(ctx, run.ID)
			if err != nil {
				return fmt.Errorf("failed to load outputs: %w", err)
			}

			var events []*runtime.Event
			if showEvents {
				runID := run.ID
				events, err = store.ListEvents(ctx, &runID, nil, eventsLimit, 0)
				if err != nil {
					return fmt.Errorf("failed to load events: %w", err)
				}
			}

			if jsonOutput {
				doc := map[string]interface{}{
					"run":     run,
					"jobs":    jobs,
					"outputs": outputs,
				}
				if showEvents {
					doc["events"] = events
				}
				return printJSON(doc)
			}

			printRun(run)
			printJobs(jobs)
			if len(outputs) > 0 {
				fmt.Println()
				printOutputSummary(outputs)
			}
			if showEvents {
				printEvents(events)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showEvents, "events", false, "include the event timeline")
	cmd.Flags().IntVar(&eventsLimit, "events-limit", 100, "maximum number of events to show")

	return cmd
}

func newRunsArchiveCommand() *cobra.Command {
	var dest string

	cmd := &cobra.Command{
		Use:   "archive RUN_ID",
		Short: "Archive a run's working directory",
		Long: `Pack the run's working directory into a zstd-compressed tar. The run
record stays in the database; the archive preserves input and output
files of every calculation job.`,
		Example: `  # Archive next to the current directory
  atomflow runs archive <run-id>

  # Explicit destination
  atomflow runs archive <run-id> -o backups/silicon-eos.tar.zst`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			log.Info().Str("run_id", args[0]).Msg("Archiving run")

			path, err := store.ArchiveRun(ctx, args[0], dest)
			if err != nil {
				return fmt.Errorf("failed to archive run: %w", err)
			}
			fmt.Printf("✓ Archived run %s to %s\n", args[0], path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dest, "output-file", "o", "", "archive path (default <run-id>.tar.zst)")

	return cmd
}

func newRunsRestoreCommand() *cobra.Command {
	var dest string

	cmd := &cobra.Command{
		Use:   "restore RUN_ID ARCHIVE",
		Short: "Restore an archived working directory",
		Long: `Unpack an archived working directory and point the run record at the
restored location.`,
		Example: `  # Restore under the data directory
  atomflow runs restore <run-id> silicon-eos.tar.zst`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			target := dest
			if target == "" {
				target = filepath.Join(workRoot(), args[0])
			}

			log.Info().Str("run_id", args[0]).Str("dest", target).Msg("Restoring run")

			if err := store.RestoreRun(ctx, args[0], args[1], target); err != nil {
				return fmt.Errorf("failed to restore run: %w", err)
			}
			fmt.Printf("✓ Restored run %s to %s\n", args[0], target)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dest, "dest", "C", "", "directory to unpack into (default under the data directory)")

	return cmd
}

func printRun(run *runtime.Run) {
	fmt.Printf("Run %s\n", run.ID)
	fmt.Printf("  Workflow:  %s\n", run.Workflow)
	fmt.Printf("  Engine:    %s\n", run.Engine)
	if run.Protocol != "" {
		fmt.Printf("  Protocol:  %s\n", run.Protocol)
	}
	if run.Formula != "" {
		fmt.Printf("  Formula:   %s\n", run.Formula)
	}
	fmt.Printf("  Status:    %s\n", run.Status)
	fmt.Printf("  Started:   %s\n", run.StartedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Printf("  Completed: %s (%s)\n",
			run.CompletedAt.Format(time.RFC3339), run.Duration.Round(time.Millisecond))
	}
	if run.User != "" {
		fmt.Printf("  User:      %s\n", run.User)
	}
	if run.WorkDir != "" {
		fmt.Printf("  Work dir:  %s\n", run.WorkDir)
	}
	if message, ok := run.Metadata["exit_message"].(string); ok {
		fmt.Printf("  Exit:      %s\n", message)
	}
}

func printJobs(jobs []*runtime.Job) {
	if len(jobs) == 0 {
		return
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].ExecutionOrder != jobs[j].ExecutionOrder {
			return jobs[i].ExecutionOrder < jobs[j].ExecutionOrder
		}
		return jobs[i].Name < jobs[j].Name
	})

	fmt.Printf("\nJobs (%d):\n", len(jobs))
	for _, job := range jobs {
		duration := ""
		if job.CompletedAt != nil && !job.StartedAt.IsZero() {
			duration = job.CompletedAt.Sub(job.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Printf("  %-20s %-9s %s\n", job.Name, job.Status, duration)
	}
}

func printEvents(events []*runtime.Event) {
	if len(events) == 0 {
		return
	}
	fmt.Printf("\nEvents (%d):\n", len(events))
	for _, event := range events {
		fmt.Printf("  %s  %-14s %s\n",
			event.Timestamp.Format("15:04:05"), event.Type, event.Message)
	}
}

// optional turns a flag value into the nullable filter the store takes.
func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
