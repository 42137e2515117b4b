package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atomflow/atomflow/pkg/analysis"
	"github.com/atomflow/atomflow/pkg/launch"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows/dissociation"
	"github.com/atomflow/atomflow/pkg/workflows/eos"
)

func newPlotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plot",
		Short: "Plot the results of a finished run",
		Long: `Render the curve of a finished equation of state or dissociation curve
run, or print it as a plain-text table.`,
	}

	cmd.AddCommand(newPlotEOSCommand())
	cmd.AddCommand(newPlotDissociationCommand())

	return cmd
}

func newPlotEOSCommand() *cobra.Command {
	var (
		printTable bool
		precisions []int
		outputFile string
	)

	cmd := &cobra.Command{
		Use:   "eos RUN_ID",
		Short: "Plot an equation of state",
		Long: `Plot the energy-volume curve of a finished equation of state run,
together with a Birch-Murnaghan fit through the sampled points. The
image format follows the output file extension (.png, .svg, .pdf).`,
		Example: `  # Fit and plot to eos-<run-id>.png
  atomflow plot eos 2f1c9c39-8d54-4e61-a6a8-3c1f27b9e911

  # Vector output and a table on stdout
  atomflow plot eos <run-id> -o silicon-eos.svg
  atomflow plot eos <run-id> --print-table -p 4 -p 6`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			volumes, energies, err := curveOutputs(cmd.Context(), args[0], launch.WorkflowEOS)
			if err != nil {
				return err
			}

			if printTable {
				table, err := analysis.FormatTable(
					[]string{"Volume (Å^3)", "Energy (eV)"},
					[][]float64{volumes, energies}, precisions)
				if err != nil {
					return err
				}
				fmt.Print(table)
				return nil
			}

			fit, err := analysis.FitBirchMurnaghan(volumes, energies)
			if err != nil {
				return fmt.Errorf("failed to fit the equation of state (try --print-table): %w", err)
			}

			if outputFile == "" {
				outputFile = fmt.Sprintf("eos-%s.png", shortID(args[0]))
			}
			path, err := analysis.SaveEOSPlot(volumes, energies, fit, outputFile)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{
					"plot":    path,
					"E0_eV":   fit.E0,
					"V0_A3":   fit.V0,
					"B0_GPa":  fit.B0GPa(),
					"B01":     fit.B01,
					"rmse_eV": fit.RMSE,
				})
			}
			fmt.Printf("✓ Saved plot: %s\n", path)
			fmt.Printf("  E0 = %.6f eV\n", fit.E0)
			fmt.Printf("  V0 = %.4f Å^3\n", fit.V0)
			fmt.Printf("  B0 = %.2f GPa\n", fit.B0GPa())
			fmt.Printf("  B'0 = %.3f\n", fit.B01)
			return nil
		},
	}

	cmd.Flags().BoolVar(&printTable, "print-table", false, "print the curve as a table instead of plotting")
	cmd.Flags().IntSliceVarP(&precisions, "precisions", "p", nil, "decimal places per table column")
	cmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "plot file path, extension selects the format")

	return cmd
}

func newPlotDissociationCommand() *cobra.Command {
	var (
		printTable bool
		precisions []int
		outputFile string
	)

	cmd := &cobra.Command{
		Use:   "dissociation-curve RUN_ID",
		Short: "Plot a dissociation curve",
		Long: `Plot the energy against bond distance of a finished dissociation curve
run. Distances whose calculation failed are simply absent from the
curve.`,
		Example: `  # Plot to dissociation-<run-id>.png
  atomflow plot dissociation-curve <run-id>

  # Table output with three decimals on both columns
  atomflow plot dissociation-curve <run-id> --print-table -p 3 -p 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			distances, energies, err := curveOutputs(cmd.Context(), args[0], launch.WorkflowDissociationCurve)
			if err != nil {
				return err
			}

			if printTable {
				table, err := analysis.FormatTable(
					[]string{"Distance (Å)", "Energy (eV)"},
					[][]float64{distances, energies}, precisions)
				if err != nil {
					return err
				}
				fmt.Print(table)
				return nil
			}

			if outputFile == "" {
				outputFile = fmt.Sprintf("dissociation-%s.png", shortID(args[0]))
			}
			path, err := analysis.SaveDissociationPlot(distances, energies, outputFile)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{"plot": path, "points": len(distances)})
			}
			fmt.Printf("✓ Saved plot: %s (%d points)\n", path, len(distances))
			return nil
		},
	}

	cmd.Flags().BoolVar(&printTable, "print-table", false, "print the curve as a table instead of plotting")
	cmd.Flags().IntSliceVarP(&precisions, "precisions", "p", nil, "decimal places per table column")
	cmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "plot file path, extension selects the format")

	return cmd
}

// curveOutputs loads a finished run of the expected workflow and returns
// its sampled curve.
func curveOutputs(ctx context.Context, runID, workflow string) (x, y []float64, err error) {
	store, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer store.Close()

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load run: %w", err)
	}
	if run.Workflow != workflow {
		return nil, nil, fmt.Errorf("run %s is a %s workflow, not %s", runID, run.Workflow, workflow)
	}

	outputs, err := store.GetOutputs(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load run outputs: %w", err)
	}
	if len(outputs) == 0 {
		return nil, nil, fmt.Errorf("run %s has no recorded outputs (status %s)", runID, run.Status)
	}
	result := &runtime.Result{Outputs: outputs}

	switch workflow {
	case launch.WorkflowEOS:
		parsed, err := eos.OutputsFrom(result)
		if err != nil {
			return nil, nil, err
		}
		x, y = parsed.Curve()
	case launch.WorkflowDissociationCurve:
		parsed, err := dissociation.OutputsFrom(result)
		if err != nil {
			return nil, nil, err
		}
		x, y = parsed.Curve()
	default:
		return nil, nil, fmt.Errorf("workflow %s has no curve to plot", workflow)
	}

	if len(x) == 0 {
		return nil, nil, fmt.Errorf("run %s produced no curve points", runID)
	}
	return x, y, nil
}

// shortID shortens a UUID to its first segment for file names.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
