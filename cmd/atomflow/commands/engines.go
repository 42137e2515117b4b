package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atomflow/atomflow/pkg/plugins"
)

func newEnginesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engines",
		Short: "List the registered quantum engines",
		Long: `List every registered engine implementation and the workflow entry
point it serves. Relax engines also drive the equation of state,
dissociation curve and phonon workflows.`,
		Example: `  # Show all engines
  atomflow engines

  # Machine-readable entry points
  atomflow engines --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				return printJSON(map[string][]string{
					"relax": plugins.RelaxEntryPoints(),
					"bands": plugins.BandsEntryPoints(),
				})
			}

			fmt.Println("Relax engines (also serve eos, dissociation-curve and phonons):")
			for _, name := range plugins.RelaxEngines() {
				fmt.Printf("  %-18s %s\n", name, plugins.RelaxPrefix+name)
			}
			fmt.Println("\nBands engines:")
			for _, name := range plugins.BandsEngines() {
				fmt.Printf("  %-18s %s\n", name, plugins.BandsPrefix+name)
			}
			return nil
		},
	}

	return cmd
}
