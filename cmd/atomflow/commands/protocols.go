package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atomflow/atomflow/pkg/plugins"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

func newProtocolsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "protocols [engine]",
		Short: "List the protocols of the relax engines",
		Long: `List the named protocols an engine accepts. A protocol maps to a
curated set of numerical settings: cutoffs, k-point density and
convergence thresholds. Without an engine argument the protocol names
of every engine are listed.`,
		Example: `  # Protocols of one engine, with descriptions
  atomflow protocols quantum_espresso

  # Protocol names of every engine
  atomflow protocols`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return printEngineProtocols(args[0])
			}
			return printAllProtocols()
		},
	}

	return cmd
}

func printEngineProtocols(engine string) error {
	impl, err := plugins.LoadRelax(engine)
	if err != nil {
		return err
	}
	provider, ok := impl.(relax.ProtocolProvider)
	if !ok {
		return fmt.Errorf("engine %s does not publish its protocols", engine)
	}
	registry := provider.Protocols()

	if jsonOutput {
		protocols := make(map[string]interface{}, len(registry.Names()))
		for _, name := range registry.Names() {
			description, _ := registry.Description(name)
			protocols[name] = map[string]interface{}{
				"description": description,
				"default":     name == registry.Default(),
			}
		}
		return printJSON(map[string]interface{}{
			"engine":    engine,
			"protocols": protocols,
		})
	}

	fmt.Printf("Protocols of %s (default: %s):\n", engine, registry.Default())
	for _, name := range registry.Names() {
		description, _ := registry.Description(name)
		if description == "" {
			fmt.Printf("  %s\n", name)
			continue
		}
		fmt.Printf("  %-28s %s\n", name, description)
	}
	return nil
}

func printAllProtocols() error {
	if jsonOutput {
		engines := make(map[string]interface{})
		for _, engine := range plugins.RelaxEngines() {
			impl, err := plugins.LoadRelax(engine)
			if err != nil {
				continue
			}
			if provider, ok := impl.(relax.ProtocolProvider); ok {
				registry := provider.Protocols()
				engines[engine] = map[string]interface{}{
					"protocols": registry.Names(),
					"default":   registry.Default(),
				}
			}
		}
		return printJSON(engines)
	}

	for _, engine := range plugins.RelaxEngines() {
		impl, err := plugins.LoadRelax(engine)
		if err != nil {
			continue
		}
		provider, ok := impl.(relax.ProtocolProvider)
		if !ok {
			continue
		}
		registry := provider.Protocols()
		fmt.Printf("%-18s %s (default: %s)\n",
			engine, strings.Join(registry.Names(), ", "), registry.Default())
	}
	return nil
}
