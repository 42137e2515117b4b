package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atomflow/atomflow/pkg/config"
	"github.com/atomflow/atomflow/pkg/plugins"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate the codes and computers configuration file: schema, field
constraints and cross-references between codes and computers. Engine
entry points that no installed engine serves are reported as warnings.`,
		Example: `  # Validate the default configuration
  atomflow validate

  # Validate an explicit file
  atomflow validate -c ./config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolvedConfigPath()
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("configuration file %s does not exist (run 'atomflow init' first)", path)
			}

			cfg, err := config.NewLoader().Load(path)
			if err != nil {
				return fmt.Errorf("configuration is invalid: %w", err)
			}

			warnings := engineWarnings(cfg)

			if jsonOutput {
				return printJSON(map[string]interface{}{
					"path":      path,
					"valid":     true,
					"computers": len(cfg.Computers),
					"codes":     len(cfg.Codes),
					"warnings":  warnings,
				})
			}

			fmt.Printf("✓ %s is valid\n", path)
			fmt.Printf("  %d computers, %d codes\n", len(cfg.Computers), len(cfg.Codes))
			for _, warning := range warnings {
				fmt.Printf("  ! %s\n", warning)
			}
			return nil
		},
	}

	return cmd
}

// engineWarnings flags codes whose engine entry point no installed engine
// serves. The configuration schema cannot know the engine names, so this
// check lives here, next to the plugin registry.
func engineWarnings(cfg *config.Config) []string {
	known := make(map[string]bool)
	for _, name := range plugins.RelaxEngines() {
		known[name] = true
	}
	for _, name := range plugins.BandsEngines() {
		known[name] = true
	}
	known["phonopy"] = true

	var warnings []string
	for i := range cfg.Codes {
		code := &cfg.Codes[i]
		engine, _, _ := strings.Cut(code.Engine, ".")
		if !known[engine] {
			warnings = append(warnings,
				fmt.Sprintf("code %s: no installed engine serves %q", code.FullLabel(), code.Engine))
		}
	}
	return warnings
}
