package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/atomflow/atomflow/pkg/config"
)

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the atomflow workspace",
		Long: `Initialize the atomflow workspace: create the data directories, the
SQLite database and a starter configuration file with a commented
example of a computer and a code.`,
		Example: `  # Initialize with defaults
  atomflow init

  # Recreate the starter configuration file
  atomflow init --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			for _, dir := range []string{dataDir(), spoolDir(), workRoot()} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			store.Close()
			fmt.Printf("✓ Initialized SQLite database: %s\n", databasePath())

			path := resolvedConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("✓ Config file already exists: %s\n", path)
			} else {
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return fmt.Errorf("failed to create config directory: %w", err)
				}
				if err := os.WriteFile(path, []byte(config.Skeleton()), 0o644); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
				fmt.Printf("✓ Created config file: %s\n", path)
			}

			fmt.Printf("\n✅ Workspace initialized successfully!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Edit %s to declare your computers and codes\n", path)
			fmt.Printf("  2. Validate it: atomflow validate\n")
			fmt.Printf("  3. Probe your computers: atomflow codes test\n")
			fmt.Printf("  4. Launch a workflow: atomflow launch relax quantum_espresso -X pw@localhost\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
