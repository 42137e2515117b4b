package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/atomflow/atomflow/pkg/config"
	"github.com/atomflow/atomflow/pkg/executor"
	"github.com/atomflow/atomflow/pkg/transports"
)

func newCodesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codes",
		Short: "Inspect configured codes and computers",
		Long: `Inspect the codes and computers declared in the configuration file and
verify that the configured executables are actually reachable.`,
	}

	cmd.AddCommand(newCodesListCommand())
	cmd.AddCommand(newCodesTestCommand())

	return cmd
}

func newCodesListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured codes",
		Long: `List every code from the configuration file together with the engine it
drives and the computer it runs on.`,
		Example: `  # All configured codes
  atomflow codes list`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cfg.Codes)
			}
			if len(cfg.Codes) == 0 {
				fmt.Println("No codes configured. Run 'atomflow init' and edit the configuration file.")
				return nil
			}

			fmt.Printf("%-32s  %-18s  %-14s  %s\n", "LABEL", "ENGINE", "COMPUTER", "EXECUTABLE")
			for i := range cfg.Codes {
				code := &cfg.Codes[i]
				fmt.Printf("%-32s  %-18s  %-14s  %s\n",
					code.FullLabel(), code.Engine, code.Computer, code.Executable)
			}
			return nil
		},
	}

	return cmd
}

func newCodesTestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test [COMPUTER]",
		Short: "Probe computers and verify code executables",
		Long: `Connect to each configured computer (or just the named one), collect
operating system, CPU and scratch facts, and check that every code
configured for it resolves to an existing executable. Collected facts
are cached in the local database.`,
		Example: `  # Probe everything
  atomflow codes test

  # Probe a single computer
  atomflow codes test hpc-cluster`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.Computers) == 0 {
				return fmt.Errorf("no computers configured")
			}

			computers := cfg.Computers
			if len(args) == 1 {
				computer, err := cfg.ComputerFor(args[0])
				if err != nil {
					return err
				}
				computers = []config.Computer{*computer}
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			logger := commandLogger()
			exec := executor.NewExecutor(cfg, workRoot(), logger)
			defer exec.Close()

			prober := transports.NewProber(store, logger)

			reports := make([]*transports.ProbeReport, 0, len(computers))
			failed := 0
			for i := range computers {
				computer := &computers[i]
				log.Info().Str("computer", computer.Name).Msg("Probing computer")

				t, err := exec.TransportFor(computer)
				if err != nil {
					fmt.Printf("✗ %s: %v\n", computer.Name, err)
					failed++
					continue
				}

				report, err := prober.Probe(ctx, t, computer, codesFor(cfg, computer.Name))
				if err != nil {
					fmt.Printf("✗ %s: %v\n", computer.Name, err)
					failed++
					continue
				}
				reports = append(reports, report)
				if !jsonOutput {
					printProbeReport(report)
				}
			}

			if jsonOutput {
				if err := printJSON(reports); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d computers failed the probe", failed, len(computers))
			}
			return nil
		},
	}

	return cmd
}

func codesFor(cfg *config.Config, computer string) []config.Code {
	var codes []config.Code
	for _, code := range cfg.Codes {
		if code.Computer == computer {
			codes = append(codes, code)
		}
	}
	return codes
}

func printProbeReport(report *transports.ProbeReport) {
	fmt.Printf("Computer %s\n", report.Computer)
	if report.OS != nil {
		fmt.Printf("  OS:      %s %s (%s, %s)\n",
			report.OS.Distribution, report.OS.Version, report.OS.Kernel, report.OS.Architecture)
	}
	if report.CPU != nil {
		fmt.Printf("  CPU:     %d cores", report.CPU.Count)
		if report.CPU.Model != "" {
			fmt.Printf(" (%s)", report.CPU.Model)
		}
		fmt.Println()
	}
	if report.Scratch != nil {
		fmt.Printf("  Scratch: %s, %d%% used, %.1f GB free\n",
			report.Scratch.Path, report.Scratch.UsePercent,
			float64(report.Scratch.AvailableKB)/(1024*1024))
	}
	for _, code := range report.Codes {
		mark := "✓"
		if !code.Present {
			mark = "✗"
		}
		fmt.Printf("  %s code %s (%s): %s\n", mark, code.Label, code.Engine, code.Executable)
	}
	for _, warning := range report.Warnings {
		fmt.Printf("  ! %s\n", warning)
	}
}
