package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/atomflow/atomflow/pkg/daemon"
	"github.com/atomflow/atomflow/pkg/executor"
	"github.com/atomflow/atomflow/pkg/launch"
	"github.com/atomflow/atomflow/pkg/policy"
	"github.com/atomflow/atomflow/pkg/telemetry"
)

func newDaemonCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the background workflow daemon",
		Long: `Run the daemon that watches the spool directory and launches workflow
requests submitted with 'atomflow launch ... --daemon'. The daemon
exposes Prometheus metrics and can gate requests with Rego policies.`,
	}

	cmd.AddCommand(newDaemonRunCommand())
	cmd.AddCommand(newDaemonSweepCommand())

	return cmd
}

func newDaemonRunCommand() *cobra.Command {
	var (
		metricsAddress string
		tracing        bool
		otlpEndpoint   string
		policyPaths    []string
		debounce       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the spool and launch requests",
		Long: `Watch the spool directory and launch workflow requests as they arrive.
Requests spooled while the daemon was down are drained on startup.
Runs until interrupted.`,
		Example: `  # Run with metrics on the default port
  atomflow daemon run

  # Gate requests with policies and export traces
  atomflow daemon run --policies ./policies --tracing --otlp-endpoint localhost:4317

  # No metrics endpoint
  atomflow daemon run --metrics-address ""`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			telCfg := telemetry.DefaultConfig()
			telCfg.Logging.Format = "json"
			telCfg.Logging.Output = "stderr"
			if verbose {
				telCfg.Logging.Level = "debug"
				telCfg.Logging.Format = "console"
			}
			telCfg.Tracing.Enabled = tracing
			if otlpEndpoint != "" {
				telCfg.Tracing.Exporter = "otlp"
				telCfg.Tracing.Endpoint = otlpEndpoint
			}
			telCfg.Metrics.Enabled = metricsAddress != ""
			telCfg.Metrics.ListenAddress = metricsAddress

			tel, err := telemetry.NewTelemetry(telCfg)
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					tel.Logger.WithError(err).Warn("Telemetry shutdown failed")
				}
			}()

			if telCfg.Metrics.Enabled {
				if err := tel.StartMetricsServer(); err != nil {
					return fmt.Errorf("failed to start metrics server: %w", err)
				}
				tel.Logger.WithField("address", metricsAddress).Info("Serving Prometheus metrics")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			exec := executor.NewExecutor(cfg, workRoot(), tel.Logger)
			defer exec.Close()

			launcher := launch.NewLauncher(cfg, store, exec, tel.Logger).
				WithWorkRoot(workRoot()).
				WithEvents(daemon.NewEventBridge(tel.Events))

			if len(policyPaths) > 0 {
				engine, err := policy.NewEngine(tel.Logger)
				if err != nil {
					return fmt.Errorf("failed to create policy engine: %w", err)
				}
				if err := engine.LoadPolicies(ctx, policyPaths); err != nil {
					return fmt.Errorf("failed to load policies: %w", err)
				}
				gate := policy.NewGate(engine, tel.Logger).WithEvents(tel.Events)
				launcher = launcher.WithGate(gate)
				tel.Logger.WithField("policies", len(engine.ListPolicies())).Info("Policy gate enabled")
			}

			spool, err := daemon.NewSpool(spoolDir())
			if err != nil {
				return fmt.Errorf("failed to open spool: %w", err)
			}

			d := daemon.NewDaemon(spool, launcher, tel.Logger).
				WithMetrics(tel.Metrics).
				WithEvents(tel.Events)
			if debounce > 0 {
				d = d.WithDebounce(debounce)
			}

			return d.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&metricsAddress, "metrics-address", ":9090", "Prometheus metrics listen address (empty disables)")
	cmd.Flags().BoolVar(&tracing, "tracing", false, "enable OpenTelemetry tracing")
	cmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP collector endpoint for traces")
	cmd.Flags().StringSliceVar(&policyPaths, "policies", nil, "Rego policy files or directories gating requests")
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "delay between spool change and sweep")

	return cmd
}

func newDaemonSweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Launch spooled requests once and exit",
		Long: `Drain the spool directory once, launching every pending request in
submission order, then exit. Useful without a running daemon or from a
cron job.`,
		Example: `  # Drain pending requests
  atomflow daemon sweep`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			logger := commandLogger()
			exec := executor.NewExecutor(cfg, workRoot(), logger)
			defer exec.Close()

			launcher := launch.NewLauncher(cfg, store, exec, logger).WithWorkRoot(workRoot())

			spool, err := daemon.NewSpool(spoolDir())
			if err != nil {
				return fmt.Errorf("failed to open spool: %w", err)
			}

			pending, err := spool.Pending()
			if err != nil {
				return fmt.Errorf("failed to list spool: %w", err)
			}
			if len(pending) == 0 {
				fmt.Println("Spool is empty.")
				return nil
			}

			daemon.NewDaemon(spool, launcher, logger).Sweep(ctx)
			fmt.Printf("✓ Swept %d spooled requests\n", len(pending))
			return nil
		},
	}

	return cmd
}
