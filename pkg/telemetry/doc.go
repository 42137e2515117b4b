// Package telemetry provides observability instrumentation for atomflow.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), metrics (Prometheus), and an in-process event bus
// into a unified system for monitoring workflow execution.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event bus for live workflow progress
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "atomflow"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.NewComponentLogger("launch")
//	logger = logger.WithRunID("run-123").WithEngine("quantum_espresso")
//	logger.Info("Submitting relaxation")
//	logger.WithError(err).Error("Submission failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into run execution flow:
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, runID, "eos")
//	defer span.End()
//
//	span.SetAttributes(
//	    telemetry.AttrEngine.String("siesta"),
//	    telemetry.AttrRunStatus.String("succeeded"),
//	)
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP/gRPC (production), stdout (development), none.
//
// # Metrics
//
// Prometheus metrics track workflow throughput and failures:
//
//	tel.Metrics.RecordRunStarted("relax", "quantum_espresso")
//	tel.Metrics.RecordRunCompleted("relax", "quantum_espresso", "succeeded", duration)
//	tel.Metrics.AddCalculations("eos", "succeeded", 7)
//	tel.Metrics.RecordError("transient", "TIMEOUT")
//
// Key metrics exposed (default namespace "atomflow"):
//
//   - atomflow_runs_started_total{workflow,engine}
//   - atomflow_runs_completed_total{workflow,engine,status}
//   - atomflow_run_duration_seconds{workflow,status}
//   - atomflow_calculations_executed_total{workflow,status}
//   - atomflow_spool_requests_processed_total{workflow,outcome}
//   - atomflow_errors_by_class_total{class}
//   - atomflow_errors_by_code_total{code}
//   - atomflow_active_runs
//   - atomflow_queued_requests
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics).
//
// # Event Publishing
//
// The event bus carries live workflow progress to in-process subscribers. The
// daemon bridges persisted run events onto the bus so consoles and log sinks
// can follow runs as they execute:
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("%s: %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// Event filters: FilterByLevel, FilterByType, FilterByRunID.
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, OTLP traces, 10% sampling)
//	cfg := telemetry.ProductionConfig()
//
// Workflow runs last minutes to days, so the default histogram buckets span
// one second to one day rather than request-latency ranges.
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("telemetry shutdown error: %v", err)
//	}
//
// This drains buffered events and exports pending traces. The metrics server
// keeps serving until the process exits.
package telemetry
