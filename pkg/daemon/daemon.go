// Package daemon runs the spool-watching workflow service. Requests submitted
// for background execution land in a spool directory as YAML files; the
// daemon picks them up in submission order, launches them through the shared
// launcher, and archives the files by outcome.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/atomflow/atomflow/pkg/launch"
	"github.com/atomflow/atomflow/pkg/plugins"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/telemetry"
)

// defaultDebounce batches bursts of spool directory events into one sweep.
const defaultDebounce = 500 * time.Millisecond

// Launcher executes validated workflow requests. *launch.Launcher satisfies it.
type Launcher interface {
	Launch(ctx context.Context, req *launch.Request) (*runtime.Run, *runtime.Result, error)
}

// Daemon watches a spool directory and launches workflow requests as they
// arrive. Requests are processed one at a time in submission order; the
// launcher's scheduler provides parallelism within a run.
type Daemon struct {
	spool    *Spool
	launcher Launcher
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	events   *telemetry.EventPublisher
	debounce time.Duration
}

// NewDaemon creates a daemon over the given spool and launcher. Metrics and
// events default to disabled collectors, so recording is unconditional.
func NewDaemon(spool *Spool, launcher Launcher, logger *telemetry.Logger) *Daemon {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	metrics, _ := telemetry.NewMetrics(telemetry.MetricsConfig{})
	events, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{})
	return &Daemon{
		spool:    spool,
		launcher: launcher,
		logger:   logger.NewComponentLogger("daemon"),
		metrics:  metrics,
		events:   events,
		debounce: defaultDebounce,
	}
}

// WithMetrics attaches a metrics collector.
func (d *Daemon) WithMetrics(metrics *telemetry.Metrics) *Daemon {
	if metrics != nil {
		d.metrics = metrics
	}
	return d
}

// WithEvents attaches an event publisher for request lifecycle events.
func (d *Daemon) WithEvents(events *telemetry.EventPublisher) *Daemon {
	if events != nil {
		d.events = events
	}
	return d
}

// WithDebounce overrides the spool event debounce interval.
func (d *Daemon) WithDebounce(interval time.Duration) *Daemon {
	if interval > 0 {
		d.debounce = interval
	}
	return d
}

// Run processes everything already spooled, then watches the directory until
// the context is cancelled. Creation events are debounced so a burst of
// submissions triggers a single sweep.
func (d *Daemon) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create spool watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(d.spool.Dir()); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}

	d.logger.WithField("dir", d.spool.Dir()).Info("Watching spool for workflow requests")

	// Drain requests spooled while the daemon was down.
	d.Sweep(ctx)

	kick := make(chan struct{}, 1)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, requestExt) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(d.debounce, func() {
				select {
				case kick <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.WithError(err).Warn("Spool watcher error")

		case <-kick:
			d.Sweep(ctx)

		case <-ctx.Done():
			return nil
		}
	}
}

// Sweep launches every request currently waiting in the spool, oldest first.
func (d *Daemon) Sweep(ctx context.Context) {
	pending, err := d.spool.Pending()
	if err != nil {
		d.logger.WithError(err).Warn("Failed to scan spool")
		return
	}
	d.metrics.SetQueuedRequests(float64(len(pending)))

	for i, path := range pending {
		if ctx.Err() != nil {
			return
		}
		d.process(ctx, path)
		d.metrics.SetQueuedRequests(float64(len(pending) - i - 1))
	}
}

// process launches a single spooled request and archives its file.
func (d *Daemon) process(ctx context.Context, path string) {
	name := filepath.Base(path)
	logger := d.logger.WithField("request", name)

	req, err := d.spool.Load(path)
	if err != nil {
		logger.WithError(err).Error("Rejecting malformed request")
		d.metrics.RecordRequestProcessed("unknown", "invalid")
		_ = d.events.PublishRequestFailed(strings.TrimSuffix(name, requestExt), err.Error())
		d.archive(logger, path, false)
		return
	}

	logger = logger.WithWorkflow(req.Workflow).WithEngine(req.Engine)
	logger.Info("Launching spooled request")
	_ = d.events.PublishRequestSpooled(req.ID, req.Workflow)

	engine := engineLabel(req.Engine)
	d.metrics.RecordRunStarted(req.Workflow, engine)
	timer := telemetry.NewTimer()

	run, _, err := d.launcher.Launch(ctx, req)
	if err != nil {
		class, code := errorLabels(err)
		d.metrics.RecordError(class, code)
		d.metrics.RecordRequestProcessed(req.Workflow, "failed")
		if run != nil {
			d.metrics.RecordRunCompleted(run.Workflow, run.Engine, string(run.Status), run.Duration)
		} else {
			d.metrics.RecordRunCompleted(req.Workflow, engine, string(runtime.RunStatusFailed), timer.Duration())
		}
		_ = d.events.PublishRequestFailed(req.ID, err.Error())
		logger.WithError(err).Error("Request failed")
		d.archive(logger, path, false)
		return
	}

	status := string(run.Status)
	d.metrics.RecordRunCompleted(run.Workflow, run.Engine, status, run.Duration)
	d.metrics.AddCalculations(run.Workflow, "succeeded", run.Summary.Succeeded)
	d.metrics.AddCalculations(run.Workflow, "failed", run.Summary.Failed)
	d.metrics.RecordRequestProcessed(req.Workflow, status)

	logger.WithRunID(run.ID).WithField("status", status).Info("Request finished")
	d.archive(logger, path, run.Status == runtime.RunStatusSucceeded || run.Status == runtime.RunStatusPartial)
}

func (d *Daemon) archive(logger *telemetry.Logger, path string, done bool) {
	var err error
	if done {
		err = d.spool.MarkDone(path)
	} else {
		err = d.spool.MarkFailed(path)
	}
	if err != nil {
		logger.WithError(err).Warn("Failed to archive request file")
	}
}

// engineLabel strips workflow entry point prefixes so metric labels stay
// consistent with recorded run engines.
func engineLabel(engine string) string {
	engine = strings.TrimPrefix(engine, plugins.RelaxPrefix)
	return strings.TrimPrefix(engine, plugins.BandsPrefix)
}

// errorLabels classifies a launch error for metrics. Unclassified errors
// count as permanent.
func errorLabels(err error) (class, code string) {
	var rerr *runtime.RuntimeError
	if errors.As(err, &rerr) {
		return string(rerr.Class), rerr.Code
	}
	return string(runtime.ErrorClassPermanent), ""
}
