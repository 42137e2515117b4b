package launch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atomflow/atomflow/pkg/config"
	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/plugins"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/stores"
	"github.com/atomflow/atomflow/pkg/telemetry"
	"github.com/atomflow/atomflow/pkg/workflows/bands"
	"github.com/atomflow/atomflow/pkg/workflows/dissociation"
	"github.com/atomflow/atomflow/pkg/workflows/eos"
	"github.com/atomflow/atomflow/pkg/workflows/phonons"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

// Gate admits or rejects a validated request before a run is recorded.
// The policy engine implements it. A nil gate admits everything.
type Gate interface {
	Admit(ctx context.Context, req *Request) error
}

// Store is the slice of the persistence layer the launcher needs. The
// SQLite store satisfies it.
type Store interface {
	runtime.RunStore
	SaveOutputs(ctx context.Context, runID string, outputs map[string]interface{}) error
	AppendAudit(ctx context.Context, entry *stores.AuditEntry) error
}

// execution is a prepared workflow invocation bound to its inputs.
type execution func(ctx context.Context) (*runtime.Result, error)

// Launcher validates, admits, records and executes workflow requests.
type Launcher struct {
	cfg      *config.Config
	store    Store
	executor runtime.JobExecutor
	events   runtime.EventPublisher
	gate     Gate

	// root is handed to workchains so they scope their own component
	// loggers; logger is the launcher's own.
	root   *telemetry.Logger
	logger *telemetry.Logger

	workRoot    string
	maxParallel int
}

// NewLauncher creates a launcher. The store and executor are required; a
// nil logger disables logging.
func NewLauncher(cfg *config.Config, store Store, executor runtime.JobExecutor, logger *telemetry.Logger) *Launcher {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Launcher{
		cfg:      cfg,
		store:    store,
		executor: executor,
		root:     logger,
		logger:   logger.NewComponentLogger("launch"),
	}
}

// WithEvents attaches an event publisher receiving run and job events.
func (l *Launcher) WithEvents(events runtime.EventPublisher) *Launcher {
	l.events = events
	return l
}

// WithGate installs an admission gate consulted before a run is recorded.
func (l *Launcher) WithGate(gate Gate) *Launcher {
	l.gate = gate
	return l
}

// WithWorkRoot sets the directory recorded as the parent of per-run work
// directories.
func (l *Launcher) WithWorkRoot(dir string) *Launcher {
	l.workRoot = dir
	return l
}

// WithMaxParallel bounds the concurrently running sub-calculations of
// composite workflows. Zero keeps the scheduler default.
func (l *Launcher) WithMaxParallel(n int) *Launcher {
	l.maxParallel = n
	return l
}

// Launch runs one workflow request to completion and returns the recorded
// run together with the workflow result. The run is persisted before
// execution starts and its final state is persisted before Launch returns,
// so interrupted launches still leave a visible record. Validation,
// admission and engine resolution failures are returned without recording
// anything.
func (l *Launcher) Launch(ctx context.Context, req *Request) (*runtime.Run, *runtime.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	if err := l.checkCodes(req); err != nil {
		return nil, nil, err
	}
	if l.gate != nil {
		if err := l.gate.Admit(ctx, req); err != nil {
			return nil, nil, fmt.Errorf("request rejected: %w", err)
		}
	}

	run := l.newRun(req)
	exec, err := l.prepare(req, run)
	if err != nil {
		return nil, nil, err
	}

	run.Status = runtime.RunStatusRunning
	if err := l.store.SaveRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("failed to record run: %w", err)
	}
	l.audit(ctx, run)

	logger := l.logger.WithFields(map[string]interface{}{
		"run_id":   run.ID,
		"workflow": run.Workflow,
		"engine":   run.Engine,
	})
	logger.Info("Launching workflow")

	// Composite workflows publish their own run events through the
	// scheduler; the launcher covers the single-calculation ones.
	single := req.Workflow == WorkflowRelax || req.Workflow == WorkflowBands
	if single {
		l.publishRunEvent(ctx, run.ID, runtime.EventTypeRunStarted, "Run started", "info")
	}

	result, execErr := exec(ctx)
	l.finish(ctx, run, result, execErr)

	if execErr != nil {
		if single {
			l.publishRunEvent(ctx, run.ID, runtime.EventTypeRunFailed,
				fmt.Sprintf("Run failed: %v", execErr), "error")
		}
		logger.WithError(execErr).Warn("Workflow failed")
		return run, nil, execErr
	}

	if single {
		if result.Finished() {
			l.publishRunEvent(ctx, run.ID, runtime.EventTypeRunCompleted,
				"Run completed successfully", "info")
		} else {
			l.publishRunEvent(ctx, run.ID, runtime.EventTypeRunFailed,
				fmt.Sprintf("Run completed with status: %s", run.Status), "error")
		}
	}

	if result.Finished() && len(result.Outputs) > 0 {
		if err := l.store.SaveOutputs(context.WithoutCancel(ctx), run.ID, result.Outputs); err != nil {
			logger.WithError(err).Warn("Failed to persist run outputs")
		}
	}

	logger.WithFields(map[string]interface{}{
		"status":   string(run.Status),
		"duration": run.Duration.String(),
	}).Info("Workflow finished")

	return run, result, nil
}

// Builder returns the engine builder a request would run, without
// recording or executing anything. The CLI uses it for dry runs.
func (l *Launcher) Builder(req *Request) (*runtime.Builder, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	runner := runtime.NewLocalRunner(nil, nil)
	if req.Workflow == WorkflowBands {
		impl, err := plugins.LoadBands(req.Engine)
		if err != nil {
			return nil, err
		}
		return bands.NewWorkChain(impl, runner, l.root).GetBuilder(req.Inputs)
	}

	impl, err := plugins.LoadRelax(req.Engine)
	if err != nil {
		return nil, err
	}
	switch req.Workflow {
	case WorkflowRelax:
		return relax.NewWorkChain(impl, runner, l.root).GetBuilder(req.Inputs)
	case WorkflowEOS:
		return eos.NewWorkChain(impl, runner, l.root).GetBuilder(req.Inputs)
	case WorkflowDissociationCurve:
		return dissociation.NewWorkChain(impl, runner, l.root).GetBuilder(req.Inputs)
	case WorkflowPhonons:
		return phonons.NewWorkChain(impl, runner, l.root).GetBuilder(req.Inputs)
	default:
		return nil, fmt.Errorf("unknown workflow %q", req.Workflow)
	}
}

// prepare resolves the engine implementation and binds the request to the
// workchain that will run it. Composite workflows share the launcher's run
// record, so their scheduler persists under the same identifier.
func (l *Launcher) prepare(req *Request, run *runtime.Run) (execution, error) {
	runner := runtime.NewLocalRunner(l.executor, l.events)

	if req.Workflow == WorkflowBands {
		impl, err := plugins.LoadBands(req.Engine)
		if err != nil {
			return nil, err
		}
		chain := bands.NewWorkChain(impl, runner, l.root)
		return func(ctx context.Context) (*runtime.Result, error) {
			return chain.Run(ctx, req.Inputs)
		}, nil
	}

	impl, err := plugins.LoadRelax(req.Engine)
	if err != nil {
		return nil, err
	}
	relaxChain := relax.NewWorkChain(impl, runner, l.root)

	if req.Workflow == WorkflowRelax {
		return func(ctx context.Context) (*runtime.Result, error) {
			return relaxChain.Run(ctx, req.Inputs)
		}, nil
	}

	// Composites submit the relaxation by process name.
	if err := runner.Register(plugins.RelaxPrefix+impl.Name(), relaxChain.ProcessFunc()); err != nil {
		return nil, err
	}

	switch req.Workflow {
	case WorkflowEOS:
		chain := eos.NewWorkChain(impl, runner, l.root).
			WithMaxParallel(l.maxParallel).
			WithPersistence(l.events, l.store).
			WithRun(run)
		return func(ctx context.Context) (*runtime.Result, error) {
			return chain.Run(ctx, req.Inputs)
		}, nil
	case WorkflowDissociationCurve:
		chain := dissociation.NewWorkChain(impl, runner, l.root).
			WithMaxParallel(l.maxParallel).
			WithPersistence(l.events, l.store).
			WithRun(run)
		return func(ctx context.Context) (*runtime.Result, error) {
			return chain.Run(ctx, req.Inputs)
		}, nil
	case WorkflowPhonons:
		chain := phonons.NewWorkChain(impl, runner, l.root).
			WithMaxParallel(l.maxParallel).
			WithPersistence(l.events, l.store).
			WithRun(run)
		return func(ctx context.Context) (*runtime.Result, error) {
			return chain.Run(ctx, req.Inputs)
		}, nil
	default:
		return nil, fmt.Errorf("unknown workflow %q", req.Workflow)
	}
}

// checkCodes resolves every engine code the request names against the
// configuration, so a bad label fails before a run is recorded.
func (l *Launcher) checkCodes(req *Request) error {
	if l.cfg == nil {
		return nil
	}
	engines, _ := req.Inputs["engines"].(map[string]interface{})
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entry, _ := engines[name].(map[string]interface{})
		label, _ := entry["code"].(string)
		if label == "" {
			continue
		}
		if _, _, err := l.cfg.CodeFor(label); err != nil {
			return fmt.Errorf("engine %q: %w", name, err)
		}
	}
	return nil
}

func (l *Launcher) newRun(req *Request) *runtime.Run {
	engine := strings.TrimPrefix(req.Engine, plugins.RelaxPrefix)
	engine = strings.TrimPrefix(engine, plugins.BandsPrefix)
	protocol, _ := req.Inputs["protocol"].(string)

	run := &runtime.Run{
		ID:        uuid.New().String(),
		Workflow:  req.Workflow,
		Engine:    engine,
		Protocol:  protocol,
		Formula:   formulaOf(req.Inputs),
		Status:    runtime.RunStatusPending,
		StartedAt: time.Now(),
		User:      currentUser(),
		Metadata:  map[string]interface{}{},
	}
	if req.ID != "" {
		run.Metadata["request_id"] = req.ID
	}
	if l.workRoot != "" {
		run.WorkDir = filepath.Join(l.workRoot, run.ID)
	}
	return run
}

// finish stamps the final state onto the run and persists it. Composite
// workflows may have recorded their own final state through the shared
// run; the launcher's save is the last word and survives cancellation of
// the launch context.
func (l *Launcher) finish(ctx context.Context, run *runtime.Run, result *runtime.Result, execErr error) {
	completedAt := time.Now()
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)

	switch {
	case execErr != nil:
		run.Status = runtime.RunStatusFailed
		run.Metadata["error"] = execErr.Error()
	case result.Finished():
		if run.Status != runtime.RunStatusPartial {
			run.Status = runtime.RunStatusSucceeded
		}
	default:
		run.Status = runtime.RunStatusFailed
		run.Metadata["exit_status"] = result.ExitStatus
		if result.ExitMessage != "" {
			run.Metadata["exit_message"] = result.ExitMessage
		}
	}

	if err := l.store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		l.logger.WithError(err).WithField("run_id", run.ID).Warn("Failed to persist final run state")
	}
}

func (l *Launcher) publishRunEvent(ctx context.Context, runID string, eventType runtime.EventType, message, level string) {
	event := &runtime.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Message:   message,
		Level:     level,
	}
	_ = l.store.AppendEvent(ctx, event)
	if l.events != nil {
		_ = l.events.Publish(ctx, event)
	}
}

func (l *Launcher) audit(ctx context.Context, run *runtime.Run) {
	details, err := json.Marshal(map[string]interface{}{
		"workflow": run.Workflow,
		"engine":   run.Engine,
		"protocol": run.Protocol,
		"formula":  run.Formula,
	})
	if err != nil {
		return
	}
	blob := string(details)
	entry := &stores.AuditEntry{
		Action:  "run.launched",
		Actor:   run.User,
		RunID:   &run.ID,
		Details: &blob,
	}
	if err := l.store.AppendAudit(ctx, entry); err != nil {
		l.logger.WithError(err).Warn("Failed to record audit entry")
	}
}

// formulaOf derives the chemical formula from the structure input when it
// is present in a recognizable form.
func formulaOf(inputs map[string]interface{}) string {
	switch s := inputs["structure"].(type) {
	case *crystal.Structure:
		return s.Formula()
	case map[string]interface{}:
		if structure, err := crystal.FromDocument(s); err == nil {
			return structure.Formula()
		}
	}
	return ""
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
