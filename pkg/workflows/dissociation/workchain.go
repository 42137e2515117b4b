package dissociation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/plugins"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/telemetry"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

// ExitSubProcessFailed is returned when no point of the curve finished
// successfully.
const ExitSubProcessFailed = 400

// Output namespaces, each a map keyed by the decimal position of the
// distance in the sampled list. Points whose sub-process failed are missing
// from all three.
const (
	OutputDistances           = "distances"
	OutputTotalEnergies       = "total_energies"
	OutputTotalMagnetizations = "total_magnetizations"
)

// WorkChain runs the dissociation curve workflow for one engine: place the
// two atoms at each sampled distance and compute every point in parallel.
// Points are independent, so individual failures thin the curve instead of
// failing it. Only a curve without a single successful point fails.
type WorkChain struct {
	impl        relax.Implementation
	process     string
	runner      runtime.Runner
	logger      *telemetry.Logger
	maxParallel int
	events      runtime.EventPublisher
	store       runtime.RunStore
	run         *runtime.Run
}

// NewWorkChain wires an engine implementation to a runner. The engine's
// relaxation workchain must be registered with the runner under its entry
// point name. A nil logger disables workflow logging.
func NewWorkChain(impl relax.Implementation, runner runtime.Runner, logger *telemetry.Logger) *WorkChain {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &WorkChain{
		impl:    impl,
		process: plugins.RelaxPrefix + impl.Name(),
		runner:  runner,
		logger:  logger.NewComponentLogger("dissociation." + impl.Name()),
	}
}

// WithMaxParallel bounds the number of concurrently running points.
func (w *WorkChain) WithMaxParallel(n int) *WorkChain {
	w.maxParallel = n
	return w
}

// WithPersistence attaches an event publisher and a run store, both passed
// to the scheduler. Either may be nil.
func (w *WorkChain) WithPersistence(events runtime.EventPublisher, store runtime.RunStore) *WorkChain {
	w.events = events
	w.store = store
	return w
}

// WithRun records the workflow under an existing run instead of a fresh one,
// so callers that created the run keep its identifier.
func (w *WorkChain) WithRun(run *runtime.Run) *WorkChain {
	w.run = run
	return w
}

// Engine returns the engine name this workchain drives.
func (w *WorkChain) Engine() string {
	return w.impl.Name()
}

// Validate checks the workflow inputs and returns their typed view.
func (w *WorkChain) Validate(inputs map[string]interface{}) (*Inputs, error) {
	validated, err := Spec().Validate(inputs)
	if err != nil {
		return nil, err
	}
	return CommonInputs(validated)
}

// GetBuilder validates the inputs and returns the engine builder of the
// shortest distance without running anything. The CLI uses this for dry
// runs.
func (w *WorkChain) GetBuilder(inputs map[string]interface{}) (*runtime.Builder, error) {
	in, err := w.Validate(inputs)
	if err != nil {
		return nil, err
	}
	molecule, err := in.Structure.WithSeparation(in.Sampled()[0])
	if err != nil {
		return nil, err
	}
	return w.impl.Generator().GetBuilder(subInputs(molecule, in.Generator))
}

// Run executes the workflow. Every distance runs in parallel and failed
// points are tolerated, the curve just loses those indexes. Exit status 400
// reports a curve where every point failed.
func (w *WorkChain) Run(ctx context.Context, inputs map[string]interface{}) (*runtime.Result, error) {
	in, err := w.Validate(inputs)
	if err != nil {
		return nil, err
	}

	distances := in.Sampled()
	molecules := make([]*crystal.Structure, len(distances))
	for i, distance := range distances {
		molecules[i], err = in.Structure.WithSeparation(distance)
		if err != nil {
			return nil, fmt.Errorf("distance %v: %w", distance, err)
		}
	}

	w.logger.WithField("points", len(distances)).
		WithField("molecule", in.Structure.Formula()).
		Info("Running dissociation curve")

	jobs := make([]*runtime.Job, len(distances))
	jobIndex := make(map[string]int, len(distances))
	for i := range distances {
		jobs[i] = &runtime.Job{
			ID:              uuid.New().String(),
			Name:            fmt.Sprintf("distance_%d", i),
			Builder:         subBuilder(w.process, molecules[i], in.Generator),
			Status:          runtime.JobStatusPending,
			TolerateFailure: true,
		}
		jobIndex[jobs[i].ID] = i
	}

	scheduler := runtime.NewParallelScheduler(w.maxParallel, w.runner, w.events, w.store)
	results, execErr := scheduler.Execute(ctx, w.newRun(in, len(distances)), jobs)
	if execErr != nil {
		return nil, execErr
	}

	collected := make(map[int]*runtime.Result, len(jobs))
	for _, job := range jobs {
		result := results[job.ID]
		if result == nil || !result.Finished() {
			w.logger.WithField("distance", distances[jobIndex[job.ID]]).
				Warn("Point did not finish successfully, dropping it from the curve")
			continue
		}
		collected[jobIndex[job.ID]] = result
	}
	if len(collected) == 0 {
		w.logger.Error("Every point of the curve failed")
		return w.failedResult(), nil
	}

	return successResult(distances, collected)
}

func (w *WorkChain) failedResult() *runtime.Result {
	return &runtime.Result{
		ExitStatus: ExitSubProcessFailed,
		ExitMessage: fmt.Sprintf("none of the %s sub processes finished successfully",
			w.process),
	}
}

func (w *WorkChain) newRun(in *Inputs, points int) *runtime.Run {
	run := w.run
	if run == nil {
		run = &runtime.Run{ID: uuid.New().String(), StartedAt: time.Now()}
	}
	protocol, _ := in.Generator["protocol"].(string)
	run.Workflow = "dissociation_curve"
	run.Engine = w.impl.Name()
	run.Protocol = protocol
	run.Formula = in.Structure.Formula()
	run.Status = runtime.RunStatusPending
	if run.Metadata == nil {
		run.Metadata = map[string]interface{}{}
	}
	run.Metadata["points"] = points
	return run
}

// subInputs assembles the common relaxation inputs of one point.
func subInputs(molecule *crystal.Structure, generatorInputs map[string]interface{}) map[string]interface{} {
	sub := make(map[string]interface{}, len(generatorInputs)+1)
	for key, value := range generatorInputs {
		sub[key] = value
	}
	sub["structure"] = molecule
	return sub
}

func subBuilder(process string, molecule *crystal.Structure, generatorInputs map[string]interface{}) *runtime.Builder {
	return &runtime.Builder{
		Process: process,
		Inputs:  subInputs(molecule, generatorInputs),
	}
}

// successResult packs the per-point outputs, indexed by the position of the
// distance in the sampled list. Failed points are simply absent.
func successResult(distances []float64, collected map[int]*runtime.Result) (*runtime.Result, error) {
	outDistances := make(map[string]interface{}, len(collected))
	outEnergies := make(map[string]interface{}, len(collected))
	outMagnetizations := make(map[string]interface{})

	for index, sub := range collected {
		outputs, err := relax.OutputsFrom(sub)
		if err != nil {
			return nil, fmt.Errorf("distance %v: %w", distances[index], err)
		}

		key := strconv.Itoa(index)
		outDistances[key] = distances[index]
		outEnergies[key] = outputs.TotalEnergy
		if outputs.TotalMagnetization != nil {
			outMagnetizations[key] = *outputs.TotalMagnetization
		}
	}

	result := &runtime.Result{
		ExitStatus: 0,
		Outputs: map[string]interface{}{
			OutputDistances:     outDistances,
			OutputTotalEnergies: outEnergies,
		},
	}
	if len(outMagnetizations) > 0 {
		result.Outputs[OutputTotalMagnetizations] = outMagnetizations
	}
	return result, nil
}
