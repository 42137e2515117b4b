package eos

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

// ExitSubProcessFailed is returned when any relaxation sub-process does not
// finish successfully.
const ExitSubProcessFailed = 400

// Output namespaces, each a map keyed by the decimal position of the scale
// factor in the sampled list.
const (
	OutputStructures          = "structures"
	OutputTotalEnergies       = "total_energies"
	OutputTotalMagnetizations = "total_magnetizations"
)

// WorkChain runs the equation of state workflow for one engine: scale the
// input structure, relax the reference volume, then fan the remaining
// volumes out in parallel reusing the reference settings.
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
// point name, since the volumes are submitted as sub-processes. A nil logger
// disables workflow logging.
func NewWorkChain(impl relax.Implementation, runner runtime.Runner, logger *telemetry.Logger) *WorkChain {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &WorkChain{
		impl:    impl,
		process: plugins.RelaxPrefix + impl.Name(),
		runner:  runner,
		logger:  logger.NewComponentLogger("eos." + impl.Name()),
	}
}

// WithMaxParallel bounds the number of concurrently running volumes.
func (w *WorkChain) WithMaxParallel(n int) *WorkChain {
	w.maxParallel = n
	return w
}

// WithPersistence attaches an event publisher and a run store, both passed
// to the scheduler of the parallel phase. Either may be nil.
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
// reference volume without running anything. The CLI uses this for dry runs.
func (w *WorkChain) GetBuilder(inputs map[string]interface{}) (*runtime.Builder, error) {
	in, err := w.Validate(inputs)
	if err != nil {
		return nil, err
	}
	factors := in.Factors()
	scaled := in.Structure.ScaleVolume(factors[len(factors)/2])
	return w.impl.Generator().GetBuilder(subInputs(scaled, in.Generator, nil))
}

// Run executes the workflow. The middle scale factor runs first so its
// engine-chosen settings, in particular the k-point mesh, can be reused by
// every other volume for a smooth energy curve. The remaining volumes run in
// parallel. Failure of any sub-process is reported through exit status 400.
func (w *WorkChain) Run(ctx context.Context, inputs map[string]interface{}) (*runtime.Result, error) {
	in, err := w.Validate(inputs)
	if err != nil {
		return nil, err
	}

	factors := in.Factors()
	reference := len(factors) / 2

	structures := make([]*crystal.Structure, len(factors))
	for i, factor := range factors {
		structures[i] = in.Structure.ScaleVolume(factor)
	}

	w.logger.WithField("volumes", len(factors)).
		WithField("reference_factor", factors[reference]).
		Info("Running equation of state")

	refResult, err := w.runner.Run(ctx, subBuilder(w.process, structures[reference], in.Generator, nil))
	if err != nil {
		return nil, fmt.Errorf("failed to run %s sub process: %w", w.process, err)
	}
	if !refResult.Finished() {
		w.logger.WithField("exit_status", refResult.ExitStatus).
			Error("Reference sub process failed")
		return w.failedResult(), nil
	}

	var referenceDoc map[string]interface{}
	if doc, ok := refResult.Output(relax.OutputReference); ok {
		referenceDoc, _ = doc.(map[string]interface{})
	}

	jobs := make([]*runtime.Job, 0, len(factors)-1)
	jobIndex := make(map[string]int, len(factors)-1)
	for i := range factors {
		if i == reference {
			continue
		}
		job := &runtime.Job{
			ID:      uuid.New().String(),
			Name:    fmt.Sprintf("scale_%d", i),
			Builder: subBuilder(w.process, structures[i], in.Generator, referenceDoc),
			Status:  runtime.JobStatusPending,
		}
		jobs = append(jobs, job)
		jobIndex[job.ID] = i
	}

	scheduler := runtime.NewParallelScheduler(w.maxParallel, w.runner, w.events, w.store)
	results, execErr := scheduler.Execute(ctx, w.newRun(in, len(factors)), jobs)
	if execErr != nil {
		if ctx.Err() != nil {
			return nil, execErr
		}
		w.logger.WithError(execErr).Error("Equation of state sub process failed")
		return w.failedResult(), nil
	}

	collected := map[int]*runtime.Result{reference: refResult}
	for _, job := range jobs {
		collected[jobIndex[job.ID]] = results[job.ID]
	}
	return successResult(factors, structures, collected)
}

func (w *WorkChain) failedResult() *runtime.Result {
	return &runtime.Result{
		ExitStatus: ExitSubProcessFailed,
		ExitMessage: fmt.Sprintf("at least one of the %s sub processes did not finish successfully",
			w.process),
	}
}

func (w *WorkChain) newRun(in *Inputs, volumes int) *runtime.Run {
	run := w.run
	if run == nil {
		run = &runtime.Run{ID: uuid.New().String(), StartedAt: time.Now()}
	}
	protocol, _ := in.Generator["protocol"].(string)
	run.Workflow = "eos"
	run.Engine = w.impl.Name()
	run.Protocol = protocol
	run.Formula = in.Structure.Formula()
	run.Status = runtime.RunStatusPending
	if run.Metadata == nil {
		run.Metadata = map[string]interface{}{}
	}
	run.Metadata["volumes"] = volumes
	return run
}

// subInputs assembles the common relaxation inputs of one volume.
func subInputs(structure *crystal.Structure, generatorInputs, reference map[string]interface{}) map[string]interface{} {
	sub := make(map[string]interface{}, len(generatorInputs)+2)
	for key, value := range generatorInputs {
		sub[key] = value
	}
	sub["structure"] = structure
	if reference != nil {
		sub["reference_workchain"] = reference
	}
	return sub
}

func subBuilder(process string, structure *crystal.Structure, generatorInputs, reference map[string]interface{}) *runtime.Builder {
	return &runtime.Builder{
		Process: process,
		Inputs:  subInputs(structure, generatorInputs, reference),
	}
}

// successResult packs the per-volume outputs, indexed by the position of the
// scale factor in the sampled list. A volume that did not report a relaxed
// structure falls back to its scaled input structure.
func successResult(factors []float64, structures []*crystal.Structure, collected map[int]*runtime.Result) (*runtime.Result, error) {
	outStructures := make(map[string]interface{}, len(factors))
	outEnergies := make(map[string]interface{}, len(factors))
	outMagnetizations := make(map[string]interface{})

	for i := range factors {
		outputs, err := relax.OutputsFrom(collected[i])
		if err != nil {
			return nil, fmt.Errorf("scale factor %v: %w", factors[i], err)
		}

		key := strconv.Itoa(i)
		structure := outputs.RelaxedStructure
		if structure == nil {
			structure = structures[i]
		}
		outStructures[key] = structure
		outEnergies[key] = outputs.TotalEnergy
		if outputs.TotalMagnetization != nil {
			outMagnetizations[key] = *outputs.TotalMagnetization
		}
	}

	result := &runtime.Result{
		ExitStatus: 0,
		Outputs: map[string]interface{}{
			OutputStructures:    outStructures,
			OutputTotalEnergies: outEnergies,
		},
	}
	if len(outMagnetizations) > 0 {
		result.Outputs[OutputTotalMagnetizations] = outMagnetizations
	}
	return result, nil
}
