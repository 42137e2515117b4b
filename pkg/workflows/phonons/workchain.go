package phonons

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/plugins"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/telemetry"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

// Exit statuses of the workflow.
const (
	// ExitSubProcessFailed is returned when a force sub-process does not
	// finish successfully.
	ExitSubProcessFailed = 400

	// ExitPhonopyFailed is returned when the post-processing calculation
	// does not finish successfully.
	ExitPhonopyFailed = 401
)

// PhonopyProcess is the entry point of the post-processing calculation job.
const PhonopyProcess = "phonopy.phonopy"

// Output names. The force sets and the supercell are always present, the
// post-processing outputs only when an engines.phonopy step was configured
// and the phonopy code produced them.
const (
	OutputSupercellStructure = "supercell_structure"
	OutputForceSets          = "force_sets"
	OutputPhononBands        = "phonon_bands"
	OutputPhononDos          = "phonon_dos"
	OutputThermalProperties  = "thermal_properties"
	OutputForceConstants     = "force_constants"
)

// phonopyOutputs are the post-processing outputs passed through when the
// phonopy code reports them.
var phonopyOutputs = []string{
	OutputPhononBands, OutputPhononDos, OutputThermalProperties, OutputForceConstants,
}

// WorkChain runs the frozen phonons workflow for one engine: build the
// supercell, compute forces of the pristine supercell first, fan the
// displaced supercells out in parallel reusing the pristine settings, and
// assemble the residual-corrected force sets. When the engines input names
// a phonopy step, the force sets are post-processed by that code.
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
		logger:  logger.NewComponentLogger("phonons." + impl.Name()),
	}
}

// WithMaxParallel bounds the number of concurrently running displacements.
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
// pristine supercell without running anything. The CLI uses this for dry
// runs.
func (w *WorkChain) GetBuilder(inputs map[string]interface{}) (*runtime.Builder, error) {
	in, err := w.Validate(inputs)
	if err != nil {
		return nil, err
	}
	supercell, err := in.Supercell()
	if err != nil {
		return nil, err
	}
	return w.impl.Generator().GetBuilder(subInputs(supercell, tiled(in), nil))
}

// Run executes the workflow. The pristine supercell runs first so its
// engine-chosen settings can be reused by every displaced supercell, and
// its forces are subtracted from the displaced ones so residual forces of
// an imperfectly relaxed input cancel out. Failure of any force
// sub-process is reported through exit status 400, a failed post-processing
// through 401.
func (w *WorkChain) Run(ctx context.Context, inputs map[string]interface{}) (*runtime.Result, error) {
	in, err := w.Validate(inputs)
	if err != nil {
		return nil, err
	}
	supercell, err := in.Supercell()
	if err != nil {
		return nil, err
	}

	displacements := Displacements(len(supercell.Sites))
	generatorInputs := tiled(in)

	w.logger.WithField("supercell", fmt.Sprintf("%dx%dx%d",
		in.SupercellMatrix[0], in.SupercellMatrix[1], in.SupercellMatrix[2])).
		WithField("displacements", len(displacements)).
		Info("Running frozen phonons")

	pristine, err := w.runner.Run(ctx, subBuilder(w.process, supercell, generatorInputs, nil))
	if err != nil {
		return nil, fmt.Errorf("failed to run %s sub process: %w", w.process, err)
	}
	if !pristine.Finished() {
		w.logger.WithField("exit_status", pristine.ExitStatus).
			Error("Pristine supercell sub process failed")
		return w.failedResult(), nil
	}
	residual, err := supercellForces(pristine, len(supercell.Sites))
	if err != nil {
		return nil, fmt.Errorf("pristine supercell: %w", err)
	}

	var referenceDoc map[string]interface{}
	if doc, ok := pristine.Output(relax.OutputReference); ok {
		referenceDoc, _ = doc.(map[string]interface{})
	}

	jobs := make([]*runtime.Job, len(displacements))
	jobIndex := make(map[string]int, len(displacements))
	for i, displacement := range displacements {
		displaced := displacement.Apply(supercell, in.Displacement)
		jobs[i] = &runtime.Job{
			ID:      uuid.New().String(),
			Name:    fmt.Sprintf("displacement_%d", i),
			Builder: subBuilder(w.process, displaced, generatorInputs, referenceDoc),
			Status:  runtime.JobStatusPending,
		}
		jobIndex[jobs[i].ID] = i
	}

	scheduler := runtime.NewParallelScheduler(w.maxParallel, w.runner, w.events, w.store)
	results, execErr := scheduler.Execute(ctx, w.newRun(in, len(displacements)), jobs)
	if execErr != nil {
		if ctx.Err() != nil {
			return nil, execErr
		}
		w.logger.WithError(execErr).Error("Displaced supercell sub process failed")
		return w.failedResult(), nil
	}

	forceSets := make([][][3]float64, len(displacements))
	for _, job := range jobs {
		index := jobIndex[job.ID]
		forces, err := supercellForces(results[job.ID], len(supercell.Sites))
		if err != nil {
			return nil, fmt.Errorf("displacement %d: %w", index, err)
		}
		forceSets[index] = subtractResidual(forces, residual)
	}

	result := &runtime.Result{
		ExitStatus: 0,
		Outputs: map[string]interface{}{
			OutputSupercellStructure: supercell,
			OutputForceSets:          forceSets,
		},
	}

	spec, ok := in.Engines["phonopy"]
	if !ok {
		return result, nil
	}

	w.logger.WithField("code", spec.Code).
		WithField("phonon_property", string(in.PhononProperty)).
		Info("Running phonopy post-processing")

	phonopy, err := w.runner.Run(ctx, phonopyBuilder(in, supercell, displacements, forceSets))
	if err != nil {
		return nil, fmt.Errorf("failed to run %s calculation: %w", PhonopyProcess, err)
	}
	if !phonopy.Finished() {
		w.logger.WithField("exit_status", phonopy.ExitStatus).
			Error("Phonopy calculation failed")
		return &runtime.Result{
			ExitStatus: ExitPhonopyFailed,
			ExitMessage: fmt.Sprintf("the phonopy calculation did not finish correctly (exit status %d)",
				phonopy.ExitStatus),
		}, nil
	}
	for _, name := range phonopyOutputs {
		if value, ok := phonopy.Output(name); ok {
			result.Outputs[name] = value
		}
	}
	return result, nil
}

func (w *WorkChain) failedResult() *runtime.Result {
	return &runtime.Result{
		ExitStatus: ExitSubProcessFailed,
		ExitMessage: fmt.Sprintf("at least one of the %s sub processes did not finish successfully",
			w.process),
	}
}

func (w *WorkChain) newRun(in *Inputs, displacements int) *runtime.Run {
	run := w.run
	if run == nil {
		run = &runtime.Run{ID: uuid.New().String(), StartedAt: time.Now()}
	}
	protocol, _ := in.Generator["protocol"].(string)
	run.Workflow = "phonons"
	run.Engine = w.impl.Name()
	run.Protocol = protocol
	run.Formula = in.Structure.Formula()
	run.Status = runtime.RunStatusPending
	if run.Metadata == nil {
		run.Metadata = map[string]interface{}{}
	}
	run.Metadata["displacements"] = displacements
	run.Metadata["images"] = in.Images()
	return run
}

// tiled returns the generator inputs with the per-site magnetization of the
// input cell repeated onto the supercell. Supercell sites are ordered image
// by image, so the tiling is a plain repetition of the unit cell list.
func tiled(in *Inputs) map[string]interface{} {
	moments, ok := in.Generator["magnetization_per_site"].([]float64)
	if !ok {
		return in.Generator
	}
	out := make(map[string]interface{}, len(in.Generator))
	for key, value := range in.Generator {
		out[key] = value
	}
	images := in.Images()
	tiledMoments := make([]float64, 0, images*len(moments))
	for i := 0; i < images; i++ {
		tiledMoments = append(tiledMoments, moments...)
	}
	out["magnetization_per_site"] = tiledMoments
	return out
}

// supercellForces reads the forces of a finished force sub-process and
// checks them against the supercell size.
func supercellForces(result *runtime.Result, sites int) ([][3]float64, error) {
	outputs, err := relax.OutputsFrom(result)
	if err != nil {
		return nil, err
	}
	if len(outputs.Forces) != sites {
		return nil, fmt.Errorf("engine reported %d forces for %d supercell sites",
			len(outputs.Forces), sites)
	}
	return outputs.Forces, nil
}

func subtractResidual(forces, residual [][3]float64) [][3]float64 {
	out := make([][3]float64, len(forces))
	for i := range forces {
		for j := 0; j < 3; j++ {
			out[i][j] = forces[i][j] - residual[i][j]
		}
	}
	return out
}

// subInputs assembles the common relaxation inputs of one supercell.
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

// phonopyBuilder assembles the post-processing calculation job: the input
// cell, the displacement dataset and the force sets, with the parameters of
// the requested phonon property.
func phonopyBuilder(in *Inputs, supercell *crystal.Structure, displacements []Displacement, forceSets [][][3]float64) *runtime.Builder {
	parameters := in.PhononProperty.Parameters()
	parameters["supercell_matrix"] = []int{
		in.SupercellMatrix[0], in.SupercellMatrix[1], in.SupercellMatrix[2],
	}

	spec := in.Engines["phonopy"]
	return &runtime.Builder{
		Process: PhonopyProcess,
		Inputs: map[string]interface{}{
			"code":                 spec.Code,
			"structure":            in.Structure,
			"parameters":           parameters,
			"displacement_dataset": displacementDataset(supercell, displacements, in.Displacement),
			"force_sets":           forceSets,
			"metadata": map[string]interface{}{
				"options": spec.Options,
			},
		},
	}
}

// displacementDataset renders the displacements in the dataset layout
// phonopy expects: one entry per displaced supercell naming the displaced
// atom and the Cartesian displacement vector.
func displacementDataset(supercell *crystal.Structure, displacements []Displacement, magnitude float64) map[string]interface{} {
	firstAtoms := make([]interface{}, len(displacements))
	for i, displacement := range displacements {
		firstAtoms[i] = map[string]interface{}{
			"number":       displacement.Site,
			"displacement": displacement.Vector(magnitude),
		}
	}
	return map[string]interface{}{
		"natom":       len(supercell.Sites),
		"first_atoms": firstAtoms,
	}
}
