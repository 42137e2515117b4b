package relax

import (
	"context"
	"fmt"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/telemetry"
	"github.com/atomflow/atomflow/pkg/workflows"
)

// ExitSubProcessFailed is returned when the engine sub-process does not
// finish successfully.
const ExitSubProcessFailed = 400

// Output port names shared by every engine implementation.
const (
	OutputTotalEnergy        = "total_energy"
	OutputForces             = "forces"
	OutputRelaxedStructure   = "relaxed_structure"
	OutputStress             = "stress"
	OutputTotalMagnetization = "total_magnetization"
	OutputRemoteFolder       = "remote_folder"

	// OutputReference carries engine-specific settings a follow-up run can
	// reuse through the reference_workchain port, e.g. the k-point mesh
	// chosen for the first volume of an equation of state.
	OutputReference = "reference"
)

// Implementation is what an engine package contributes to the common
// relaxation workflow: the input generator translating common ports into
// the engine's native builder, and the output conversion back to the
// common schema.
type Implementation interface {
	// Name returns the engine name, e.g. "quantum_espresso".
	Name() string

	// Generator returns the engine's input generator.
	Generator() *generator.InputGenerator

	// ConvertOutputs maps a finished sub-process result onto the common
	// output schema, applying the engine's unit conversions.
	ConvertOutputs(result *runtime.Result) (*workflows.RelaxOutputs, error)
}

// ReferenceProvider is implemented by engines whose follow-up calculations
// can reuse settings from a finished run. The returned document is exposed
// on the reference output port and fed back through the
// reference_workchain input.
type ReferenceProvider interface {
	ReferenceOutputs(sub *runtime.Result) map[string]interface{}
}

// WorkChain runs the common relaxation workflow for one engine: build the
// engine inputs, run the sub-process, inspect its exit and convert the
// outputs.
type WorkChain struct {
	impl   Implementation
	runner runtime.Runner
	logger *telemetry.Logger
}

// NewWorkChain wires an engine implementation to a runner. A nil logger
// disables workflow logging.
func NewWorkChain(impl Implementation, runner runtime.Runner, logger *telemetry.Logger) *WorkChain {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &WorkChain{
		impl:   impl,
		runner: runner,
		logger: logger.NewComponentLogger("relax." + impl.Name()),
	}
}

// Engine returns the engine name this workchain drives.
func (w *WorkChain) Engine() string {
	return w.impl.Name()
}

// GetBuilder validates the common inputs and returns the engine builder
// without running it. The CLI uses this for dry runs.
func (w *WorkChain) GetBuilder(inputs map[string]interface{}) (*runtime.Builder, error) {
	return w.impl.Generator().GetBuilder(inputs)
}

// Run executes the workflow: construct the engine builder, run the
// sub-process, then convert its outputs. Input validation failures are
// returned as errors; a failing sub-process is reported through the exit
// status so callers can distinguish bad inputs from failed calculations.
func (w *WorkChain) Run(ctx context.Context, inputs map[string]interface{}) (*runtime.Result, error) {
	builder, err := w.GetBuilder(inputs)
	if err != nil {
		return nil, err
	}

	w.logger.WithField("process", builder.Process).Info("Running relaxation sub process")

	sub, err := w.runner.Run(ctx, builder)
	if err != nil {
		return nil, fmt.Errorf("failed to run %s sub process: %w", builder.Process, err)
	}
	if !sub.Finished() {
		w.logger.WithField("process", builder.Process).
			WithField("exit_status", sub.ExitStatus).
			Error("Relaxation sub process failed")
		return &runtime.Result{
			ExitStatus: ExitSubProcessFailed,
			ExitMessage: fmt.Sprintf("the %s sub process failed with exit status %d",
				builder.Process, sub.ExitStatus),
		}, nil
	}

	outputs, err := w.impl.ConvertOutputs(sub)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s outputs: %w", w.impl.Name(), err)
	}

	result := SuccessResult(outputs)
	if provider, ok := w.impl.(ReferenceProvider); ok {
		if reference := provider.ReferenceOutputs(sub); len(reference) > 0 {
			result.Outputs[OutputReference] = reference
		}
	}
	return result, nil
}

// ProcessFunc adapts the workchain for registration with a runner, so the
// composite workflows can submit it by process name.
func (w *WorkChain) ProcessFunc() runtime.ProcessFunc {
	return func(ctx context.Context, process *runtime.Process) (*runtime.Result, error) {
		return w.Run(ctx, process.Inputs)
	}
}

// SuccessResult packs normalized outputs into a zero-exit result, omitting
// the optional ports the engine did not produce.
func SuccessResult(outputs *workflows.RelaxOutputs) *runtime.Result {
	result := &runtime.Result{
		ExitStatus: 0,
		Outputs: map[string]interface{}{
			OutputTotalEnergy: outputs.TotalEnergy,
		},
	}
	if outputs.Forces != nil {
		result.Outputs[OutputForces] = outputs.Forces
	}
	if outputs.RelaxedStructure != nil {
		result.Outputs[OutputRelaxedStructure] = outputs.RelaxedStructure
	}
	if outputs.Stress != nil {
		result.Outputs[OutputStress] = *outputs.Stress
	}
	if outputs.TotalMagnetization != nil {
		result.Outputs[OutputTotalMagnetization] = *outputs.TotalMagnetization
	}
	if outputs.RemoteFolder != "" {
		result.Outputs[OutputRemoteFolder] = outputs.RemoteFolder
	}
	return result
}

// OutputsFrom reads the common output ports back out of a finished result.
// The composite workflows use this to collect energies and magnetizations
// from their relaxation sub-processes.
func OutputsFrom(result *runtime.Result) (*workflows.RelaxOutputs, error) {
	if !result.Finished() {
		return nil, fmt.Errorf("result did not finish successfully (exit status %d)", result.ExitStatus)
	}

	outputs := &workflows.RelaxOutputs{}

	energy, ok := result.Output(OutputTotalEnergy)
	if !ok {
		return nil, fmt.Errorf("result is missing the %s output", OutputTotalEnergy)
	}
	value, ok := energy.(float64)
	if !ok {
		return nil, fmt.Errorf("output %s has type %T, expected float64", OutputTotalEnergy, energy)
	}
	outputs.TotalEnergy = value

	if forces, ok := result.Output(OutputForces); ok {
		if typed, ok := forces.([][3]float64); ok {
			outputs.Forces = typed
		}
	}
	if structure, ok := result.Output(OutputRelaxedStructure); ok {
		if typed, ok := structure.(*crystal.Structure); ok {
			outputs.RelaxedStructure = typed
		}
	}
	if stress, ok := result.Output(OutputStress); ok {
		if typed, ok := stress.([3][3]float64); ok {
			outputs.Stress = &typed
		}
	}
	if magnetization, ok := result.Output(OutputTotalMagnetization); ok {
		if typed, ok := magnetization.(float64); ok {
			outputs.TotalMagnetization = &typed
		}
	}
	if folder, ok := result.Output(OutputRemoteFolder); ok {
		if typed, ok := folder.(string); ok {
			outputs.RemoteFolder = typed
		}
	}

	return outputs, nil
}
