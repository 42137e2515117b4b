package bands

import (
	"context"
	"fmt"

	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/telemetry"
	"github.com/atomflow/atomflow/pkg/workflows"
)

// ExitSubProcessFailed is returned when the engine sub-process does not
// finish successfully or does not produce a band structure.
const ExitSubProcessFailed = 400

// Output port names shared by every engine implementation.
const (
	OutputBands       = "bands"
	OutputFermiEnergy = "fermi_energy"
	OutputLabels      = "labels"
)

// Implementation is what an engine package contributes to the common bands
// workflow.
type Implementation interface {
	// Name returns the engine name, e.g. "siesta".
	Name() string

	// Generator returns the engine's input generator.
	Generator() *generator.InputGenerator

	// ConvertOutputs maps a finished sub-process result onto the common
	// bands schema with energies in eV.
	ConvertOutputs(result *runtime.Result) (*workflows.BandsOutputs, error)
}

// WorkChain runs the common bands workflow for one engine.
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
		logger: logger.NewComponentLogger("bands." + impl.Name()),
	}
}

// Engine returns the engine name this workchain drives.
func (w *WorkChain) Engine() string {
	return w.impl.Name()
}

// GetBuilder validates the common inputs and returns the engine builder
// without running it.
func (w *WorkChain) GetBuilder(inputs map[string]interface{}) (*runtime.Builder, error) {
	return w.impl.Generator().GetBuilder(inputs)
}

// Run executes the workflow: construct the engine builder, run the
// sub-process and convert its outputs.
func (w *WorkChain) Run(ctx context.Context, inputs map[string]interface{}) (*runtime.Result, error) {
	builder, err := w.GetBuilder(inputs)
	if err != nil {
		return nil, err
	}

	w.logger.WithField("process", builder.Process).Info("Running bands sub process")

	sub, err := w.runner.Run(ctx, builder)
	if err != nil {
		return nil, fmt.Errorf("failed to run %s sub process: %w", builder.Process, err)
	}
	if !sub.Finished() {
		w.logger.WithField("process", builder.Process).
			WithField("exit_status", sub.ExitStatus).
			Error("Bands sub process failed")
		return &runtime.Result{
			ExitStatus: ExitSubProcessFailed,
			ExitMessage: fmt.Sprintf("the %s sub process failed with exit status %d",
				builder.Process, sub.ExitStatus),
		}, nil
	}

	outputs, err := w.impl.ConvertOutputs(sub)
	if err != nil {
		w.logger.WithError(err).Error("Bands sub process produced no band structure")
		return &runtime.Result{
			ExitStatus: ExitSubProcessFailed,
			ExitMessage: fmt.Sprintf("the %s sub process did not produce a band structure: %v",
				builder.Process, err),
		}, nil
	}

	return SuccessResult(outputs), nil
}

// ProcessFunc adapts the workchain for registration with a runner.
func (w *WorkChain) ProcessFunc() runtime.ProcessFunc {
	return func(ctx context.Context, process *runtime.Process) (*runtime.Result, error) {
		return w.Run(ctx, process.Inputs)
	}
}

// SuccessResult packs normalized bands outputs into a zero-exit result.
func SuccessResult(outputs *workflows.BandsOutputs) *runtime.Result {
	result := &runtime.Result{
		ExitStatus: 0,
		Outputs: map[string]interface{}{
			OutputBands:       outputs.Bands,
			OutputFermiEnergy: outputs.FermiEnergy,
		},
	}
	if len(outputs.Labels) > 0 {
		result.Outputs[OutputLabels] = outputs.Labels
	}
	return result
}

// OutputsFrom reads the common bands ports back out of a finished result.
func OutputsFrom(result *runtime.Result) (*workflows.BandsOutputs, error) {
	if !result.Finished() {
		return nil, fmt.Errorf("result did not finish successfully (exit status %d)", result.ExitStatus)
	}

	outputs := &workflows.BandsOutputs{}

	bands, ok := result.Output(OutputBands)
	if !ok {
		return nil, fmt.Errorf("result is missing the %s output", OutputBands)
	}
	typed, ok := bands.([][]float64)
	if !ok {
		return nil, fmt.Errorf("output %s has type %T, expected [][]float64", OutputBands, bands)
	}
	outputs.Bands = typed

	fermi, ok := result.Output(OutputFermiEnergy)
	if !ok {
		return nil, fmt.Errorf("result is missing the %s output", OutputFermiEnergy)
	}
	value, ok := fermi.(float64)
	if !ok {
		return nil, fmt.Errorf("output %s has type %T, expected float64", OutputFermiEnergy, fermi)
	}
	outputs.FermiEnergy = value

	if labels, ok := result.Output(OutputLabels); ok {
		if typed, ok := labels.(map[string]int); ok {
			outputs.Labels = typed
		}
	}

	return outputs, nil
}
