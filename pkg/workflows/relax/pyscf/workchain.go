package pyscf

import (
	"fmt"

	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/plugins"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

func init() {
	plugins.RegisterRelax(New())
}

// Implementation is the PySCF relaxation implementation.
type Implementation struct {
	gen *generator.InputGenerator
}

// New creates the implementation.
func New() *Implementation {
	return &Implementation{
		gen: generator.MustNew(processName, newSpec(), construct),
	}
}

// Name returns the engine name.
func (i *Implementation) Name() string { return EngineName }

// Generator returns the input generator.
func (i *Implementation) Generator() *generator.InputGenerator { return i.gen }

// ConvertOutputs normalizes the PySCF outputs. The parsed results document
// already reports the energy in eV and the forces in eV/Å.
func (i *Implementation) ConvertOutputs(result *runtime.Result) (*workflows.RelaxOutputs, error) {
	raw, ok := result.Output("parameters")
	if !ok {
		return nil, fmt.Errorf("output %q is missing", "parameters")
	}
	parameters, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("output %q is not a document", "parameters")
	}

	energy, err := relax.FloatValue(parameters["total_energy"])
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", "parameters", err)
	}
	forces, err := relax.ForcesValue(parameters["forces"], 1)
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", "parameters", err)
	}

	structure, err := relax.StructureOutput(result, "relaxed_structure")
	if err != nil {
		return nil, err
	}

	return &workflows.RelaxOutputs{
		TotalEnergy:      energy,
		Forces:           forces,
		RelaxedStructure: structure,
		RemoteFolder:     relax.StringOutput(result, "remote_folder"),
	}, nil
}

// ReferenceOutputs returns nothing, a molecular code has no sampling to
// reuse between volumes.
func (i *Implementation) ReferenceOutputs(sub *runtime.Result) map[string]interface{} {
	return map[string]interface{}{}
}
