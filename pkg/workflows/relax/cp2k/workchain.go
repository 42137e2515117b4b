package cp2k

import (
	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/plugins"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

func init() {
	plugins.RegisterRelax(New())
}

// Implementation is the CP2K relaxation implementation.
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

// ConvertOutputs normalizes the CP2K parser outputs. The energy arrives in
// Hartree, the forces in Hartree per Bohr and the stress in bar.
func (i *Implementation) ConvertOutputs(result *runtime.Result) (*workflows.RelaxOutputs, error) {
	energy, err := relax.FloatOutput(result, "energy", workflows.HaToEv)
	if err != nil {
		return nil, err
	}
	forces, err := relax.ForcesOutput(result, "forces", workflows.HaPerBohrToEvPerAng)
	if err != nil {
		return nil, err
	}
	stress, err := relax.StressOutput(result, "stress", workflows.BarToEvPerA3)
	if err != nil {
		return nil, err
	}
	structure, err := relax.StructureOutput(result, "relaxed_structure")
	if err != nil {
		return nil, err
	}

	return &workflows.RelaxOutputs{
		TotalEnergy:      energy,
		Forces:           forces,
		RelaxedStructure: structure,
		Stress:           stress,
		RemoteFolder:     relax.StringOutput(result, "remote_folder"),
	}, nil
}

// ReferenceOutputs exposes the k-point mesh and reference cell of a finished
// run for reuse by follow-up volumes.
func (i *Implementation) ReferenceOutputs(sub *runtime.Result) map[string]interface{} {
	reference := map[string]interface{}{}
	if mesh, ok := sub.Output("kpoints_mesh"); ok {
		reference["kpoints_mesh"] = mesh
	}
	if cellRef, ok := sub.Output("cell_ref"); ok {
		reference["cell_ref"] = cellRef
	}
	return reference
}
