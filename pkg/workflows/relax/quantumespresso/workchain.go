package quantumespresso

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

// Implementation is the Quantum ESPRESSO relaxation implementation.
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

// ConvertOutputs normalizes the pw.x parser outputs. Energies and forces
// already come in eV and eV/Å; the stress tensor arrives in GPa.
func (i *Implementation) ConvertOutputs(result *runtime.Result) (*workflows.RelaxOutputs, error) {
	energy, err := relax.FloatOutput(result, "total_energy", 1)
	if err != nil {
		return nil, err
	}
	forces, err := relax.ForcesOutput(result, "forces", 1)
	if err != nil {
		return nil, err
	}
	stress, err := relax.StressOutput(result, "stress", workflows.GPaToEvPerA3)
	if err != nil {
		return nil, err
	}
	magnetization, err := relax.OptionalFloatOutput(result, "total_magnetization", 1)
	if err != nil {
		return nil, err
	}
	structure, err := relax.StructureOutput(result, "relaxed_structure")
	if err != nil {
		return nil, err
	}

	return &workflows.RelaxOutputs{
		TotalEnergy:        energy,
		Forces:             forces,
		RelaxedStructure:   structure,
		Stress:             stress,
		TotalMagnetization: magnetization,
		RemoteFolder:       relax.StringOutput(result, "remote_folder"),
	}, nil
}

// ReferenceOutputs exposes the k-point mesh of a finished run so follow-up
// volumes of an equation of state sample the same grid.
func (i *Implementation) ReferenceOutputs(sub *runtime.Result) map[string]interface{} {
	reference := map[string]interface{}{}
	if mesh, ok := sub.Output("kpoints_mesh"); ok {
		reference["kpoints_mesh"] = mesh
	}
	if shift, ok := sub.Output("kpoints_shift"); ok {
		reference["kpoints_shift"] = shift
	}
	return reference
}
