package abinit

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

// Implementation is the ABINIT relaxation implementation.
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

// ConvertOutputs normalizes the ABINIT parser outputs. Energies and forces
// arrive in eV and eV/Å; the Cartesian stress tensor arrives in GPa.
func (i *Implementation) ConvertOutputs(result *runtime.Result) (*workflows.RelaxOutputs, error) {
	energy, err := relax.FloatOutput(result, "energy", 1)
	if err != nil {
		return nil, err
	}
	forces, err := relax.ForcesOutput(result, "forces", 1)
	if err != nil {
		return nil, err
	}
	stress, err := relax.StressOutput(result, "cart_stress_tensor", workflows.GPaToEvPerA3)
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

// ReferenceOutputs exposes the k-point mesh and shifts of a finished run for
// reuse by follow-up volumes.
func (i *Implementation) ReferenceOutputs(sub *runtime.Result) map[string]interface{} {
	reference := map[string]interface{}{}
	if mesh, ok := sub.Output("kpoints_mesh"); ok {
		reference["kpoints_mesh"] = mesh
	}
	if shiftk, ok := sub.Output("shiftk"); ok {
		reference["shiftk"] = shiftk
	}
	if nshiftk, ok := sub.Output("nshiftk"); ok {
		reference["nshiftk"] = nshiftk
	}
	return reference
}
