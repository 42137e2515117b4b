package fleur

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

// Implementation is the FLEUR relaxation implementation.
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

// ConvertOutputs normalizes the FLEUR outputs. The energy and the total
// magnetic moment of the cell come in eV and Bohr magnetons. The relax
// output carries no per-atom force array yet, so the forces stay empty.
func (i *Implementation) ConvertOutputs(result *runtime.Result) (*workflows.RelaxOutputs, error) {
	energy, err := relax.FloatOutput(result, "energy", 1)
	if err != nil {
		return nil, err
	}
	magnetization, err := relax.OptionalFloatOutput(result, "total_magnetic_moment_cell", 1)
	if err != nil {
		return nil, err
	}
	structure, err := relax.StructureOutput(result, "relaxed_structure")
	if err != nil {
		return nil, err
	}
	var forces [][3]float64
	if _, ok := result.Output("forces"); ok {
		forces, err = relax.ForcesOutput(result, "forces", 1)
		if err != nil {
			return nil, err
		}
	}

	return &workflows.RelaxOutputs{
		TotalEnergy:        energy,
		Forces:             forces,
		RelaxedStructure:   structure,
		TotalMagnetization: magnetization,
		RemoteFolder:       relax.StringOutput(result, "remote_folder"),
	}, nil
}

// ReferenceOutputs exposes the FLAPW parameters of a finished run so
// follow-up volumes keep the same basis and k-point set.
func (i *Implementation) ReferenceOutputs(sub *runtime.Result) map[string]interface{} {
	reference := map[string]interface{}{}
	if params, ok := sub.Output("flapw_parameters"); ok {
		reference["flapw_parameters"] = params
	}
	return reference
}
