package gpaw

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

// Implementation is the GPAW relaxation implementation.
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

// The total energy is assembled from its contributions because GPAW does
// not report the sum among them.
var energyContributions = []string{"xc", "local", "kinetic", "external", "potential", "entropy (-st)"}

// ConvertOutputs normalizes the GPAW outputs. The ASE interface already
// works in eV and eV/Å, so no unit conversion applies.
func (i *Implementation) ConvertOutputs(result *runtime.Result) (*workflows.RelaxOutputs, error) {
	raw, ok := result.Output("energy_contributions")
	if !ok {
		return nil, fmt.Errorf("output %q is missing", "energy_contributions")
	}
	contributions, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("output %q is not a document", "energy_contributions")
	}

	energy := 0.0
	for _, key := range energyContributions {
		value, err := relax.FloatValue(contributions[key])
		if err != nil {
			return nil, fmt.Errorf("output %q is missing the %q contribution", "energy_contributions", key)
		}
		energy += value
	}

	forces, err := relax.ForcesOutput(result, "forces", 1)
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
		RemoteFolder:     relax.StringOutput(result, "remote_folder"),
	}, nil
}

// ReferenceOutputs exposes the k-point sampling of a finished run so
// follow-up volumes use the same mesh.
func (i *Implementation) ReferenceOutputs(sub *runtime.Result) map[string]interface{} {
	reference := map[string]interface{}{}
	if mesh, ok := sub.Output("kpoints_mesh"); ok {
		reference["kpoints_mesh"] = mesh
	}
	if offset, ok := sub.Output("kpoints_offset"); ok {
		reference["kpoints_offset"] = offset
	}
	return reference
}
