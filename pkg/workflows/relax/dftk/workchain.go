package dftk

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

// Implementation is the DFTK workflow implementation.
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

// ConvertOutputs normalizes the DFTK outputs. The energy breakdown reports
// Hartree; Cartesian forces are in Ha/Bohr and appear only when the post-SCF
// step computed them.
func (i *Implementation) ConvertOutputs(result *runtime.Result) (*workflows.RelaxOutputs, error) {
	raw, ok := result.Output("output_parameters")
	if !ok {
		return nil, fmt.Errorf("output %q is missing", "output_parameters")
	}
	parameters, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("output %q is not a document", "output_parameters")
	}
	energies, ok := parameters["energies"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("output %q is missing the energy breakdown", "output_parameters")
	}
	total, err := relax.FloatValue(energies["total"])
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", "output_parameters", err)
	}

	var forces [][3]float64
	if raw, ok := result.Output("forces"); ok {
		forces, err = relax.ForcesValue(raw, workflows.HaPerBohrToEvPerAng)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", "forces", err)
		}
	}

	return &workflows.RelaxOutputs{
		TotalEnergy:  total * workflows.HaToEv,
		Forces:       forces,
		RemoteFolder: relax.StringOutput(result, "remote_folder"),
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
