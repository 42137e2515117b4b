package abacus

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

// Implementation is the ABACUS relaxation implementation.
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

// ConvertOutputs normalizes the miscellaneous results document. The parser
// reports the free energy in eV and forces in eV/Å, which pass through
// unchanged, while the stress tensor arrives in kbar.
func (i *Implementation) ConvertOutputs(result *runtime.Result) (*workflows.RelaxOutputs, error) {
	raw, ok := result.Output("misc")
	if !ok {
		return nil, fmt.Errorf("output %q is missing", "misc")
	}
	misc, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("output %q is not a document", "misc")
	}

	energy, err := relax.FloatValue(misc["total_energy"])
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", "misc", err)
	}
	forces, err := relax.ForcesValue(misc["final_forces"], 1)
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", "misc", err)
	}
	stress, err := relax.StressValue(misc["final_stress"], workflows.KBarToEvPerA3)
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", "misc", err)
	}

	var magnetization *float64
	if raw, ok := misc["total_magnetization"]; ok {
		value, err := relax.FloatValue(raw)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", "misc", err)
		}
		magnetization = &value
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
