package nwchem

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

// Implementation is the NWChem relaxation implementation.
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

// ConvertOutputs normalizes the NWChem outputs. An optimization reports its
// energy inside the final_energy block while a plain gradient task reports
// it at the top level. Energies come in Hartree and forces in atomic units.
func (i *Implementation) ConvertOutputs(result *runtime.Result) (*workflows.RelaxOutputs, error) {
	structure, err := relax.StructureOutput(result, "relaxed_structure")
	if err != nil {
		return nil, err
	}

	raw, _ := result.Output("final_energy")
	final, _ := raw.(map[string]interface{})

	var energy float64
	if structure != nil {
		if final == nil {
			return nil, fmt.Errorf("output %q is missing", "final_energy")
		}
		value, err := relax.FloatValue(final["total_energy"])
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", "final_energy", err)
		}
		energy = value * workflows.HaToEv
	} else {
		energy, err = relax.FloatOutput(result, "total_energy", workflows.HaToEv)
		if err != nil {
			return nil, err
		}
	}

	var forces [][3]float64
	if final != nil {
		forces, err = relax.ForcesValue(final["forces"], workflows.HaPerBohrToEvPerAng)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", "final_energy", err)
		}
	}

	return &workflows.RelaxOutputs{
		TotalEnergy:      energy,
		Forces:           forces,
		RelaxedStructure: structure,
		RemoteFolder:     relax.StringOutput(result, "remote_folder"),
	}, nil
}

// ReferenceOutputs exposes the Monkhorst-Pack mesh of a finished run so
// follow-up volumes sample the same grid.
func (i *Implementation) ReferenceOutputs(sub *runtime.Result) map[string]interface{} {
	reference := map[string]interface{}{}
	if mesh, ok := sub.Output("monkhorst_pack"); ok {
		reference["monkhorst_pack"] = mesh
	}
	return reference
}
