package vasp

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

// Implementation is the VASP relaxation implementation.
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

// ConvertOutputs normalizes the VASP parser outputs. The electronic free
// energy series and forces come in eV and eV/Å; the stress arrives in kbar,
// the magnetization as a per-spin-channel list that is empty for
// unpolarized runs.
func (i *Implementation) ConvertOutputs(result *runtime.Result) (*workflows.RelaxOutputs, error) {
	energy, err := firstOf(result, "energy_free_electronic")
	if err != nil {
		return nil, err
	}
	forces, err := relax.ForcesOutput(result, "forces", 1)
	if err != nil {
		return nil, err
	}
	stress, err := relax.StressOutput(result, "stress", workflows.KBarToEvPerA3)
	if err != nil {
		return nil, err
	}
	structure, err := relax.StructureOutput(result, "relaxed_structure")
	if err != nil {
		return nil, err
	}
	magnetization := totalMagnetization(result)

	return &workflows.RelaxOutputs{
		TotalEnergy:        energy,
		Forces:             forces,
		RelaxedStructure:   structure,
		Stress:             stress,
		TotalMagnetization: &magnetization,
		RemoteFolder:       relax.StringOutput(result, "remote_folder"),
	}, nil
}

// ReferenceOutputs exposes the k-point mesh of a finished run for reuse by
// follow-up volumes.
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

// firstOf reads the first entry of a numeric series output.
func firstOf(result *runtime.Result, key string) (float64, error) {
	raw, ok := result.Output(key)
	if !ok {
		return 0, fmt.Errorf("output %q is missing", key)
	}
	switch series := raw.(type) {
	case []float64:
		if len(series) == 0 {
			return 0, fmt.Errorf("output %q is empty", key)
		}
		return series[0], nil
	case []interface{}:
		if len(series) == 0 {
			return 0, fmt.Errorf("output %q is empty", key)
		}
		value, ok := series[0].(float64)
		if !ok {
			return 0, fmt.Errorf("output %q holds %T, expected a number", key, series[0])
		}
		return value, nil
	case float64:
		return series, nil
	}
	return 0, fmt.Errorf("output %q has type %T, expected a numeric series", key, raw)
}

// totalMagnetization reads the magnetization list, which is empty for
// unpolarized runs.
func totalMagnetization(result *runtime.Result) float64 {
	value, err := firstOf(result, "magnetization")
	if err != nil {
		return 0
	}
	return value
}
