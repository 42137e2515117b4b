package orca

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

// Implementation is the ORCA relaxation implementation.
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

// ConvertOutputs normalizes the ORCA parser outputs. The SCF energy series
// is already eV, the gradients stay in atomic units and the last entry of
// each series counts. The total moment is the sum of the Mulliken spin
// populations. There is no cell, hence no stress.
func (i *Implementation) ConvertOutputs(result *runtime.Result) (*workflows.RelaxOutputs, error) {
	energy, err := lastEnergy(result)
	if err != nil {
		return nil, err
	}
	forces, err := lastForces(result)
	if err != nil {
		return nil, err
	}
	structure, err := relax.StructureOutput(result, "relaxed_structure")
	if err != nil {
		return nil, err
	}

	outputs := &workflows.RelaxOutputs{
		TotalEnergy:      energy,
		Forces:           forces,
		RelaxedStructure: structure,
		RemoteFolder:     relax.StringOutput(result, "remote_folder"),
	}
	if magnetization, ok := mullikenMoment(result); ok {
		outputs.TotalMagnetization = &magnetization
	}
	return outputs, nil
}

// ReferenceOutputs returns nothing, a molecular run has no k-point settings
// worth reusing.
func (i *Implementation) ReferenceOutputs(sub *runtime.Result) map[string]interface{} {
	return map[string]interface{}{}
}

func lastEnergy(result *runtime.Result) (float64, error) {
	raw, ok := result.Output("scfenergies")
	if !ok {
		return 0, fmt.Errorf("output %q is missing", "scfenergies")
	}
	series, ok := asSlice(raw)
	if !ok || len(series) == 0 {
		return 0, fmt.Errorf("output %q is empty", "scfenergies")
	}
	energy, ok := series[len(series)-1].(float64)
	if !ok {
		return 0, fmt.Errorf("output %q holds %T, expected a number", "scfenergies", series[len(series)-1])
	}
	return energy, nil
}

// lastForces converts the last gradient set from Ha/Bohr to eV/Å. Single
// points without a gradient step leave the forces empty.
func lastForces(result *runtime.Result) ([][3]float64, error) {
	raw, ok := result.Output("grads")
	if !ok {
		return nil, nil
	}
	steps, ok := asSlice(raw)
	if !ok || len(steps) == 0 {
		return nil, nil
	}
	rows, ok := asSlice(steps[len(steps)-1])
	if !ok {
		return nil, fmt.Errorf("output %q holds %T, expected gradient rows", "grads", steps[len(steps)-1])
	}
	factor := workflows.AngToBohr / workflows.EvToHa
	forces := make([][3]float64, len(rows))
	for i, row := range rows {
		components, ok := asSlice(row)
		if !ok || len(components) != 3 {
			return nil, fmt.Errorf("gradient row %d is not a 3-vector", i)
		}
		for j, component := range components {
			value, ok := component.(float64)
			if !ok {
				return nil, fmt.Errorf("gradient row %d holds %T, expected a number", i, component)
			}
			forces[i][j] = value * factor
		}
	}
	return forces, nil
}

func mullikenMoment(result *runtime.Result) (float64, bool) {
	raw, ok := result.Output("atomspins")
	if !ok {
		return 0, false
	}
	spins, ok := raw.(map[string]interface{})
	if !ok {
		return 0, false
	}
	populations, ok := asSlice(spins["mulliken"])
	if !ok {
		return 0, false
	}
	total := 0.0
	for _, population := range populations {
		if value, ok := population.(float64); ok {
			total += value
		}
	}
	return total, true
}

func asSlice(raw interface{}) ([]interface{}, bool) {
	switch v := raw.(type) {
	case []interface{}:
		return v, true
	case []float64:
		out := make([]interface{}, len(v))
		for i, value := range v {
			out[i] = value
		}
		return out, true
	}
	return nil, false
}
