package phonons

import (
	"fmt"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

// Outputs collects the frozen phonon results. ForceSets holds one
// residual-corrected force set per displacement, in displacement order. The
// post-processing documents stay in the shape the phonopy code reported
// them and are nil when the step did not run or did not produce them.
type Outputs struct {
	SupercellStructure *crystal.Structure
	ForceSets          [][][3]float64
	PhononBands        interface{}
	PhononDos          interface{}
	ThermalProperties  interface{}
	ForceConstants     interface{}
}

// OutputsFrom reads the outputs back out of a finished result. Structures
// and force sets may be typed or plain documents, so results read back from
// a store convert the same way as in-process ones.
func OutputsFrom(result *runtime.Result) (*Outputs, error) {
	if !result.Finished() {
		return nil, fmt.Errorf("result did not finish successfully (exit status %d)", result.ExitStatus)
	}

	outputs := &Outputs{}

	raw, ok := result.Output(OutputSupercellStructure)
	if !ok {
		return nil, fmt.Errorf("output %q is missing", OutputSupercellStructure)
	}
	switch v := raw.(type) {
	case *crystal.Structure:
		outputs.SupercellStructure = v
	case map[string]interface{}:
		structure, err := crystal.FromDocument(v)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", OutputSupercellStructure, err)
		}
		outputs.SupercellStructure = structure
	default:
		return nil, fmt.Errorf("output %q: expected a structure, got %T", OutputSupercellStructure, raw)
	}

	raw, ok = result.Output(OutputForceSets)
	if !ok {
		return nil, fmt.Errorf("output %q is missing", OutputForceSets)
	}
	forceSets, err := forceSetsValue(raw)
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", OutputForceSets, err)
	}
	outputs.ForceSets = forceSets

	outputs.PhononBands, _ = result.Output(OutputPhononBands)
	outputs.PhononDos, _ = result.Output(OutputPhononDos)
	outputs.ThermalProperties, _ = result.Output(OutputThermalProperties)
	outputs.ForceConstants, _ = result.Output(OutputForceConstants)

	return outputs, nil
}

func forceSetsValue(raw interface{}) ([][][3]float64, error) {
	switch v := raw.(type) {
	case [][][3]float64:
		return v, nil
	case []interface{}:
		out := make([][][3]float64, len(v))
		for i, set := range v {
			forces, err := relax.ForcesValue(set, 1)
			if err != nil {
				return nil, fmt.Errorf("set %d: %w", i, err)
			}
			out[i] = forces
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list of force sets, got %T", raw)
	}
}
