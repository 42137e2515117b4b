package siesta

import (
	"fmt"

	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/plugins"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows"
	"github.com/atomflow/atomflow/pkg/workflows/bands"
)

func init() {
	plugins.RegisterBands(New())
}

// Implementation is the SIESTA bands implementation.
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

// ConvertOutputs normalizes the parser outputs. Band energies arrive in eV
// and the Fermi energy sits in the output parameters as E_Fermi.
func (i *Implementation) ConvertOutputs(result *runtime.Result) (*workflows.BandsOutputs, error) {
	raw, ok := result.Output("bands")
	if !ok {
		return nil, fmt.Errorf("output %q is missing", "bands")
	}
	energies, err := bands.BandsValue(raw)
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", "bands", err)
	}

	raw, ok = result.Output("output_parameters")
	if !ok {
		return nil, fmt.Errorf("output %q is missing", "output_parameters")
	}
	parameters, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("output %q is not a document", "output_parameters")
	}
	fermi, err := bands.FloatValue(parameters["E_Fermi"])
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", "output_parameters", err)
	}

	outputs := &workflows.BandsOutputs{Bands: energies, FermiEnergy: fermi}
	if raw, ok := result.Output("bands_labels"); ok {
		labels, err := bands.LabelsValue(raw)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", "bands_labels", err)
		}
		outputs.Labels = labels
	}
	return outputs, nil
}
