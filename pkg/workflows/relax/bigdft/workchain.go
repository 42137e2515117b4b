package bigdft

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

// Implementation is the BigDFT relaxation implementation.
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

// ConvertOutputs normalizes the BigDFT outputs from the parsed logfile
// document. Energies come in Hartree and forces in Ha/Bohr.
func (i *Implementation) ConvertOutputs(result *runtime.Result) (*workflows.RelaxOutputs, error) {
	raw, ok := result.Output("logfile")
	if !ok {
		return nil, fmt.Errorf("output %q is missing", "logfile")
	}
	logfile, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("output %q is not a document", "logfile")
	}

	energy, err := relax.FloatValue(logfile["energy"])
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", "logfile", err)
	}

	var forces [][3]float64
	if logfile["forces"] != nil {
		forces, err = relax.ForcesValue(logfile["forces"], workflows.HaPerBohrToEvPerAng)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", "logfile", err)
		}
	}

	structure, err := relax.StructureOutput(result, "relaxed_structure")
	if err != nil {
		return nil, err
	}

	return &workflows.RelaxOutputs{
		TotalEnergy:      energy * workflows.HaToEv,
		Forces:           forces,
		RelaxedStructure: structure,
		RemoteFolder:     relax.StringOutput(result, "remote_folder"),
	}, nil
}

// ReferenceOutputs exposes the wavelet grid spacing and the first cell
// length of a finished run so follow-up volumes keep a commensurate
// real-space grid.
func (i *Implementation) ReferenceOutputs(sub *runtime.Result) map[string]interface{} {
	reference := map[string]interface{}{}
	raw, _ := sub.Output("logfile")
	logfile, _ := raw.(map[string]interface{})
	if logfile == nil {
		return reference
	}
	if dft, ok := logfile["dft"].(map[string]interface{}); ok {
		if value, err := firstValue(dft["hgrids"]); err == nil {
			reference["hgrids"] = value
		}
	}
	if value, err := firstValue(logfile["cell_lengths"]); err == nil {
		reference["cell_length"] = value
	}
	return reference
}

// firstValue reads a scalar that BigDFT sometimes reports as a per-axis
// list, taking the first entry in that case.
func firstValue(raw interface{}) (float64, error) {
	switch list := raw.(type) {
	case []interface{}:
		if len(list) == 0 {
			return 0, fmt.Errorf("value is empty")
		}
		raw = list[0]
	case []float64:
		if len(list) == 0 {
			return 0, fmt.Errorf("value is empty")
		}
		raw = list[0]
	}
	return relax.FloatValue(raw)
}
