package wien2k

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

// Implementation is the WIEN2k workflow implementation.
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

// ConvertOutputs normalizes the run123_lapw results document. The driver
// reports the total energy in Ry and never computes forces.
func (i *Implementation) ConvertOutputs(result *runtime.Result) (*workflows.RelaxOutputs, error) {
	raw, ok := result.Output("workchain_result")
	if !ok {
		return nil, fmt.Errorf("output %q is missing", "workchain_result")
	}
	document, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("output %q is not a document", "workchain_result")
	}
	energy, err := relax.FloatValue(document["EtotRyd"])
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", "workchain_result", err)
	}

	structure, err := relax.StructureOutput(result, "relaxed_structure")
	if err != nil {
		return nil, err
	}

	return &workflows.RelaxOutputs{
		TotalEnergy:      energy * workflows.RyToEv,
		RelaxedStructure: structure,
		RemoteFolder:     relax.StringOutput(result, "remote_folder"),
	}, nil
}

// ReferenceOutputs exposes the muffin-tin radii and the meshes of a
// finished run so follow-up volumes use identical spheres and sampling.
func (i *Implementation) ReferenceOutputs(sub *runtime.Result) map[string]interface{} {
	reference := map[string]interface{}{}
	raw, ok := sub.Output("workchain_result")
	if !ok {
		return reference
	}
	document, ok := raw.(map[string]interface{})
	if !ok {
		return reference
	}
	if radii, ok := document["Rmt"]; ok {
		reference["rmt"] = radii
	}
	if labels, ok := document["atom_labels"]; ok {
		reference["atom_labels"] = labels
	}
	for _, key := range []string{"kmesh3", "kmesh3k", "fftmesh3k"} {
		if mesh, ok := document[key].(string); ok && mesh != "" {
			reference[key] = mesh
		}
	}
	return reference
}
