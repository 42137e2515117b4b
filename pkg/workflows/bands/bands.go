// Package bands defines the engine-agnostic electronic band structure
// workflow. It computes band energies along an explicit k-point path,
// restarting from the remote folder of a previous relaxation or SCF
// calculation.
package bands

import (
	"fmt"

	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/workflows"
)

// CommonSpec returns a fresh copy of the common bands port spec.
func CommonSpec() *generator.Spec {
	spec := generator.NewSpec()

	spec.Input("bands_kpoints", generator.KindMap, generator.Required(),
		generator.Help("explicit k-point path with points and high-symmetry labels"))
	spec.Input("parent_folder", generator.KindString, generator.Required(),
		generator.Help("remote folder of the parent calculation to restart from"))
	spec.Input("parent_inputs", generator.KindMap, generator.NonDB(),
		generator.Help("input document of the parent calculation, for engines that rebuild restart inputs"))
	spec.DynamicNamespace("engines", true, func(entry *generator.Spec) {
		entry.Input("code", generator.KindString, generator.Required(),
			generator.Help("code label in name@computer form"))
		entry.Input("options", generator.KindMap,
			generator.Default(map[string]interface{}{}),
			generator.Help("scheduler options such as resources and wallclock"))
	})

	return spec
}

// Inputs is the typed view of validated common bands inputs.
type Inputs struct {
	Kpoints      map[string]interface{}
	ParentFolder string
	ParentInputs map[string]interface{}
	Engines      workflows.Engines
}

// CommonInputs extracts the common ports from a validated input map. The
// bands step must be configured and the k-point path must carry points.
func CommonInputs(validated map[string]interface{}) (*Inputs, error) {
	inputs := &Inputs{
		Kpoints:      validated["bands_kpoints"].(map[string]interface{}),
		ParentFolder: validated["parent_folder"].(string),
	}
	if parent, ok := validated["parent_inputs"].(map[string]interface{}); ok {
		inputs.ParentInputs = parent
	}

	if _, ok := inputs.Kpoints["points"]; !ok {
		return nil, fmt.Errorf("bands_kpoints must contain a points list")
	}

	raw, ok := validated["engines"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("engines input is missing")
	}
	engines := make(workflows.Engines, len(raw))
	for step, entry := range raw {
		fields, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("engine step %q is not a namespace", step)
		}
		spec := workflows.EngineSpec{}
		if code, ok := fields["code"].(string); ok {
			spec.Code = code
		}
		if options, ok := fields["options"].(map[string]interface{}); ok {
			spec.Options = options
		}
		engines[step] = spec
	}
	inputs.Engines = engines
	if err := inputs.Engines.Validate("bands"); err != nil {
		return nil, err
	}

	return inputs, nil
}

// ExplicitPath expands high-symmetry vertices into an explicit k-point list
// by linear interpolation, placing perSegment points on every leg including
// its end vertex. The returned label map points each vertex label at its
// position in the explicit list.
func ExplicitPath(labels []string, vertices [][3]float64, perSegment int) ([][3]float64, map[string]int, error) {
	if len(labels) != len(vertices) {
		return nil, nil, fmt.Errorf("got %d labels for %d vertices", len(labels), len(vertices))
	}
	if len(vertices) < 2 {
		return nil, nil, fmt.Errorf("a k-point path needs at least two vertices")
	}
	if perSegment < 1 {
		return nil, nil, fmt.Errorf("points per segment must be at least 1")
	}

	points := [][3]float64{vertices[0]}
	indexes := map[string]int{labels[0]: 0}
	for i := 1; i < len(vertices); i++ {
		from, to := vertices[i-1], vertices[i]
		for step := 1; step <= perSegment; step++ {
			t := float64(step) / float64(perSegment)
			points = append(points, [3]float64{
				from[0] + t*(to[0]-from[0]),
				from[1] + t*(to[1]-from[1]),
				from[2] + t*(to[2]-from[2]),
			})
		}
		indexes[labels[i]] = len(points) - 1
	}
	return points, indexes, nil
}

// KpointPathDocument builds the bands_kpoints wire document from explicit
// points and labels. The CLI and tests use it to construct paths.
func KpointPathDocument(points [][3]float64, labels map[string]int) map[string]interface{} {
	list := make([]interface{}, len(points))
	for i, point := range points {
		list[i] = []float64{point[0], point[1], point[2]}
	}
	document := map[string]interface{}{"points": list}
	if len(labels) > 0 {
		converted := make(map[string]interface{}, len(labels))
		for label, index := range labels {
			converted[label] = index
		}
		document["labels"] = converted
	}
	return document
}
