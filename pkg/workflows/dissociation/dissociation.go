// Package dissociation computes the dissociation curve of a diatomic
// molecule: the total energy at a series of interatomic distances. Any
// engine implementing the common relaxation workflow can drive the
// individual points, always as single point calculations since the
// geometry at each distance is fixed.
package dissociation

import (
	"fmt"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/workflows"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

// Default sampling of the distance axis when no explicit distances are
// given.
const (
	DefaultDistancesCount = 20
	DefaultDistanceMin    = 0.5
	DefaultDistanceMax    = 3.0
)

// Spec returns the port spec of the dissociation curve workflow: the common
// relaxation ports plus the distance sampling controls. An explicit
// distances list overrides the count/min/max triple. The relax type is
// pinned to none.
func Spec() *generator.Spec {
	spec := relax.CommonSpec()

	spec.Input("distances", generator.KindFloatList, generator.NonDB(),
		generator.Help("explicit distances in Ångstrom, at least two"))
	spec.Input("distances_count", generator.KindInt, generator.NonDB(),
		generator.Default(DefaultDistancesCount),
		generator.Help("number of equidistant points on the curve"))
	spec.Input("distance_min", generator.KindFloat, generator.NonDB(),
		generator.Default(DefaultDistanceMin),
		generator.Help("smallest tested distance in Ångstrom"))
	spec.Input("distance_max", generator.KindFloat, generator.NonDB(),
		generator.Default(DefaultDistanceMax),
		generator.Help("largest tested distance in Ångstrom"))

	relax.RestrictRelaxTypes(spec, workflows.RelaxNone)
	spec.SetDefault("relax_type", string(workflows.RelaxNone))

	return spec
}

// Inputs is the typed view of validated dissociation curve inputs.
type Inputs struct {
	Structure      *crystal.Structure
	Distances      []float64
	DistancesCount int
	DistanceMin    float64
	DistanceMax    float64

	// Generator holds the validated relaxation ports forwarded to every
	// sub-process, without the structure and the sampling controls.
	Generator map[string]interface{}
}

// CommonInputs extracts the typed inputs from a validated input map. The
// structure must be a diatomic molecule. An explicit distances list needs at
// least two positive entries, a generated one needs distances_count of at
// least two and positive bounds with distance_min below distance_max.
func CommonInputs(validated map[string]interface{}) (*Inputs, error) {
	common, err := relax.CommonInputs(validated)
	if err != nil {
		return nil, err
	}
	if !common.Structure.IsDiatomic() {
		return nil, fmt.Errorf("only diatomic molecules are supported, got %s with %d sites",
			common.Structure.Formula(), len(common.Structure.Sites))
	}

	inputs := &Inputs{
		Structure: common.Structure,
		Generator: make(map[string]interface{}, len(validated)),
	}
	for key, value := range validated {
		switch key {
		case "structure", "distances", "distances_count", "distance_min", "distance_max", "reference_workchain":
			continue
		}
		inputs.Generator[key] = value
	}

	if distances, ok := validated["distances"].([]float64); ok {
		inputs.Distances = distances
	}
	if count, ok := validated["distances_count"].(int); ok {
		inputs.DistancesCount = count
	}
	if min, ok := validated["distance_min"].(float64); ok {
		inputs.DistanceMin = min
	}
	if max, ok := validated["distance_max"].(float64); ok {
		inputs.DistanceMax = max
	}

	if inputs.Distances != nil {
		if len(inputs.Distances) < 2 {
			return nil, fmt.Errorf("need at least 2 distances, got %d", len(inputs.Distances))
		}
		for _, distance := range inputs.Distances {
			if distance <= 0 {
				return nil, fmt.Errorf("distances must be positive, got %v", distance)
			}
		}
		return inputs, nil
	}

	if inputs.DistancesCount < 2 {
		return nil, fmt.Errorf("need at least 2 distances, got distances_count %d", inputs.DistancesCount)
	}
	if inputs.DistanceMin <= 0 {
		return nil, fmt.Errorf("distance_min must be bigger than zero, got %v", inputs.DistanceMin)
	}
	if inputs.DistanceMin >= inputs.DistanceMax {
		return nil, fmt.Errorf("distance_min must be smaller than distance_max, got %v >= %v",
			inputs.DistanceMin, inputs.DistanceMax)
	}
	return inputs, nil
}

// Sampled returns the distances to compute: the explicit list when given,
// otherwise distances_count equidistant points from distance_min to
// distance_max inclusive.
func (in *Inputs) Sampled() []float64 {
	if in.Distances != nil {
		return in.Distances
	}
	distances := make([]float64, in.DistancesCount)
	step := (in.DistanceMax - in.DistanceMin) / float64(in.DistancesCount-1)
	for i := range distances {
		distances[i] = in.DistanceMin + float64(i)*step
	}
	return distances
}
