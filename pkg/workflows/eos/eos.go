// Package eos computes the equation of state of a crystal: the total energy
// of the structure at a series of scaled volumes around the input cell. Any
// engine implementing the common relaxation workflow can drive the
// individual volumes. The volume of each sub-calculation must stay fixed, so
// only relax types that preserve it are accepted.
package eos

import (
	"fmt"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/workflows"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

// Default sampling of the volume axis when no explicit scale factors are
// given.
const (
	DefaultScaleCount     = 7
	DefaultScaleIncrement = 0.02
)

// Spec returns the port spec of the equation of state workflow: the common
// relaxation ports plus the volume sampling controls. An explicit
// scale_factors list overrides the scale_count and scale_increment pair.
func Spec() *generator.Spec {
	spec := relax.CommonSpec()

	spec.Input("scale_factors", generator.KindFloatList, generator.NonDB(),
		generator.Help("explicit volume scale factors, at least three"))
	spec.Input("scale_count", generator.KindInt, generator.NonDB(),
		generator.Default(DefaultScaleCount),
		generator.Help("number of equidistant scale factors centered on one"))
	spec.Input("scale_increment", generator.KindFloat, generator.NonDB(),
		generator.Default(DefaultScaleIncrement),
		generator.Help("difference between consecutive scale factors"))

	relax.RestrictRelaxTypes(spec,
		workflows.RelaxNone, workflows.RelaxPositions,
		workflows.RelaxShape, workflows.RelaxPositionsShape)

	return spec
}

// Inputs is the typed view of validated equation of state inputs.
type Inputs struct {
	Structure      *crystal.Structure
	ScaleFactors   []float64
	ScaleCount     int
	ScaleIncrement float64

	// Generator holds the validated relaxation ports forwarded to every
	// sub-process, without the structure and the sampling controls.
	Generator map[string]interface{}
}

// CommonInputs extracts the typed inputs from a validated input map and
// checks the volume sampling: an explicit list needs at least three positive
// factors, a generated one needs scale_count of at least three and an
// increment strictly between zero and one.
func CommonInputs(validated map[string]interface{}) (*Inputs, error) {
	common, err := relax.CommonInputs(validated)
	if err != nil {
		return nil, err
	}

	inputs := &Inputs{
		Structure: common.Structure,
		Generator: make(map[string]interface{}, len(validated)),
	}
	for key, value := range validated {
		switch key {
		case "structure", "scale_factors", "scale_count", "scale_increment", "reference_workchain":
			continue
		}
		inputs.Generator[key] = value
	}

	if factors, ok := validated["scale_factors"].([]float64); ok {
		inputs.ScaleFactors = factors
	}
	if count, ok := validated["scale_count"].(int); ok {
		inputs.ScaleCount = count
	}
	if increment, ok := validated["scale_increment"].(float64); ok {
		inputs.ScaleIncrement = increment
	}

	if inputs.ScaleFactors != nil {
		if len(inputs.ScaleFactors) < 3 {
			return nil, fmt.Errorf("need at least 3 scale factors, got %d", len(inputs.ScaleFactors))
		}
		for _, factor := range inputs.ScaleFactors {
			if factor <= 0 {
				return nil, fmt.Errorf("scale factors must be positive, got %v", factor)
			}
		}
		return inputs, nil
	}

	if inputs.ScaleCount < 3 {
		return nil, fmt.Errorf("need at least 3 scale factors, got scale_count %d", inputs.ScaleCount)
	}
	if inputs.ScaleIncrement <= 0 || inputs.ScaleIncrement >= 1 {
		return nil, fmt.Errorf("scale_increment must be between 0 and 1, got %v", inputs.ScaleIncrement)
	}
	return inputs, nil
}

// Factors returns the volume scale factors to sample: the explicit list when
// given, otherwise scale_count equidistant factors centered on one.
func (in *Inputs) Factors() []float64 {
	if in.ScaleFactors != nil {
		return in.ScaleFactors
	}
	factors := make([]float64, in.ScaleCount)
	for i := range factors {
		factors[i] = 1 + float64(i)*in.ScaleIncrement - float64(in.ScaleCount-1)*in.ScaleIncrement/2
	}
	return factors
}
