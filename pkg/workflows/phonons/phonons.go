// Package phonons computes harmonic phonons of a crystal with finite
// displacements: every site of a supercell is displaced along every
// Cartesian axis in both directions, the forces of each displaced supercell
// are collected into force sets, and an optional external phonopy style
// code post-processes them into band structures, densities of states or
// thermal properties. Any engine implementing the common relaxation
// workflow can compute the forces. Born effective charges and dielectric
// tensors are not computed, so LO-TO splitting is missing for insulators.
package phonons

import (
	"fmt"
	"math"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/workflows"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

// DefaultDisplacement is the finite displacement magnitude in Ångstrom.
const DefaultDisplacement = 0.01

// Spec returns the port spec of the frozen phonons workflow: the common
// relaxation ports plus the supercell, displacement and post-processing
// controls. The relax type is pinned to none since every supercell is a
// fixed-geometry force calculation.
func Spec() *generator.Spec {
	spec := relax.CommonSpec()

	spec.Input("supercell_matrix", generator.KindFloatList, generator.NonDB(),
		generator.Default([]float64{2, 2, 2}),
		generator.Help("diagonal supercell repetitions, three positive whole numbers"))
	spec.Input("displacement", generator.KindFloat, generator.NonDB(),
		generator.Default(DefaultDisplacement),
		generator.Help("finite displacement magnitude in Ångstrom"))
	spec.Input("phonon_property", generator.KindString, generator.NonDB(),
		generator.Default(string(workflows.PhononNone)),
		generator.Choices(phononPropertyChoices()...),
		generator.Help("derived quantity the post-processing step computes"))

	relax.RestrictRelaxTypes(spec, workflows.RelaxNone)
	spec.SetDefault("relax_type", string(workflows.RelaxNone))

	return spec
}

func phononPropertyChoices() []interface{} {
	properties := workflows.PhononProperties()
	out := make([]interface{}, len(properties))
	for i, p := range properties {
		out[i] = string(p)
	}
	return out
}

// Displacement is one finite displacement of a supercell site along a
// Cartesian axis.
type Displacement struct {
	Site int
	Axis int
	Sign int
}

// Vector returns the Cartesian displacement vector at the given magnitude.
func (d Displacement) Vector(magnitude float64) [3]float64 {
	var out [3]float64
	out[d.Axis] = float64(d.Sign) * magnitude
	return out
}

// Apply returns a copy of the structure with the displacement applied to
// its site.
func (d Displacement) Apply(structure *crystal.Structure, magnitude float64) *crystal.Structure {
	out := structure.Clone()
	out.Sites[d.Site].Position[d.Axis] += float64(d.Sign) * magnitude
	return out
}

// Displacements enumerates the finite displacements of a supercell with the
// given number of sites: plus and minus along each Cartesian axis for every
// site, six per site, ordered site by site.
func Displacements(siteCount int) []Displacement {
	out := make([]Displacement, 0, 6*siteCount)
	for site := 0; site < siteCount; site++ {
		for axis := 0; axis < 3; axis++ {
			out = append(out, Displacement{Site: site, Axis: axis, Sign: 1})
			out = append(out, Displacement{Site: site, Axis: axis, Sign: -1})
		}
	}
	return out
}

// Inputs is the typed view of validated frozen phonon inputs.
type Inputs struct {
	Structure       *crystal.Structure
	SupercellMatrix [3]int
	Displacement    float64
	PhononProperty  workflows.PhononProperty
	Engines         workflows.Engines

	// Generator holds the validated relaxation ports forwarded to every
	// force sub-process, without the structure and the phonon controls.
	Generator map[string]interface{}
}

// CommonInputs extracts the typed inputs from a validated input map. The
// supercell matrix must hold exactly three positive whole numbers, the
// displacement must be positive. Per-site magnetization refers to the input
// cell and is checked against it here; the workchain tiles it onto the
// supercell.
func CommonInputs(validated map[string]interface{}) (*Inputs, error) {
	common, err := relax.CommonInputs(validated)
	if err != nil {
		return nil, err
	}

	inputs := &Inputs{
		Structure: common.Structure,
		Engines:   common.Engines,
		Generator: make(map[string]interface{}, len(validated)),
	}
	for key, value := range validated {
		switch key {
		case "structure", "supercell_matrix", "displacement", "phonon_property", "reference_workchain":
			continue
		}
		inputs.Generator[key] = value
	}

	matrix, _ := validated["supercell_matrix"].([]float64)
	if len(matrix) != 3 {
		return nil, fmt.Errorf("supercell_matrix needs exactly 3 diagonal elements, got %d", len(matrix))
	}
	for i, element := range matrix {
		if element < 1 || element != math.Trunc(element) {
			return nil, fmt.Errorf("supercell_matrix elements must be positive whole numbers, got %v", element)
		}
		inputs.SupercellMatrix[i] = int(element)
	}

	if displacement, ok := validated["displacement"].(float64); ok {
		inputs.Displacement = displacement
	}
	if inputs.Displacement <= 0 {
		return nil, fmt.Errorf("displacement must be bigger than zero, got %v", inputs.Displacement)
	}

	property, _ := validated["phonon_property"].(string)
	inputs.PhononProperty, err = workflows.ParsePhononProperty(property)
	if err != nil {
		return nil, err
	}

	return inputs, nil
}

// Supercell builds the pristine supercell of the input structure.
func (in *Inputs) Supercell() (*crystal.Structure, error) {
	return in.Structure.Supercell(in.SupercellMatrix[0], in.SupercellMatrix[1], in.SupercellMatrix[2])
}

// Images returns the number of unit cell images in the supercell.
func (in *Inputs) Images() int {
	return in.SupercellMatrix[0] * in.SupercellMatrix[1] * in.SupercellMatrix[2]
}
