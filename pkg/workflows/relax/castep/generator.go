// Package castep implements the common relaxation workflow for CASTEP.
// The generator maps the common ports onto .param keywords and cell
// constraints and the converter normalizes the trajectory outputs,
// converting the stress tensor from GPa to eV/Å³.
package castep

import (
	_ "embed"
	"fmt"
	"math"

	"gopkg.in/yaml.v3"

	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/protocol"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

//go:embed protocol.yml
var protocolSource []byte

//go:embed soft_elements.yml
var softSource []byte

// Protocols holds the named protocols of the CASTEP relaxation.
var Protocols = protocol.MustNewRegistry("castep.relax", protocolSource, "moderate")

var softElements = mustLoadSoftElements()

// EngineName is the registry name of this engine.
const EngineName = "castep"

const processName = "castep.relax"

// Cutoff applied when every element of the structure has a soft potential,
// roughly 12 Ha.
const softCutoffEV = 326

// Pseudopotential families CASTEP generates on the fly without an uploaded
// set.
var builtinFamilies = map[string]struct{}{
	"C9":    {},
	"C17":   {},
	"C19":   {},
	"NCP19": {},
	"QC5":   {},
}

func mustLoadSoftElements() map[string]struct{} {
	var symbols []string
	if err := yaml.Unmarshal(softSource, &symbols); err != nil {
		panic(fmt.Sprintf("castep: invalid soft element list: %v", err))
	}
	set := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		set[symbol] = struct{}{}
	}
	return set
}

func newSpec() *generator.Spec {
	spec := relax.CommonSpec()
	relax.ApplyProtocols(spec, Protocols)
	relax.RestrictSpinTypes(spec,
		workflows.SpinNone, workflows.SpinCollinear, workflows.SpinNonCollinear)
	relax.RestrictElectronicTypes(spec, workflows.ElectronicMetal, workflows.ElectronicInsulator)
	return spec
}

func construct(builder *runtime.Builder, validated map[string]interface{}) error {
	inputs, err := relax.CommonInputs(validated)
	if err != nil {
		return err
	}

	settings, err := Protocols.Protocol(inputs.Protocol)
	if err != nil {
		return err
	}
	parameters, ok := settings["parameters"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("protocol is missing the parameters block")
	}

	family, _ := settings["pseudo_family"].(string)
	if _, known := builtinFamilies[family]; !known {
		return fmt.Errorf("the %q protocol requires the unknown pseudopotential family %q",
			inputs.Protocol, family)
	}

	relaxOptions := map[string]interface{}{}
	if block, ok := settings["relax_options"].(map[string]interface{}); ok {
		relaxOptions = block
	}

	switch inputs.RelaxType {
	case workflows.RelaxNone:
		parameters["task"] = "singlepoint"
		relaxOptions["bypass"] = true
	case workflows.RelaxPositions:
		parameters["fix_all_cell"] = true
	case workflows.RelaxPositionsCell:
		// Full relaxation is the native default.
	case workflows.RelaxPositionsVolume:
		parameters["cell_constraints"] = volumeOnlyConstraints()
	case workflows.RelaxPositionsShape:
		parameters["fix_vol"] = true
		// LBFGS converges poorly under a volume constraint.
		parameters["geom_method"] = "tpsd"
	case workflows.RelaxCell:
		parameters["fix_all_ions"] = true
	case workflows.RelaxShape:
		parameters["fix_all_ions"] = true
		parameters["fix_vol"] = true
	case workflows.RelaxVolume:
		parameters["fix_all_ions"] = true
		parameters["cell_constraints"] = volumeOnlyConstraints()
	}

	// Density mixing handles metals and insulators alike, so the
	// electronic type needs no keyword.
	switch inputs.SpinType {
	case workflows.SpinNone:
		parameters["spin_polarized"] = false
	case workflows.SpinCollinear:
		parameters["spin_polarized"] = true
	case workflows.SpinNonCollinear:
		parameters["spin_treatment"] = "noncollinear"
		// Symmetry is unsound without a quantisation axis.
		delete(parameters, "symmetry_generate")
	}

	if inputs.ThresholdForces != nil {
		parameters["geom_force_tol"] = *inputs.ThresholdForces
	}
	if inputs.ThresholdStress != nil {
		parameters["geom_stress_tol"] = *inputs.ThresholdStress * workflows.EvPerA3ToGPa
	}

	if _, fixed := parameters["cut_off_energy"]; !fixed && allSoft(inputs.Structure.Symbols()) {
		parameters["cut_off_energy"] = softCutoffEV
	}
	// An explicit cutoff and a precision preset are mutually exclusive.
	if _, fixed := parameters["cut_off_energy"]; fixed {
		delete(parameters, "basis_precision")
	}

	if err := builder.Set("code", inputs.Engines["relax"].Code); err != nil {
		return err
	}
	if err := builder.Set("structure", inputs.Structure); err != nil {
		return err
	}
	if err := builder.Set("parameters", parameters); err != nil {
		return err
	}
	if spins := initialSpins(inputs); spins != nil {
		if err := builder.Set("settings.SPINS", spins); err != nil {
			return err
		}
	}
	if err := builder.Set("pseudos.family", family); err != nil {
		return err
	}
	if err := builder.Set("relax_options", relaxOptions); err != nil {
		return err
	}
	if err := builder.Set("max_iterations", settings["max_iterations"]); err != nil {
		return err
	}

	if mesh, ok := referenceMesh(inputs.ReferenceOutputs); ok {
		if err := builder.Set("kpoints.mesh", mesh); err != nil {
			return err
		}
	} else {
		spacing, _ := settings["kpoints_spacing"].(float64)
		// CASTEP spacings carry no 2π factor.
		if err := builder.Set("kpoints.spacing", spacing/(2*math.Pi)); err != nil {
			return err
		}
	}

	return builder.Set("metadata.options", inputs.Engines["relax"].Options)
}

// volumeOnlyConstraints ties the three lattice lengths into one group and
// freezes the angles, leaving uniform scaling as the only cell freedom.
func volumeOnlyConstraints() []interface{} {
	return []interface{}{"1 1 1", "0 0 0"}
}

// initialSpins builds the SPINS block. Explicit moments take precedence;
// polarized runs without moments start ferromagnetic with one Bohr magneton
// per site, collinear as scalars and noncollinear along (1,1,1).
func initialSpins(inputs *relax.Inputs) []interface{} {
	if inputs.MagnetizationPerSite != nil {
		spins := make([]interface{}, len(inputs.MagnetizationPerSite))
		for i, moment := range inputs.MagnetizationPerSite {
			spins[i] = moment
		}
		return spins
	}
	switch inputs.SpinType {
	case workflows.SpinCollinear:
		spins := make([]interface{}, len(inputs.Structure.Sites))
		for i := range spins {
			spins[i] = 1.0
		}
		return spins
	case workflows.SpinNonCollinear:
		spins := make([]interface{}, len(inputs.Structure.Sites))
		for i := range spins {
			spins[i] = []interface{}{1.0, 1.0, 1.0}
		}
		return spins
	}
	return nil
}

func allSoft(symbols []string) bool {
	for _, symbol := range symbols {
		if _, ok := softElements[symbol]; !ok {
			return false
		}
	}
	return true
}

func referenceMesh(reference map[string]interface{}) (interface{}, bool) {
	if reference == nil {
		return nil, false
	}
	mesh, ok := reference["kpoints_mesh"]
	return mesh, ok
}

// Protocols returns the named protocols this engine accepts.
func (i *Implementation) Protocols() *protocol.Registry { return Protocols }
