// Package vasp implements the common relaxation workflow for VASP. The
// generator maps the common ports onto INCAR tags and relaxation settings
// and the converter normalizes the parser outputs, converting the stress
// tensor from kbar to eV/Å³.
package vasp

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/protocol"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

//go:embed protocol.yml
var protocolSource []byte

//go:embed potentials.yml
var potentialSource []byte

// Protocols holds the named protocols of the VASP relaxation.
var Protocols = protocol.MustNewRegistry("vasp.relax", protocolSource, "moderate")

var potentialMappings = mustLoadPotentialMappings()

// EngineName is the registry name of this engine.
const EngineName = "vasp"

const processName = "vasp.relax"

func mustLoadPotentialMappings() map[string]map[string]string {
	var mappings map[string]map[string]string
	if err := yaml.Unmarshal(potentialSource, &mappings); err != nil {
		panic(fmt.Sprintf("vasp: invalid potential mapping: %v", err))
	}
	return mappings
}

func newSpec() *generator.Spec {
	spec := relax.CommonSpec()
	relax.ApplyProtocols(spec, Protocols)
	// A full protocol dictionary may be passed in place of a named one.
	names := Protocols.Names()
	choices := make([]interface{}, 0, len(names)+1)
	for _, name := range names {
		choices = append(choices, name)
	}
	choices = append(choices, "custom")
	spec.SetChoices("protocol", choices...)
	spec.Input("custom_protocol", generator.KindMap,
		generator.NonDB(),
		generator.Help("Full protocol dictionary, used when protocol is 'custom'."))
	relax.RestrictSpinTypes(spec, workflows.SpinNone, workflows.SpinCollinear)
	relax.RestrictElectronicTypes(spec, workflows.ElectronicMetal, workflows.ElectronicInsulator)
	return spec
}

func construct(builder *runtime.Builder, validated map[string]interface{}) error {
	inputs, err := relax.CommonInputs(validated)
	if err != nil {
		return err
	}

	var settings map[string]interface{}
	if inputs.Protocol == "custom" {
		raw, ok := validated["custom_protocol"].(map[string]interface{})
		if !ok {
			return fmt.Errorf("the custom_protocol input must be provided when protocol is 'custom'")
		}
		settings = protocol.Copy(raw)
	} else {
		settings, err = Protocols.Protocol(inputs.Protocol)
		if err != nil {
			return err
		}
	}

	parameters, ok := settings["parameters"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("protocol is missing the parameters block")
	}

	if inputs.SpinType == workflows.SpinCollinear {
		parameters["ispin"] = 2
	} else {
		parameters["ispin"] = 1
	}
	if inputs.MagnetizationPerSite != nil {
		magmom := make([]interface{}, len(inputs.MagnetizationPerSite))
		for i, moment := range inputs.MagnetizationPerSite {
			magmom[i] = moment
		}
		parameters["magmom"] = magmom
	}

	relaxSettings := map[string]interface{}{}
	if inputs.RelaxType != workflows.RelaxNone {
		relaxBlock, ok := settings["relax"].(map[string]interface{})
		if !ok {
			return fmt.Errorf("protocol is missing the relax block")
		}
		positions, shape, volume := relaxDegrees(inputs.RelaxType)
		relaxSettings["perform"] = true
		relaxSettings["algo"] = relaxBlock["algo"]
		relaxSettings["steps"] = relaxBlock["steps"]
		relaxSettings["positions"] = positions
		relaxSettings["shape"] = shape
		relaxSettings["volume"] = volume
		if inputs.ThresholdForces != nil {
			relaxSettings["force_cutoff"] = *inputs.ThresholdForces
		} else {
			relaxSettings["force_cutoff"] = relaxBlock["threshold_forces"]
		}
	} else {
		relaxSettings["perform"] = false
	}
	if inputs.ThresholdStress != nil {
		return fmt.Errorf("a stress threshold is not available in VASP during relaxation")
	}

	if err := builder.Set("code", inputs.Engines["relax"].Code); err != nil {
		return err
	}
	if err := builder.Set("structure", inputs.Structure); err != nil {
		return err
	}
	if err := builder.Set("parameters.incar", parameters); err != nil {
		return err
	}
	if err := builder.Set("relax_settings", relaxSettings); err != nil {
		return err
	}
	if err := builder.Set("settings.parser_settings", parserSettings()); err != nil {
		return err
	}

	familyName, _ := settings["potential_family"].(string)
	mappingName, _ := settings["potential_mapping"].(string)
	mapping, err := potentialsFor(mappingName, inputs.Structure.Symbols())
	if err != nil {
		return err
	}
	if err := builder.Set("potential_family", familyName); err != nil {
		return err
	}
	if err := builder.Set("potential_mapping", mapping); err != nil {
		return err
	}

	if mesh, offset, ok := referenceKpoints(inputs.ReferenceOutputs); ok {
		if err := builder.Set("kpoints.mesh", mesh); err != nil {
			return err
		}
		if offset != nil {
			if err := builder.Set("kpoints.offset", offset); err != nil {
				return err
			}
		}
	} else {
		if err := builder.Set("kpoints.distance", settings["kpoints_distance"]); err != nil {
			return err
		}
	}

	return builder.Set("metadata.options", inputs.Engines["relax"].Options)
}

// relaxDegrees maps a relax type onto the three degrees of freedom of the
// VASP relaxation settings.
func relaxDegrees(relaxType workflows.RelaxType) (positions, shape, volume bool) {
	switch relaxType {
	case workflows.RelaxPositions:
		return true, false, false
	case workflows.RelaxShape:
		return false, true, false
	case workflows.RelaxVolume:
		return false, false, true
	case workflows.RelaxCell:
		return false, true, true
	case workflows.RelaxPositionsShape:
		return true, true, false
	case workflows.RelaxPositionsVolume:
		return true, false, true
	case workflows.RelaxPositionsCell:
		return true, true, true
	}
	return false, false, false
}

// potentialsFor selects the potential for every element of the structure
// from the named mapping.
func potentialsFor(mappingName string, symbols []string) (map[string]interface{}, error) {
	mapping, ok := potentialMappings[mappingName]
	if !ok {
		return nil, fmt.Errorf("unknown potential mapping %q", mappingName)
	}
	out := map[string]interface{}{}
	for _, symbol := range symbols {
		if _, done := out[symbol]; done {
			continue
		}
		potential, ok := mapping[symbol]
		if !ok {
			return nil, fmt.Errorf("the %q potential mapping has no entry for element %q", mappingName, symbol)
		}
		out[symbol] = potential
	}
	return out, nil
}

// parserSettings configures the parser for the quantities the common
// workflow needs, with the notifications that should fail the calculation.
func parserSettings() map[string]interface{} {
	return map[string]interface{}{
		"energy_types": []interface{}{"energy_extrapolated", "energy_free", "energy_no_entropy"},
		"critical_notification_errors": []interface{}{
			"brmix",
			"edddav",
			"eddwav",
			"fexcp",
			"fock_acc",
			"non_collinear",
			"not_hermitian",
			"pzstein",
			"real_optlay",
			"rhosyg",
			"rspher",
			"set_indpw_full",
			"sgrcon",
			"no_potimm",
			"magmom",
			"bandocc",
		},
	}
}

func referenceKpoints(reference map[string]interface{}) (mesh, offset interface{}, ok bool) {
	if reference == nil {
		return nil, nil, false
	}
	mesh, ok = reference["kpoints_mesh"]
	if !ok {
		return nil, nil, false
	}
	offset = reference["kpoints_offset"]
	return mesh, offset, true
}

// Protocols returns the named protocols this engine accepts.
func (i *Implementation) Protocols() *protocol.Registry { return Protocols }
