// Package abacus implements the common relaxation workflow for ABACUS.
// The generator maps the common ports onto the keys of the ABACUS INPUT
// file and the converter normalizes the parsed miscellaneous document,
// converting stress from kbar to eV/Å³.
package abacus

import (
	_ "embed"
	"fmt"

	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/protocol"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

//go:embed protocol.yml
var protocolSource []byte

// Protocols holds the named protocols of the ABACUS relaxation.
var Protocols = protocol.MustNewRegistry("abacus.relax", protocolSource, "moderate")

// EngineName is the registry name of this engine.
const EngineName = "abacus"

// processName is the sub-process the generated builders target.
const processName = "abacus.relax"

func newSpec() *generator.Spec {
	spec := relax.CommonSpec()
	relax.ApplyProtocols(spec, Protocols)
	// An ABACUS cell-relax always moves the ions as well, so the cell-only
	// types are unsupported.
	relax.RestrictRelaxTypes(spec,
		workflows.RelaxNone,
		workflows.RelaxPositions,
		workflows.RelaxPositionsCell,
		workflows.RelaxPositionsShape,
		workflows.RelaxPositionsVolume,
	)
	relax.RestrictSpinTypes(spec, workflows.SpinNone, workflows.SpinCollinear)
	relax.RestrictElectronicTypes(spec, workflows.ElectronicMetal, workflows.ElectronicInsulator)
	return spec
}

func construct(builder *runtime.Builder, validated map[string]interface{}) error {
	inputs, err := relax.CommonInputs(validated)
	if err != nil {
		return err
	}

	if inputs.MagnetizationPerSite != nil {
		return fmt.Errorf("magnetization_per_site is not supported by the ABACUS input")
	}

	settings, err := Protocols.Protocol(inputs.Protocol)
	if err != nil {
		return err
	}
	input, ok := settings["input"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("protocol is missing the input block")
	}

	input["calculation"] = calculationType(inputs.RelaxType)
	switch inputs.RelaxType {
	case workflows.RelaxPositionsShape:
		input["fixed_axes"] = "volume"
	case workflows.RelaxPositionsVolume:
		input["fixed_axes"] = "shape"
	}

	if inputs.ElectronicType == workflows.ElectronicInsulator {
		input["smearing_method"] = "fixed"
		delete(input, "smearing_sigma")
	}

	if inputs.SpinType == workflows.SpinCollinear {
		input["nspin"] = 2
	}

	if inputs.ThresholdForces != nil {
		// ABACUS takes the force threshold in Ry/Bohr.
		input["force_thr"] = *inputs.ThresholdForces * workflows.BohrToAng / workflows.RyToEv
	}
	if inputs.ThresholdStress != nil {
		// ABACUS takes the stress threshold in kbar.
		input["stress_thr"] = *inputs.ThresholdStress * workflows.EvPerA3ToGPa * 10
	}

	if err := builder.Set("code", inputs.Engines["relax"].Code); err != nil {
		return err
	}
	if err := builder.Set("structure", inputs.Structure); err != nil {
		return err
	}
	if err := builder.Set("parameters", map[string]interface{}{"input": input}); err != nil {
		return err
	}
	if err := builder.Set("pseudo_family", settings["pseudo_family"]); err != nil {
		return err
	}

	if mesh, ok := referenceKpoints(inputs.ReferenceOutputs); ok {
		if err := builder.Set("kpoints.mesh", mesh); err != nil {
			return err
		}
		if offset, ok := inputs.ReferenceOutputs["kpoints_offset"]; ok {
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

func calculationType(relaxType workflows.RelaxType) string {
	switch relaxType {
	case workflows.RelaxNone:
		return "scf"
	case workflows.RelaxPositions:
		return "relax"
	default:
		return "cell-relax"
	}
}

func referenceKpoints(reference map[string]interface{}) (interface{}, bool) {
	if reference == nil {
		return nil, false
	}
	mesh, ok := reference["kpoints_mesh"]
	return mesh, ok
}

// Protocols returns the named protocols this engine accepts.
func (i *Implementation) Protocols() *protocol.Registry { return Protocols }
