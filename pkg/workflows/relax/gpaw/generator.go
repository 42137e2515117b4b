// Package gpaw implements the common relaxation workflow for GPAW driven
// through its ASE calculator interface. The calculator handles positions
// only, without spin polarization and with smeared occupations, so the
// choice surface is the narrowest of all engines.
package gpaw

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

// Protocols holds the named protocols of the GPAW relaxation.
var Protocols = protocol.MustNewRegistry("gpaw.relax", protocolSource, "moderate")

// EngineName is the registry name of this engine.
const EngineName = "gpaw"

const processName = "gpaw.relax"

func newSpec() *generator.Spec {
	spec := relax.CommonSpec()
	relax.ApplyProtocols(spec, Protocols)
	relax.RestrictRelaxTypes(spec, workflows.RelaxNone, workflows.RelaxPositions)
	relax.RestrictSpinTypes(spec, workflows.SpinNone)
	relax.RestrictElectronicTypes(spec, workflows.ElectronicMetal)
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
	parameters["atoms_getters"] = []interface{}{
		"temperature",
		[]interface{}{"forces", map[string]interface{}{"apply_constraint": true}},
		[]interface{}{"masses", map[string]interface{}{}},
	}

	if inputs.RelaxType == workflows.RelaxNone {
		delete(parameters, "optimizer")
	} else if inputs.ThresholdForces != nil {
		// ASE optimizers take the force target in eV/Å directly.
		optimizer, ok := parameters["optimizer"].(map[string]interface{})
		if !ok {
			return fmt.Errorf("protocol is missing the optimizer block")
		}
		args, ok := optimizer["args"].(map[string]interface{})
		if !ok {
			args = map[string]interface{}{}
			optimizer["args"] = args
		}
		args["fmax"] = *inputs.ThresholdForces
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
		if err := builder.Set("kpoints.distance", settings["kpoint_distance"]); err != nil {
			return err
		}
	}

	return builder.Set("metadata.options", inputs.Engines["relax"].Options)
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
