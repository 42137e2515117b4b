// Package nwchem implements the common relaxation workflow for NWChem's
// planewave modules. Periodic structures run through the band tasks with a
// Monkhorst-Pack mesh; molecules fall back to the Γ-only pspw tasks with
// the cell spelled out inside the nwpw block.
package nwchem

import (
	_ "embed"
	"fmt"
	"math"

	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/protocol"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

//go:embed protocol.yml
var protocolSource []byte

// Protocols holds the named protocols of the NWChem relaxation.
var Protocols = protocol.MustNewRegistry("nwchem.relax", protocolSource, "moderate")

// EngineName is the registry name of this engine.
const EngineName = "nwchem"

const processName = "nwchem.relax"

// Planewave cutoff in Ha for the molecular pspw tasks.
const moleculeCutoff = 140

func newSpec() *generator.Spec {
	spec := relax.CommonSpec()
	relax.ApplyProtocols(spec, Protocols)
	relax.RestrictRelaxTypes(spec,
		workflows.RelaxNone, workflows.RelaxPositions, workflows.RelaxCell, workflows.RelaxPositionsCell)
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
		// Seeding moments needs per-site spin and angular momentum
		// directives that the input writer does not produce.
		return fmt.Errorf("magnetization_per_site is not supported by the NWChem input")
	}

	settings, err := Protocols.Protocol(inputs.Protocol)
	if err != nil {
		return err
	}
	parameters := map[string]interface{}{}
	for key, value := range settings {
		if key == "description" || key == "kpoint_spacing" {
			continue
		}
		parameters[key] = value
	}
	nwpw, ok := parameters["nwpw"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("protocol is missing the nwpw block")
	}

	if mesh, ok := referenceMesh(inputs.ReferenceOutputs); ok {
		nwpw["monkhorst-pack"] = mesh
	} else {
		spacing, _ := relax.FloatValue(settings["kpoint_spacing"])
		// The spacing is 1/Å without the 2π factor.
		mesh := inputs.Structure.KpointsMeshFromDistance(2 * math.Pi * spacing)
		nwpw["monkhorst-pack"] = fmt.Sprintf("%d %d %d", mesh[0], mesh[1], mesh[2])
	}

	switch inputs.RelaxType {
	case workflows.RelaxNone:
		parameters["task"] = "band gradient"
		delete(parameters, "driver")
	case workflows.RelaxPositions:
		parameters["task"] = "band optimize"
	case workflows.RelaxPositionsCell:
		parameters["task"] = "band optimize"
		parameters["set"] = map[string]interface{}{"includestress": ".true."}
	case workflows.RelaxCell:
		parameters["task"] = "band optimize"
		parameters["set"] = map[string]interface{}{
			"includestress":    ".true.",
			"nwpw:zero_forces": ".true.",
		}
	}

	if inputs.ElectronicType == workflows.ElectronicMetal {
		nwpw["smear"] = "fermi"
		nwpw["scf"] = "Anderson outer_iterations 0 Kerker 2.0"
		nwpw["loop"] = "10 10"
		// Minimization falls back to conjugate gradients under smearing.
		delete(nwpw, "lmbfgs")
	}

	if inputs.SpinType == workflows.SpinCollinear {
		nwpw["odft"] = ""
	}

	addCell := true
	if !inputs.Structure.PBC[0] && !inputs.Structure.PBC[1] && !inputs.Structure.PBC[2] {
		addCell = false
		lengths := inputs.Structure.CellLengths()
		angles := inputs.Structure.CellAngles()
		nwpw["simulation_cell angstroms"] = map[string]interface{}{
			"lattice": map[string]interface{}{
				"lat_a": lengths[0],
				"lat_b": lengths[1],
				"lat_c": lengths[2],
				"alpha": angles[0],
				"beta":  angles[1],
				"gamma": angles[2],
			},
		}
		nwpw["cutoff"] = moleculeCutoff
		if driver, ok := parameters["driver"].(map[string]interface{}); ok {
			// Refresh the internal coordinates.
			driver["redoautoz"] = ""
		}
		if inputs.RelaxType == workflows.RelaxNone {
			parameters["task"] = "pspw gradient"
		} else {
			parameters["task"] = "pspw optimize"
		}
		for _, key := range []string{"monkhorst-pack", "ewald_rcut", "ewald_ncut", "smear", "scf", "loop"} {
			delete(nwpw, key)
		}
	}

	if inputs.ThresholdForces != nil {
		if driver, ok := parameters["driver"].(map[string]interface{}); ok {
			driver["xmax"] = fmt.Sprintf("%g", *inputs.ThresholdForces/workflows.HaPerBohrToEvPerAng)
		}
	}
	if inputs.ThresholdStress != nil {
		return fmt.Errorf("overall stress is not a stopping criterion in NWChem")
	}

	if err := builder.Set("code", inputs.Engines["relax"].Code); err != nil {
		return err
	}
	if err := builder.Set("structure", inputs.Structure); err != nil {
		return err
	}
	if err := builder.Set("add_cell", addCell); err != nil {
		return err
	}
	if err := builder.Set("parameters", parameters); err != nil {
		return err
	}
	return builder.Set("metadata.options", inputs.Engines["relax"].Options)
}

func referenceMesh(reference map[string]interface{}) (string, bool) {
	if reference == nil {
		return "", false
	}
	mesh, ok := reference["monkhorst_pack"].(string)
	return mesh, ok
}

// Protocols returns the named protocols this engine accepts.
func (i *Implementation) Protocols() *protocol.Registry { return Protocols }
