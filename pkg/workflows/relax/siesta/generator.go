// Package siesta implements the common relaxation workflow for SIESTA. The
// generator maps the common ports onto FDF parameters (MD block, spin
// treatment, PAO basis) and the converter normalizes the parser outputs,
// converting the stress tensor from Ry/Å³ to eV/Å³.
package siesta

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

// Protocols holds the named protocols of the SIESTA relaxation. The bands
// implementation shares them.
var Protocols = protocol.MustNewRegistry("siesta.relax", protocolSource, "moderate")

// EngineName is the registry name of this engine.
const EngineName = "siesta"

const processName = "siesta.relax"

func newSpec() *generator.Spec {
	spec := relax.CommonSpec()
	relax.ApplyProtocols(spec, Protocols)
	relax.RestrictRelaxTypes(spec,
		workflows.RelaxNone,
		workflows.RelaxPositions,
		workflows.RelaxPositionsCell,
		workflows.RelaxPositionsShape,
	)
	relax.RestrictSpinTypes(spec,
		workflows.SpinNone,
		workflows.SpinCollinear,
		workflows.SpinNonCollinear,
		workflows.SpinOrbit,
	)
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
	applyAtomicHeuristics(parameters, settings, inputs.Structure.Symbols())

	if inputs.RelaxType != workflows.RelaxNone {
		parameters["md-type-of-run"] = "CG"
		parameters["md-num-cg-steps"] = settings["max_cg_steps"]
		if inputs.RelaxType == workflows.RelaxPositionsCell {
			parameters["md-variable-cell"] = true
		}
		if inputs.RelaxType == workflows.RelaxPositionsShape {
			parameters["md-variable-cell"] = true
			parameters["md-constant-volume"] = true
		}
	}
	if inputs.ThresholdForces != nil {
		parameters["md-max-force-tol"] = fmt.Sprintf("%g eV/Ang", *inputs.ThresholdForces)
	}
	if inputs.ThresholdStress != nil {
		parameters["md-max-stress-tol"] = fmt.Sprintf("%g GPa",
			*inputs.ThresholdStress*workflows.EvPerA3ToGPa)
	}

	structure := inputs.Structure
	switch inputs.SpinType {
	case workflows.SpinCollinear:
		parameters["spin"] = "polarized"
		moments := inputs.MagnetizationPerSite
		if moments != nil {
			split, kindMoments, err := structure.SplitKindsForMagnetization(moments)
			if err != nil {
				return err
			}
			structure = split
			initial := make(map[string]interface{}, len(kindMoments))
			for kind, moment := range kindMoments {
				initial[kind] = moment
			}
			if err := builder.Set("initial_moments", initial); err != nil {
				return err
			}
		}
	case workflows.SpinNonCollinear:
		parameters["spin"] = "non-collinear"
	case workflows.SpinOrbit:
		parameters["spin"] = "spin-orbit"
	}

	if inputs.ElectronicType == workflows.ElectronicMetal {
		if _, ok := parameters["electronic-temperature"]; !ok {
			parameters["electronic-temperature"] = "25 meV"
		}
		parameters["occupation-function"] = "FD"
	}

	if err := builder.Set("code", inputs.Engines["relax"].Code); err != nil {
		return err
	}
	if err := builder.Set("structure", structure); err != nil {
		return err
	}
	if err := builder.Set("parameters", parameters); err != nil {
		return err
	}
	if err := builder.Set("basis", settings["basis"]); err != nil {
		return err
	}
	if err := builder.Set("pseudo_family", settings["pseudo_family"]); err != nil {
		return err
	}

	if mesh, ok := referenceMesh(inputs.ReferenceOutputs); ok {
		if err := builder.Set("kpoints.mesh", mesh); err != nil {
			return err
		}
	} else {
		if err := builder.Set("kpoints.distance", settings["kpoints_distance"]); err != nil {
			return err
		}
	}

	return builder.Set("metadata.options", inputs.Engines["relax"].Options)
}

// applyAtomicHeuristics upgrades protocol parameters for elements known to
// need more than the protocol baseline, e.g. a higher mesh cutoff for the
// magnetic 3d metals.
func applyAtomicHeuristics(parameters, settings map[string]interface{}, symbols []string) {
	heuristics, ok := settings["atomic_heuristics"].(map[string]interface{})
	if !ok {
		return
	}
	seen := map[string]bool{}
	for _, symbol := range symbols {
		if seen[symbol] {
			continue
		}
		seen[symbol] = true
		overrides, ok := heuristics[symbol].(map[string]interface{})
		if !ok {
			continue
		}
		for key, value := range overrides {
			parameters[key] = value
		}
	}
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
