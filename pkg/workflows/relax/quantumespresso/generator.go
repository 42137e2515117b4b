// Package quantumespresso implements the common relaxation workflow for
// Quantum ESPRESSO. The generator maps the common ports onto pw.x namelists
// (CONTROL, SYSTEM, ELECTRONS, CELL) and the converter normalizes the
// pw.x parser outputs, converting stress from GPa to eV/Å³.
package quantumespresso

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

// Protocols holds the named protocols of the Quantum ESPRESSO relaxation.
// The bands implementation shares them.
var Protocols = protocol.MustNewRegistry("quantum_espresso.relax", protocolSource, "moderate")

// EngineName is the registry name of this engine.
const EngineName = "quantum_espresso"

// processName is the sub-process the generated builders target.
const processName = "quantum_espresso.relax"

func newSpec() *generator.Spec {
	spec := relax.CommonSpec()
	relax.ApplyProtocols(spec, Protocols)
	// pw.x cannot relax the cell with frozen ions, so the cell-only types
	// are unsupported.
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

	settings, err := Protocols.Protocol(inputs.Protocol)
	if err != nil {
		return err
	}
	if err := sanityCheckSettings(settings); err != nil {
		return err
	}

	structure := inputs.Structure
	sites := float64(len(structure.Sites))

	control := map[string]interface{}{
		"calculation":   calculationType(inputs.RelaxType),
		"etot_conv_thr": settings["etot_conv_thr_per_atom"].(float64) * sites,
		"forc_conv_thr": settings["forc_conv_thr"],
	}
	if inputs.ThresholdForces != nil {
		control["forc_conv_thr"] = *inputs.ThresholdForces * workflows.BohrToAng / workflows.RyToEv
	}

	system := map[string]interface{}{
		"ecutwfc": settings["cutoff_wfc"],
		"ecutrho": settings["cutoff_rho"],
	}
	if inputs.ElectronicType == workflows.ElectronicInsulator {
		system["occupations"] = "fixed"
	} else {
		system["occupations"] = "smearing"
		system["smearing"] = settings["smearing"]
		system["degauss"] = settings["degauss"]
	}

	if inputs.SpinType == workflows.SpinCollinear {
		moments := inputs.MagnetizationPerSite
		if moments == nil {
			moments = make([]float64, len(structure.Sites))
			for i := range moments {
				moments[i] = 0.1
			}
		}
		split, kindMoments, err := structure.SplitKindsForMagnetization(moments)
		if err != nil {
			return err
		}
		structure = split
		system["nspin"] = 2
		starting := make(map[string]interface{}, len(kindMoments))
		for kind, moment := range kindMoments {
			starting[kind] = moment
		}
		system["starting_magnetization"] = starting
	}

	parameters := map[string]interface{}{
		"CONTROL":   control,
		"SYSTEM":    system,
		"ELECTRONS": map[string]interface{}{"conv_thr": settings["conv_thr_per_atom"].(float64) * sites},
	}

	if inputs.RelaxType.ChangesCell() {
		cell := map[string]interface{}{"cell_dofree": cellDOFree(inputs.RelaxType)}
		if inputs.ThresholdStress != nil {
			cell["press_conv_thr"] = *inputs.ThresholdStress / workflows.KBarToEvPerA3
		}
		parameters["CELL"] = cell
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
	if err := builder.Set("pseudo_family", settings["pseudo_family"]); err != nil {
		return err
	}

	if mesh, ok := referenceKpoints(inputs.ReferenceOutputs); ok {
		if err := builder.Set("kpoints.mesh", mesh); err != nil {
			return err
		}
		if shift, ok := inputs.ReferenceOutputs["kpoints_shift"]; ok {
			if err := builder.Set("kpoints.shift", shift); err != nil {
				return err
			}
		}
	} else {
		if err := builder.Set("kpoints.distance", settings["kpoints_distance"]); err != nil {
			return err
		}
	}

	if sirius, ok := settings["sirius"].(bool); ok && sirius {
		if err := builder.Set("settings.sirius", true); err != nil {
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
		return "vc-relax"
	}
}

func cellDOFree(relaxType workflows.RelaxType) string {
	switch relaxType {
	case workflows.RelaxPositionsShape:
		return "shape"
	case workflows.RelaxPositionsVolume:
		return "volume"
	default:
		return "all"
	}
}

func referenceKpoints(reference map[string]interface{}) (interface{}, bool) {
	if reference == nil {
		return nil, false
	}
	mesh, ok := reference["kpoints_mesh"]
	return mesh, ok
}

func sanityCheckSettings(settings map[string]interface{}) error {
	keys := []string{
		"cutoff_wfc", "cutoff_rho", "kpoints_distance",
		"conv_thr_per_atom", "etot_conv_thr_per_atom", "forc_conv_thr",
	}
	for _, key := range keys {
		if _, ok := settings[key].(float64); !ok {
			return fmt.Errorf("protocol is missing the %s setting", key)
		}
	}
	return nil
}

// Protocols returns the named protocols this engine accepts.
func (i *Implementation) Protocols() *protocol.Registry { return Protocols }
