// Package fleur implements the common relaxation workflow for the
// all-electron FLAPW code FLEUR. Input generation runs through the separate
// inpgen code, so the engines namespace carries a second entry, and the
// generator produces FLAPW parameters for it rather than a plain keyword
// tree. Only atomic positions can be relaxed.
package fleur

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/protocol"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

//go:embed protocol.yml
var protocolSource []byte

// Protocols holds the named protocols of the FLEUR relaxation.
var Protocols = protocol.MustNewRegistry("fleur.relax", protocolSource, "moderate")

// EngineName is the registry name of this engine.
const EngineName = "fleur"

const processName = "fleur.relax"

// Force convergence criterion in Ha/Bohr when no threshold is given.
const defaultForceCriterion = 0.001

func newSpec() *generator.Spec {
	spec := relax.CommonSpec()
	relax.ApplyProtocols(spec, Protocols)
	relax.RestrictRelaxTypes(spec, workflows.RelaxNone, workflows.RelaxPositions)
	relax.RestrictSpinTypes(spec, workflows.SpinNone, workflows.SpinCollinear)
	relax.RestrictElectronicTypes(spec, workflows.ElectronicMetal, workflows.ElectronicInsulator)
	spec.Input("calc_parameters", generator.KindMap, generator.NonDB(),
		generator.Help("FLAPW parameters for inpgen, replacing any reused from a reference workchain."))
	return spec
}

func construct(builder *runtime.Builder, validated map[string]interface{}) error {
	inputs, err := relax.CommonInputs(validated)
	if err != nil {
		return err
	}
	if err := inputs.Engines.Validate("inpgen"); err != nil {
		return err
	}

	settings, err := Protocols.Protocol(inputs.Protocol)
	if err != nil {
		return err
	}

	forceCriterion := defaultForceCriterion
	if inputs.ThresholdForces != nil {
		// FLEUR converges forces in Ha/Bohr.
		forceCriterion = *inputs.ThresholdForces / workflows.HaPerBohrToEvPerAng
	}
	// A stress threshold has nothing to act on, the FLAPW basis has no
	// cell gradients.

	structure := inputs.Structure
	molecule := !structure.PBC[0] && !structure.PBC[1] && !structure.PBC[2]
	if molecule {
		// inpgen wants a periodic cell around the vacuum box.
		structure = structure.Clone()
		structure.PBC = [3]bool{true, true, true}
	}
	filmRelax := !structure.PBC[2]

	relaxSettings := map[string]interface{}{
		"relax_iter":               5,
		"film_distance_relaxation": filmRelax,
		"force_criterion":          forceCriterion,
		"change_mixing_criterion":  0.025,
		"atoms_off":                []interface{}{},
		"run_final_scf":            true,
		"relaxation_type":          "atoms",
	}
	if block, ok := settings["relax"].(map[string]interface{}); ok {
		relaxSettings = protocol.Merge(relaxSettings, block)
	}
	if inputs.RelaxType == workflows.RelaxNone {
		relaxSettings["relax_iter"] = 0
		relaxSettings["relaxation_type"] = nil
	}

	scfSettings := map[string]interface{}{
		"fleur_runmax":    2,
		"itmax_per_run":   120,
		"force_converged": forceCriterion,
		"force_dict": map[string]interface{}{
			"qfix":       2,
			"forcealpha": 0.75,
			"forcemix":   "straight",
		},
		"use_relax_xml": true,
		"mode":          "force",
	}
	var kmax interface{}
	forceGamma := false
	if block, ok := settings["scf"].(map[string]interface{}); ok {
		for key, value := range block {
			switch key {
			case "k_max_cutoff":
				kmax = value
			case "kpoints_force_gamma":
				forceGamma, _ = value.(bool)
			default:
				scfSettings[key] = value
			}
		}
	}
	if molecule {
		// An absurd spacing leaves the Γ point only.
		scfSettings["kpoints_distance"] = 1.0e8
	}

	flapw := map[string]interface{}{}
	if reference := inputs.ReferenceOutputs; reference != nil {
		if params, ok := reference["flapw_parameters"].(map[string]interface{}); ok {
			flapw = protocol.Copy(params)
			if kpt, ok := flapw["kpt"].(map[string]interface{}); ok {
				delete(scfSettings, "kpoints_distance")
				if forceGamma {
					kpt["gamma"] = true
				}
			}
		}
	}
	if override, ok := validated["calc_parameters"].(map[string]interface{}); ok {
		flapw = protocol.Copy(override)
	}

	base := map[string]interface{}{"comp": map[string]interface{}{"jspins": jspins(inputs.SpinType)}}
	if kmax != nil {
		base["comp"].(map[string]interface{})["kmax"] = kmax
	}
	flapw = protocol.Merge(base, flapw)

	if inputs.SpinType == workflows.SpinCollinear && inputs.MagnetizationPerSite != nil {
		flapw = protocol.Merge(flapw, momentParameters(structure, inputs.MagnetizationPerSite))
	}

	if err := builder.Set("code", inputs.Engines["relax"].Code); err != nil {
		return err
	}
	if err := builder.Set("inpgen_code", inputs.Engines["inpgen"].Code); err != nil {
		return err
	}
	if err := builder.Set("structure", structure); err != nil {
		return err
	}
	if err := builder.Set("wf_parameters", relaxSettings); err != nil {
		return err
	}
	if err := builder.Set("scf.wf_parameters", scfSettings); err != nil {
		return err
	}
	if err := builder.Set("scf.calc_parameters", flapw); err != nil {
		return err
	}
	inpgenSettings := map[string]interface{}{
		// Nine significant figures are enough and avoid inpgen rounding
		// trouble during relaxation.
		"significant_figures_cell":     9,
		"significant_figures_position": 9,
		"profile":                      settings["inpgen-protocol"],
	}
	if err := builder.Set("scf.settings_inpgen", inpgenSettings); err != nil {
		return err
	}
	return builder.Set("metadata.options", inputs.Engines["relax"].Options)
}

func jspins(spin workflows.SpinType) int {
	if spin == workflows.SpinNone {
		return 1
	}
	return 2
}

// momentParameters builds the per-atom FLAPW parameter entries that seed the
// initial moments. Each site gets an atom list keyed by atomic number, with
// the kind suffix as the id so symmetry-split kinds keep distinct moments.
func momentParameters(structure *crystal.Structure, moments []float64) map[string]interface{} {
	out := make(map[string]interface{}, len(moments))
	for i, moment := range moments {
		kind := structure.Kind(structure.Sites[i])
		number := crystal.AtomicNumber(kind.Symbol)
		id := strconv.Itoa(number)
		if kind.Name != kind.Symbol {
			suffix := strings.TrimRight(kind.Name, "0123456789")
			digits := kind.Name[len(suffix):]
			if digits == "" {
				digits = "0"
			}
			id = fmt.Sprintf("%d.%s", number, digits)
		}
		out[fmt.Sprintf("atom%d", i)] = map[string]interface{}{
			"z":   number,
			"id":  id,
			"bmu": moment,
		}
	}
	return out
}

// Protocols returns the named protocols this engine accepts.
func (i *Implementation) Protocols() *protocol.Registry { return Protocols }

// EngineSteps names the two codes a FLEUR relaxation needs: the inpgen
// input generator first, then the fleur FLAPW code.
func (i *Implementation) EngineSteps() []string { return []string{"inpgen", "relax"} }
