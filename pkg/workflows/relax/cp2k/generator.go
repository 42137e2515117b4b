// Package cp2k implements the common relaxation workflow for CP2K. The
// generator maps the common ports onto the CP2K input tree, with the run
// type chosen from the relax type, per-kind basis sets and GTH potentials,
// and the spin multiplicity guessed from the electron count. The
// verification protocols can route through the SIRIUS plane-wave backend.
package cp2k

import (
	_ "embed"
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/protocol"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

//go:embed protocol.yml
var protocolSource []byte

//go:embed basis_sets.yml
var basisSource []byte

// Protocols holds the named protocols of the CP2K relaxation.
var Protocols = protocol.MustNewRegistry("cp2k.relax", protocolSource, "moderate")

var basisSets = mustLoadBasisSets()

// EngineName is the registry name of this engine.
const EngineName = "cp2k"

const processName = "cp2k.relax"

type basisSet struct {
	BasisSet        map[string]string `yaml:"basis_set"`
	Pseudopotential map[string]string `yaml:"pseudopotential"`
}

func mustLoadBasisSets() map[string]basisSet {
	var sets map[string]basisSet
	if err := yaml.Unmarshal(basisSource, &sets); err != nil {
		panic(fmt.Sprintf("cp2k: invalid basis set collection: %v", err))
	}
	return sets
}

func newSpec() *generator.Spec {
	spec := relax.CommonSpec()
	relax.ApplyProtocols(spec, Protocols)
	relax.RestrictRelaxTypes(spec,
		workflows.RelaxNone,
		workflows.RelaxPositions,
		workflows.RelaxPositionsCell,
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
	parameters, ok := settings["input"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("protocol is missing the input block")
	}
	sirius := strings.Contains(inputs.Protocol, "sirius")

	structure := inputs.Structure
	var kindMoments map[string]float64

	// Smearing cannot be disabled for SIRIUS, so the electronic and spin
	// treatments only apply to the Quickstep path.
	if !sirius {
		scf := ensureSection(parameters, "FORCE_EVAL", "DFT", "SCF")
		switch inputs.ElectronicType {
		case workflows.ElectronicMetal:
			scf["SMEAR"] = map[string]interface{}{
				"_":                      "ON",
				"METHOD":                 "FERMI_DIRAC",
				"ELECTRONIC_TEMPERATURE": "[K] 710.5",
			}
			scf["DIAGONALIZATION"] = map[string]interface{}{"EPS_ADAPT": "1"}
			scf["MIXING"] = map[string]interface{}{
				"METHOD": "BROYDEN_MIXING",
				"ALPHA":  "0.1",
				"BETA":   "1.5",
			}
			scf["ADDED_MOS"] = 20
			scf["CHOLESKY"] = "OFF"
		case workflows.ElectronicInsulator:
			scf["OT"] = map[string]interface{}{
				"PRECONDITIONER": "FULL_SINGLE_INVERSE",
				"MINIMIZER":      "CG",
			}
		}

		dft := ensureSection(parameters, "FORCE_EVAL", "DFT")
		if inputs.SpinType == workflows.SpinCollinear {
			dft["UKS"] = true
			if inputs.MagnetizationPerSite != nil {
				split, moments, err := structure.SplitKindsForMagnetization(inputs.MagnetizationPerSite)
				if err != nil {
					return err
				}
				structure = split
				kindMoments = moments
			}
			dft["MULTIPLICITY"] = guessMultiplicity(inputs.Structure, inputs.MagnetizationPerSite)
		} else {
			dft["UKS"] = false
		}
	}

	basisName, _ := settings["basis_pseudo"].(string)
	kinds, err := kindsSection(structure, basisName, kindMoments, sirius)
	if err != nil {
		return err
	}
	ensureSection(parameters, "FORCE_EVAL", "SUBSYS")["KIND"] = kinds

	mesh, haveMesh := referenceMesh(inputs.ReferenceOutputs)
	if !haveMesh {
		if distance, ok := settings["kpoints_distance"].(float64); ok {
			mesh = structure.KpointsMeshFromDistance(distance)
			haveMesh = true
		}
	}
	if haveMesh {
		if sirius {
			pw := ensureSection(parameters, "FORCE_EVAL", "PW_DFT", "PARAMETERS")
			pw["NGRIDK"] = fmt.Sprintf("%d %d %d", mesh[0], mesh[1], mesh[2])
		} else if mesh != [3]int{1, 1, 1} {
			if err := builder.Set("kpoints.mesh", []interface{}{mesh[0], mesh[1], mesh[2]}); err != nil {
				return err
			}
		}
	}

	var runType string
	switch inputs.RelaxType {
	case workflows.RelaxPositions:
		runType = "GEO_OPT"
	case workflows.RelaxPositionsCell:
		runType = "CELL_OPT"
	default:
		runType = "ENERGY_FORCE"
	}
	ensureSection(parameters, "GLOBAL")["RUN_TYPE"] = runType

	if inputs.ThresholdForces != nil && inputs.RelaxType != workflows.RelaxNone {
		motion := ensureSection(parameters, "MOTION", runType)
		motion["MAX_FORCE"] = fmt.Sprintf("[eV/angstrom] %g", *inputs.ThresholdForces)
	}
	if inputs.ThresholdStress != nil {
		cellOpt := ensureSection(parameters, "MOTION", "CELL_OPT")
		cellOpt["PRESSURE_TOLERANCE"] = fmt.Sprintf("[GPa] %g",
			*inputs.ThresholdStress*workflows.EvPerA3ToGPa)
	}

	// Leave CP2K five minutes of the wallclock to finish gracefully.
	if raw, ok := inputs.Engines["relax"].Options["max_wallclock_seconds"]; ok {
		if seconds, ok := asSeconds(raw); ok {
			budget := seconds - 300
			if budget < 300 {
				budget = 300
			}
			ensureSection(parameters, "GLOBAL")["WALLTIME"] = budget
		}
	}

	// A fixed CELL_REF keeps the multigrid constant across the volumes of an
	// equation of state scan.
	if factor, ok := settings["cell_ref_scale_factor"].(float64); ok {
		cell := ensureSection(parameters, "FORCE_EVAL", "SUBSYS", "CELL")
		cell["CELL_REF"] = cellRef(structure, inputs.ReferenceOutputs, factor)
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
	if sirius {
		if err := builder.Set("pseudo_family", basisName); err != nil {
			return err
		}
	}
	return builder.Set("metadata.options", inputs.Engines["relax"].Options)
}

// guessMultiplicity derives the total spin multiplicity from the initial
// moments, rounded to the parity the electron count allows.
func guessMultiplicity(structure *crystal.Structure, moments []float64) int {
	if len(moments) == 0 {
		return 1
	}
	sum := 0.0
	for _, moment := range moments {
		sum += moment
	}
	guess := math.Abs(sum) + 1
	if structure.NumElectrons()%2 == 0 {
		return int(math.Round((guess-1)/2))*2 + 1
	}
	multiplicity := int(math.Round(guess/2)) * 2
	if multiplicity < 2 {
		multiplicity = 2
	}
	return multiplicity
}

// kindsSection builds one KIND entry per structure kind, resolving the basis
// set and potential for its element. SIRIUS runs reference UPF files from
// the pseudo family instead.
func kindsSection(structure *crystal.Structure, basisName string, moments map[string]float64, sirius bool) ([]interface{}, error) {
	var set basisSet
	if !sirius {
		var ok bool
		set, ok = basisSets[basisName]
		if !ok {
			return nil, fmt.Errorf("unknown basis set collection %q", basisName)
		}
	}
	kinds := make([]interface{}, 0, len(structure.Kinds))
	for _, kind := range structure.Kinds {
		entry := map[string]interface{}{"_": kind.Name}
		if sirius {
			entry["POTENTIAL"] = fmt.Sprintf("UPF %s.json", kind.Symbol)
		} else {
			basis, ok := set.BasisSet[kind.Symbol]
			if !ok {
				return nil, fmt.Errorf("the %q basis collection has no basis set for element %q", basisName, kind.Symbol)
			}
			potential, ok := set.Pseudopotential[kind.Symbol]
			if !ok {
				return nil, fmt.Errorf("the %q basis collection has no pseudopotential for element %q", basisName, kind.Symbol)
			}
			entry["BASIS_SET"] = basis
			entry["POTENTIAL"] = potential
		}
		if moments != nil {
			if moment, ok := moments[kind.Name]; ok {
				entry["MAGNETIZATION"] = moment
			}
		}
		kinds = append(kinds, entry)
	}
	return kinds, nil
}

// cellRef returns the reference cell of a previous run when available, so a
// volume scan shares one grid, and otherwise scales the structure cell.
func cellRef(structure *crystal.Structure, reference map[string]interface{}, factor float64) map[string]interface{} {
	if reference != nil {
		if previous, ok := reference["cell_ref"].(map[string]interface{}); ok {
			return previous
		}
	}
	scale := math.Cbrt(factor)
	out := map[string]interface{}{}
	axes := [3]string{"A", "B", "C"}
	for i, axis := range axes {
		row := structure.Cell[i]
		out[axis] = fmt.Sprintf("[angstrom] %-15g %-15g %-15g",
			row[0]*scale, row[1]*scale, row[2]*scale)
	}
	periodic := ""
	for i, symbol := range [3]string{"X", "Y", "Z"} {
		if structure.PBC[i] {
			periodic += symbol
		}
	}
	out["PERIODIC"] = periodic
	return out
}

func ensureSection(tree map[string]interface{}, path ...string) map[string]interface{} {
	node := tree
	for _, key := range path {
		child, ok := node[key].(map[string]interface{})
		if !ok {
			child = map[string]interface{}{}
			node[key] = child
		}
		node = child
	}
	return node
}

func asSeconds(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func referenceMesh(reference map[string]interface{}) ([3]int, bool) {
	var mesh [3]int
	if reference == nil {
		return mesh, false
	}
	raw, ok := reference["kpoints_mesh"]
	if !ok {
		return mesh, false
	}
	switch value := raw.(type) {
	case [3]int:
		return value, true
	case []interface{}:
		if len(value) != 3 {
			return mesh, false
		}
		for i, item := range value {
			switch n := item.(type) {
			case int:
				mesh[i] = n
			case float64:
				mesh[i] = int(n)
			default:
				return mesh, false
			}
		}
		return mesh, true
	}
	return mesh, false
}

// Protocols returns the named protocols this engine accepts.
func (i *Implementation) Protocols() *protocol.Registry { return Protocols }
