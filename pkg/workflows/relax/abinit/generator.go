// Package abinit implements the common relaxation workflow for ABINIT. The
// generator maps the common ports onto ABINIT variables: ionmov and optcell
// for the relax type, nsppol, nspden and spinat for the magnetic order, with
// ferro- and antiferromagnetic configurations detected from the sign pattern
// of the initial moments. Molecular structures run at the Γ point with a
// force-based SCF tolerance and a model dielectric constant.
package abinit

import (
	_ "embed"
	"fmt"
	"math"

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

//go:embed cutoffs.yml
var cutoffSource []byte

// Protocols holds the named protocols of the ABINIT relaxation.
var Protocols = protocol.MustNewRegistry("abinit.relax", protocolSource, "moderate")

var recommendedCutoffs = mustLoadCutoffs()

// EngineName is the registry name of this engine.
const EngineName = "abinit"

const processName = "abinit.relax"

// defaultForceTolerance is the ABINIT default tolmxf in Ha/Bohr.
const defaultForceTolerance = 5.0e-5

func mustLoadCutoffs() map[string]map[string]float64 {
	var cutoffs map[string]map[string]float64
	if err := yaml.Unmarshal(cutoffSource, &cutoffs); err != nil {
		panic(fmt.Sprintf("abinit: invalid cutoff table: %v", err))
	}
	return cutoffs
}

func newSpec() *generator.Spec {
	spec := relax.CommonSpec()
	relax.ApplyProtocols(spec, Protocols)
	relax.RestrictRelaxTypes(spec,
		workflows.RelaxNone,
		workflows.RelaxPositions,
		workflows.RelaxPositionsCell,
		workflows.RelaxPositionsVolume,
		workflows.RelaxPositionsShape,
	)
	relax.RestrictSpinTypes(spec,
		workflows.SpinNone,
		workflows.SpinCollinear,
		workflows.SpinNonCollinear,
		workflows.SpinOrbit,
	)
	relax.RestrictElectronicTypes(spec,
		workflows.ElectronicMetal,
		workflows.ElectronicInsulator,
		workflows.ElectronicUnknown,
	)
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

	thresholdF := defaultForceTolerance
	if inputs.ThresholdForces != nil {
		thresholdF = *inputs.ThresholdForces * workflows.EvToHa / workflows.AngToBohr
	}

	structure := inputs.Structure
	molecule := !structure.PBC[0] && !structure.PBC[1] && !structure.PBC[2]
	if !molecule && (!structure.PBC[0] || !structure.PBC[1] || !structure.PBC[2]) {
		return fmt.Errorf("partial periodic boundary conditions %v are not supported", structure.PBC)
	}
	if molecule {
		// The vacuum of the molecular box must conserve the molecular
		// symmetries. The run is restored to full periodicity at the Γ
		// point with a force-based SCF tolerance.
		periodic := structure.Clone()
		periodic.PBC = [3]bool{true, true, true}
		structure = periodic
		delete(parameters, "tolvrs")
		parameters["nkpt"] = 1
		parameters["toldff"] = thresholdF * 0.1
		parameters["diemac"] = 2.0
	}

	stringency, _ := settings["cutoff_stringency"].(string)
	ecut, err := recommendedCutoff(stringency, structure.Symbols())
	if err != nil {
		return err
	}
	parameters["ecut"] = ecut

	switch inputs.RelaxType {
	case workflows.RelaxNone:
		parameters["ionmov"] = 0
	case workflows.RelaxPositions:
		// The protocol ionmov already moves the ions.
	case workflows.RelaxPositionsCell:
		parameters["optcell"] = 2
		parameters["dilatmx"] = 1.15
		parameters["ecutsm"] = 0.5
	case workflows.RelaxPositionsVolume:
		parameters["optcell"] = 1
		parameters["dilatmx"] = 1.15
		parameters["ecutsm"] = 0.5
	case workflows.RelaxPositionsShape:
		parameters["optcell"] = 3
		parameters["dilatmx"] = 1.05
		parameters["ecutsm"] = 0.5
	}

	switch inputs.SpinType {
	case workflows.SpinCollinear:
		moments := inputs.MagnetizationPerSite
		if moments == nil {
			moments = initialMagnetization(inputs.Structure)
		}
		switch classifyMoments(moments) {
		case orderNone:
			// All moments vanish, run unpolarized.
		case orderAntiferromagnetic:
			parameters["nsppol"] = 1
			parameters["nspden"] = 2
			parameters["spinat"] = spinatFrom(moments)
		case orderFerromagnetic:
			parameters["nsppol"] = 2
			parameters["nspden"] = 2
			parameters["spinat"] = spinatFrom(moments)
		}
	case workflows.SpinNonCollinear:
		moments := inputs.MagnetizationPerSite
		if moments == nil {
			moments = initialMagnetization(inputs.Structure)
		}
		parameters["nspinor"] = 2
		parameters["nsppol"] = 1
		parameters["nspden"] = 4
		parameters["spinat"] = spinatFrom(moments)
	case workflows.SpinOrbit:
		parameters["nspinor"] = 2
		parameters["kptopt"] = 4
	}

	switch inputs.ElectronicType {
	case workflows.ElectronicUnknown:
		// The protocol default is metallic with Gaussian smearing.
	case workflows.ElectronicMetal:
		parameters["occopt"] = 3
	case workflows.ElectronicInsulator:
		if inputs.SpinType != workflows.SpinNone && inputs.SpinType != workflows.SpinOrbit {
			return fmt.Errorf("spin_type %q is not supported for insulating systems", inputs.SpinType)
		}
		parameters["occopt"] = 1
		parameters["fband"] = 0.125
	}

	parameters["tolmxf"] = thresholdF
	if inputs.ThresholdStress != nil {
		thresholdS := *inputs.ThresholdStress * workflows.EvToHa /
			(workflows.AngToBohr * workflows.AngToBohr * workflows.AngToBohr)
		parameters["strfact"] = thresholdF / thresholdS
	}

	if mesh, ok := referenceMesh(inputs.ReferenceOutputs); ok {
		if err := builder.Set("kpoints.mesh", mesh); err != nil {
			return err
		}
		if shiftk, ok := inputs.ReferenceOutputs["shiftk"]; ok {
			parameters["shiftk"] = shiftk
		}
		if nshiftk, ok := inputs.ReferenceOutputs["nshiftk"]; ok {
			parameters["nshiftk"] = nshiftk
		}
	} else if molecule {
		if err := builder.Set("kpoints.mesh", []interface{}{1, 1, 1}); err != nil {
			return err
		}
	} else {
		if err := builder.Set("kpoints.distance", settings["kpoints_distance"]); err != nil {
			return err
		}
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
	return builder.Set("metadata.options", inputs.Engines["relax"].Options)
}

// recommendedCutoff returns the plane-wave cutoff in Hartree covering every
// element of the structure at the given stringency, rounded up.
func recommendedCutoff(stringency string, symbols []string) (float64, error) {
	table, ok := recommendedCutoffs[stringency]
	if !ok {
		return 0, fmt.Errorf("unknown cutoff stringency %q", stringency)
	}
	cutoff := 0.0
	for _, symbol := range symbols {
		value, ok := table[symbol]
		if !ok {
			return 0, fmt.Errorf("no recommended cutoff for element %q at stringency %q", symbol, stringency)
		}
		if value > cutoff {
			cutoff = value
		}
	}
	return math.Ceil(cutoff), nil
}

type magneticOrder int

const (
	orderNone magneticOrder = iota
	orderFerromagnetic
	orderAntiferromagnetic
)

// classifyMoments detects the magnetic order from the initial moments. A
// vanishing total moment or mixed signs mean an antiferromagnetic
// configuration, a consistent sign a ferromagnetic one.
func classifyMoments(moments []float64) magneticOrder {
	const tolerance = 1e-8
	sum := 0.0
	positive, negative := 0, 0
	for _, moment := range moments {
		sum += moment
		if math.Abs(moment) > tolerance {
			if moment > 0 {
				positive++
			} else {
				negative++
			}
		}
	}
	if positive == 0 && negative == 0 {
		return orderNone
	}
	if math.Abs(sum) < tolerance || (positive > 0 && negative > 0) {
		return orderAntiferromagnetic
	}
	return orderFerromagnetic
}

func spinatFrom(moments []float64) []interface{} {
	out := make([]interface{}, len(moments))
	for i, moment := range moments {
		out[i] = []interface{}{0.0, 0.0, moment}
	}
	return out
}

// initialMoments holds magnetic moment guesses for elements with partially
// occupied d or f shells.
var initialMoments = map[string]float64{
	"Ac": 5, "Ce": 5, "Co": 5, "Cr": 5, "Dy": 7, "Er": 7, "Eu": 7,
	"Fe": 5, "Gd": 5, "Hf": 5, "Ho": 7, "Ir": 5, "La": 5, "Lu": 5,
	"Mn": 5, "Mo": 5, "Nb": 5, "Nd": 7, "Ni": 5, "Np": 5, "Os": 5,
	"Pa": 5, "Pm": 7, "Pr": 7, "Pt": 5, "Pu": 7, "Re": 5, "Rh": 5,
	"Ru": 5, "Sc": 5, "Sm": 7, "Ta": 5, "Tb": 7, "Tc": 5, "Th": 5,
	"Ti": 5, "Tm": 7, "U": 5, "V": 5, "W": 5, "Y": 5, "Zr": 5,
}

// initialMagnetization guesses a starting moment for every site, 0.01 for
// elements without a tabulated moment.
func initialMagnetization(structure *crystal.Structure) []float64 {
	moments := make([]float64, len(structure.Sites))
	for i, site := range structure.Sites {
		if moment, ok := initialMoments[structure.Kind(site).Symbol]; ok {
			moments[i] = moment
		} else {
			moments[i] = 0.01
		}
	}
	return moments
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
