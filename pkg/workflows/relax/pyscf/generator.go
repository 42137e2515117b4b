// Package pyscf implements the common relaxation workflow for PySCF.
// Structures are treated as isolated molecules; geometry optimization runs
// through the geomeTRIC solver and spin polarization switches the mean
// field to a multi-collinear Dirac-Kohn-Sham treatment.
package pyscf

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

// Protocols holds the named protocols of the PySCF relaxation.
var Protocols = protocol.MustNewRegistry("pyscf.relax", protocolSource, "moderate")

// EngineName is the registry name of this engine.
const EngineName = "pyscf"

const processName = "pyscf.relax"

func newSpec() *generator.Spec {
	spec := relax.CommonSpec()
	relax.ApplyProtocols(spec, Protocols)
	relax.RestrictRelaxTypes(spec, workflows.RelaxNone, workflows.RelaxPositions)
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
	parameters, ok := settings["parameters"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("protocol is missing the parameters block")
	}

	if inputs.RelaxType == workflows.RelaxNone {
		delete(parameters, "optimizer")
	}

	electrons := inputs.Structure.NumElectrons()
	if electrons%2 == 1 && inputs.SpinType == workflows.SpinNone {
		return fmt.Errorf("a spin-restricted calculation cannot hold an odd electron count (%d)", electrons)
	}

	if inputs.SpinType == workflows.SpinCollinear {
		meanField, ok := parameters["mean_field"].(map[string]interface{})
		if !ok {
			meanField = map[string]interface{}{}
			parameters["mean_field"] = meanField
		}
		meanField["method"] = "DKS"
		meanField["collinear"] = "mcol"

		structureBlock, ok := parameters["structure"].(map[string]interface{})
		if !ok {
			structureBlock = map[string]interface{}{}
			parameters["structure"] = structureBlock
		}
		// PySCF counts unpaired electrons rather than the multiplicity.
		structureBlock["spin"] = spinMultiplicity(electrons, inputs.MagnetizationPerSite) - 1
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
	return builder.Set("metadata.options", inputs.Engines["relax"].Options)
}

// spinMultiplicity derives the multiplicity from the summed moments,
// rounded to the parity the electron count allows. Only the total moment
// matters, the per-site resolution has no PySCF counterpart.
func spinMultiplicity(electrons int, moments []float64) int {
	guess := 1.0
	if moments != nil {
		total := 0.0
		for _, moment := range moments {
			total += moment
		}
		// Moments are Bohr magnetons, half of that is the spin in au.
		guess = 2*0.5*math.Abs(total) + 1
	}
	if electrons%2 == 0 {
		return int(math.RoundToEven((guess-1)/2))*2 + 1
	}
	even := int(math.RoundToEven(guess/2)) * 2
	if even < 2 {
		even = 2
	}
	return even
}

// Protocols returns the named protocols this engine accepts.
func (i *Implementation) Protocols() *protocol.Registry { return Protocols }
