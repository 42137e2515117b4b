// Package bigdft implements the common relaxation workflow for BigDFT.
// The wavelet basis needs no cell relaxation support; structures beyond a
// few hundred atoms switch from the cubic-scaling to the linear-scaling
// input profile.
package bigdft

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

// Protocols holds the named protocols of the BigDFT relaxation.
var Protocols = protocol.MustNewRegistry("bigdft.relax", protocolSource, "moderate")

// EngineName is the registry name of this engine.
const EngineName = "bigdft"

const processName = "bigdft.relax"

// Largest structure handled with the cubic-scaling profile.
const cubicSiteLimit = 200

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
	if inputs.MagnetizationPerSite != nil {
		// Per-atom guess spins sit in the position records, which the
		// input writer assembles outside this generator.
		return fmt.Errorf("magnetization_per_site is not supported by the BigDFT input")
	}

	settings, err := Protocols.Protocol(inputs.Protocol)
	if err != nil {
		return err
	}
	dictKey := "inputdict_cubic"
	if len(inputs.Structure.Sites) > cubicSiteLimit {
		dictKey = "inputdict_linear"
	}
	parameters, ok := settings[dictKey].(map[string]interface{})
	if !ok {
		return fmt.Errorf("protocol is missing the %s block", dictKey)
	}

	dft, ok := parameters["dft"].(map[string]interface{})
	if !ok {
		dft = map[string]interface{}{}
		parameters["dft"] = dft
	}

	if hgrid, length, ok := referenceGrid(inputs.ReferenceOutputs); ok && length > 0 {
		// Keep the real-space grid commensurate across strained volumes.
		dft["hgrids"] = hgrid * inputs.Structure.CellLengths()[0] / length
	}

	if inputs.ElectronicType == workflows.ElectronicMetal {
		mix, ok := parameters["mix"].(map[string]interface{})
		if !ok {
			mix = map[string]interface{}{}
			parameters["mix"] = mix
		}
		for key, value := range map[string]interface{}{
			"iscf":       17,
			"itrpmax":    200,
			"rpnrm_cv":   1.0e-12,
			"norbsempty": 120,
			"tel":        0.01,
			"alphamix":   0.8,
			"alphadiis":  1.0,
		} {
			mix[key] = value
		}
	}

	switch inputs.SpinType {
	case workflows.SpinNone:
		dft["nspin"] = 1
	case workflows.SpinCollinear:
		dft["nspin"] = 2
	}

	if distance, ok := settings["kpoints_distance"]; ok {
		parameters["kpt"] = map[string]interface{}{"method": "auto", "kptrlen": distance}
	}

	if inputs.RelaxType == workflows.RelaxPositions {
		forcemax := 0.0
		if inputs.ThresholdForces != nil {
			forcemax = *inputs.ThresholdForces / workflows.HaPerBohrToEvPerAng
		}
		parameters["geopt"] = map[string]interface{}{
			"method":   "FIRE",
			"forcemax": forcemax,
		}
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

func referenceGrid(reference map[string]interface{}) (hgrid, length float64, ok bool) {
	if reference == nil {
		return 0, 0, false
	}
	hgrid, errGrid := relax.FloatValue(reference["hgrids"])
	length, errLength := relax.FloatValue(reference["cell_length"])
	return hgrid, length, errGrid == nil && errLength == nil
}

// Protocols returns the named protocols this engine accepts.
func (i *Implementation) Protocols() *protocol.Registry { return Protocols }
