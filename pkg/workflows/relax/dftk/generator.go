// Package dftk implements the common workflow for DFTK. The plane-wave
// Julia code covers single points only for now, so the relax and spin
// choices are pinned to none; the generator still carries the smearing
// selection and the pseudo-dojo cutoff table.
package dftk

import (
	_ "embed"
	"fmt"
	"math"

	"gopkg.in/yaml.v3"

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

// Protocols holds the named protocols of the DFTK workflow.
var Protocols = protocol.MustNewRegistry("dftk.relax", protocolSource, "moderate")

var recommendedCutoffs = mustLoadCutoffs()

// EngineName is the registry name of this engine.
const EngineName = "dftk"

const processName = "dftk.relax"

func mustLoadCutoffs() map[string]map[string]float64 {
	var cutoffs map[string]map[string]float64
	if err := yaml.Unmarshal(cutoffSource, &cutoffs); err != nil {
		panic(fmt.Sprintf("dftk: invalid cutoff table: %v", err))
	}
	return cutoffs
}

func newSpec() *generator.Spec {
	spec := relax.CommonSpec()
	relax.ApplyProtocols(spec, Protocols)
	relax.RestrictRelaxTypes(spec, workflows.RelaxNone)
	spec.SetDefault("relax_type", string(workflows.RelaxNone))
	relax.RestrictSpinTypes(spec, workflows.SpinNone)
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
	modelKwargs, ok := parameters["model_kwargs"].(map[string]interface{})
	if !ok {
		modelKwargs = map[string]interface{}{}
		parameters["model_kwargs"] = modelKwargs
	}

	stringency, _ := settings["cutoff_stringency"].(string)
	ecut, err := recommendedCutoff(stringency, inputs.Structure.Symbols())
	if err != nil {
		return err
	}
	parameters["basis_kwargs"] = map[string]interface{}{"Ecut": ecut}

	switch inputs.ElectronicType {
	case workflows.ElectronicMetal:
		modelKwargs["smearing"] = map[string]interface{}{"$symbol": "Smearing.MarzariVanderbilt"}
	case workflows.ElectronicUnknown:
		modelKwargs["smearing"] = map[string]interface{}{"$symbol": "Smearing.Gaussian"}
	case workflows.ElectronicInsulator:
		delete(modelKwargs, "temperature")
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
		if err := builder.Set("kpoints.distance", settings["kpoints_distance"]); err != nil {
			return err
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
