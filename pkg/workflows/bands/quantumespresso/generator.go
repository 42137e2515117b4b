// Package quantumespresso implements the common bands workflow for Quantum
// ESPRESSO. The generator rebuilds the pw.x inputs of the calculation that
// produced the parent folder, switches the calculation to bands and swaps
// the k-point mesh for the explicit path.
package quantumespresso

import (
	"fmt"

	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows/bands"
)

// EngineName is the registry name of this engine.
const EngineName = "quantum_espresso"

const processName = "quantum_espresso.bands"

func newSpec() *generator.Spec {
	return bands.CommonSpec()
}

func construct(builder *runtime.Builder, validated map[string]interface{}) error {
	inputs, err := bands.CommonInputs(validated)
	if err != nil {
		return err
	}
	if len(inputs.ParentInputs) == 0 {
		return fmt.Errorf("parent_inputs of the originating calculation are required to rebuild the restart")
	}

	for key, value := range inputs.ParentInputs {
		switch key {
		case "metadata", "kpoints", "parameters", "output_structure":
			continue
		}
		if value == nil {
			continue
		}
		if err := builder.Set(key, value); err != nil {
			return err
		}
	}
	if structure, ok := inputs.ParentInputs["output_structure"]; ok {
		if err := builder.Set("structure", structure); err != nil {
			return err
		}
	}

	parameters, err := bandsParameters(inputs.ParentInputs)
	if err != nil {
		return err
	}
	if err := builder.Set("parameters", parameters); err != nil {
		return err
	}

	if err := builder.Set("code", inputs.Engines["bands"].Code); err != nil {
		return err
	}
	if options := inputs.Engines["bands"].Options; len(options) > 0 {
		if err := builder.Set("metadata.options", options); err != nil {
			return err
		}
	}

	if err := builder.Set("kpoints", inputs.Kpoints); err != nil {
		return err
	}
	return builder.Set("parent_folder", inputs.ParentFolder)
}

// bandsParameters copies the parent pw.x namelists and switches the
// calculation to bands. The parent document is left untouched.
func bandsParameters(parent map[string]interface{}) (map[string]interface{}, error) {
	raw, ok := parent["parameters"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("parent_inputs is missing the parameters document")
	}
	parameters := make(map[string]interface{}, len(raw))
	for key, value := range raw {
		parameters[key] = value
	}
	control := map[string]interface{}{}
	if existing, ok := parameters["CONTROL"].(map[string]interface{}); ok {
		for key, value := range existing {
			control[key] = value
		}
	}
	control["calculation"] = "bands"
	parameters["CONTROL"] = control
	return parameters, nil
}
