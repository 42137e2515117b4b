// Package siesta implements the common bands workflow for SIESTA. The
// generator rebuilds the inputs of the calculation that produced the
// parent folder, swaps in the bands code and attaches the k-point path,
// so the band step restarts from the converged density matrix.
package siesta

import (
	"fmt"

	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows/bands"
)

// EngineName is the registry name of this engine.
const EngineName = "siesta"

const processName = "siesta.bands"

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
		if key == "metadata" || key == "output_structure" || value == nil {
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

	if err := builder.Set("code", inputs.Engines["bands"].Code); err != nil {
		return err
	}
	if options := bandsOptions(inputs); options != nil {
		if err := builder.Set("metadata.options", options); err != nil {
			return err
		}
	}

	if err := builder.Set("bandskpoints", inputs.Kpoints); err != nil {
		return err
	}
	return builder.Set("parent_calc_folder", inputs.ParentFolder)
}

// bandsOptions picks the scheduler options of the bands step, falling back
// to the parent calculation's options.
func bandsOptions(inputs *bands.Inputs) interface{} {
	if options := inputs.Engines["bands"].Options; len(options) > 0 {
		return options
	}
	if metadata, ok := inputs.ParentInputs["metadata"].(map[string]interface{}); ok {
		if options, ok := metadata["options"]; ok {
			return options
		}
	}
	return nil
}
