// Package orca implements the common relaxation workflow for the molecular
// quantum chemistry code ORCA. Structures are treated as isolated
// molecules; the generator assembles the simple-input keyword line and the
// block inputs, and derives the spin multiplicity from the electron count.
package orca

import (
	_ "embed"
	"fmt"
	"math"
	"strings"

	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/protocol"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

//go:embed protocol.yml
var protocolSource []byte

// Protocols holds the named protocols of the ORCA relaxation.
var Protocols = protocol.MustNewRegistry("orca.relax", protocolSource, "moderate")

// EngineName is the registry name of this engine.
const EngineName = "orca"

const processName = "orca.relax"

func init() {
	// Every protocol must define the simple-input keyword line.
	for _, name := range Protocols.Names() {
		settings, err := Protocols.Protocol(name)
		if err != nil {
			panic(err)
		}
		if _, ok := settings["input_keywords"].([]interface{}); !ok {
			panic(fmt.Sprintf("orca: protocol %q does not define input_keywords", name))
		}
	}
}

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
	keywords, _ := settings["input_keywords"].([]interface{})
	blocks := map[string]interface{}{}
	if raw, ok := settings["input_blocks"].(map[string]interface{}); ok {
		blocks = raw
	}
	scf, ok := blocks["scf"].(map[string]interface{})
	if !ok {
		scf = map[string]interface{}{}
		blocks["scf"] = scf
	}

	if inputs.RelaxType == workflows.RelaxNone {
		// Keep the keyword line free of optimization directives and ask
		// for the gradient explicitly.
		kept := make([]interface{}, 0, len(keywords)+1)
		for _, keyword := range keywords {
			if word, ok := keyword.(string); ok && strings.Contains(strings.ToLower(word), "opt") {
				continue
			}
			kept = append(kept, keyword)
		}
		keywords = append(kept, "EnGrad")
	}

	electrons := inputs.Structure.NumElectrons()
	if electrons%2 == 1 && inputs.SpinType == workflows.SpinNone {
		return fmt.Errorf("a spin-restricted calculation cannot hold an odd electron count (%d)", electrons)
	}

	multiplicity := 1
	if inputs.SpinType == workflows.SpinCollinear {
		keywords = append(keywords, "UKS")
		multiplicity = spinMultiplicity(electrons, inputs.MagnetizationPerSite)
		if multiplicity == 1 {
			// An open-shell singlet needs a stability analysis, which the
			// gradient run does not support.
			scf["STABPerform"] = true
			keywords = withoutKeyword(keywords, "EnGrad")
		}
	}

	parameters := map[string]interface{}{
		"charge":         0,
		"multiplicity":   multiplicity,
		"input_keywords": keywords,
		"input_blocks":   blocks,
	}
	if nproc := processCount(inputs.Engines["relax"].Options); nproc > 0 {
		blocks["pal"] = map[string]interface{}{"nproc": nproc}
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
// rounded to the parity the electron count allows. Without moments the
// guess is a singlet, which lands on a doublet for odd electron counts.
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

func withoutKeyword(keywords []interface{}, drop string) []interface{} {
	kept := make([]interface{}, 0, len(keywords))
	for _, keyword := range keywords {
		if word, ok := keyword.(string); ok && word == drop {
			continue
		}
		kept = append(kept, keyword)
	}
	return kept
}

// processCount resolves the MPI process count from the scheduler resources.
func processCount(options map[string]interface{}) int {
	resources, ok := options["resources"].(map[string]interface{})
	if !ok {
		return 0
	}
	if total, ok := asInt(resources["tot_num_mpiprocs"]); ok {
		return total
	}
	machines, okMachines := asInt(resources["num_machines"])
	perMachine, okPer := asInt(resources["num_mpiprocs_per_machine"])
	if okMachines && okPer {
		return machines * perMachine
	}
	return 0
}

func asInt(value interface{}) (int, bool) {
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

// Protocols returns the named protocols this engine accepts.
func (i *Implementation) Protocols() *protocol.Registry { return Protocols }
