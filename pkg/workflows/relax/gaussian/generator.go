// Package gaussian implements the common relaxation workflow for Gaussian.
// The engine is molecular, so only the atomic positions can move; periodic
// boundary conditions on the input structure are ignored. Route keywords
// without a value are carried as nil entries in the route map.
package gaussian

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

// Protocols holds the named protocols of the Gaussian relaxation.
var Protocols = protocol.MustNewRegistry("gaussian.relax", protocolSource, "moderate")

// EngineName is the registry name of this engine.
const EngineName = "gaussian"

const processName = "gaussian.relax"

// Memory directive in MB when the scheduler options carry no limit.
const defaultMemoryMB = 2048

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
	functional, _ := settings["functional"].(string)
	route, ok := settings["route_parameters"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("protocol is missing the route_parameters block")
	}

	options := inputs.Engines["relax"].Options
	link0 := map[string]interface{}{
		"%chk": "calc.chk",
		"%mem": fmt.Sprintf("%dMB", memoryMB(options)),
	}
	if nproc := processCount(options); nproc > 0 {
		link0["%nprocshared"] = nproc
	}

	if inputs.RelaxType == workflows.RelaxNone {
		delete(route, "opt")
		route["force"] = nil
	}

	if inputs.ThresholdForces != nil {
		// iop(1/7=N) sets the RMS force convergence to N*1e-6 Ha/Bohr.
		threshold := *inputs.ThresholdForces * workflows.EvToHa / workflows.AngToBohr
		if threshold < 1e-6 {
			threshold = 1e-6
		}
		route[fmt.Sprintf("iop(1/7=%d)", int(math.RoundToEven(threshold*1e6)))] = nil
	}

	electrons := inputs.Structure.NumElectrons()
	if electrons%2 == 1 && inputs.SpinType == workflows.SpinNone {
		return fmt.Errorf("a spin-restricted calculation cannot hold an odd electron count (%d)", electrons)
	}

	multiplicity := 1
	if inputs.SpinType == workflows.SpinCollinear {
		functional = "U" + functional
		multiplicity = spinMultiplicity(electrons, inputs.MagnetizationPerSite)
		if multiplicity == 1 {
			// Mix the frontier orbitals to reach the open-shell singlet.
			route["guess"] = "mix"
		}
	}

	parameters := map[string]interface{}{
		"link0_parameters": link0,
		"functional":       functional,
		"basis_set":        settings["basis_set"],
		"charge":           0,
		"multiplicity":     multiplicity,
		"route_parameters": route,
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
	return builder.Set("metadata.options", options)
}

// memoryMB resolves the %mem directive from the scheduler memory limit,
// keeping a fifth of the allocation for overhead outside Gaussian.
func memoryMB(options map[string]interface{}) int {
	kb, ok := asInt(options["max_memory_kb"])
	if !ok {
		return defaultMemoryMB
	}
	return int(0.8 * float64(kb) / 1024)
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

// processCount resolves the shared-memory worker count from the scheduler
// resources.
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
