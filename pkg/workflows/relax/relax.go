// Package relax defines the engine-agnostic geometry relaxation workflow.
// The common input generator exposes one set of ports (structure, protocol,
// relax type, spin treatment, convergence thresholds) that every engine
// implementation translates into its native input tree. The workchain wraps
// the engine sub-process and normalizes its outputs to a common schema in
// consistent units.
package relax

import (
	"fmt"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/protocol"
	"github.com/atomflow/atomflow/pkg/workflows"
)

// CommonSpec returns a fresh copy of the common relaxation port spec.
// Engine generators restrict choices, set protocol defaults and add
// engine-specific ports on their copy.
func CommonSpec() *generator.Spec {
	spec := generator.NewSpec()

	spec.Input("structure", generator.KindStructure, generator.Required(),
		generator.Help("structure to relax"))
	spec.Input("protocol", generator.KindString, generator.NonDB(),
		generator.Help("protocol controlling the accuracy of the calculation"))
	spec.Input("relax_type", generator.KindString, generator.NonDB(),
		generator.Default(string(workflows.RelaxPositions)),
		generator.Choices(relaxTypeChoices()...),
		generator.Help("degrees of freedom to relax"))
	spec.Input("spin_type", generator.KindString, generator.NonDB(),
		generator.Default(string(workflows.SpinNone)),
		generator.Choices(spinTypeChoices()...),
		generator.Help("spin polarization treatment"))
	spec.Input("electronic_type", generator.KindString, generator.NonDB(),
		generator.Default(string(workflows.ElectronicMetal)),
		generator.Choices(electronicTypeChoices()...),
		generator.Help("electronic character of the system"))
	spec.Input("magnetization_per_site", generator.KindFloatList, generator.NonDB(),
		generator.Help("initial magnetic moment per site in Bohr magnetons"))
	spec.Input("threshold_forces", generator.KindFloat, generator.NonDB(),
		generator.Help("force convergence threshold in eV/Å"))
	spec.Input("threshold_stress", generator.KindFloat, generator.NonDB(),
		generator.Help("stress convergence threshold in eV/Å^3"))
	spec.Input("reference_workchain", generator.KindMap, generator.NonDB(),
		generator.Help("outputs of a previous relaxation used to reuse k-point settings"))
	spec.DynamicNamespace("engines", true, func(entry *generator.Spec) {
		entry.Input("code", generator.KindString, generator.Required(),
			generator.Help("code label in name@computer form"))
		entry.Input("options", generator.KindMap,
			generator.Default(map[string]interface{}{}),
			generator.Help("scheduler options such as resources and wallclock"))
	})

	return spec
}

func relaxTypeChoices() []interface{} {
	types := workflows.RelaxTypes()
	out := make([]interface{}, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func spinTypeChoices() []interface{} {
	types := workflows.SpinTypes()
	out := make([]interface{}, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func electronicTypeChoices() []interface{} {
	types := workflows.ElectronicTypes()
	out := make([]interface{}, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

// ProtocolProvider is implemented by engines that publish their protocol
// registry, so callers can enumerate protocol names and descriptions.
type ProtocolProvider interface {
	Protocols() *protocol.Registry
}

// MultiStepEngine is implemented by engines whose calculations run through
// more than one code. EngineSteps returns the engines namespace step names
// in the order codes are assigned to them; engines without the method use
// the single "relax" step.
type MultiStepEngine interface {
	EngineSteps() []string
}

// ApplyProtocols binds an engine's protocol registry to its spec: the
// protocol port defaults to the registry default and only accepts defined
// protocol names.
func ApplyProtocols(spec *generator.Spec, registry *protocol.Registry) {
	names := registry.Names()
	choices := make([]interface{}, len(names))
	for i, name := range names {
		choices[i] = name
	}
	spec.SetDefault("protocol", registry.Default())
	spec.SetChoices("protocol", choices...)
}

// RestrictRelaxTypes narrows the relax_type choices of an engine spec to the
// types the engine supports.
func RestrictRelaxTypes(spec *generator.Spec, types ...workflows.RelaxType) {
	choices := make([]interface{}, len(types))
	for i, t := range types {
		choices[i] = string(t)
	}
	spec.SetChoices("relax_type", choices...)
}

// RestrictSpinTypes narrows the spin_type choices of an engine spec.
func RestrictSpinTypes(spec *generator.Spec, types ...workflows.SpinType) {
	choices := make([]interface{}, len(types))
	for i, t := range types {
		choices[i] = string(t)
	}
	spec.SetChoices("spin_type", choices...)
}

// RestrictElectronicTypes narrows the electronic_type choices of an engine
// spec.
func RestrictElectronicTypes(spec *generator.Spec, types ...workflows.ElectronicType) {
	choices := make([]interface{}, len(types))
	for i, t := range types {
		choices[i] = string(t)
	}
	spec.SetChoices("electronic_type", choices...)
}

// Inputs is the typed view of validated common relaxation inputs that
// engine construct functions work from.
type Inputs struct {
	Structure            *crystal.Structure
	Protocol             string
	RelaxType            workflows.RelaxType
	SpinType             workflows.SpinType
	ElectronicType       workflows.ElectronicType
	MagnetizationPerSite []float64
	ThresholdForces      *float64
	ThresholdStress      *float64
	ReferenceOutputs     map[string]interface{}
	Engines              workflows.Engines
}

// CommonInputs extracts the common ports from a validated input map and
// applies the cross-port checks every engine shares: the relax step must be
// configured, per-site magnetization must match the structure size and
// requires a polarized spin type.
func CommonInputs(validated map[string]interface{}) (*Inputs, error) {
	inputs := &Inputs{
		Structure: validated["structure"].(*crystal.Structure),
	}

	if protocol, ok := validated["protocol"].(string); ok {
		inputs.Protocol = protocol
	}
	if value, ok := validated["relax_type"].(string); ok {
		inputs.RelaxType = workflows.RelaxType(value)
	}
	if value, ok := validated["spin_type"].(string); ok {
		inputs.SpinType = workflows.SpinType(value)
	}
	if value, ok := validated["electronic_type"].(string); ok {
		inputs.ElectronicType = workflows.ElectronicType(value)
	}
	if moments, ok := validated["magnetization_per_site"].([]float64); ok {
		inputs.MagnetizationPerSite = moments
	}
	if value, ok := validated["threshold_forces"].(float64); ok {
		inputs.ThresholdForces = &value
	}
	if value, ok := validated["threshold_stress"].(float64); ok {
		inputs.ThresholdStress = &value
	}
	if reference, ok := validated["reference_workchain"].(map[string]interface{}); ok {
		inputs.ReferenceOutputs = reference
	}

	engines, err := parseEngines(validated["engines"])
	if err != nil {
		return nil, err
	}
	inputs.Engines = engines
	if err := inputs.Engines.Validate("relax"); err != nil {
		return nil, err
	}

	if inputs.MagnetizationPerSite != nil {
		if len(inputs.MagnetizationPerSite) != len(inputs.Structure.Sites) {
			return nil, fmt.Errorf(
				"magnetization_per_site has %d entries but the structure has %d sites",
				len(inputs.MagnetizationPerSite), len(inputs.Structure.Sites))
		}
		if inputs.SpinType == workflows.SpinNone {
			return nil, fmt.Errorf("magnetization_per_site requires a spin-polarized spin_type, got %q",
				inputs.SpinType)
		}
	}

	return inputs, nil
}

func parseEngines(value interface{}) (workflows.Engines, error) {
	raw, ok := value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("engines input is missing")
	}

	engines := make(workflows.Engines, len(raw))
	for step, entry := range raw {
		fields, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("engine step %q is not a namespace", step)
		}
		spec := workflows.EngineSpec{}
		if code, ok := fields["code"].(string); ok {
			spec.Code = code
		}
		if options, ok := fields["options"].(map[string]interface{}); ok {
			spec.Options = options
		}
		engines[step] = spec
	}
	return engines, nil
}
