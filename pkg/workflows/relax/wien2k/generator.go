// Package wien2k implements the common workflow for WIEN2k. The generator
// assembles the flag dictionary of the run123_lapw driver, which runs the
// all-electron SCF at three precision levels, so only single points are
// offered. A reference run pins the muffin-tin radii and the k meshes of
// follow-up volumes.
package wien2k

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/protocol"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

//go:embed protocol.yml
var protocolSource []byte

// Protocols holds the named protocols of the WIEN2k workflow.
var Protocols = protocol.MustNewRegistry("wien2k.relax", protocolSource, "moderate")

// EngineName is the registry name of this engine.
const EngineName = "wien2k"

const processName = "wien2k.relax"

func newSpec() *generator.Spec {
	spec := relax.CommonSpec()
	relax.ApplyProtocols(spec, Protocols)
	relax.RestrictRelaxTypes(spec, workflows.RelaxNone)
	spec.SetDefault("relax_type", string(workflows.RelaxNone))
	relax.RestrictSpinTypes(spec, workflows.SpinNone)
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

	flags := map[string]interface{}{
		"-red":      parameters["red"],
		"-i":        parameters["max-scf-iterations"],
		"-ec":       parameters["scf-ene-tol-Ry"],
		"-cc":       parameters["scf-charge-tol"],
		"-fermits":  parameters["fermi-temp-Ry"],
		"-nokshift": parameters["nokshift"],
		"-noprec":   parameters["noprec"],
		"-numk":     parameters["numk"],
		"-numk2":    parameters["numk2"],
		"-p":        parameters["parallel"],
	}

	if inputs.ElectronicType == workflows.ElectronicInsulator {
		flags["-nometal"] = true
	}

	if radii, ok, err := pinnedRadii(inputs.ReferenceOutputs); err != nil {
		return err
	} else if ok {
		flags["-red"] = radii
	}
	if mesh, ok := inputs.ReferenceOutputs["kmesh3"].(string); ok && mesh != "" {
		// A leading zero tells kgen to take the mesh divisions verbatim.
		flags["-numk"] = "0 " + mesh
	}
	if mesh, ok := inputs.ReferenceOutputs["kmesh3k"].(string); ok && mesh != "" {
		flags["-numk2"] = "0 " + mesh
	}
	if mesh, ok := inputs.ReferenceOutputs["fftmesh3k"].(string); ok && mesh != "" {
		flags["-fft"] = mesh
	}

	if err := builder.Set("code", inputs.Engines["relax"].Code); err != nil {
		return err
	}
	if err := builder.Set("structure", inputs.Structure); err != nil {
		return err
	}
	if err := builder.Set("parameters", flags); err != nil {
		return err
	}
	return builder.Set("metadata.options", inputs.Engines["relax"].Options)
}

// pinnedRadii renders the muffin-tin radii of a reference run as the
// label:radius list the -red flag takes in place of a percentage.
func pinnedRadii(reference map[string]interface{}) (string, bool, error) {
	radii, ok := reference["rmt"].([]interface{})
	if !ok {
		return "", false, nil
	}
	labels, ok := reference["atom_labels"].([]interface{})
	if !ok {
		return "", false, nil
	}
	if len(radii) != len(labels) {
		return "", false, fmt.Errorf("%d muffin-tin radii do not match %d atom labels", len(radii), len(labels))
	}
	parts := make([]string, len(radii))
	for i := range radii {
		parts[i] = fmt.Sprintf("%v:%v", labels[i], radii[i])
	}
	return strings.Join(parts, ","), true, nil
}

// Protocols returns the named protocols this engine accepts.
func (i *Implementation) Protocols() *protocol.Registry { return Protocols }
