package dftk

import (
	"math"
	"testing"

	"github.com/atomflow/atomflow/pkg/plugins"
	"github.com/atomflow/atomflow/pkg/runtime"
)

func TestConvertOutputs(t *testing.T) {
	result := &runtime.Result{
		Outputs: map[string]interface{}{
			"output_parameters": map[string]interface{}{
				"energies": map[string]interface{}{
					"total": -8.9,
				},
			},
			"forces": []interface{}{
				[]interface{}{0.0, 0.0, 0.001},
				[]interface{}{0.0, 0.0, -0.001},
			},
			"remote_folder": "hpc:/scratch/dftk/run-5",
		},
	}

	outputs, err := New().ConvertOutputs(result)
	if err != nil {
		t.Fatalf("ConvertOutputs failed: %v", err)
	}

	if math.Abs(outputs.TotalEnergy-(-8.9*27.211396)) > 1e-9 {
		t.Errorf("Expected the energy converted to eV, got %f", outputs.TotalEnergy)
	}
	if math.Abs(outputs.Forces[0][2]-0.05142208619083232) > 1e-12 {
		t.Errorf("Expected forces converted to eV/Å, got %g", outputs.Forces[0][2])
	}
	if outputs.RelaxedStructure != nil {
		t.Error("Expected no relaxed structure from a single-point code")
	}
	if outputs.RemoteFolder != "hpc:/scratch/dftk/run-5" {
		t.Errorf("Expected the remote folder to pass through, got %q", outputs.RemoteFolder)
	}
}

func TestConvertOutputs_WithoutForces(t *testing.T) {
	result := &runtime.Result{
		Outputs: map[string]interface{}{
			"output_parameters": map[string]interface{}{
				"energies": map[string]interface{}{"total": -1.25},
			},
		},
	}

	outputs, err := New().ConvertOutputs(result)
	if err != nil {
		t.Fatalf("ConvertOutputs failed: %v", err)
	}
	if outputs.Forces != nil {
		t.Errorf("Expected no forces without the post-SCF step, got %v", outputs.Forces)
	}
}

func TestConvertOutputs_MissingEnergies(t *testing.T) {
	result := &runtime.Result{
		Outputs: map[string]interface{}{
			"output_parameters": map[string]interface{}{},
		},
	}

	if _, err := New().ConvertOutputs(result); err == nil {
		t.Error("Expected error for a missing energy breakdown")
	}
}

func TestReferenceOutputs(t *testing.T) {
	sub := &runtime.Result{
		Outputs: map[string]interface{}{
			"kpoints_mesh": []interface{}{11, 11, 11},
		},
	}

	reference := New().ReferenceOutputs(sub)
	if _, ok := reference["kpoints_mesh"]; !ok {
		t.Error("Expected the mesh in the reference outputs")
	}
}

func TestRegisteredName(t *testing.T) {
	impl, err := plugins.LoadRelax("dftk")
	if err != nil {
		t.Fatalf("LoadRelax failed: %v", err)
	}
	if impl.Name() != "dftk" {
		t.Errorf("Expected engine name 'dftk', got %q", impl.Name())
	}
}
