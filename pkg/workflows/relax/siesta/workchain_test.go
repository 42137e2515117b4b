package siesta

import (
	"math"
	"testing"

	"github.com/atomflow/atomflow/pkg/plugins"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows"
)

func TestConvertOutputs(t *testing.T) {
	result := &runtime.Result{
		Outputs: map[string]interface{}{
			"free_energy": -467.1,
			"forces": []interface{}{
				[]interface{}{0.0, 0.0, 0.02},
				[]interface{}{0.0, 0.0, -0.02},
			},
			"stress": []interface{}{
				[]interface{}{0.001, 0.0, 0.0},
				[]interface{}{0.0, 0.001, 0.0},
				[]interface{}{0.0, 0.0, 0.001},
			},
			"total_spin":    4.2,
			"remote_folder": "hpc:/scratch/runs/77",
		},
	}

	outputs, err := New().ConvertOutputs(result)
	if err != nil {
		t.Fatalf("ConvertOutputs failed: %v", err)
	}

	if outputs.TotalEnergy != -467.1 {
		t.Errorf("Expected free energy in eV, got %f", outputs.TotalEnergy)
	}
	if outputs.Forces[0][2] != 0.02 {
		t.Errorf("Expected forces in eV/Å, got %f", outputs.Forces[0][2])
	}
	expected := 0.001 * workflows.RyToEv
	if math.Abs((*outputs.Stress)[0][0]-expected) > 1e-12 {
		t.Errorf("Expected stress %g eV/Å³, got %g", expected, (*outputs.Stress)[0][0])
	}
	if outputs.TotalMagnetization == nil || *outputs.TotalMagnetization != 4.2 {
		t.Error("Expected total spin to pass through")
	}
	if outputs.RemoteFolder != "hpc:/scratch/runs/77" {
		t.Errorf("Expected remote folder to pass through, got %q", outputs.RemoteFolder)
	}
}

func TestConvertOutputs_MissingEnergy(t *testing.T) {
	result := &runtime.Result{Outputs: map[string]interface{}{}}

	if _, err := New().ConvertOutputs(result); err == nil {
		t.Error("Expected error for missing free energy")
	}
}

func TestReferenceOutputs(t *testing.T) {
	sub := &runtime.Result{
		Outputs: map[string]interface{}{
			"kpoints_mesh": []interface{}{8, 8, 8},
		},
	}

	reference := New().ReferenceOutputs(sub)
	if _, ok := reference["kpoints_mesh"]; !ok {
		t.Error("Expected the k-point mesh in the reference outputs")
	}
}

func TestRegisteredName(t *testing.T) {
	impl, err := plugins.LoadRelax("siesta")
	if err != nil {
		t.Fatalf("LoadRelax failed: %v", err)
	}
	if impl.Name() != "siesta" {
		t.Errorf("Expected engine name 'siesta', got %q", impl.Name())
	}
}
