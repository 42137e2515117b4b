package bigdft

import (
	"math"
	"testing"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/plugins"
	"github.com/atomflow/atomflow/pkg/runtime"
)

func TestConvertOutputs(t *testing.T) {
	structure, err := crystal.FromLibrary("Si")
	if err != nil {
		t.Fatal(err)
	}
	result := &runtime.Result{
		Outputs: map[string]interface{}{
			"logfile": map[string]interface{}{
				"energy": -8.95,
				"forces": []interface{}{
					[]interface{}{0.0, 0.0, 0.002},
					[]interface{}{0.0, 0.0, -0.002},
				},
			},
			"relaxed_structure": structure.Document(),
			"remote_folder":     "hpc:/scratch/bigdft/run-9",
		},
	}

	outputs, err := New().ConvertOutputs(result)
	if err != nil {
		t.Fatalf("ConvertOutputs failed: %v", err)
	}

	if math.Abs(outputs.TotalEnergy-(-8.95*27.211396)) > 1e-9 {
		t.Errorf("Expected the energy converted to eV, got %f", outputs.TotalEnergy)
	}
	if math.Abs(outputs.Forces[0][2]-2*0.05142208619083232) > 1e-12 {
		t.Errorf("Expected forces converted to eV/Å, got %g", outputs.Forces[0][2])
	}
	if outputs.RelaxedStructure == nil || len(outputs.RelaxedStructure.Sites) != 2 {
		t.Error("Expected the relaxed structure to be rebuilt")
	}
	if outputs.RemoteFolder != "hpc:/scratch/bigdft/run-9" {
		t.Errorf("Expected the remote folder to pass through, got %q", outputs.RemoteFolder)
	}
}

func TestConvertOutputs_SinglePoint(t *testing.T) {
	result := &runtime.Result{
		Outputs: map[string]interface{}{
			"logfile": map[string]interface{}{"energy": -0.5},
		},
	}

	outputs, err := New().ConvertOutputs(result)
	if err != nil {
		t.Fatalf("ConvertOutputs failed: %v", err)
	}

	if math.Abs(outputs.TotalEnergy-(-13.605698)) > 1e-12 {
		t.Errorf("Expected the energy converted to eV, got %f", outputs.TotalEnergy)
	}
	if outputs.RelaxedStructure != nil {
		t.Error("Expected no structure for a single point")
	}
	if outputs.Forces != nil {
		t.Errorf("Expected no forces without a gradient section, got %v", outputs.Forces)
	}
}

func TestConvertOutputs_MissingLogfile(t *testing.T) {
	result := &runtime.Result{Outputs: map[string]interface{}{}}

	if _, err := New().ConvertOutputs(result); err == nil {
		t.Error("Expected error for a missing logfile")
	}
}

func TestConvertOutputs_MissingEnergy(t *testing.T) {
	result := &runtime.Result{
		Outputs: map[string]interface{}{
			"logfile": map[string]interface{}{},
		},
	}

	if _, err := New().ConvertOutputs(result); err == nil {
		t.Error("Expected error for a logfile without an energy")
	}
}

func TestReferenceOutputs(t *testing.T) {
	sub := &runtime.Result{
		Outputs: map[string]interface{}{
			"logfile": map[string]interface{}{
				"dft":          map[string]interface{}{"hgrids": []interface{}{0.4, 0.4, 0.4}},
				"cell_lengths": []interface{}{7.26, 7.26, 7.26},
			},
		},
	}

	reference := New().ReferenceOutputs(sub)
	if hgrids, ok := reference["hgrids"].(float64); !ok || hgrids != 0.4 {
		t.Errorf("Expected the first grid spacing, got %v", reference)
	}
	if length, ok := reference["cell_length"].(float64); !ok || length != 7.26 {
		t.Errorf("Expected the first cell length, got %v", reference)
	}
}

func TestReferenceOutputs_ScalarGrid(t *testing.T) {
	sub := &runtime.Result{
		Outputs: map[string]interface{}{
			"logfile": map[string]interface{}{
				"dft":          map[string]interface{}{"hgrids": 0.3},
				"cell_lengths": []interface{}{10.0},
			},
		},
	}

	reference := New().ReferenceOutputs(sub)
	if hgrids, ok := reference["hgrids"].(float64); !ok || hgrids != 0.3 {
		t.Errorf("Expected the scalar grid spacing, got %v", reference)
	}
}

func TestRegisteredName(t *testing.T) {
	impl, err := plugins.LoadRelax("bigdft")
	if err != nil {
		t.Fatalf("LoadRelax failed: %v", err)
	}
	if impl.Name() != "bigdft" {
		t.Errorf("Expected engine name 'bigdft', got %q", impl.Name())
	}
}
