package siesta

import (
	"testing"

	"github.com/atomflow/atomflow/pkg/plugins"
	"github.com/atomflow/atomflow/pkg/runtime"
)

func TestConvertOutputs(t *testing.T) {
	result := &runtime.Result{
		Outputs: map[string]interface{}{
			"bands": []interface{}{
				[]interface{}{-5.2, 3.1, 6.4},
				[]interface{}{-4.8, 2.9, 6.0},
			},
			"output_parameters": map[string]interface{}{"E_Fermi": -3.2},
			"bands_labels":      map[string]interface{}{"GAMMA": 0, "X": 1},
		},
	}

	outputs, err := New().ConvertOutputs(result)
	if err != nil {
		t.Fatalf("ConvertOutputs failed: %v", err)
	}

	if len(outputs.Bands) != 2 || len(outputs.Bands[0]) != 3 {
		t.Errorf("Expected 2 k-points of 3 bands, got %v", outputs.Bands)
	}
	if outputs.Bands[1][0] != -4.8 {
		t.Errorf("Expected band energies in eV to pass through, got %g", outputs.Bands[1][0])
	}
	if outputs.FermiEnergy != -3.2 {
		t.Errorf("Expected Fermi energy -3.2, got %f", outputs.FermiEnergy)
	}
	if outputs.Labels["X"] != 1 {
		t.Errorf("Expected label X at k-point 1, got %v", outputs.Labels)
	}
}

func TestConvertOutputs_MissingBands(t *testing.T) {
	result := &runtime.Result{
		Outputs: map[string]interface{}{
			"output_parameters": map[string]interface{}{"E_Fermi": -3.2},
		},
	}

	if _, err := New().ConvertOutputs(result); err == nil {
		t.Error("Expected error for missing bands")
	}
}

func TestConvertOutputs_RaggedBands(t *testing.T) {
	result := &runtime.Result{
		Outputs: map[string]interface{}{
			"bands": []interface{}{
				[]interface{}{-5.2, 3.1},
				[]interface{}{-4.8},
			},
			"output_parameters": map[string]interface{}{"E_Fermi": -3.2},
		},
	}

	if _, err := New().ConvertOutputs(result); err == nil {
		t.Error("Expected error for a ragged band array")
	}
}

func TestConvertOutputs_MissingFermiEnergy(t *testing.T) {
	result := &runtime.Result{
		Outputs: map[string]interface{}{
			"bands":             []interface{}{[]interface{}{-5.2}},
			"output_parameters": map[string]interface{}{},
		},
	}

	if _, err := New().ConvertOutputs(result); err == nil {
		t.Error("Expected error for a missing Fermi energy")
	}
}

func TestRegisteredName(t *testing.T) {
	impl, err := plugins.LoadBands("siesta")
	if err != nil {
		t.Fatalf("LoadBands failed: %v", err)
	}
	if impl.Name() != "siesta" {
		t.Errorf("Expected engine name 'siesta', got %q", impl.Name())
	}
}
