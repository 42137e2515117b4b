package eos

import (
	"math"
	"strings"
	"testing"

	"github.com/atomflow/atomflow/pkg/crystal"
)

func eosInputs(t *testing.T, extra map[string]interface{}) map[string]interface{} {
	t.Helper()

	structure, err := crystal.FromLibrary("Si")
	if err != nil {
		t.Fatalf("FromLibrary failed: %v", err)
	}
	inputs := map[string]interface{}{
		"structure": structure,
		"engines": map[string]interface{}{
			"relax": map[string]interface{}{
				"code": "pw-7.2@hpc",
			},
		},
	}
	for key, value := range extra {
		inputs[key] = value
	}
	return inputs
}

func validatedInputs(t *testing.T, extra map[string]interface{}) *Inputs {
	t.Helper()

	validated, err := Spec().Validate(eosInputs(t, extra))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	inputs, err := CommonInputs(validated)
	if err != nil {
		t.Fatalf("CommonInputs failed: %v", err)
	}
	return inputs
}

func TestFactors_Defaults(t *testing.T) {
	inputs := validatedInputs(t, nil)

	factors := inputs.Factors()
	if len(factors) != DefaultScaleCount {
		t.Fatalf("Expected %d factors, got %d", DefaultScaleCount, len(factors))
	}
	if math.Abs(factors[3]-1.0) > 1e-12 {
		t.Errorf("Expected the middle factor to be 1, got %v", factors[3])
	}
	if math.Abs(factors[0]-0.94) > 1e-12 {
		t.Errorf("Expected the first factor to be 0.94, got %v", factors[0])
	}
	for i := 1; i < len(factors); i++ {
		if math.Abs(factors[i]-factors[i-1]-DefaultScaleIncrement) > 1e-12 {
			t.Errorf("Expected increment %v between factors %d and %d, got %v",
				DefaultScaleIncrement, i-1, i, factors[i]-factors[i-1])
		}
	}
}

func TestFactors_Explicit(t *testing.T) {
	inputs := validatedInputs(t, map[string]interface{}{
		"scale_factors": []float64{0.9, 1.0, 1.1},
	})

	factors := inputs.Factors()
	if len(factors) != 3 {
		t.Fatalf("Expected 3 factors, got %d", len(factors))
	}
	if factors[0] != 0.9 || factors[2] != 1.1 {
		t.Errorf("Expected the explicit factors to pass through, got %v", factors)
	}
}

func TestCommonInputs_TooFewFactors(t *testing.T) {
	validated, err := Spec().Validate(eosInputs(t, map[string]interface{}{
		"scale_factors": []float64{0.98, 1.02},
	}))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	_, err = CommonInputs(validated)
	if err == nil {
		t.Fatal("Expected error for two scale factors")
	}
	if !strings.Contains(err.Error(), "at least 3") {
		t.Errorf("Expected error to mention the minimum, got %v", err)
	}
}

func TestCommonInputs_NegativeFactor(t *testing.T) {
	validated, err := Spec().Validate(eosInputs(t, map[string]interface{}{
		"scale_factors": []float64{0.98, -1.0, 1.02},
	}))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	_, err = CommonInputs(validated)
	if err == nil {
		t.Fatal("Expected error for a negative scale factor")
	}
	if !strings.Contains(err.Error(), "positive") {
		t.Errorf("Expected error to mention positivity, got %v", err)
	}
}

func TestCommonInputs_ScaleCountTooSmall(t *testing.T) {
	validated, err := Spec().Validate(eosInputs(t, map[string]interface{}{
		"scale_count": 2,
	}))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if _, err := CommonInputs(validated); err == nil {
		t.Fatal("Expected error for scale_count of 2")
	}
}

func TestCommonInputs_IncrementOutOfRange(t *testing.T) {
	for _, increment := range []float64{0.0, 1.0, 1.5} {
		validated, err := Spec().Validate(eosInputs(t, map[string]interface{}{
			"scale_increment": increment,
		}))
		if err != nil {
			t.Fatalf("Validate failed for increment %v: %v", increment, err)
		}

		if _, err := CommonInputs(validated); err == nil {
			t.Errorf("Expected error for scale_increment %v", increment)
		}
	}
}

func TestSpec_VolumeRelaxationRejected(t *testing.T) {
	for _, relaxType := range []string{"cell", "volume", "positions_cell", "positions_volume"} {
		_, err := Spec().Validate(eosInputs(t, map[string]interface{}{
			"relax_type": relaxType,
		}))
		if err == nil {
			t.Errorf("Expected relax_type %q to be rejected", relaxType)
			continue
		}
		if !strings.Contains(err.Error(), `"relax_type"`) {
			t.Errorf("Expected error to name the port, got %v", err)
		}
	}
}

func TestCommonInputs_GeneratorPortsForwarded(t *testing.T) {
	inputs := validatedInputs(t, map[string]interface{}{
		"protocol":   "fast",
		"relax_type": "none",
	})

	if inputs.Generator["protocol"] != "fast" {
		t.Errorf("Expected protocol to be forwarded, got %v", inputs.Generator["protocol"])
	}
	if inputs.Generator["relax_type"] != "none" {
		t.Errorf("Expected relax_type to be forwarded, got %v", inputs.Generator["relax_type"])
	}
	for _, key := range []string{"structure", "scale_count", "scale_increment", "reference_workchain"} {
		if _, ok := inputs.Generator[key]; ok {
			t.Errorf("Expected %q to be stripped from the forwarded ports", key)
		}
	}
}
