package wien2k

import (
	"strings"
	"testing"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/runtime"
)

func relaxInputs(extra map[string]interface{}) map[string]interface{} {
	structure, err := crystal.FromLibrary("Si")
	if err != nil {
		panic(err)
	}
	inputs := map[string]interface{}{
		"structure": structure,
		"engines": map[string]interface{}{
			"relax": map[string]interface{}{
				"code":    "run123_lapw@hpc",
				"options": map[string]interface{}{"max_wallclock_seconds": 3600},
			},
		},
	}
	for key, value := range extra {
		inputs[key] = value
	}
	return inputs
}

func getBuilder(t *testing.T, extra map[string]interface{}) *runtime.Builder {
	t.Helper()
	builder, err := New().Generator().GetBuilder(relaxInputs(extra))
	if err != nil {
		t.Fatalf("GetBuilder failed: %v", err)
	}
	return builder
}

func TestGetBuilder_Defaults(t *testing.T) {
	builder := getBuilder(t, nil)

	if builder.Process != "wien2k.relax" {
		t.Errorf("Expected process 'wien2k.relax', got %q", builder.Process)
	}
	red, ok := builder.Get("parameters.-red")
	if !ok || red.(int) != 3 {
		t.Errorf("Expected 3%% muffin-tin reduction, got %v", red)
	}
	iterations, ok := builder.Get("parameters.-i")
	if !ok || iterations.(int) != 40 {
		t.Errorf("Expected 40 SCF iterations, got %v", iterations)
	}
	tolerance, ok := builder.Get("parameters.-ec")
	if !ok || tolerance.(float64) != 1.0e-4 {
		t.Errorf("Expected moderate energy tolerance 1e-4 Ry, got %v", tolerance)
	}
	numk, ok := builder.Get("parameters.-numk")
	if !ok || numk.(int) != 1000 {
		t.Errorf("Expected 1000 k-points, got %v", numk)
	}
	if noprec, _ := builder.Get("parameters.-noprec"); noprec.(bool) {
		t.Error("Expected the precision ladder to run for the moderate protocol")
	}
	if _, ok := builder.Get("parameters.-nometal"); ok {
		t.Error("Expected no -nometal flag for metals")
	}
	code, _ := builder.GetString("code")
	if code != "run123_lapw@hpc" {
		t.Errorf("Expected code 'run123_lapw@hpc', got %q", code)
	}
}

func TestGetBuilder_RelaxationRejected(t *testing.T) {
	_, err := New().Generator().GetBuilder(relaxInputs(map[string]interface{}{
		"relax_type": "positions",
	}))
	if err == nil {
		t.Fatal("Expected relaxation to be rejected")
	}
	if !strings.Contains(err.Error(), `"relax_type"`) {
		t.Errorf("Expected relax_type choice error, got %v", err)
	}
}

func TestGetBuilder_SpinRejected(t *testing.T) {
	_, err := New().Generator().GetBuilder(relaxInputs(map[string]interface{}{
		"spin_type": "collinear",
	}))
	if err == nil {
		t.Fatal("Expected collinear spin to be rejected")
	}
	if !strings.Contains(err.Error(), `"spin_type"`) {
		t.Errorf("Expected spin_type choice error, got %v", err)
	}
}

func TestGetBuilder_Insulator(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{"electronic_type": "insulator"})

	nometal, ok := builder.Get("parameters.-nometal")
	if !ok || nometal.(bool) != true {
		t.Errorf("Expected the -nometal flag for insulators, got %v", nometal)
	}
}

func TestGetBuilder_FastProtocol(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{"protocol": "fast"})

	if noprec, _ := builder.Get("parameters.-noprec"); !noprec.(bool) {
		t.Error("Expected the fast protocol to skip the precise step")
	}
	numk, _ := builder.Get("parameters.-numk")
	if numk.(int) != 300 {
		t.Errorf("Expected 300 k-points for the fast protocol, got %v", numk)
	}
	tolerance, _ := builder.Get("parameters.-ec")
	if tolerance.(float64) != 1.0e-3 {
		t.Errorf("Expected loose energy tolerance 1e-3 Ry, got %v", tolerance)
	}
}

func TestGetBuilder_ReferenceReuse(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{
		"reference_workchain": map[string]interface{}{
			"rmt":         []interface{}{2.36, 2.36},
			"atom_labels": []interface{}{"Si", "Si"},
			"kmesh3":      "15 15 15",
			"kmesh3k":     "20 20 20",
			"fftmesh3k":   "45 45 45",
		},
	})

	red, _ := builder.GetString("parameters.-red")
	if red != "Si:2.36,Si:2.36" {
		t.Errorf("Expected the reference radii to be pinned, got %q", red)
	}
	numk, _ := builder.GetString("parameters.-numk")
	if numk != "0 15 15 15" {
		t.Errorf("Expected the reference mesh divisions, got %q", numk)
	}
	numk2, _ := builder.GetString("parameters.-numk2")
	if numk2 != "0 20 20 20" {
		t.Errorf("Expected the reference mesh divisions for the precise step, got %q", numk2)
	}
	fft, _ := builder.GetString("parameters.-fft")
	if fft != "45 45 45" {
		t.Errorf("Expected the reference FFT mesh, got %q", fft)
	}
}

func TestGetBuilder_RadiiMismatch(t *testing.T) {
	_, err := New().Generator().GetBuilder(relaxInputs(map[string]interface{}{
		"reference_workchain": map[string]interface{}{
			"rmt":         []interface{}{2.36},
			"atom_labels": []interface{}{"Si", "Si"},
		},
	}))
	if err == nil {
		t.Fatal("Expected mismatched radii to be rejected")
	}
	if !strings.Contains(err.Error(), "muffin-tin") {
		t.Errorf("Expected a radii mismatch error, got %v", err)
	}
}
