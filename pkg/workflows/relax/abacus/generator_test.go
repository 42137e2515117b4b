package abacus

import (
	"math"
	"strings"
	"testing"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows"
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
				"code":    "abacus-3.7@hpc",
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

	if builder.Process != "abacus.relax" {
		t.Errorf("Expected process 'abacus.relax', got %q", builder.Process)
	}
	calculation, _ := builder.GetString("parameters.input.calculation")
	if calculation != "relax" {
		t.Errorf("Expected calculation 'relax' for default relax_type, got %q", calculation)
	}
	ecutwfc, ok := builder.Get("parameters.input.ecutwfc")
	if !ok || ecutwfc.(int) != 80 {
		t.Errorf("Expected moderate cutoff 80 Ry, got %v", ecutwfc)
	}
	smearing, _ := builder.GetString("parameters.input.smearing_method")
	if smearing != "mv" {
		t.Errorf("Expected Marzari-Vanderbilt smearing for metals, got %q", smearing)
	}
	sigma, ok := builder.Get("parameters.input.smearing_sigma")
	if !ok || sigma.(float64) != 0.01 {
		t.Errorf("Expected smearing width 0.01 Ry, got %v", sigma)
	}
	basis, _ := builder.GetString("parameters.input.basis_type")
	if basis != "pw" {
		t.Errorf("Expected plane-wave basis, got %q", basis)
	}
	stress, ok := builder.Get("parameters.input.cal_stress")
	if !ok || stress.(int) != 1 {
		t.Errorf("Expected stress calculation to be enabled, got %v", stress)
	}
	distance, ok := builder.Get("kpoints.distance")
	if !ok || distance.(float64) != 0.25 {
		t.Errorf("Expected moderate k-point distance 0.25, got %v", distance)
	}
	family, _ := builder.GetString("pseudo_family")
	if family != "PseudoDojo/0.4/PBE/SR/standard/upf" {
		t.Errorf("Expected PseudoDojo standard family, got %q", family)
	}
	code, _ := builder.GetString("code")
	if code != "abacus-3.7@hpc" {
		t.Errorf("Expected code 'abacus-3.7@hpc', got %q", code)
	}
}

func TestGetBuilder_RelaxTypeMapping(t *testing.T) {
	cases := []struct {
		relaxType   string
		calculation string
		fixedAxes   string
	}{
		{"none", "scf", ""},
		{"positions", "relax", ""},
		{"positions_cell", "cell-relax", ""},
		{"positions_shape", "cell-relax", "volume"},
		{"positions_volume", "cell-relax", "shape"},
	}

	for _, tc := range cases {
		builder := getBuilder(t, map[string]interface{}{"relax_type": tc.relaxType})

		calculation, _ := builder.GetString("parameters.input.calculation")
		if calculation != tc.calculation {
			t.Errorf("relax_type %s: expected calculation %q, got %q",
				tc.relaxType, tc.calculation, calculation)
		}
		fixedAxes, _ := builder.GetString("parameters.input.fixed_axes")
		if fixedAxes != tc.fixedAxes {
			t.Errorf("relax_type %s: expected fixed_axes %q, got %q",
				tc.relaxType, tc.fixedAxes, fixedAxes)
		}
	}
}

func TestGetBuilder_CellOnlyRelaxRejected(t *testing.T) {
	_, err := New().Generator().GetBuilder(relaxInputs(map[string]interface{}{
		"relax_type": "cell",
	}))
	if err == nil {
		t.Fatal("Expected cell-only relaxation to be rejected")
	}
	if !strings.Contains(err.Error(), `"relax_type"`) {
		t.Errorf("Expected relax_type choice error, got %v", err)
	}
}

func TestGetBuilder_Insulator(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{"electronic_type": "insulator"})

	smearing, _ := builder.GetString("parameters.input.smearing_method")
	if smearing != "fixed" {
		t.Errorf("Expected fixed occupations for insulators, got %q", smearing)
	}
	if _, ok := builder.Get("parameters.input.smearing_sigma"); ok {
		t.Error("Expected no smearing width for fixed occupations")
	}
}

func TestGetBuilder_CollinearSpin(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{"spin_type": "collinear"})

	nspin, ok := builder.Get("parameters.input.nspin")
	if !ok || nspin.(int) != 2 {
		t.Errorf("Expected nspin 2 for collinear spin, got %v", nspin)
	}
}

func TestGetBuilder_MomentsRejected(t *testing.T) {
	_, err := New().Generator().GetBuilder(relaxInputs(map[string]interface{}{
		"spin_type":              "collinear",
		"magnetization_per_site": []float64{1.0, -1.0},
	}))
	if err == nil {
		t.Fatal("Expected magnetization_per_site to be rejected")
	}
	if !strings.Contains(err.Error(), "magnetization_per_site") {
		t.Errorf("Expected magnetization_per_site error, got %v", err)
	}
}

func TestGetBuilder_ThresholdForcesConversion(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{"threshold_forces": 0.01})

	raw, ok := builder.Get("parameters.input.force_thr")
	if !ok {
		t.Fatal("Expected force_thr to be set")
	}
	expected := 0.01 * workflows.BohrToAng / workflows.RyToEv
	if math.Abs(raw.(float64)-expected) > 1e-12 {
		t.Errorf("Expected force_thr %g Ry/Bohr, got %v", expected, raw)
	}
}

func TestGetBuilder_ThresholdStressConversion(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{
		"relax_type":       "positions_cell",
		"threshold_stress": 0.001,
	})

	raw, ok := builder.Get("parameters.input.stress_thr")
	if !ok {
		t.Fatal("Expected stress_thr to be set")
	}
	expected := 0.001 * workflows.EvPerA3ToGPa * 10
	if math.Abs(raw.(float64)-expected) > 1e-9 {
		t.Errorf("Expected stress_thr %g kbar, got %v", expected, raw)
	}
}

func TestGetBuilder_ReferenceKpointsReuse(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{
		"reference_workchain": map[string]interface{}{
			"kpoints_mesh":   []interface{}{6, 6, 6},
			"kpoints_offset": []interface{}{0.0, 0.0, 0.0},
		},
	})

	if _, ok := builder.Get("kpoints.distance"); ok {
		t.Error("Expected no k-point distance when reusing a reference mesh")
	}
	mesh, ok := builder.Get("kpoints.mesh")
	if !ok {
		t.Fatal("Expected reference mesh to be reused")
	}
	if len(mesh.([]interface{})) != 3 {
		t.Errorf("Expected 3d mesh, got %v", mesh)
	}
	if _, ok := builder.Get("kpoints.offset"); !ok {
		t.Error("Expected reference offset to be reused")
	}
}

func TestGetBuilder_FastProtocol(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{"protocol": "fast"})

	ecutwfc, ok := builder.Get("parameters.input.ecutwfc")
	if !ok || ecutwfc.(int) != 50 {
		t.Errorf("Expected fast cutoff 50 Ry, got %v", ecutwfc)
	}
	distance, _ := builder.Get("kpoints.distance")
	if distance.(float64) != 0.5 {
		t.Errorf("Expected fast k-point distance 0.5, got %v", distance)
	}
}
