package quantumespresso

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
				"code":    "pw-7.2@localhost",
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

	if builder.Process != "quantum_espresso.relax" {
		t.Errorf("Expected process 'quantum_espresso.relax', got %q", builder.Process)
	}
	calculation, _ := builder.GetString("parameters.CONTROL.calculation")
	if calculation != "relax" {
		t.Errorf("Expected calculation 'relax' for default relax_type, got %q", calculation)
	}
	occupations, _ := builder.GetString("parameters.SYSTEM.occupations")
	if occupations != "smearing" {
		t.Errorf("Expected smeared occupations for metals, got %q", occupations)
	}
	if _, ok := builder.Get("parameters.CELL"); ok {
		t.Error("Expected no CELL namelist for positions-only relaxation")
	}
	distance, ok := builder.Get("kpoints.distance")
	if !ok || distance.(float64) != 0.15 {
		t.Errorf("Expected moderate k-point distance 0.15, got %v", distance)
	}
	family, _ := builder.GetString("pseudo_family")
	if family != "SSSP/1.3/PBE/efficiency" {
		t.Errorf("Expected SSSP efficiency family, got %q", family)
	}
}

func TestGetBuilder_RelaxTypeMapping(t *testing.T) {
	cases := []struct {
		relaxType   string
		calculation string
		dofree      string
	}{
		{"none", "scf", ""},
		{"positions", "relax", ""},
		{"positions_cell", "vc-relax", "all"},
		{"positions_shape", "vc-relax", "shape"},
		{"positions_volume", "vc-relax", "volume"},
	}

	for _, tc := range cases {
		builder := getBuilder(t, map[string]interface{}{"relax_type": tc.relaxType})

		calculation, _ := builder.GetString("parameters.CONTROL.calculation")
		if calculation != tc.calculation {
			t.Errorf("relax_type %s: expected calculation %q, got %q",
				tc.relaxType, tc.calculation, calculation)
		}
		dofree, _ := builder.GetString("parameters.CELL.cell_dofree")
		if dofree != tc.dofree {
			t.Errorf("relax_type %s: expected cell_dofree %q, got %q",
				tc.relaxType, tc.dofree, dofree)
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

	occupations, _ := builder.GetString("parameters.SYSTEM.occupations")
	if occupations != "fixed" {
		t.Errorf("Expected fixed occupations for insulators, got %q", occupations)
	}
	if _, ok := builder.Get("parameters.SYSTEM.degauss"); ok {
		t.Error("Expected no degauss for fixed occupations")
	}
}

func TestGetBuilder_ThresholdForcesConversion(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{"threshold_forces": 0.01})

	raw, ok := builder.Get("parameters.CONTROL.forc_conv_thr")
	if !ok {
		t.Fatal("Expected forc_conv_thr to be set")
	}
	expected := 0.01 * workflows.BohrToAng / workflows.RyToEv
	if math.Abs(raw.(float64)-expected) > 1e-12 {
		t.Errorf("Expected forc_conv_thr %g Ry/Bohr, got %v", expected, raw)
	}
}

func TestGetBuilder_ThresholdStressConversion(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{
		"relax_type":       "positions_cell",
		"threshold_stress": 0.001,
	})

	raw, ok := builder.Get("parameters.CELL.press_conv_thr")
	if !ok {
		t.Fatal("Expected press_conv_thr to be set")
	}
	expected := 0.001 / workflows.KBarToEvPerA3
	if math.Abs(raw.(float64)-expected) > 1e-9 {
		t.Errorf("Expected press_conv_thr %g kbar, got %v", expected, raw)
	}
}

func TestGetBuilder_CollinearMagnetization(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{
		"spin_type":              "collinear",
		"magnetization_per_site": []float64{1.0, -1.0},
	})

	nspin, ok := builder.Get("parameters.SYSTEM.nspin")
	if !ok || nspin.(int) != 2 {
		t.Errorf("Expected nspin 2, got %v", nspin)
	}

	raw, ok := builder.Get("parameters.SYSTEM.starting_magnetization")
	if !ok {
		t.Fatal("Expected starting_magnetization to be set")
	}
	starting := raw.(map[string]interface{})
	if len(starting) != 2 {
		t.Errorf("Expected two magnetic kinds for antiferromagnetic silicon, got %v", starting)
	}

	structure, _ := builder.Get("structure")
	if len(structure.(*crystal.Structure).Kinds) != 2 {
		t.Error("Expected the structure kinds to be split per moment")
	}
}

func TestGetBuilder_CollinearWithoutMoments(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{"spin_type": "collinear"})

	if _, ok := builder.Get("parameters.SYSTEM.nspin"); !ok {
		t.Error("Expected nspin for collinear spin without explicit moments")
	}
	raw, ok := builder.Get("parameters.SYSTEM.starting_magnetization")
	if !ok {
		t.Fatal("Expected default starting magnetization")
	}
	for kind, moment := range raw.(map[string]interface{}) {
		if moment.(float64) != 0.1 {
			t.Errorf("Expected default moment 0.1 for kind %s, got %v", kind, moment)
		}
	}
}

func TestGetBuilder_ReferenceKpointsReuse(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{
		"reference_workchain": map[string]interface{}{
			"kpoints_mesh":  []interface{}{8, 8, 8},
			"kpoints_shift": []interface{}{0.0, 0.0, 0.0},
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
}

func TestGetBuilder_SiriusProtocol(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{
		"protocol": "verification-PBE-v1-sirius",
	})

	sirius, ok := builder.Get("settings.sirius")
	if !ok || sirius.(bool) != true {
		t.Error("Expected sirius flag for the sirius verification protocol")
	}
	distance, _ := builder.Get("kpoints.distance")
	if distance.(float64) != 0.06 {
		t.Errorf("Expected verification k-point distance 0.06, got %v", distance)
	}
}

func TestGetBuilder_PerAtomThresholdScaling(t *testing.T) {
	builder := getBuilder(t, nil)

	convThr, ok := builder.Get("parameters.ELECTRONS.conv_thr")
	if !ok {
		t.Fatal("Expected conv_thr to be set")
	}
	// Two silicon sites at 2e-10 per atom.
	if math.Abs(convThr.(float64)-4.0e-10) > 1e-20 {
		t.Errorf("Expected conv_thr 4e-10 for two sites, got %v", convThr)
	}
}

func TestProtocols_Names(t *testing.T) {
	names := Protocols.Names()
	expected := []string{
		"fast", "moderate", "precise", "verification-PBE-v1", "verification-PBE-v1-sirius",
	}
	if len(names) != len(expected) {
		t.Fatalf("Expected %d protocols, got %v", len(expected), names)
	}
	for i, name := range expected {
		if names[i] != name {
			t.Errorf("Expected protocol %q at position %d, got %q", name, i, names[i])
		}
	}
}
