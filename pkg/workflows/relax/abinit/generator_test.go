package abinit

import (
	"math"
	"testing"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows"
)

func relaxInputs(formula string, extra map[string]interface{}) map[string]interface{} {
	structure, err := crystal.FromLibrary(formula)
	if err != nil {
		panic(err)
	}
	inputs := map[string]interface{}{
		"structure": structure,
		"engines": map[string]interface{}{
			"relax": map[string]interface{}{
				"code": "abinit-9.10@hpc",
			},
		},
	}
	for key, value := range extra {
		inputs[key] = value
	}
	return inputs
}

func getBuilder(t *testing.T, formula string, extra map[string]interface{}) *runtime.Builder {
	t.Helper()
	builder, err := New().Generator().GetBuilder(relaxInputs(formula, extra))
	if err != nil {
		t.Fatalf("GetBuilder failed: %v", err)
	}
	return builder
}

func TestGetBuilder_Defaults(t *testing.T) {
	builder := getBuilder(t, "Si", nil)

	if builder.Process != "abinit.relax" {
		t.Errorf("Expected process 'abinit.relax', got %q", builder.Process)
	}
	ionmov, _ := builder.Get("parameters.ionmov")
	if ionmov.(int) != 22 {
		t.Errorf("Expected the protocol ionmov for positions relaxation, got %v", ionmov)
	}
	ecut, _ := builder.Get("parameters.ecut")
	if ecut.(float64) != 16 {
		t.Errorf("Expected the silicon cutoff 16 Ha, got %v", ecut)
	}
	tolmxf, _ := builder.Get("parameters.tolmxf")
	if tolmxf.(float64) != 5.0e-5 {
		t.Errorf("Expected the default force tolerance, got %v", tolmxf)
	}
}

func TestGetBuilder_SinglePoint(t *testing.T) {
	builder := getBuilder(t, "Si", map[string]interface{}{"relax_type": "none"})

	ionmov, _ := builder.Get("parameters.ionmov")
	if ionmov.(int) != 0 {
		t.Errorf("Expected ionmov 0 for a single-point calculation, got %v", ionmov)
	}
}

func TestGetBuilder_CellRelaxVariants(t *testing.T) {
	cases := []struct {
		relaxType string
		optcell   int
		dilatmx   float64
	}{
		{"positions_cell", 2, 1.15},
		{"positions_volume", 1, 1.15},
		{"positions_shape", 3, 1.05},
	}
	for _, tc := range cases {
		builder := getBuilder(t, "Si", map[string]interface{}{"relax_type": tc.relaxType})
		optcell, _ := builder.Get("parameters.optcell")
		dilatmx, _ := builder.Get("parameters.dilatmx")
		ecutsm, _ := builder.Get("parameters.ecutsm")
		if optcell.(int) != tc.optcell {
			t.Errorf("relax_type %s: expected optcell %d, got %v", tc.relaxType, tc.optcell, optcell)
		}
		if dilatmx.(float64) != tc.dilatmx {
			t.Errorf("relax_type %s: expected dilatmx %v, got %v", tc.relaxType, tc.dilatmx, dilatmx)
		}
		if ecutsm.(float64) != 0.5 {
			t.Errorf("relax_type %s: expected ecutsm 0.5 Ha, got %v", tc.relaxType, ecutsm)
		}
	}
}

func TestGetBuilder_FerromagneticDetection(t *testing.T) {
	builder := getBuilder(t, "Fe", map[string]interface{}{
		"spin_type":              "collinear",
		"magnetization_per_site": []float64{2.5, 2.5},
	})

	nsppol, _ := builder.Get("parameters.nsppol")
	if nsppol.(int) != 2 {
		t.Errorf("Expected nsppol 2 for a ferromagnetic configuration, got %v", nsppol)
	}
	spinat, _ := builder.Get("parameters.spinat")
	rows := spinat.([]interface{})
	if len(rows) != 2 {
		t.Fatalf("Expected one spinat row per site, got %d", len(rows))
	}
	first := rows[0].([]interface{})
	if first[2].(float64) != 2.5 {
		t.Errorf("Expected the z moment 2.5, got %v", first[2])
	}
}

func TestGetBuilder_AntiferromagneticDetection(t *testing.T) {
	builder := getBuilder(t, "Fe", map[string]interface{}{
		"spin_type":              "collinear",
		"magnetization_per_site": []float64{2.5, -2.5},
	})

	nsppol, _ := builder.Get("parameters.nsppol")
	if nsppol.(int) != 1 {
		t.Errorf("Expected nsppol 1 for an antiferromagnetic configuration, got %v", nsppol)
	}
	nspden, _ := builder.Get("parameters.nspden")
	if nspden.(int) != 2 {
		t.Errorf("Expected nspden 2, got %v", nspden)
	}
}

func TestGetBuilder_CollinearWithoutMomentsUsesGuess(t *testing.T) {
	builder := getBuilder(t, "Fe", map[string]interface{}{"spin_type": "collinear"})

	// The tabulated iron guess is ferromagnetic.
	nsppol, _ := builder.Get("parameters.nsppol")
	if nsppol.(int) != 2 {
		t.Errorf("Expected the iron moment guess to give nsppol 2, got %v", nsppol)
	}
}

func TestGetBuilder_SpinOrbit(t *testing.T) {
	builder := getBuilder(t, "Si", map[string]interface{}{"spin_type": "spin_orbit"})

	nspinor, _ := builder.Get("parameters.nspinor")
	if nspinor.(int) != 2 {
		t.Errorf("Expected spinor wavefunctions, got %v", nspinor)
	}
	kptopt, _ := builder.Get("parameters.kptopt")
	if kptopt.(int) != 4 {
		t.Errorf("Expected kptopt 4 without time reversal, got %v", kptopt)
	}
}

func TestGetBuilder_InsulatorRejectsCollinear(t *testing.T) {
	_, err := New().Generator().GetBuilder(relaxInputs("Fe", map[string]interface{}{
		"electronic_type":        "insulator",
		"spin_type":              "collinear",
		"magnetization_per_site": []float64{2.5, 2.5},
	}))
	if err == nil {
		t.Error("Expected error for collinear spin in an insulating system")
	}
}

func TestGetBuilder_Insulator(t *testing.T) {
	builder := getBuilder(t, "Si", map[string]interface{}{"electronic_type": "insulator"})

	occopt, _ := builder.Get("parameters.occopt")
	if occopt.(int) != 1 {
		t.Errorf("Expected fixed occupations, got %v", occopt)
	}
	fband, _ := builder.Get("parameters.fband")
	if fband.(float64) != 0.125 {
		t.Errorf("Expected the default fband, got %v", fband)
	}
}

func TestGetBuilder_Molecule(t *testing.T) {
	builder := getBuilder(t, "H2", nil)

	if _, ok := builder.Get("parameters.tolvrs"); ok {
		t.Error("Expected tolvrs to be replaced by a force tolerance for molecules")
	}
	toldff, _ := builder.Get("parameters.toldff")
	if math.Abs(toldff.(float64)-5.0e-6) > 1e-12 {
		t.Errorf("Expected toldff at a tenth of the force tolerance, got %v", toldff)
	}
	diemac, _ := builder.Get("parameters.diemac")
	if diemac.(float64) != 2.0 {
		t.Errorf("Expected the model dielectric constant 2.0, got %v", diemac)
	}
	mesh, ok := builder.Get("kpoints.mesh")
	if !ok {
		t.Fatal("Expected a Γ-only mesh for molecules")
	}
	if mesh.([]interface{})[0].(int) != 1 {
		t.Errorf("Expected a 1x1x1 mesh, got %v", mesh)
	}
	structure, _ := builder.Get("structure")
	if structure.(*crystal.Structure).PBC != [3]bool{true, true, true} {
		t.Error("Expected the molecular box to be made fully periodic")
	}
}

func TestGetBuilder_ThresholdStressFactor(t *testing.T) {
	builder := getBuilder(t, "Si", map[string]interface{}{
		"threshold_forces": 0.01,
		"threshold_stress": 0.001,
	})

	thresholdF := 0.01 * workflows.EvToHa / workflows.AngToBohr
	thresholdS := 0.001 * workflows.EvToHa /
		(workflows.AngToBohr * workflows.AngToBohr * workflows.AngToBohr)
	strfact, _ := builder.Get("parameters.strfact")
	if math.Abs(strfact.(float64)-thresholdF/thresholdS) > 1e-9 {
		t.Errorf("Expected strfact %v, got %v", thresholdF/thresholdS, strfact)
	}
	tolmxf, _ := builder.Get("parameters.tolmxf")
	if math.Abs(tolmxf.(float64)-thresholdF) > 1e-18 {
		t.Errorf("Expected tolmxf %v, got %v", thresholdF, tolmxf)
	}
}

func TestGetBuilder_KpointsReuse(t *testing.T) {
	builder := getBuilder(t, "Si", map[string]interface{}{
		"reference_workchain": map[string]interface{}{
			"kpoints_mesh": []interface{}{7, 7, 7},
			"shiftk":       []interface{}{[]interface{}{0.5, 0.5, 0.5}},
			"nshiftk":      1,
		},
	})

	if _, ok := builder.Get("kpoints.mesh"); !ok {
		t.Error("Expected the reference mesh to be reused")
	}
	if _, ok := builder.Get("parameters.shiftk"); !ok {
		t.Error("Expected the reference shiftk to be reused")
	}
	if _, ok := builder.Get("kpoints.distance"); ok {
		t.Error("Expected no k-point distance when a mesh is reused")
	}
}
