package fleur

import (
	"math"
	"testing"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/runtime"
)

func relaxInputs(formula string, extra map[string]interface{}) map[string]interface{} {
	structure, err := crystal.FromLibrary(formula)
	if err != nil {
		panic(err)
	}
	inputs := map[string]interface{}{
		"structure": structure,
		"engines": map[string]interface{}{
			"relax":  map[string]interface{}{"code": "fleur-max7@hpc"},
			"inpgen": map[string]interface{}{"code": "inpgen-max7@hpc"},
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

	if builder.Process != "fleur.relax" {
		t.Errorf("Expected process 'fleur.relax', got %q", builder.Process)
	}
	if iters, ok := builder.Get("wf_parameters.relax_iter"); !ok || iters.(int) != 5 {
		t.Errorf("Expected five relaxation iterations, got %v", iters)
	}
	relaxation, _ := builder.GetString("wf_parameters.relaxation_type")
	if relaxation != "atoms" {
		t.Errorf("Expected atomic relaxation, got %q", relaxation)
	}
	criterion, ok := builder.Get("wf_parameters.force_criterion")
	if !ok || criterion.(float64) != 0.001 {
		t.Errorf("Expected the default force criterion in Ha/Bohr, got %v", criterion)
	}
	mode, _ := builder.GetString("scf.wf_parameters.mode")
	if mode != "force" {
		t.Errorf("Expected force mode, got %q", mode)
	}
	if jspins, ok := builder.Get("scf.calc_parameters.comp.jspins"); !ok || jspins.(int) != 1 {
		t.Errorf("Expected one spin channel, got %v", jspins)
	}
	profile, _ := builder.GetString("scf.settings_inpgen.profile")
	if profile != "default" {
		t.Errorf("Expected the default inpgen profile, got %q", profile)
	}
	code, _ := builder.GetString("inpgen_code")
	if code != "inpgen-max7@hpc" {
		t.Errorf("Expected the inpgen code to be wired, got %q", code)
	}
}

func TestGetBuilder_RequiresInpgen(t *testing.T) {
	structure, err := crystal.FromLibrary("Si")
	if err != nil {
		t.Fatal(err)
	}
	_, err = New().Generator().GetBuilder(map[string]interface{}{
		"structure": structure,
		"engines": map[string]interface{}{
			"relax": map[string]interface{}{"code": "fleur-max7@hpc"},
		},
	})
	if err == nil {
		t.Error("Expected an error without an inpgen engine")
	}
}

func TestGetBuilder_SinglePoint(t *testing.T) {
	builder := getBuilder(t, "Si", map[string]interface{}{"relax_type": "none"})

	if iters, ok := builder.Get("wf_parameters.relax_iter"); !ok || iters.(int) != 0 {
		t.Errorf("Expected zero relaxation iterations, got %v", iters)
	}
	if relaxation, ok := builder.Get("wf_parameters.relaxation_type"); !ok || relaxation != nil {
		t.Errorf("Expected the relaxation type to be cleared, got %v", relaxation)
	}
}

func TestGetBuilder_ForceThreshold(t *testing.T) {
	builder := getBuilder(t, "Si", map[string]interface{}{
		"threshold_forces": 0.05142208619083232,
	})

	criterion, ok := builder.Get("wf_parameters.force_criterion")
	if !ok {
		t.Fatal("Expected a force criterion")
	}
	if math.Abs(criterion.(float64)-0.001) > 1e-15 {
		t.Errorf("Expected the threshold converted to Ha/Bohr, got %v", criterion)
	}
	converged, _ := builder.Get("scf.wf_parameters.force_converged")
	if math.Abs(converged.(float64)-0.001) > 1e-15 {
		t.Errorf("Expected the SCF convergence to match, got %v", converged)
	}
}

func TestGetBuilder_CollinearMoments(t *testing.T) {
	builder := getBuilder(t, "Fe", map[string]interface{}{
		"spin_type":              "collinear",
		"magnetization_per_site": []float64{2.5, 2.5},
	})

	if jspins, ok := builder.Get("scf.calc_parameters.comp.jspins"); !ok || jspins.(int) != 2 {
		t.Errorf("Expected two spin channels, got %v", jspins)
	}
	raw, ok := builder.Get("scf.calc_parameters.atom0")
	if !ok {
		t.Fatal("Expected a per-atom moment entry")
	}
	atom := raw.(map[string]interface{})
	if atom["z"].(int) != 26 || atom["bmu"].(float64) != 2.5 {
		t.Errorf("Expected iron with 2.5 Bohr magnetons, got %v", atom)
	}
	if atom["id"].(string) != "26" {
		t.Errorf("Expected the plain atomic number as id, got %v", atom["id"])
	}
}

func TestGetBuilder_Molecule(t *testing.T) {
	builder := getBuilder(t, "H2", nil)

	raw, ok := builder.Get("structure")
	if !ok {
		t.Fatal("Expected a structure")
	}
	structure := raw.(*crystal.Structure)
	if structure.PBC != [3]bool{true, true, true} {
		t.Error("Expected the vacuum box to become periodic")
	}
	distance, _ := builder.Get("scf.wf_parameters.kpoints_distance")
	if distance.(float64) != 1.0e8 {
		t.Errorf("Expected a Γ-only spacing for a molecule, got %v", distance)
	}
	if film, ok := builder.Get("wf_parameters.film_distance_relaxation"); !ok || film.(bool) != false {
		t.Error("Expected no film relaxation for a molecule")
	}
}

func TestGetBuilder_Film(t *testing.T) {
	film := crystal.New([3][3]float64{{2.87, 0, 0}, {0, 2.87, 0}, {0, 0, 15}})
	film.PBC = [3]bool{true, true, false}
	film.AppendAtom("Fe", [3]float64{0, 0, 0})

	builder, err := New().Generator().GetBuilder(map[string]interface{}{
		"structure": film,
		"engines": map[string]interface{}{
			"relax":  map[string]interface{}{"code": "fleur-max7@hpc"},
			"inpgen": map[string]interface{}{"code": "inpgen-max7@hpc"},
		},
	})
	if err != nil {
		t.Fatalf("GetBuilder failed: %v", err)
	}
	if flag, ok := builder.Get("wf_parameters.film_distance_relaxation"); !ok || flag.(bool) != true {
		t.Error("Expected film distance relaxation for a slab")
	}
}

func TestGetBuilder_ValidationProtocol(t *testing.T) {
	builder := getBuilder(t, "Si", map[string]interface{}{"protocol": "oxides_validation"})

	kmax, ok := builder.Get("scf.calc_parameters.comp.kmax")
	if !ok || kmax.(float64) != 5.0 {
		t.Errorf("Expected the fixed basis cutoff, got %v", kmax)
	}
	profile, _ := builder.GetString("scf.settings_inpgen.profile")
	if profile != "oxides" {
		t.Errorf("Expected the oxides inpgen profile, got %q", profile)
	}
}

func TestGetBuilder_ReferenceParameters(t *testing.T) {
	builder := getBuilder(t, "Si", map[string]interface{}{
		"protocol": "oxides_validation",
		"reference_workchain": map[string]interface{}{
			"flapw_parameters": map[string]interface{}{
				"kpt":  map[string]interface{}{"div1": 8},
				"comp": map[string]interface{}{"kmax": 4.2},
			},
		},
	})

	if _, ok := builder.Get("scf.wf_parameters.kpoints_distance"); ok {
		t.Error("Expected no spacing when a k-point set is reused")
	}
	if gamma, ok := builder.Get("scf.calc_parameters.kpt.gamma"); !ok || gamma.(bool) != true {
		t.Error("Expected the reused k-points forced to Γ")
	}
	if kmax, ok := builder.Get("scf.calc_parameters.comp.kmax"); !ok || kmax.(float64) != 4.2 {
		t.Errorf("Expected the reference basis cutoff to win, got %v", kmax)
	}
}

func TestGetBuilder_CalcParametersOverride(t *testing.T) {
	builder := getBuilder(t, "Si", map[string]interface{}{
		"calc_parameters": map[string]interface{}{
			"comp": map[string]interface{}{"kmax": 3.9},
		},
	})

	if kmax, ok := builder.Get("scf.calc_parameters.comp.kmax"); !ok || kmax.(float64) != 3.9 {
		t.Errorf("Expected the explicit parameters to be used, got %v", kmax)
	}
	if jspins, ok := builder.Get("scf.calc_parameters.comp.jspins"); !ok || jspins.(int) != 1 {
		t.Errorf("Expected the spin channels to be filled in, got %v", jspins)
	}
}
