package orca

import (
	"testing"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/runtime"
)

func relaxInputs(structure *crystal.Structure, extra map[string]interface{}) map[string]interface{} {
	inputs := map[string]interface{}{
		"structure": structure,
		"engines": map[string]interface{}{
			"relax": map[string]interface{}{"code": "orca-5.0@cluster"},
		},
	}
	for key, value := range extra {
		inputs[key] = value
	}
	return inputs
}

func getBuilder(t *testing.T, extra map[string]interface{}) *runtime.Builder {
	t.Helper()
	structure, err := crystal.FromLibrary("H2")
	if err != nil {
		t.Fatal(err)
	}
	builder, err := New().Generator().GetBuilder(relaxInputs(structure, extra))
	if err != nil {
		t.Fatalf("GetBuilder failed: %v", err)
	}
	return builder
}

func keywordList(t *testing.T, builder *runtime.Builder) []string {
	t.Helper()
	raw, ok := builder.Get("parameters.input_keywords")
	if !ok {
		t.Fatal("Expected an input keyword line")
	}
	var out []string
	for _, keyword := range raw.([]interface{}) {
		out = append(out, keyword.(string))
	}
	return out
}

func hasKeyword(keywords []string, want string) bool {
	for _, keyword := range keywords {
		if keyword == want {
			return true
		}
	}
	return false
}

func TestGetBuilder_Defaults(t *testing.T) {
	builder := getBuilder(t, nil)

	if builder.Process != "orca.relax" {
		t.Errorf("Expected process 'orca.relax', got %q", builder.Process)
	}
	keywords := keywordList(t, builder)
	if !hasKeyword(keywords, "Opt") || !hasKeyword(keywords, "def2-TZVP") {
		t.Errorf("Expected an optimization with the moderate basis, got %v", keywords)
	}
	if charge, ok := builder.Get("parameters.charge"); !ok || charge.(int) != 0 {
		t.Errorf("Expected a neutral molecule, got %v", charge)
	}
	if multiplicity, ok := builder.Get("parameters.multiplicity"); !ok || multiplicity.(int) != 1 {
		t.Errorf("Expected a singlet, got %v", multiplicity)
	}
	if maxiter, ok := builder.Get("parameters.input_blocks.scf.maxiter"); !ok || maxiter.(int) != 250 {
		t.Errorf("Expected the SCF iteration cap, got %v", maxiter)
	}
}

func TestGetBuilder_SinglePoint(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{"relax_type": "none"})

	keywords := keywordList(t, builder)
	if hasKeyword(keywords, "Opt") {
		t.Errorf("Expected no optimization keyword, got %v", keywords)
	}
	if !hasKeyword(keywords, "EnGrad") {
		t.Errorf("Expected an explicit gradient run, got %v", keywords)
	}
}

func TestGetBuilder_OddElectronsRequireSpin(t *testing.T) {
	radical := crystal.NewMolecule(10)
	radical.AppendAtom("H", [3]float64{0, 0, 0})

	_, err := New().Generator().GetBuilder(relaxInputs(radical, nil))
	if err == nil {
		t.Error("Expected an error for a restricted run with an odd electron count")
	}
}

func TestGetBuilder_CollinearDoublet(t *testing.T) {
	radical := crystal.NewMolecule(10)
	radical.AppendAtom("H", [3]float64{0, 0, 0})

	builder, err := New().Generator().GetBuilder(relaxInputs(radical, map[string]interface{}{
		"spin_type": "collinear",
	}))
	if err != nil {
		t.Fatalf("GetBuilder failed: %v", err)
	}
	if multiplicity, _ := builder.Get("parameters.multiplicity"); multiplicity.(int) != 2 {
		t.Errorf("Expected a doublet for one electron, got %v", multiplicity)
	}
	if !hasKeyword(keywordList(t, builder), "UKS") {
		t.Error("Expected an unrestricted calculation")
	}
}

func TestGetBuilder_MomentsSetMultiplicity(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{
		"spin_type":              "collinear",
		"magnetization_per_site": []float64{1.0, 1.0},
	})

	if multiplicity, _ := builder.Get("parameters.multiplicity"); multiplicity.(int) != 3 {
		t.Errorf("Expected a triplet from two aligned moments, got %v", multiplicity)
	}
}

func TestGetBuilder_OpenShellSinglet(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{
		"relax_type":             "none",
		"spin_type":              "collinear",
		"magnetization_per_site": []float64{1.0, -1.0},
	})

	if multiplicity, _ := builder.Get("parameters.multiplicity"); multiplicity.(int) != 1 {
		t.Errorf("Expected an open-shell singlet, got %v", multiplicity)
	}
	if stab, ok := builder.Get("parameters.input_blocks.scf.STABPerform"); !ok || stab.(bool) != true {
		t.Error("Expected a stability analysis for the open-shell singlet")
	}
	if hasKeyword(keywordList(t, builder), "EnGrad") {
		t.Error("Expected the gradient keyword to be dropped with the stability analysis")
	}
}

func TestGetBuilder_ProcessCount(t *testing.T) {
	structure, err := crystal.FromLibrary("H2")
	if err != nil {
		t.Fatal(err)
	}
	inputs := relaxInputs(structure, nil)
	inputs["engines"] = map[string]interface{}{
		"relax": map[string]interface{}{
			"code": "orca-5.0@cluster",
			"options": map[string]interface{}{
				"resources": map[string]interface{}{
					"num_machines":             2,
					"num_mpiprocs_per_machine": 8,
				},
			},
		},
	}

	builder, err := New().Generator().GetBuilder(inputs)
	if err != nil {
		t.Fatalf("GetBuilder failed: %v", err)
	}
	if nproc, ok := builder.Get("parameters.input_blocks.pal.nproc"); !ok || nproc.(int) != 16 {
		t.Errorf("Expected 16 MPI processes, got %v", nproc)
	}
}
