package pyscf

import (
	"strings"
	"testing"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/runtime"
)

func relaxInputs(structure *crystal.Structure, extra map[string]interface{}) map[string]interface{} {
	inputs := map[string]interface{}{
		"structure": structure,
		"engines": map[string]interface{}{
			"relax": map[string]interface{}{"code": "pyscf-2.5@cluster"},
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

func TestGetBuilder_Defaults(t *testing.T) {
	builder := getBuilder(t, nil)

	if builder.Process != "pyscf.relax" {
		t.Errorf("Expected process 'pyscf.relax', got %q", builder.Process)
	}
	basis, _ := builder.GetString("parameters.structure.basis")
	if basis != "def2-tzvp" {
		t.Errorf("Expected the moderate basis, got %q", basis)
	}
	method, _ := builder.GetString("parameters.mean_field.method")
	if method != "RKS" {
		t.Errorf("Expected a restricted Kohn-Sham mean field, got %q", method)
	}
	xc, _ := builder.GetString("parameters.mean_field.xc")
	if xc != "PBE" {
		t.Errorf("Expected the PBE functional, got %q", xc)
	}
	solver, _ := builder.GetString("parameters.optimizer.solver")
	if solver != "geometric" {
		t.Errorf("Expected the geomeTRIC solver, got %q", solver)
	}
	threshold, ok := builder.Get("parameters.optimizer.convergence_parameters.convergence_energy")
	if !ok || threshold.(float64) != 1.0e-6 {
		t.Errorf("Expected the moderate energy convergence, got %v", threshold)
	}
	if _, ok := builder.Get("parameters.structure.spin"); ok {
		t.Error("Expected no spin setting for a restricted run")
	}
	code, _ := builder.GetString("code")
	if code != "pyscf-2.5@cluster" {
		t.Errorf("Expected the relax code to be wired, got %q", code)
	}
}

func TestGetBuilder_SinglePoint(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{"relax_type": "none"})

	if _, ok := builder.Get("parameters.optimizer"); ok {
		t.Error("Expected no optimizer block for a single point")
	}
}

func TestGetBuilder_CellRelaxRejected(t *testing.T) {
	structure, err := crystal.FromLibrary("H2")
	if err != nil {
		t.Fatal(err)
	}
	_, err = New().Generator().GetBuilder(relaxInputs(structure, map[string]interface{}{
		"relax_type": "cell",
	}))
	if err == nil {
		t.Fatal("Expected cell relaxation to be rejected")
	}
	if !strings.Contains(err.Error(), `"relax_type"`) {
		t.Errorf("Expected relax_type choice error, got %v", err)
	}
}

func TestGetBuilder_OddElectronsRequireSpin(t *testing.T) {
	radical := crystal.NewMolecule(10)
	radical.AppendAtom("H", [3]float64{0, 0, 0})

	_, err := New().Generator().GetBuilder(relaxInputs(radical, nil))
	if err == nil {
		t.Error("Expected an error for an odd electron count without spin polarization")
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
	method, _ := builder.GetString("parameters.mean_field.method")
	if method != "DKS" {
		t.Errorf("Expected a Dirac-Kohn-Sham mean field, got %q", method)
	}
	collinear, _ := builder.GetString("parameters.mean_field.collinear")
	if collinear != "mcol" {
		t.Errorf("Expected the multi-collinear treatment, got %q", collinear)
	}
	if spin, ok := builder.Get("parameters.structure.spin"); !ok || spin.(int) != 1 {
		t.Errorf("Expected one unpaired electron for a doublet, got %v", spin)
	}
}

func TestGetBuilder_MomentsSetSpin(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{
		"spin_type":              "collinear",
		"magnetization_per_site": []float64{1.0, 1.0},
	})

	if spin, ok := builder.Get("parameters.structure.spin"); !ok || spin.(int) != 2 {
		t.Errorf("Expected two unpaired electrons for a triplet, got %v", spin)
	}
}

func TestGetBuilder_OpenShellSinglet(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{
		"spin_type":              "collinear",
		"magnetization_per_site": []float64{1.0, -1.0},
	})

	if spin, ok := builder.Get("parameters.structure.spin"); !ok || spin.(int) != 0 {
		t.Errorf("Expected no unpaired electrons for antiparallel moments, got %v", spin)
	}
}
