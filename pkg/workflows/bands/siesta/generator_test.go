package siesta

import (
	"strings"
	"testing"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows/bands"
)

func parentDocument(t *testing.T) map[string]interface{} {
	t.Helper()
	structure, err := crystal.FromLibrary("Si")
	if err != nil {
		t.Fatalf("FromLibrary failed: %v", err)
	}
	return map[string]interface{}{
		"code":      "siesta-5.0@hpc",
		"structure": structure,
		"parameters": map[string]interface{}{
			"mesh-cutoff":    "200 Ry",
			"scf-dm-tol":     1.0e-4,
			"md-type-of-run": "CG",
		},
		"basis":         map[string]interface{}{"pao-basis-size": "DZP"},
		"pseudo_family": "PseudoDojo/0.4/PBE/SR/standard/psml",
		"kpoints":       map[string]interface{}{"distance": 0.2},
		"metadata": map[string]interface{}{
			"options": map[string]interface{}{"max_wallclock_seconds": 1800},
		},
	}
}

func bandsInputs(t *testing.T, extra map[string]interface{}) map[string]interface{} {
	t.Helper()
	inputs := map[string]interface{}{
		"bands_kpoints": bands.KpointPathDocument(
			[][3]float64{{0, 0, 0}, {0.5, 0, 0.5}},
			map[string]int{"GAMMA": 0, "X": 1},
		),
		"parent_folder": "hpc:/scratch/siesta/scf-12",
		"parent_inputs": parentDocument(t),
		"engines": map[string]interface{}{
			"bands": map[string]interface{}{
				"code": "siesta-5.0@hpc",
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
	builder, err := New().Generator().GetBuilder(bandsInputs(t, extra))
	if err != nil {
		t.Fatalf("GetBuilder failed: %v", err)
	}
	return builder
}

func TestGetBuilder_RestartInputs(t *testing.T) {
	builder := getBuilder(t, nil)

	if builder.Process != "siesta.bands" {
		t.Errorf("Expected process 'siesta.bands', got %q", builder.Process)
	}
	cutoff, _ := builder.GetString("parameters.mesh-cutoff")
	if cutoff != "200 Ry" {
		t.Errorf("Expected the parent parameters to be carried over, got %q", cutoff)
	}
	basis, ok := builder.Get("basis.pao-basis-size")
	if !ok || basis.(string) != "DZP" {
		t.Errorf("Expected the parent basis to be carried over, got %v", basis)
	}
	if _, ok := builder.Get("kpoints.distance"); !ok {
		t.Error("Expected the SCF mesh to survive next to the band path")
	}
	points, ok := builder.Get("bandskpoints.points")
	if !ok || len(points.([]interface{})) != 2 {
		t.Errorf("Expected the band path on bandskpoints, got %v", points)
	}
	folder, _ := builder.GetString("parent_calc_folder")
	if folder != "hpc:/scratch/siesta/scf-12" {
		t.Errorf("Expected the parent folder for restart, got %q", folder)
	}
	options, ok := builder.Get("metadata.options")
	if !ok || options.(map[string]interface{})["max_wallclock_seconds"].(int) != 1800 {
		t.Errorf("Expected the parent options to be the fallback, got %v", options)
	}
}

func TestGetBuilder_OptionsOverride(t *testing.T) {
	builder := getBuilder(t, map[string]interface{}{
		"engines": map[string]interface{}{
			"bands": map[string]interface{}{
				"code":    "siesta-5.0@cluster",
				"options": map[string]interface{}{"max_wallclock_seconds": 7200},
			},
		},
	})

	code, _ := builder.GetString("code")
	if code != "siesta-5.0@cluster" {
		t.Errorf("Expected the bands code to replace the parent code, got %q", code)
	}
	options, _ := builder.Get("metadata.options")
	if options.(map[string]interface{})["max_wallclock_seconds"].(int) != 7200 {
		t.Errorf("Expected the bands options to win, got %v", options)
	}
}

func TestGetBuilder_RelaxedStructure(t *testing.T) {
	library, err := crystal.FromLibrary("Si")
	if err != nil {
		t.Fatalf("FromLibrary failed: %v", err)
	}
	relaxed := library.ScaleVolume(1.02)
	parent := parentDocument(t)
	parent["output_structure"] = relaxed

	builder, err := New().Generator().GetBuilder(bandsInputs(t, map[string]interface{}{
		"parent_inputs": parent,
	}))
	if err != nil {
		t.Fatalf("GetBuilder failed: %v", err)
	}

	structure, ok := builder.Get("structure")
	if !ok || structure.(*crystal.Structure) != relaxed {
		t.Error("Expected the relaxed structure to replace the parent input structure")
	}
}

func TestGetBuilder_MissingParentInputs(t *testing.T) {
	inputs := bandsInputs(t, nil)
	delete(inputs, "parent_inputs")

	_, err := New().Generator().GetBuilder(inputs)
	if err == nil {
		t.Fatal("Expected missing parent inputs to be rejected")
	}
	if !strings.Contains(err.Error(), "parent_inputs") {
		t.Errorf("Expected a parent_inputs error, got %v", err)
	}
}
