package commands

import (
	"reflect"
	"testing"

	"github.com/spf13/cobra"

	"github.com/atomflow/atomflow/pkg/launch"
	"github.com/atomflow/atomflow/pkg/workflows"
)

func newStructureTestCommand(opts *launchOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	addLaunchFlags(cmd, opts)
	addStructureFlags(cmd, opts, "Si")
	addRelaxTypeFlag(cmd, opts, "positions", workflows.RelaxTypes()...)
	return cmd
}

func TestCommonInputs_Defaults(t *testing.T) {
	opts := &launchOptions{}
	cmd := newStructureTestCommand(opts)

	inputs, err := opts.commonInputs(cmd)
	if err != nil {
		t.Fatalf("commonInputs failed: %v", err)
	}

	structure, ok := inputs["structure"].(map[string]interface{})
	if !ok || len(structure) == 0 {
		t.Fatalf("Expected a structure document, got %T", inputs["structure"])
	}
	if inputs["protocol"] != "fast" {
		t.Errorf("Expected protocol fast, got %v", inputs["protocol"])
	}
	if inputs["relax_type"] != "positions" {
		t.Errorf("Expected relax_type positions, got %v", inputs["relax_type"])
	}
	if inputs["spin_type"] != "none" {
		t.Errorf("Expected spin_type none, got %v", inputs["spin_type"])
	}
	if _, ok := inputs["threshold_forces"]; ok {
		t.Error("Expected no threshold_forces without the flag")
	}
	if _, ok := inputs["magnetization_per_site"]; ok {
		t.Error("Expected no magnetization_per_site without the flag")
	}
}

func TestCommonInputs_Thresholds(t *testing.T) {
	opts := &launchOptions{}
	cmd := newStructureTestCommand(opts)

	if err := cmd.Flags().Set("threshold-forces", "0.001"); err != nil {
		t.Fatalf("Failed to set flag: %v", err)
	}
	opts.magnetization = []float64{4, 4}

	inputs, err := opts.commonInputs(cmd)
	if err != nil {
		t.Fatalf("commonInputs failed: %v", err)
	}
	if inputs["threshold_forces"] != 0.001 {
		t.Errorf("Expected threshold_forces 0.001, got %v", inputs["threshold_forces"])
	}
	if _, ok := inputs["threshold_stress"]; ok {
		t.Error("Expected no threshold_stress without the flag")
	}
	magnetization, ok := inputs["magnetization_per_site"].([]float64)
	if !ok || len(magnetization) != 2 {
		t.Errorf("Expected two magnetization entries, got %v", inputs["magnetization_per_site"])
	}
}

func TestCommonInputs_UnknownStructure(t *testing.T) {
	opts := &launchOptions{}
	cmd := newStructureTestCommand(opts)
	opts.structure = "Unobtainium"

	if _, err := opts.commonInputs(cmd); err == nil {
		t.Error("Expected error for unknown structure")
	}
}

func TestEngineSteps(t *testing.T) {
	tests := []struct {
		workflow string
		engine   string
		steps    []string
		optional int
	}{
		{launch.WorkflowRelax, "quantum_espresso", []string{"relax"}, 0},
		{launch.WorkflowRelax, "fleur", []string{"inpgen", "relax"}, 0},
		{launch.WorkflowEOS, "siesta", []string{"relax"}, 0},
		{launch.WorkflowBands, "quantum_espresso", []string{"bands"}, 0},
		{launch.WorkflowPhonons, "quantum_espresso", []string{"relax", "phonopy"}, 1},
		{launch.WorkflowPhonons, "fleur", []string{"inpgen", "relax", "phonopy"}, 1},
	}

	for _, tt := range tests {
		steps, optional := engineSteps(tt.workflow, tt.engine)
		if !reflect.DeepEqual(steps, tt.steps) {
			t.Errorf("engineSteps(%s, %s): expected steps %v, got %v", tt.workflow, tt.engine, tt.steps, steps)
		}
		if optional != tt.optional {
			t.Errorf("engineSteps(%s, %s): expected %d optional, got %d", tt.workflow, tt.engine, tt.optional, optional)
		}
	}
}

func TestEngineDocuments(t *testing.T) {
	opts := &launchOptions{
		codes:     []string{"pw-7.2@localhost"},
		machines:  2,
		mpiProcs:  8,
		wallclock: 600,
	}

	engines, err := opts.engineDocuments(launch.WorkflowRelax, "quantum_espresso")
	if err != nil {
		t.Fatalf("engineDocuments failed: %v", err)
	}

	doc, ok := engines["relax"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected a relax step document, got %v", engines)
	}
	if doc["code"] != "pw-7.2@localhost" {
		t.Errorf("Expected code pw-7.2@localhost, got %v", doc["code"])
	}
	options := doc["options"].(map[string]interface{})
	if options["max_wallclock_seconds"] != 600 {
		t.Errorf("Expected wallclock 600, got %v", options["max_wallclock_seconds"])
	}
	resources := options["resources"].(map[string]interface{})
	if resources["num_machines"] != 2 {
		t.Errorf("Expected 2 machines, got %v", resources["num_machines"])
	}
	if resources["num_mpiprocs_per_machine"] != 8 {
		t.Errorf("Expected 8 MPI procs, got %v", resources["num_mpiprocs_per_machine"])
	}
}

func TestEngineDocuments_MultiStep(t *testing.T) {
	opts := &launchOptions{
		codes:     []string{"inpgen@hpc", "fleur@hpc"},
		machines:  1,
		wallclock: 3600,
	}

	engines, err := opts.engineDocuments(launch.WorkflowRelax, "fleur")
	if err != nil {
		t.Fatalf("engineDocuments failed: %v", err)
	}
	if doc := engines["inpgen"].(map[string]interface{}); doc["code"] != "inpgen@hpc" {
		t.Errorf("Expected inpgen step to take the first code, got %v", doc["code"])
	}
	if doc := engines["relax"].(map[string]interface{}); doc["code"] != "fleur@hpc" {
		t.Errorf("Expected relax step to take the second code, got %v", doc["code"])
	}

	opts.codes = []string{"fleur@hpc"}
	if _, err := opts.engineDocuments(launch.WorkflowRelax, "fleur"); err == nil {
		t.Error("Expected error when a required step has no code")
	}
}

func TestEngineDocuments_OptionalStep(t *testing.T) {
	opts := &launchOptions{
		codes:     []string{"pw-7.2@localhost"},
		machines:  1,
		wallclock: 3600,
	}

	engines, err := opts.engineDocuments(launch.WorkflowPhonons, "quantum_espresso")
	if err != nil {
		t.Fatalf("engineDocuments failed: %v", err)
	}
	if _, ok := engines["phonopy"]; ok {
		t.Error("Expected no phonopy step without a second code")
	}

	opts.codes = []string{"pw-7.2@localhost", "phonopy@localhost"}
	engines, err = opts.engineDocuments(launch.WorkflowPhonons, "quantum_espresso")
	if err != nil {
		t.Fatalf("engineDocuments with phonopy failed: %v", err)
	}
	if doc := engines["phonopy"].(map[string]interface{}); doc["code"] != "phonopy@localhost" {
		t.Errorf("Expected phonopy step to take the second code, got %v", doc["code"])
	}
}

func TestEngineDocuments_Extra(t *testing.T) {
	opts := &launchOptions{
		codes:         []string{"pw-7.2@localhost"},
		machines:      1,
		wallclock:     3600,
		engineOptions: `{"queue_name": "debug"}`,
	}

	engines, err := opts.engineDocuments(launch.WorkflowRelax, "quantum_espresso")
	if err != nil {
		t.Fatalf("engineDocuments failed: %v", err)
	}
	options := engines["relax"].(map[string]interface{})["options"].(map[string]interface{})
	if options["queue_name"] != "debug" {
		t.Errorf("Expected queue_name debug, got %v", options["queue_name"])
	}

	opts.engineOptions = "{not json"
	if _, err := opts.engineDocuments(launch.WorkflowRelax, "quantum_espresso"); err == nil {
		t.Error("Expected error for malformed engine options")
	}
}

func TestEngineDocuments_TooManyCodes(t *testing.T) {
	opts := &launchOptions{
		codes:     []string{"a@x", "b@x"},
		machines:  1,
		wallclock: 3600,
	}
	if _, err := opts.engineDocuments(launch.WorkflowRelax, "quantum_espresso"); err == nil {
		t.Error("Expected error for more codes than steps")
	}
}

func TestKpointPath_Default(t *testing.T) {
	points, indexes, err := kpointPath(nil, nil, 20)
	if err != nil {
		t.Fatalf("kpointPath failed: %v", err)
	}
	if len(points) != 81 {
		t.Errorf("Expected 81 points on the default path, got %d", len(points))
	}
	if points[0] != [3]float64{0, 0, 0} {
		t.Errorf("Expected the path to start at Gamma, got %v", points[0])
	}
	if points[80] != [3]float64{0.5, 0.5, 0.5} {
		t.Errorf("Expected the path to end at R, got %v", points[80])
	}
	if indexes["X"] != 20 {
		t.Errorf("Expected X at index 20, got %d", indexes["X"])
	}
	if indexes["R"] != 80 {
		t.Errorf("Expected R at index 80, got %d", indexes["R"])
	}
}

func TestKpointPath_Custom(t *testing.T) {
	points, indexes, err := kpointPath([]string{"0,0,0", "1, 0, 0"}, []string{"A", "B"}, 2)
	if err != nil {
		t.Fatalf("kpointPath failed: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("Expected 3 points, got %d", len(points))
	}
	if points[1] != [3]float64{0.5, 0, 0} {
		t.Errorf("Expected midpoint at 0.5,0,0, got %v", points[1])
	}
	if indexes["A"] != 0 || indexes["B"] != 2 {
		t.Errorf("Expected labels at the vertices, got %v", indexes)
	}
}

func TestKpointPath_AutoLabels(t *testing.T) {
	_, indexes, err := kpointPath([]string{"0,0,0", "0.5,0,0"}, nil, 1)
	if err != nil {
		t.Fatalf("kpointPath failed: %v", err)
	}
	if indexes["K0"] != 0 || indexes["K1"] != 1 {
		t.Errorf("Expected generated K labels, got %v", indexes)
	}
}

func TestKpointPath_Invalid(t *testing.T) {
	if _, _, err := kpointPath([]string{"0,0"}, nil, 20); err == nil {
		t.Error("Expected error for a two-component k-point")
	}
	if _, _, err := kpointPath([]string{"a,b,c"}, nil, 20); err == nil {
		t.Error("Expected error for non-numeric coordinates")
	}
	if _, _, err := kpointPath([]string{"0,0,0", "1,0,0"}, []string{"A"}, 20); err == nil {
		t.Error("Expected error for a label count mismatch")
	}
}
