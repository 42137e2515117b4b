package phonons

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/generator"
	"github.com/atomflow/atomflow/pkg/plugins"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

type fakeRelaxImplementation struct {
	gen *generator.InputGenerator
}

func newFakeRelaxImplementation() *fakeRelaxImplementation {
	gen := generator.MustNew("fake.relax", relax.CommonSpec(),
		func(builder *runtime.Builder, validated map[string]interface{}) error {
			inputs, err := relax.CommonInputs(validated)
			if err != nil {
				return err
			}
			if err := builder.Set("structure", inputs.Structure); err != nil {
				return err
			}
			if err := builder.Set("code", inputs.Engines["relax"].Code); err != nil {
				return err
			}
			if inputs.MagnetizationPerSite != nil {
				if err := builder.Set("moments", inputs.MagnetizationPerSite); err != nil {
					return err
				}
			}
			if inputs.ReferenceOutputs != nil {
				return builder.Set("reference_mesh", inputs.ReferenceOutputs["kpoints_mesh"])
			}
			return nil
		})
	return &fakeRelaxImplementation{gen: gen}
}

func (f *fakeRelaxImplementation) Name() string { return "fake" }

func (f *fakeRelaxImplementation) Generator() *generator.InputGenerator { return f.gen }

func (f *fakeRelaxImplementation) ConvertOutputs(result *runtime.Result) (*workflows.RelaxOutputs, error) {
	energy, ok := result.Output("energy")
	if !ok {
		return nil, fmt.Errorf("missing energy output")
	}
	outputs := &workflows.RelaxOutputs{TotalEnergy: energy.(float64)}
	if forces, ok := result.Output("forces"); ok {
		outputs.Forces = forces.([][3]float64)
	}
	return outputs, nil
}

func (f *fakeRelaxImplementation) ReferenceOutputs(sub *runtime.Result) map[string]interface{} {
	return map[string]interface{}{"kpoints_mesh": []interface{}{8, 8, 8}}
}

// springExecutor fakes the engine: every site feels a constant bias force
// plus a harmonic restoring force toward its equilibrium position, so the
// pristine supercell reports exactly the bias and a displaced one the bias
// plus the spring response.
type springExecutor struct {
	mu            sync.Mutex
	jobs          []*runtime.CalcJob
	eq            *crystal.Structure
	bias          [3]float64
	failPristine  bool
	failDisplaced bool
	failPhonopy   bool
}

const springConstant = 3.0

func (e *springExecutor) Execute(ctx context.Context, job *runtime.CalcJob) (*runtime.Result, error) {
	e.mu.Lock()
	e.jobs = append(e.jobs, job)
	e.mu.Unlock()

	if job.Process == PhonopyProcess {
		if e.failPhonopy {
			return &runtime.Result{ExitStatus: 5, ExitMessage: "phonopy crashed"}, nil
		}
		return &runtime.Result{ExitStatus: 0, Outputs: map[string]interface{}{
			"phonon_bands":    map[string]interface{}{"points": 51},
			"force_constants": map[string]interface{}{"shape": []interface{}{2, 2}},
		}}, nil
	}

	structure := job.Inputs["structure"].(*crystal.Structure)
	displaced := false
	forces := make([][3]float64, len(structure.Sites))
	for i, site := range structure.Sites {
		for axis := 0; axis < 3; axis++ {
			delta := site.Position[axis] - e.eq.Sites[i].Position[axis]
			if math.Abs(delta) > 1e-9 {
				displaced = true
			}
			forces[i][axis] = e.bias[axis] - springConstant*delta
		}
	}

	if e.failPristine && !displaced {
		return &runtime.Result{ExitStatus: 312, ExitMessage: "scf did not converge"}, nil
	}
	if e.failDisplaced && displaced {
		return &runtime.Result{ExitStatus: 312, ExitMessage: "scf did not converge"}, nil
	}
	return &runtime.Result{ExitStatus: 0, Outputs: map[string]interface{}{
		"energy": -100.0,
		"forces": forces,
	}}, nil
}

func (e *springExecutor) recorded() []*runtime.CalcJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*runtime.CalcJob(nil), e.jobs...)
}

func newSpringExecutor(t *testing.T, nx, ny, nz int) *springExecutor {
	t.Helper()

	structure, err := crystal.FromLibrary("Si")
	if err != nil {
		t.Fatalf("FromLibrary failed: %v", err)
	}
	eq, err := structure.Supercell(nx, ny, nz)
	if err != nil {
		t.Fatalf("Supercell failed: %v", err)
	}
	return &springExecutor{eq: eq, bias: [3]float64{0.2, -0.1, 0.05}}
}

func newTestWorkChain(t *testing.T, executor runtime.JobExecutor) *WorkChain {
	t.Helper()

	runner := runtime.NewLocalRunner(executor, nil)
	impl := newFakeRelaxImplementation()
	sub := relax.NewWorkChain(impl, runner, nil)
	if err := runner.Register(plugins.RelaxPrefix+impl.Name(), sub.ProcessFunc()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return NewWorkChain(impl, runner, nil)
}

func unitCellInputs(t *testing.T, extra map[string]interface{}) map[string]interface{} {
	merged := map[string]interface{}{
		"supercell_matrix": []float64{1, 1, 1},
	}
	for key, value := range extra {
		merged[key] = value
	}
	return phononInputs(t, merged)
}

func TestWorkChain_Run(t *testing.T) {
	executor := newSpringExecutor(t, 1, 1, 1)
	chain := newTestWorkChain(t, executor)

	result, err := chain.Run(context.Background(), unitCellInputs(t, nil))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Finished() {
		t.Fatalf("Expected finished result, got exit status %d (%s)",
			result.ExitStatus, result.ExitMessage)
	}

	outputs, err := OutputsFrom(result)
	if err != nil {
		t.Fatalf("OutputsFrom failed: %v", err)
	}
	if len(outputs.SupercellStructure.Sites) != 2 {
		t.Fatalf("Expected a 2 site supercell, got %d sites", len(outputs.SupercellStructure.Sites))
	}
	if len(outputs.ForceSets) != 12 {
		t.Fatalf("Expected 12 force sets, got %d", len(outputs.ForceSets))
	}
	if outputs.PhononBands != nil {
		t.Error("Expected no phonon bands without a phonopy step")
	}

	// The bias cancels out against the pristine forces, leaving the pure
	// spring response of the displaced coordinate.
	displacements := Displacements(2)
	for i, displacement := range displacements {
		want := -springConstant * float64(displacement.Sign) * DefaultDisplacement
		for site := range outputs.ForceSets[i] {
			for axis := 0; axis < 3; axis++ {
				expected := 0.0
				if site == displacement.Site && axis == displacement.Axis {
					expected = want
				}
				got := outputs.ForceSets[i][site][axis]
				if math.Abs(got-expected) > 1e-9 {
					t.Fatalf("Force set %d site %d axis %d: expected %v, got %v",
						i, site, axis, expected, got)
				}
			}
		}
	}

	// The pristine supercell runs alone before the fan-out and the
	// displaced runs restart from its settings.
	jobs := executor.recorded()
	if len(jobs) != 13 {
		t.Fatalf("Expected 13 engine jobs, got %d", len(jobs))
	}
	if _, ok := jobs[0].Inputs["reference_mesh"]; ok {
		t.Error("Expected the pristine job to run without reference settings")
	}
	for _, job := range jobs[1:] {
		if _, ok := job.Inputs["reference_mesh"]; !ok {
			t.Errorf("Expected job %s to reuse the pristine settings", job.ID)
		}
	}
}

func TestWorkChain_Run_Phonopy(t *testing.T) {
	executor := newSpringExecutor(t, 1, 1, 1)
	chain := newTestWorkChain(t, executor)

	result, err := chain.Run(context.Background(), unitCellInputs(t, map[string]interface{}{
		"phonon_property": "bands",
		"engines": map[string]interface{}{
			"relax":   map[string]interface{}{"code": "pw-7.2@hpc"},
			"phonopy": map[string]interface{}{"code": "phonopy-2.19@hpc"},
		},
	}))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Finished() {
		t.Fatalf("Expected finished result, got exit status %d (%s)",
			result.ExitStatus, result.ExitMessage)
	}

	outputs, err := OutputsFrom(result)
	if err != nil {
		t.Fatalf("OutputsFrom failed: %v", err)
	}
	if outputs.PhononBands == nil {
		t.Error("Expected phonon bands passed through")
	}
	if outputs.ForceConstants == nil {
		t.Error("Expected force constants passed through")
	}
	if outputs.PhononDos != nil {
		t.Error("Expected no phonon dos, the code did not report one")
	}

	jobs := executor.recorded()
	last := jobs[len(jobs)-1]
	if last.Process != PhonopyProcess {
		t.Fatalf("Expected the phonopy job last, got %q", last.Process)
	}
	if last.Code != "phonopy-2.19@hpc" {
		t.Errorf("Expected the phonopy code, got %q", last.Code)
	}

	parameters := last.Inputs["parameters"].(map[string]interface{})
	if parameters["band"] != "auto" {
		t.Errorf("Expected the band parameters of the bands property, got %v", parameters)
	}
	dataset := last.Inputs["displacement_dataset"].(map[string]interface{})
	if dataset["natom"] != 2 {
		t.Errorf("Expected natom 2, got %v", dataset["natom"])
	}
	if atoms := dataset["first_atoms"].([]interface{}); len(atoms) != 12 {
		t.Errorf("Expected 12 dataset entries, got %d", len(atoms))
	}
	if sets := last.Inputs["force_sets"].([][][3]float64); len(sets) != 12 {
		t.Errorf("Expected 12 force sets, got %d", len(sets))
	}
}

func TestWorkChain_Run_PhonopyFailure(t *testing.T) {
	executor := newSpringExecutor(t, 1, 1, 1)
	executor.failPhonopy = true
	chain := newTestWorkChain(t, executor)

	result, err := chain.Run(context.Background(), unitCellInputs(t, map[string]interface{}{
		"engines": map[string]interface{}{
			"relax":   map[string]interface{}{"code": "pw-7.2@hpc"},
			"phonopy": map[string]interface{}{"code": "phonopy-2.19@hpc"},
		},
	}))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ExitStatus != ExitPhonopyFailed {
		t.Fatalf("Expected exit status %d, got %d", ExitPhonopyFailed, result.ExitStatus)
	}
}

func TestWorkChain_Run_PristineFailure(t *testing.T) {
	executor := newSpringExecutor(t, 1, 1, 1)
	executor.failPristine = true
	chain := newTestWorkChain(t, executor)

	result, err := chain.Run(context.Background(), unitCellInputs(t, nil))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ExitStatus != ExitSubProcessFailed {
		t.Fatalf("Expected exit status %d, got %d", ExitSubProcessFailed, result.ExitStatus)
	}
	if len(executor.recorded()) != 1 {
		t.Errorf("Expected the workflow to stop after the failed pristine run, got %d jobs",
			len(executor.recorded()))
	}
}

func TestWorkChain_Run_DisplacedFailure(t *testing.T) {
	executor := newSpringExecutor(t, 1, 1, 1)
	executor.failDisplaced = true
	chain := newTestWorkChain(t, executor)

	result, err := chain.Run(context.Background(), unitCellInputs(t, nil))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ExitStatus != ExitSubProcessFailed {
		t.Fatalf("Expected exit status %d, got %d", ExitSubProcessFailed, result.ExitStatus)
	}
}

func TestWorkChain_Run_MagnetizationTiled(t *testing.T) {
	executor := newSpringExecutor(t, 2, 1, 1)
	chain := newTestWorkChain(t, executor)

	result, err := chain.Run(context.Background(), phononInputs(t, map[string]interface{}{
		"supercell_matrix":       []float64{2, 1, 1},
		"spin_type":              "collinear",
		"magnetization_per_site": []float64{0.5, 0.3},
	}))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Finished() {
		t.Fatalf("Expected finished result, got exit status %d (%s)",
			result.ExitStatus, result.ExitMessage)
	}

	for _, job := range executor.recorded() {
		moments := job.Inputs["moments"].([]float64)
		if len(moments) != 4 {
			t.Fatalf("Expected the moments tiled onto 4 supercell sites, got %d", len(moments))
		}
		want := []float64{0.5, 0.3, 0.5, 0.3}
		for i := range want {
			if moments[i] != want[i] {
				t.Fatalf("Expected tiled moments %v, got %v", want, moments)
			}
		}
	}
}

func TestWorkChain_GetBuilder(t *testing.T) {
	chain := newTestWorkChain(t, newSpringExecutor(t, 1, 1, 1))

	builder, err := chain.GetBuilder(unitCellInputs(t, nil))
	if err != nil {
		t.Fatalf("GetBuilder failed: %v", err)
	}
	if builder.Process != "fake.relax" {
		t.Errorf("Expected process fake.relax, got %q", builder.Process)
	}
	structure := builder.Inputs["structure"].(*crystal.Structure)
	if len(structure.Sites) != 2 {
		t.Errorf("Expected the pristine supercell, got %d sites", len(structure.Sites))
	}
}
