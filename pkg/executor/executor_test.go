package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atomflow/atomflow/pkg/config"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/transports"
	"github.com/atomflow/atomflow/pkg/transports/ssh"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
}

// writeFakeCode writes an executable shell script standing in for a DFT code
// and returns a config with a local computer serving it. The script runs in
// the job directory with the builder document as its first argument.
func writeFakeCode(t *testing.T, script string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	exe := filepath.Join(dir, "fake-code")
	if err := os.WriteFile(exe, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake code: %v", err)
	}
	return &config.Config{
		Computers: []config.Computer{{
			Name:      "localhost",
			Transport: config.TransportLocal,
			WorkDir:   dir,
		}},
		Codes: []config.Code{{
			Label:      "pw-7.2",
			Engine:     "quantum_espresso.pw",
			Computer:   "localhost",
			Executable: exe,
		}},
	}
}

// siliconJob builds a calculation job for the fake code with a silicon
// primitive cell as structure.
func siliconJob(t *testing.T, options map[string]interface{}) *runtime.CalcJob {
	t.Helper()
	builder := &runtime.Builder{
		Process: "quantum_espresso.pw",
		Inputs: map[string]interface{}{
			"code": "pw-7.2@localhost",
			"structure": map[string]interface{}{
				"symbols": []interface{}{"Si", "Si"},
				"cell": []interface{}{
					[]interface{}{0.0, 2.715, 2.715},
					[]interface{}{2.715, 0.0, 2.715},
					[]interface{}{2.715, 2.715, 0.0},
				},
			},
			"parameters": map[string]interface{}{"ecutwfc": 30.0},
		},
	}
	if options != nil {
		if err := builder.Set("metadata.options", options); err != nil {
			t.Fatalf("failed to set options: %v", err)
		}
	}
	return runtime.NewCalcJob(builder)
}

func TestExecutorExecute(t *testing.T) {
	requireShell(t)

	cfg := writeFakeCode(t, `#!/bin/sh
test -f "$1" || exit 7
test -f structure.json || exit 8
cat > results.json <<'EOF'
{"exit_status": 0, "outputs": {"total_energy": -151.32, "total_magnetization": 0.0}}
EOF
`)
	workRoot := t.TempDir()
	exec := NewExecutor(cfg, workRoot, nil)
	defer exec.Close()

	job := siliconJob(t, map[string]interface{}{"max_wallclock_seconds": 60})
	result, err := exec.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if !result.Finished() {
		t.Fatalf("expected finished result, got exit status %d", result.ExitStatus)
	}
	if got := result.Outputs["total_energy"]; got != -151.32 {
		t.Errorf("expected total_energy -151.32, got %v", got)
	}

	jobDir := filepath.Join(workRoot, job.ID)
	for _, name := range []string{"builder.yaml", "structure.json", "run.sh", "results.json"} {
		if _, err := os.Stat(filepath.Join(jobDir, name)); err != nil {
			t.Errorf("expected %s in job directory: %v", name, err)
		}
	}
	doc, err := os.ReadFile(filepath.Join(jobDir, "builder.yaml"))
	if err != nil {
		t.Fatalf("failed to read builder document: %v", err)
	}
	if !strings.Contains(string(doc), "quantum_espresso.pw") {
		t.Errorf("expected process in builder document, got:\n%s", doc)
	}
	if !strings.Contains(string(doc), "ecutwfc") {
		t.Errorf("expected parameters in builder document, got:\n%s", doc)
	}
}

func TestExecutorExecutePrependText(t *testing.T) {
	requireShell(t)

	cfg := writeFakeCode(t, `#!/bin/sh
cat > results.json <<'EOF'
{"exit_status": 0}
EOF
`)
	cfg.Codes[0].PrependText = "touch prepend.txt"
	workRoot := t.TempDir()
	exec := NewExecutor(cfg, workRoot, nil)
	defer exec.Close()

	job := siliconJob(t, nil)
	if _, err := exec.Execute(context.Background(), job); err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workRoot, job.ID, "prepend.txt")); err != nil {
		t.Errorf("expected prepend text to run before the code: %v", err)
	}
}

func TestExecutorExecuteNonZeroExit(t *testing.T) {
	requireShell(t)

	cfg := writeFakeCode(t, `#!/bin/sh
cat > results.json <<'EOF'
{"exit_status": 312, "exit_message": "the scf cycle did not converge"}
EOF
exit 312
`)
	exec := NewExecutor(cfg, t.TempDir(), nil)
	defer exec.Close()

	result, err := exec.Execute(context.Background(), siliconJob(t, nil))
	if err != nil {
		t.Fatalf("expected a result for a failed code, got error: %v", err)
	}
	if result.Finished() {
		t.Error("expected an unfinished result")
	}
	if result.ExitStatus != 312 {
		t.Errorf("expected exit status 312, got %d", result.ExitStatus)
	}
	if result.ExitMessage != "the scf cycle did not converge" {
		t.Errorf("unexpected exit message %q", result.ExitMessage)
	}
}

func TestExecutorExecuteCrashWithoutResults(t *testing.T) {
	requireShell(t)

	cfg := writeFakeCode(t, `#!/bin/sh
echo "error in routine read_namelists" >&2
exit 2
`)
	exec := NewExecutor(cfg, t.TempDir(), nil)
	defer exec.Close()

	result, err := exec.Execute(context.Background(), siliconJob(t, nil))
	if err != nil {
		t.Fatalf("expected a result for a crashed code, got error: %v", err)
	}
	if result.ExitStatus != 2 {
		t.Errorf("expected exit status 2, got %d", result.ExitStatus)
	}
	if !strings.Contains(result.ExitMessage, "read_namelists") {
		t.Errorf("expected stderr in exit message, got %q", result.ExitMessage)
	}
}

func TestExecutorExecuteMissingResults(t *testing.T) {
	requireShell(t)

	cfg := writeFakeCode(t, "#!/bin/sh\nexit 0\n")
	exec := NewExecutor(cfg, t.TempDir(), nil)
	defer exec.Close()

	_, err := exec.Execute(context.Background(), siliconJob(t, nil))
	if err == nil {
		t.Fatal("expected an error when the code writes no results")
	}
	if !runtime.IsPermanent(err) {
		t.Errorf("expected a permanent error, got %v", err)
	}
	var rerr *runtime.RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected a runtime error, got %T", err)
	}
	if rerr.Code != runtime.ErrCodeParseFailed {
		t.Errorf("expected code %s, got %s", runtime.ErrCodeParseFailed, rerr.Code)
	}
}

func TestExecutorExecuteArrays(t *testing.T) {
	requireShell(t)

	cfg := writeFakeCode(t, `#!/bin/sh
cat > eos.json <<'EOF'
{"volumes": [38.2, 40.3, 42.5], "energies": [-151.1, -151.4, -151.2]}
EOF
cat > results.json <<'EOF'
{"exit_status": 0, "outputs": {"total_energy": -151.4}, "arrays": {"eos": "eos.json"}}
EOF
`)
	exec := NewExecutor(cfg, t.TempDir(), nil)
	defer exec.Close()

	result, err := exec.Execute(context.Background(), siliconJob(t, nil))
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if got := result.Outputs["total_energy"]; got != -151.4 {
		t.Errorf("expected total_energy -151.4, got %v", got)
	}
	eos, ok := result.Outputs["eos"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected eos array output, got %T", result.Outputs["eos"])
	}
	volumes, ok := eos["volumes"].([]interface{})
	if !ok || len(volumes) != 3 {
		t.Errorf("expected 3 volumes, got %v", eos["volumes"])
	}
}

func TestExecutorExecuteWallclock(t *testing.T) {
	requireShell(t)

	cfg := writeFakeCode(t, "#!/bin/sh\nsleep 5\n")
	exec := NewExecutor(cfg, t.TempDir(), nil)
	defer exec.Close()

	start := time.Now()
	_, err := exec.Execute(context.Background(), siliconJob(t, map[string]interface{}{
		"max_wallclock_seconds": 1,
	}))
	if err == nil {
		t.Fatal("expected a wallclock error")
	}
	if !runtime.IsTransient(err) {
		t.Errorf("expected a transient error, got %v", err)
	}
	var rerr *runtime.RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected a runtime error, got %T", err)
	}
	if rerr.Code != runtime.ErrCodeTimeout {
		t.Errorf("expected code %s, got %s", runtime.ErrCodeTimeout, rerr.Code)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("expected the wallclock limit to kill the code, took %v", elapsed)
	}
}

func TestExecutorExecuteUnknownCode(t *testing.T) {
	cfg := writeFakeCode(t, "#!/bin/sh\nexit 0\n")
	exec := NewExecutor(cfg, t.TempDir(), nil)
	defer exec.Close()

	job := &runtime.CalcJob{ID: "job-1", Process: "quantum_espresso.pw", Code: "missing@nowhere"}
	_, err := exec.Execute(context.Background(), job)
	if err == nil {
		t.Fatal("expected an error for an unknown code")
	}
	var rerr *runtime.RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected a runtime error, got %T", err)
	}
	if rerr.Code != runtime.ErrCodeNotFound {
		t.Errorf("expected code %s, got %s", runtime.ErrCodeNotFound, rerr.Code)
	}

	job = &runtime.CalcJob{ID: "job-2", Process: "quantum_espresso.pw"}
	if _, err := exec.Execute(context.Background(), job); err == nil {
		t.Fatal("expected an error for a job without a code")
	}
}

func TestTransportFor(t *testing.T) {
	cfg := &config.Config{}
	exec := NewExecutor(cfg, t.TempDir(), nil)
	defer exec.Close()

	local := &config.Computer{Name: "localhost", Transport: config.TransportLocal, WorkDir: "/tmp"}
	first, err := exec.TransportFor(local)
	if err != nil {
		t.Fatalf("failed to create local transport: %v", err)
	}
	if _, ok := first.(*transports.LocalTransport); !ok {
		t.Errorf("expected a local transport, got %T", first)
	}
	second, err := exec.TransportFor(local)
	if err != nil {
		t.Fatalf("failed to fetch cached transport: %v", err)
	}
	if first != second {
		t.Error("expected the transport to be cached per computer")
	}

	t.Setenv(ssh.PasswordEnv, "")
	remote := &config.Computer{
		Name:      "hpc",
		Hostname:  "hpc.example.org",
		Transport: config.TransportSSH,
		WorkDir:   "/scratch/alice",
		SSH:       &config.SSHSettings{User: "alice"},
	}
	tr, err := exec.TransportFor(remote)
	if err != nil {
		t.Fatalf("failed to create ssh transport: %v", err)
	}
	if _, ok := tr.(*ssh.SSHClient); !ok {
		t.Errorf("expected an ssh transport, got %T", tr)
	}

	bad := &config.Computer{Name: "pigeon", Transport: "carrier-pigeon"}
	if _, err := exec.TransportFor(bad); err == nil {
		t.Error("expected an error for an unsupported transport")
	}
}

func TestRunScript(t *testing.T) {
	code := &config.Code{
		Label:              "pw-7.2",
		Engine:             "quantum_espresso.pw",
		Computer:           "hpc",
		Executable:         "/opt/qe/bin/pw.x",
		PrependText:        "module load qe/7.2\nexport OMP_NUM_THREADS=1",
		MPIProcsPerMachine: 4,
	}

	script := runScript(code, map[string]interface{}{
		"resources": map[string]interface{}{"num_machines": 2},
	})
	if !strings.HasPrefix(script, "#!/bin/sh\nset -e\n") {
		t.Errorf("unexpected script header:\n%s", script)
	}
	if !strings.Contains(script, "module load qe/7.2\nexport OMP_NUM_THREADS=1\n") {
		t.Errorf("expected prepend text in script:\n%s", script)
	}
	if !strings.Contains(script, "exec mpirun -np 8 '/opt/qe/bin/pw.x' builder.yaml\n") {
		t.Errorf("expected mpirun launch line in script:\n%s", script)
	}

	script = runScript(code, map[string]interface{}{"withmpi": false})
	if strings.Contains(script, "mpirun") {
		t.Errorf("expected no mpirun with withmpi false:\n%s", script)
	}
	if !strings.Contains(script, "exec '/opt/qe/bin/pw.x' builder.yaml\n") {
		t.Errorf("expected plain launch line in script:\n%s", script)
	}

	serial := &config.Code{Executable: "/usr/local/bin/fleur"}
	script = runScript(serial, nil)
	if !strings.Contains(script, "exec '/usr/local/bin/fleur' builder.yaml\n") {
		t.Errorf("expected serial launch line in script:\n%s", script)
	}
}

func TestMPIProcs(t *testing.T) {
	code := &config.Code{MPIProcsPerMachine: 4}
	cases := []struct {
		name    string
		options map[string]interface{}
		want    int
	}{
		{"code default", nil, 4},
		{"machines multiply the default", map[string]interface{}{
			"resources": map[string]interface{}{"num_machines": 3},
		}, 12},
		{"options override the default", map[string]interface{}{
			"resources": map[string]interface{}{"num_machines": 2, "num_mpiprocs_per_machine": 8},
		}, 16},
		{"floats from json decoding", map[string]interface{}{
			"resources": map[string]interface{}{"num_machines": 2.0, "num_mpiprocs_per_machine": 8.0},
		}, 16},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mpiProcs(code, tc.options); got != tc.want {
				t.Errorf("expected %d procs, got %d", tc.want, got)
			}
		})
	}

	bare := &config.Code{}
	if got := mpiProcs(bare, nil); got != 1 {
		t.Errorf("expected 1 proc for an unconfigured code, got %d", got)
	}
}
