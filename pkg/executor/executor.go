// Package executor runs calculation jobs on configured computers. It stages
// a job directory with the serialized inputs and a launch script, executes
// the code through the computer's transport and parses the results document
// the code writes back.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atomflow/atomflow/pkg/agent"
	"github.com/atomflow/atomflow/pkg/config"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/telemetry"
	"github.com/atomflow/atomflow/pkg/transports"
	"github.com/atomflow/atomflow/pkg/transports/ssh"
)

// File names staged into every job directory. The code is launched with the
// builder document as its only argument and writes the results document into
// the same directory before exiting.
const (
	builderFile   = "builder.yaml"
	structureFile = "structure.json"
	scriptFile    = "run.sh"
	resultsFile   = "results.json"
)

// remoteStageDir is the directory under a computer's work dir that holds
// staged job directories.
const remoteStageDir = "atomflow"

// Executor implements runtime.JobExecutor on top of the transports package.
// Transports are cached per computer and reused across jobs.
type Executor struct {
	cfg      *config.Config
	workRoot string
	logger   *telemetry.Logger

	mu    sync.Mutex
	conns map[string]transports.Transport
}

// NewExecutor creates an executor that stages job directories under workRoot.
// The logger may be nil.
func NewExecutor(cfg *config.Config, workRoot string, logger *telemetry.Logger) *Executor {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Executor{
		cfg:      cfg,
		workRoot: workRoot,
		logger:   logger.WithField("component", "executor"),
		conns:    make(map[string]transports.Transport),
	}
}

// TransportFor returns the transport for a computer, creating and caching it
// on first use.
func (e *Executor) TransportFor(computer *config.Computer) (transports.Transport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.conns[computer.Name]; ok {
		return t, nil
	}

	var t transports.Transport
	switch computer.Transport {
	case config.TransportLocal:
		t = transports.NewLocalTransport()
	case config.TransportSSH:
		sshCfg, err := ssh.FromComputer(computer)
		if err != nil {
			return nil, err
		}
		client, err := ssh.NewSSHClient(sshCfg)
		if err != nil {
			return nil, err
		}
		if computer.Agent != nil {
			// Hosts without an SFTP subsystem stage through the agent
			// riding the same SSH connection.
			t = agent.NewTransport(client, computer.Agent)
		} else {
			t = client
		}
	default:
		return nil, fmt.Errorf("computer %q has unsupported transport %q", computer.Name, computer.Transport)
	}

	e.conns[computer.Name] = t
	return t, nil
}

// Close disconnects every cached transport.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for name, t := range e.conns {
		if err := t.Disconnect(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to disconnect from %s: %w", name, err)
		}
	}
	e.conns = make(map[string]transports.Transport)
	return firstErr
}

// Execute stages and runs a calculation job to completion. A code that ran
// and exited non-zero is a normal result carrying its exit status; errors are
// reserved for staging, transport and parsing failures.
func (e *Executor) Execute(ctx context.Context, job *runtime.CalcJob) (*runtime.Result, error) {
	if job.Code == "" {
		return nil, runtime.NewPermanentError("calculation job has no code", nil).
			WithCode(runtime.ErrCodeValidation).WithResource(job.ID)
	}
	code, computer, err := e.cfg.CodeFor(job.Code)
	if err != nil {
		return nil, runtime.NewPermanentError("failed to resolve code", err).
			WithCode(runtime.ErrCodeNotFound).WithResource(job.ID)
	}

	logger := e.logger.WithFields(map[string]interface{}{
		"job_id":   job.ID,
		"process":  job.Process,
		"code":     code.FullLabel(),
		"computer": computer.Name,
	})

	t, err := e.TransportFor(computer)
	if err != nil {
		return nil, runtime.NewPermanentError("failed to create transport", err).
			WithCode(runtime.ErrCodeTransportFailed).WithResource(job.ID)
	}
	if err := t.Connect(ctx); err != nil {
		return nil, transportRuntimeError("failed to connect to computer", err).WithResource(job.ID)
	}

	jobDir, err := e.stage(job, code)
	if err != nil {
		return nil, err
	}
	logger.WithField("dir", jobDir).Debug("staged calculation job")

	runDir := jobDir
	remote := computer.Transport == config.TransportSSH
	if remote {
		runDir = path.Join(computer.WorkDir, remoteStageDir, job.ID)
		if err := t.UploadDirectory(ctx, jobDir, runDir); err != nil {
			return nil, transportRuntimeError("failed to upload job directory", err).WithResource(job.ID)
		}
	}
	if err := verifyStaged(ctx, t, jobDir, runDir, remote); err != nil {
		return nil, err
	}

	logger.Info("running calculation job")
	res, execErr := t.Execute(ctx, transports.ExecRequest{
		Command: "sh " + scriptFile,
		Dir:     runDir,
		Timeout: wallclock(job.Options),
	})
	if execErr != nil {
		var terr *transports.TransportError
		if ctx.Err() == nil && errors.As(execErr, &terr) && errors.Is(terr.Err, context.DeadlineExceeded) {
			return nil, runtime.NewTransientError("job exceeded its wallclock limit", execErr).
				WithCode(runtime.ErrCodeTimeout).WithResource(job.ID)
		}
		return nil, transportRuntimeError("failed to run code", execErr).WithResource(job.ID)
	}

	result, err := collect(ctx, t, jobDir, runDir, remote)
	if err != nil {
		if res.ExitCode != 0 {
			// The code died before writing results; surface its exit code.
			return &runtime.Result{ExitStatus: res.ExitCode, ExitMessage: exitMessage(res)}, nil
		}
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"exit_status": result.ExitStatus,
		"duration":    res.Duration.String(),
	}).Info("calculation job finished")
	return result, nil
}

// stage writes the job directory under the local work root and returns its
// path.
func (e *Executor) stage(job *runtime.CalcJob, code *config.Code) (string, error) {
	jobDir := filepath.Join(e.workRoot, job.ID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", runtime.NewPermanentError("failed to create job directory", err).
			WithCode(runtime.ErrCodeInternal).WithResource(job.ID)
	}

	builder := &runtime.Builder{Process: job.Process, Inputs: job.Inputs}
	doc, err := builder.ToYAML()
	if err != nil {
		return "", runtime.NewPermanentError("failed to encode job inputs", err).
			WithCode(runtime.ErrCodeInternal).WithResource(job.ID)
	}
	if err := os.WriteFile(filepath.Join(jobDir, builderFile), doc, 0o644); err != nil {
		return "", runtime.NewPermanentError("failed to stage job inputs", err).
			WithCode(runtime.ErrCodeInternal).WithResource(job.ID)
	}

	// The structure is embedded in the builder document already; the JSON
	// copy is for codes that parse it standalone.
	if structure, ok := job.Inputs["structure"]; ok {
		raw, err := json.MarshalIndent(structure, "", "  ")
		if err != nil {
			return "", runtime.NewPermanentError("failed to encode structure", err).
				WithCode(runtime.ErrCodeInternal).WithResource(job.ID)
		}
		if err := os.WriteFile(filepath.Join(jobDir, structureFile), raw, 0o644); err != nil {
			return "", runtime.NewPermanentError("failed to stage structure", err).
				WithCode(runtime.ErrCodeInternal).WithResource(job.ID)
		}
	}

	script := runScript(code, job.Options)
	if err := os.WriteFile(filepath.Join(jobDir, scriptFile), []byte(script), 0o755); err != nil {
		return "", runtime.NewPermanentError("failed to stage run script", err).
			WithCode(runtime.ErrCodeInternal).WithResource(job.ID)
	}
	return jobDir, nil
}

// runScript renders the shell script that launches the code. The script runs
// in the job directory with the builder document as the only argument.
func runScript(code *config.Code, options map[string]interface{}) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("set -e\n")
	if text := strings.TrimSpace(code.PrependText); text != "" {
		b.WriteString(text)
		b.WriteByte('\n')
	}

	launch := transports.ShellQuote(code.Executable) + " " + builderFile
	procs := mpiProcs(code, options)
	withMPI := procs > 1 || code.MPIProcsPerMachine > 0
	if v, ok := options["withmpi"].(bool); ok {
		withMPI = v
	}
	if withMPI {
		launch = fmt.Sprintf("mpirun -np %d %s", procs, launch)
	}
	b.WriteString("exec " + launch + "\n")
	return b.String()
}

// mpiProcs returns the total MPI process count for a job. The launch options
// win over the code's configured default.
func mpiProcs(code *config.Code, options map[string]interface{}) int {
	machines := 1
	perMachine := code.MPIProcsPerMachine
	if res, ok := options["resources"].(map[string]interface{}); ok {
		machines = intValue(res["num_machines"], machines)
		perMachine = intValue(res["num_mpiprocs_per_machine"], perMachine)
	}
	if machines < 1 {
		machines = 1
	}
	if perMachine < 1 {
		perMachine = 1
	}
	return machines * perMachine
}

// wallclock returns the execution timeout from the launch options, zero when
// unset.
func wallclock(options map[string]interface{}) time.Duration {
	if secs := intValue(options["max_wallclock_seconds"], 0); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// intValue coerces the numeric types YAML and JSON decoding produce.
func intValue(v interface{}, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}

// verifyStaged compares the checksum of the staged builder document against
// the local copy to catch corrupted uploads.
func verifyStaged(ctx context.Context, t transports.Transport, jobDir, runDir string, remote bool) error {
	want, err := fileSHA256(filepath.Join(jobDir, builderFile))
	if err != nil {
		return runtime.NewPermanentError("failed to checksum staged inputs", err).
			WithCode(runtime.ErrCodeInternal)
	}
	got, err := t.ComputeChecksum(ctx, joinDir(runDir, builderFile, remote))
	if err != nil {
		return transportRuntimeError("failed to checksum staged inputs", err)
	}
	if got != want {
		return runtime.NewTransientError("staged inputs do not match the local copy", nil).
			WithCode(runtime.ErrCodeTransportFailed)
	}
	return nil
}

// collect retrieves and parses the results document the code wrote into the
// run directory, merging in any array files it references.
func collect(ctx context.Context, t transports.Transport, jobDir, runDir string, remote bool) (*runtime.Result, error) {
	if remote {
		if err := t.DownloadFile(ctx, path.Join(runDir, resultsFile), filepath.Join(jobDir, resultsFile)); err != nil {
			return nil, transportRuntimeError("failed to retrieve results", err)
		}
	}
	raw, err := os.ReadFile(filepath.Join(jobDir, resultsFile))
	if err != nil {
		return nil, runtime.NewPermanentError("code wrote no results file", err).
			WithCode(runtime.ErrCodeParseFailed)
	}

	var report struct {
		ExitStatus  int                    `json:"exit_status"`
		ExitMessage string                 `json:"exit_message,omitempty"`
		Outputs     map[string]interface{} `json:"outputs,omitempty"`
		Arrays      map[string]string      `json:"arrays,omitempty"`
	}
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, runtime.NewPermanentError("failed to parse results file", err).
			WithCode(runtime.ErrCodeParseFailed)
	}

	result := &runtime.Result{
		ExitStatus:  report.ExitStatus,
		ExitMessage: report.ExitMessage,
		Outputs:     report.Outputs,
	}
	if len(report.Arrays) == 0 {
		return result, nil
	}
	if result.Outputs == nil {
		result.Outputs = make(map[string]interface{}, len(report.Arrays))
	}

	names := make([]string, 0, len(report.Arrays))
	for name := range report.Arrays {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ref := report.Arrays[name]
		if !fs.ValidPath(ref) {
			return nil, runtime.NewPermanentError(fmt.Sprintf("results file references invalid array path %q", ref), nil).
				WithCode(runtime.ErrCodeParseFailed)
		}
		local := filepath.Join(jobDir, filepath.FromSlash(ref))
		if remote {
			if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
				return nil, runtime.NewPermanentError("failed to retrieve array file", err).
					WithCode(runtime.ErrCodeInternal)
			}
			if err := t.DownloadFile(ctx, path.Join(runDir, ref), local); err != nil {
				return nil, transportRuntimeError("failed to retrieve array file", err)
			}
		}
		doc, err := os.ReadFile(local)
		if err != nil {
			return nil, runtime.NewPermanentError(fmt.Sprintf("failed to read array file %q", ref), err).
				WithCode(runtime.ErrCodeParseFailed)
		}
		var value interface{}
		if err := json.Unmarshal(doc, &value); err != nil {
			return nil, runtime.NewPermanentError(fmt.Sprintf("failed to parse array file %q", ref), err).
				WithCode(runtime.ErrCodeParseFailed)
		}
		result.Outputs[name] = value
	}
	return result, nil
}

// transportRuntimeError classifies a transport failure for the runtime's
// retry logic.
func transportRuntimeError(message string, err error) *runtime.RuntimeError {
	var terr *transports.TransportError
	if errors.As(err, &terr) {
		if terr.IsAuthError {
			return runtime.NewPermanentError(message, err).WithCode(runtime.ErrCodeTransportFailed)
		}
		if terr.IsTemporary {
			return runtime.NewTransientError(message, err).WithCode(runtime.ErrCodeTransportFailed)
		}
	}
	return runtime.NewPermanentError(message, err).WithCode(runtime.ErrCodeTransportFailed)
}

// exitMessage summarizes a failed command from the tail of its stderr.
func exitMessage(res *transports.ExecResult) string {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		return fmt.Sprintf("code exited with status %d", res.ExitCode)
	}
	lines := strings.Split(msg, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func fileSHA256(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// joinDir joins a file onto a run directory, using slash paths for remote
// directories.
func joinDir(dir, name string, remote bool) string {
	if remote {
		return path.Join(dir, name)
	}
	return filepath.Join(dir, name)
}
