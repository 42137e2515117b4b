package runtime

import (
	"context"
	"sync"
	"testing"
)

// Mock job executor for testing
type mockJobExecutor struct {
	mu       sync.Mutex
	executed []string
	result   *Result
	err      error
}

func newMockJobExecutor() *mockJobExecutor {
	return &mockJobExecutor{
		executed: make([]string, 0),
		result:   &Result{ExitStatus: 0, Outputs: map[string]interface{}{}},
	}
}

func (m *mockJobExecutor) Execute(ctx context.Context, job *CalcJob) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executed = append(m.executed, job.Process)
	return m.result, m.err
}

func (m *mockJobExecutor) executedProcesses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.executed...)
}

func TestLocalRunner_Register_Duplicate(t *testing.T) {
	runner := NewLocalRunner(nil, nil)

	fn := func(ctx context.Context, proc *Process) (*Result, error) {
		return &Result{ExitStatus: 0}, nil
	}

	if err := runner.Register("common.relax", fn); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	if err := runner.Register("common.relax", fn); err == nil {
		t.Error("Expected error for duplicate registration, got nil")
	}
}

func TestLocalRunner_Run_Workchain(t *testing.T) {
	runner := NewLocalRunner(nil, nil)

	err := runner.Register("echo", func(ctx context.Context, proc *Process) (*Result, error) {
		value, _ := proc.Input("message")
		return &Result{
			ExitStatus: 0,
			Outputs:    map[string]interface{}{"echoed": value},
		}, nil
	})
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	builder := NewBuilder("echo")
	if err := builder.Set("message", "hello"); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	result, err := runner.Run(context.Background(), builder)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if !result.Finished() {
		t.Fatalf("Expected finished result, got exit status %d", result.ExitStatus)
	}
	if echoed, ok := result.Output("echoed"); !ok || echoed != "hello" {
		t.Errorf("Expected echoed=hello, got %v", echoed)
	}
}

func TestLocalRunner_Run_CalcJobFallsThroughToExecutor(t *testing.T) {
	executor := newMockJobExecutor()
	runner := NewLocalRunner(executor, nil)

	builder := NewBuilder("quantum_espresso.pw")
	if err := builder.Set("code", "pw-7.2@localhost"); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	result, err := runner.Run(context.Background(), builder)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !result.Finished() {
		t.Fatalf("Expected finished result, got exit status %d", result.ExitStatus)
	}

	executed := executor.executedProcesses()
	if len(executed) != 1 || executed[0] != "quantum_espresso.pw" {
		t.Errorf("Expected executor to run quantum_espresso.pw, got %v", executed)
	}
}

func TestLocalRunner_Run_UnknownProcessWithoutExecutor(t *testing.T) {
	runner := NewLocalRunner(nil, nil)

	_, err := runner.Run(context.Background(), NewBuilder("unknown.process"))
	if err == nil {
		t.Fatal("Expected error for unknown process, got nil")
	}
	if !IsPermanent(err) {
		t.Error("Expected permanent error for unknown process")
	}
}

func TestLocalRunner_Submit_FutureResolves(t *testing.T) {
	runner := NewLocalRunner(nil, nil)

	err := runner.Register("fast", func(ctx context.Context, proc *Process) (*Result, error) {
		return &Result{ExitStatus: 0}, nil
	})
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	future, err := runner.Submit(context.Background(), NewBuilder("fast"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	result, err := future.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if !result.Finished() {
		t.Errorf("Expected finished result, got exit status %d", result.ExitStatus)
	}
}

func TestNewCalcJob_ExtractsCodeAndOptions(t *testing.T) {
	builder := NewBuilder("cp2k")
	if err := builder.Set("code", "cp2k-2024@hpc"); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	if err := builder.Set("metadata.options.max_wallclock_seconds", 1800); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	job := NewCalcJob(builder)

	if job.Code != "cp2k-2024@hpc" {
		t.Errorf("Expected code cp2k-2024@hpc, got %s", job.Code)
	}
	if job.Options["max_wallclock_seconds"] != 1800 {
		t.Errorf("Expected max_wallclock_seconds=1800, got %v", job.Options["max_wallclock_seconds"])
	}
	if job.ID == "" {
		t.Error("Expected a generated job ID")
	}
}
