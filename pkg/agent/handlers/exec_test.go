package handlers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atomflow/atomflow/pkg/agent/wire"
)

func TestExecHandlerCapturesOutput(t *testing.T) {
	h := &ExecHandler{}

	result, err := h.Handle(context.Background(), &wire.ExecParams{
		Command:    "echo total energy",
		CaptureOut: true,
		CaptureErr: true,
	}, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if result.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", result.ExitCode)
	}
	if result.Stdout != "total energy\n" {
		t.Errorf("Expected stdout %q, got %q", "total energy\n", result.Stdout)
	}
	if result.Duration <= 0 {
		t.Error("Expected a positive duration")
	}
}

func TestExecHandlerExitCode(t *testing.T) {
	h := &ExecHandler{}

	result, err := h.Handle(context.Background(), &wire.ExecParams{
		Command:    "exit 3",
		CaptureOut: true,
		CaptureErr: true,
	}, nil)
	if err != nil {
		t.Fatalf("A non-zero exit is a normal result, got error: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", result.ExitCode)
	}
}

func TestExecHandlerMissingCommand(t *testing.T) {
	h := &ExecHandler{}

	if _, err := h.Handle(context.Background(), &wire.ExecParams{}, nil); err == nil {
		t.Error("Expected error for empty command")
	}
}

func TestExecHandlerRunsInDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("staged\n"), 0o644); err != nil {
		t.Fatalf("Failed to write marker: %v", err)
	}

	h := &ExecHandler{}
	result, err := h.Handle(context.Background(), &wire.ExecParams{
		Command:    "cat marker.txt",
		Dir:        dir,
		CaptureOut: true,
	}, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if result.Stdout != "staged\n" {
		t.Errorf("Expected the command to run in the job directory, got stdout %q", result.Stdout)
	}
}

func TestExecHandlerExtendsEnvironment(t *testing.T) {
	h := &ExecHandler{}

	result, err := h.Handle(context.Background(), &wire.ExecParams{
		Command:    "echo $ATOMFLOW_TEST_VALUE and $PATH",
		Env:        map[string]string{"ATOMFLOW_TEST_VALUE": "42"},
		CaptureOut: true,
	}, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if result.Stdout == "42 and \n" {
		t.Error("Expected the inherited environment to survive alongside extra variables")
	}
	if len(result.Stdout) < len("42 and ") || result.Stdout[:7] != "42 and " {
		t.Errorf("Expected stdout to start with the extra variable, got %q", result.Stdout)
	}
}

func TestExecHandlerStreamsLines(t *testing.T) {
	h := &ExecHandler{}
	events := make(chan *wire.EventMessage, 16)

	result, err := h.Handle(context.Background(), &wire.ExecParams{
		Command:     "printf 'step 1\nstep 2\n'",
		CaptureOut:  true,
		StreamLines: true,
	}, events)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	close(events)

	var lines []string
	for evt := range events {
		if evt.Stream != "stdout" {
			t.Errorf("Expected stream stdout, got %q", evt.Stream)
		}
		lines = append(lines, evt.Message)
	}
	if len(lines) != 2 || lines[0] != "step 1" || lines[1] != "step 2" {
		t.Errorf("Expected streamed lines [step 1, step 2], got %v", lines)
	}
	if result.Stdout != "step 1\nstep 2\n" {
		t.Errorf("Expected capture alongside streaming, got %q", result.Stdout)
	}
}

func TestExecHandlerTimeout(t *testing.T) {
	h := &ExecHandler{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := h.Handle(ctx, &wire.ExecParams{Command: "sleep 5"}, nil); err == nil {
		t.Error("Expected error when the deadline kills the command")
	}
}
