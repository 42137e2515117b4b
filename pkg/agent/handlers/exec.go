// Package handlers implements the commands the agent serves: running a
// code command in its job directory and staging files in and out.
package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/atomflow/atomflow/pkg/agent/wire"
)

// ExecHandler runs a code command.
type ExecHandler struct{}

// Handle executes the command. A command that ran and exited non-zero is
// a normal result carrying its exit status; errors mean the command could
// not be run at all.
func (h *ExecHandler) Handle(ctx context.Context, params *wire.ExecParams, events chan<- *wire.EventMessage) (*wire.ExecResult, error) {
	if params.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	shell := params.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	var cmd *exec.Cmd
	if len(params.Args) > 0 {
		cmd = exec.CommandContext(ctx, params.Command, params.Args...)
	} else {
		cmd = exec.CommandContext(ctx, shell, "-c", params.Command)
	}

	if params.Dir != "" {
		cmd.Dir = params.Dir
	}

	// Codes need the login environment (PATH, module setup), so extra
	// variables extend it rather than replace it.
	if len(params.Env) > 0 {
		env := os.Environ()
		for k, v := range params.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	var streams []*lineStreamer
	attach := func(buf *bytes.Buffer, name string) {
		var w io.Writer = buf
		if params.StreamLines && events != nil {
			s := &lineStreamer{events: events, stream: name}
			streams = append(streams, s)
			w = io.MultiWriter(buf, s)
		}
		if name == "stdout" {
			cmd.Stdout = w
		} else {
			cmd.Stderr = w
		}
	}
	if params.CaptureOut || params.StreamLines {
		attach(&stdout, "stdout")
	}
	if params.CaptureErr || params.StreamLines {
		attach(&stderr, "stderr")
	}

	start := time.Now()
	err := cmd.Run()
	for _, s := range streams {
		s.flush()
	}

	result := &wire.ExecResult{
		Duration: time.Since(start).Seconds(),
	}
	if params.CaptureOut {
		result.Stdout = stdout.String()
	}
	if params.CaptureErr {
		result.Stderr = stderr.String()
	}

	if err != nil {
		// A process killed by the context deadline also surfaces as an
		// ExitError, so the context is checked first.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	return result, nil
}

// lineStreamer splits a write stream into lines and emits each one as a
// progress event.
type lineStreamer struct {
	events chan<- *wire.EventMessage
	stream string
	buf    bytes.Buffer
}

func (s *lineStreamer) Write(p []byte) (int, error) {
	s.buf.Write(p)
	for {
		line, err := s.buf.ReadString('\n')
		if err != nil {
			// Partial line; keep it for the next write.
			s.buf.WriteString(line)
			break
		}
		s.emit(strings.TrimRight(line, "\n"))
	}
	return len(p), nil
}

// flush emits any trailing output that did not end in a newline.
func (s *lineStreamer) flush() {
	if s.buf.Len() > 0 {
		s.emit(strings.TrimRight(s.buf.String(), "\n"))
		s.buf.Reset()
	}
}

func (s *lineStreamer) emit(line string) {
	s.events <- &wire.EventMessage{
		Level:   "info",
		Message: line,
		Stream:  s.stream,
	}
}
