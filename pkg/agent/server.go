package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/atomflow/atomflow/pkg/agent/handlers"
	"github.com/atomflow/atomflow/pkg/agent/wire"
)

// Server answers framed commands on a stdio pair until the controller
// closes its end. It is the remote half of agent staging: the executor
// streams the binary over the SSH session, starts it, and drives file
// and exec commands through stdin/stdout.
type Server struct {
	enc *wire.Encoder
	dec *wire.Decoder

	version    string
	selfDelete string

	exec      *handlers.ExecHandler
	fileWrite *handlers.FileWriteHandler
	fileRead  *handlers.FileReadHandler

	commands int
}

// NewServer builds a server reading commands from r and writing frames to w.
func NewServer(r io.Reader, w io.Writer) *Server {
	return &Server{
		enc:       wire.NewEncoder(w),
		dec:       wire.NewDecoder(r),
		version:   "dev",
		exec:      &handlers.ExecHandler{},
		fileWrite: &handlers.FileWriteHandler{},
		fileRead:  &handlers.FileReadHandler{},
	}
}

// WithVersion sets the version reported in the READY message.
func (s *Server) WithVersion(version string) *Server {
	s.version = version
	return s
}

// WithSelfDelete removes the given path when the server exits, so a
// pushed binary does not accumulate on the remote host.
func (s *Server) WithSelfDelete(path string) *Server {
	s.selfDelete = path
	return s
}

// Run announces READY, serves commands until stdin closes or the context
// is cancelled, then reports EXIT. Jobs can run for hours, so there is
// no idle timeout: the controller owns the lifetime through stdin.
func (s *Server) Run(ctx context.Context) error {
	ready := &wire.ReadyMessage{
		Version:  s.version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps: map[string]bool{
			string(wire.CommandTypeExec):      true,
			string(wire.CommandTypeFileWrite): true,
			string(wire.CommandTypeFileRead):  true,
		},
	}
	if err := s.enc.EncodeReady(ready); err != nil {
		return fmt.Errorf("failed to announce readiness: %w", err)
	}

	reason := "context_cancelled"
	exitCode := 0
	var runErr error

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		default:
		}

		cmd, err := s.dec.DecodeCommand()
		if err != nil {
			if errors.Is(err, io.EOF) {
				reason = "stdin_closed"
				break loop
			}
			s.enc.EncodeError(&wire.ErrorMessage{
				Code:    "PROTOCOL_ERROR",
				Message: err.Error(),
			})
			reason = "protocol_error"
			exitCode = 1
			runErr = err
			break loop
		}

		s.commands++
		s.handle(ctx, cmd)
	}

	exit := &wire.ExitMessage{
		Reason:        reason,
		ExitCode:      exitCode,
		CommandsTotal: s.commands,
	}
	if s.selfDelete != "" {
		exit.SelfDeleted = os.Remove(s.selfDelete) == nil
	}
	if err := s.enc.EncodeExit(exit); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to report exit: %w", err)
	}
	return runErr
}

// handle runs one command to completion and writes its DONE or ERROR
// frame. Streamed events are drained before the completion frame so the
// encoder never has two writers and the client sees events first.
func (s *Server) handle(ctx context.Context, cmd *wire.CommandMessage) {
	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	events := make(chan *wire.EventMessage, 16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for evt := range events {
			if evt.CommandID == "" {
				evt.CommandID = cmd.ID
			}
			s.enc.EncodeEvent(evt)
		}
	}()

	started := time.Now()
	result, err := s.dispatch(cmdCtx, cmd, events)
	close(events)
	wg.Wait()

	if err != nil {
		msg := &wire.ErrorMessage{
			CommandID: cmd.ID,
			Code:      errorCode(cmd.Type),
			Message:   err.Error(),
		}
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			msg.Code = "TIMEOUT"
			msg.Retryable = true
		}
		s.enc.EncodeError(msg)
		return
	}

	s.enc.EncodeDone(&wire.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  time.Since(started).Seconds(),
	})
}

func (s *Server) dispatch(ctx context.Context, cmd *wire.CommandMessage, events chan<- *wire.EventMessage) (json.RawMessage, error) {
	switch cmd.Type {
	case wire.CommandTypeExec:
		var params wire.ExecParams
		if err := wire.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		result, err := s.exec.Handle(ctx, &params, events)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case wire.CommandTypeFileWrite:
		var params wire.FileWriteParams
		if err := wire.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		result, err := s.fileWrite.Handle(ctx, &params, events)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case wire.CommandTypeFileRead:
		var params wire.FileReadParams
		if err := wire.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		result, err := s.fileRead.Handle(ctx, &params, events)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	default:
		return nil, fmt.Errorf("unsupported command type: %s", cmd.Type)
	}
}

func errorCode(t wire.CommandType) string {
	switch t {
	case wire.CommandTypeExec:
		return "EXEC_FAILED"
	case wire.CommandTypeFileWrite:
		return "FILE_WRITE_FAILED"
	case wire.CommandTypeFileRead:
		return "FILE_READ_FAILED"
	default:
		return "COMMAND_FAILED"
	}
}
