package agent

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atomflow/atomflow/pkg/agent/wire"
)

// startServer runs a server over pipe pairs and returns the controller
// side of the conversation.
func startServer(t *testing.T) (*wire.Encoder, *wire.Decoder, func() error, <-chan error) {
	t.Helper()

	cmdR, cmdW := io.Pipe()
	respR, respW := io.Pipe()

	server := NewServer(cmdR, respW).WithVersion("test")
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(context.Background())
		respW.Close()
	}()

	return wire.NewEncoder(cmdW), wire.NewDecoder(respR), cmdW.Close, errCh
}

func sendCommand(t *testing.T, enc *wire.Encoder, id string, cmdType wire.CommandType, timeout int, params interface{}) {
	t.Helper()

	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("Failed to marshal params: %v", err)
	}
	cmd := &wire.CommandMessage{ID: id, Type: cmdType, Timeout: timeout, Params: raw}
	if err := enc.Encode(wire.MessageTypeCommand, cmd); err != nil {
		t.Fatalf("Failed to send command: %v", err)
	}
}

func expectReady(t *testing.T, dec *wire.Decoder) *wire.ReadyMessage {
	t.Helper()

	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Failed to decode READY: %v", err)
	}
	if msg.Type != wire.MessageTypeReady {
		t.Fatalf("Expected READY, got %s", msg.Type)
	}
	var ready wire.ReadyMessage
	if err := json.Unmarshal(msg.Data, &ready); err != nil {
		t.Fatalf("Failed to unmarshal READY: %v", err)
	}
	return &ready
}

func awaitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Server did not exit")
		return nil
	}
}

// shutdownServer closes the command stream and drains frames until the
// server's EXIT, so its write side never blocks on the pipe.
func shutdownServer(t *testing.T, dec *wire.Decoder, closeStdin func() error, errCh <-chan error) error {
	t.Helper()

	closeStdin()
	for {
		msg, err := dec.Decode()
		if err != nil || msg.Type == wire.MessageTypeExit {
			break
		}
	}
	return awaitRun(t, errCh)
}

func TestServerExecRoundTrip(t *testing.T) {
	enc, dec, closeStdin, errCh := startServer(t)

	ready := expectReady(t, dec)
	if ready.Version != "test" {
		t.Errorf("Expected version test, got %s", ready.Version)
	}
	if !ready.Caps["exec"] || !ready.Caps["file.write"] || !ready.Caps["file.read"] {
		t.Errorf("Expected exec and file capabilities, got %v", ready.Caps)
	}

	sendCommand(t, enc, "cmd-1", wire.CommandTypeExec, 30, &wire.ExecParams{
		Command:    "echo relaxed",
		CaptureOut: true,
	})

	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if msg.Type != wire.MessageTypeDone {
		t.Fatalf("Expected DONE, got %s", msg.Type)
	}
	var done wire.DoneMessage
	if err := json.Unmarshal(msg.Data, &done); err != nil {
		t.Fatalf("Failed to unmarshal DONE: %v", err)
	}
	if done.CommandID != "cmd-1" {
		t.Errorf("Expected command ID cmd-1, got %s", done.CommandID)
	}
	var result wire.ExecResult
	if err := json.Unmarshal(done.Result, &result); err != nil {
		t.Fatalf("Failed to unmarshal result: %v", err)
	}
	if result.ExitCode != 0 || result.Stdout != "relaxed\n" {
		t.Errorf("Expected clean echo, got exit %d stdout %q", result.ExitCode, result.Stdout)
	}

	closeStdin()

	msg, err = dec.Decode()
	if err != nil {
		t.Fatalf("Failed to decode EXIT: %v", err)
	}
	if msg.Type != wire.MessageTypeExit {
		t.Fatalf("Expected EXIT, got %s", msg.Type)
	}
	var exit wire.ExitMessage
	if err := json.Unmarshal(msg.Data, &exit); err != nil {
		t.Fatalf("Failed to unmarshal EXIT: %v", err)
	}
	if exit.Reason != "stdin_closed" {
		t.Errorf("Expected reason stdin_closed, got %s", exit.Reason)
	}
	if exit.CommandsTotal != 1 {
		t.Errorf("Expected 1 command, got %d", exit.CommandsTotal)
	}

	if err := awaitRun(t, errCh); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
}

func TestServerStreamsEventsBeforeDone(t *testing.T) {
	enc, dec, closeStdin, errCh := startServer(t)
	defer shutdownServer(t, dec, closeStdin, errCh)

	expectReady(t, dec)

	sendCommand(t, enc, "cmd-2", wire.CommandTypeExec, 30, &wire.ExecParams{
		Command:     "printf 'scf step 1\nscf step 2\n'",
		CaptureOut:  true,
		StreamLines: true,
	})

	var lines []string
	for {
		msg, err := dec.Decode()
		if err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if msg.Type == wire.MessageTypeEvent {
			var evt wire.EventMessage
			if err := json.Unmarshal(msg.Data, &evt); err != nil {
				t.Fatalf("Failed to unmarshal event: %v", err)
			}
			if evt.CommandID != "cmd-2" {
				t.Errorf("Expected event for cmd-2, got %s", evt.CommandID)
			}
			lines = append(lines, evt.Message)
			continue
		}
		if msg.Type != wire.MessageTypeDone {
			t.Fatalf("Expected DONE after events, got %s", msg.Type)
		}
		break
	}

	if len(lines) != 2 || lines[0] != "scf step 1" || lines[1] != "scf step 2" {
		t.Errorf("Expected two streamed lines, got %v", lines)
	}
}

func TestServerFileRoundTrip(t *testing.T) {
	enc, dec, closeStdin, errCh := startServer(t)

	expectReady(t, dec)

	target := filepath.Join(t.TempDir(), "stage", "results.json")
	content := []byte(`{"total_energy": -155.2}`)

	sendCommand(t, enc, "w-1", wire.CommandTypeFileWrite, 60, &wire.FileWriteParams{
		Path:        target,
		Content:     content,
		MakeParents: true,
	})

	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Failed to decode write response: %v", err)
	}
	if msg.Type != wire.MessageTypeDone {
		t.Fatalf("Expected DONE, got %s", msg.Type)
	}
	var done wire.DoneMessage
	if err := json.Unmarshal(msg.Data, &done); err != nil {
		t.Fatalf("Failed to unmarshal DONE: %v", err)
	}
	var wrote wire.FileWriteResult
	if err := json.Unmarshal(done.Result, &wrote); err != nil {
		t.Fatalf("Failed to unmarshal write result: %v", err)
	}
	if !wrote.Created {
		t.Error("Expected Created for a new file")
	}

	sendCommand(t, enc, "r-1", wire.CommandTypeFileRead, 60, &wire.FileReadParams{Path: target})

	msg, err = dec.Decode()
	if err != nil {
		t.Fatalf("Failed to decode read response: %v", err)
	}
	if err := json.Unmarshal(msg.Data, &done); err != nil {
		t.Fatalf("Failed to unmarshal DONE: %v", err)
	}
	var read wire.FileReadResult
	if err := json.Unmarshal(done.Result, &read); err != nil {
		t.Fatalf("Failed to unmarshal read result: %v", err)
	}
	if string(read.Content) != string(content) {
		t.Errorf("Content mismatch: got %q", read.Content)
	}
	if read.Checksum != wrote.Checksum {
		t.Errorf("Expected matching checksums, got %s and %s", wrote.Checksum, read.Checksum)
	}

	if err := shutdownServer(t, dec, closeStdin, errCh); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
}

func TestServerCommandTimeout(t *testing.T) {
	enc, dec, closeStdin, errCh := startServer(t)
	defer shutdownServer(t, dec, closeStdin, errCh)

	expectReady(t, dec)

	sendCommand(t, enc, "slow-1", wire.CommandTypeExec, 1, &wire.ExecParams{Command: "sleep 5"})

	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if msg.Type != wire.MessageTypeError {
		t.Fatalf("Expected ERROR, got %s", msg.Type)
	}
	var agentErr wire.ErrorMessage
	if err := json.Unmarshal(msg.Data, &agentErr); err != nil {
		t.Fatalf("Failed to unmarshal error: %v", err)
	}
	if agentErr.Code != "TIMEOUT" {
		t.Errorf("Expected code TIMEOUT, got %s", agentErr.Code)
	}
	if !agentErr.Retryable {
		t.Error("Expected timeout to be retryable")
	}
}

func TestServerProtocolError(t *testing.T) {
	enc, dec, _, errCh := startServer(t)

	expectReady(t, dec)

	// pkg.ensure is not a staging command, so decode rejects it.
	sendCommand(t, enc, "bad-1", wire.CommandType("pkg.ensure"), 30, map[string]string{"name": "vim"})

	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if msg.Type != wire.MessageTypeError {
		t.Fatalf("Expected ERROR, got %s", msg.Type)
	}
	var agentErr wire.ErrorMessage
	if err := json.Unmarshal(msg.Data, &agentErr); err != nil {
		t.Fatalf("Failed to unmarshal error: %v", err)
	}
	if agentErr.Code != "PROTOCOL_ERROR" {
		t.Errorf("Expected code PROTOCOL_ERROR, got %s", agentErr.Code)
	}

	msg, err = dec.Decode()
	if err != nil {
		t.Fatalf("Failed to decode EXIT: %v", err)
	}
	if msg.Type != wire.MessageTypeExit {
		t.Fatalf("Expected EXIT, got %s", msg.Type)
	}
	var exit wire.ExitMessage
	if err := json.Unmarshal(msg.Data, &exit); err != nil {
		t.Fatalf("Failed to unmarshal EXIT: %v", err)
	}
	if exit.Reason != "protocol_error" || exit.ExitCode != 1 {
		t.Errorf("Expected protocol_error exit 1, got %s %d", exit.Reason, exit.ExitCode)
	}

	if err := awaitRun(t, errCh); err == nil {
		t.Error("Expected Run() to report the protocol error")
	}
}

func TestServerSelfDelete(t *testing.T) {
	binary := filepath.Join(t.TempDir(), "atomflow-agent")
	if err := os.WriteFile(binary, []byte("fake"), 0o755); err != nil {
		t.Fatalf("Failed to seed binary: %v", err)
	}

	cmdR, cmdW := io.Pipe()
	respR, respW := io.Pipe()
	server := NewServer(cmdR, respW).WithSelfDelete(binary)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(context.Background())
		respW.Close()
	}()

	dec := wire.NewDecoder(respR)
	expectReady(t, dec)
	cmdW.Close()

	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Failed to decode EXIT: %v", err)
	}
	var exit wire.ExitMessage
	if err := json.Unmarshal(msg.Data, &exit); err != nil {
		t.Fatalf("Failed to unmarshal EXIT: %v", err)
	}
	if !exit.SelfDeleted {
		t.Error("Expected SelfDeleted")
	}
	if _, err := os.Stat(binary); !os.IsNotExist(err) {
		t.Error("Expected binary to be removed")
	}
	awaitRun(t, errCh)
}
