package agent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atomflow/atomflow/pkg/config"
	"github.com/atomflow/atomflow/pkg/transports"
)

// fakeConn stands in for an SSH connection. Starting the agent command
// runs a real Server over in-memory pipes, so file and exec commands
// land on the local filesystem.
type fakeConn struct {
	connected bool
	pushed    bytes.Buffer
	pushCmd   string
	startCmd  string
}

func (f *fakeConn) Connect(ctx context.Context) error { f.connected = true; return nil }
func (f *fakeConn) Disconnect() error                 { f.connected = false; return nil }
func (f *fakeConn) IsConnected() bool                 { return f.connected }

func (f *fakeConn) HealthCheck(ctx context.Context) error {
	if !f.connected {
		return fmt.Errorf("not connected")
	}
	return nil
}

func (f *fakeConn) GetConnectionInfo() transports.ConnectionInfo {
	return transports.ConnectionInfo{Host: "cluster.example.org", User: "ci"}
}

func (f *fakeConn) StartCommand(ctx context.Context, cmd string) (io.WriteCloser, io.Reader, io.Reader, func() error, error) {
	if strings.HasPrefix(cmd, "cat > ") {
		f.pushCmd = cmd
		outR, outW := io.Pipe()
		return &installSink{buf: &f.pushed, out: outW}, outR, strings.NewReader(""), func() error { return nil }, nil
	}

	f.startCmd = cmd
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		NewServer(inR, outW).Run(context.Background())
		outW.Close()
	}()
	return inW, outR, strings.NewReader(""), func() error { return nil }, nil
}

type installSink struct {
	buf *bytes.Buffer
	out *io.PipeWriter
}

func (s *installSink) Write(b []byte) (int, error) { return s.buf.Write(b) }

func (s *installSink) Close() error {
	go func() {
		s.out.Write([]byte("atomflow-agent-installed\n"))
		s.out.Close()
	}()
	return nil
}

func connectedTransport(t *testing.T) *Transport {
	t.Helper()

	tr := NewTransport(&fakeConn{}, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { tr.Disconnect() })
	return tr
}

func TestTransportExecute(t *testing.T) {
	tr := connectedTransport(t)

	result, err := tr.Execute(context.Background(), transports.ExecRequest{Command: "echo scf done"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ExitCode != 0 || result.Stdout != "scf done\n" {
		t.Errorf("Expected clean echo, got exit %d stdout %q", result.ExitCode, result.Stdout)
	}
	if result.StartedAt.IsZero() || result.FinishedAt.Before(result.StartedAt) {
		t.Error("Expected coherent timestamps")
	}
}

func TestTransportExecuteNonZeroExit(t *testing.T) {
	tr := connectedTransport(t)

	result, err := tr.Execute(context.Background(), transports.ExecRequest{Command: "exit 7"})
	if err != nil {
		t.Fatalf("A non-zero exit is a normal result, got error: %v", err)
	}
	if result.ExitCode != 7 {
		t.Errorf("Expected exit 7, got %d", result.ExitCode)
	}
}

func TestTransportFileRoundTrip(t *testing.T) {
	tr := connectedTransport(t)

	content := []byte(`{"structure": "Si2"}`)
	local := filepath.Join(t.TempDir(), "structure.json")
	if err := os.WriteFile(local, content, 0o644); err != nil {
		t.Fatalf("Failed to seed file: %v", err)
	}
	remote := filepath.Join(t.TempDir(), "stage", "structure.json")

	if err := tr.UploadFile(context.Background(), local, remote, 0o600); err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}
	info, err := os.Stat(remote)
	if err != nil {
		t.Fatalf("Failed to stat uploaded file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected mode 0600, got %04o", info.Mode().Perm())
	}

	sum := sha256.Sum256(content)
	checksum, err := tr.ComputeChecksum(context.Background(), remote)
	if err != nil {
		t.Fatalf("ComputeChecksum failed: %v", err)
	}
	if checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("Checksum mismatch: got %s", checksum)
	}

	back := filepath.Join(t.TempDir(), "back", "structure.json")
	if err := tr.DownloadFile(context.Background(), remote, back); err != nil {
		t.Fatalf("DownloadFile failed: %v", err)
	}
	got, err := os.ReadFile(back)
	if err != nil {
		t.Fatalf("Failed to read downloaded file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Content mismatch: got %q", got)
	}
}

func TestTransportDirectoryRoundTrip(t *testing.T) {
	tr := connectedTransport(t)

	local := t.TempDir()
	if err := os.MkdirAll(filepath.Join(local, "pseudos"), 0o755); err != nil {
		t.Fatalf("Failed to build tree: %v", err)
	}
	files := map[string]string{
		"run.sh":         "#!/bin/sh\n",
		"pseudos/Si.upf": "<UPF/>\n",
		"a.txt":          "alpha\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(local, name), []byte(body), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}

	remote := filepath.Join(t.TempDir(), "job-001")
	if err := tr.UploadDirectory(context.Background(), local, remote); err != nil {
		t.Fatalf("UploadDirectory failed: %v", err)
	}

	back := filepath.Join(t.TempDir(), "retrieved")
	if err := tr.DownloadDirectory(context.Background(), remote, back); err != nil {
		t.Fatalf("DownloadDirectory failed: %v", err)
	}

	for name, body := range files {
		got, err := os.ReadFile(filepath.Join(back, name))
		if err != nil {
			t.Fatalf("Missing %s after round trip: %v", name, err)
		}
		if string(got) != body {
			t.Errorf("Content mismatch for %s: got %q", name, got)
		}
	}
}

func TestTransportPushesBinary(t *testing.T) {
	binary := filepath.Join(t.TempDir(), "atomflow-agent")
	content := []byte("fake elf")
	if err := os.WriteFile(binary, content, 0o755); err != nil {
		t.Fatalf("Failed to seed binary: %v", err)
	}

	conn := &fakeConn{}
	tr := NewTransport(conn, &config.AgentSettings{BinaryPath: binary, RemotePath: "/tmp/agent-y"})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Disconnect()

	if !bytes.Equal(conn.pushed.Bytes(), content) {
		t.Errorf("Pushed bytes mismatch: got %q", conn.pushed.Bytes())
	}
	if !strings.Contains(conn.startCmd, "--self-delete") {
		t.Errorf("Expected a self-deleting start, got %q", conn.startCmd)
	}
}

func TestTransportRequiresConnect(t *testing.T) {
	tr := NewTransport(&fakeConn{}, nil)

	_, err := tr.Execute(context.Background(), transports.ExecRequest{Command: "echo"})
	if err == nil {
		t.Fatal("Expected error before Connect")
	}
	var terr *transports.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Expected a TransportError, got %T", err)
	}
}

func TestTransportDisconnect(t *testing.T) {
	tr := connectedTransport(t)

	if !tr.IsConnected() {
		t.Fatal("Expected connected transport")
	}
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if tr.IsConnected() {
		t.Error("Expected disconnected transport")
	}
}
