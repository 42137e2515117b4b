package ssh

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/atomflow/atomflow/pkg/transports"
)

// testSSHServer provides a minimal SSH server for testing. Exec requests
// are answered with canned responses; the SFTP subsystem is real and serves
// the local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, privateKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			// Accept any public key for testing
			return nil, nil
		},
	}

	config.AddHostKey(privateKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}

	go server.serve()

	return server
}

func (s *testSSHServer) serve() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:]) // Skip the length prefix

			if req.WantReply {
				req.Reply(true, nil)
			}

			switch command {
			case "true":
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			case "echo test":
				channel.Write([]byte("test\n"))
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			case "echo error >&2":
				channel.Stderr().Write([]byte("error\n"))
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			case "exit 1":
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 1})
			case "hang":
				time.Sleep(5 * time.Second)
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			default:
				channel.Write([]byte("command: " + command + "\n"))
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			}

			return

		case "subsystem":
			if string(req.Payload[4:]) == "sftp" {
				if req.WantReply {
					req.Reply(true, nil)
				}
				server, err := sftp.NewServer(channel)
				if err != nil {
					return
				}
				server.Serve()
				return
			}
			if req.WantReply {
				req.Reply(false, nil)
			}

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) close() {
	close(s.done)
	s.listener.Close()
}

// generateTestKey generates a test SSH key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

// connectTestClient connects a password-authenticated client to the server.
func connectTestClient(t *testing.T, server *testSSHServer) *SSHClient {
	t.Helper()

	host, port := parseAddress(server.addr)

	cfg := DefaultConfig(host, "testuser")
	cfg.Port = port
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "testpass"
	cfg.StrictHostKeyChecking = false
	cfg.ConnectionTimeout = 5 * time.Second

	client, err := NewSSHClient(cfg)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Disconnect() })

	return client
}

func TestSSHClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectTestClient(t, server)

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	host, _ := parseAddress(server.addr)
	info := client.GetConnectionInfo()
	if info.Host != host {
		t.Errorf("expected host '%s', got '%s'", host, info.Host)
	}
	if info.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", info.User)
	}
}

func TestSSHClientHealthCheck(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectTestClient(t, server)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestSSHClientDisconnect(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectTestClient(t, server)

	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}

	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}

	if _, err := client.Execute(context.Background(), transports.ExecRequest{Command: "true"}); err == nil {
		t.Error("expected error executing on a disconnected client")
	}
}

func TestSSHClientExecute(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectTestClient(t, server)
	ctx := context.Background()

	t.Run("successful command", func(t *testing.T) {
		result, err := client.Execute(ctx, transports.ExecRequest{Command: "echo test"})
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}

		if got := strings.TrimSpace(result.Stdout); got != "test" {
			t.Errorf("expected stdout 'test', got '%s'", got)
		}
		if result.Stderr != "" {
			t.Errorf("expected empty stderr, got '%s'", result.Stderr)
		}
		if result.ExitCode != 0 {
			t.Errorf("expected exit code 0, got %d", result.ExitCode)
		}
	})

	t.Run("command with stderr", func(t *testing.T) {
		result, err := client.Execute(ctx, transports.ExecRequest{Command: "echo error >&2"})
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}

		if result.Stdout != "" {
			t.Errorf("expected empty stdout, got '%s'", result.Stdout)
		}
		if got := strings.TrimSpace(result.Stderr); got != "error" {
			t.Errorf("expected stderr 'error', got '%s'", got)
		}
	})

	t.Run("non-zero exit is not an error", func(t *testing.T) {
		result, err := client.Execute(ctx, transports.ExecRequest{Command: "exit 1"})
		if err != nil {
			t.Fatalf("expected no error for non-zero exit, got %v", err)
		}
		if result.ExitCode != 1 {
			t.Errorf("expected exit code 1, got %d", result.ExitCode)
		}
	})

	t.Run("dir and env become a shell prefix", func(t *testing.T) {
		result, err := client.Execute(ctx, transports.ExecRequest{
			Command: "pw.x builder.yaml",
			Dir:     "/scratch/job-1",
			Env:     map[string]string{"OMP_NUM_THREADS": "4", "ATOMFLOW_RUN": "run-1"},
		})
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}

		// The canned server echoes the command line it received.
		received := strings.TrimSpace(strings.TrimPrefix(result.Stdout, "command: "))
		expected := "cd '/scratch/job-1' && export ATOMFLOW_RUN='run-1' OMP_NUM_THREADS='4' && pw.x builder.yaml"
		if received != expected {
			t.Errorf("expected command %q, got %q", expected, received)
		}
	})
}

func TestSSHClientExecuteTimeout(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectTestClient(t, server)

	start := time.Now()
	_, err := client.Execute(context.Background(), transports.ExecRequest{
		Command: "hang",
		Timeout: 100 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected error for timed out command")
	}

	var terr *transports.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %T", err)
	}
	if !terr.IsTemporary {
		t.Error("expected timeout error to be temporary")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("command was not cancelled, took %v", elapsed)
	}
}

func TestSSHClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	host, port := parseAddress(server.addr)

	tmpDir := t.TempDir()
	keyPath := filepath.Join(tmpDir, "test_key")

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	keyBytes, err := marshalED25519PrivateKey(privKey)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	if err := os.WriteFile(keyPath, keyBytes, 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	cfg := DefaultConfig(host, "testuser")
	cfg.Port = port
	cfg.AuthMethod = AuthMethodKey
	cfg.PrivateKeyPath = keyPath
	cfg.StrictHostKeyChecking = false

	client, err := NewSSHClient(cfg)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
	defer client.Disconnect()

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestSSHClientFileTransfer(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectTestClient(t, server)
	ctx := context.Background()

	localDir := t.TempDir()
	remoteDir := t.TempDir()

	src := filepath.Join(localDir, "builder.yaml")
	content := "process: common_workflows.relax.quantum_espresso\n"
	if err := os.WriteFile(src, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write source file: %v", err)
	}

	remote := filepath.Join(remoteDir, "staged", "builder.yaml")
	if err := client.UploadFile(ctx, src, remote, 0o644); err != nil {
		t.Fatalf("failed to upload: %v", err)
	}

	got, err := os.ReadFile(remote)
	if err != nil {
		t.Fatalf("failed to read uploaded file: %v", err)
	}
	if string(got) != content {
		t.Errorf("uploaded content mismatch: %q", got)
	}

	sum, err := client.ComputeChecksum(ctx, remote)
	if err != nil {
		t.Fatalf("failed to compute checksum: %v", err)
	}
	local := transports.NewLocalTransport()
	want, err := local.ComputeChecksum(ctx, src)
	if err != nil {
		t.Fatalf("failed to compute local checksum: %v", err)
	}
	if sum != want {
		t.Errorf("checksum mismatch: %s != %s", sum, want)
	}

	back := filepath.Join(localDir, "back.yaml")
	if err := client.DownloadFile(ctx, remote, back); err != nil {
		t.Fatalf("failed to download: %v", err)
	}
	got, err = os.ReadFile(back)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(got) != content {
		t.Errorf("downloaded content mismatch: %q", got)
	}
}

func TestSSHClientDirectoryTransfer(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectTestClient(t, server)
	ctx := context.Background()

	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "scale_0"), 0o755); err != nil {
		t.Fatalf("failed to create subdirectory: %v", err)
	}
	files := map[string]string{
		"builder.yaml":         "process: common_workflows.relax.abinit\n",
		"structure.json":       `{"formula": "Si2"}`,
		"scale_0/results.json": `{"exit_status": 0}`,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(src, filepath.FromSlash(name)), []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}

	remote := filepath.Join(t.TempDir(), "job")
	if err := client.UploadDirectory(ctx, src, remote); err != nil {
		t.Fatalf("failed to upload directory: %v", err)
	}
	for name, content := range files {
		got, err := os.ReadFile(filepath.Join(remote, filepath.FromSlash(name)))
		if err != nil {
			t.Fatalf("missing uploaded file %s: %v", name, err)
		}
		if string(got) != content {
			t.Errorf("file %s: expected %q, got %q", name, content, got)
		}
	}

	round := filepath.Join(t.TempDir(), "results")
	if err := client.DownloadDirectory(ctx, remote, round); err != nil {
		t.Fatalf("failed to download directory: %v", err)
	}
	if _, err := os.Stat(filepath.Join(round, "scale_0", "results.json")); err != nil {
		t.Errorf("missing downloaded file: %v", err)
	}
}

func TestSSHClientStartCommand(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectTestClient(t, server)

	_, stdout, _, cleanup, err := client.StartCommand(context.Background(), "agent --stdio")
	if err != nil {
		t.Fatalf("failed to start command: %v", err)
	}
	defer cleanup()

	line, err := bufio.NewReader(stdout).ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	if strings.TrimSpace(line) != "command: agent --stdio" {
		t.Errorf("unexpected output %q", line)
	}
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
