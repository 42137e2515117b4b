// Package client drives a remote atomflow-agent over the stdio of an
// SSH session. It pushes the agent binary when asked, waits for the
// READY handshake, and exposes typed exec and file operations on top of
// the framed protocol.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atomflow/atomflow/pkg/agent/wire"
	"github.com/atomflow/atomflow/pkg/transports"
)

const (
	// DefaultRemotePath is where the agent binary lands when the
	// computer config does not name a path.
	DefaultRemotePath = "/tmp/atomflow-agent"

	// DefaultCommandTimeout bounds exec commands with no explicit
	// timeout. Relaxations routinely run for a working day, so the
	// ceiling is generous.
	DefaultCommandTimeout = 48 * time.Hour

	// fileOpTimeout bounds file writes and reads, which move at most
	// one frame in each direction.
	fileOpTimeout = 5 * time.Minute

	pushedMarker = "atomflow-agent-installed"
)

// Session starts commands on the remote host and hands back their stdio.
// *ssh.SSHClient satisfies it.
type Session interface {
	StartCommand(ctx context.Context, cmd string) (stdin io.WriteCloser, stdout io.Reader, stderr io.Reader, cleanup func() error, err error)
}

// Config describes how to reach and, if needed, install the agent.
type Config struct {
	// Session runs remote commands. Required.
	Session Session

	// BinaryPath is a local agent binary streamed to the remote host
	// before starting. Empty expects the binary at RemotePath already.
	BinaryPath string

	// RemotePath is where the agent binary lives on the remote host.
	RemotePath string

	// StartupTimeout bounds the wait for the READY handshake.
	StartupTimeout time.Duration
}

// Client is a connection to one running agent. A single stdio stream
// carries all frames, so commands are serialized: one command completes
// before the next is encoded.
type Client struct {
	cfg Config

	mu      sync.Mutex
	enc     *wire.Encoder
	dec     *wire.Decoder
	stdin   io.WriteCloser
	cleanup func() error
	ready   *wire.ReadyMessage
	started bool
	closed  bool
}

// New builds a client for the given session.
func New(cfg Config) (*Client, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = DefaultRemotePath
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	return &Client{cfg: cfg}, nil
}

// Start pushes the binary if configured, launches the agent, and waits
// for READY.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if c.started {
		return nil
	}

	cmd := transports.ShellQuote(c.cfg.RemotePath)
	if c.cfg.BinaryPath != "" {
		if err := c.push(ctx); err != nil {
			return fmt.Errorf("failed to install agent: %w", err)
		}
		// A pushed binary is session-scoped and cleans itself up. A
		// pre-installed one stays for the next session.
		cmd += " --self-delete"
	}

	stdin, stdout, stderr, cleanup, err := c.cfg.Session.StartCommand(ctx, cmd)
	if err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	// The agent writes frames to stdout only. Anything on stderr is
	// shell noise from login scripts and must not block the session.
	go io.Copy(io.Discard, stderr)

	c.stdin = stdin
	c.cleanup = cleanup
	c.enc = wire.NewEncoder(stdin)
	c.dec = wire.NewDecoder(stdout)

	ready, err := c.awaitReady(ctx)
	if err != nil {
		stdin.Close()
		cleanup()
		return err
	}
	c.ready = ready
	c.started = true
	return nil
}

// push streams the local binary to the remote path through a plain
// shell pipeline, so it works on hosts whose sshd has no SFTP subsystem.
func (c *Client) push(ctx context.Context) error {
	f, err := os.Open(c.cfg.BinaryPath)
	if err != nil {
		return fmt.Errorf("failed to open agent binary %s: %w", c.cfg.BinaryPath, err)
	}
	defer f.Close()

	quoted := transports.ShellQuote(c.cfg.RemotePath)
	cmd := fmt.Sprintf("cat > %s && chmod 0755 %s && echo %s", quoted, quoted, pushedMarker)

	stdin, stdout, _, cleanup, err := c.cfg.Session.StartCommand(ctx, cmd)
	if err != nil {
		return fmt.Errorf("failed to start install command: %w", err)
	}
	defer cleanup()

	if _, err := io.Copy(stdin, f); err != nil {
		stdin.Close()
		return fmt.Errorf("failed to stream agent binary: %w", err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("failed to finish upload: %w", err)
	}

	out, err := io.ReadAll(stdout)
	if err != nil {
		return fmt.Errorf("failed to read install confirmation: %w", err)
	}
	if !strings.Contains(string(out), pushedMarker) {
		return fmt.Errorf("remote install did not confirm: %q", string(out))
	}
	return nil
}

func (c *Client) awaitReady(ctx context.Context) (*wire.ReadyMessage, error) {
	readyCh := make(chan *wire.ReadyMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		msg, err := c.dec.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != wire.MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready wire.ReadyMessage
		if err := json.Unmarshal(msg.Data, &ready); err != nil {
			errCh <- fmt.Errorf("failed to unmarshal READY: %w", err)
			return
		}
		readyCh <- &ready
	}()

	timer := time.NewTimer(c.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for READY after %s", c.cfg.StartupTimeout)
	case err := <-errCh:
		return nil, fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		return ready, nil
	}
}

// Ready reports the handshake the agent announced, or nil before Start.
func (c *Client) Ready() *wire.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Exec runs a command on the remote host. A zero timeout gets
// DefaultCommandTimeout.
func (c *Client) Exec(ctx context.Context, params *wire.ExecParams, timeout time.Duration) (*wire.ExecResult, error) {
	return c.ExecWithEvents(ctx, params, timeout, nil)
}

// ExecWithEvents runs a command and forwards streamed output lines to
// onEvent as they arrive.
func (c *Client) ExecWithEvents(ctx context.Context, params *wire.ExecParams, timeout time.Duration, onEvent func(*wire.EventMessage)) (*wire.ExecResult, error) {
	done, err := c.run(ctx, wire.CommandTypeExec, params, timeout, onEvent)
	if err != nil {
		return nil, err
	}
	var result wire.ExecResult
	if err := json.Unmarshal(done.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal exec result: %w", err)
	}
	return &result, nil
}

// WriteFile stages content at the given remote path.
func (c *Client) WriteFile(ctx context.Context, path string, content []byte, mode string, makeParents bool) (*wire.FileWriteResult, error) {
	params := &wire.FileWriteParams{
		Path:        path,
		Content:     content,
		Mode:        mode,
		MakeParents: makeParents,
	}
	done, err := c.run(ctx, wire.CommandTypeFileWrite, params, fileOpTimeout, nil)
	if err != nil {
		return nil, err
	}
	var result wire.FileWriteResult
	if err := json.Unmarshal(done.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal write result: %w", err)
	}
	return &result, nil
}

// ReadFile retrieves a remote file. maxBytes zero or negative reads up
// to the protocol limit; the result reports truncation.
func (c *Client) ReadFile(ctx context.Context, path string, maxBytes int64) (*wire.FileReadResult, error) {
	params := &wire.FileReadParams{Path: path, MaxBytes: maxBytes}
	done, err := c.run(ctx, wire.CommandTypeFileRead, params, fileOpTimeout, nil)
	if err != nil {
		return nil, err
	}
	var result wire.FileReadResult
	if err := json.Unmarshal(done.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal read result: %w", err)
	}
	return &result, nil
}

// run encodes one command and pumps frames until its DONE or ERROR.
func (c *Client) run(ctx context.Context, cmdType wire.CommandType, params interface{}, timeout time.Duration, onEvent func(*wire.EventMessage)) (*wire.DoneMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("client is closed")
	}
	if !c.started {
		return nil, fmt.Errorf("client is not started")
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}

	cmd := &wire.CommandMessage{
		ID:      uuid.New().String(),
		Type:    cmdType,
		Timeout: secs,
		Params:  raw,
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	if err := c.enc.Encode(wire.MessageTypeCommand, cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, err := c.dec.Decode()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case wire.MessageTypeEvent:
			var evt wire.EventMessage
			if err := json.Unmarshal(msg.Data, &evt); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event: %w", err)
			}
			if onEvent != nil {
				onEvent(&evt)
			}

		case wire.MessageTypeDone:
			var done wire.DoneMessage
			if err := json.Unmarshal(msg.Data, &done); err != nil {
				return nil, fmt.Errorf("failed to unmarshal completion: %w", err)
			}
			if done.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID)
			}
			return &done, nil

		case wire.MessageTypeError:
			var agentErr wire.ErrorMessage
			if err := json.Unmarshal(msg.Data, &agentErr); err != nil {
				return nil, fmt.Errorf("failed to unmarshal error: %w", err)
			}
			if agentErr.Code == "TIMEOUT" {
				return nil, fmt.Errorf("command timed out after %ds: %w", secs, context.DeadlineExceeded)
			}
			return nil, fmt.Errorf("command failed: %s: %s", agentErr.Code, agentErr.Message)

		case wire.MessageTypeExit:
			return nil, fmt.Errorf("agent exited while a command was pending")

		default:
			return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

// Close shuts the agent down by closing its stdin. The agent exits and,
// when it was pushed this session, removes itself from the remote host.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	if c.stdin != nil {
		if err := c.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			firstErr = err
		}
	}
	if c.cleanup != nil {
		if err := c.cleanup(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
