package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/atomflow/atomflow/pkg/transports"
)

// SSHClient implements transports.Transport over an SSH connection.
type SSHClient struct {
	config *Config

	client      *ssh.Client
	connMu      sync.RWMutex
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
}

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &SSHClient{config: config}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		// Already connected, verify connection is still alive
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		// Connection is dead, close it and reconnect
		log.Warn().Msg("existing connection is dead, reconnecting")
		_ = c.client.Close()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &transports.TransportError{
			Op:          "connect",
			Err:         err,
			IsAuthError: true,
		}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	// Dial in a goroutine so the context can cut the wait short.
	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		return &transports.TransportError{
			Op:          "connect",
			Err:         ctx.Err(),
			IsTemporary: true,
		}
	case err := <-errChan:
		return &transports.TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: true,
		}
	case client := <-connChan:
		c.client = client
		c.isConnected = true
		c.connectedAt = time.Now()
		c.lastUsedAt = time.Now()

		if c.config.KeepAliveInterval > 0 {
			go c.keepAlive()
		}

		log.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

// Disconnect closes the SSH connection and releases all resources.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")

	err := c.client.Close()
	c.client = nil
	c.isConnected = false

	if err != nil {
		return &transports.TransportError{
			Op:  "disconnect",
			Err: err,
		}
	}

	return nil
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return &transports.TransportError{
			Op:  "health_check",
			Err: fmt.Errorf("not connected"),
		}
	}

	return c.healthCheckInternal()
}

// healthCheckInternal performs the actual health check (must be called with lock held).
func (c *SSHClient) healthCheckInternal() error {
	session, err := c.client.NewSession()
	if err != nil {
		return &transports.TransportError{
			Op:          "health_check",
			Err:         err,
			IsTemporary: true,
		}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &transports.TransportError{
			Op:          "health_check",
			Err:         err,
			IsTemporary: true,
		}
	}

	return nil
}

// Execute runs a command on the remote host in a fresh session. The working
// directory and environment are applied through a shell prefix because most
// sshd installations only AcceptEnv a fixed list of names. A non-zero exit
// code is reported in the result, not as an error.
func (c *SSHClient) Execute(ctx context.Context, req transports.ExecRequest) (*transports.ExecResult, error) {
	if req.Command == "" {
		return nil, &transports.TransportError{Op: "exec", Err: errors.New("command is empty")}
	}

	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	if req.Timeout == 0 {
		req.Timeout = c.config.CommandTimeout
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &transports.TransportError{
			Op:          "exec",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	finalCmd := buildCommand(req)

	log.Debug().Str("command", finalCmd).Str("host", c.config.Host).Msg("executing command")

	started := time.Now()
	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(finalCmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		// Ask nicely first, then force.
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}
	finished := time.Now()

	result := &transports.ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
	}

	if execErr != nil {
		if ctx.Err() != nil {
			return nil, &transports.TransportError{
				Op:          "exec",
				Err:         ctx.Err(),
				IsTemporary: true,
			}
		}
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, &transports.TransportError{
			Op:          "exec",
			Err:         execErr,
			IsTemporary: true,
		}
	}

	return result, nil
}

// buildCommand turns an ExecRequest into a single shell command line.
func buildCommand(req transports.ExecRequest) string {
	cmd := req.Command

	if len(req.Env) > 0 {
		keys := make([]string, 0, len(req.Env))
		for k := range req.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		exports := make([]string, 0, len(keys))
		for _, k := range keys {
			exports = append(exports, k+"="+transports.ShellQuote(req.Env[k]))
		}
		cmd = "export " + strings.Join(exports, " ") + " && " + cmd
	}

	if req.Dir != "" {
		cmd = "cd " + transports.ShellQuote(req.Dir) + " && " + cmd
	}

	return cmd
}

// StartCommand starts a long-running command with piped stdio. The caller
// owns the pipes and must invoke cleanup when done. This is how the agent
// protocol runs over a single SSH session.
func (c *SSHClient) StartCommand(ctx context.Context, cmd string) (stdin io.WriteCloser, stdout io.Reader, stderr io.Reader, cleanup func() error, err error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, nil, nil, nil, &transports.TransportError{
			Op:          "start_command",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}

	stdinPipe, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, nil, nil, &transports.TransportError{
			Op:          "start_command",
			Err:         fmt.Errorf("failed to create stdin pipe: %w", err),
			IsTemporary: true,
		}
	}

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, nil, nil, &transports.TransportError{
			Op:          "start_command",
			Err:         fmt.Errorf("failed to create stdout pipe: %w", err),
			IsTemporary: true,
		}
	}

	stderrPipe, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, nil, nil, nil, &transports.TransportError{
			Op:          "start_command",
			Err:         fmt.Errorf("failed to create stderr pipe: %w", err),
			IsTemporary: true,
		}
	}

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, nil, nil, nil, &transports.TransportError{
			Op:          "start_command",
			Err:         fmt.Errorf("failed to start command: %w", err),
			IsTemporary: true,
		}
	}

	cleanupFunc := func() error {
		return session.Close()
	}

	return stdinPipe, stdoutPipe, stderrPipe, cleanupFunc, nil
}

// keepAlive sends periodic keep-alive messages to keep the connection alive.
func (c *SSHClient) keepAlive() {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	maxRetries := c.config.MaxKeepAliveRetries

	for range ticker.C {
		c.connMu.RLock()
		if !c.isConnected || c.client == nil {
			c.connMu.RUnlock()
			return
		}
		client := c.client
		c.connMu.RUnlock()

		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		if err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= maxRetries {
				log.Error().Msg("keep-alive failed too many times, connection may be dead")
				return
			}
		} else {
			retries = 0
			c.touch()
		}
	}
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() transports.ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return transports.ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

// getClient returns the underlying SSH client.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.connMu.RLock()
	client := c.client
	connected := c.isConnected
	c.connMu.RUnlock()

	if !connected || client == nil {
		return nil, &transports.TransportError{
			Op:  "get_client",
			Err: fmt.Errorf("not connected"),
		}
	}

	c.touch()
	return client, nil
}

func (c *SSHClient) touch() {
	c.connMu.Lock()
	c.lastUsedAt = time.Now()
	c.connMu.Unlock()
}
