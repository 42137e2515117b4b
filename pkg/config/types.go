package config

import (
	"fmt"
	"strings"
	"time"
)

// Transport names accepted for a computer.
const (
	// TransportLocal runs jobs on the machine the CLI or daemon runs on.
	TransportLocal = "local"

	// TransportSSH runs jobs on a remote machine over SSH.
	TransportSSH = "ssh"
)

// Computer describes a machine that runs calculation jobs.
type Computer struct {
	// Name is the unique computer name referenced by codes.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Hostname is the address used to reach the computer. Required for the
	// ssh transport.
	Hostname string `json:"hostname,omitempty" yaml:"hostname,omitempty" validate:"required_if=Transport ssh"`

	// Transport selects how jobs reach the computer: local or ssh.
	Transport string `json:"transport" yaml:"transport" validate:"required,oneof=local ssh"`

	// WorkDir is the scratch directory that holds job directories.
	WorkDir string `json:"work_dir" yaml:"work_dir" validate:"required"`

	// SSH holds the connection settings for the ssh transport.
	SSH *SSHSettings `json:"ssh,omitempty" yaml:"ssh,omitempty"`

	// Agent enables stdio agent staging for ssh computers whose sshd
	// offers no SFTP subsystem. Nil stages over SFTP.
	Agent *AgentSettings `json:"agent,omitempty" yaml:"agent,omitempty"`
}

// SSHSettings holds per-computer SSH connection settings.
type SSHSettings struct {
	// User is the login user on the remote machine.
	User string `json:"user" yaml:"user" validate:"required"`

	// Port is the SSH port. Zero means 22.
	Port int `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	// KeyFile is the private key used for authentication. When empty the
	// transport falls back to the SSH agent.
	KeyFile string `json:"key_file,omitempty" yaml:"key_file,omitempty"`

	// KnownHosts is the known_hosts file used for host key verification.
	// When empty, host keys are not checked.
	KnownHosts string `json:"known_hosts,omitempty" yaml:"known_hosts,omitempty"`

	// ConnectTimeoutSeconds bounds connection establishment. Zero means 30.
	ConnectTimeoutSeconds int `json:"connect_timeout_seconds,omitempty" yaml:"connect_timeout_seconds,omitempty" validate:"omitempty,min=1"`
}

// ConnectTimeout returns the connection timeout as a duration.
func (s *SSHSettings) ConnectTimeout() time.Duration {
	if s == nil || s.ConnectTimeoutSeconds == 0 {
		return 30 * time.Second
	}
	return time.Duration(s.ConnectTimeoutSeconds) * time.Second
}

// AgentSettings holds the stdio agent staging settings for a computer.
type AgentSettings struct {
	// BinaryPath is the local path of the atomflow-agent binary streamed
	// to the computer at connect time. Empty expects the binary at
	// RemotePath already.
	BinaryPath string `json:"binary_path,omitempty" yaml:"binary_path,omitempty"`

	// RemotePath is where the agent lives on the computer. Empty means
	// /tmp/atomflow-agent.
	RemotePath string `json:"remote_path,omitempty" yaml:"remote_path,omitempty"`
}

// Code describes one installed quantum engine executable on a computer.
type Code struct {
	// Label is the short code label, unique per computer, e.g. "pw-7.2".
	Label string `json:"label" yaml:"label" validate:"required"`

	// Engine is the calculation job entry point the code serves, e.g.
	// "quantum_espresso.pw" or "phonopy.phonopy".
	Engine string `json:"engine" yaml:"engine" validate:"required"`

	// Computer names the computer the code is installed on.
	Computer string `json:"computer" yaml:"computer" validate:"required"`

	// Executable is the absolute path of the code binary on the computer.
	Executable string `json:"executable" yaml:"executable" validate:"required"`

	// PrependText is shell text run before the code command, typically
	// module loads and environment exports.
	PrependText string `json:"prepend_text,omitempty" yaml:"prepend_text,omitempty"`

	// MPIProcsPerMachine is the default MPI process count per machine when
	// the launch options do not set one.
	MPIProcsPerMachine int `json:"mpi_procs_per_machine,omitempty" yaml:"mpi_procs_per_machine,omitempty" validate:"omitempty,min=1"`
}

// FullLabel returns the label in the "label@computer" form used on the
// command line.
func (c *Code) FullLabel() string {
	return c.Label + "@" + c.Computer
}

// Config is the parsed codes and computers configuration.
type Config struct {
	// Computers lists the known computers.
	Computers []Computer `json:"computers,omitempty" yaml:"computers,omitempty" validate:"dive"`

	// Codes lists the configured codes.
	Codes []Code `json:"codes,omitempty" yaml:"codes,omitempty" validate:"dive"`
}

// ComputerFor returns the computer with the given name.
func (c *Config) ComputerFor(name string) (*Computer, error) {
	for i := range c.Computers {
		if c.Computers[i].Name == name {
			return &c.Computers[i], nil
		}
	}
	return nil, fmt.Errorf("computer %q is not configured", name)
}

// CodeFor resolves a code label of the form "label@computer" or a bare
// label when it is unambiguous, and returns the code with its computer.
func (c *Config) CodeFor(label string) (*Code, *Computer, error) {
	name, computer, qualified := strings.Cut(label, "@")
	if name == "" {
		return nil, nil, fmt.Errorf("empty code label")
	}

	var matches []*Code
	for i := range c.Codes {
		code := &c.Codes[i]
		if code.Label != name {
			continue
		}
		if qualified && code.Computer != computer {
			continue
		}
		matches = append(matches, code)
	}

	switch len(matches) {
	case 0:
		return nil, nil, fmt.Errorf("code %q is not configured", label)
	case 1:
	default:
		return nil, nil, fmt.Errorf("code label %q is ambiguous, qualify it as label@computer", label)
	}

	code := matches[0]
	machine, err := c.ComputerFor(code.Computer)
	if err != nil {
		return nil, nil, fmt.Errorf("code %q: %w", label, err)
	}
	return code, machine, nil
}

// FindByEngine returns the codes serving an entry point. The name matches
// exactly or as an entry point prefix, so "quantum_espresso" finds
// "quantum_espresso.pw".
func (c *Config) FindByEngine(engine string) []Code {
	var out []Code
	for _, code := range c.Codes {
		if code.Engine == engine || strings.HasPrefix(code.Engine, engine+".") {
			out = append(out, code)
		}
	}
	return out
}

// ValidationError describes one configuration validation failure.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Path is the configuration path to the error, e.g. "codes.1.engine".
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// Error renders the validation error with its location.
func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output is the global variables assigned by the script.
	Output map[string]interface{} `json:"output,omitempty"`

	// Inputs is the post-execution state of the predeclared input values.
	// Scripts may mutate input dicts in place; callers observe that here.
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
