package config

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for configuration validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

// registerBuiltInSchemas registers the computer, code and config schemas.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	sr.RegisterSchema("computer", builtinComputerSchema, "#Computer")
	sr.RegisterSchema("code", builtinCodeSchema, "#Code")
	sr.RegisterSchema("config", builtinConfigSchema, "#Config")
}

// RegisterSchema compiles a CUE schema and registers the named definition.
func (sr *SchemaRegistry) RegisterSchema(name, schema, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// ValidateComputer validates a computer entry against the computer schema.
func (sr *SchemaRegistry) ValidateComputer(ctx context.Context, computer Computer) error {
	return sr.ValidateAgainstSchema(ctx, "computer", computer)
}

// ValidateCode validates a code entry against the code schema.
func (sr *SchemaRegistry) ValidateCode(ctx context.Context, code Code) error {
	return sr.ValidateAgainstSchema(ctx, "code", code)
}

// Built-in schema definitions. Each schema string is self-contained so it
// compiles without references into the others.

const builtinComputerSchema = `
// Computer schema for machines that run calculation jobs
#Computer: {
	// Name is the unique computer name referenced by codes
	name: string & =~"^[a-zA-Z0-9_-]+$"

	// Hostname is the address used to reach the computer
	hostname?: string

	// Transport selects how jobs reach the computer
	transport: "local" | "ssh"

	// WorkDir is the scratch directory holding job directories
	work_dir: string

	// SSH holds connection settings for the ssh transport
	ssh?: {
		user: string
		port?: int & >0 & <65536
		key_file?: string
		known_hosts?: string
		connect_timeout_seconds?: int & >0
	}

	// Agent enables stdio staging for sshd setups without SFTP
	agent?: {
		binary_path?: string
		remote_path?: string
	}

	if transport == "ssh" {
		hostname: string
		ssh: {user: string}
	}
}
`

const builtinCodeSchema = `
// Code schema for installed quantum engine executables
#Code: {
	// Label is the short code label, unique per computer
	label: string & =~"^[a-zA-Z0-9._+-]+$"

	// Engine is the calculation job entry point the code serves
	engine: string & =~"^[a-z0-9_]+\\.[a-z0-9_]+$"

	// Computer names the computer the code is installed on
	computer: string & =~"^[a-zA-Z0-9_-]+$"

	// Executable is the path of the code binary on the computer
	executable: string

	// PrependText is shell text run before the code command
	prepend_text?: string

	// MPIProcsPerMachine is the default MPI process count per machine
	mpi_procs_per_machine?: int & >0
}
`

const builtinConfigSchema = `
// Config schema for the codes and computers file
#Config: {
	computers?: [...#Computer]
	codes?: [...#Code]
}

#Computer: {
	name: string & =~"^[a-zA-Z0-9_-]+$"
	hostname?: string
	transport: "local" | "ssh"
	work_dir: string
	ssh?: {
		user: string
		port?: int & >0 & <65536
		key_file?: string
		known_hosts?: string
		connect_timeout_seconds?: int & >0
	}
	agent?: {
		binary_path?: string
		remote_path?: string
	}
	if transport == "ssh" {
		hostname: string
		ssh: {user: string}
	}
}

#Code: {
	label: string & =~"^[a-zA-Z0-9._+-]+$"
	engine: string & =~"^[a-z0-9_]+\\.[a-z0-9_]+$"
	computer: string & =~"^[a-zA-Z0-9_-]+$"
	executable: string
	prepend_text?: string
	mpi_procs_per_machine?: int & >0
}
`
