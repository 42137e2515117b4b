package config

import (
	"context"
	"strings"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Pseudo: {
	element: string
	cutoff:  number & >0
}
`

	err := sr.RegisterSchema("pseudo", customSchema, "#Pseudo")
	if err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("pseudo")
	if !ok {
		t.Fatal("expected to find pseudo schema")
	}

	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}
}

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	builtins := []string{
		"computer",
		"code",
		"config",
	}

	for _, name := range builtins {
		t.Run(name, func(t *testing.T) {
			schema, ok := sr.GetSchema(name)
			if !ok {
				t.Fatalf("built-in schema %s not found", name)
			}

			if schema.Err() != nil {
				t.Errorf("built-in schema %s has errors: %v", name, schema.Err())
			}
		})
	}
}

func TestSchemaRegistry_ValidateComputer(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	valid := Computer{
		Name:      "localhost",
		Transport: "local",
		WorkDir:   "/tmp/atomflow",
	}
	if err := sr.ValidateComputer(ctx, valid); err != nil {
		t.Errorf("expected valid computer, got %v", err)
	}

	sshWithoutSettings := Computer{
		Name:      "hpc",
		Hostname:  "hpc.example.org",
		Transport: "ssh",
		WorkDir:   "/scratch",
	}
	if err := sr.ValidateComputer(ctx, sshWithoutSettings); err == nil {
		t.Error("expected error for ssh computer without ssh settings")
	}

	badTransport := Computer{
		Name:      "weird",
		Transport: "carrier-pigeon",
		WorkDir:   "/tmp",
	}
	if err := sr.ValidateComputer(ctx, badTransport); err == nil {
		t.Error("expected error for unknown transport")
	}
}

func TestSchemaRegistry_ValidateCode(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	valid := Code{
		Label:      "pw-7.2",
		Engine:     "quantum_espresso.pw",
		Computer:   "hpc",
		Executable: "/opt/qe/bin/pw.x",
	}
	if err := sr.ValidateCode(ctx, valid); err != nil {
		t.Errorf("expected valid code, got %v", err)
	}

	badEngine := Code{
		Label:      "pw",
		Engine:     "not an entry point",
		Computer:   "hpc",
		Executable: "/opt/qe/bin/pw.x",
	}
	err := sr.ValidateCode(ctx, badEngine)
	if err == nil {
		t.Fatal("expected error for malformed engine entry point")
	}
	if !strings.Contains(err.Error(), "validation failed") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSchemaRegistry_ValidateAgainstSchema_Unknown(t *testing.T) {
	sr := NewSchemaRegistry()

	err := sr.ValidateAgainstSchema(context.Background(), "missing", map[string]interface{}{})
	if err == nil {
		t.Fatal("expected error for unknown schema")
	}
}

func TestSchemaRegistry_ListSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	names := sr.ListSchemas()
	if len(names) != 3 {
		t.Errorf("expected 3 built-in schemas, got %d: %v", len(names), names)
	}
}
