package overrides

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/runtime"
)

func TestScript_Apply_Mutation(t *testing.T) {
	b := testBuilder(t)
	script := NewScript("raise-cutoff.star", `
builder["inputs"]["parameters"]["ecutwfc"] = 80
builder["inputs"]["settings"] = {"gamma_only": True}
`)

	if err := script.Apply(context.Background(), b); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if b.Process != "quantum_espresso.pw" {
		t.Errorf("expected process to survive, got %q", b.Process)
	}
	if got, _ := b.Get("parameters.ecutwfc"); got != int64(80) {
		t.Errorf("expected ecutwfc 80, got %v (%T)", got, got)
	}
	if got, _ := b.Get("settings.gamma_only"); got != true {
		t.Errorf("expected gamma_only true, got %v", got)
	}
	if got, _ := b.Get("code"); got != "pw-7.2@hpc" {
		t.Errorf("expected untouched inputs to survive, got %v", got)
	}
}

func TestScript_Apply_Replacement(t *testing.T) {
	b := testBuilder(t)
	script := NewScript("replace.star", `
builder = {
    "process": "siesta.siesta",
    "inputs": {"code": "siesta@hpc"},
}
`)

	if err := script.Apply(context.Background(), b); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if b.Process != "siesta.siesta" {
		t.Errorf("expected replaced process, got %q", b.Process)
	}
	if got, _ := b.Get("code"); got != "siesta@hpc" {
		t.Errorf("expected replaced inputs, got %v", got)
	}
	if _, ok := b.Get("parameters"); ok {
		t.Error("expected old inputs to be gone")
	}
}

func TestScript_Apply_StructureRoundTrip(t *testing.T) {
	structure, err := crystal.FromLibrary("Si")
	if err != nil {
		t.Fatalf("failed to build structure: %v", err)
	}

	b := runtime.NewBuilder("common_relax.quantum_espresso")
	if err := b.Set("structure", structure); err != nil {
		t.Fatalf("failed to set structure: %v", err)
	}
	if err := b.Set("protocol", "moderate"); err != nil {
		t.Fatalf("failed to set protocol: %v", err)
	}

	script := NewScript("protocol.star", `
builder["inputs"]["protocol"] = "precise"
`)
	if err := script.Apply(context.Background(), b); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if got, _ := b.Get("protocol"); got != "precise" {
		t.Errorf("expected protocol precise, got %v", got)
	}

	// The structure is now a plain document the validation layer rebuilds.
	doc, ok := b.Get("structure")
	if !ok {
		t.Fatal("expected structure to survive")
	}
	rebuilt, err := crystal.FromDocument(doc.(map[string]interface{}))
	if err != nil {
		t.Fatalf("structure document does not rebuild: %v", err)
	}
	if len(rebuilt.Sites) != len(structure.Sites) {
		t.Errorf("expected %d sites, got %d", len(structure.Sites), len(rebuilt.Sites))
	}
}

func TestScript_Apply_ScriptError(t *testing.T) {
	b := testBuilder(t)
	script := NewScript("broken.star", `builder["inputs"][missing] = 1`)

	err := script.Apply(context.Background(), b)
	if err == nil {
		t.Fatal("expected error from broken script")
	}
	if !strings.Contains(err.Error(), "broken.star") {
		t.Errorf("expected script name in error, got %v", err)
	}
}

func TestScript_Apply_BuilderNotADict(t *testing.T) {
	b := testBuilder(t)
	script := NewScript("clobber.star", `builder = 42`)

	err := script.Apply(context.Background(), b)
	if err == nil {
		t.Fatal("expected error when the builder is clobbered")
	}
	if !strings.Contains(err.Error(), "dict") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestScript_Apply_ProcessDropped(t *testing.T) {
	b := testBuilder(t)
	script := NewScript("drop.star", `builder = {"inputs": {}}`)

	err := script.Apply(context.Background(), b)
	if err == nil {
		t.Fatal("expected error when the process name is dropped")
	}
	if !strings.Contains(err.Error(), "process") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadScript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "override.star")
	content := "builder[\"inputs\"][\"parameters\"][\"ecutwfc\"] = 60\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}

	script, err := LoadScript(path)
	if err != nil {
		t.Fatalf("LoadScript failed: %v", err)
	}

	b := testBuilder(t)
	if err := script.Apply(context.Background(), b); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got, _ := b.Get("parameters.ecutwfc"); got != int64(60) {
		t.Errorf("expected ecutwfc 60, got %v", got)
	}

	if _, err := LoadScript(filepath.Join(dir, "missing.star")); err == nil {
		t.Error("expected error for missing script file")
	}
}
