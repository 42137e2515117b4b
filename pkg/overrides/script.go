package overrides

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/atomflow/atomflow/pkg/config"
	"github.com/atomflow/atomflow/pkg/runtime"
)

// DefaultScriptTimeout bounds override script execution.
const DefaultScriptTimeout = 10 * time.Second

// Script is a Starlark builder override. The script sees a predeclared
// dict named builder with "process" and "inputs" keys. It may mutate the
// dict in place or assign a replacement dict to a global named builder:
//
//	builder["inputs"]["parameters"]["ecutwfc"] = 80
//
// Execution is sandboxed by the config package's evaluator: no filesystem
// or network access, print suppressed, bounded by a timeout.
type Script struct {
	name   string
	source string
	eval   *config.StarlarkEvaluator
}

// NewScript creates an override script. The name shows up in error
// backtraces.
func NewScript(name, source string) *Script {
	return &Script{
		name:   name,
		source: source,
		eval:   config.NewStarlarkEvaluator(DefaultScriptTimeout),
	}
}

// LoadScript reads an override script from a file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read override script: %w", err)
	}
	return NewScript(filepath.Base(path), string(data)), nil
}

// WithTimeout replaces the script execution timeout.
func (s *Script) WithTimeout(timeout time.Duration) *Script {
	s.eval = config.NewStarlarkEvaluator(timeout)
	return s
}

// Apply runs the script against the builder and writes the result back.
// The builder's inputs are passed as a plain document, so domain values
// such as structures appear to the script as nested dicts and stay plain
// documents afterwards; input validation coerces them back on submission.
func (s *Script) Apply(ctx context.Context, b *runtime.Builder) error {
	doc, err := builderDocument(b)
	if err != nil {
		return fmt.Errorf("override %s: %w", s.name, err)
	}

	result, err := s.eval.EvaluateFile(ctx, s.name, s.source, map[string]interface{}{
		"builder": doc,
	})
	if err != nil {
		return fmt.Errorf("override %s failed: %w", s.name, err)
	}

	// A global assignment wins over in-place mutation of the input dict.
	raw, ok := result.Output["builder"]
	if !ok {
		raw = result.Inputs["builder"]
	}
	applied, ok := raw.(map[string]interface{})
	if !ok {
		return fmt.Errorf("override %s must leave the builder a dict, got %T", s.name, raw)
	}

	process, ok := applied["process"].(string)
	if !ok || process == "" {
		return fmt.Errorf("override %s dropped the process name", s.name)
	}
	inputs, ok := applied["inputs"].(map[string]interface{})
	if !ok {
		if applied["inputs"] == nil {
			inputs = map[string]interface{}{}
		} else {
			return fmt.Errorf("override %s must leave inputs a dict, got %T", s.name, applied["inputs"])
		}
	}

	b.Process = process
	b.Inputs = inputs
	return nil
}

// builderDocument renders the builder as plain JSON-shaped maps.
func builderDocument(b *runtime.Builder) (map[string]interface{}, error) {
	data, err := b.ToJSON()
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode builder document: %w", err)
	}
	if doc["inputs"] == nil {
		doc["inputs"] = map[string]interface{}{}
	}
	return doc, nil
}
