// Package protocol implements the named-protocol registries used by engine
// input generators. A protocol bundles the numerical settings of a
// calculation (cutoffs, k-point spacing, convergence thresholds) under a
// common name such as "fast", "moderate" or "precise", so callers select
// accuracy without knowing engine keywords. Each engine package embeds its
// protocol file and builds a Registry from it at init time.
package protocol

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// protocolSchema constrains every protocol entry to carry a human-readable
// description alongside its engine-specific settings.
const protocolSchema = `
#Protocols: {
	[string]: {
		description: string
		...
	}
}
`

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaVal  cue.Value
)

func compiledSchema() (cue.Value, *cue.Context) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		schemaVal = schemaCtx.CompileString(protocolSchema).LookupPath(cue.ParsePath("#Protocols"))
	})
	return schemaVal, schemaCtx
}

// Registry holds the named protocols of one engine workflow.
type Registry struct {
	name     string
	fallback string
	entries  map[string]map[string]interface{}
}

// NewRegistry parses a protocol YAML document and validates it. Every
// protocol must be a mapping with a description, and the default protocol
// must be among the parsed entries.
func NewRegistry(name string, source []byte, defaultName string) (*Registry, error) {
	var entries map[string]map[string]interface{}
	if err := yaml.Unmarshal(source, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse %s protocols: %w", name, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s protocols are empty", name)
	}

	schema, ctx := compiledSchema()
	encoded := ctx.Encode(entries)
	if err := encoded.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode %s protocols: %w", name, err)
	}
	if err := schema.Unify(encoded).Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid %s protocols: %w", name, err)
	}

	if _, ok := entries[defaultName]; !ok {
		return nil, fmt.Errorf("%s default protocol %q is not defined", name, defaultName)
	}

	return &Registry{name: name, fallback: defaultName, entries: entries}, nil
}

// MustNewRegistry is NewRegistry for package-level registry construction,
// panicking when the embedded protocol file is malformed.
func MustNewRegistry(name string, source []byte, defaultName string) *Registry {
	registry, err := NewRegistry(name, source, defaultName)
	if err != nil {
		panic(err)
	}
	return registry
}

// Name returns the registry name, typically the engine workflow it serves.
func (r *Registry) Name() string {
	return r.name
}

// Default returns the name of the default protocol.
func (r *Registry) Default() string {
	return r.fallback
}

// Names returns the protocol names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a protocol is defined.
func (r *Registry) Has(name string) bool {
	_, ok := r.entries[name]
	return ok
}

// Protocol returns a deep copy of the named protocol, so callers can
// mutate the settings while tailoring them to a structure without
// corrupting the registry.
func (r *Registry) Protocol(name string) (map[string]interface{}, error) {
	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("unknown protocol %q for %s, known protocols: %s",
			name, r.name, strings.Join(r.Names(), ", "))
	}
	return copyMap(entry), nil
}

// Description returns the description of the named protocol.
func (r *Registry) Description(name string) (string, error) {
	entry, err := r.Protocol(name)
	if err != nil {
		return "", err
	}
	description, _ := entry["description"].(string)
	return description, nil
}

// Copy deep-copies a protocol entry. Engines that accept caller-supplied
// protocol dictionaries copy them before mutation.
func Copy(settings map[string]interface{}) map[string]interface{} {
	return copyMap(settings)
}

// Merge deep-merges overlay into a copy of base. Nested maps merge key by
// key; on any other conflict the overlay value wins. Neither argument is
// modified.
func Merge(base, overlay map[string]interface{}) map[string]interface{} {
	out := copyMap(base)
	for key, value := range overlay {
		existing, haveMap := out[key].(map[string]interface{})
		incoming, isMap := value.(map[string]interface{})
		if haveMap && isMap {
			out[key] = Merge(existing, incoming)
			continue
		}
		out[key] = copyValue(value)
	}
	return out
}

func copyMap(src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(src))
	for key, value := range src {
		out[key] = copyValue(value)
	}
	return out
}

func copyValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return copyMap(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
