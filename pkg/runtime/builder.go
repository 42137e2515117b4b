package runtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Builder holds the full input specification for one process submission: the
// process name plus a nested input tree. Workflow generators return builders;
// callers may tweak them before handing them to a Runner.
type Builder struct {
	// Process is the process name, either a registered workchain or a
	// calculation job entry point such as "quantum_espresso.pw".
	Process string `json:"process" yaml:"process"`

	// Inputs is the nested input tree. Nested namespaces are maps, leaves
	// are plain values or domain types such as structures.
	Inputs map[string]interface{} `json:"inputs" yaml:"inputs"`
}

// NewBuilder creates an empty builder for the named process.
func NewBuilder(process string) *Builder {
	return &Builder{
		Process: process,
		Inputs:  make(map[string]interface{}),
	}
}

// Set assigns a value at a dot-separated path, creating intermediate
// namespaces as needed. Setting "metadata.options.resources" creates the
// metadata and options maps when absent.
func (b *Builder) Set(path string, value interface{}) error {
	if path == "" {
		return fmt.Errorf("empty input path")
	}
	parts := strings.Split(path, ".")
	node := b.Inputs
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part]
		if !ok {
			next := make(map[string]interface{})
			node[part] = next
			node = next
			continue
		}
		nested, ok := child.(map[string]interface{})
		if !ok {
			return fmt.Errorf("input path %q crosses non-namespace value at %q", path, part)
		}
		node = nested
	}
	node[parts[len(parts)-1]] = value
	return nil
}

// Get returns the value at a dot-separated path.
func (b *Builder) Get(path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = b.Inputs
	for _, part := range parts {
		node, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// GetString returns the string value at a path. The second return is false
// when the path is missing or holds a non-string value.
func (b *Builder) GetString(path string) (string, bool) {
	value, ok := b.Get(path)
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// Delete removes the value at a dot-separated path. Deleting a missing path
// is a no-op.
func (b *Builder) Delete(path string) {
	parts := strings.Split(path, ".")
	node := b.Inputs
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]interface{})
		if !ok {
			return
		}
		node = child
	}
	delete(node, parts[len(parts)-1])
}

// Merge recursively merges values into the namespace at path. Nested maps
// merge key by key; any other value replaces the existing one.
func (b *Builder) Merge(path string, values map[string]interface{}) error {
	existing, ok := b.Get(path)
	if !ok {
		return b.Set(path, deepCopyMap(values))
	}
	target, ok := existing.(map[string]interface{})
	if !ok {
		return fmt.Errorf("input path %q is not a namespace", path)
	}
	mergeMaps(target, values)
	return nil
}

// Clone returns a deep copy of the builder. Namespace maps and slices are
// copied; leaf values such as structures are shared, callers must not mutate
// them through a clone.
func (b *Builder) Clone() *Builder {
	return &Builder{
		Process: b.Process,
		Inputs:  deepCopyMap(b.Inputs),
	}
}

// ToYAML renders the builder as a YAML document, the exchange format staged
// into calculation job directories.
func (b *Builder) ToYAML() ([]byte, error) {
	data, err := yaml.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal builder: %w", err)
	}
	return data, nil
}

// ToJSON renders the builder as JSON.
func (b *Builder) ToJSON() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal builder: %w", err)
	}
	return data, nil
}

// mergeMaps merges src into dst recursively.
func mergeMaps(dst, src map[string]interface{}) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]interface{})
		dstMap, dstIsMap := dst[key].(map[string]interface{})
		if srcIsMap && dstIsMap {
			mergeMaps(dstMap, srcMap)
			continue
		}
		if srcIsMap {
			dst[key] = deepCopyMap(srcMap)
			continue
		}
		dst[key] = value
	}
}

// deepCopyMap copies a nested map tree. Slices are copied element-wise,
// scalar leaves are shared.
func deepCopyMap(src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(src))
	for key, value := range src {
		out[key] = deepCopyValue(value)
	}
	return out
}

func deepCopyValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return deepCopyMap(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = deepCopyValue(item)
		}
		return out
	case []float64:
		out := make([]float64, len(v))
		copy(out, v)
		return out
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	default:
		return v
	}
}
