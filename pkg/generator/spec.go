// Package generator provides the declarative input specification shared by
// all common workflow generators. An engine's input generator declares its
// ports (name, kind, default, choices) in a Spec; validation walks the
// namespace tree, injects defaults and rejects unknown or ill-typed inputs
// before any builder is constructed.
package generator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/atomflow/atomflow/pkg/crystal"
)

// Kind identifies the value shape a port accepts.
type Kind int

const (
	// KindAny accepts any value.
	KindAny Kind = iota

	// KindString accepts a string.
	KindString

	// KindFloat accepts a float, coercing integer inputs.
	KindFloat

	// KindInt accepts an integer.
	KindInt

	// KindBool accepts a boolean.
	KindBool

	// KindFloatList accepts a list of floats.
	KindFloatList

	// KindStringList accepts a list of strings.
	KindStringList

	// KindMap accepts a nested map.
	KindMap

	// KindStructure accepts a crystal structure.
	KindStructure
)

// String returns the human-readable kind name used in validation errors.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindFloatList:
		return "list of floats"
	case KindStringList:
		return "list of strings"
	case KindMap:
		return "map"
	case KindStructure:
		return "structure"
	default:
		return "any"
	}
}

// Serializer converts a raw input value before validation, e.g. wrapping a
// plain float or parsing a string into a domain type.
type Serializer func(value interface{}) (interface{}, error)

// Port describes a single input of a generator.
type Port struct {
	// Name is the port name within its namespace.
	Name string

	// Kind is the accepted value shape.
	Kind Kind

	// Help describes the port for CLI listings.
	Help string

	// Required marks the port as mandatory when it has no default.
	Required bool

	// HasDefault reports whether Default is meaningful.
	HasDefault bool

	// Default is injected when the input is absent.
	Default interface{}

	// NonDB marks inputs that parameterize generation without being part
	// of the submitted process inputs.
	NonDB bool

	// Choices restricts the value to an enumerated set when non-empty.
	Choices []interface{}

	// Serializer runs on supplied values before validation.
	Serializer Serializer

	// EntryPoint binds a code port to a calculation job entry point.
	EntryPoint string
}

// ChoiceStrings returns the port's choices rendered as strings, for CLI
// listings.
func (p *Port) ChoiceStrings() []string {
	out := make([]string, 0, len(p.Choices))
	for _, choice := range p.Choices {
		out = append(out, fmt.Sprintf("%v", choice))
	}
	return out
}

// Namespace is a node in the port tree.
type Namespace struct {
	// Name is the namespace name within its parent.
	Name string

	// Ports holds the leaf ports of this namespace.
	Ports map[string]*Port

	// Children holds the nested namespaces.
	Children map[string]*Namespace

	// Dynamic namespaces accept arbitrary entry names, each validated
	// against Template. The engines namespace works this way.
	Dynamic bool

	// Template is the per-entry namespace of a dynamic namespace.
	Template *Namespace

	// Required marks a dynamic namespace that must have at least one entry.
	Required bool
}

func newNamespace(name string) *Namespace {
	return &Namespace{
		Name:     name,
		Ports:    make(map[string]*Port),
		Children: make(map[string]*Namespace),
	}
}

// Spec is a declarative input specification: a tree of namespaces and ports.
type Spec struct {
	root *Namespace
}

// NewSpec creates an empty specification.
func NewSpec() *Spec {
	return &Spec{root: newNamespace("")}
}

// PortOption configures a port at declaration time.
type PortOption func(*Port)

// Default sets the value injected when the input is absent.
func Default(value interface{}) PortOption {
	return func(p *Port) {
		p.Default = value
		p.HasDefault = true
	}
}

// Required marks the port as mandatory.
func Required() PortOption {
	return func(p *Port) { p.Required = true }
}

// Help attaches a description to the port.
func Help(text string) PortOption {
	return func(p *Port) { p.Help = text }
}

// NonDB marks the port as generation-time only.
func NonDB() PortOption {
	return func(p *Port) { p.NonDB = true }
}

// Choices restricts the port to an enumerated set of values.
func Choices(values ...interface{}) PortOption {
	return func(p *Port) { p.Choices = values }
}

// WithSerializer attaches a value serializer to the port.
func WithSerializer(fn Serializer) PortOption {
	return func(p *Port) { p.Serializer = fn }
}

// CodeFor binds the port to a calculation job entry point. A code supplied
// on this port must be configured for that entry point.
func CodeFor(entryPoint string) PortOption {
	return func(p *Port) { p.EntryPoint = entryPoint }
}

// Input declares a port at a dot-separated path, creating intermediate
// namespaces as needed. It panics on duplicate declarations; port layout is
// fixed at construction time.
func (s *Spec) Input(path string, kind Kind, opts ...PortOption) {
	parts := strings.Split(path, ".")
	ns := s.root
	for _, part := range parts[:len(parts)-1] {
		child, ok := ns.Children[part]
		if !ok {
			child = newNamespace(part)
			ns.Children[part] = child
		}
		ns = child
	}

	name := parts[len(parts)-1]
	if _, exists := ns.Ports[name]; exists {
		panic(fmt.Sprintf("generator: port %q declared twice", path))
	}
	if _, exists := ns.Children[name]; exists {
		panic(fmt.Sprintf("generator: port %q collides with a namespace", path))
	}

	port := &Port{Name: name, Kind: kind}
	for _, opt := range opts {
		opt(port)
	}
	ns.Ports[name] = port
}

// DynamicNamespace declares a namespace whose entry names are free, each
// entry validated against the ports declared by define. The engines
// namespace of every workflow is declared this way.
func (s *Spec) DynamicNamespace(path string, required bool, define func(entry *Spec)) {
	parts := strings.Split(path, ".")
	ns := s.root
	for _, part := range parts[:len(parts)-1] {
		child, ok := ns.Children[part]
		if !ok {
			child = newNamespace(part)
			ns.Children[part] = child
		}
		ns = child
	}

	name := parts[len(parts)-1]
	if _, exists := ns.Children[name]; exists {
		panic(fmt.Sprintf("generator: namespace %q declared twice", path))
	}
	if _, exists := ns.Ports[name]; exists {
		panic(fmt.Sprintf("generator: namespace %q collides with a port", path))
	}

	template := NewSpec()
	define(template)

	dynamic := newNamespace(name)
	dynamic.Dynamic = true
	dynamic.Required = required
	dynamic.Template = template.root
	ns.Children[name] = dynamic
}

// Port returns the port declared at a dot-separated path.
func (s *Spec) Port(path string) (*Port, bool) {
	parts := strings.Split(path, ".")
	ns := s.root
	for _, part := range parts[:len(parts)-1] {
		child, ok := ns.Children[part]
		if !ok {
			return nil, false
		}
		ns = child
	}
	port, ok := ns.Ports[parts[len(parts)-1]]
	return port, ok
}

// SetChoices replaces the choice set of an existing port. Engine generators
// use this to restrict the common ports, e.g. to the relax types the engine
// supports. It panics when the port does not exist.
func (s *Spec) SetChoices(path string, values ...interface{}) {
	port, ok := s.Port(path)
	if !ok {
		panic(fmt.Sprintf("generator: no port %q to restrict", path))
	}
	port.Choices = values
}

// SetDefault replaces the default of an existing port. It panics when the
// port does not exist.
func (s *Spec) SetDefault(path string, value interface{}) {
	port, ok := s.Port(path)
	if !ok {
		panic(fmt.Sprintf("generator: no port %q to default", path))
	}
	port.Default = value
	port.HasDefault = true
}

// Validate checks inputs against the specification and returns a new map
// with serializers applied and defaults injected. Unknown keys, missing
// required ports, kind mismatches and out-of-choice values are reported
// with their full port paths.
func (s *Spec) Validate(inputs map[string]interface{}) (map[string]interface{}, error) {
	return validateNamespace(s.root, inputs, "")
}

func validateNamespace(ns *Namespace, values map[string]interface{}, prefix string) (map[string]interface{}, error) {
	out := make(map[string]interface{})

	// Reject unknown keys first so typos surface before missing-port errors.
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := ns.Ports[name]; ok {
			continue
		}
		if _, ok := ns.Children[name]; ok {
			continue
		}
		return nil, fmt.Errorf("unknown input port %q", joinPath(prefix, name))
	}

	portNames := make([]string, 0, len(ns.Ports))
	for name := range ns.Ports {
		portNames = append(portNames, name)
	}
	sort.Strings(portNames)
	for _, name := range portNames {
		port := ns.Ports[name]
		path := joinPath(prefix, name)

		value, supplied := values[name]
		if !supplied {
			if port.HasDefault {
				out[name] = deepCopy(port.Default)
			} else if port.Required {
				return nil, fmt.Errorf("required input port %q is missing", path)
			}
			continue
		}

		if port.Serializer != nil {
			serialized, err := port.Serializer(value)
			if err != nil {
				return nil, fmt.Errorf("failed to serialize input port %q: %w", path, err)
			}
			value = serialized
		}

		normalized, err := checkKind(port.Kind, value)
		if err != nil {
			return nil, fmt.Errorf("input port %q: %w", path, err)
		}

		if len(port.Choices) > 0 && !inChoices(port.Choices, normalized) {
			return nil, fmt.Errorf("input port %q: value %v is not one of %v",
				path, normalized, port.Choices)
		}

		out[name] = normalized
	}

	childNames := make([]string, 0, len(ns.Children))
	for name := range ns.Children {
		childNames = append(childNames, name)
	}
	sort.Strings(childNames)
	for _, name := range childNames {
		child := ns.Children[name]
		path := joinPath(prefix, name)

		raw, supplied := values[name]
		var nested map[string]interface{}
		if supplied {
			m, ok := raw.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("input port %q must be a namespace, got %T", path, raw)
			}
			nested = m
		} else {
			// Nested defaults apply even when the namespace is absent.
			nested = map[string]interface{}{}
		}

		if child.Dynamic {
			if len(nested) == 0 {
				if child.Required {
					return nil, fmt.Errorf("namespace %q requires at least one entry", path)
				}
				continue
			}
			entries := make(map[string]interface{}, len(nested))
			entryNames := make([]string, 0, len(nested))
			for entryName := range nested {
				entryNames = append(entryNames, entryName)
			}
			sort.Strings(entryNames)
			for _, entryName := range entryNames {
				entryValues, ok := nested[entryName].(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("input port %q must be a namespace, got %T",
						joinPath(path, entryName), nested[entryName])
				}
				validated, err := validateNamespace(child.Template, entryValues, joinPath(path, entryName))
				if err != nil {
					return nil, err
				}
				entries[entryName] = validated
			}
			out[name] = entries
			continue
		}

		validated, err := validateNamespace(child, nested, path)
		if err != nil {
			return nil, err
		}
		if len(validated) > 0 || supplied {
			out[name] = validated
		}
	}

	return out, nil
}

// checkKind validates a value against a kind and returns its normalized
// form: integers coerce to float64 for float ports, loosely typed lists
// coerce to their concrete element types.
func checkKind(kind Kind, value interface{}) (interface{}, error) {
	switch kind {
	case KindAny:
		return value, nil

	case KindString:
		if s, ok := value.(string); ok {
			return s, nil
		}
		if s, ok := value.(fmt.Stringer); ok {
			return s.String(), nil
		}
		return nil, fmt.Errorf("expected string, got %T", value)

	case KindFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
		return nil, fmt.Errorf("expected float, got %T", value)

	case KindInt:
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v == float64(int(v)) {
				return int(v), nil
			}
		}
		return nil, fmt.Errorf("expected int, got %T", value)

	case KindBool:
		if b, ok := value.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("expected bool, got %T", value)

	case KindFloatList:
		switch v := value.(type) {
		case []float64:
			return v, nil
		case []interface{}:
			out := make([]float64, len(v))
			for i, item := range v {
				f, err := checkKind(KindFloat, item)
				if err != nil {
					return nil, fmt.Errorf("element %d: %w", i, err)
				}
				out[i] = f.(float64)
			}
			return out, nil
		}
		return nil, fmt.Errorf("expected list of floats, got %T", value)

	case KindStringList:
		switch v := value.(type) {
		case []string:
			return v, nil
		case []interface{}:
			out := make([]string, len(v))
			for i, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("element %d: expected string, got %T", i, item)
				}
				out[i] = s
			}
			return out, nil
		}
		return nil, fmt.Errorf("expected list of strings, got %T", value)

	case KindMap:
		if m, ok := value.(map[string]interface{}); ok {
			return m, nil
		}
		return nil, fmt.Errorf("expected map, got %T", value)

	case KindStructure:
		switch v := value.(type) {
		case *crystal.Structure:
			return v, nil
		case map[string]interface{}:
			// Builders round-tripped through YAML or a Starlark override
			// carry structures as plain documents.
			s, err := crystal.FromDocument(v)
			if err != nil {
				return nil, fmt.Errorf("invalid structure document: %w", err)
			}
			return s, nil
		}
		return nil, fmt.Errorf("expected structure, got %T", value)
	}

	return nil, fmt.Errorf("unhandled kind %v", kind)
}

func inChoices(choices []interface{}, value interface{}) bool {
	for _, choice := range choices {
		if choice == value {
			return true
		}
		// Choices declared as typed string constants match raw strings.
		if fmt.Sprintf("%v", choice) == fmt.Sprintf("%v", value) {
			return true
		}
	}
	return false
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// deepCopy copies nested maps and slices so injected defaults are never
// shared between validations.
func deepCopy(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = deepCopy(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = deepCopy(item)
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
