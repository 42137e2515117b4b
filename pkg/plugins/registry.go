// Package plugins maintains the registry of engine workflow implementations.
// Engine packages register themselves from an init function, the way
// database drivers register with database/sql; importing an engine package
// is all it takes to make its workflows loadable by entry point name. The
// plugins/all meta package imports every bundled engine for binaries that
// want the full set.
package plugins

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/atomflow/atomflow/pkg/workflows/bands"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

// Entry point prefixes identifying the workflow kind.
const (
	RelaxPrefix = "common_workflows.relax."
	BandsPrefix = "common_workflows.bands."
)

var (
	mu         sync.RWMutex
	relaxImpls = make(map[string]relax.Implementation)
	bandsImpls = make(map[string]bands.Implementation)
)

// RegisterRelax registers a relaxation implementation under its engine
// name. It panics when the name is empty or already taken, since
// registration happens from package init functions.
func RegisterRelax(impl relax.Implementation) {
	mu.Lock()
	defer mu.Unlock()

	if impl == nil {
		panic("plugins: RegisterRelax called with nil implementation")
	}
	name := impl.Name()
	if name == "" {
		panic("plugins: RegisterRelax called with empty engine name")
	}
	if _, exists := relaxImpls[name]; exists {
		panic(fmt.Sprintf("plugins: relax engine %q registered twice", name))
	}
	relaxImpls[name] = impl
}

// RegisterBands registers a bands implementation under its engine name.
func RegisterBands(impl bands.Implementation) {
	mu.Lock()
	defer mu.Unlock()

	if impl == nil {
		panic("plugins: RegisterBands called with nil implementation")
	}
	name := impl.Name()
	if name == "" {
		panic("plugins: RegisterBands called with empty engine name")
	}
	if _, exists := bandsImpls[name]; exists {
		panic(fmt.Sprintf("plugins: bands engine %q registered twice", name))
	}
	bandsImpls[name] = impl
}

// LoadRelax returns the relaxation implementation for an engine. The name
// may be bare ("quantum_espresso") or a full entry point
// ("common_workflows.relax.quantum_espresso").
func LoadRelax(name string) (relax.Implementation, error) {
	engine := strings.TrimPrefix(name, RelaxPrefix)

	mu.RLock()
	impl, ok := relaxImpls[engine]
	mu.RUnlock()
	if !ok {
		return nil, unknownEngineError("relax", engine, RelaxEngines())
	}
	return impl, nil
}

// LoadBands returns the bands implementation for an engine.
func LoadBands(name string) (bands.Implementation, error) {
	engine := strings.TrimPrefix(name, BandsPrefix)

	mu.RLock()
	impl, ok := bandsImpls[engine]
	mu.RUnlock()
	if !ok {
		return nil, unknownEngineError("bands", engine, BandsEngines())
	}
	return impl, nil
}

func unknownEngineError(kind, engine string, known []string) error {
	pkg := strings.ReplaceAll(engine, "_", "")
	return fmt.Errorf(
		"no %s workflow is registered for engine %q; import the engine package "+
			"(github.com/atomflow/atomflow/pkg/workflows/%s/%s) or the plugins/all "+
			"meta package, registered engines: %s",
		kind, engine, kind, pkg, strings.Join(known, ", "))
}

// RelaxEngines returns the registered relaxation engine names, sorted.
func RelaxEngines() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(relaxImpls))
	for name := range relaxImpls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BandsEngines returns the registered bands engine names, sorted.
func BandsEngines() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(bandsImpls))
	for name := range bandsImpls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EngineNames returns the registered engine names for a workflow kind,
// "relax" or "bands".
func EngineNames(kind string) ([]string, error) {
	switch kind {
	case "relax":
		return RelaxEngines(), nil
	case "bands":
		return BandsEngines(), nil
	default:
		return nil, fmt.Errorf("unknown workflow kind %q, expected relax or bands", kind)
	}
}

// RelaxEntryPoints returns the full entry point names of the registered
// relaxation engines, sorted.
func RelaxEntryPoints() []string {
	engines := RelaxEngines()
	points := make([]string, len(engines))
	for i, engine := range engines {
		points[i] = RelaxPrefix + engine
	}
	return points
}

// BandsEntryPoints returns the full entry point names of the registered
// bands engines, sorted.
func BandsEntryPoints() []string {
	engines := BandsEngines()
	points := make([]string, len(engines))
	for i, engine := range engines {
		points[i] = BandsPrefix + engine
	}
	return points
}
