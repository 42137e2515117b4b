package generator

import (
	"fmt"

	"github.com/atomflow/atomflow/pkg/runtime"
)

// ConstructFunc populates a process builder from validated inputs. The
// builder arrives pre-bound to the generator's process and the inputs have
// already passed Validate, so construct functions read ports without
// re-checking presence or kinds.
type ConstructFunc func(builder *runtime.Builder, inputs map[string]interface{}) error

// InputGenerator turns common workflow inputs into a builder for an
// engine-specific process. Concrete generators supply the port spec and a
// construct function; the base handles validation and builder setup.
type InputGenerator struct {
	processName string
	spec        *Spec
	construct   ConstructFunc
}

// New creates an input generator for the named process.
func New(processName string, spec *Spec, construct ConstructFunc) (*InputGenerator, error) {
	if processName == "" {
		return nil, runtime.NewPermanentError("input generator requires a process name", nil).
			WithCode(runtime.ErrCodeValidation)
	}
	if spec == nil {
		return nil, runtime.NewPermanentError("input generator requires a port spec", nil).
			WithCode(runtime.ErrCodeValidation)
	}
	if construct == nil {
		return nil, runtime.NewPermanentError("input generator requires a construct function", nil).
			WithCode(runtime.ErrCodeValidation)
	}
	return &InputGenerator{
		processName: processName,
		spec:        spec,
		construct:   construct,
	}, nil
}

// MustNew is New for package-level generator construction, panicking on
// misconfiguration.
func MustNew(processName string, spec *Spec, construct ConstructFunc) *InputGenerator {
	gen, err := New(processName, spec, construct)
	if err != nil {
		panic(err)
	}
	return gen
}

// ProcessName returns the process the generated builders target.
func (g *InputGenerator) ProcessName() string {
	return g.processName
}

// Spec returns the port specification.
func (g *InputGenerator) Spec() *Spec {
	return g.spec
}

// GetBuilder validates the inputs against the spec and delegates to the
// construct function. Defaults are injected and serializers applied before
// construction, so engines always see a complete input map.
func (g *InputGenerator) GetBuilder(inputs map[string]interface{}) (*runtime.Builder, error) {
	validated, err := g.spec.Validate(inputs)
	if err != nil {
		return nil, fmt.Errorf("invalid inputs for %s: %w", g.processName, err)
	}

	builder := runtime.NewBuilder(g.processName)
	if err := g.construct(builder, validated); err != nil {
		return nil, fmt.Errorf("failed to construct %s builder: %w", g.processName, err)
	}
	return builder, nil
}
