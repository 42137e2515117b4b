package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/atomflow/atomflow/pkg/launch"
	"github.com/atomflow/atomflow/pkg/plugins"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/telemetry"
)

// Gate adapts the policy engine to the launcher's admission seam. A
// rejected request never reaches the run store.
type Gate struct {
	engine *Engine
	events *telemetry.EventPublisher
	logger *telemetry.Logger
}

// NewGate creates a gate over the engine. A nil logger disables logging.
func NewGate(engine *Engine, logger *telemetry.Logger) *Gate {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Gate{
		engine: engine,
		logger: logger.NewComponentLogger("policy-gate"),
	}
}

// WithEvents attaches an event bus. Blocking violations are published as
// policy_violation events.
func (g *Gate) WithEvents(events *telemetry.EventPublisher) *Gate {
	g.events = events
	return g
}

// Admit evaluates the request against the loaded policies. Error and
// critical violations reject it with a permanent validation error;
// warnings are logged and let the request through.
func (g *Gate) Admit(ctx context.Context, req *launch.Request) error {
	doc := req.Document()
	doc["engine"] = bareEngineName(req.Engine)

	result, err := g.engine.EvaluateRequest(ctx, doc, &PolicyContext{Operation: "launch"})
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}

	for _, warning := range result.Warnings {
		g.logger.WithFields(map[string]interface{}{
			"policy":   warning.Policy,
			"severity": string(warning.Severity),
		}).Warn(warning.Message)
	}

	if result.Allowed {
		return nil
	}

	g.publishViolations(req, result.Violations)

	parts := make([]string, len(result.Violations))
	for i, violation := range result.Violations {
		parts[i] = fmt.Sprintf("policy %s: %s", violation.Policy, violation.Message)
	}
	return runtime.NewPermanentError(strings.Join(parts, "; "), nil).
		WithCode(runtime.ErrCodeValidation).
		WithOperation("policy.admit")
}

// publishViolations mirrors blocking violations onto the event bus.
func (g *Gate) publishViolations(req *launch.Request, violations []PolicyViolation) {
	if g.events == nil {
		return
	}
	for _, violation := range violations {
		_ = g.events.Publish(telemetry.Event{
			Type:    telemetry.EventTypePolicyViolation,
			Source:  "policy",
			Message: violation.Message,
			Level:   telemetry.EventLevelError,
			Data: map[string]interface{}{
				"policy":   violation.Policy,
				"severity": string(violation.Severity),
				"workflow": req.Workflow,
				"engine":   bareEngineName(req.Engine),
			},
		})
	}
}

// bareEngineName strips registry prefixes so policies match plain engine
// names however the request spells them.
func bareEngineName(name string) string {
	name = strings.TrimPrefix(name, plugins.RelaxPrefix)
	return strings.TrimPrefix(name, plugins.BandsPrefix)
}
