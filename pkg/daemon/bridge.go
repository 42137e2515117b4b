package daemon

import (
	"context"

	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/telemetry"
)

// EventBridge forwards run timeline events onto the telemetry event bus so
// in-process subscribers can follow live workflow progress. It satisfies
// runtime.EventPublisher and is handed to the launcher as its event sink.
type EventBridge struct {
	bus *telemetry.EventPublisher
}

// NewEventBridge creates a bridge publishing onto bus.
func NewEventBridge(bus *telemetry.EventPublisher) *EventBridge {
	return &EventBridge{bus: bus}
}

// Publish translates a run event into a bus event.
func (b *EventBridge) Publish(ctx context.Context, event *runtime.Event) error {
	if b == nil || b.bus == nil || event == nil {
		return nil
	}
	return b.bus.Publish(telemetry.Event{
		ID:        event.ID,
		Timestamp: event.Timestamp,
		Type:      string(event.Type),
		Source:    "runtime",
		RunID:     event.RunID,
		JobID:     event.JobID,
		Message:   event.Message,
		Level:     event.Level,
		Data:      event.Details,
	})
}
