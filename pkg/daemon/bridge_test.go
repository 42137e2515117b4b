package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/telemetry"
)

func TestEventBridgePublishesRunEvents(t *testing.T) {
	bus, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}

	var mu sync.Mutex
	var seen []telemetry.Event
	bus.Subscribe(func(event telemetry.Event) {
		mu.Lock()
		seen = append(seen, event)
		mu.Unlock()
	}, nil)

	bridge := NewEventBridge(bus)
	err = bridge.Publish(context.Background(), &runtime.Event{
		ID:        "ev-1",
		Type:      runtime.EventTypeRunStarted,
		Timestamp: time.Now(),
		RunID:     "run-1",
		JobID:     "job-1",
		Message:   "Launched eos workflow",
		Level:     "info",
		Details:   map[string]interface{}{"volumes": 7},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("expected 1 bus event, got %d", len(seen))
	}
	event := seen[0]
	if event.Type != telemetry.EventTypeRunStarted {
		t.Errorf("expected type %q, got %q", telemetry.EventTypeRunStarted, event.Type)
	}
	if event.RunID != "run-1" {
		t.Errorf("expected run ID run-1, got %q", event.RunID)
	}
	if event.JobID != "job-1" {
		t.Errorf("expected job ID job-1, got %q", event.JobID)
	}
	if event.Source != "runtime" {
		t.Errorf("expected source runtime, got %q", event.Source)
	}
	if volumes, ok := event.Data["volumes"].(int); !ok || volumes != 7 {
		t.Errorf("expected volumes detail to carry over, got %v", event.Data["volumes"])
	}
}

func TestEventBridgeNilSafety(t *testing.T) {
	var bridge *EventBridge
	if err := bridge.Publish(context.Background(), &runtime.Event{Type: runtime.EventTypeRunStarted}); err != nil {
		t.Fatalf("expected nil bridge to be a no-op, got %v", err)
	}

	bridge = NewEventBridge(nil)
	if err := bridge.Publish(context.Background(), nil); err != nil {
		t.Fatalf("expected nil event to be a no-op, got %v", err)
	}
}
