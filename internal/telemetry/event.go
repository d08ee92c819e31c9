// Package telemetry carries stage transition side effects out of the
// lifecycle engine. The engine appends Events to a Queue; a Dispatcher
// drains the queue on its own goroutine and forwards each event to a Sink.
// Delivery is fire-and-forget: sink errors are logged and dropped, and never
// reach the code path that produced the event.
package telemetry

import (
	"fmt"
	"time"

	"github.com/kingrea/missionctl/internal/stage"
)

// Kind classifies a stage transition event.
type Kind string

const (
	KindStarted   Kind = "started"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
)

// Event records a single accepted stage transition.
type Event struct {
	Kind      Kind
	Stage     stage.ID
	Timestamp time.Time
	// Duration is only set for completed and failed events.
	Duration *time.Duration
	Metadata stage.Metadata
}

// Name returns the sink event name, e.g. stage_intake_completed.
func (e Event) Name() string {
	return fmt.Sprintf("stage_%s_%s", e.Stage, e.Kind)
}

// Data builds the sink payload body. Caller metadata is merged in first so
// the stage, timestamp and duration keys always reflect the transition.
func (e Event) Data() map[string]any {
	data := make(map[string]any, len(e.Metadata)+3)
	for key, v := range e.Metadata {
		data[key] = v.Interface()
	}
	data["stage"] = string(e.Stage)
	data["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	if e.Duration != nil && (e.Kind == KindCompleted || e.Kind == KindFailed) {
		data["duration"] = e.Duration.Milliseconds()
	}
	return data
}

// Payload is the envelope handed to a Sink.
type Payload struct {
	MissionID string         `json:"missionId"`
	TenantID  string         `json:"tenantId"`
	EventData map[string]any `json:"eventData"`
}
