package eventbridge

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kingrea/missionctl/internal/telemetry"
)

func TestRouterBuffersAndFlushes(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(4))
	first := Event{EventID: "evt-1", MissionID: "alpha", Name: "stage_intake_completed"}
	second := Event{EventID: "evt-2", MissionID: "alpha", Name: "stage_brief_started"}
	router.Route(first)
	router.Route(second)
	sub := router.Subscribe("alpha")
	defer sub.Close()
	got1 := <-sub.Events
	if got1.EventID != first.EventID {
		t.Fatalf("expected first buffered event, got %s", got1.EventID)
	}
	got2 := <-sub.Events
	if got2.EventID != second.EventID {
		t.Fatalf("expected second buffered event, got %s", got2.EventID)
	}
}

func TestRouterDedupeByEventID(t *testing.T) {
	router := NewRouter()
	sub := router.Subscribe("alpha")
	defer sub.Close()
	event := Event{EventID: "evt-1", MissionID: "alpha", Name: "stage_intake_completed"}
	router.Route(event)
	router.Route(event)
	select {
	case got := <-sub.Events:
		if got.EventID != event.EventID {
			t.Fatalf("unexpected event: %s", got.EventID)
		}
	default:
		t.Fatalf("expected first delivery")
	}
	select {
	case <-sub.Events:
		t.Fatalf("duplicate event delivered")
	default:
	}
}

func TestRouterDropsOldestOnOverflowForFailure(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(1))
	sub := router.Subscribe("alpha")
	defer sub.Close()
	oldest := Event{EventID: "evt-1", MissionID: "alpha", Name: "stage_intake_completed"}
	failure := Event{EventID: "evt-2", MissionID: "alpha", Name: "stage_brief_failed"}
	router.Route(oldest)
	router.Route(failure)
	if got := <-sub.Events; got.EventID != failure.EventID {
		t.Fatalf("expected failure to replace oldest, got %s", got.EventID)
	}
}

func TestRouterDropsIncomingWhenOldestFailed(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(1))
	sub := router.Subscribe("alpha")
	defer sub.Close()
	oldest := Event{EventID: "evt-1", MissionID: "alpha", Name: "stage_brief_failed"}
	started := Event{EventID: "evt-2", MissionID: "alpha", Name: "stage_toolkits_started"}
	router.Route(oldest)
	router.Route(started)
	if got := <-sub.Events; got.EventID != oldest.EventID {
		t.Fatalf("expected failure event to remain, got %s", got.EventID)
	}
	select {
	case <-sub.Events:
		t.Fatalf("unexpected extra event")
	default:
	}
}

func TestRouterBacklogKeepsFailures(t *testing.T) {
	router := NewRouter(RouterWithBacklogLimit(2))
	router.Route(Event{EventID: "f", MissionID: "alpha", Name: "stage_plan_failed"})
	router.Route(Event{EventID: "a", MissionID: "alpha", Name: "stage_intake_completed"})
	router.Route(Event{EventID: "b", MissionID: "alpha", Name: "stage_brief_started"})
	sub := router.Subscribe("alpha")
	defer sub.Close()
	var ids []string
	for i := 0; i < 2; i++ {
		ids = append(ids, (<-sub.Events).EventID)
	}
	if ids[0] != "f" || ids[1] != "b" {
		t.Fatalf("expected [f b], got %v", ids)
	}
}

func TestRouterEmitStampsEvents(t *testing.T) {
	fixed := time.Unix(1730000000, 0).UTC()
	router := NewRouter(RouterWithClock(func() time.Time { return fixed }))
	sub := router.Subscribe("m-1")
	defer sub.Close()
	payload := telemetry.Payload{MissionID: "m-1", TenantID: "acme", EventData: map[string]any{"duration": int64(5)}}
	if err := router.Emit(context.Background(), "stage_dry_run_completed", payload); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := router.Emit(context.Background(), "stage_evidence_started", payload); err != nil {
		t.Fatalf("emit: %v", err)
	}
	first := <-sub.Events
	second := <-sub.Events
	if first.Stage != "dry_run" || first.Kind != "completed" {
		t.Fatalf("unexpected split: stage=%q kind=%q", first.Stage, first.Kind)
	}
	if first.TenantID != "acme" || !first.ServerTime.Equal(fixed) {
		t.Fatalf("unexpected stamping: %+v", first)
	}
	if first.EventID == "" || first.EventID == second.EventID {
		t.Fatalf("expected unique event ids")
	}
	if second.Sequence != first.Sequence+1 {
		t.Fatalf("expected increasing sequence, got %d then %d", first.Sequence, second.Sequence)
	}
	if err := first.Validate(); err != nil {
		t.Fatalf("emitted event invalid: %v", err)
	}
}

type recordingLogger struct {
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func TestRouterRejectsInvalidEvents(t *testing.T) {
	logger := &recordingLogger{}
	router := NewRouter(RouterWithLogger(logger))
	sub := router.Subscribe("alpha")
	defer sub.Close()
	invalid := []Event{
		{EventID: "v", MissionID: "alpha", Name: "stage_intake_started", Version: 99},
		{MissionID: "alpha", Name: "stage_intake_started"},
		{EventID: "n", MissionID: "alpha"},
		{EventID: "m", MissionID: "  ", Name: "stage_intake_started"},
	}
	for _, evt := range invalid {
		router.Route(evt)
	}
	router.Route(Event{EventID: "ok", MissionID: " alpha ", Name: "stage_intake_started"})
	got := <-sub.Events
	if got.EventID != "ok" || got.Version != EventSchemaVersion || got.Kind != "started" {
		t.Fatalf("expected only the valid event, got %+v", got)
	}
	select {
	case extra := <-sub.Events:
		t.Fatalf("unexpected event delivered: %+v", extra)
	default:
	}
	if len(logger.lines) != len(invalid) {
		t.Fatalf("expected %d rejection logs, got %v", len(invalid), logger.lines)
	}
}

func TestRouterForgetClosesSubscribers(t *testing.T) {
	router := NewRouter()
	sub := router.Subscribe("alpha")
	router.Forget("alpha")
	if _, ok := <-sub.Events; ok {
		t.Fatalf("expected closed channel")
	}
	sub.Close()
	router.Route(Event{EventID: "x", MissionID: "alpha", Name: "stage_intake_started"})
	again := router.Subscribe("alpha")
	defer again.Close()
	if got := <-again.Events; got.EventID != "x" {
		t.Fatalf("expected fresh backlog after forget, got %s", got.EventID)
	}
}

func TestSplitEventName(t *testing.T) {
	cases := []struct {
		name, stage, kind string
	}{
		{"stage_intake_started", "intake", "started"},
		{"stage_dry_run_failed", "dry_run", "failed"},
		{"other", "", ""},
		{"stage_", "", ""},
	}
	for _, tc := range cases {
		s, k := splitEventName(tc.name)
		if s != tc.stage || k != tc.kind {
			t.Fatalf("%s: got (%q, %q)", tc.name, s, k)
		}
	}
}
