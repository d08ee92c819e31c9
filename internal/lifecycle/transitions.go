package lifecycle

import (
	"time"

	"github.com/kingrea/missionctl/internal/stage"
	"github.com/kingrea/missionctl/internal/telemetry"
)

// The transition functions are pure: they read prev, and either return prev
// untouched with no events (a rejected call) or a fresh store plus the events
// describing what changed. The caller's meta is copied before it is stored or
// queued, so the caller may keep mutating it.

func start(prev *Store, id stage.ID, meta stage.Metadata, now time.Time) (*Store, []telemetry.Event) {
	rec, _, ok := prev.record(id)
	if !ok || !canStart(prev, rec) {
		return prev, nil
	}
	meta = meta.Clone()
	rec = activate(rec, now)
	rec.Metadata = rec.Metadata.Merge(meta)
	return prev.with(rec), []telemetry.Event{{
		Kind:      telemetry.KindStarted,
		Stage:     id,
		Timestamp: now,
		Metadata:  meta,
	}}
}

func canStart(s *Store, rec stage.Status) bool {
	if rec.State.Terminal() || rec.Locked {
		return false
	}
	if rec.State == stage.StateActive {
		return true
	}
	prevID, ok := stage.Prev(rec.Stage)
	if !ok {
		return true
	}
	before, _, _ := s.record(prevID)
	return before.State == stage.StateCompleted
}

func complete(prev *Store, id stage.ID, meta stage.Metadata, now time.Time) (*Store, []telemetry.Event) {
	rec, _, ok := prev.record(id)
	if !ok || rec.State == stage.StateFailed || rec.Locked {
		return prev, nil
	}
	meta = meta.Clone()
	rec = finish(rec, stage.StateCompleted, now)
	rec.Metadata = rec.Metadata.Merge(meta)
	events := []telemetry.Event{{
		Kind:      telemetry.KindCompleted,
		Stage:     id,
		Timestamp: now,
		Duration:  runDuration(rec),
		Metadata:  meta,
	}}
	changed := []stage.Status{rec}
	if nextID, ok := stage.Next(id); ok {
		succ, _, _ := prev.record(nextID)
		if succ.State != stage.StateFailed {
			changed = append(changed, activate(succ, now))
			events = append(events, telemetry.Event{
				Kind:      telemetry.KindStarted,
				Stage:     nextID,
				Timestamp: now,
			})
		}
	}
	return prev.with(changed...), events
}

func fail(prev *Store, id stage.ID, meta stage.Metadata, now time.Time) (*Store, []telemetry.Event) {
	rec, _, ok := prev.record(id)
	if !ok {
		return prev, nil
	}
	meta = meta.Clone()
	rec = finish(rec, stage.StateFailed, now)
	rec.Locked = true
	rec.Metadata = rec.Metadata.Merge(meta)
	return prev.with(rec), []telemetry.Event{{
		Kind:      telemetry.KindFailed,
		Stage:     id,
		Timestamp: now,
		Duration:  runDuration(rec),
		Metadata:  meta,
	}}
}

// activate marks rec active, keeping an existing start time.
func activate(rec stage.Status, now time.Time) stage.Status {
	rec.State = stage.StateActive
	if rec.StartedAt == nil {
		started := now
		rec.StartedAt = &started
	}
	return rec
}

func finish(rec stage.Status, state stage.State, now time.Time) stage.Status {
	rec.State = state
	completed := now
	rec.CompletedAt = &completed
	return rec
}

// runDuration measures completedAt - (startedAt or completedAt). A stage that
// never started therefore reports zero.
func runDuration(rec stage.Status) *time.Duration {
	if rec.CompletedAt == nil {
		return nil
	}
	from := *rec.CompletedAt
	if rec.StartedAt != nil {
		from = *rec.StartedAt
	}
	d := clampDuration(rec.CompletedAt.Sub(from))
	return &d
}

// elapsed is the query-side duration: live for an active stage, fixed once
// the stage has finished.
func elapsed(rec stage.Status, now time.Time) (time.Duration, bool) {
	if rec.StartedAt == nil {
		return 0, false
	}
	end := now
	if rec.State != stage.StateActive && rec.CompletedAt != nil {
		end = *rec.CompletedAt
	}
	return clampDuration(end.Sub(*rec.StartedAt)), true
}

func clampDuration(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
