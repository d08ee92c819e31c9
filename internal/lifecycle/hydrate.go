package lifecycle

import (
	"time"

	"github.com/kingrea/missionctl/internal/stage"
)

// SkippedEntry describes a snapshot entry that could not be applied.
type SkippedEntry struct {
	Index  int    `json:"index"`
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

// Report summarizes one hydration call.
type Report struct {
	// Changed lists the stages whose records differ from the previous store.
	Changed []stage.ID     `json:"changed,omitempty"`
	Skipped []SkippedEntry `json:"skipped,omitempty"`
	// Inconsistent lists progression rule violations present in the
	// resulting store. Hydration never repairs them.
	Inconsistent []string `json:"inconsistent,omitempty"`
}

// Hydrate overlays snapshot entries onto prev, bypassing transition guards.
// Entries apply in order, so a later entry for the same stage wins. When no
// record ends up different from prev, prev itself is returned.
func Hydrate(prev *Store, entries []Entry) (*Store, Report) {
	var report Report
	records := prev.records
	for i, entry := range entries {
		id, ok := stage.Parse(entry.Stage)
		if !ok {
			report.Skipped = append(report.Skipped, SkippedEntry{Index: i, Stage: entry.Stage, Reason: "unknown stage"})
			continue
		}
		idx := stage.Index(id)
		candidate, ok := overlay(records[idx], entry)
		if !ok {
			report.Skipped = append(report.Skipped, SkippedEntry{Index: i, Stage: entry.Stage, Reason: "unknown state " + entry.State})
			continue
		}
		records[idx] = candidate
	}

	next := prev
	for idx := range records {
		if !recordChanged(prev.records[idx], records[idx]) {
			continue
		}
		if next == prev {
			next = &Store{records: prev.records}
		}
		next.records[idx] = records[idx]
		report.Changed = append(report.Changed, records[idx].Stage)
	}
	report.Inconsistent = next.Inconsistencies()
	return next, report
}

func overlay(rec stage.Status, entry Entry) (stage.Status, bool) {
	stateSet := false
	if entry.State != "" {
		state, ok := stage.ParseState(entry.State)
		if !ok {
			return rec, false
		}
		rec.State = state
		stateSet = true
	}
	if entry.StartedAt.Present {
		rec.StartedAt = entry.StartedAt.Time()
	}
	if entry.CompletedAt.Present {
		rec.CompletedAt = entry.CompletedAt.Time()
	}
	if entry.Metadata != nil {
		rec.Metadata = entry.Metadata.Clone()
	}
	switch {
	case entry.Locked != nil:
		rec.Locked = *entry.Locked
	case stateSet && rec.State == stage.StateFailed:
		rec.Locked = true
	}
	return rec, true
}

func recordChanged(prev, next stage.Status) bool {
	return prev.State != next.State ||
		prev.Locked != next.Locked ||
		!sameInstant(prev.StartedAt, next.StartedAt) ||
		!sameInstant(prev.CompletedAt, next.CompletedAt) ||
		!(prev.Metadata.Same(next.Metadata) || prev.Metadata.Equal(next.Metadata))
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
