package lifecycle

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/missionctl/internal/stage"
)

func TestScenarioHydrateCompletedPlan(t *testing.T) {
	eng, _ := newEngineHarness(t)
	before := eng.Store()
	report := eng.HydrateStages([]Entry{{
		Stage:       "plan",
		State:       "completed",
		CompletedAt: RawTime("2025-01-01T00:00:00Z"),
	}})

	plan := mustStatus(t, eng, stage.Plan)
	assert.Equal(t, stage.StateCompleted, plan.State)
	require.NotNil(t, plan.CompletedAt)
	assert.True(t, plan.CompletedAt.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	for _, id := range stage.Order() {
		if id == stage.Plan {
			continue
		}
		prev, _ := before.Status(id)
		next := mustStatus(t, eng, id)
		assert.False(t, recordChanged(prev, next), "%s untouched", id)
	}
	assert.Equal(t, []stage.ID{stage.Plan}, report.Changed)
	assert.NotEmpty(t, report.Inconsistent, "completed plan ahead of pending inspect is reported")
	assert.Zero(t, eng.Queue().Len(), "hydration queues no telemetry")
}

func TestHydrateTwiceKeepsIdentity(t *testing.T) {
	eng, _ := newEngineHarness(t)
	locked := true
	snapshot := []Entry{
		{Stage: "intake", State: "completed", StartedAt: RawTime("2025-01-01T00:00:00Z"), CompletedAt: RawTime(int64(1735693200000))},
		{Stage: "brief", State: "active", Metadata: stage.Metadata{"owner": stage.String("ops")}},
		{Stage: "toolkits", State: "failed", Locked: &locked},
	}
	eng.HydrateStages(snapshot)
	first := eng.Store()
	report := eng.HydrateStages(snapshot)
	assert.Same(t, first, eng.Store())
	assert.Empty(t, report.Changed)

	// A freshly decoded copy of the same snapshot is structurally equal.
	data, err := json.Marshal(snapshot)
	require.NoError(t, err)
	var decoded []Entry
	require.NoError(t, json.Unmarshal(data, &decoded))
	eng.HydrateStages(decoded)
	assert.Same(t, first, eng.Store(), "identity survives a re-decoded snapshot")
}

func TestHydrateSkipsUnknownEntriesIndividually(t *testing.T) {
	eng, _ := newEngineHarness(t)
	report := eng.HydrateStages([]Entry{
		{Stage: "launch", State: "completed"},
		{Stage: "brief", State: "paused"},
		{Stage: "inspect", State: "active"},
	})
	require.Len(t, report.Skipped, 2)
	assert.Equal(t, 0, report.Skipped[0].Index)
	assert.Equal(t, 1, report.Skipped[1].Index)
	assert.Equal(t, stage.StateActive, mustStatus(t, eng, stage.Inspect).State)
	assert.Equal(t, stage.StatePending, mustStatus(t, eng, stage.Brief).State)
}

func TestHydrateTimestampCoercion(t *testing.T) {
	want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := map[string]struct {
		raw  any
		want *time.Time
	}{
		"time":          {raw: want, want: &want},
		"rfc3339":       {raw: "2025-01-01T00:00:00Z", want: &want},
		"offset":        {raw: "2025-01-01T02:00:00+02:00", want: &want},
		"date only":     {raw: "2025-01-01", want: &want},
		"epoch millis":  {raw: want.UnixMilli(), want: &want},
		"float millis":  {raw: float64(want.UnixMilli()), want: &want},
		"numeric text":  {raw: "1735689600000", want: &want},
		"json number":   {raw: json.Number("1735689600000"), want: &want},
		"year":          {raw: "2025", want: &want},
		"short digits":  {raw: "20250", want: nil},
		"garbage":       {raw: "not a date", want: nil},
		"boolean":       {raw: true, want: nil},
		"explicit null": {raw: nil, want: nil},
	}
	for name, tc := range cases {
		got := RawTime(tc.raw).Time()
		if tc.want == nil {
			assert.Nil(t, got, name)
			continue
		}
		if assert.NotNil(t, got, name) {
			assert.True(t, got.Equal(*tc.want), "%s: got %v", name, got)
		}
	}
	assert.Nil(t, (TimeField{}).Time(), "absent field resolves to nil")
}

func TestHydrateOmittedFieldsAreUntouched(t *testing.T) {
	eng, _ := newEngineHarness(t)
	eng.MarkStageStarted(stage.Intake, stage.Metadata{"source": stage.String("web")})
	intake := mustStatus(t, eng, stage.Intake)

	eng.HydrateStages([]Entry{{Stage: "intake", CompletedAt: RawTime("garbage")}})
	got := mustStatus(t, eng, stage.Intake)
	assert.Equal(t, stage.StateActive, got.State)
	assert.True(t, got.StartedAt.Equal(*intake.StartedAt))
	assert.Nil(t, got.CompletedAt, "unparsable completedAt clears")
	src, _ := got.Metadata["source"].AsString()
	assert.Equal(t, "web", src)

	eng.HydrateStages([]Entry{{Stage: "intake", StartedAt: Cleared()}})
	assert.Nil(t, mustStatus(t, eng, stage.Intake).StartedAt, "explicit null clears startedAt")
}

func TestHydrateCopiesEntryMetadata(t *testing.T) {
	eng, _ := newEngineHarness(t)
	meta := stage.Metadata{"reason": stage.String("imported")}
	eng.HydrateStages([]Entry{{Stage: "plan", State: "completed", Metadata: meta}})
	hydrated := eng.Store()

	meta["reason"] = stage.String("edited")
	reason, _ := mustStatus(t, eng, stage.Plan).Metadata["reason"].AsString()
	assert.Equal(t, "imported", reason, "stored metadata is independent of the entry")

	eng.HydrateStages([]Entry{{Stage: "plan", Metadata: stage.Metadata{"reason": stage.String("imported")}}})
	assert.Same(t, hydrated, eng.Store(), "equal metadata keeps identity")
}

func TestHydrateLockedDefaults(t *testing.T) {
	eng, _ := newEngineHarness(t)
	unlocked := false
	eng.HydrateStages([]Entry{
		{Stage: "plan", State: "failed"},
		{Stage: "evidence", State: "failed", Locked: &unlocked},
	})
	assert.True(t, mustStatus(t, eng, stage.Plan).Locked, "failed plan defaults to locked")
	assert.False(t, mustStatus(t, eng, stage.Evidence).Locked, "explicit locked=false wins")
}

func TestHydrateBypassesGuards(t *testing.T) {
	eng, _ := newEngineHarness(t)
	eng.MarkStageFailed(stage.Intake, nil)
	unlocked := false
	eng.HydrateStages([]Entry{{Stage: "intake", State: "completed", Locked: &unlocked}})
	st := mustStatus(t, eng, stage.Intake)
	assert.Equal(t, stage.StateCompleted, st.State)
	assert.False(t, st.Locked)
}

func TestEntryJSONDistinguishesNullFromOmitted(t *testing.T) {
	var entries []Entry
	data := `[
		{"stage":"plan","state":"active","startedAt":null},
		{"stage":"plan","completedAt":1735689600000,"metadata":{"n":1}}
	]`
	require.NoError(t, json.Unmarshal([]byte(data), &entries))

	assert.True(t, entries[0].StartedAt.Present)
	assert.Nil(t, entries[0].StartedAt.Time(), "explicit null startedAt")
	assert.False(t, entries[0].CompletedAt.Present)
	assert.NotNil(t, entries[1].CompletedAt.Time())
	n, ok := entries[1].Metadata["n"].AsNumber()
	assert.True(t, ok)
	assert.Equal(t, float64(1), n)
}

func TestEntryJSONKeepsEmptyMetadata(t *testing.T) {
	data, err := json.Marshal([]Entry{{Stage: "intake", Metadata: stage.Metadata{}}, {Stage: "brief"}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"metadata":{}`)

	var entries []Entry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.NotNil(t, entries[0].Metadata)
	assert.Empty(t, entries[0].Metadata)
	assert.Nil(t, entries[1].Metadata)

	eng, _ := newEngineHarness(t)
	eng.MarkStageStarted(stage.Intake, stage.Metadata{"source": stage.String("web")})
	eng.HydrateStages(entries)
	assert.Empty(t, mustStatus(t, eng, stage.Intake).Metadata, "empty metadata clears the record")
}

func TestEntriesFromStatusesRoundTrip(t *testing.T) {
	source, clock := newEngineHarness(t)
	source.MarkStageCompleted(stage.Intake, stage.Metadata{"by": stage.String("alice")})
	clock.Advance(time.Minute)
	source.MarkStageFailed(stage.Brief, nil)

	target, _ := newEngineHarness(t)
	target.HydrateStages(EntriesFromStatuses(source.Store().Statuses()))
	for _, id := range stage.Order() {
		want := mustStatus(t, source, id)
		got := mustStatus(t, target, id)
		assert.False(t, recordChanged(want, got), "%s: expected %+v, got %+v", id, want, got)
	}
}
