package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/missionctl/internal/stage"
	"github.com/kingrea/missionctl/internal/telemetry"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newEngineHarness(t *testing.T) (*Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: epoch}
	return New(WithClock(clock.Now)), clock
}

func mustStatus(t *testing.T, eng *Engine, id stage.ID) stage.Status {
	t.Helper()
	st, ok := eng.Store().Status(id)
	require.True(t, ok, "missing status for %s", id)
	return st
}

func eventNames(events []telemetry.Event) []string {
	names := make([]string, len(events))
	for i, evt := range events {
		names[i] = evt.Name()
	}
	return names
}

func durationOf(t *testing.T, evt telemetry.Event) time.Duration {
	t.Helper()
	require.NotNil(t, evt.Duration, "%s carries no duration", evt.Name())
	return *evt.Duration
}

func TestNewStoreStartsAtIntake(t *testing.T) {
	eng, _ := newEngineHarness(t)
	statuses := eng.Store().Statuses()
	require.Len(t, statuses, stage.Count)

	intake := statuses[0]
	assert.Equal(t, stage.StateActive, intake.State)
	require.NotNil(t, intake.StartedAt)
	assert.True(t, intake.StartedAt.Equal(epoch))
	for _, st := range statuses[1:] {
		assert.Equal(t, stage.StatePending, st.State, st.Stage)
		assert.Nil(t, st.StartedAt, st.Stage)
	}
	assert.Empty(t, eng.Store().Inconsistencies(), "fresh store is consistent")
}

func TestScenarioCompleteIntakeAdvancesBrief(t *testing.T) {
	eng, clock := newEngineHarness(t)
	clock.Advance(90 * time.Second)
	eng.MarkStageCompleted(stage.Intake, nil)

	assert.Equal(t, stage.StateCompleted, mustStatus(t, eng, stage.Intake).State)
	brief := mustStatus(t, eng, stage.Brief)
	assert.Equal(t, stage.StateActive, brief.State)
	require.NotNil(t, brief.StartedAt)
	assert.True(t, brief.StartedAt.Equal(clock.now), "brief starts now")

	events := eng.Queue().Drain()
	require.Equal(t, []string{"stage_intake_completed", "stage_brief_started"}, eventNames(events))
	assert.Equal(t, 90*time.Second, durationOf(t, events[0]))
	assert.Nil(t, events[1].Duration, "started events carry no duration")
}

func TestScenarioFailedPlanBlocksDryRun(t *testing.T) {
	eng, _ := newEngineHarness(t)
	eng.MarkStageFailed(stage.Plan, stage.Metadata{"reason": stage.String("budget")})
	eng.MarkStageStarted(stage.DryRun, nil)

	assert.Equal(t, stage.StatePending, mustStatus(t, eng, stage.DryRun).State)
	plan := mustStatus(t, eng, stage.Plan)
	assert.Equal(t, stage.StateFailed, plan.State)
	assert.True(t, plan.Locked)
	assert.NotNil(t, plan.CompletedAt)
	reason, _ := plan.Metadata["reason"].AsString()
	assert.Equal(t, "budget", reason)

	events := eng.Queue().Drain()
	require.Equal(t, []string{"stage_plan_failed"}, eventNames(events))
	assert.Zero(t, durationOf(t, events[0]), "unstarted stage fails with zero duration")
}

func TestScenarioNextStageAfterFeedback(t *testing.T) {
	eng, _ := newEngineHarness(t)
	_, ok := eng.NextStage(stage.Feedback)
	assert.False(t, ok)
	next, ok := eng.NextStage(stage.Evidence)
	assert.True(t, ok)
	assert.Equal(t, stage.Feedback, next)
}

func TestStartOrderingGuard(t *testing.T) {
	eng, _ := newEngineHarness(t)
	before := eng.Store()
	for _, id := range stage.Order()[2:] {
		eng.MarkStageStarted(id, nil)
	}
	eng.MarkStageStarted(stage.Brief, nil)
	assert.Same(t, before, eng.Store(), "out of order starts are no-ops")
	assert.Zero(t, eng.Queue().Len())

	eng.MarkStageCompleted(stage.Intake, nil)
	eng.Queue().Drain()
	eng.MarkStageCompleted(stage.Brief, nil)
	eng.MarkStageStarted(stage.Toolkits, nil)
	assert.Equal(t, stage.StateActive, mustStatus(t, eng, stage.Toolkits).State)
	eng.MarkStageStarted(stage.Plan, nil)
	assert.Equal(t, stage.StatePending, mustStatus(t, eng, stage.Plan).State, "plan blocked while inspect pending")
}

func TestStartIsIdempotentAndMergesMetadata(t *testing.T) {
	eng, clock := newEngineHarness(t)
	eng.MarkStageStarted(stage.Intake, stage.Metadata{"source": stage.String("web"), "attempt": stage.Number(1)})
	first := mustStatus(t, eng, stage.Intake)
	clock.Advance(time.Minute)
	eng.MarkStageStarted(stage.Intake, stage.Metadata{"attempt": stage.Number(2)})
	second := mustStatus(t, eng, stage.Intake)

	assert.True(t, second.StartedAt.Equal(*first.StartedAt), "start time preserved")
	src, _ := second.Metadata["source"].AsString()
	assert.Equal(t, "web", src, "earlier metadata survives the merge")
	attempt, _ := second.Metadata["attempt"].AsNumber()
	assert.Equal(t, float64(2), attempt)

	events := eng.Queue().Drain()
	require.Len(t, events, 2)
	assert.Equal(t, telemetry.KindStarted, events[1].Kind)
	assert.NotContains(t, events[1].Metadata, "source", "event metadata carries only the caller patch")
}

func TestTransitionsCopyCallerMetadata(t *testing.T) {
	eng, _ := newEngineHarness(t)
	inner := stage.Metadata{"ticket": stage.String("OPS-1")}
	meta := stage.Metadata{"operator": stage.String("kim"), "context": stage.Map(inner)}
	eng.MarkStageCompleted(stage.Intake, meta)
	eng.MarkStageFailed(stage.Brief, meta)
	stored := eng.Store()

	meta["operator"] = stage.String("lee")
	inner["ticket"] = stage.String("OPS-2")

	assertOwned := func(label string, m stage.Metadata) {
		t.Helper()
		op, _ := m["operator"].AsString()
		assert.Equal(t, "kim", op, label)
		nested, _ := m["context"].AsMap()
		ticket, _ := nested["ticket"].AsString()
		assert.Equal(t, "OPS-1", ticket, label)
	}
	for _, id := range []stage.ID{stage.Intake, stage.Brief} {
		assertOwned(string(id), mustStatus(t, eng, id).Metadata)
	}
	assert.Same(t, stored, eng.Store())

	events := eng.Queue().Drain()
	require.Equal(t, []string{"stage_intake_completed", "stage_brief_started", "stage_brief_failed"}, eventNames(events))
	assertOwned(events[0].Name(), events[0].Metadata)
	assertOwned(events[2].Name(), events[2].Metadata)
}

func TestStartRejectsTerminalStages(t *testing.T) {
	eng, _ := newEngineHarness(t)
	eng.MarkStageCompleted(stage.Intake, nil)
	eng.Queue().Drain()
	snapshot := eng.Store()
	eng.MarkStageStarted(stage.Intake, nil)
	assert.Same(t, snapshot, eng.Store())
	assert.Zero(t, eng.Queue().Len())
}

func TestUnknownStageIsNoop(t *testing.T) {
	eng, _ := newEngineHarness(t)
	before := eng.Store()
	eng.MarkStageStarted("launch", nil)
	eng.MarkStageCompleted("launch", nil)
	eng.MarkStageFailed("launch", nil)
	assert.Same(t, before, eng.Store())
	assert.Zero(t, eng.Queue().Len())
	_, ok := eng.StageDuration("launch")
	assert.False(t, ok)
}

func TestCompleteIsUnconditional(t *testing.T) {
	eng, _ := newEngineHarness(t)
	eng.MarkStageCompleted(stage.Inspect, nil)
	inspect := mustStatus(t, eng, stage.Inspect)
	assert.Equal(t, stage.StateCompleted, inspect.State)
	assert.Nil(t, inspect.StartedAt)
	assert.Equal(t, stage.StateActive, mustStatus(t, eng, stage.Plan).State, "plan auto-started")
	eng.Queue().Drain()

	eng.MarkStageCompleted(stage.Inspect, nil)
	assert.Equal(t, []string{"stage_inspect_completed", "stage_plan_started"}, eventNames(eng.Queue().Drain()),
		"re-completion emits again")
}

func TestCompleteSkipsFailedSuccessor(t *testing.T) {
	eng, _ := newEngineHarness(t)
	eng.MarkStageFailed(stage.Brief, nil)
	eng.Queue().Drain()
	eng.MarkStageCompleted(stage.Intake, nil)
	assert.Equal(t, stage.StateFailed, mustStatus(t, eng, stage.Brief).State)
	assert.Equal(t, []string{"stage_intake_completed"}, eventNames(eng.Queue().Drain()))
}

func TestCompleteFinalStageDoesNotAdvance(t *testing.T) {
	eng, _ := newEngineHarness(t)
	eng.MarkStageCompleted(stage.Feedback, nil)
	assert.Equal(t, []string{"stage_feedback_completed"}, eventNames(eng.Queue().Drain()))
	assert.True(t, eng.Store().Summary().Done)
}

func TestTerminalLockAfterFailure(t *testing.T) {
	eng, _ := newEngineHarness(t)
	eng.MarkStageFailed(stage.Intake, nil)
	eng.Queue().Drain()
	locked := eng.Store()
	eng.MarkStageStarted(stage.Intake, nil)
	eng.MarkStageCompleted(stage.Intake, nil)
	assert.Same(t, locked, eng.Store(), "failed stage stays untouched")
	assert.Equal(t, stage.StateFailed, mustStatus(t, eng, stage.Intake).State)
	assert.Equal(t, stage.StatePending, mustStatus(t, eng, stage.Brief).State, "failure does not advance")

	eng.MarkStageFailed(stage.Intake, stage.Metadata{"retry": stage.Bool(false)})
	assert.Equal(t, []string{"stage_intake_failed"}, eventNames(eng.Queue().Drain()), "re-fail emits again")
}

func TestStageDurationIsMonotonicWhileActive(t *testing.T) {
	eng, clock := newEngineHarness(t)
	_, ok := eng.StageDuration(stage.Brief)
	assert.False(t, ok, "unstarted stage has no duration")

	var last time.Duration
	for i := 0; i < 5; i++ {
		clock.Advance(time.Duration(i) * time.Second)
		d, ok := eng.StageDuration(stage.Intake)
		require.True(t, ok)
		require.GreaterOrEqual(t, d, last)
		last = d
	}
	eng.MarkStageCompleted(stage.Intake, nil)
	final, _ := eng.StageDuration(stage.Intake)
	clock.Advance(time.Hour)
	d, _ := eng.StageDuration(stage.Intake)
	assert.Equal(t, final, d, "completed duration is frozen")
	assert.Equal(t, 10*time.Second, final)
}

func TestEngineWithStoreAndQueue(t *testing.T) {
	q := telemetry.NewQueue()
	base := NewStore(epoch)
	eng := New(WithStore(base), WithQueue(q), WithClock(func() time.Time { return epoch }))
	assert.Same(t, base, eng.Store())
	assert.Same(t, q, eng.Queue())

	eng.MarkStageCompleted(stage.Intake, nil)
	assert.Equal(t, 2, q.Len())
	st, _ := base.Status(stage.Intake)
	assert.Equal(t, stage.StateActive, st.State, "previous store is unchanged")
}

func TestSummary(t *testing.T) {
	eng, _ := newEngineHarness(t)
	eng.MarkStageCompleted(stage.Intake, nil)
	eng.MarkStageCompleted(stage.Brief, nil)
	eng.MarkStageFailed(stage.Toolkits, nil)
	assert.Equal(t, Summary{Completed: 2, Total: stage.Count, Failed: stage.Toolkits}, eng.Store().Summary())
}
