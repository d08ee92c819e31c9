package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/kingrea/missionctl/internal/eventbridge"
	"github.com/kingrea/missionctl/internal/stage"
)

func TestRenderStatusMarksFailureAndLock(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	resp := eventbridge.StagesResponse{
		MissionID: "m-9",
		Stages: []stage.Status{
			{Stage: stage.Intake, State: stage.StateCompleted, StartedAt: &start, CompletedAt: &end},
			{Stage: stage.Brief, State: stage.StateFailed, StartedAt: &end, CompletedAt: &end, Locked: true},
			{Stage: stage.Toolkits, State: stage.StatePending},
		},
	}
	resp.Summary.Completed = 1
	resp.Summary.Total = stage.Count
	resp.Summary.Failed = stage.Brief

	out := renderStatusAt(resp, 1, end.Add(time.Hour))
	lines := strings.Split(out, "\n")
	if len(lines) != 6 {
		t.Fatalf("expected header, summary, blank and 3 rows, got %d:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[1], "failed: Brief") {
		t.Fatalf("summary missing failure: %q", lines[1])
	}
	if !strings.Contains(lines[3], "1m") {
		t.Fatalf("expected frozen intake duration, got %q", lines[3])
	}
	if !strings.HasPrefix(lines[4], ">") || !strings.Contains(lines[4], "Locked") {
		t.Fatalf("expected selected locked brief row, got %q", lines[4])
	}
	if strings.Contains(lines[5], "·") {
		t.Fatalf("pending stage must not show a duration: %q", lines[5])
	}
}

func TestStageElapsed(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	now := start.Add(30 * time.Second)
	active := stage.Status{State: stage.StateActive, StartedAt: &start}
	if d, ok := stageElapsed(active, now); !ok || d != 30*time.Second {
		t.Fatalf("active elapsed = %v, %v", d, ok)
	}
	before := start.Add(-time.Second)
	clamped := stage.Status{State: stage.StateCompleted, StartedAt: &start, CompletedAt: &before}
	if d, _ := stageElapsed(clamped, now); d != 0 {
		t.Fatalf("expected clamped duration, got %v", d)
	}
	if _, ok := stageElapsed(stage.Status{State: stage.StatePending}, now); ok {
		t.Fatalf("pending stage has no duration")
	}
}

func TestStageTitle(t *testing.T) {
	if got := stageTitle(stage.DryRun); got != "Dry Run" {
		t.Fatalf("unexpected title %q", got)
	}
}
