package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/missionctl/internal/eventbridge"
	"github.com/kingrea/missionctl/internal/stage"
)

var (
	labelStyleCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleActive    = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleLocked    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStylePending   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	detailTextStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	headerStyle         = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	panelStyle          = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#444444")).
				Padding(0, 1)
)

// RenderStatus draws the stage table for a mission. selected marks one row
// with a cursor; pass -1 for none.
func RenderStatus(resp eventbridge.StagesResponse, selected int) string {
	return renderStatusAt(resp, selected, time.Now())
}

func renderStatusAt(resp eventbridge.StagesResponse, selected int, now time.Time) string {
	title := fmt.Sprintf("Mission %s", resp.MissionID)
	if resp.TenantID != "" {
		title += fmt.Sprintf(" · tenant %s", resp.TenantID)
	}
	lines := []string{headerStyle.Render(title), summaryLine(resp), ""}
	for i, st := range resp.Stages {
		lines = append(lines, renderStageLine(st, i == selected, now))
	}
	return strings.Join(lines, "\n")
}

func summaryLine(resp eventbridge.StagesResponse) string {
	sum := resp.Summary
	parts := []string{fmt.Sprintf("%d/%d completed", sum.Completed, sum.Total)}
	if sum.Active != "" {
		parts = append(parts, "active: "+stageTitle(sum.Active))
	}
	if sum.Failed != "" {
		parts = append(parts, labelStyleFailed.Render("failed: "+stageTitle(sum.Failed)))
	}
	if sum.Done {
		parts = append(parts, labelStyleCompleted.Render("done"))
	}
	return strings.Join(parts, " · ")
}

func renderStageLine(st stage.Status, selected bool, now time.Time) string {
	indicator := " "
	if selected {
		indicator = ">"
	}
	name := fmt.Sprintf("%-10s", stageTitle(st.Stage))
	labels := []string{stateStyle(st.State).Render(titleCase(string(st.State)))}
	if st.Locked {
		labels = append(labels, labelStyleLocked.Render("Locked"))
	}
	line := fmt.Sprintf("%s %s [%s]", indicator, name, strings.Join(labels, ", "))
	if d, ok := stageElapsed(st, now); ok {
		line += detailTextStyle.Render(" · " + humanizeDuration(d))
	}
	return line
}

func stateStyle(state stage.State) lipgloss.Style {
	switch state {
	case stage.StateCompleted:
		return labelStyleCompleted
	case stage.StateFailed:
		return labelStyleFailed
	case stage.StateActive:
		return labelStyleActive
	default:
		return labelStylePending
	}
}

// stageElapsed mirrors the server's duration rule for display: active stages
// run until now, finished ones stop at their completion time.
func stageElapsed(st stage.Status, now time.Time) (time.Duration, bool) {
	if st.StartedAt == nil {
		return 0, false
	}
	end := now
	if st.State != stage.StateActive && st.CompletedAt != nil {
		end = *st.CompletedAt
	}
	d := end.Sub(*st.StartedAt)
	if d < 0 {
		d = 0
	}
	return d, true
}

func stageTitle(id stage.ID) string {
	words := strings.Split(string(id), "_")
	for i, w := range words {
		words[i] = titleCase(w)
	}
	return strings.Join(words, " ")
}

func titleCase(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	lower := strings.ToLower(value)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}
