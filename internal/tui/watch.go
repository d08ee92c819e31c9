package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/missionctl/internal/eventbridge"
	"github.com/kingrea/missionctl/internal/stage"
)

const (
	defaultRefreshInterval = 5 * time.Second
	requestTimeout         = 5 * time.Second
	eventPanelSize         = 8
)

// Source is the subset of the bridge client the watch view needs.
type Source interface {
	Stages(ctx context.Context, mission string) (eventbridge.StagesResponse, error)
	Transition(ctx context.Context, mission string, id stage.ID, action string, meta stage.Metadata) (eventbridge.StagesResponse, error)
}

// EventMsg feeds a streamed mission event into the watch view. Programs
// deliver it with tea.Program.Send.
type EventMsg eventbridge.Event

type stagesMsg struct {
	resp eventbridge.StagesResponse
	err  error
}

type refreshMsg struct {
	gen int
}

// WatchOption customizes a Watch model.
type WatchOption func(*Watch)

// WithRefreshInterval sets how often the stage table is polled.
func WithRefreshInterval(d time.Duration) WatchOption {
	return func(w *Watch) {
		if d > 0 {
			w.refresh = d
		}
	}
}

// Watch is a bubbletea model that follows one mission.
type Watch struct {
	source   Source
	mission  string
	refresh  time.Duration
	resp     eventbridge.StagesResponse
	loaded   bool
	err      error
	gen      int
	selected int
	width    int
	events   []string
	spinner  spinner.Model
	progress progress.Model
}

// NewWatch builds a watch model for mission backed by source.
func NewWatch(source Source, mission string, opts ...WatchOption) *Watch {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = labelStyleActive
	w := &Watch{
		source:   source,
		mission:  mission,
		refresh:  defaultRefreshInterval,
		spinner:  sp,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Init is called once when the program starts.
func (w *Watch) Init() tea.Cmd {
	return tea.Batch(w.fetch(), w.spinner.Tick)
}

// Update is called when a message is received.
func (w *Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		w.width = msg.Width
		w.progress.Width = max(10, msg.Width-20)
		return w, nil

	case stagesMsg:
		if msg.err != nil {
			w.err = msg.err
		} else {
			w.err = nil
			w.resp = msg.resp
			w.loaded = true
			if w.selected >= len(w.resp.Stages) {
				w.selected = max(0, len(w.resp.Stages)-1)
			}
		}
		return w, w.scheduleRefresh()

	case refreshMsg:
		if msg.gen != w.gen {
			return w, nil
		}
		return w, w.fetch()

	case EventMsg:
		w.recordEvent(eventbridge.Event(msg))
		return w, w.fetch()

	case spinner.TickMsg:
		var cmd tea.Cmd
		w.spinner, cmd = w.spinner.Update(msg)
		return w, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return w, tea.Quit
		case "r":
			return w, w.fetch()
		case "up", "k":
			if w.selected > 0 {
				w.selected--
			}
		case "down", "j":
			if w.selected < len(w.resp.Stages)-1 {
				w.selected++
			}
		case "s":
			return w, w.transition("start")
		case "c":
			return w, w.transition("complete")
		case "f":
			return w, w.transition("fail")
		}
	}
	return w, nil
}

// View renders the watch screen.
func (w *Watch) View() string {
	if !w.loaded {
		if w.err != nil {
			return fmt.Sprintf("Mission error: %v\n\nr=retry  q=quit", w.err)
		}
		return fmt.Sprintf("%s Loading mission %s…", w.spinner.View(), w.mission)
	}
	sum := w.resp.Summary
	percent := 0.0
	if sum.Total > 0 {
		percent = float64(sum.Completed) / float64(sum.Total)
	}
	sections := []string{
		renderStatusAt(w.resp, w.selected, time.Now()),
		"",
		w.progress.ViewAs(percent),
	}
	if w.err != nil {
		sections = append(sections, labelStyleFailed.Render(fmt.Sprintf("last refresh failed: %v", w.err)))
	}
	if panel := w.renderEventPanel(); panel != "" {
		sections = append(sections, "", panel)
	}
	sections = append(sections, "", "s=start  c=complete  f=fail  r=refresh  q=quit")
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (w *Watch) renderEventPanel() string {
	if len(w.events) == 0 {
		return ""
	}
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF")).Render("EVENTS")
	body := lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")).Render(strings.Join(w.events, "\n"))
	return panelStyle.Render(head + "\n" + body)
}

func (w *Watch) recordEvent(evt eventbridge.Event) {
	line := evt.Name
	if !evt.ServerTime.IsZero() {
		line = evt.ServerTime.Local().Format("15:04:05") + " " + line
	}
	if d, ok := evt.Data["duration"]; ok {
		line += fmt.Sprintf(" (%vms)", d)
	}
	w.events = append(w.events, line)
	if len(w.events) > eventPanelSize {
		w.events = w.events[len(w.events)-eventPanelSize:]
	}
}

func (w *Watch) fetch() tea.Cmd {
	source, mission := w.source, w.mission
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		resp, err := source.Stages(ctx, mission)
		return stagesMsg{resp: resp, err: err}
	}
}

func (w *Watch) transition(action string) tea.Cmd {
	if w.selected < 0 || w.selected >= len(w.resp.Stages) {
		return nil
	}
	id := w.resp.Stages[w.selected].Stage
	source, mission := w.source, w.mission
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		resp, err := source.Transition(ctx, mission, id, action, nil)
		return stagesMsg{resp: resp, err: err}
	}
}

// scheduleRefresh supersedes any pending refresh so only one poll chain runs.
func (w *Watch) scheduleRefresh() tea.Cmd {
	w.gen++
	gen := w.gen
	return tea.Tick(w.refresh, func(time.Time) tea.Msg {
		return refreshMsg{gen: gen}
	})
}
