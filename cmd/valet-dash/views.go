package main

import (
	"fmt"
	"strings"

	"valet/pkg/eventlog"
	"valet/pkg/protocol"
)

// render draws the full dashboard: header, tab bar, and the active view.
func (m Model) render() string {
	var sb strings.Builder
	sb.WriteString(m.renderHeader())
	sb.WriteString("\n")
	sb.WriteString(m.renderTabs())
	sb.WriteString("\n\n")

	if m.snap == nil {
		sb.WriteString(m.styles.Muted.Render("No state database yet. Run `valet start` first."))
		sb.WriteString("\n")
		return sb.String()
	}

	switch m.activeView {
	case TasksView:
		sb.WriteString(m.renderTasks())
	case RunsView:
		sb.WriteString(m.renderRuns())
	case EventsView:
		sb.WriteString(m.renderEvents())
	}

	sb.WriteString("\n")
	sb.WriteString(m.styles.Muted.Render("1/2/3 switch view · r refresh · q quit"))
	return sb.String()
}

// renderHeader shows daemon health, budget, and the active profile.
func (m Model) renderHeader() string {
	title := m.styles.Title.Render("valet")

	health := m.styles.Offline.Render("● daemon offline")
	if m.snap != nil && m.snap.DaemonRunning {
		health = m.styles.Online.Render("● daemon running")
	}

	extra := ""
	if m.snap != nil {
		profile := m.snap.ActiveProfile
		if profile == "" {
			profile = "default"
		}
		extra = fmt.Sprintf("  budget %.2f today  ·  profile %s", m.snap.BudgetUsed, profile)
	}
	return fmt.Sprintf("%s  %s%s", title, health, extra)
}

// renderTabs draws the view selector.
func (m Model) renderTabs() string {
	names := []string{"Tasks", "Runs", "Events"}
	active := m.styles.TabActive
	inactive := m.styles.TabDim

	parts := make([]string, 0, len(names))
	for i, name := range names {
		label := fmt.Sprintf("[%d] %s", i+1, name)
		if ViewType(i) == m.activeView {
			parts = append(parts, active.Render(label))
		} else {
			parts = append(parts, inactive.Render(label))
		}
	}
	return strings.Join(parts, "  ")
}

// renderTasks draws one row per scheduled task.
func (m Model) renderTasks() string {
	if len(m.snap.Tasks) == 0 {
		return m.styles.Muted.Render("No tasks have run yet")
	}

	var sb strings.Builder
	header := m.styles.Header
	sb.WriteString(header.Render(fmt.Sprintf("%-24s %-18s %-14s %s", "TASK", "LAST RUN", "STATUS", "PREVIEW")))
	sb.WriteString("\n")
	for _, st := range m.snap.Tasks {
		last := "never"
		if !st.LastRun.IsZero() {
			last = st.LastRun.Local().Format("01-02 15:04")
		}
		sb.WriteString(fmt.Sprintf("%-24s %-18s %s %s\n",
			truncate(st.Name, 24), last,
			m.renderStatus(st.LastStatus, 14),
			truncate(collapse(st.LastPreview), m.previewWidth(60))))
	}
	return sb.String()
}

// renderRuns draws recent run history newest first.
func (m Model) renderRuns() string {
	if len(m.snap.Runs) == 0 {
		return m.styles.Muted.Render("No runs recorded")
	}

	var sb strings.Builder
	header := m.styles.Header
	sb.WriteString(header.Render(fmt.Sprintf("%-12s %-20s %-14s %6s  %s", "WHEN", "ORIGIN", "STATUS", "COST", "PREVIEW")))
	sb.WriteString("\n")
	for _, run := range m.visibleRuns() {
		origin := run.TaskName
		if origin == "" {
			origin = run.Channel
		}
		sb.WriteString(fmt.Sprintf("%-12s %-20s %s %6.2f  %s\n",
			run.StartedAt.Local().Format("01-02 15:04"),
			truncate(origin, 20),
			m.renderStatus(run.Status, 14),
			run.CostUnits,
			truncate(collapse(run.Preview), m.previewWidth(40))))
	}
	return sb.String()
}

// renderEvents draws the raw event feed.
func (m Model) renderEvents() string {
	if len(m.snap.Events) == 0 {
		return m.styles.Muted.Render("No events recorded")
	}

	var sb strings.Builder
	muted := m.styles.Muted
	for _, ev := range m.visibleEvents() {
		origin := ev.TaskName
		if origin == "" {
			origin = ev.Channel
		}
		sb.WriteString(fmt.Sprintf("%s  %-14s %-18s %s\n",
			muted.Render(ev.CreatedAt.Local().Format("15:04:05")),
			ev.Type, truncate(origin, 18),
			truncate(collapse(ev.Payload), m.previewWidth(50))))
	}
	return sb.String()
}

// renderStatus colors a run status by outcome class.
func (m Model) renderStatus(status protocol.RunStatus, width int) string {
	return m.styles.Status(status).Width(width).Render(string(status))
}

// visibleRuns bounds the run list to the terminal height.
func (m Model) visibleRuns() []protocol.RunRecord {
	max := m.visibleRows()
	if len(m.snap.Runs) <= max {
		return m.snap.Runs
	}
	return m.snap.Runs[:max]
}

// visibleEvents bounds the event feed to the terminal height.
func (m Model) visibleEvents() []eventlog.Event {
	max := m.visibleRows()
	if len(m.snap.Events) <= max {
		return m.snap.Events
	}
	return m.snap.Events[:max]
}

// visibleRows is how many data rows fit below the chrome.
func (m Model) visibleRows() int {
	if m.height == 0 {
		return 20
	}
	rows := m.height - 6
	if rows < 5 {
		return 5
	}
	return rows
}

// previewWidth adapts preview columns to the terminal width.
func (m Model) previewWidth(def int) int {
	if m.width == 0 {
		return def
	}
	w := m.width - 60
	if w < 20 {
		return 20
	}
	return w
}

// truncate cuts s to max runes with an ellipsis.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max < 1 {
		return ""
	}
	return string(runes[:max-1]) + "…"
}

// collapse flattens text to a single line.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
