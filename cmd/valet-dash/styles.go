package main

import (
	"github.com/charmbracelet/lipgloss"

	"valet/pkg/protocol"
)

// styleSet holds the prebuilt lipgloss styles the dashboard views render
// with. Run statuses get their own colors so a glance at the runs tab
// separates real failures from expected skips.
type styleSet struct {
	Title     lipgloss.Style
	Header    lipgloss.Style
	TabActive lipgloss.Style
	TabDim    lipgloss.Style
	Muted     lipgloss.Style
	Online    lipgloss.Style
	Offline   lipgloss.Style
	Spinner   lipgloss.Style

	status      map[protocol.RunStatus]lipgloss.Style
	statusOther lipgloss.Style
}

func newStyleSet() styleSet {
	var (
		accent = lipgloss.Color("99")  // purple, the valet brand color
		cyan   = lipgloss.Color("14")  // active tab
		green  = lipgloss.Color("42")  // healthy outcomes
		red    = lipgloss.Color("196") // failures
		amber  = lipgloss.Color("214") // budget and session warnings
		gray   = lipgloss.Color("243") // chrome, skips, stopped runs
	)

	dim := lipgloss.NewStyle().Foreground(gray)
	return styleSet{
		Title:     lipgloss.NewStyle().Bold(true).Foreground(accent),
		Header:    lipgloss.NewStyle().Bold(true).Foreground(accent),
		TabActive: lipgloss.NewStyle().Bold(true).Foreground(cyan),
		TabDim:    dim,
		Muted:     dim,
		Online:    lipgloss.NewStyle().Foreground(green),
		Offline:   lipgloss.NewStyle().Foreground(red),
		Spinner:   lipgloss.NewStyle().Foreground(cyan),
		status: map[protocol.RunStatus]lipgloss.Style{
			protocol.StatusSuccess:       lipgloss.NewStyle().Foreground(green),
			protocol.StatusError:         lipgloss.NewStyle().Foreground(red),
			protocol.StatusTimeout:       lipgloss.NewStyle().Foreground(red),
			protocol.StatusSkippedBudget: lipgloss.NewStyle().Foreground(amber),
			protocol.StatusSessionReset:  lipgloss.NewStyle().Foreground(amber),
			protocol.StatusStopped:       dim,
			protocol.StatusSkippedIdle:   dim,
		},
		statusOther: dim,
	}
}

// Status returns the row style for a run status.
func (s styleSet) Status(status protocol.RunStatus) lipgloss.Style {
	if st, ok := s.status[status]; ok {
		return st
	}
	return s.statusOther
}
