// Package watch is the operator's live view of a running shunter: state,
// detector and stream health, recent commands and the event stream, with
// a STOP key.
package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/shunter/internal/motion"
)

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	MeterHit  lipgloss.Style
	MeterSeen lipgloss.Style
	MeterIdle lipgloss.Style

	states map[motion.State]lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")
	badge := func(bg string) lipgloss.Style {
		return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#000000")).Background(lipgloss.Color(bg))
	}

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		MeterHit:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF1744")),
		MeterSeen: lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
		MeterIdle: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),

		states: map[motion.State]lipgloss.Style{
			motion.StateMonitoring:   badge("#00C853"),
			motion.StateStopping:     badge("#FF6D00"),
			motion.StateStoppedWait:  badge("#FFD600"),
			motion.StateReversing:    badge("#FFAB00"),
			motion.StateManualActive: badge("#61AFEF"),
			motion.StateFault:        badge("#FF1744").Blink(true),
		},
	}
}

// StateStyle is the badge style for s.
func (t Theme) StateStyle(s motion.State) lipgloss.Style {
	if st, ok := t.states[s]; ok {
		return st
	}
	return t.Dim
}
