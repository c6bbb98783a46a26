package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/shunter/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeCommandDispatched, events.TypeDetectorStarted, events.TypeStreamConnected:
		typeStyle = theme.StatusOK
	case events.TypeCommandFailed, events.TypeDetectorFaulted, events.TypeDetectorFatal, events.TypeStreamDisconnected:
		typeStyle = theme.StatusFailed
	case events.TypeDetection, events.TypeDetectionCoalesced:
		typeStyle = theme.StatusRunning
	case events.TypeStateChanged:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, describeEvent(e))
}

func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	str := func(k string) string {
		v, _ := data[k].(string)
		return v
	}

	var desc string
	switch e.Type {
	case events.TypeStateChanged:
		desc = fmt.Sprintf("%s → %s (%s)", str("from"), str("to"), str("cause"))
	case events.TypeDetection, events.TypeDetectionCoalesced:
		conf, _ := data["confidence"].(float64)
		desc = fmt.Sprintf("%s %.2f", str("label"), conf)
		if rel, ok := data["relevant"].(bool); ok && !rel {
			desc += " (ignored)"
		}
	case events.TypeCommandDispatched:
		desc = fmt.Sprintf("%s [%s]", str("wire"), str("origin"))
	case events.TypeCommandFailed:
		desc = fmt.Sprintf("%s [%s]: %s", str("wire"), str("origin"), str("error"))
	case events.TypeDetectorFaulted, events.TypeDetectorFatal, events.TypeStreamDisconnected:
		desc = str("error")
	}
	if desc != "" {
		return desc
	}

	raw := string(e.Data)
	if len(raw) > 60 {
		raw = raw[:60] + "..."
	}
	return raw
}
