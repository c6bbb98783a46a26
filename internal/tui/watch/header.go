package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/shunter/internal/events"
	"github.com/mattjoyce/shunter/internal/motion"
)

// RigState is what the TUI knows about the orchestrator, from /status
// polls corrected by live events in between.
type RigState struct {
	State            motion.State
	Since            time.Time
	Cause            string
	Health           string
	DetectorRunning  bool
	DetectorPid      int
	Restarts         int
	StreamConnected  bool
	DispatchFailures int
	Coalesced        uint64
	LastDetection    string
	LastError        string
	Connected        bool
	LastCheck        time.Time
}

func (r *RigState) fromStatus(st statusMsg) {
	r.State = st.State
	r.Since = st.Since
	r.Cause = st.Cause
	r.Health = st.Health
	r.DetectorRunning = st.Detector.Running
	r.DetectorPid = st.Detector.Pid
	r.Restarts = st.Detector.Restarts
	r.StreamConnected = st.StreamConnected
	r.DispatchFailures = st.DispatchFailures
	r.Coalesced = st.Coalesced
	r.LastError = st.LastError
	if d := st.LastDetection; d != nil {
		r.LastDetection = fmt.Sprintf("%s %.2f", d.Label, d.Confidence)
	}
}

// apply folds one live event into the state.
func (r *RigState) apply(e events.Event) {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	switch e.Type {
	case events.TypeStateChanged:
		if to, ok := data["to"].(string); ok {
			r.State = motion.State(to)
			r.Since = e.At
		}
		if cause, ok := data["cause"].(string); ok {
			r.Cause = cause
		}
	case events.TypeDetection:
		if label, ok := data["label"].(string); ok {
			conf, _ := data["confidence"].(float64)
			r.LastDetection = fmt.Sprintf("%s %.2f", label, conf)
		}
	case events.TypeDetectionCoalesced:
		r.Coalesced++
	case events.TypeDetectorStarted:
		r.DetectorRunning = true
		if pid, ok := data["pid"].(float64); ok {
			r.DetectorPid = int(pid)
		}
	case events.TypeDetectorFaulted, events.TypeDetectorFatal:
		r.DetectorRunning = false
	case events.TypeStreamConnected:
		r.StreamConnected = true
	case events.TypeStreamDisconnected:
		r.StreamConnected = false
	case events.TypeCommandDispatched:
		r.DispatchFailures = 0
	case events.TypeCommandFailed:
		r.DispatchFailures++
	}
}

func renderHeader(rig RigState, beat Heartbeat, meter DetectionMeter, lastEvent time.Time, theme Theme, width int) string {
	innerWidth := width - 4

	stateText := theme.StateStyle(rig.State).Render(fmt.Sprintf(" %s ", orUnknown(string(rig.State))))
	if !rig.Connected {
		stateText = theme.StatusFailed.Render("CONNECTING")
	}

	inState := "-"
	if !rig.Since.IsZero() {
		inState = formatDuration(time.Since(rig.Since))
	}

	lastEventStr := "never"
	if !lastEvent.IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", time.Since(lastEvent).Round(time.Second))
	}

	beatStr := theme.Highlight.Render(beat.Current())
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" SHUNTER WATCH %s", beatStr)

	titleWidth := lipgloss.Width(titleText)
	clockWidth := lipgloss.Width(clock)
	pad := innerWidth - titleWidth - clockWidth - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	stateLine := fmt.Sprintf(" %s  for %s  cause: %s", stateText, inState, orUnknown(rig.Cause))

	detector := theme.StatusFailed.Render("down")
	if rig.DetectorRunning {
		detector = theme.StatusOK.Render(fmt.Sprintf("pid %d", rig.DetectorPid))
	}
	stream := theme.StatusFailed.Render("disconnected")
	if rig.StreamConnected {
		stream = theme.StatusOK.Render("connected")
	}
	statsLine := fmt.Sprintf(" Detector: %s (restarts %d)  Stream: %s  Write failures: %d  Coalesced: %d",
		detector, rig.Restarts, stream, rig.DispatchFailures, rig.Coalesced)

	activityLine := fmt.Sprintf(" Last detection: %s  Recent: %s (%d hits)  Last event: %s",
		orUnknown(rig.LastDetection), meter.Render(theme), meter.Hits(), lastEventStr)

	lines := []string{titleLine, stateLine, statsLine, activityLine}
	if rig.LastError != "" {
		lines = append(lines, theme.StatusFailed.Render(" Last error: "+rig.LastError))
	}

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func orUnknown(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
