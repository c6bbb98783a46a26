package safety

import (
	"time"

	"github.com/mattjoyce/shunter/internal/motion"
)

// DetectorStatus is what the loop knows about the detector, learned only
// from supervisor signals.
type DetectorStatus struct {
	Running  bool `json:"running"`
	Pid      int  `json:"pid,omitempty"`
	Restarts int  `json:"restarts"`
	Fatal    bool `json:"fatal"`
}

// TimerStatus describes one armed timer.
type TimerStatus struct {
	Kind     string    `json:"kind"`
	Deadline time.Time `json:"deadline"`
}

// Status is an immutable snapshot published after every handled signal.
type Status struct {
	State            motion.State           `json:"state"`
	Since            time.Time              `json:"since"`
	Cause            string                 `json:"cause"`
	Generation       uint64                 `json:"generation"`
	LastError        string                 `json:"last_error,omitempty"`
	LastErrorAt      *time.Time             `json:"last_error_at,omitempty"`
	LastDetection    *motion.DetectionEvent `json:"last_detection,omitempty"`
	LastCommand      string                 `json:"last_command,omitempty"`
	Detector         DetectorStatus         `json:"detector"`
	StreamConnected  bool                   `json:"stream_connected"`
	DispatchFailures int                    `json:"dispatch_failures"`
	Coalesced        uint64                 `json:"coalesced"`
	ActiveTimers     []TimerStatus          `json:"active_timers,omitempty"`
	PendingCommands  int                    `json:"pending_commands"`
	WatchList        []string               `json:"watch_list"`
}

// Health classifies the snapshot for liveness endpoints.
func (s Status) Health() string {
	switch {
	case s.State == motion.StateFault:
		return "fault"
	case !s.StreamConnected, !s.Detector.Running:
		return "degraded"
	default:
		return "ok"
	}
}
