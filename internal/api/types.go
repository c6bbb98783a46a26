package api

import (
	"github.com/mattjoyce/shunter/internal/ingest"
	"github.com/mattjoyce/shunter/internal/journal"
	"github.com/mattjoyce/shunter/internal/motion"
	"github.com/mattjoyce/shunter/internal/safety"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string       `json:"status"`
	State         motion.State `json:"state"`
	UptimeSeconds int64        `json:"uptime_seconds"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	safety.Status
	Health            string               `json:"health"`
	SecondsInState    float64              `json:"seconds_in_state"`
	RecentDetections  []journal.Detection  `json:"recent_detections"`
	RecentCommands    []journal.Command    `json:"recent_commands"`
	RecentTransitions []journal.Transition `json:"recent_transitions"`
	Pipeline          *PipelineStats       `json:"pipeline,omitempty"`
}

// PipelineStats counts traffic through the stream, queue and actuator.
type PipelineStats struct {
	ActuatorPort   string       `json:"actuator_port,omitempty"`
	CommandsSent   uint64       `json:"commands_sent"`
	CommandsFailed uint64       `json:"commands_failed"`
	CommandsQueued int          `json:"commands_queued"`
	SignalBacklog  int          `json:"signal_backlog"`
	EventsDropped  int64        `json:"events_dropped"`
	Ingest         ingest.Stats `json:"ingest"`
}

// CommandRequest is the optional JSON body of POST /cmd/forward and /cmd/reverse.
// Query parameters take precedence.
type CommandRequest struct {
	Speed    *int     `json:"speed,omitempty"`
	Duration *float64 `json:"duration,omitempty"`
}

// CommandResponse is returned once a manual command has been written.
type CommandResponse struct {
	OK      bool         `json:"ok"`
	Seq     uint64       `json:"seq,omitempty"`
	Command string       `json:"command,omitempty"`
	State   motion.State `json:"state"`
}
