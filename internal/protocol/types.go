package protocol

import "encoding/json"

// Wire verbs understood by the actuator firmware.
const (
	VerbStop    = "STOP"
	VerbForward = "FWD"
	VerbReverse = "REV"
)

// EventTypeDetection is the only detector stream type acted upon.
const EventTypeDetection = "detection"

// Envelope is the detector stream message: {"type": "...", "payload": {...}}.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DetectionPayload is the body of a "detection" envelope.
// Timestamp is seconds since the Unix epoch and may carry a fraction.
type DetectionPayload struct {
	Label      *string  `json:"label"`
	Confidence *float64 `json:"confidence"`
	Timestamp  *float64 `json:"timestamp"`
}
