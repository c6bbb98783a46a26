// Package signals holds the immutable values producers hand to the safety
// loop, and the single ordered queue that carries them.
package signals

import (
	"time"

	"github.com/mattjoyce/shunter/internal/motion"
)

// Signal is anything the safety loop consumes.
type Signal interface {
	Name() string
}

// TimerKind names one of the loop's timers. At most one of each kind is armed.
type TimerKind string

const (
	TimerStopToReverse TimerKind = "stop_to_reverse_delay"
	TimerReverse       TimerKind = "reverse_duration"
	TimerManual        TimerKind = "manual_timeout"
	TimerForwardResume TimerKind = "forward_resume"
	TimerDispatchRetry TimerKind = "dispatch_retry"
)

// Detection carries a watch-listed detection from the ingestor.
type Detection struct {
	Event motion.DetectionEvent
}

// ManualResult answers a Manual signal once its line is written or refused.
type ManualResult struct {
	Seq   uint64
	Wire  string
	State motion.State
	Err   error
}

// Manual is a validated operator request. Reply must be buffered (cap >= 1).
type Manual struct {
	Intent motion.Intent
	Reply  chan<- ManualResult
}

// Reset asks the loop to leave FAULT. Reply must be buffered.
type Reset struct {
	Reply chan<- error
}

// DispatchResult reports the outcome of one write. Err is non-nil on DispatchFailed.
type DispatchResult struct {
	Seq    uint64
	Intent motion.Intent
	Wire   string
	Err    error
	At     time.Time
}

// TimerFired is posted by an armed timer. Generation is the loop generation at arm time.
type TimerFired struct {
	Kind       TimerKind
	Generation uint64
}

// ProcessStarted reports a detector process that passed its health wait.
type ProcessStarted struct {
	Pid      int
	Restarts int
}

// ProcessFaulted reports an unexpected detector exit or failed health.
// It is always sent before any restart attempt.
type ProcessFaulted struct {
	Pid int
	Err error
}

// ProcessFatal reports an exhausted restart budget.
type ProcessFatal struct {
	Attempts int
	Err      error
}

// StreamStatus reports detector stream connectivity.
type StreamStatus struct {
	Connected bool
	Err       error
}

func (Detection) Name() string      { return "detection" }
func (Manual) Name() string         { return "manual" }
func (Reset) Name() string          { return "reset" }
func (DispatchResult) Name() string { return "dispatch_result" }
func (TimerFired) Name() string     { return "timer_fired" }
func (ProcessStarted) Name() string { return "process_started" }
func (ProcessFaulted) Name() string { return "process_faulted" }
func (ProcessFatal) Name() string   { return "process_fatal" }
func (StreamStatus) Name() string   { return "stream_status" }
