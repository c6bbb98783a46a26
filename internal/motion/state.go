package motion

// State is the orchestrator's current mode.
type State string

const (
	StateMonitoring   State = "MONITORING"
	StateStopping     State = "STOPPING"
	StateStoppedWait  State = "STOPPED_WAIT"
	StateReversing    State = "REVERSING"
	StateManualActive State = "MANUAL_ACTIVE"
	StateFault        State = "FAULT"
)

// InSequence reports whether an automatic stop/reverse sequence is running.
func (s State) InSequence() bool {
	switch s {
	case StateStopping, StateStoppedWait, StateReversing:
		return true
	}
	return false
}
