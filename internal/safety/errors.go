package safety

import "errors"

var (
	// ErrFaulted rejects non-Stop manual intents while in FAULT.
	ErrFaulted = errors.New("orchestrator in FAULT: only stop is accepted")
	// ErrNotFaulted rejects a reset outside FAULT.
	ErrNotFaulted = errors.New("orchestrator is not in FAULT")
	// ErrDispatchFailed wraps a failed actuator write reported to a manual caller.
	ErrDispatchFailed = errors.New("dispatch failed")
	// ErrShuttingDown answers requests still pending at shutdown.
	ErrShuttingDown = errors.New("orchestrator shutting down")
)
