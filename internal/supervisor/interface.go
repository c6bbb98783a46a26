package supervisor

import (
	"context"
	"time"

	"github.com/mattjoyce/shunter/internal/signals"
)

//go:generate mockgen -destination=mocks/mock_process.go -package=mocks github.com/mattjoyce/shunter/internal/supervisor Process,HealthChecker

// Process is the minimal capability set the supervisor needs from the OS.
// Start may be called again after the previous run has exited.
type Process interface {
	Start(ctx context.Context) error
	Pid() int
	Running() bool
	// Terminate asks the process to exit, forcing it after grace.
	Terminate(grace time.Duration) error
	// Wait blocks until the current run exits.
	Wait() error
}

// HealthChecker probes a running detector.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// Sink receives lifecycle signals. *signals.Queue satisfies it.
type Sink interface {
	Push(ctx context.Context, s signals.Signal) error
}
