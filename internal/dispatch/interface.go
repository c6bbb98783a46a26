package dispatch

import (
	"context"

	"github.com/mattjoyce/shunter/internal/signals"
)

//go:generate mockgen -destination=mocks/mock_link.go -package=mocks github.com/mattjoyce/shunter/internal/dispatch Link

// Link is the actuator byte channel.
type Link interface {
	Write(p []byte) (int, error)
	// Reset aborts an in-progress Write.
	Reset() error
}

// Sink receives dispatch results. *signals.Queue satisfies it.
type Sink interface {
	Push(ctx context.Context, s signals.Signal) error
}
