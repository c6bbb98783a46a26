// Package manual is the operator's way into the safety loop. Requests are
// validated here, so nothing malformed ever reaches the state machine, and
// each call waits until its command has been written or refused.
package manual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mattjoyce/shunter/internal/log"
	"github.com/mattjoyce/shunter/internal/motion"
	"github.com/mattjoyce/shunter/internal/safety"
	"github.com/mattjoyce/shunter/internal/signals"
)

var (
	// ErrRejected wraps a request that failed validation.
	ErrRejected = errors.New("manual request rejected")
	// ErrFaulted is returned for non-Stop requests while the loop is in FAULT.
	ErrFaulted = safety.ErrFaulted
)

// Submitter is the loop's queue.
type Submitter interface {
	Push(ctx context.Context, s signals.Signal) error
}

// Rearmer restores the detector restart budget after a reset.
type Rearmer interface {
	Rearm()
}

// Result is what a manual caller learns about its command.
type Result struct {
	Seq     uint64       `json:"seq"`
	Command string       `json:"command"`
	State   motion.State `json:"state"`
}

// Gateway is the ManualOverrideGateway.
type Gateway struct {
	queue     Submitter
	validator *requestValidator
	limits    motion.Limits
	rearm     Rearmer
	logger    *slog.Logger
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithRearmer makes Reset also rearm the detector supervisor.
func WithRearmer(r Rearmer) Option { return func(g *Gateway) { g.rearm = r } }

// New builds a Gateway that validates against limits and submits to q.
func New(q Submitter, limits motion.Limits, logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		queue:     q,
		validator: newValidator(limits),
		limits:    limits,
		logger:    log.Or(logger).With("component", "manual"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Stop requests an immediate stop. It is accepted in every state.
func (g *Gateway) Stop(ctx context.Context) (Result, error) {
	return g.submit(ctx, motion.Stop(motion.OriginManual))
}

// Forward requests forward motion at req.Speed.
func (g *Gateway) Forward(ctx context.Context, req ForwardRequest) (Result, error) {
	if err := g.validator.check(req); err != nil {
		g.logger.Warn("manual forward rejected", "error", err)
		return Result{}, err
	}
	in := motion.Forward(*req.Speed, motion.OriginManual)
	if err := g.accept(in); err != nil {
		return Result{}, err
	}
	return g.submit(ctx, in)
}

// Reverse requests reverse motion for req.Duration seconds.
func (g *Gateway) Reverse(ctx context.Context, req ReverseRequest) (Result, error) {
	if err := g.validator.check(req); err != nil {
		g.logger.Warn("manual reverse rejected", "error", err)
		return Result{}, err
	}
	d, err := secondsToDuration(*req.Duration)
	if err != nil {
		g.logger.Warn("manual reverse rejected", "error", err)
		return Result{}, err
	}
	in := motion.Reverse(*req.Speed, d, motion.OriginManual)
	if err := g.accept(in); err != nil {
		return Result{}, err
	}
	return g.submit(ctx, in)
}

// accept re-checks the converted intent, so rounding never lets a value
// the request validator passed reach the loop out of range.
func (g *Gateway) accept(in motion.Intent) error {
	if err := in.Validate(g.limits); err != nil {
		g.logger.Warn("manual intent rejected", "intent", in.String(), "error", err)
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return nil
}

// secondsToDuration converts without wrapping: values past the int64
// nanosecond range are rejected.
func secondsToDuration(secs float64) (time.Duration, error) {
	ns := secs * float64(time.Second)
	if math.IsNaN(ns) || ns >= math.MaxInt64 || ns <= math.MinInt64 {
		return 0, fmt.Errorf("%w: duration %g seconds is out of range", ErrRejected, secs)
	}
	return time.Duration(ns), nil
}

// Reset leaves FAULT and, when configured, rearms the detector supervisor.
func (g *Gateway) Reset(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := g.queue.Push(ctx, signals.Reset{Reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	g.logger.Info("fault reset")
	if g.rearm != nil {
		g.rearm.Rearm()
	}
	return nil
}

func (g *Gateway) submit(ctx context.Context, in motion.Intent) (Result, error) {
	reply := make(chan signals.ManualResult, 1)
	if err := g.queue.Push(ctx, signals.Manual{Intent: in, Reply: reply}); err != nil {
		return Result{}, fmt.Errorf("submit %s: %w", in.String(), err)
	}

	select {
	case res := <-reply:
		if res.Err != nil {
			g.logger.Warn("manual command failed", "intent", in.String(), "state", res.State, "error", res.Err)
			return Result{Seq: res.Seq, Command: res.Wire, State: res.State}, res.Err
		}
		g.logger.Info("manual command sent", "intent", in.String(), "command", res.Wire, "state", res.State)
		return Result{Seq: res.Seq, Command: res.Wire, State: res.State}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
