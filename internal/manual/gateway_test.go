package manual

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/shunter/internal/motion"
	"github.com/mattjoyce/shunter/internal/safety"
	"github.com/mattjoyce/shunter/internal/signals"
)

// loopStub answers signals the way the safety loop would.
type loopStub struct {
	got     []signals.Signal
	answer  func(signals.Manual) signals.ManualResult
	reset   error
	pushErr error
}

func (l *loopStub) Push(_ context.Context, s signals.Signal) error {
	if l.pushErr != nil {
		return l.pushErr
	}
	l.got = append(l.got, s)
	switch sig := s.(type) {
	case signals.Manual:
		if l.answer != nil {
			sig.Reply <- l.answer(sig)
		}
	case signals.Reset:
		sig.Reply <- l.reset
	}
	return nil
}

type rearmCounter struct{ n int }

func (r *rearmCounter) Rearm() { r.n++ }

func limits() motion.Limits {
	return motion.Limits{SpeedMin: 0, SpeedMax: 255, MaxReverseDuration: 30 * time.Second}
}

func confirmWith(wire string, state motion.State) func(signals.Manual) signals.ManualResult {
	return func(signals.Manual) signals.ManualResult {
		return signals.ManualResult{Seq: 7, Wire: wire, State: state}
	}
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestGateway_ForwardSubmitsManualIntent(t *testing.T) {
	loop := &loopStub{answer: confirmWith("FWD:110", motion.StateManualActive)}
	g := New(loop, limits(), nil)

	res, err := g.Forward(context.Background(), ForwardRequest{Speed: intPtr(110)})
	require.NoError(t, err)
	assert.Equal(t, Result{Seq: 7, Command: "FWD:110", State: motion.StateManualActive}, res)

	require.Len(t, loop.got, 1)
	sig := loop.got[0].(signals.Manual)
	assert.Equal(t, motion.Forward(110, motion.OriginManual), sig.Intent)
}

func TestGateway_ReverseConvertsSeconds(t *testing.T) {
	loop := &loopStub{answer: confirmWith("REV:60:2.5", motion.StateManualActive)}
	g := New(loop, limits(), nil)

	_, err := g.Reverse(context.Background(), ReverseRequest{Speed: intPtr(60), Duration: floatPtr(2.5)})
	require.NoError(t, err)
	sig := loop.got[0].(signals.Manual)
	assert.Equal(t, 2500*time.Millisecond, sig.Intent.Duration)
	assert.Equal(t, motion.KindReverse, sig.Intent.Kind)
}

func TestGateway_RejectsInvalidBeforeSubmitting(t *testing.T) {
	tests := []struct {
		name string
		call func(g *Gateway) error
		msg  string
	}{
		{
			name: "forward missing speed",
			call: func(g *Gateway) error { _, err := g.Forward(context.Background(), ForwardRequest{}); return err },
			msg:  "speed is a required field",
		},
		{
			name: "forward above max",
			call: func(g *Gateway) error {
				_, err := g.Forward(context.Background(), ForwardRequest{Speed: intPtr(300)})
				return err
			},
			msg: "speed must be between 0 and 255",
		},
		{
			name: "forward negative",
			call: func(g *Gateway) error {
				_, err := g.Forward(context.Background(), ForwardRequest{Speed: intPtr(-1)})
				return err
			},
			msg: "speed must be between 0 and 255",
		},
		{
			name: "reverse zero duration",
			call: func(g *Gateway) error {
				_, err := g.Reverse(context.Background(), ReverseRequest{Speed: intPtr(50), Duration: floatPtr(0)})
				return err
			},
			msg: "duration",
		},
		{
			name: "reverse negative duration",
			call: func(g *Gateway) error {
				_, err := g.Reverse(context.Background(), ReverseRequest{Speed: intPtr(50), Duration: floatPtr(-1)})
				return err
			},
			msg: "duration",
		},
		{
			name: "reverse too long",
			call: func(g *Gateway) error {
				_, err := g.Reverse(context.Background(), ReverseRequest{Speed: intPtr(50), Duration: floatPtr(31)})
				return err
			},
			msg: "duration must be at most 30 seconds",
		},
		{
			name: "reverse duration rounds to zero",
			call: func(g *Gateway) error {
				_, err := g.Reverse(context.Background(), ReverseRequest{Speed: intPtr(50), Duration: floatPtr(1e-10)})
				return err
			},
			msg: "reverse duration must be positive",
		},
		{
			name: "reverse missing duration",
			call: func(g *Gateway) error {
				_, err := g.Reverse(context.Background(), ReverseRequest{Speed: intPtr(50)})
				return err
			},
			msg: "duration is a required field",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loop := &loopStub{}
			err := tt.call(New(loop, limits(), nil))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrRejected)
			assert.Contains(t, err.Error(), tt.msg)
			assert.Empty(t, loop.got, "rejected requests never reach the loop")
		})
	}
}

func TestGateway_UncappedReverseRejectsOverflow(t *testing.T) {
	uncapped := motion.Limits{SpeedMin: 0, SpeedMax: 255}

	tests := []struct {
		name     string
		duration float64
		msg      string
	}{
		{"overflows nanoseconds", 1e12, "out of range"},
		{"infinite", math.Inf(1), "out of range"},
		{"sub-nanosecond", 1e-12, "reverse duration must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loop := &loopStub{}
			_, err := New(loop, uncapped, nil).Reverse(context.Background(),
				ReverseRequest{Speed: intPtr(60), Duration: floatPtr(tt.duration)})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrRejected)
			assert.Contains(t, err.Error(), tt.msg)
			assert.Empty(t, loop.got)
		})
	}

	loop := &loopStub{answer: confirmWith("REV:60:3600", motion.StateManualActive)}
	_, err := New(loop, uncapped, nil).Reverse(context.Background(),
		ReverseRequest{Speed: intPtr(60), Duration: floatPtr(3600)})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, loop.got[0].(signals.Manual).Intent.Duration)
}

func TestGateway_SpeedRangeFollowsLimits(t *testing.T) {
	loop := &loopStub{answer: confirmWith("FWD:100", motion.StateManualActive)}
	g := New(loop, motion.Limits{SpeedMin: 20, SpeedMax: 100}, nil)

	_, err := g.Forward(context.Background(), ForwardRequest{Speed: intPtr(10)})
	assert.ErrorIs(t, err, ErrRejected)
	_, err = g.Forward(context.Background(), ForwardRequest{Speed: intPtr(100)})
	assert.NoError(t, err)
}

func TestGateway_StopPassesLoopErrors(t *testing.T) {
	loop := &loopStub{answer: func(signals.Manual) signals.ManualResult {
		return signals.ManualResult{Seq: 3, Wire: "STOP", State: motion.StateFault, Err: errors.New("dispatch failed: eio")}
	}}
	g := New(loop, limits(), nil)

	res, err := g.Stop(context.Background())
	require.Error(t, err)
	assert.Equal(t, motion.StateFault, res.State)
	assert.Equal(t, motion.Stop(motion.OriginManual), loop.got[0].(signals.Manual).Intent)
}

func TestGateway_FaultedRefusal(t *testing.T) {
	loop := &loopStub{answer: func(signals.Manual) signals.ManualResult {
		return signals.ManualResult{State: motion.StateFault, Err: safety.ErrFaulted}
	}}
	g := New(loop, limits(), nil)

	_, err := g.Forward(context.Background(), ForwardRequest{Speed: intPtr(50)})
	assert.ErrorIs(t, err, ErrFaulted)
}

func TestGateway_ContextCancelWhileWaiting(t *testing.T) {
	loop := &loopStub{}
	g := New(loop, limits(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGateway_PushFailure(t *testing.T) {
	loop := &loopStub{pushErr: signals.ErrClosed}
	g := New(loop, limits(), nil)

	_, err := g.Stop(context.Background())
	assert.ErrorIs(t, err, signals.ErrClosed)
}

func TestGateway_ResetRearmsOnlyOnSuccess(t *testing.T) {
	r := &rearmCounter{}

	ok := New(&loopStub{}, limits(), nil, WithRearmer(r))
	require.NoError(t, ok.Reset(context.Background()))
	assert.Equal(t, 1, r.n)

	refused := New(&loopStub{reset: safety.ErrNotFaulted}, limits(), nil, WithRearmer(r))
	assert.ErrorIs(t, refused.Reset(context.Background()), safety.ErrNotFaulted)
	assert.Equal(t, 1, r.n)
}
