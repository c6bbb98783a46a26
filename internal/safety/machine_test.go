package safety

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/shunter/internal/events"
	"github.com/mattjoyce/shunter/internal/motion"
	"github.com/mattjoyce/shunter/internal/protocol"
	"github.com/mattjoyce/shunter/internal/signals"
)

// --- fakes ---

type fakeTimer struct {
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{deadline: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and fires due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.deadline.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.fn()
	}
}

type submission struct {
	seq    uint64
	intent motion.Intent
	wire   string
	state  motion.State
	result bool
}

type fakeDispatcher struct {
	m    *Machine
	seq  uint64
	subs []*submission
}

func (d *fakeDispatcher) Submit(in motion.Intent) uint64 {
	d.seq++
	wire, _ := protocol.EncodeCommand(in)
	s := &submission{seq: d.seq, intent: in, wire: strings.TrimSpace(string(wire))}
	if d.m != nil {
		s.state = d.m.state
	}
	d.subs = append(d.subs, s)
	return d.seq
}

func (d *fakeDispatcher) wires() []string {
	out := make([]string, 0, len(d.subs))
	for _, s := range d.subs {
		out = append(out, s.wire)
	}
	return out
}

// --- harness ---

type harness struct {
	t     *testing.T
	m     *Machine
	q     *signals.Queue
	disp  *fakeDispatcher
	clock *fakeClock
	hub   *events.Hub
}

func scenarioConfig() Config {
	return Config{
		WatchList:            motion.NewWatchList("person"),
		StopToReverseDelay:   2 * time.Second,
		ReverseSpeed:         80,
		ReverseDuration:      1500 * time.Millisecond,
		ForwardResumeDelay:   time.Second,
		ForwardSpeed:         100,
		DispatchRetryBudget:  2,
		DispatchRetryBackoff: 100 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		q:     signals.NewQueue(256),
		disp:  &fakeDispatcher{},
		clock: newFakeClock(),
		hub:   events.NewHub(256),
	}
	h.m = New(cfg, h.q, h.disp, h.hub, nil, WithClock(h.clock))
	h.disp.m = h.m
	return h
}

func (h *harness) send(s signals.Signal) {
	h.m.handle(s)
	h.drain()
}

// drain feeds queued timer signals into the machine.
func (h *harness) drain() {
	for {
		select {
		case s := <-h.q.C():
			h.m.handle(s)
		default:
			return
		}
	}
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.drain()
}

// result reports the outcome of every submission without one yet.
func (h *harness) resultAll(err error) {
	for _, s := range h.disp.subs {
		if s.result {
			continue
		}
		s.result = true
		h.send(signals.DispatchResult{Seq: s.seq, Intent: s.intent, Wire: s.wire, Err: err, At: h.clock.Now()})
	}
}

func (h *harness) confirmAll() { h.resultAll(nil) }

func (h *harness) state() motion.State { return h.m.Status().State }

func person(conf float64) signals.Detection {
	return signals.Detection{Event: motion.DetectionEvent{Label: "person", Confidence: conf}}
}

func manual(in motion.Intent) (signals.Manual, chan signals.ManualResult) {
	ch := make(chan signals.ManualResult, 1)
	return signals.Manual{Intent: in, Reply: ch}, ch
}

// --- scenarios ---

func TestMachine_ScenarioA_StopDelayReverseReturn(t *testing.T) {
	h := newHarness(t, scenarioConfig())

	h.send(person(0.92))
	assert.Equal(t, motion.StateStopping, h.state())
	assert.Equal(t, []string{"STOP"}, h.disp.wires())

	h.confirmAll()
	assert.Equal(t, motion.StateStoppedWait, h.state())

	h.advance(1999 * time.Millisecond)
	assert.Equal(t, motion.StateStoppedWait, h.state())
	assert.Len(t, h.disp.subs, 1)

	h.advance(time.Millisecond)
	assert.Equal(t, motion.StateReversing, h.state())
	assert.Equal(t, []string{"STOP", "REV:80:1.5"}, h.disp.wires())

	h.confirmAll()
	h.advance(1499 * time.Millisecond)
	assert.Equal(t, motion.StateReversing, h.state())

	h.advance(time.Millisecond)
	assert.Equal(t, motion.StateMonitoring, h.state())
	assert.Equal(t, []string{"STOP", "REV:80:1.5"}, h.disp.wires())
	assert.Empty(t, h.m.Status().ActiveTimers)
}

func TestMachine_ScenarioC_ManualForward(t *testing.T) {
	h := newHarness(t, scenarioConfig())

	sig, reply := manual(motion.Forward(110, motion.OriginManual))
	h.send(sig)
	assert.Equal(t, motion.StateManualActive, h.state())
	assert.Equal(t, []string{"FWD:110"}, h.disp.wires())

	h.confirmAll()
	res := <-reply
	require.NoError(t, res.Err)
	assert.Equal(t, "FWD:110", res.Wire)
	assert.Equal(t, motion.StateManualActive, res.State)

	h.advance(time.Minute)
	assert.Equal(t, motion.StateManualActive, h.state(), "manual forward holds until a manual stop")

	stop, stopReply := manual(motion.Stop(motion.OriginManual))
	h.send(stop)
	h.confirmAll()
	require.NoError(t, (<-stopReply).Err)
	assert.Equal(t, motion.StateMonitoring, h.state())
}

func TestMachine_ScenarioD_ProcessFaultStopsThenFatal(t *testing.T) {
	h := newHarness(t, scenarioConfig())
	h.send(signals.ProcessStarted{Pid: 10})
	assert.True(t, h.m.Status().Detector.Running)

	h.send(signals.ProcessFaulted{Pid: 10, Err: errors.New("exit status 1")})
	assert.Equal(t, motion.StateStopping, h.state())
	assert.Equal(t, []string{"STOP"}, h.disp.wires())
	assert.False(t, h.m.Status().Detector.Running)

	h.confirmAll()
	assert.Equal(t, motion.StateMonitoring, h.state(), "a detector crash is not an obstacle: no reverse")
	h.advance(10 * time.Second)
	assert.Equal(t, []string{"STOP"}, h.disp.wires())

	h.send(signals.ProcessFatal{Attempts: 3, Err: errors.New("camera busy")})
	st := h.m.Status()
	assert.Equal(t, motion.StateFault, st.State)
	assert.True(t, st.Detector.Fatal)
	assert.Contains(t, st.LastError, "3 attempts")
	assert.Equal(t, []string{"STOP", "STOP"}, h.disp.wires())
}

func TestMachine_ScenarioE_CoalescesDuringSequence(t *testing.T) {
	h := newHarness(t, scenarioConfig())

	h.send(person(0.9))
	h.advance(100 * time.Millisecond)
	h.send(person(0.95))

	assert.Equal(t, []string{"STOP"}, h.disp.wires())
	assert.Equal(t, uint64(1), h.m.Status().Coalesced)

	h.confirmAll()
	h.advance(2 * time.Second)
	h.send(person(0.99))
	h.confirmAll()
	h.advance(1500 * time.Millisecond)

	assert.Equal(t, motion.StateMonitoring, h.state())
	assert.Equal(t, []string{"STOP", "REV:80:1.5"}, h.disp.wires())
	assert.Equal(t, uint64(2), h.m.Status().Coalesced)

	coalesced := 0
	for _, ev := range h.hub.SnapshotSince(0) {
		if ev.Type == events.TypeDetectionCoalesced {
			coalesced++
		}
	}
	assert.Equal(t, 2, coalesced)
}

// --- pre-emption and timers ---

func TestMachine_ManualPreemptsAndCancelsTimers(t *testing.T) {
	for _, at := range []motion.State{motion.StateStopping, motion.StateStoppedWait, motion.StateReversing} {
		t.Run(string(at), func(t *testing.T) {
			h := newHarness(t, scenarioConfig())
			h.send(person(0.9))
			if at != motion.StateStopping {
				h.confirmAll()
			}
			if at == motion.StateReversing {
				h.advance(2 * time.Second)
			}
			require.Equal(t, at, h.state())
			before := len(h.disp.subs)

			sig, _ := manual(motion.Stop(motion.OriginManual))
			h.send(sig)
			assert.Equal(t, motion.StateManualActive, h.state())
			assert.Empty(t, h.m.Status().ActiveTimers)

			h.confirmAll()
			assert.Equal(t, motion.StateMonitoring, h.state())

			h.advance(time.Minute)
			assert.Equal(t, motion.StateMonitoring, h.state(), "pre-empted sequence must not resume")
			for _, s := range h.disp.subs[before:] {
				assert.Equal(t, motion.OriginManual, s.intent.Origin, "no automatic intent after pre-emption")
			}
		})
	}
}

func TestMachine_StaleTimerIsNoop(t *testing.T) {
	h := newHarness(t, scenarioConfig())
	h.send(person(0.9))
	h.confirmAll()
	require.Equal(t, motion.StateStoppedWait, h.state())
	staleGen := h.m.Status().Generation

	sig, _ := manual(motion.Stop(motion.OriginManual))
	h.send(sig)

	h.send(signals.TimerFired{Kind: signals.TimerStopToReverse, Generation: staleGen})
	assert.Equal(t, motion.StateManualActive, h.state())
	for _, s := range h.disp.subs {
		assert.NotEqual(t, motion.KindReverse, s.intent.Kind)
	}
}

func TestMachine_ManualReverseTimesOutToMonitoring(t *testing.T) {
	h := newHarness(t, scenarioConfig())

	sig, reply := manual(motion.Reverse(60, 3*time.Second, motion.OriginManual))
	h.send(sig)
	h.confirmAll()
	assert.Equal(t, "REV:60:3", (<-reply).Wire)

	h.advance(2 * time.Second)
	assert.Equal(t, motion.StateManualActive, h.state())
	h.advance(time.Second)
	assert.Equal(t, motion.StateMonitoring, h.state())
}

func TestMachine_ManualDuringManualRearmsTimeout(t *testing.T) {
	h := newHarness(t, scenarioConfig())

	first, _ := manual(motion.Reverse(60, 3*time.Second, motion.OriginManual))
	h.send(first)
	h.confirmAll()
	h.advance(2 * time.Second)

	second, _ := manual(motion.Reverse(60, 3*time.Second, motion.OriginManual))
	h.send(second)
	h.confirmAll()
	h.advance(2 * time.Second)
	assert.Equal(t, motion.StateManualActive, h.state(), "first timeout was superseded")
	h.advance(time.Second)
	assert.Equal(t, motion.StateMonitoring, h.state())
}

func TestMachine_ManualReverseTimeoutStartsOnWrite(t *testing.T) {
	h := newHarness(t, scenarioConfig())

	sig, _ := manual(motion.Reverse(60, 3*time.Second, motion.OriginManual))
	h.send(sig)
	assert.Empty(t, h.m.Status().ActiveTimers, "nothing is armed before the write lands")

	h.advance(5 * time.Second)
	require.Equal(t, motion.StateManualActive, h.state())

	h.confirmAll()
	require.Len(t, h.m.Status().ActiveTimers, 1)
	assert.Equal(t, string(signals.TimerManual), h.m.Status().ActiveTimers[0].Kind)

	h.advance(2 * time.Second)
	assert.Equal(t, motion.StateManualActive, h.state())
	h.advance(time.Second)
	assert.Equal(t, motion.StateMonitoring, h.state())
	assert.Equal(t, CauseManualElapsed, h.m.Status().Cause)
}

func TestMachine_FailedStopBeforeTakeoverIsNotRetried(t *testing.T) {
	h := newHarness(t, scenarioConfig())
	h.send(person(0.9))
	require.Equal(t, motion.StateStopping, h.state())

	fwd, fwdReply := manual(motion.Forward(100, motion.OriginManual))
	h.send(fwd)
	require.Equal(t, motion.StateManualActive, h.state())

	stop, forward := h.disp.subs[0], h.disp.subs[1]
	stop.result = true
	h.send(signals.DispatchResult{Seq: stop.seq, Intent: stop.intent, Wire: stop.wire, Err: errors.New("write timeout"), At: h.clock.Now()})
	h.confirmAll()
	require.NoError(t, (<-fwdReply).Err)
	require.True(t, forward.result)

	h.advance(time.Minute)
	assert.Equal(t, []string{"STOP", "FWD:100"}, h.disp.wires())
	assert.Equal(t, motion.StateManualActive, h.state(), "operator's forward stays in charge")
	assert.Equal(t, CauseManual, h.m.Status().Cause)
}

func TestMachine_ProcessFaultPreemptsEveryState(t *testing.T) {
	setups := map[string]func(h *harness){
		"reversing": func(h *harness) {
			h.send(person(0.9))
			h.confirmAll()
			h.advance(2 * time.Second)
		},
		"manual": func(h *harness) {
			sig, _ := manual(motion.Forward(100, motion.OriginManual))
			h.send(sig)
			h.confirmAll()
		},
	}
	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, scenarioConfig())
			setup(h)
			before := len(h.disp.subs)

			h.send(signals.ProcessFaulted{Err: errors.New("killed")})
			require.Len(t, h.disp.subs, before+1)
			assert.Equal(t, motion.KindStop, h.disp.subs[before].intent.Kind)
			assert.Equal(t, motion.StateStopping, h.state())

			h.confirmAll()
			h.advance(time.Minute)
			assert.Equal(t, motion.StateMonitoring, h.state())
			assert.Len(t, h.disp.subs, before+1)
		})
	}
}

// --- fault handling ---

func TestMachine_FaultRefusesAllButStopAndReset(t *testing.T) {
	h := newHarness(t, scenarioConfig())
	h.send(signals.ProcessFatal{Attempts: 3})
	h.confirmAll()
	require.Equal(t, motion.StateFault, h.state())
	n := len(h.disp.subs)

	h.send(person(0.99))
	assert.Len(t, h.disp.subs, n, "no automatic transitions in FAULT")

	fwd, fwdReply := manual(motion.Forward(100, motion.OriginManual))
	h.send(fwd)
	assert.ErrorIs(t, (<-fwdReply).Err, ErrFaulted)
	assert.Len(t, h.disp.subs, n)

	stop, stopReply := manual(motion.Stop(motion.OriginManual))
	h.send(stop)
	h.confirmAll()
	res := <-stopReply
	require.NoError(t, res.Err)
	assert.Equal(t, motion.StateFault, res.State)
	assert.Equal(t, motion.StateFault, h.state())

	resetReply := make(chan error, 1)
	h.send(signals.Reset{Reply: resetReply})
	require.NoError(t, <-resetReply)
	st := h.m.Status()
	assert.Equal(t, motion.StateMonitoring, st.State)
	assert.Empty(t, st.LastError)
	assert.False(t, st.Detector.Fatal)

	again := make(chan error, 1)
	h.send(signals.Reset{Reply: again})
	assert.ErrorIs(t, <-again, ErrNotFaulted)
}

func TestMachine_DispatchFailuresBeyondBudgetFault(t *testing.T) {
	h := newHarness(t, scenarioConfig())
	fail := errors.New("write /dev/ttyUSB0: input/output error")

	h.send(person(0.9))
	h.resultAll(fail)
	assert.Equal(t, motion.StateStopping, h.state())
	assert.Equal(t, 1, h.m.Status().DispatchFailures)

	h.advance(100 * time.Millisecond)
	assert.Equal(t, []string{"STOP", "STOP"}, h.disp.wires(), "failed stop is retried after backoff")
	h.resultAll(fail)

	h.advance(200 * time.Millisecond)
	assert.Len(t, h.disp.subs, 3)
	h.resultAll(fail)

	st := h.m.Status()
	assert.Equal(t, motion.StateFault, st.State)
	assert.Equal(t, CauseDispatchExceeded, st.Cause)
	assert.Contains(t, st.LastError, "input/output error")
	assert.Equal(t, motion.KindStop, h.disp.subs[len(h.disp.subs)-1].intent.Kind)
}

func TestMachine_SuccessResetsFailureCount(t *testing.T) {
	h := newHarness(t, scenarioConfig())

	h.send(person(0.9))
	h.resultAll(errors.New("glitch"))
	h.advance(100 * time.Millisecond)
	h.confirmAll()

	st := h.m.Status()
	assert.Equal(t, motion.StateStoppedWait, st.State, "retried stop confirms the sequence")
	assert.Zero(t, st.DispatchFailures)
}

func TestMachine_FailedReverseStopsAndReruns(t *testing.T) {
	h := newHarness(t, scenarioConfig())
	h.send(person(0.9))
	h.confirmAll()
	h.advance(2 * time.Second)
	require.Equal(t, motion.StateReversing, h.state())

	h.resultAll(errors.New("timeout"))
	assert.Equal(t, motion.StateStopping, h.state())
	assert.Equal(t, []string{"STOP", "REV:80:1.5", "STOP"}, h.disp.wires())

	h.confirmAll()
	assert.Equal(t, motion.StateStoppedWait, h.state())
}

func TestMachine_FailedManualForwardIsStopped(t *testing.T) {
	h := newHarness(t, scenarioConfig())
	sig, reply := manual(motion.Forward(100, motion.OriginManual))
	h.send(sig)
	h.resultAll(errors.New("unplugged"))

	res := <-reply
	assert.ErrorIs(t, res.Err, ErrDispatchFailed)
	assert.Equal(t, []string{"FWD:100", "STOP"}, h.disp.wires())
	assert.Equal(t, motion.StateManualActive, h.state())

	h.confirmAll()
	assert.Equal(t, motion.StateMonitoring, h.state())
}

// --- supplemented behaviour ---

func TestMachine_ResumeWithForward(t *testing.T) {
	cfg := scenarioConfig()
	cfg.ResumeWithForward = true
	h := newHarness(t, cfg)

	h.send(person(0.9))
	h.confirmAll()
	h.advance(2 * time.Second)
	h.confirmAll()
	h.advance(1500 * time.Millisecond)
	require.Equal(t, motion.StateMonitoring, h.state())

	h.advance(time.Second)
	assert.Equal(t, []string{"STOP", "REV:80:1.5", "FWD:100"}, h.disp.wires())
	assert.Equal(t, motion.StateMonitoring, h.state())
}

func TestMachine_DetectionCancelsForwardResume(t *testing.T) {
	cfg := scenarioConfig()
	cfg.ResumeWithForward = true
	h := newHarness(t, cfg)

	h.send(person(0.9))
	h.confirmAll()
	h.advance(2 * time.Second)
	h.confirmAll()
	h.advance(1500 * time.Millisecond)

	h.send(person(0.9))
	h.advance(time.Second)
	for _, s := range h.disp.subs {
		assert.NotEqual(t, motion.KindForward, s.intent.Kind)
	}
}

func TestMachine_StreamStatusAndHealth(t *testing.T) {
	h := newHarness(t, scenarioConfig())
	assert.Equal(t, "degraded", h.m.Status().Health())

	h.send(signals.StreamStatus{Connected: true})
	h.send(signals.ProcessStarted{Pid: 3})
	assert.Equal(t, "ok", h.m.Status().Health())

	h.send(signals.StreamStatus{Connected: false, Err: errors.New("eof")})
	assert.Equal(t, "degraded", h.m.Status().Health())
	assert.Equal(t, motion.StateMonitoring, h.state(), "connectivity loss is not a safety event")

	h.send(signals.ProcessFatal{})
	assert.Equal(t, "fault", h.m.Status().Health())
}

// --- properties ---

// TestMachine_RandomSequencesKeepInvariants drives random signal mixes and
// checks the ordering properties after each step.
func TestMachine_RandomSequencesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		h := newHarness(t, scenarioConfig())

		for step := 0; step < 40; step++ {
			before := len(h.disp.subs)
			stateBefore := h.state()

			switch rng.Intn(7) {
			case 0, 1:
				h.send(person(0.9))
				if stateBefore == motion.StateMonitoring {
					require.Greater(t, len(h.disp.subs), before)
					assert.Equal(t, motion.KindStop, h.disp.subs[before].intent.Kind, "first response is a stop")
				}
				if stateBefore.InSequence() {
					assert.Len(t, h.disp.subs, before, "coalesced detection dispatches nothing")
				}
			case 2:
				h.confirmAll()
			case 3:
				h.advance(time.Duration(rng.Intn(2500)) * time.Millisecond)
			case 4:
				kinds := []motion.Intent{
					motion.Stop(motion.OriginManual),
					motion.Forward(50, motion.OriginManual),
					motion.Reverse(40, time.Second, motion.OriginManual),
				}
				sig, _ := manual(kinds[rng.Intn(len(kinds))])
				h.send(sig)
			case 5:
				if rng.Intn(4) == 0 {
					h.send(signals.ProcessFaulted{Err: errors.New("crash")})
					if stateBefore != motion.StateFault {
						require.Greater(t, len(h.disp.subs), before)
						assert.Equal(t, motion.KindStop, h.disp.subs[before].intent.Kind)
					}
				}
			case 6:
				if rng.Intn(10) == 0 {
					h.resultAll(errors.New("flaky"))
				}
			}

			for _, s := range h.disp.subs {
				if s.intent.Kind == motion.KindReverse && s.intent.Origin == motion.OriginAutomatic {
					assert.Equal(t, motion.StateReversing, s.state, "automatic reverse only from REVERSING")
				}
				if s.intent.Kind == motion.KindReverse {
					assert.NotEqual(t, motion.StateMonitoring, s.state)
				}
			}
		}
	}
}

// --- Run loop ---

type loopDispatcher struct {
	q    *signals.Queue
	mu   sync.Mutex
	seq  uint64
	sent []string
}

func (d *loopDispatcher) Submit(in motion.Intent) uint64 {
	d.mu.Lock()
	d.seq++
	seq := d.seq
	wire, _ := protocol.EncodeCommand(in)
	w := strings.TrimSpace(string(wire))
	d.sent = append(d.sent, w)
	d.mu.Unlock()

	go func() {
		_ = d.q.Push(context.Background(), signals.DispatchResult{Seq: seq, Intent: in, Wire: w, At: time.Now()})
	}()
	return seq
}

func (d *loopDispatcher) wires() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

func TestMachine_RunLoopWithWallClock(t *testing.T) {
	q := signals.NewQueue(64)
	disp := &loopDispatcher{q: q}
	cfg := scenarioConfig()
	cfg.StopToReverseDelay = 20 * time.Millisecond
	cfg.ReverseDuration = 30 * time.Millisecond

	m := New(cfg, q, disp, events.NewHub(64), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, m.Run(ctx))
	}()

	require.NoError(t, q.Push(ctx, person(0.9)))
	require.Eventually(t, func() bool {
		w := disp.wires()
		return len(w) == 2 && m.Status().State == motion.StateMonitoring
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"STOP", "REV:80:0.03"}, disp.wires())

	cancel()
	<-done
	w := disp.wires()
	assert.Equal(t, "STOP", w[len(w)-1], "shutdown submits a fail-safe stop")
}
