// Package safety is the orchestrating core: a single goroutine that consumes
// every signal in arrival order, owns the orchestrator state and its timers,
// and is the only caller of the command dispatcher.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/shunter/internal/backoff"
	"github.com/mattjoyce/shunter/internal/events"
	"github.com/mattjoyce/shunter/internal/log"
	"github.com/mattjoyce/shunter/internal/motion"
	"github.com/mattjoyce/shunter/internal/signals"
)

// maxRetryBackoff caps the delay between Stop retries.
const maxRetryBackoff = 5 * time.Second

// Transition causes recorded in status and events.
const (
	CauseStartup          = "startup"
	CauseDetection        = "detection"
	CauseStopConfirmed    = "stop_confirmed"
	CauseDelayElapsed     = "stop_to_reverse_delay_elapsed"
	CauseReverseElapsed   = "reverse_duration_elapsed"
	CauseManual           = "manual"
	CauseManualStop       = "manual_stop_confirmed"
	CauseManualElapsed    = "manual_reverse_elapsed"
	CauseProcessFaulted   = "process_faulted"
	CauseFaultStopDone    = "fault_stop_confirmed"
	CauseProcessFatal     = "process_fatal"
	CauseDispatchFailed   = "dispatch_failed"
	CauseDispatchExceeded = "dispatch_retry_budget_exceeded"
	CauseReset            = "reset"
)

// Config is the immutable sequence tuning.
type Config struct {
	WatchList            motion.WatchList
	StopToReverseDelay   time.Duration
	ReverseSpeed         int
	ReverseDuration      time.Duration
	ResumeWithForward    bool
	ForwardResumeDelay   time.Duration
	ForwardSpeed         int
	DispatchRetryBudget  int
	DispatchRetryBackoff time.Duration
}

// Dispatcher accepts intents without blocking and reports each outcome as a
// signals.DispatchResult on the queue.
type Dispatcher interface {
	Submit(in motion.Intent) uint64
}

// Publisher receives loop events. *events.Hub satisfies it.
type Publisher interface {
	Publish(eventType string, data any) events.Event
}

// Queue is the loop's input. *signals.Queue satisfies it.
type Queue interface {
	C() <-chan signals.Signal
	Push(ctx context.Context, s signals.Signal) error
}

type armedTimer struct {
	timer    Timer
	gen      uint64
	deadline time.Time
}

type pendingDispatch struct {
	intent motion.Intent
	reply  chan<- signals.ManualResult
	// gen is the generation the intent was submitted in.
	gen uint64
}

// Machine is the SafetyStateMachine. All fields below the status pointer
// are owned by the goroutine running Run.
type Machine struct {
	cfg    Config
	queue  Queue
	disp   Dispatcher
	pub    Publisher
	clock  Clock
	logger *slog.Logger
	status atomic.Pointer[Status]

	ctx context.Context

	state motion.State
	since time.Time
	cause string
	gen   uint64

	timers  map[signals.TimerKind]armedTimer
	pending map[uint64]pendingDispatch

	// stopSeq is the Stop awaited in STOPPING; haltOnly means that stop
	// ends the sequence instead of leading to a reverse.
	stopSeq  uint64
	haltOnly bool
	// manualStopSeq is the Stop whose confirmation ends MANUAL_ACTIVE.
	manualStopSeq uint64
	// manualReverseSeq is the manual Reverse whose confirmation starts the
	// manual timeout.
	manualReverseSeq uint64
	retry            motion.Intent

	failures      int
	coalesced     uint64
	lastErr       string
	lastErrAt     time.Time
	lastDetection *motion.DetectionEvent
	lastCommand   string
	detector      DetectorStatus
	streamUp      bool
}

// Option customises a Machine.
type Option func(*Machine)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(m *Machine) { m.clock = c } }

// New builds a Machine in MONITORING.
func New(cfg Config, q Queue, disp Dispatcher, pub Publisher, logger *slog.Logger, opts ...Option) *Machine {
	if cfg.DispatchRetryBackoff <= 0 {
		cfg.DispatchRetryBackoff = 200 * time.Millisecond
	}
	m := &Machine{
		cfg:     cfg,
		queue:   q,
		disp:    disp,
		pub:     pub,
		clock:   SystemClock,
		logger:  log.Or(logger).With("component", "safety"),
		ctx:     context.Background(),
		state:   motion.StateMonitoring,
		cause:   CauseStartup,
		timers:  make(map[signals.TimerKind]armedTimer),
		pending: make(map[uint64]pendingDispatch),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.since = m.clock.Now()
	m.snapshot()
	return m
}

// Status returns the latest published snapshot. Safe from any goroutine.
func (m *Machine) Status() Status {
	return *m.status.Load()
}

// Run consumes signals until ctx is cancelled. On exit it cancels all
// timers and submits a final Stop.
func (m *Machine) Run(ctx context.Context) error {
	m.ctx = ctx
	m.logger.Info("safety loop started", "state", m.state, "watch_list", m.cfg.WatchList.String())
	defer m.logger.Info("safety loop stopped")

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case s := <-m.queue.C():
			m.handle(s)
		}
	}
}

func (m *Machine) handle(s signals.Signal) {
	switch sig := s.(type) {
	case signals.Detection:
		m.onDetection(sig)
	case signals.Manual:
		m.onManual(sig)
	case signals.Reset:
		m.onReset(sig)
	case signals.DispatchResult:
		m.onDispatchResult(sig)
	case signals.TimerFired:
		m.onTimer(sig)
	case signals.ProcessStarted:
		m.onProcessStarted(sig)
	case signals.ProcessFaulted:
		m.onProcessFaulted(sig)
	case signals.ProcessFatal:
		m.onProcessFatal(sig)
	case signals.StreamStatus:
		m.onStream(sig)
	default:
		m.logger.Warn("unknown signal", "signal", fmt.Sprintf("%T", s))
	}
	m.snapshot()
}

func (m *Machine) onDetection(sig signals.Detection) {
	ev := sig.Event
	m.lastDetection = &ev

	switch {
	case m.state == motion.StateMonitoring:
		m.transition(motion.StateStopping, CauseDetection)
		m.stopSeq = m.submit(motion.Stop(motion.OriginAutomatic), nil)
	case m.state.InSequence():
		m.coalesced++
		m.logger.Debug("detection coalesced into running sequence", "label", ev.Label, "state", m.state)
		m.pub.Publish(events.TypeDetectionCoalesced, map[string]any{
			"label":      ev.Label,
			"confidence": ev.Confidence,
			"state":      m.state,
		})
	default:
		m.logger.Debug("detection ignored", "label", ev.Label, "state", m.state)
	}
}

func (m *Machine) onManual(sig signals.Manual) {
	in := sig.Intent

	if m.state == motion.StateFault {
		if in.Kind != motion.KindStop {
			m.logger.Warn("manual intent refused in FAULT", "intent", in.String())
			reply(sig.Reply, signals.ManualResult{State: m.state, Err: ErrFaulted})
			return
		}
		m.logger.Info("manual stop accepted in FAULT")
		m.submit(in, sig.Reply)
		return
	}

	m.transition(motion.StateManualActive, CauseManual)
	seq := m.submit(in, sig.Reply)

	switch in.Kind {
	case motion.KindStop:
		m.manualStopSeq = seq
	case motion.KindReverse:
		m.manualReverseSeq = seq
	}
}

func (m *Machine) onReset(sig signals.Reset) {
	if m.state != motion.StateFault {
		replyErr(sig.Reply, ErrNotFaulted)
		return
	}
	m.failures = 0
	m.detector.Fatal = false
	m.lastErr = ""
	m.lastErrAt = time.Time{}
	m.transition(motion.StateMonitoring, CauseReset)
	replyErr(sig.Reply, nil)
}

func (m *Machine) onDispatchResult(r signals.DispatchResult) {
	p := m.pending[r.Seq]
	delete(m.pending, r.Seq)

	if r.Err == nil {
		m.failures = 0
		m.lastCommand = r.Wire
		m.pub.Publish(events.TypeCommandDispatched, commandEvent(r, m.state))
		reply(p.reply, signals.ManualResult{Seq: r.Seq, Wire: r.Wire, State: m.state})
		m.onConfirmed(r)
		return
	}

	m.failures++
	m.recordError(fmt.Errorf("dispatch %s failed: %w", r.Intent.String(), r.Err))
	m.pub.Publish(events.TypeCommandFailed, commandEvent(r, m.state))
	reply(p.reply, signals.ManualResult{
		Seq:   r.Seq,
		Wire:  r.Wire,
		State: m.state,
		Err:   fmt.Errorf("%w: %v", ErrDispatchFailed, r.Err),
	})

	if m.state == motion.StateFault {
		m.retryLater(motion.Stop(r.Intent.Origin))
		return
	}
	if m.failures > m.cfg.DispatchRetryBudget {
		m.enterFault(CauseDispatchExceeded)
		return
	}

	if r.Intent.Kind == motion.KindStop && r.Intent.Origin == motion.OriginAutomatic &&
		m.state == motion.StateManualActive && p.gen != m.gen {
		// The operator took over after this stop was sent; their command
		// now decides what the rig does.
		m.logger.Warn("dropping retry of pre-empted stop", "seq", r.Seq)
		return
	}
	if r.Intent.Kind == motion.KindStop {
		m.retryLater(r.Intent)
		return
	}

	// A motion command that may or may not have reached the actuator
	// leaves it in an unknown state: stop now.
	switch m.state {
	case motion.StateReversing, motion.StateMonitoring:
		// Only a failed automatic reverse reruns the sequence after the stop.
		rerun := m.state == motion.StateReversing && r.Intent.Origin == motion.OriginAutomatic
		m.transition(motion.StateStopping, CauseDispatchFailed)
		m.haltOnly = !rerun
		m.stopSeq = m.submit(motion.Stop(motion.OriginAutomatic), nil)
	case motion.StateManualActive:
		m.transition(motion.StateManualActive, CauseDispatchFailed)
		m.manualStopSeq = m.submit(motion.Stop(motion.OriginAutomatic), nil)
	default:
		m.submit(motion.Stop(motion.OriginAutomatic), nil)
	}
}

func (m *Machine) onConfirmed(r signals.DispatchResult) {
	seq := r.Seq
	switch {
	case m.state == motion.StateStopping && seq == m.stopSeq:
		if m.haltOnly {
			m.transition(motion.StateMonitoring, CauseFaultStopDone)
			return
		}
		m.transition(motion.StateStoppedWait, CauseStopConfirmed)
		m.arm(signals.TimerStopToReverse, m.cfg.StopToReverseDelay)
	case m.state == motion.StateManualActive && seq == m.manualStopSeq:
		m.transition(motion.StateMonitoring, CauseManualStop)
	case m.state == motion.StateManualActive && seq == m.manualReverseSeq:
		m.manualReverseSeq = 0
		m.arm(signals.TimerManual, r.Intent.Duration)
	}
}

func (m *Machine) onTimer(sig signals.TimerFired) {
	armed, ok := m.timers[sig.Kind]
	if !ok || armed.gen != sig.Generation || sig.Generation != m.gen {
		m.logger.Debug("stale timer ignored", "timer", sig.Kind, "timer_generation", sig.Generation, "generation", m.gen)
		return
	}
	delete(m.timers, sig.Kind)

	switch sig.Kind {
	case signals.TimerStopToReverse:
		if m.state != motion.StateStoppedWait {
			return
		}
		m.transition(motion.StateReversing, CauseDelayElapsed)
		m.submit(motion.Reverse(m.cfg.ReverseSpeed, m.cfg.ReverseDuration, motion.OriginAutomatic), nil)
		m.arm(signals.TimerReverse, m.cfg.ReverseDuration)

	case signals.TimerReverse:
		if m.state != motion.StateReversing {
			return
		}
		m.transition(motion.StateMonitoring, CauseReverseElapsed)
		if m.cfg.ResumeWithForward {
			m.arm(signals.TimerForwardResume, m.cfg.ForwardResumeDelay)
		}

	case signals.TimerManual:
		if m.state != motion.StateManualActive {
			return
		}
		m.transition(motion.StateMonitoring, CauseManualElapsed)

	case signals.TimerForwardResume:
		if m.state != motion.StateMonitoring {
			return
		}
		m.submit(motion.Forward(m.cfg.ForwardSpeed, motion.OriginAutomatic), nil)

	case signals.TimerDispatchRetry:
		in := m.retry
		seq := m.submit(in, nil)
		switch m.state {
		case motion.StateStopping:
			m.stopSeq = seq
		case motion.StateManualActive:
			m.manualStopSeq = seq
		}
	}
}

func (m *Machine) onProcessStarted(sig signals.ProcessStarted) {
	m.detector.Running = true
	m.detector.Pid = sig.Pid
	m.detector.Restarts = sig.Restarts
	m.detector.Fatal = false
	m.pub.Publish(events.TypeDetectorStarted, map[string]any{"pid": sig.Pid, "restarts": sig.Restarts})
}

func (m *Machine) onProcessFaulted(sig signals.ProcessFaulted) {
	m.detector.Running = false
	m.recordError(fmt.Errorf("detector faulted: %v", sig.Err))
	m.pub.Publish(events.TypeDetectorFaulted, map[string]any{"pid": sig.Pid, "error": errString(sig.Err)})

	if m.state == motion.StateFault {
		return
	}
	m.transition(motion.StateStopping, CauseProcessFaulted)
	m.haltOnly = true
	m.stopSeq = m.submit(motion.Stop(motion.OriginAutomatic), nil)
}

func (m *Machine) onProcessFatal(sig signals.ProcessFatal) {
	m.detector.Running = false
	m.detector.Fatal = true
	m.recordError(fmt.Errorf("detector restart budget exhausted after %d attempts: %v", sig.Attempts, sig.Err))
	m.pub.Publish(events.TypeDetectorFatal, map[string]any{"attempts": sig.Attempts, "error": errString(sig.Err)})
	m.enterFault(CauseProcessFatal)
}

func (m *Machine) onStream(sig signals.StreamStatus) {
	m.streamUp = sig.Connected
	if sig.Connected {
		m.pub.Publish(events.TypeStreamConnected, nil)
		return
	}
	m.pub.Publish(events.TypeStreamDisconnected, map[string]any{"error": errString(sig.Err)})
}

func (m *Machine) enterFault(cause string) {
	m.transition(motion.StateFault, cause)
	m.submit(motion.Stop(motion.OriginAutomatic), nil)
}

// transition moves to a new state. Every pending timer is cancelled and the
// generation advances before the caller arms anything for the new state.
func (m *Machine) transition(to motion.State, cause string) {
	from := m.state
	m.cancelTimers()
	m.gen++
	m.state = to
	m.since = m.clock.Now()
	m.cause = cause
	m.stopSeq = 0
	m.haltOnly = false
	m.manualStopSeq = 0
	m.manualReverseSeq = 0

	m.logger.Info("state transition", "from", from, "to", to, "cause", cause, "generation", m.gen)
	m.pub.Publish(events.TypeStateChanged, map[string]any{
		"from":       from,
		"to":         to,
		"cause":      cause,
		"generation": m.gen,
	})
}

func (m *Machine) submit(in motion.Intent, r chan<- signals.ManualResult) uint64 {
	seq := m.disp.Submit(in)
	m.pending[seq] = pendingDispatch{intent: in, reply: r, gen: m.gen}
	m.logger.Debug("intent submitted", "seq", seq, "intent", in.String(), "state", m.state)
	return seq
}

func (m *Machine) retryLater(in motion.Intent) {
	delay := backoff.Policy{Base: m.cfg.DispatchRetryBackoff, Max: maxRetryBackoff}.Delay(m.failures)
	m.retry = in
	m.logger.Warn("retrying stop", "failures", m.failures, "delay", delay)
	m.arm(signals.TimerDispatchRetry, delay)
}

// arm replaces any timer of the same kind. The callback only posts a
// signal; whether it still matters is decided when it is consumed.
func (m *Machine) arm(kind signals.TimerKind, d time.Duration) {
	m.cancelTimer(kind)
	gen := m.gen
	ctx := m.ctx
	t := m.clock.AfterFunc(d, func() {
		_ = m.queue.Push(ctx, signals.TimerFired{Kind: kind, Generation: gen})
	})
	m.timers[kind] = armedTimer{timer: t, gen: gen, deadline: m.clock.Now().Add(d)}
}

func (m *Machine) cancelTimer(kind signals.TimerKind) {
	if a, ok := m.timers[kind]; ok {
		a.timer.Stop()
		delete(m.timers, kind)
	}
}

func (m *Machine) cancelTimers() {
	for kind := range m.timers {
		m.cancelTimer(kind)
	}
}

func (m *Machine) recordError(err error) {
	m.lastErr = err.Error()
	m.lastErrAt = m.clock.Now()
}

func (m *Machine) shutdown() {
	m.cancelTimers()
	m.logger.Info("submitting fail-safe stop on shutdown", "state", m.state)
	m.disp.Submit(motion.Stop(motion.OriginAutomatic))
	for seq, p := range m.pending {
		reply(p.reply, signals.ManualResult{Seq: seq, State: m.state, Err: ErrShuttingDown})
		delete(m.pending, seq)
	}
	m.snapshot()
}

func (m *Machine) snapshot() {
	s := &Status{
		State:            m.state,
		Since:            m.since,
		Cause:            m.cause,
		Generation:       m.gen,
		LastError:        m.lastErr,
		LastCommand:      m.lastCommand,
		Detector:         m.detector,
		StreamConnected:  m.streamUp,
		DispatchFailures: m.failures,
		Coalesced:        m.coalesced,
		PendingCommands:  len(m.pending),
		WatchList:        m.cfg.WatchList.Labels(),
	}
	if !m.lastErrAt.IsZero() {
		at := m.lastErrAt
		s.LastErrorAt = &at
	}
	if m.lastDetection != nil {
		ev := *m.lastDetection
		s.LastDetection = &ev
	}
	for kind, a := range m.timers {
		s.ActiveTimers = append(s.ActiveTimers, TimerStatus{Kind: string(kind), Deadline: a.deadline})
	}
	sort.Slice(s.ActiveTimers, func(i, j int) bool { return s.ActiveTimers[i].Kind < s.ActiveTimers[j].Kind })
	m.status.Store(s)
}

func commandEvent(r signals.DispatchResult, state motion.State) map[string]any {
	ev := map[string]any{
		"seq":    r.Seq,
		"wire":   r.Wire,
		"kind":   r.Intent.Kind,
		"origin": r.Intent.Origin,
		"state":  state,
	}
	if r.Err != nil {
		ev["error"] = r.Err.Error()
	}
	return ev
}

func reply(ch chan<- signals.ManualResult, r signals.ManualResult) {
	if ch == nil {
		return
	}
	select {
	case ch <- r:
	default:
	}
}

func replyErr(ch chan<- error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
