// Package supervisor launches the detector process, watches its health and
// restarts it with exponential backoff, reporting every lifecycle change as
// a signal.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/shunter/internal/backoff"
	"github.com/mattjoyce/shunter/internal/log"
	"github.com/mattjoyce/shunter/internal/signals"
)

// ErrUnhealthy marks a detector that failed its health checks.
var ErrUnhealthy = errors.New("detector unhealthy")

// Config holds the restart and health policy.
type Config struct {
	StartupTimeout time.Duration
	HealthInterval time.Duration
	HealthFailures int
	TerminateGrace time.Duration
	MaxRestarts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	// StableAfter is how long a run must last before the restart count resets.
	StableAfter time.Duration
}

// DefaultConfig mirrors the config file defaults.
func DefaultConfig() Config {
	return Config{
		StartupTimeout: 45 * time.Second,
		HealthInterval: 2 * time.Second,
		HealthFailures: 3,
		TerminateGrace: 5 * time.Second,
		MaxRestarts:    3,
		BackoffBase:    time.Second,
		BackoffMax:     30 * time.Second,
		StableAfter:    time.Minute,
	}
}

// Supervisor owns the detector's process handle. Nothing else touches it.
type Supervisor struct {
	proc   Process
	health HealthChecker
	sink   Sink
	cfg    Config
	policy backoff.Policy
	logger *slog.Logger
	now    func() time.Time

	rearm  chan struct{}
	exited chan error
}

// New creates a supervisor. health may be nil, in which case only process
// exit is watched.
func New(proc Process, health HealthChecker, sink Sink, cfg Config, logger *slog.Logger) *Supervisor {
	def := DefaultConfig()
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = def.StartupTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.HealthFailures <= 0 {
		cfg.HealthFailures = def.HealthFailures
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = def.TerminateGrace
	}
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	return &Supervisor{
		proc:   proc,
		health: health,
		sink:   sink,
		cfg:    cfg,
		policy: backoff.Policy{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		logger: log.Or(logger).With("component", "supervisor"),
		now:    time.Now,
		rearm:  make(chan struct{}, 1),
	}
}

// Rearm restores the restart budget after ProcessFatal and starts the
// detector again. It is a no-op unless the supervisor is parked.
func (s *Supervisor) Rearm() {
	select {
	case s.rearm <- struct{}{}:
	default:
	}
}

// Run supervises until ctx is cancelled, then terminates the detector.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor started", "max_restarts", s.cfg.MaxRestarts)
	defer s.logger.Info("supervisor stopped")

	attempts := 0
	for {
		startedAt := s.now()
		pid := 0

		err := s.launch(ctx)
		launched := err == nil
		if launched {
			pid = s.proc.Pid()
			s.logger.Info("detector running", "pid", pid, "restarts", attempts)
			s.emit(ctx, signals.ProcessStarted{Pid: pid, Restarts: attempts})

			err = s.monitor(ctx)
			if s.cfg.StableAfter > 0 && s.now().Sub(startedAt) >= s.cfg.StableAfter {
				attempts = 0
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		// A detector that was reported running is always a safety event when
		// it goes. Launches that never got healthy are covered by the stop
		// for the failure that started the streak.
		if launched || attempts == 0 {
			s.logger.Error("detector faulted", "pid", pid, "error", err)
			s.emit(ctx, signals.ProcessFaulted{Pid: pid, Err: err})
		}

		if attempts >= s.cfg.MaxRestarts {
			s.logger.Error("detector restart budget exhausted", "attempts", attempts, "error", err)
			s.emit(ctx, signals.ProcessFatal{Attempts: attempts, Err: err})
			if !s.park(ctx) {
				return nil
			}
			attempts = 0
			continue
		}

		attempts++
		delay := s.policy.Delay(attempts)
		s.logger.Warn("restarting detector", "attempt", attempts, "max", s.cfg.MaxRestarts, "delay", delay, "error", err)
		if backoff.Sleep(ctx, delay) != nil {
			return nil
		}
	}
}

func (s *Supervisor) park(ctx context.Context) bool {
	select {
	case <-s.rearm:
	default:
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.rearm:
		s.logger.Info("supervisor re-armed")
		return true
	}
}

// launch starts the process and waits until it is healthy.
func (s *Supervisor) launch(ctx context.Context) error {
	if err := s.proc.Start(ctx); err != nil {
		return fmt.Errorf("start detector: %w", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- s.proc.Wait() }()
	s.exited = exited

	if s.health == nil {
		return nil
	}

	deadline := time.NewTimer(s.cfg.StartupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = s.check(ctx); lastErr == nil {
			return nil
		}
		select {
		case err := <-exited:
			s.exited = nil
			return fmt.Errorf("detector exited during startup: %w", exitError(err))
		case <-deadline.C:
			s.stop()
			return fmt.Errorf("%w: not healthy after %s: %v", ErrUnhealthy, s.cfg.StartupTimeout, lastErr)
		case <-ctx.Done():
			s.stop()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// monitor returns when the process exits, fails too many health checks,
// or ctx ends. The process is not running when it returns.
func (s *Supervisor) monitor(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case err := <-s.exited:
			s.exited = nil
			return fmt.Errorf("detector exited: %w", exitError(err))
		case <-ctx.Done():
			s.stop()
			return ctx.Err()
		case <-ticker.C:
			if s.health == nil {
				continue
			}
			err := s.check(ctx)
			if err == nil {
				failures = 0
				continue
			}
			failures++
			s.logger.Warn("detector health check failed", "failures", failures, "threshold", s.cfg.HealthFailures, "error", err)
			if failures >= s.cfg.HealthFailures {
				s.stop()
				return fmt.Errorf("%w: %v", ErrUnhealthy, err)
			}
		}
	}
}

func (s *Supervisor) check(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.HealthInterval)
	defer cancel()
	return s.health.Check(cctx)
}

func (s *Supervisor) stop() {
	if s.exited == nil {
		return
	}
	if err := s.proc.Terminate(s.cfg.TerminateGrace); err != nil {
		s.logger.Error("failed to terminate detector", "error", err)
	}
	<-s.exited
	s.exited = nil
}

func (s *Supervisor) emit(ctx context.Context, sig signals.Signal) {
	if err := s.sink.Push(ctx, sig); err != nil && ctx.Err() == nil {
		s.logger.Error("failed to deliver supervisor signal", "signal", sig.Name(), "error", err)
	}
}

func exitError(err error) error {
	if err == nil {
		return errors.New("exited with status 0")
	}
	return err
}
