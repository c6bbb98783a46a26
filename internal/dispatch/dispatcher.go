package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/shunter/internal/log"
	"github.com/mattjoyce/shunter/internal/motion"
	"github.com/mattjoyce/shunter/internal/protocol"
	"github.com/mattjoyce/shunter/internal/signals"
)

// DefaultWriteTimeout matches the controller's serial timeout.
const DefaultWriteTimeout = 2 * time.Second

// ErrWriteTimeout marks a write aborted after Config.WriteTimeout.
var ErrWriteTimeout = errors.New("actuator write timed out")

// Config tunes the dispatcher.
type Config struct {
	WriteTimeout time.Duration
}

type job struct {
	seq    uint64
	intent motion.Intent
}

// Dispatcher drains submitted intents onto a Link in order.
type Dispatcher struct {
	link   Link
	sink   Sink
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending []job
	wake    chan struct{}

	seq      atomic.Uint64
	inFlight atomic.Int32
	sent     atomic.Uint64
	failed   atomic.Uint64
}

// New creates a Dispatcher writing to link and reporting to sink.
func New(link Link, sink Sink, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Dispatcher{
		link:   link,
		sink:   sink,
		cfg:    cfg,
		logger: log.Or(logger).With("component", "dispatch"),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

// Submit queues an intent and returns its sequence number. It never blocks.
func (d *Dispatcher) Submit(in motion.Intent) uint64 {
	seq := d.seq.Add(1)

	d.mu.Lock()
	d.pending = append(d.pending, job{seq: seq, intent: in})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return seq
}

// Pending is the number of queued intents not yet started.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stats reports lifetime counters.
func (d *Dispatcher) Stats() (sent, failed uint64) {
	return d.sent.Load(), d.failed.Load()
}

// Run writes queued intents until ctx is cancelled, then flushes what is
// left and returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatch loop started", "write_timeout", d.cfg.WriteTimeout)
	defer d.logger.Info("dispatch loop stopped")

	for {
		if j, ok := d.next(); ok {
			d.send(ctx, j)
			continue
		}
		select {
		case <-ctx.Done():
			d.flush()
			return nil
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) flush() {
	ctx := context.Background()
	for {
		j, ok := d.next()
		if !ok {
			return
		}
		d.logger.Info("flushing queued command on shutdown", "seq", j.seq, "intent", j.intent.String())
		d.send(ctx, j)
	}
}

func (d *Dispatcher) next() (job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return job{}, false
	}
	j := d.pending[0]
	d.pending = d.pending[1:]
	return j, true
}

func (d *Dispatcher) send(ctx context.Context, j job) {
	logger := d.logger.With("seq", j.seq, "origin", j.intent.Origin)

	res := signals.DispatchResult{Seq: j.seq, Intent: j.intent}

	wire, err := protocol.EncodeCommand(j.intent)
	if err != nil {
		res.Err = fmt.Errorf("encode: %w", err)
	} else {
		res.Wire = strings.TrimSuffix(string(wire), "\n")
		res.Err = d.write(wire, logger)
	}
	res.At = d.now()

	if res.Err != nil {
		d.failed.Add(1)
		logger.Error("command dispatch failed", "wire", res.Wire, "error", res.Err)
	} else {
		d.sent.Add(1)
		logger.Info("command dispatched", "wire", res.Wire)
	}

	if err := d.sink.Push(ctx, res); err != nil && ctx.Err() == nil {
		logger.Warn("dispatch result dropped", "error", err)
	}
}

// write performs one bounded write. It only returns once the underlying
// Write has returned, so the next line can never overlap this one.
func (d *Dispatcher) write(wire []byte, logger *slog.Logger) error {
	if n := d.inFlight.Add(1); n != 1 {
		logger.Error("concurrent actuator write detected", "in_flight", n)
	}
	defer d.inFlight.Add(-1)

	done := make(chan error, 1)
	go func() {
		_, err := d.link.Write(wire)
		done <- err
	}()

	timer := time.NewTimer(d.cfg.WriteTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		logger.Warn("actuator write timed out, resetting link", "timeout", d.cfg.WriteTimeout)
		if err := d.link.Reset(); err != nil {
			logger.Error("failed to reset actuator link", "error", err)
		}
		<-done
		return fmt.Errorf("%w after %s", ErrWriteTimeout, d.cfg.WriteTimeout)
	}
}
