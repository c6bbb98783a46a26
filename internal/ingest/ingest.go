// Package ingest subscribes to the detector's event stream and forwards
// watch-listed detections to the safety loop.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/mattjoyce/shunter/internal/backoff"
	"github.com/mattjoyce/shunter/internal/log"
	"github.com/mattjoyce/shunter/internal/motion"
	"github.com/mattjoyce/shunter/internal/protocol"
	"github.com/mattjoyce/shunter/internal/signals"
	"github.com/mattjoyce/shunter/internal/sse"
)

// maxLoggedPayload caps how much of a malformed payload is logged.
const maxLoggedPayload = 256

// Sink receives forwarded signals. *signals.Queue satisfies it.
type Sink interface {
	Push(ctx context.Context, s signals.Signal) error
}

// Observer sees every decoded detection, relevant or not.
// It runs on the ingest goroutine and must not block.
type Observer func(ev motion.DetectionEvent, relevant bool)

// Config controls the subscription.
type Config struct {
	URL           string
	Backoff       backoff.Policy
	MinConfidence float64
}

// Stats are lifetime counters.
type Stats struct {
	Connects  uint64 `json:"connects"`
	Decoded   uint64 `json:"decoded"`
	Forwarded uint64 `json:"forwarded"`
	Malformed uint64 `json:"malformed"`
}

// Ingestor is the stream producer. It never stops the orchestrator on
// connectivity loss; it reconnects until its context ends.
type Ingestor struct {
	cfg     Config
	watch   motion.WatchList
	sink    Sink
	client  *http.Client
	observe Observer
	logger  *slog.Logger

	lastID    string
	connects  atomic.Uint64
	decoded   atomic.Uint64
	forwarded atomic.Uint64
	malformed atomic.Uint64
}

// Option customises an Ingestor.
type Option func(*Ingestor)

// WithClient replaces the HTTP client. It must not set a Timeout.
func WithClient(c *http.Client) Option { return func(in *Ingestor) { in.client = c } }

// WithObserver registers an observer for all decoded detections.
func WithObserver(o Observer) Option { return func(in *Ingestor) { in.observe = o } }

// New creates an Ingestor.
func New(cfg Config, watch motion.WatchList, sink Sink, logger *slog.Logger, opts ...Option) *Ingestor {
	in := &Ingestor{
		cfg:    cfg,
		watch:  watch,
		sink:   sink,
		client: &http.Client{},
		logger: log.Or(logger).With("component", "ingest"),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Stats returns a snapshot of the counters.
func (in *Ingestor) Stats() Stats {
	return Stats{
		Connects:  in.connects.Load(),
		Decoded:   in.decoded.Load(),
		Forwarded: in.forwarded.Load(),
		Malformed: in.malformed.Load(),
	}
}

// Run keeps the subscription alive until ctx is cancelled.
func (in *Ingestor) Run(ctx context.Context) error {
	in.logger.Info("ingest started", "url", in.cfg.URL, "watch_list", in.watch.String())
	defer in.logger.Info("ingest stopped")

	attempt := 0
	for {
		connected, err := in.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}
		attempt++
		delay := in.cfg.Backoff.Delay(attempt)
		in.logger.Warn("detector stream interrupted, reconnecting", "attempt", attempt, "delay", delay, "error", err)
		if backoff.Sleep(ctx, delay) != nil {
			return nil
		}
	}
}

// stream runs one connection. connected reports whether the dial succeeded.
func (in *Ingestor) stream(ctx context.Context) (connected bool, err error) {
	body, err := sse.Dial(ctx, in.client, in.cfg.URL, "", in.lastID)
	if err != nil {
		return false, err
	}
	defer body.Close()

	in.connects.Add(1)
	in.logger.Info("detector stream connected", "url", in.cfg.URL)
	in.emit(ctx, signals.StreamStatus{Connected: true})

	r := sse.NewReader(body)
	for {
		frame, ferr := r.Next()
		if ferr != nil {
			if errors.Is(ferr, io.EOF) {
				ferr = errors.New("stream closed by detector")
			}
			in.lastID = r.LastID()
			if ctx.Err() == nil {
				in.emit(ctx, signals.StreamStatus{Connected: false, Err: ferr})
			}
			return true, ferr
		}
		in.handle(ctx, frame)
	}
}

func (in *Ingestor) handle(ctx context.Context, f sse.Frame) {
	ev, err := protocol.DecodeEvent([]byte(f.Data))
	if errors.Is(err, protocol.ErrIgnored) {
		in.logger.Debug("ignoring detector event", "event", f.Event, "error", err)
		return
	}
	if err != nil {
		in.malformed.Add(1)
		in.logger.Warn("dropping malformed detector event", "error", err, "data", truncate(f.Data))
		return
	}
	in.decoded.Add(1)

	relevant := in.watch.Contains(ev.Label) && ev.Confidence >= in.cfg.MinConfidence
	if in.observe != nil {
		in.observe(ev, relevant)
	}
	if !relevant {
		in.logger.Debug("detection not watched", "label", ev.Label, "confidence", ev.Confidence)
		return
	}

	in.forwarded.Add(1)
	in.logger.Info("watched detection", "label", ev.Label, "confidence", ev.Confidence)
	in.emit(ctx, signals.Detection{Event: ev})
}

func (in *Ingestor) emit(ctx context.Context, s signals.Signal) {
	if err := in.sink.Push(ctx, s); err != nil && ctx.Err() == nil {
		in.logger.Error("failed to forward signal", "signal", s.Name(), "error", err)
	}
}

func truncate(s string) string {
	if len(s) <= maxLoggedPayload {
		return s
	}
	return fmt.Sprintf("%s...(%d bytes)", s[:maxLoggedPayload], len(s))
}
