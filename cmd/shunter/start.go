package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/mattjoyce/shunter/internal/actuator"
	"github.com/mattjoyce/shunter/internal/api"
	"github.com/mattjoyce/shunter/internal/auth"
	"github.com/mattjoyce/shunter/internal/backoff"
	"github.com/mattjoyce/shunter/internal/config"
	"github.com/mattjoyce/shunter/internal/dispatch"
	"github.com/mattjoyce/shunter/internal/events"
	"github.com/mattjoyce/shunter/internal/ingest"
	"github.com/mattjoyce/shunter/internal/journal"
	"github.com/mattjoyce/shunter/internal/lock"
	"github.com/mattjoyce/shunter/internal/log"
	"github.com/mattjoyce/shunter/internal/manual"
	"github.com/mattjoyce/shunter/internal/motion"
	"github.com/mattjoyce/shunter/internal/safety"
	"github.com/mattjoyce/shunter/internal/signals"
	"github.com/mattjoyce/shunter/internal/storage"
	"github.com/mattjoyce/shunter/internal/supervisor"
)

// signalQueueSize bounds the producer side of the safety loop.
const signalQueueSize = 256

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path, err := config.Discover(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	if *configPath == "" {
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("shunter starting", "version", version, "config", path)

	pidLock, err := lock.Acquire(cfg.State.PIDPath())
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.State.PIDPath(), "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()

	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	return run(cfg, db, logger)
}

// run owns the component lifecycles. Shutdown order: producers stop, the
// safety loop submits its final STOP, the dispatcher flushes it, then the
// serial link closes.
func run(cfg *config.Config, db *sql.DB, logger *slog.Logger) int {
	hub := events.NewHub(cfg.Events.LogSize)
	q := signals.NewQueue(signalQueueSize)
	watchList := motion.NewWatchList(cfg.Safety.WatchList...)

	link := actuator.NewLink(actuator.Config{
		Port:  cfg.Actuator.Port,
		Baud:  cfg.Actuator.Baud,
		Hints: cfg.Actuator.PortHints,
	}, log.WithComponent("actuator"))
	defer func() {
		if err := link.Close(); err != nil {
			logger.Warn("failed to close actuator link", "error", err)
		}
	}()

	disp := dispatch.New(link, q, dispatch.Config{WriteTimeout: cfg.Actuator.WriteTimeout}, log.WithComponent("dispatch"))
	machine := safety.New(safety.Config{
		WatchList:            watchList,
		StopToReverseDelay:   cfg.Safety.StopToReverseDelay,
		ReverseSpeed:         cfg.Safety.ReverseSpeed,
		ReverseDuration:      cfg.Safety.ReverseDuration,
		ResumeWithForward:    cfg.Safety.ResumeWithForward,
		ForwardResumeDelay:   cfg.Safety.ForwardResumeDelay,
		ForwardSpeed:         cfg.Safety.ForwardSpeed,
		DispatchRetryBudget:  cfg.Safety.DispatchRetryBudget,
		DispatchRetryBackoff: cfg.Safety.DispatchRetryBackoff,
	}, q, disp, hub, log.WithComponent("safety"))

	det := cfg.Detector
	in := ingest.New(ingest.Config{
		URL:           det.BaseURL() + det.EventsPath,
		Backoff:       backoff.Policy{Base: cfg.Events.BackoffBase, Max: cfg.Events.BackoffMax},
		MinConfidence: cfg.Safety.MinConfidence,
	}, watchList, q, log.WithComponent("ingest"), ingest.WithObserver(publishDetection(hub)))

	var sup *supervisor.Supervisor
	gatewayOpts := []manual.Option{}
	if det.Mode == config.DetectorManaged {
		proc := supervisor.NewExecProcess(supervisor.ExecConfig{
			Command: det.Command,
			Args:    det.Args,
			Dir:     det.Dir,
			Env:     detectorEnv(cfg),
		}, log.WithComponent("detector"))
		sup = supervisor.New(proc, supervisor.NewHTTPHealth(det.BaseURL()+det.HealthPath), q, supervisor.Config{
			StartupTimeout: det.StartupTimeout,
			HealthInterval: det.HealthInterval,
			HealthFailures: det.HealthFailures,
			TerminateGrace: det.TerminateGrace,
			MaxRestarts:    det.Restart.MaxAttempts,
			BackoffBase:    det.Restart.BackoffBase,
			BackoffMax:     det.Restart.BackoffMax,
			StableAfter:    det.Restart.StableAfter,
		}, log.WithComponent("supervisor"))
		gatewayOpts = append(gatewayOpts, manual.WithRearmer(sup))
	} else {
		logger.Warn("detector in external mode; crashes will not force a stop", "url", det.BaseURL())
	}

	jrnl := journal.New(db, log.WithComponent("journal"))
	gateway := manual.New(q, cfg.Actuator.Limits(), log.WithComponent("manual"), gatewayOpts...)

	// producers and the API stop first
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// the dispatcher and journal outlive the safety loop so the final STOP is written and recorded
	tailCtx, cancelTail := context.WithCancel(context.Background())
	defer cancelTail()

	errCh := make(chan error, 8)
	var producers, tail sync.WaitGroup
	spawn := func(wg *sync.WaitGroup, name string, f func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	spawn(&tail, "dispatcher", func() error { return disp.Run(tailCtx) })
	spawn(&tail, "journal", func() error { jrnl.Follow(tailCtx, hub); return nil })

	machineDone := make(chan struct{})
	go func() {
		defer close(machineDone)
		if err := machine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("safety: %w", err)
		}
	}()

	spawn(&producers, "ingest", func() error { return in.Run(ctx) })
	if sup != nil {
		spawn(&producers, "supervisor", func() error { return sup.Run(ctx) })
	}
	spawn(&producers, "pruner", func() error {
		jrnl.RunPruner(ctx, cfg.State.Retention, journal.PruneInterval)
		return nil
	})

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:         cfg.API.Listen,
			APIKey:         cfg.API.Auth.APIKey,
			Tokens:         tokenConfigs(cfg.API.Auth.Tokens),
			CORSOrigins:    cfg.API.CORSOrigins,
			RequestTimeout: cfg.API.RequestTimeout,
			FrameURL:       det.BaseURL() + det.FramePath,
			HistorySize:    cfg.Events.LogSize,
		}, api.Deps{
			Status:   machine,
			Manual:   gateway,
			History:  jrnl,
			Events:   hub,
			Pipeline: pipelineProbe{in: in, disp: disp, link: link, queue: q, hub: hub},
		}, log.WithComponent("api"))
		spawn(&producers, "api", func() error { return apiServer.Start(ctx) })
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	logger.Info("shunter running (press Ctrl+C to stop)", "watch_list", watchList.Labels(), "detector_mode", det.Mode)

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}

	cancel()
	<-machineDone
	producers.Wait()
	q.Close()
	cancelTail()
	tail.Wait()

	logger.Info("shunter stopped", "last_command", machine.Status().LastCommand)
	return code
}

// pipelineProbe gathers the counters each component keeps for /status.
type pipelineProbe struct {
	in    *ingest.Ingestor
	disp  *dispatch.Dispatcher
	link  *actuator.Link
	queue *signals.Queue
	hub   *events.Hub
}

func (p pipelineProbe) Pipeline() api.PipelineStats {
	sent, failed := p.disp.Stats()
	return api.PipelineStats{
		ActuatorPort:   p.link.PortName(),
		CommandsSent:   sent,
		CommandsFailed: failed,
		CommandsQueued: p.disp.Pending(),
		SignalBacklog:  p.queue.Len(),
		EventsDropped:  p.hub.Dropped(),
		Ingest:         p.in.Stats(),
	}
}

func publishDetection(hub *events.Hub) ingest.Observer {
	return func(ev motion.DetectionEvent, relevant bool) {
		hub.Publish(events.TypeDetection, map[string]any{
			"label":      ev.Label,
			"confidence": ev.Confidence,
			"timestamp":  ev.Timestamp,
			"relevant":   relevant,
		})
	}
}

// detectorEnv derives the detector's environment from the config.
// Entries in detector.env win.
func detectorEnv(cfg *config.Config) map[string]string {
	env := map[string]string{
		"CAMERA_SOURCE":    cfg.Detector.CameraSource,
		"YOLO_SERVER_HOST": cfg.Detector.Host,
		"YOLO_SERVER_PORT": strconv.Itoa(cfg.Detector.Port),
		"WATCH_CLASSES":    strings.Join(cfg.Safety.WatchList, ","),
	}
	for k, v := range cfg.Detector.Env {
		env[k] = v
	}
	return env
}

func tokenConfigs(tokens []config.APIToken) []auth.TokenConfig {
	out := make([]auth.TokenConfig, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return out
}
