package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/shunter/internal/log"
)

// ErrAlreadyRunning is returned by Start while a previous run is alive.
var ErrAlreadyRunning = errors.New("detector already running")

// pipeDrainDelay bounds how long Wait lingers on output held open by children.
const pipeDrainDelay = 2 * time.Second

// ExecConfig describes the detector command line.
type ExecConfig struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
}

// ExecProcess runs the detector as an OS process. Output lines are relayed
// to the logger at a level inferred from their content.
type ExecProcess struct {
	cfg    ExecConfig
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

// NewExecProcess creates a process description; nothing runs until Start.
func NewExecProcess(cfg ExecConfig, logger *slog.Logger) *ExecProcess {
	return &ExecProcess{cfg: cfg, logger: log.Or(logger).With("component", "detector")}
}

// Start launches a new run. The process is not bound to ctx: termination
// is always explicit through Terminate.
func (p *ExecProcess) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != nil {
		select {
		case <-p.done:
		default:
			return ErrAlreadyRunning
		}
	}

	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Dir = p.cfg.Dir
	cmd.Env = mergeEnv(os.Environ(), p.cfg.Env)
	cmd.Stdout = &lineLogger{logger: p.logger, stream: "stdout"}
	cmd.Stderr = &lineLogger{logger: p.logger, stream: "stderr"}
	cmd.WaitDelay = pipeDrainDelay

	p.logger.Info("spawning detector", "command", p.cfg.Command, "args", p.cfg.Args, "dir", p.cfg.Dir)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.cfg.Command, err)
	}

	done := make(chan struct{})
	p.cmd = cmd
	p.done = done
	p.waitErr = nil

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(done)
	}()
	return nil
}

// Pid of the current run, or 0.
func (p *ExecProcess) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Running reports whether the current run has not exited.
func (p *ExecProcess) Running() bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Terminate sends SIGTERM, then SIGKILL once grace expires, and waits for exit.
func (p *ExecProcess) Terminate(grace time.Duration) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()

	if cmd == nil || done == nil || cmd.Process == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	p.logger.Info("terminating detector", "pid", cmd.Process.Pid, "grace", grace)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Error("failed to send SIGTERM", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		p.logger.Info("detector exited after SIGTERM")
		return nil
	case <-timer.C:
		p.logger.Warn("detector did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			<-done
			return fmt.Errorf("kill detector: %w", err)
		}
		<-done
		return nil
	}
}

// Wait blocks until the current run exits and returns its exit error.
func (p *ExecProcess) Wait() error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return errors.New("detector not started")
	}
	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, override := extra[name]; override {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// lineLogger turns process output into log records, one per line.
type lineLogger struct {
	logger *slog.Logger
	stream string

	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// Partial line: keep it for the next write.
			l.buf.Reset()
			l.buf.WriteString(line)
			return len(p), nil
		}
		l.emit(strings.TrimRight(line, "\r\n"))
	}
}

func (l *lineLogger) emit(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	l.logger.Log(context.Background(), lineLevel(line), "detector output", "stream", l.stream, "line", line)
}

// lineLevel maps Python/uvicorn style level markers to slog levels.
func lineLevel(line string) slog.Level {
	upper := strings.ToUpper(line)
	switch {
	case containsAny(upper, "ERROR", "CRITICAL", "TRACEBACK"):
		return slog.LevelError
	case containsAny(upper, "WARNING", "[WARN]"):
		return slog.LevelWarn
	case containsAny(upper, "INFO"):
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
