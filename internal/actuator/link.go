// Package actuator is the byte-stream channel to the motion controller.
package actuator

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.bug.st/serial"

	"github.com/mattjoyce/shunter/internal/log"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("actuator link closed")

// Config identifies the serial channel.
type Config struct {
	Port  string // device path, or "auto"
	Baud  int
	Hints []string
}

// Opener opens a named port. serial.Open in production.
type Opener func(name string, mode *serial.Mode) (serial.Port, error)

// Link writes command lines to the controller. The port is opened lazily,
// dropped after any I/O error and reopened on the next write.
type Link struct {
	cfg    Config
	open   Opener
	lister Lister
	logger *slog.Logger

	mu     sync.Mutex
	port   serial.Port
	name   string
	closed bool
}

// Option customises a Link.
type Option func(*Link)

// WithOpener replaces serial.Open.
func WithOpener(o Opener) Option { return func(l *Link) { l.open = o } }

// WithLister replaces the port enumerator used for "auto".
func WithLister(ls Lister) Option { return func(l *Link) { l.lister = ls } }

// NewLink builds a link; nothing is opened until the first write.
func NewLink(cfg Config, logger *slog.Logger, opts ...Option) *Link {
	l := &Link{
		cfg:    cfg,
		open:   serial.Open,
		lister: SystemPorts,
		logger: log.Or(logger).With("component", "actuator"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Write sends p and waits for the OS to drain it.
func (l *Link) Write(p []byte) (int, error) {
	port, err := l.acquire()
	if err != nil {
		return 0, err
	}

	n, err := port.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err == nil {
		err = port.Drain()
	}
	if err != nil {
		l.discard(port, err)
		return n, fmt.Errorf("write %s: %w", l.portName(), err)
	}
	return n, nil
}

// Reset closes the port, unblocking any write in progress.
func (l *Link) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closePortLocked()
}

// Close releases the port permanently.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return l.closePortLocked()
}

// PortName is the device currently (or last) in use.
func (l *Link) PortName() string { return l.portName() }

func (l *Link) portName() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.name != "" {
		return l.name
	}
	return l.cfg.Port
}

func (l *Link) acquire() (serial.Port, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if l.port != nil {
		return l.port, nil
	}

	name := l.cfg.Port
	if name == "" || name == AutoPort {
		found, err := Discover(l.lister, l.cfg.Hints)
		if err != nil {
			return nil, err
		}
		name = found
	}

	port, err := l.open(name, &serial.Mode{BaudRate: l.cfg.Baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	l.port = port
	l.name = name
	l.logger.Info("serial port opened", "port", name, "baud", l.cfg.Baud)
	return port, nil
}

func (l *Link) discard(port serial.Port, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port != port {
		return
	}
	l.logger.Warn("dropping serial port after error", "port", l.name, "error", cause)
	_ = l.closePortLocked()
}

func (l *Link) closePortLocked() error {
	if l.port == nil {
		return nil
	}
	err := l.port.Close()
	l.port = nil
	return err
}
