// Package doctor diagnoses a shunter configuration against the host it will run on.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/shunter/internal/actuator"
	"github.com/mattjoyce/shunter/internal/auth"
	"github.com/mattjoyce/shunter/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the host.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)
	ports    actuator.Lister
}

// Option customises host probes, mainly for tests.
type Option func(*Doctor)

// WithLookPath replaces exec.LookPath.
func WithLookPath(f func(string) (string, error)) Option { return func(d *Doctor) { d.lookPath = f } }

// WithStat replaces os.Stat.
func WithStat(f func(string) (os.FileInfo, error)) Option { return func(d *Doctor) { d.stat = f } }

// WithPorts replaces serial port enumeration.
func WithPorts(l actuator.Lister) Option { return func(d *Doctor) { d.ports = l } }

// New creates a Doctor for a parsed (not necessarily valid) config.
func New(cfg *config.Config, opts ...Option) *Doctor {
	d := &Doctor{
		cfg:      cfg,
		lookPath: exec.LookPath,
		stat:     os.Stat,
		ports:    actuator.SystemPorts,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateConfig(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.validateDetector(r)
	d.validateActuator(r)
	d.warnSafetyTuning(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateConfig reports the same failure startup would.
func (d *Doctor) validateConfig(r *Result) {
	if err := config.Validate(d.cfg); err != nil {
		d.addError(r, "config", "", err.Error())
	}
	if d.cfg.Path != "" {
		if err := config.VerifyChecksum(d.cfg.Path); err != nil {
			d.addError(r, "integrity", d.cfg.Path, firstLine(err.Error()))
		} else if _, err := config.LoadChecksums(filepath.Dir(d.cfg.Path)); err != nil {
			d.addWarning(r, "integrity", "",
				"no .checksums manifest; run 'shunter config lock' to enable integrity verification")
		}
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	api := d.cfg.API
	if !api.Enabled {
		d.addWarning(r, "api", "api.enabled", "API disabled: no manual commands or status surface")
		return
	}
	if api.Auth.APIKey == "" && len(api.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth",
			"API enabled but no authentication configured; anyone who can reach "+api.Listen+" can move the rig")
	}
	for _, o := range api.CORSOrigins {
		if o == "*" && (api.Auth.APIKey != "" || len(api.Auth.Tokens) > 0) {
			d.addWarning(r, "api", "api.cors_origins", "wildcard CORS origin with bearer authentication")
			break
		}
	}
}

// validateTokenScopes checks that each scope is one the API understands.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if !auth.IsKnown(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected one of %s)", scope, strings.Join(auth.Known, ", ")))
			}
		}
	}
}

// validateDetector checks the detector can be launched from this host.
func (d *Doctor) validateDetector(r *Result) {
	det := d.cfg.Detector
	if det.Mode == config.DetectorExternal {
		d.addWarning(r, "detector", "detector.mode",
			"external mode: detector crashes are not supervised and will not force a stop")
		return
	}
	if det.Command == "" {
		return
	}
	if _, err := d.lookPath(det.Command); err != nil {
		d.addError(r, "detector", "detector.command",
			fmt.Sprintf("command %q not found: %v", det.Command, err))
	}
	if det.Dir != "" {
		if info, err := d.stat(det.Dir); err != nil || !info.IsDir() {
			d.addError(r, "detector", "detector.dir", fmt.Sprintf("working directory %q does not exist", det.Dir))
		}
	}
	for k := range det.Env {
		if k == "CAMERA_SOURCE" || k == "YOLO_SERVER_PORT" || k == "YOLO_SERVER_HOST" || k == "WATCH_CLASSES" {
			d.addWarning(r, "detector", "detector.env."+k, "overrides a value derived from the config")
		}
	}
}

// validateActuator checks the serial port is present or discoverable.
func (d *Doctor) validateActuator(r *Result) {
	a := d.cfg.Actuator
	if a.Port == "" {
		return
	}
	if a.Port == actuator.AutoPort {
		if _, err := actuator.Discover(d.ports, a.PortHints); err != nil {
			if errors.Is(err, actuator.ErrNoPort) {
				d.addWarning(r, "actuator", "actuator.port",
					fmt.Sprintf("no serial port matches hints %v; the link will retry at each command", a.PortHints))
				return
			}
			d.addWarning(r, "actuator", "actuator.port", fmt.Sprintf("port enumeration failed: %v", err))
		}
		return
	}
	if _, err := d.stat(a.Port); err != nil {
		d.addWarning(r, "actuator", "actuator.port",
			fmt.Sprintf("serial device %s not present; commands will fail until it appears", a.Port))
	}
}

// warnSafetyTuning flags settings that are legal but probably unintended.
func (d *Doctor) warnSafetyTuning(r *Result) {
	s := d.cfg.Safety
	seen := make(map[string]bool, len(s.WatchList))
	for i, label := range s.WatchList {
		key := strings.ToLower(strings.TrimSpace(label))
		if seen[key] {
			d.addWarning(r, "safety", fmt.Sprintf("safety.watch_list[%d]", i), fmt.Sprintf("duplicate label %q", label))
		}
		seen[key] = true
	}
	if s.DispatchRetryBudget == 0 {
		d.addWarning(r, "safety", "safety.dispatch_retry_budget", "a single failed write will enter FAULT")
	}
	if d.cfg.Detector.Restart.MaxAttempts == 1 {
		d.addWarning(r, "safety", "detector.restart.max_attempts", "the first detector crash will enter FAULT")
	}
}

// warnDeprecatedSyntax warns about legacy auth patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
