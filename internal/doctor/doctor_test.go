package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/shunter/internal/actuator"
	"github.com/mattjoyce/shunter/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	dev := filepath.Join(t.TempDir(), "ttyUSB0")
	if err := os.WriteFile(dev, nil, 0600); err != nil {
		t.Fatal(err)
	}
	cfg := config.Defaults()
	cfg.Detector.Command = "python3"
	cfg.Actuator.Port = dev
	cfg.API.Auth.Tokens = []config.APIToken{{Token: "t", Scopes: []string{"status:ro"}}}
	cfg.API.CORSOrigins = []string{"http://dashboard.local"}
	return cfg
}

func found(string) (string, error)   { return "/usr/bin/python3", nil }
func missing(string) (string, error) { return "", errors.New("executable file not found in $PATH") }

func ports(names ...string) actuator.Lister {
	return func() ([]actuator.PortInfo, error) {
		out := make([]actuator.PortInfo, 0, len(names))
		for _, n := range names {
			out = append(out, actuator.PortInfo{Name: n, IsUSB: true})
		}
		return out, nil
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := New(validConfig(t), WithLookPath(found)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_ConfigErrorSurfaces(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Safety.WatchList = nil
	r := New(cfg, WithLookPath(found)).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "config", "watch_list")
}

func TestValidate_DetectorCommandMissing(t *testing.T) {
	t.Parallel()
	r := New(validConfig(t), WithLookPath(missing)).Validate()
	assertHasError(t, r, "detector", "not found")
}

func TestValidate_DetectorDirMissing(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Detector.Dir = filepath.Join(t.TempDir(), "gone")
	r := New(cfg, WithLookPath(found)).Validate()
	assertHasError(t, r, "detector", "working directory")
}

func TestValidate_ExternalDetectorWarns(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Detector.Mode = config.DetectorExternal
	r := New(cfg, WithLookPath(missing)).Validate()
	if !r.Valid {
		t.Fatalf("external mode should not need a command: %v", r.Errors)
	}
	assertHasWarning(t, r, "detector", "not supervised")
}

func TestValidate_DetectorEnvOverride(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Detector.Env = map[string]string{"CAMERA_SOURCE": "1"}
	r := New(cfg, WithLookPath(found)).Validate()
	assertHasWarning(t, r, "detector", "overrides")
}

func TestValidate_NoAuthWarns(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Auth.Tokens = nil
	r := New(cfg, WithLookPath(found)).Validate()
	assertHasWarning(t, r, "api", "no authentication")
}

func TestValidate_UnknownScope(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Auth.Tokens = []config.APIToken{{Token: "t", Scopes: []string{"jobs:rw"}}}
	r := New(cfg, WithLookPath(found)).Validate()
	assertHasError(t, r, "token_scopes", "unknown scope")
}

func TestValidate_WildcardCORSWithAuth(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.CORSOrigins = []string{"*"}
	r := New(cfg, WithLookPath(found)).Validate()
	assertHasWarning(t, r, "api", "wildcard")
}

func TestValidate_ActuatorPortAbsent(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Actuator.Port = filepath.Join(t.TempDir(), "ttyACM9")
	r := New(cfg, WithLookPath(found)).Validate()
	if !r.Valid {
		t.Fatal("a missing device is a warning, not an error")
	}
	assertHasWarning(t, r, "actuator", "not present")
}

func TestValidate_AutoPortDiscovery(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Actuator.Port = actuator.AutoPort

	r := New(cfg, WithLookPath(found), WithPorts(ports("/dev/ttyACM0"))).Validate()
	for _, w := range r.Warnings {
		if w.Category == "actuator" {
			t.Fatalf("unexpected actuator warning: %v", w)
		}
	}

	r = New(cfg, WithLookPath(found), WithPorts(ports("/dev/ttyS0"))).Validate()
	assertHasWarning(t, r, "actuator", "no serial port matches")
}

func TestValidate_SafetyTuning(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Safety.WatchList = []string{"person", "Person"}
	cfg.Safety.DispatchRetryBudget = 0
	r := New(cfg, WithLookPath(found)).Validate()
	assertHasWarning(t, r, "safety", "duplicate label")
	assertHasWarning(t, r, "safety", "single failed write")
}

func TestValidate_IntegrityMismatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("safety:\n  watch_list: [person]\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Lock(path, false); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("safety:\n  watch_list: [dog]\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := validConfig(t)
	cfg.Path = path
	r := New(cfg, WithLookPath(found)).Validate()
	assertHasError(t, r, "integrity", "hash mismatch")
}

func TestValidate_WarnBothAPIKeyAndTokens(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Auth.APIKey = "old-key"
	r := New(cfg, WithLookPath(found)).Validate()
	assertHasWarning(t, r, "deprecated", "both")
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Message: "bad thing"}},
	}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "bad thing") {
		t.Fatalf("expected JSON to contain error message, got: %s", out)
	}
}

func TestFormatHuman_Valid(t *testing.T) {
	t.Parallel()
	r := &Result{Valid: true}
	out := FormatHuman(r)
	if !strings.Contains(out, "valid") {
		t.Fatalf("expected 'valid' in output, got: %s", out)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "ERROR") || !strings.Contains(out, "broken") {
		t.Fatalf("expected error in output, got: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
