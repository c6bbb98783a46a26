package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Validate rejects a config the orchestrator cannot safely start with.
func Validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := cfg.Service.LogFormat; f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", f)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if err := validateAPI(cfg.API); err != nil {
		return err
	}
	if err := validateDetector(cfg.Detector); err != nil {
		return err
	}
	if err := validateSafety(cfg.Safety, cfg.Actuator); err != nil {
		return err
	}
	return validateActuator(cfg.Actuator)
}

func validateAPI(api APIConfig) error {
	if !api.Enabled {
		return nil
	}
	if api.Listen == "" {
		return fmt.Errorf("api.listen is required when the api is enabled")
	}
	for i, tok := range api.Auth.Tokens {
		if tok.Token == "" {
			return fmt.Errorf("api.auth.tokens[%d].token is required", i)
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
		}
	}
	return positive(map[string]time.Duration{"api.request_timeout": api.RequestTimeout})
}

func validateDetector(d DetectorConfig) error {
	switch d.Mode {
	case DetectorManaged:
		if d.Command == "" {
			return fmt.Errorf("detector.command is required in managed mode")
		}
	case DetectorExternal:
	default:
		return fmt.Errorf("detector.mode must be managed or external (got %q)", d.Mode)
	}
	if d.Host == "" {
		return fmt.Errorf("detector.host is required")
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("detector.port must be in 1..65535 (got %d)", d.Port)
	}
	if d.HealthFailures <= 0 {
		return fmt.Errorf("detector.health_failures must be positive")
	}
	if d.Restart.MaxAttempts <= 0 {
		return fmt.Errorf("detector.restart.max_attempts must be positive")
	}
	return positive(map[string]time.Duration{
		"detector.startup_timeout":      d.StartupTimeout,
		"detector.health_interval":      d.HealthInterval,
		"detector.terminate_grace":      d.TerminateGrace,
		"detector.restart.backoff_base": d.Restart.BackoffBase,
		"detector.restart.backoff_max":  d.Restart.BackoffMax,
		"detector.restart.stable_after": d.Restart.StableAfter,
	})
}

func validateSafety(s SafetyConfig, a ActuatorConfig) error {
	if len(s.WatchList) == 0 {
		return fmt.Errorf("safety.watch_list must contain at least one label")
	}
	for i, label := range s.WatchList {
		if strings.TrimSpace(label) == "" {
			return fmt.Errorf("safety.watch_list[%d] is empty", i)
		}
	}
	if s.MinConfidence < 0 || s.MinConfidence > 1 {
		return fmt.Errorf("safety.min_confidence must be in [0,1] (got %v)", s.MinConfidence)
	}
	if s.ReverseSpeed < a.SpeedMin || s.ReverseSpeed > a.SpeedMax {
		return fmt.Errorf("safety.reverse_speed %d outside actuator range [%d,%d]", s.ReverseSpeed, a.SpeedMin, a.SpeedMax)
	}
	if s.ResumeWithForward && (s.ForwardSpeed < a.SpeedMin || s.ForwardSpeed > a.SpeedMax) {
		return fmt.Errorf("safety.forward_speed %d outside actuator range [%d,%d]", s.ForwardSpeed, a.SpeedMin, a.SpeedMax)
	}
	if a.MaxReverseDuration > 0 && s.ReverseDuration > a.MaxReverseDuration {
		return fmt.Errorf("safety.reverse_duration %s exceeds actuator.max_reverse_duration %s", s.ReverseDuration, a.MaxReverseDuration)
	}
	if s.DispatchRetryBudget < 0 {
		return fmt.Errorf("safety.dispatch_retry_budget must not be negative")
	}
	return positive(map[string]time.Duration{
		"safety.stop_to_reverse_delay":  s.StopToReverseDelay,
		"safety.reverse_duration":       s.ReverseDuration,
		"safety.forward_resume_delay":   s.ForwardResumeDelay,
		"safety.dispatch_retry_backoff": s.DispatchRetryBackoff,
	})
}

func validateActuator(a ActuatorConfig) error {
	if a.Port == "" {
		return fmt.Errorf("actuator.port is required (a device path or \"auto\")")
	}
	if a.Baud <= 0 {
		return fmt.Errorf("actuator.baud must be positive (got %d)", a.Baud)
	}
	if a.SpeedMin < 0 || a.SpeedMax < a.SpeedMin {
		return fmt.Errorf("actuator speed range [%d,%d] is invalid", a.SpeedMin, a.SpeedMax)
	}
	return positive(map[string]time.Duration{"actuator.write_timeout": a.WriteTimeout})
}

// positive reports the first non-positive duration in stable key order.
func positive(fields map[string]time.Duration) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if fields[k] <= 0 {
			return fmt.Errorf("%s must be positive (got %s)", k, fields[k])
		}
	}
	return nil
}
