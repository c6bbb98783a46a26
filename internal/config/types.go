package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/mattjoyce/shunter/internal/motion"
)

// Config represents the complete shunter configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	State    StateConfig    `yaml:"state"`
	API      APIConfig      `yaml:"api"`
	Detector DetectorConfig `yaml:"detector"`
	Events   EventsConfig   `yaml:"events"`
	Safety   SafetyConfig   `yaml:"safety"`
	Actuator ActuatorConfig `yaml:"actuator"`

	// Path is the file the config was loaded from.
	Path string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines journal storage settings.
type StateConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
	PIDFile   string        `yaml:"pid_file,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Listen         string        `yaml:"listen"`
	CORSOrigins    []string      `yaml:"cors_origins"`
	Auth           APIAuthConfig `yaml:"auth"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Detector modes.
const (
	DetectorManaged  = "managed"
	DetectorExternal = "external"
)

// DetectorConfig describes the external detector process and its HTTP surface.
type DetectorConfig struct {
	Mode         string            `yaml:"mode"`
	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args,omitempty"`
	Dir          string            `yaml:"dir,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	CameraSource string            `yaml:"camera_source"`
	Host         string            `yaml:"host"`
	Port         int               `yaml:"port"`

	HealthPath string `yaml:"health_path"`
	EventsPath string `yaml:"events_path"`
	FramePath  string `yaml:"frame_path"`

	StartupTimeout time.Duration `yaml:"startup_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
	HealthFailures int           `yaml:"health_failures"`
	TerminateGrace time.Duration `yaml:"terminate_grace"`

	Restart RestartConfig `yaml:"restart"`
}

// RestartConfig is the detector restart policy.
type RestartConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	StableAfter time.Duration `yaml:"stable_after"`
}

// EventsConfig tunes the detection stream subscription.
type EventsConfig struct {
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	LogSize     int           `yaml:"log_size"`
}

// SafetyConfig tunes the automatic stop/reverse sequence.
type SafetyConfig struct {
	WatchList     []string `yaml:"watch_list"`
	MinConfidence float64  `yaml:"min_confidence"`

	StopToReverseDelay time.Duration `yaml:"stop_to_reverse_delay"`
	ReverseSpeed       int           `yaml:"reverse_speed"`
	ReverseDuration    time.Duration `yaml:"reverse_duration"`

	ResumeWithForward  bool          `yaml:"resume_with_forward"`
	ForwardResumeDelay time.Duration `yaml:"forward_resume_delay"`
	ForwardSpeed       int           `yaml:"forward_speed"`

	DispatchRetryBudget  int           `yaml:"dispatch_retry_budget"`
	DispatchRetryBackoff time.Duration `yaml:"dispatch_retry_backoff"`
}

// ActuatorConfig identifies the serial link and the values it accepts.
type ActuatorConfig struct {
	Port               string        `yaml:"port"`
	Baud               int           `yaml:"baud"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	SpeedMin           int           `yaml:"speed_min"`
	SpeedMax           int           `yaml:"speed_max"`
	MaxReverseDuration time.Duration `yaml:"max_reverse_duration"`
	PortHints          []string      `yaml:"port_hints"`
}

// Limits returns the actuator bounds used to validate intents.
func (a ActuatorConfig) Limits() motion.Limits {
	return motion.Limits{SpeedMin: a.SpeedMin, SpeedMax: a.SpeedMax, MaxReverseDuration: a.MaxReverseDuration}
}

// BaseURL is the detector's HTTP root.
func (d DetectorConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", d.Host, d.Port)
}

// PIDPath returns the lock file path, next to the database unless set.
func (s StateConfig) PIDPath() string {
	if s.PIDFile != "" {
		return s.PIDFile
	}
	return filepath.Join(filepath.Dir(s.Path), "shunter.pid")
}

// Defaults returns a Config with the documented defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "shunter",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path:      "./data/shunter.db",
			Retention: 720 * time.Hour,
		},
		API: APIConfig{
			Enabled:        true,
			Listen:         "0.0.0.0:8000",
			CORSOrigins:    []string{"*"},
			RequestTimeout: 10 * time.Second,
		},
		Detector: DetectorConfig{
			Mode:           DetectorManaged,
			CameraSource:   "0",
			Host:           "127.0.0.1",
			Port:           8001,
			HealthPath:     "/health",
			EventsPath:     "/events",
			FramePath:      "/last_frame",
			StartupTimeout: 45 * time.Second,
			HealthInterval: 2 * time.Second,
			HealthFailures: 3,
			TerminateGrace: 5 * time.Second,
			Restart: RestartConfig{
				MaxAttempts: 3,
				BackoffBase: time.Second,
				BackoffMax:  30 * time.Second,
				StableAfter: 60 * time.Second,
			},
		},
		Events: EventsConfig{
			BackoffBase: 2 * time.Second,
			BackoffMax:  30 * time.Second,
			LogSize:     100,
		},
		Safety: SafetyConfig{
			WatchList:            []string{"person", "bottle"},
			StopToReverseDelay:   time.Second,
			ReverseSpeed:         80,
			ReverseDuration:      1500 * time.Millisecond,
			ForwardResumeDelay:   time.Second,
			ForwardSpeed:         100,
			DispatchRetryBudget:  3,
			DispatchRetryBackoff: 200 * time.Millisecond,
		},
		Actuator: ActuatorConfig{
			Port:               "/dev/ttyUSB0",
			Baud:               115200,
			WriteTimeout:       2 * time.Second,
			SpeedMin:           0,
			SpeedMax:           255,
			MaxReverseDuration: 30 * time.Second,
			PortHints:          []string{"usb", "ttyacm", "wch", "ch340"},
		},
	}
}
