// Package config provides YAML configuration loading and validation for the
// AOD daemon.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the AOD daemon.
type Config struct {
	// WatchIntervalSec is the analyzer's sleep between detection iterations.
	// Defaults to 1 when omitted.
	WatchIntervalSec int `yaml:"watch_interval_sec"`

	// AODOutputDir is the archive root under which batches/ holds in-flight
	// directories and completed .tar.zst archives. Defaults to
	// "/var/log/aod" when omitted.
	AODOutputDir string `yaml:"aod_output_dir"`

	// Probes lists the kernel probe subprocesses the supervisor spawns.
	Probes []Probe `yaml:"probes"`

	// Anomalies lists the configured detectors.
	Anomalies []Anomaly `yaml:"anomalies"`

	// Cleanup configures the janitor's dual age/size policy.
	Cleanup Cleanup `yaml:"cleanup"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the diagnostics HTTP surface.
	// Defaults to "127.0.0.1:9100" when omitted.
	HealthAddr string `yaml:"health_addr"`

	// ActionStorePath is the path to the action store's SQLite database.
	// Defaults to "/var/lib/aod/actions.db" when omitted.
	ActionStorePath string `yaml:"action_store_path"`

	// AlertLogPath is the path to the hash-chained alert log. Defaults to
	// "/var/log/aod/alerts.log" when omitted.
	AlertLogPath string `yaml:"alert_log_path"`

	// ShmName is the POSIX shared-memory segment name the ring attaches to
	// (e.g. "/bpf_shm"). Required.
	ShmName string `yaml:"shm_name"`
}

// Probe describes one kernel probe subprocess the supervisor spawns and
// supervises.
type Probe struct {
	// Tool is the numeric tool identifier this probe's events are tagged
	// with in the ring (Event.Tool).
	Tool uint8 `yaml:"tool"`

	// Name is a human-readable identifier used in logs.
	Name string `yaml:"name"`

	// Argv is the subprocess command line. Argv[0] is the executable path.
	// Required, must be non-empty.
	Argv []string `yaml:"argv"`
}

// Anomaly configures one detector: its kind, the tool it watches, and the
// quick actions to run when it fires.
type Anomaly struct {
	// Kind is "latency" or "error".
	Kind string `yaml:"kind"`

	// Tool restricts this detector to events tagged with this tool ID.
	Tool uint8 `yaml:"tool"`

	// AcceptableCount is the violation count within one coalesced batch
	// that triggers this detector. Required, must be positive.
	AcceptableCount int `yaml:"acceptable_count"`

	// Mode applies to the error kind: "all", "trackonly", or "excludeonly".
	// Ignored for the latency kind.
	Mode string `yaml:"mode"`

	// ThresholdsMs maps SMB opcode (as a string key, per YAML's map-key
	// convention) to its per-opcode latency threshold in milliseconds.
	// Applies to the latency kind only.
	ThresholdsMs map[string]uint32 `yaml:"thresholds_ms"`

	// TrackCodes is the set of signed retval codes tracked (or excluded)
	// under trackonly/excludeonly mode. Applies to the error kind only.
	TrackCodes []int32 `yaml:"track_codes"`

	// QuickActions names the diagnostic probes to run from the catalog
	// when this detector fires.
	QuickActions []string `yaml:"quick_actions"`
}

// Cleanup configures the janitor's dual age/size retention policy.
type Cleanup struct {
	// IntervalSec is the period between janitor ticks. Defaults to 60 when
	// omitted.
	IntervalSec int `yaml:"interval_sec"`

	// MaxAgeDays is the age, in days, past which any archive is deleted
	// regardless of total size. Defaults to 7 when omitted.
	MaxAgeDays int `yaml:"max_age_days"`

	// MaxTotalSizeMB is the total-size budget, in megabytes, for completed
	// archives. Defaults to 1024 when omitted.
	MaxTotalSizeMB int64 `yaml:"max_total_size_mb"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validKinds = map[string]bool{
	"latency": true,
	"error":   true,
}

var validModes = map[string]bool{
	"all":         true,
	"trackonly":   true,
	"excludeonly": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered, not just the first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.WatchIntervalSec == 0 {
		cfg.WatchIntervalSec = 1
	}
	if cfg.AODOutputDir == "" {
		cfg.AODOutputDir = "/var/log/aod"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9100"
	}
	if cfg.ActionStorePath == "" {
		cfg.ActionStorePath = "/var/lib/aod/actions.db"
	}
	if cfg.AlertLogPath == "" {
		cfg.AlertLogPath = "/var/log/aod/alerts.log"
	}
	if cfg.Cleanup.IntervalSec == 0 {
		cfg.Cleanup.IntervalSec = 60
	}
	if cfg.Cleanup.MaxAgeDays == 0 {
		cfg.Cleanup.MaxAgeDays = 7
	}
	if cfg.Cleanup.MaxTotalSizeMB == 0 {
		cfg.Cleanup.MaxTotalSizeMB = 1024
	}
	for i := range cfg.Anomalies {
		if cfg.Anomalies[i].Kind == "error" && cfg.Anomalies[i].Mode == "" {
			cfg.Anomalies[i].Mode = "all"
		}
	}
}

// validate checks that all required fields are populated, enumerated fields
// hold only valid values, and rejects an empty tracked set under
// trackonly/excludeonly mode rather than silently building a detector that
// can never fire.
func validate(cfg *Config) error {
	var errs []error

	if cfg.ShmName == "" {
		errs = append(errs, errors.New("shm_name is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	for i, p := range cfg.Probes {
		prefix := fmt.Sprintf("probes[%d]", i)
		if len(p.Argv) == 0 {
			errs = append(errs, fmt.Errorf("%s: argv is required", prefix))
		}
	}

	for i, a := range cfg.Anomalies {
		prefix := fmt.Sprintf("anomalies[%d]", i)
		if !validKinds[a.Kind] {
			errs = append(errs, fmt.Errorf("%s: kind %q must be one of: latency, error", prefix, a.Kind))
		}
		if a.AcceptableCount <= 0 {
			errs = append(errs, fmt.Errorf("%s: acceptable_count must be positive", prefix))
		}
		if a.Kind == "error" {
			if !validModes[a.Mode] {
				errs = append(errs, fmt.Errorf("%s: mode %q must be one of: all, trackonly, excludeonly", prefix, a.Mode))
			}
			if (a.Mode == "trackonly" || a.Mode == "excludeonly") && len(a.TrackCodes) == 0 {
				errs = append(errs, fmt.Errorf("%s: track_codes must be non-empty for mode %q", prefix, a.Mode))
			}
		}
	}

	return errors.Join(errs...)
}
