// Package config loads loopcast settings with precedence ENV > file > defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"go2tv.app/loopcast/internal/domain"
)

type Config struct {
	LogLevel    string `yaml:"log_level"`
	ServeIP     string `yaml:"serve_ip"`
	PortMin     int    `yaml:"port_min"`
	PortMax     int    `yaml:"port_max"`
	StagingRoot string `yaml:"staging_root"`
	MetricsAddr string `yaml:"metrics_addr"`

	Discovery DiscoveryConfig `yaml:"discovery"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Scheduler SchedulerConfig `yaml:"scheduler"`

	Devices     []domain.DeviceInfo `yaml:"devices"`
	Assignments []Assignment        `yaml:"assignments"`
}

type DiscoveryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type MonitorConfig struct {
	Variant           string        `yaml:"variant"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	EndMargin         time.Duration `yaml:"end_margin"`
	StopWait          time.Duration `yaml:"stop_wait"`
}

type SessionsConfig struct {
	StallAfter    time.Duration `yaml:"stall_after"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

type SchedulerConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Assignment is a static video binding enforced by the discovery loop.
type Assignment struct {
	Device   string `yaml:"device"`
	Video    string `yaml:"video"`
	Priority *int   `yaml:"priority"`
}

// EffectivePriority returns the configured priority or the default.
func (a Assignment) EffectivePriority() int {
	if a.Priority == nil {
		return domain.DefaultPriority
	}
	return *a.Priority
}

func Defaults() Config {
	return Config{
		LogLevel: "info",
		PortMin:  9000,
		PortMax:  9100,
		Discovery: DiscoveryConfig{
			Enabled:  true,
			Interval: 10 * time.Second,
			Timeout:  3 * time.Second,
		},
		Monitor: MonitorConfig{
			Variant:           "v2",
			PollInterval:      5 * time.Second,
			InactivityTimeout: 30 * time.Second,
			EndMargin:         2 * time.Second,
			StopWait:          3 * time.Second,
		},
		Sessions: SessionsConfig{
			StallAfter:    30 * time.Second,
			CheckInterval: 10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			SweepInterval: time.Second,
		},
	}
}

// Loader assembles a Config from defaults, an optional YAML file and the
// environment.
type Loader struct {
	configPath string
	lookupEnv  func(string) (string, bool)
}

func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath, lookupEnv: os.LookupEnv}
}

// Load returns the merged configuration, validation warnings, and an error
// if the file cannot be parsed or the result is invalid.
func (l *Loader) Load() (Config, []string, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, nil, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)

	if cfg.StagingRoot != "" {
		if abs, err := filepath.Abs(cfg.StagingRoot); err == nil {
			cfg.StagingRoot = abs
		}
	}

	warnings, err := cfg.Validate()
	if err != nil {
		return cfg, warnings, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, warnings, nil
}

// loadFile decodes path over cfg, so keys absent from the file keep their
// defaults. Unknown keys are rejected.
func (l *Loader) loadFile(path string, cfg *Config) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("config file contains multiple documents or trailing content")
	}
	return nil
}
