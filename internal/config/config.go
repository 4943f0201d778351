// Package config handles Kilo Guardian configuration loading: a single
// YAML file shared by the gateway and every in-process component it
// wires together.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is overridden in tests to avoid matching real config
// files on the developer's machine.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order. An explicit
// path (from -config) is checked first by FindConfig; otherwise: ./config.yaml,
// ~/.config/kiloguardian/config.yaml, /config/config.yaml (container
// convention), /etc/kiloguardian/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kiloguardian", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml")
	paths = append(paths, "/etc/kiloguardian/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty it must
// exist. Otherwise searchPathsFunc is consulted in order and the first
// existing path wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds every configuration option enumerated in spec §6.
type Config struct {
	Gateway      GatewayConfig      `yaml:"gateway"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Adherence    AdherenceConfig    `yaml:"adherence"`
	EventBus     EventBusConfig     `yaml:"event_bus"`
	Coaching     CoachingConfig     `yaml:"coaching"`
	Extractor    ExtractorConfig    `yaml:"extractor"`
	Chat         ChatConfig         `yaml:"chat"`
	Notification NotificationConfig `yaml:"notification"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
	AdminToken   string             `yaml:"admin_token"` // bootstrap token, hashed on first use
}

// GatewayConfig configures the external HTTP entry point (spec §4.9).
type GatewayConfig struct {
	Address               string        `yaml:"address"`
	Port                  int           `yaml:"port"`
	BackendTimeout        time.Duration `yaml:"backend_timeout"`
	StatusFanoutTimeout   time.Duration `yaml:"status_fanout_timeout"`
}

// SchedulerConfig configures the reminder scheduler (spec §4.3, §6).
type SchedulerConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	BatchSize           int `yaml:"batch_size"`
}

// AdherenceConfig configures the state machine's timing knobs (spec §4.5, §6).
type AdherenceConfig struct {
	GraceWindowMinutes int `yaml:"grace_window_minutes"`
	SnoozeMinutes      int `yaml:"snooze_minutes"`
	MaxSnoozes         int `yaml:"max_snoozes"`
	LowQuantityDays    int `yaml:"low_quantity_days"`
}

// EventBusConfig configures the in-process fan-out (spec §4.4, §6).
type EventBusConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
	MaxAttempts   int `yaml:"max_attempts"`
}

// CoachingConfig configures the pattern/coaching engine (spec §4.6, §6).
type CoachingConfig struct {
	CooldownHours    int    `yaml:"cooldown_hours"`
	QuietHoursStart  string `yaml:"quiet_hours_start"` // "HH:MM" local
	QuietHoursEnd    string `yaml:"quiet_hours_end"`   // "HH:MM" local
	RingBufferSize   int    `yaml:"ring_buffer_size"`
}

// ExtractorConfig points at the external vision+LLM prescription extractor (spec §6).
type ExtractorConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ChatConfig points at the external chat/RAG service (spec §6). It is
// loaded and defaulted; no component in this module calls the service.
type ChatConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// NotificationConfig lists optional notification sink URLs (spec §6).
// They are loaded but not used: the coaching engine posts nothing to
// them, and messages reach clients only through the pull endpoint.
type NotificationConfig struct {
	SinkURLs []string `yaml:"sink_urls"`
}

// Load reads and parses a YAML config file, applying defaults and
// validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with the defaults enumerated
// in spec §6. Called by Load; after this, callers can read any field
// without checking for zero values.
func (c *Config) applyDefaults() {
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 8080
	}
	if c.Gateway.BackendTimeout == 0 {
		c.Gateway.BackendTimeout = 30 * time.Second
	}
	if c.Gateway.StatusFanoutTimeout == 0 {
		c.Gateway.StatusFanoutTimeout = 2 * time.Second
	}
	if c.Scheduler.PollIntervalSeconds == 0 {
		c.Scheduler.PollIntervalSeconds = 30
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 64
	}
	if c.Adherence.GraceWindowMinutes == 0 {
		c.Adherence.GraceWindowMinutes = 30
	}
	if c.Adherence.SnoozeMinutes == 0 {
		c.Adherence.SnoozeMinutes = 15
	}
	if c.Adherence.MaxSnoozes == 0 {
		c.Adherence.MaxSnoozes = 3
	}
	if c.Adherence.LowQuantityDays == 0 {
		c.Adherence.LowQuantityDays = 7
	}
	if c.EventBus.QueueCapacity == 0 {
		c.EventBus.QueueCapacity = 1024
	}
	if c.EventBus.MaxAttempts == 0 {
		c.EventBus.MaxAttempts = 3
	}
	if c.Coaching.CooldownHours == 0 {
		c.Coaching.CooldownHours = 4
	}
	if c.Coaching.QuietHoursStart == "" {
		c.Coaching.QuietHoursStart = "22:00"
	}
	if c.Coaching.QuietHoursEnd == "" {
		c.Coaching.QuietHoursEnd = "07:00"
	}
	if c.Coaching.RingBufferSize == 0 {
		c.Coaching.RingBufferSize = 60
	}
	if c.Extractor.Timeout == 0 {
		c.Extractor.Timeout = 20 * time.Second
	}
	if c.Chat.Timeout == 0 {
		c.Chat.Timeout = 20 * time.Second
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range (1-65535)", c.Gateway.Port)
	}
	if c.Adherence.SnoozeMinutes < 5 || c.Adherence.SnoozeMinutes > 60 {
		return fmt.Errorf("adherence.snooze_minutes %d out of range (5-60)", c.Adherence.SnoozeMinutes)
	}
	if c.Scheduler.PollIntervalSeconds < 1 {
		return fmt.Errorf("scheduler.poll_interval_seconds must be positive")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if _, _, err := parseClockTime(c.Coaching.QuietHoursStart); err != nil {
		return fmt.Errorf("coaching.quiet_hours_start: %w", err)
	}
	if _, _, err := parseClockTime(c.Coaching.QuietHoursEnd); err != nil {
		return fmt.Errorf("coaching.quiet_hours_end: %w", err)
	}
	return nil
}

// ParseClockTime parses an "HH:MM" string into hour, minute. Exported so
// callers wiring CoachingConfig.QuietHoursStart/End into
// coaching.Config's integer hour fields don't have to re-implement the
// same parsing.
func ParseClockTime(s string) (hour, minute int, err error) {
	return parseClockTime(s)
}

// parseClockTime parses an "HH:MM" string into hour, minute.
func parseClockTime(s string) (hour, minute int, err error) {
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q", s)
	}
	return hour, minute, nil
}
