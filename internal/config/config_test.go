package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("gateway:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig := searchPathsFunc
	t.Cleanup(func() { searchPathsFunc = orig })

	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}

	if _, err := FindConfig(""); err == nil {
		t.Fatal("expected error when no config file exists on the search path")
	}

	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: ./data\n"), 0600)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != path {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, path)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: "+dir+"\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Gateway.Port != 8080 {
		t.Errorf("Gateway.Port = %d, want 8080", cfg.Gateway.Port)
	}
	if cfg.Adherence.GraceWindowMinutes != 30 {
		t.Errorf("Adherence.GraceWindowMinutes = %d, want 30", cfg.Adherence.GraceWindowMinutes)
	}
	if cfg.Adherence.SnoozeMinutes != 15 {
		t.Errorf("Adherence.SnoozeMinutes = %d, want 15", cfg.Adherence.SnoozeMinutes)
	}
	if cfg.Adherence.MaxSnoozes != 3 {
		t.Errorf("Adherence.MaxSnoozes = %d, want 3", cfg.Adherence.MaxSnoozes)
	}
	if cfg.Scheduler.PollIntervalSeconds != 30 {
		t.Errorf("Scheduler.PollIntervalSeconds = %d, want 30", cfg.Scheduler.PollIntervalSeconds)
	}
	if cfg.EventBus.QueueCapacity != 1024 {
		t.Errorf("EventBus.QueueCapacity = %d, want 1024", cfg.EventBus.QueueCapacity)
	}
	if cfg.Coaching.QuietHoursStart != "22:00" || cfg.Coaching.QuietHoursEnd != "07:00" {
		t.Errorf("quiet hours = %s-%s, want 22:00-07:00", cfg.Coaching.QuietHoursStart, cfg.Coaching.QuietHoursEnd)
	}
}

func TestValidate_RejectsOutOfRangeSnooze(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Adherence.SnoozeMinutes = 120

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for snooze_minutes=120")
	}
}

func TestValidate_RejectsBadQuietHours(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Coaching.QuietHoursStart = "not-a-time"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for malformed quiet_hours_start")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]bool{
		"":        true,
		"info":    true,
		"debug":   true,
		"warn":    true,
		"error":   true,
		"trace":   true,
		"bogus":   false,
	}
	for s, wantOK := range cases {
		_, err := ParseLogLevel(s)
		if (err == nil) != wantOK {
			t.Errorf("ParseLogLevel(%q) error = %v, wantOK %v", s, err, wantOK)
		}
	}
}
