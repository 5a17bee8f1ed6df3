package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{"default mode is api", func(c *Config) bool { return c.Mode == "api" }},
		{"default host is 0.0.0.0", func(c *Config) bool { return c.Host == "0.0.0.0" }},
		{"default port is 8080", func(c *Config) bool { return c.Port == 8080 }},
		{"default log level is info", func(c *Config) bool { return c.LogLevel == "info" }},
		{"default log format is json", func(c *Config) bool { return c.LogFormat == "json" }},
		{"listen addr format", func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" }},
		{"default leader mode is leader", func(c *Config) bool { return c.LeaderMode == "leader" }},
		{"default allowed windows", func(c *Config) bool { return len(c.AllowedCompletionWindows) == 2 }},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("unexpected default for %s", tt.name)
			}
		})
	}
}

func TestSecondaryDatabaseURLFallsBackToPrimary(t *testing.T) {
	cfg := &Config{DatabaseURL: "postgres://primary"}
	if got := cfg.SecondaryDatabaseURL(); got != "postgres://primary" {
		t.Errorf("SecondaryDatabaseURL() = %q, want fallback to primary", got)
	}

	cfg.DatabaseURLSecondary = "postgres://secondary"
	if got := cfg.SecondaryDatabaseURL(); got != "postgres://secondary" {
		t.Errorf("SecondaryDatabaseURL() = %q, want configured secondary", got)
	}
}

func TestRelaxationFactors(t *testing.T) {
	cfg := &Config{WindowRelaxationFactors: "1h=2.0, 24h=1.0,1w=0"}
	factors, err := cfg.RelaxationFactors()
	if err != nil {
		t.Fatalf("RelaxationFactors() error: %v", err)
	}
	want := map[string]float64{"1h": 2.0, "24h": 1.0, "1w": 0}
	for window, factor := range want {
		if factors[window] != factor {
			t.Errorf("factors[%q] = %v, want %v", window, factors[window], factor)
		}
	}
}

func TestRelaxationFactorsInvalid(t *testing.T) {
	cfg := &Config{WindowRelaxationFactors: "1h"}
	if _, err := cfg.RelaxationFactors(); err == nil {
		t.Error("expected error for malformed relaxation factor entry")
	}
}

func TestParseDurations(t *testing.T) {
	cfg := &Config{
		ReservationTTL:       "45s",
		ClaimTimeout:         "10s",
		ProcessingTimeout:    "5m",
		HeartbeatInterval:    "10s",
		PollInterval:         "2s",
		BackoffBaseInterval:  "1s",
		BackoffMaxInterval:   "2m",
		HTTPRequestTimeout:   "60s",
	}
	d, err := cfg.ParseDurations()
	if err != nil {
		t.Fatalf("ParseDurations() error: %v", err)
	}
	if d.ClaimTimeout != 10*time.Second {
		t.Errorf("ClaimTimeout = %v, want 10s", d.ClaimTimeout)
	}
	if d.ProcessingTimeout != 5*time.Minute {
		t.Errorf("ProcessingTimeout = %v, want 5m", d.ProcessingTimeout)
	}
}

func TestParseDurationsInvalid(t *testing.T) {
	cfg := &Config{
		ReservationTTL:      "not-a-duration",
		ClaimTimeout:        "10s",
		ProcessingTimeout:   "5m",
		HeartbeatInterval:   "10s",
		PollInterval:        "2s",
		BackoffBaseInterval: "1s",
		BackoffMaxInterval:  "2m",
		HTTPRequestTimeout:  "60s",
	}
	if _, err := cfg.ParseDurations(); err == nil {
		t.Error("expected error for invalid duration")
	}
}
