package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.DefaultWaveIntervalMinutes != 10 {
		t.Fatalf("expected default wave interval 10, got %d", cfg.DefaultWaveIntervalMinutes)
	}
	if cfg.EventStreamTTL.Hours() != 25 {
		t.Fatalf("expected default event stream TTL 25h, got %v", cfg.EventStreamTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DEFAULT_MAX_ATTEMPTS", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("expected overridden port 9090, got %s", cfg.Port)
	}
	if cfg.DefaultMaxAttempts != 3 {
		t.Fatalf("expected overridden max attempts 3, got %d", cfg.DefaultMaxAttempts)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("SESSION_TTL", "not-a-duration")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid SESSION_TTL")
	}
}
