package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.HTTPAddr)
	}
	if cfg.RetryMaxAttempts != 5 || cfg.RetryBaseDelay != 10*time.Millisecond {
		t.Fatalf("unexpected retry defaults: %+v", cfg)
	}
	rc := cfg.RetryConfig()
	if rc.MaxDelay != time.Second || rc.JitterFactor != 0.1 {
		t.Fatalf("unexpected retry config: %+v", rc)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CAREUNITS_HTTP_ADDR", ":9090")
	t.Setenv("CAREUNITS_RETRY_MAX_ATTEMPTS", "8")
	t.Setenv("CAREUNITS_RETRY_BASE_DELAY", "25ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("override not applied: %s", cfg.HTTPAddr)
	}
	if cfg.RetryMaxAttempts != 8 || cfg.RetryBaseDelay != 25*time.Millisecond {
		t.Fatalf("retry overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsBadJitter(t *testing.T) {
	t.Setenv("CAREUNITS_RETRY_JITTER", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for jitter >= 1")
	}
}
