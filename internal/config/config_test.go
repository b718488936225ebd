package config

import (
	"testing"
	"time"
)

func TestLoadEnvOverlaysValues(t *testing.T) {
	t.Setenv("GATELINK_SIGNALING_URL", "wss://gate.example/ws")
	t.Setenv("GATELINK_ROLE", "resident")
	t.Setenv("GATELINK_MAX_OFFER_RETRIES", "7")
	t.Setenv("GATELINK_POOL_GRACE", "30s")

	cfg := NewDefaultConfig()
	if err := cfg.LoadEnv(""); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.SignalingURL != "wss://gate.example/ws" {
		t.Errorf("signaling URL not overridden: %s", cfg.SignalingURL)
	}
	if cfg.Role != "resident" {
		t.Errorf("role not overridden: %s", cfg.Role)
	}
	if cfg.CallConfig.MaxOfferRetries != 7 {
		t.Errorf("retry budget not overridden: %d", cfg.CallConfig.MaxOfferRetries)
	}
	if cfg.PoolConfig.GracePeriod != 30*time.Second {
		t.Errorf("grace period not overridden: %v", cfg.PoolConfig.GracePeriod)
	}
	// Untouched values keep their defaults.
	if cfg.CallConfig.OfferRetryInterval != 4*time.Second {
		t.Errorf("retry interval changed unexpectedly: %v", cfg.CallConfig.OfferRetryInterval)
	}
}

func TestLoadEnvMissingFileFails(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.LoadEnv("does-not-exist.env"); err == nil {
		t.Fatal("expected error for explicit missing env file")
	}
}
