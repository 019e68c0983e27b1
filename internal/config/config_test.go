package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(testContext *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		testContext.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if !cfg.WriteBehind || cfg.WriteBehindMode != ModeBatch {
		testContext.Fatalf("unexpected write-behind defaults %v %q", cfg.WriteBehind, cfg.WriteBehindMode)
	}
	if cfg.BatchSize != 200 || cfg.MaxBatch != 1000 {
		testContext.Fatalf("unexpected batch defaults %d %d", cfg.BatchSize, cfg.MaxBatch)
	}
	if cfg.EscalatedBatch != 800 || cfg.ProbeSize != 500 || cfg.FlushThreshold != 500 {
		testContext.Fatalf("unexpected escalation defaults %d %d %d",
			cfg.EscalatedBatch, cfg.ProbeSize, cfg.FlushThreshold)
	}
	if cfg.BlockTimeout != 5*time.Second {
		testContext.Fatalf("unexpected block timeout %v", cfg.BlockTimeout)
	}
	if cfg.MaxTextLen != 262144 {
		testContext.Fatalf("unexpected max text len %d", cfg.MaxTextLen)
	}
	if cfg.VersionMaxPerCard != 25 || cfg.VersionMinInterval != time.Minute || cfg.VersionMinSizeDelta != 20 {
		testContext.Fatalf("unexpected version defaults %+v", cfg)
	}
	if cfg.OKLagThreshold != 20 || cfg.DegradedLagThreshold != 200 {
		testContext.Fatalf("unexpected health defaults %d %d", cfg.OKLagThreshold, cfg.DegradedLagThreshold)
	}
}

func TestLoadEnvironmentOverrides(testContext *testing.T) {
	testContext.Setenv("RENOTE_HTTP_ADDRESS", "127.0.0.1:9999")
	testContext.Setenv("RENOTE_WRITE_BEHIND_MODE", "continuous")
	testContext.Setenv("RENOTE_RATE_LIMIT_MAX", "50")

	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9999" {
		testContext.Fatalf("expected env override, got %q", cfg.HTTPAddress)
	}
	if cfg.WriteBehindMode != ModeContinuous {
		testContext.Fatalf("expected continuous mode, got %q", cfg.WriteBehindMode)
	}
	if cfg.RateLimitMax != 50 {
		testContext.Fatalf("expected rate limit override, got %d", cfg.RateLimitMax)
	}
}

func TestLoadRejectsInvalidMode(testContext *testing.T) {
	testContext.Setenv("RENOTE_WRITE_BEHIND_MODE", "sometimes")

	if _, err := Load(NewViper()); err == nil {
		testContext.Fatalf("expected invalid mode to be rejected")
	}
}

func TestLoadRequiresRedisAddress(testContext *testing.T) {
	testContext.Setenv("RENOTE_REDIS_ADDRESS", "  ")

	if _, err := Load(NewViper()); err == nil {
		testContext.Fatalf("expected missing redis address to be rejected")
	}
}
