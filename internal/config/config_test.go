// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("NIMBUS_EXECUTOR_MAX_CONCURRENT_JOBS")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Executor.MaxConcurrentJobs != 4 {
		t.Fatalf("expected default max_concurrent_jobs 4, got %d", cfg.Executor.MaxConcurrentJobs)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Fatalf("expected default store backend sqlite, got %q", cfg.Store.Backend)
	}
	if len(cfg.Executor.ProviderLimits) != 2 {
		t.Fatalf("expected two default provider limits, got %d", len(cfg.Executor.ProviderLimits))
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Executor.MaxConcurrentJobs = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for max_concurrent_jobs < 1")
	}

	cfg = defaultConfig()
	cfg.Executor.MaxConcurrentJobs = 200
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for max_concurrent_jobs > 128")
	}

	cfg = defaultConfig()
	cfg.Executor.ProviderLimits = map[string]int{}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty provider_limits")
	}

	cfg = defaultConfig()
	cfg.Store.Backend = "mongodb"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for unknown store backend")
	}

	cfg = defaultConfig()
	cfg.Executor.StaleJobSeconds = 1
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error when stale_job_seconds does not exceed 2x read_timeout")
	}
}
