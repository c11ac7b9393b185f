package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Errorf("addr = %q", cfg.Server.Addr())
	}
	if cfg.Server.WriteTimeout != 0 {
		t.Errorf("write timeout = %d, want 0 for streaming", cfg.Server.WriteTimeout)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("backend = %q", cfg.Storage.Backend)
	}
	if cfg.Run.LeaseTTL() != 2*time.Minute {
		t.Errorf("lease ttl = %v", cfg.Run.LeaseTTL())
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("AGENTWIRE_STORAGE_BACKEND", "sqlite")
	t.Setenv("AGENTWIRE_SERVER_PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("backend = %q, want sqlite", cfg.Storage.Backend)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
}

func TestMissingExplicitFileIsError(t *testing.T) {
	if _, err := LoadWithPath("does-not-exist.yaml"); err == nil {
		t.Error("expected error for explicit missing config file")
	}
}
