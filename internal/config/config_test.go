package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWithNoFileUsesDefaults(t *testing.T) {
	l := NewLoader().SetSearchPaths([]string{t.TempDir()})
	cfg, err := l.Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := defaultConfig()
	if cfg != want {
		t.Fatalf("cfg = %+v, want %+v", cfg, want)
	}
}

func TestLoadParsesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	contents := "log_level: debug\nstats_every: 50\ndefault_ring_capacity: 64\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	l := NewLoader().SetSearchPaths([]string{dir})
	cfg, err := l.Load("broker.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != LogLevelDebug || cfg.StatsEvery != 50 || cfg.DefaultRingCap != 64 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("VGPU_LOG_LEVEL", "error")
	t.Setenv("VGPU_STATS_EVERY", "7")

	l := NewLoader().SetSearchPaths([]string{dir})
	cfg, err := l.Load("broker.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != LogLevelError {
		t.Fatalf("LogLevel = %q, want error (env should override file)", cfg.LogLevel)
	}
	if cfg.StatsEvery != 7 {
		t.Fatalf("StatsEvery = %d, want 7", cfg.StatsEvery)
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := defaultConfig()
	cfg.LogLevel = "chatty"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for an invalid log level")
	}
}

func TestValidateRejectsNonPowerOfTwoRingCapacity(t *testing.T) {
	cfg := defaultConfig()
	cfg.DefaultRingCap = 33
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for a non-power-of-two ring capacity")
	}
}

func TestLoadRejectsInvalidResultAfterEnvOverride(t *testing.T) {
	t.Setenv("VGPU_DEFAULT_RING_CAPACITY", "100")
	l := NewLoader().SetSearchPaths([]string{t.TempDir()})
	if _, err := l.Load("nonexistent.yaml"); err == nil {
		t.Fatalf("expected Validate to reject a non-power-of-two override")
	}
}
