// Package config loads the broker's non-wire configuration: log level,
// default ring sizing, and stats cadence. Zone identity and transport
// backend selection are deliberately not here — those are programmatic
// constructor arguments (spec.md §6), never something a config file edit
// could silently change underneath a running broker.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LogLevel is a YAML-friendly mirror of logrus.Level's names.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// BrokerConfig is the broker's file/env-configurable knob set.
type BrokerConfig struct {
	LogLevel       LogLevel `yaml:"log_level"`
	StatsEvery     uint64   `yaml:"stats_every"`
	DefaultRingCap uint32   `yaml:"default_ring_capacity"`
}

// Validate rejects a config with an unrecognized log level or a ring
// capacity that isn't a positive power of two.
func (c BrokerConfig) Validate() error {
	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	if c.DefaultRingCap == 0 || c.DefaultRingCap&(c.DefaultRingCap-1) != 0 {
		return fmt.Errorf("config: default_ring_capacity %d must be a positive power of two", c.DefaultRingCap)
	}
	return nil
}

// defaultConfig mirrors the original broker's built-in defaults (a 32-slot
// ring, stats every 100 requests) before any file or environment override
// is applied.
func defaultConfig() BrokerConfig {
	return BrokerConfig{
		LogLevel:       LogLevelInfo,
		StatsEvery:     100,
		DefaultRingCap: 32,
	}
}

// envPrefix is the prefix every environment-variable override uses.
const envPrefix = "VGPU_"

// Loader locates, parses, and overrides a BrokerConfig. NewLoader returns a
// Loader with the default search paths and SetSearchPaths replaces them;
// the zero value has no search paths and only finds filename as given.
type Loader struct {
	searchPaths []string
}

// NewLoader returns a Loader with the default search path list.
func NewLoader() *Loader {
	return &Loader{
		searchPaths: []string{".", "./config", "./configs", "/etc/vgpu-broker"},
	}
}

// SetSearchPaths overrides the directories Load searches for filename.
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// Load resolves filename against the loader's search paths (if filename is
// not itself an existing path), parses it as YAML over the built-in
// defaults, applies VGPU_-prefixed environment overrides, and validates
// the result. A missing file is not an error: Load falls back to defaults
// plus environment overrides, so a broker can run with no config file at
// all.
func (l *Loader) Load(filename string) (BrokerConfig, error) {
	cfg := defaultConfig()

	path := l.resolve(filename)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return BrokerConfig{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return BrokerConfig{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return BrokerConfig{}, err
	}
	return cfg, nil
}

func (l *Loader) resolve(filename string) string {
	if filename == "" {
		return ""
	}
	if _, err := os.Stat(filename); err == nil {
		return filename
	}
	for _, dir := range l.searchPaths {
		candidate := filepath.Join(dir, filename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func applyEnvOverrides(cfg *BrokerConfig) {
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v := os.Getenv(envPrefix + "STATS_EVERY"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.StatsEvery = n
		}
	}
	if v := os.Getenv(envPrefix + "DEFAULT_RING_CAPACITY"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.DefaultRingCap = uint32(n)
		}
	}
}
