// Package config manages tinypand daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/Akhil-Chaturvedi/TinyPAN/internal/hal"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete tinypand configuration.
type Config struct {
	PAN     PANConfig     `koanf:"pan"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// PANConfig holds the link parameters.
type PANConfig struct {
	// Remote is the access point's Bluetooth device address
	// ("AA:BB:CC:DD:EE:FF").
	Remote string `koanf:"remote"`

	// Mode selects the transport binding: "bnep" or "slip".
	Mode string `koanf:"mode"`

	// ReconnectInterval is the first backoff delay after a failure.
	ReconnectInterval time.Duration `koanf:"reconnect_interval"`

	// ReconnectMax caps the exponential backoff.
	ReconnectMax time.Duration `koanf:"reconnect_max"`

	// MaxReconnectAttempts bounds reconnection; 0 means unlimited.
	MaxReconnectAttempts uint8 `koanf:"max_reconnect_attempts"`

	// HeartbeatInterval is reserved for a future link-health monitor.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	// HeartbeatRetries is reserved alongside the heartbeat interval.
	HeartbeatRetries uint8 `koanf:"heartbeat_retries"`

	// ForceUncompressedTX always emits 15-byte BNEP headers for
	// peers with broken compressed-frame parsers.
	ForceUncompressedTX bool `koanf:"force_uncompressed_tx"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint
	// (e.g., ":9102").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// RemoteAddr parses the Remote string as a Bluetooth device address.
func (pc PANConfig) RemoteAddr() (hal.BDAddr, error) {
	if pc.Remote == "" {
		return hal.BDAddr{}, ErrEmptyRemote
	}
	addr, err := hal.ParseBDAddr(pc.Remote)
	if err != nil {
		return hal.BDAddr{}, fmt.Errorf("parse pan.remote %q: %w", pc.Remote, err)
	}
	return addr, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// ValidModes lists the recognized transport mode strings.
var ValidModes = map[string]bool{
	"bnep": true,
	"slip": true,
}

// DefaultConfig returns a Config populated with sensible defaults.
// The remote address has no default: every deployment must name its
// access point.
func DefaultConfig() *Config {
	return &Config{
		PAN: PANConfig{
			Mode:                 "bnep",
			ReconnectInterval:    1 * time.Second,
			ReconnectMax:         30 * time.Second,
			MaxReconnectAttempts: 0,
			HeartbeatInterval:    15 * time.Second,
			HeartbeatRetries:     3,
		},
		Metrics: MetricsConfig{
			Addr: ":9102",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for tinypand
// configuration. Variables are named TINYPAN_<section>_<key>, e.g.,
// TINYPAN_PAN_REMOTE.
const envPrefix = "TINYPAN_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (TINYPAN_ prefix), and merges on top
// of DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	TINYPAN_PAN_REMOTE   -> pan.remote
//	TINYPAN_PAN_MODE     -> pan.mode
//	TINYPAN_METRICS_ADDR -> metrics.addr
//	TINYPAN_LOG_LEVEL    -> log.level
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms TINYPAN_PAN_REMOTE -> pan.remote.
// Strips the TINYPAN_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base
// layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"pan.mode":                   defaults.PAN.Mode,
		"pan.reconnect_interval":     defaults.PAN.ReconnectInterval.String(),
		"pan.reconnect_max":          defaults.PAN.ReconnectMax.String(),
		"pan.max_reconnect_attempts": defaults.PAN.MaxReconnectAttempts,
		"pan.heartbeat_interval":     defaults.PAN.HeartbeatInterval.String(),
		"pan.heartbeat_retries":      defaults.PAN.HeartbeatRetries,
		"pan.force_uncompressed_tx":  defaults.PAN.ForceUncompressedTX,
		"metrics.addr":               defaults.Metrics.Addr,
		"metrics.path":               defaults.Metrics.Path,
		"log.level":                  defaults.Log.Level,
		"log.format":                 defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyRemote indicates no access point address was configured.
	ErrEmptyRemote = errors.New("pan.remote must not be empty")

	// ErrInvalidMode indicates an unrecognized transport mode.
	ErrInvalidMode = errors.New("pan.mode must be bnep or slip")

	// ErrInvalidReconnectInterval indicates a non-positive reconnect
	// interval.
	ErrInvalidReconnectInterval = errors.New("pan.reconnect_interval must be > 0")

	// ErrInvalidReconnectMax indicates a reconnect cap below the
	// interval.
	ErrInvalidReconnectMax = errors.New("pan.reconnect_max must be >= pan.reconnect_interval")

	// ErrEmptyMetricsAddr indicates the metrics listen address is
	// empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if _, err := cfg.PAN.RemoteAddr(); err != nil {
		return err
	}

	if !ValidModes[cfg.PAN.Mode] {
		return fmt.Errorf("%w: got %q", ErrInvalidMode, cfg.PAN.Mode)
	}

	if cfg.PAN.ReconnectInterval <= 0 {
		return ErrInvalidReconnectInterval
	}

	if cfg.PAN.ReconnectMax < cfg.PAN.ReconnectInterval {
		return ErrInvalidReconnectMax
	}

	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error"
// (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
