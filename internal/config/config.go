// Package config holds all configuration types and loading logic for worldsync.
// Config structure never shrinks — fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a worldsync server instance.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Auth       AuthConfig       `yaml:"auth"`
	Sync       SyncConfig       `yaml:"sync"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Limits     LimitsConfig     `yaml:"limits"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// NodeConfig holds identity and network settings for this server node.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// AuthConfig controls API key authentication on the HTTP producer API.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// SyncConfig controls the broadcast/replay protocol.
type SyncConfig struct {
	// BufferCapacity is the number of broadcast envelopes retained for replay.
	BufferCapacity int `yaml:"buffer_capacity"`

	// ResumeTokenTTLMs is how long an issued resume token stays valid.
	ResumeTokenTTLMs int64 `yaml:"resume_token_ttl_ms"`

	// TokenSecret keys the HMAC signature on resume tokens. Empty means a
	// random secret is generated at startup — tokens then never survive a
	// restart, which is safe because clients fall back to a fresh snapshot.
	TokenSecret string `yaml:"token_secret"`
}

// ClassifierConfig sets the metrics classifier thresholds and hysteresis window.
type ClassifierConfig struct {
	// AntiFlapWindow is the number of consecutive unanimous samples required
	// to change a classified state.
	AntiFlapWindow int `yaml:"anti_flap_window"`

	// LatencyThresholdMs is the p95 latency above which a sample counts as slow.
	LatencyThresholdMs float64 `yaml:"latency_threshold_ms"`

	// ErrorRateThreshold is the error-rate fraction above which a sample
	// counts as failing (0.05 = 5%).
	ErrorRateThreshold float64 `yaml:"error_rate_threshold"`
}

// LimitsConfig sets rate limiting applied to inbound traffic.
type LimitsConfig struct {
	// HTTPRPS / HTTPBurst bound per-IP requests on the producer API.
	HTTPRPS   float64 `yaml:"http_rps"`
	HTTPBurst int     `yaml:"http_burst"`

	// WSFramesPerSec / WSBurst bound inbound frames per WebSocket connection.
	WSFramesPerSec float64 `yaml:"ws_frames_per_sec"`
	WSBurst        int     `yaml:"ws_burst"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Sync: SyncConfig{
			BufferCapacity:   100,
			ResumeTokenTTLMs: 300_000, // 5 minutes
			TokenSecret:      "",
		},
		Classifier: ClassifierConfig{
			AntiFlapWindow:     3,
			LatencyThresholdMs: 500,
			ErrorRateThreshold: 0.05,
		},
		Limits: LimitsConfig{
			HTTPRPS:        100,
			HTTPBurst:      200,
			WSFramesPerSec: 20,
			WSBurst:        40,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run worldsync with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	WORLDSYNC_API_KEY       — sets auth.api_key and enables auth (auth.enabled = true)
//	WORLDSYNC_TOKEN_SECRET  — sets sync.token_secret
//	WORLDSYNC_DATA_DIR      — sets node.data_dir
//	WORLDSYNC_PORT          — sets node.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("WORLDSYNC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("WORLDSYNC_TOKEN_SECRET"); v != "" {
		cfg.Sync.TokenSecret = v
	}
	if v := os.Getenv("WORLDSYNC_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("WORLDSYNC_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Sync.BufferCapacity < 1 {
		return errors.New("sync.buffer_capacity must be at least 1")
	}
	if c.Sync.ResumeTokenTTLMs < 1 {
		return errors.New("sync.resume_token_ttl_ms must be positive")
	}
	if c.Classifier.AntiFlapWindow < 1 {
		return errors.New("classifier.anti_flap_window must be at least 1")
	}
	if c.Classifier.LatencyThresholdMs <= 0 {
		return errors.New("classifier.latency_threshold_ms must be positive")
	}
	if c.Classifier.ErrorRateThreshold <= 0 || c.Classifier.ErrorRateThreshold >= 1 {
		return errors.New("classifier.error_rate_threshold must be in (0, 1)")
	}
	if c.Limits.HTTPRPS <= 0 || c.Limits.HTTPBurst < 1 {
		return errors.New("limits.http_rps and limits.http_burst must be positive")
	}
	if c.Limits.WSFramesPerSec <= 0 || c.Limits.WSBurst < 1 {
		return errors.New("limits.ws_frames_per_sec and limits.ws_burst must be positive")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	return nil
}
