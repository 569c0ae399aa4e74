// Package config loads client configuration from an optional YAML file
// with environment-variable overrides.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the client's tunables.
type Config struct {
	// ServerURL is the companion service WebSocket endpoint.
	ServerURL string `yaml:"server_url"`

	// UserID overrides the persisted identifier when set.
	UserID string `yaml:"user_id"`

	// DataDir holds the identity database.
	DataDir string `yaml:"data_dir"`

	// LogDir holds wire recordings, traces and metrics.
	LogDir string `yaml:"log_dir"`

	// ReconnectDelay is the fixed delay between reconnect attempts.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// MaxReconnects bounds automatic reconnection after transport loss.
	MaxReconnects int `yaml:"max_reconnects"`

	// HistorySize bounds the diagnostic frame ring.
	HistorySize int `yaml:"history_size"`

	// RecordWire enables the JSON-Lines wire recorder.
	RecordWire bool `yaml:"record_wire"`

	// Telemetry enables OpenTelemetry trace/metric export.
	Telemetry bool `yaml:"telemetry"`

	// Debug lowers the log level to debug.
	Debug bool `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ServerURL:      "ws://localhost:8000/ws/chat",
		DataDir:        "data",
		LogDir:         "logs",
		ReconnectDelay: 3 * time.Second,
		MaxReconnects:  5,
		HistorySize:    64,
	}
}

// Load reads the config file at path (skipped when path is empty or
// missing) and applies environment overrides on top of defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, errors.Wrap(err, "read config file")
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, errors.Wrap(err, "parse config file")
			}
		}
	}

	cfg.ServerURL = getEnv("COMPANION_SERVER_URL", cfg.ServerURL)
	cfg.UserID = getEnv("COMPANION_USER_ID", cfg.UserID)
	cfg.DataDir = getEnv("COMPANION_DATA_DIR", cfg.DataDir)
	cfg.LogDir = getEnv("COMPANION_LOG_DIR", cfg.LogDir)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
