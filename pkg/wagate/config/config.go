// Package config defines the gateway configuration structures.
package config

import (
	"time"

	"github.com/jholhewres/wagate/pkg/wagate/session"
	"github.com/jholhewres/wagate/pkg/wagate/spamguard"
	"github.com/jholhewres/wagate/pkg/wagate/webhook"
)

// Config holds all gateway configuration.
type Config struct {
	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server"`

	// Session configures the WhatsApp session lifecycle.
	Session SessionConfig `yaml:"session"`

	// Retry configures the transient-failure retry executor used by the
	// send pipeline.
	Retry session.RetryConfig `yaml:"retry"`

	// Limits configures the anti-spam rate guard.
	Limits spamguard.Limits `yaml:"limits"`

	// MediaCache configures the download cache.
	MediaCache MediaCacheConfig `yaml:"media_cache"`

	// Webhook optionally configures a message webhook at startup. The
	// webhook can also be managed at runtime through the API.
	Webhook *webhook.Config `yaml:"webhook,omitempty"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address (e.g. ":8080").
	Addr string `yaml:"addr"`

	// APIKey, when set, is required as a Bearer token on every request
	// except the health endpoint.
	APIKey string `yaml:"api_key"`

	// RequestsPerSecond throttles requests per client IP. Zero disables
	// throttling.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the per-IP burst allowance.
	Burst int `yaml:"burst"`
}

// SessionConfig configures the client session.
type SessionConfig struct {
	// DataDir is the session storage directory.
	DataDir string `yaml:"data_dir"`

	// DatabasePath is the SQLite credential store. Defaults to
	// <data_dir>/wagate.db.
	DatabasePath string `yaml:"database_path"`

	// DeviceName is shown in the phone's linked devices screen.
	DeviceName string `yaml:"device_name"`

	// Lifecycle tunes launch retries and readiness probing.
	Lifecycle session.Config `yaml:"lifecycle"`
}

// MediaCacheConfig bounds the media download cache.
type MediaCacheConfig struct {
	// MaxEntries caps the number of cached attachments.
	MaxEntries int `yaml:"max_entries"`

	// TTL is how long an attachment stays valid.
	TTL time.Duration `yaml:"ttl"`
}

// LogConfig configures slog output.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Session: SessionConfig{
			DataDir:    "./wagate-session",
			DeviceName: "wagate",
		},
		Retry:  session.DefaultRetryConfig(),
		Limits: spamguard.DefaultLimits(),
		MediaCache: MediaCacheConfig{
			MaxEntries: 100,
			TTL:        time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Cache builds the media cache described by the config.
func (m MediaCacheConfig) Cache() (int, time.Duration) {
	entries := m.MaxEntries
	if entries <= 0 {
		entries = 100
	}
	ttl := m.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return entries, ttl
}
