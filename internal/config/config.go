// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

// Package config loads layered configuration for the player daemon and the
// relay server: struct defaults, then an optional YAML file, then environment
// variables (highest priority).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config is the root configuration shared by both binaries. A binary only
// reads the sections it owns; Validate checks the shared invariants and
// ValidatePlayer/ValidateRelay the binary-specific ones.
type Config struct {
	Backend    BackendConfig    `koanf:"backend"`
	Player     PlayerConfig     `koanf:"player"`
	Connection ConnectionConfig `koanf:"connection"`
	Relay      RelayConfig      `koanf:"relay"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// BackendConfig points at the managed coordination service (row store +
// presence tables). Treated as an external collaborator.
type BackendConfig struct {
	URL    string `koanf:"url"`
	APIKey string `koanf:"api_key"`

	// Timeout bounds each backend HTTP call.
	Timeout time.Duration `koanf:"timeout"`
}

// PlayerConfig holds device-side settings.
type PlayerConfig struct {
	// CacheRoot is the base directory for the offline-music cache. The
	// per-device tree lives at <CacheRoot>/offline-music/<token>/.
	CacheRoot string `koanf:"cache_root"`

	// StatePath is the badger directory for device-local state.
	StatePath string `koanf:"state_path"`

	// HeartbeatInterval is the presence re-announce period.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	// DownloadBytesPerSec caps download throughput. 0 disables the limit.
	DownloadBytesPerSec int `koanf:"download_bytes_per_sec"`
}

// ConnectionConfig drives the reconnect state machine.
type ConnectionConfig struct {
	// RelayURL is the websocket endpoint of the device relay.
	RelayURL string `koanf:"relay_url"`

	ReconnectBaseDelay   time.Duration `koanf:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `koanf:"reconnect_max_delay"`
	ReconnectMaxAttempts int           `koanf:"reconnect_max_attempts"`
}

// RelayConfig holds relay-server settings.
type RelayConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// AllowedOrigins is the CORS allow-list for the operator dashboard.
	AllowedOrigins []string `koanf:"allowed_origins"`

	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// ErrMissingBackendCredentials is returned when backend URL or API key is
// absent at startup. This is fatal: the operator must intervene, no retry.
var ErrMissingBackendCredentials = errors.New("backend url and api key are required")

// Validate checks invariants shared by both binaries.
func (c *Config) Validate() error {
	if c.Connection.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("connection.reconnect_base_delay must be positive, got %s", c.Connection.ReconnectBaseDelay)
	}
	if c.Connection.ReconnectMaxDelay < c.Connection.ReconnectBaseDelay {
		return fmt.Errorf("connection.reconnect_max_delay %s is below the base delay %s",
			c.Connection.ReconnectMaxDelay, c.Connection.ReconnectBaseDelay)
	}
	if c.Connection.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("connection.reconnect_max_attempts must be positive, got %d", c.Connection.ReconnectMaxAttempts)
	}
	if c.Player.HeartbeatInterval <= 0 {
		return fmt.Errorf("player.heartbeat_interval must be positive, got %s", c.Player.HeartbeatInterval)
	}
	return nil
}

// ValidatePlayer checks the settings the player daemon cannot run without.
func (c *Config) ValidatePlayer() error {
	if c.Backend.URL == "" || c.Backend.APIKey == "" {
		return ErrMissingBackendCredentials
	}
	if _, err := url.Parse(c.Backend.URL); err != nil {
		return fmt.Errorf("backend.url is not a valid URL: %w", err)
	}
	if c.Connection.RelayURL == "" {
		return errors.New("connection.relay_url is required")
	}
	if c.Player.CacheRoot == "" {
		return errors.New("player.cache_root is required")
	}
	if c.Player.StatePath == "" {
		return errors.New("player.state_path is required")
	}
	return nil
}

// ValidateRelay checks the settings the relay server cannot run without.
func (c *Config) ValidateRelay() error {
	if c.Backend.URL == "" || c.Backend.APIKey == "" {
		return ErrMissingBackendCredentials
	}
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return fmt.Errorf("relay.port %d is out of range", c.Relay.Port)
	}
	return nil
}

// ListenAddr returns the relay's host:port listen address.
func (c *RelayConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
