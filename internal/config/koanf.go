// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/storetone/config.yaml",
	"/etc/storetone/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces every Storetone environment variable.
const envPrefix = "STORETONE_"

// defaultConfig returns a Config with all defaults applied. These are the
// first layer; config file and env vars override them.
func defaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			URL:     "",
			APIKey:  "",
			Timeout: 15 * time.Second,
		},
		Player: PlayerConfig{
			CacheRoot:           defaultCacheRoot(),
			StatePath:           "",
			HeartbeatInterval:   5 * time.Second,
			DownloadBytesPerSec: 0, // unlimited
		},
		Connection: ConnectionConfig{
			RelayURL:             "",
			ReconnectBaseDelay:   3 * time.Second,
			ReconnectMaxDelay:    60 * time.Second,
			ReconnectMaxAttempts: 5,
		},
		Relay: RelayConfig{
			Host:            "0.0.0.0",
			Port:            8090,
			Timeout:         30 * time.Second,
			AllowedOrigins:  []string{"*"},
			RateLimitReqs:   60,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

func defaultCacheRoot() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "/var/lib/storetone"
}

// Load builds configuration from layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML (if present)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file, env override first.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are the keys parsed as comma-separated slices when they
// arrive from the environment.
var sliceConfigPaths = []string{
	"relay.allowed_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are dropped so stray environment noise cannot pollute
// the config.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	envMappings := map[string]string{
		// Backend coordination service
		"backend_url":     "backend.url",
		"backend_api_key": "backend.api_key",
		"backend_timeout": "backend.timeout",

		// Player
		"player_cache_root":      "player.cache_root",
		"player_state_path":      "player.state_path",
		"heartbeat_interval":     "player.heartbeat_interval",
		"download_bytes_per_sec": "player.download_bytes_per_sec",

		// Connection
		"relay_url":              "connection.relay_url",
		"reconnect_base_delay":   "connection.reconnect_base_delay",
		"reconnect_max_delay":    "connection.reconnect_max_delay",
		"reconnect_max_attempts": "connection.reconnect_max_attempts",

		// Relay server
		"relay_host":              "relay.host",
		"relay_port":              "relay.port",
		"relay_timeout":           "relay.timeout",
		"relay_allowed_origins":   "relay.allowed_origins",
		"relay_rate_limit_reqs":   "relay.rate_limit_reqs",
		"relay_rate_limit_window": "relay.rate_limit_window",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
