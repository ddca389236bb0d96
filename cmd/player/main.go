// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

// Package main is the entry point for the Storetone player daemon.
//
// The player runs on an in-store device and keeps its local music cache in
// step with the playlist assigned to it. On startup it:
//
//  1. Loads configuration (Koanf v2: defaults, config.yaml, environment)
//  2. Derives the device fingerprint and requests or reuses its token
//  3. Opens the local BadgerDB state store and the content cache
//  4. Replays the last applied playlist so a device that was offline
//     reconciles without waiting for a push
//  5. Starts the supervisor tree: presence heartbeats and the relay
//     websocket session, each restarted independently on failure
//
// Required settings:
//   - STORETONE_BACKEND_URL, STORETONE_BACKEND_API_KEY
//   - STORETONE_RELAY_URL: websocket endpoint of the device relay
//   - player.cache_root and player.state_path (or their env equivalents)
//
// # Signal Handling
//
// SIGINT and SIGTERM stop the tree: the relay session disconnects, the
// presence session writes a final offline row, and badger closes cleanly.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/storetone/storetone/internal/backend"
	"github.com/storetone/storetone/internal/cache"
	"github.com/storetone/storetone/internal/config"
	"github.com/storetone/storetone/internal/connection"
	"github.com/storetone/storetone/internal/download"
	"github.com/storetone/storetone/internal/identity"
	"github.com/storetone/storetone/internal/logging"
	"github.com/storetone/storetone/internal/presence"
	"github.com/storetone/storetone/internal/state"
	"github.com/storetone/storetone/internal/supervisor"
	"github.com/storetone/storetone/internal/syncer"
	"github.com/storetone/storetone/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	if err := cfg.Validate(); err != nil {
		logging.Fatal().Err(err).Msg("Invalid configuration")
	}
	if err := cfg.ValidatePlayer(); err != nil {
		logging.Fatal().Err(err).Msg("Invalid player configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fp := identity.Identify(ctx)
	logging.Info().
		Str("fingerprint", fp.Value).
		Str("source", string(fp.Source)).
		Str("device_id", identity.DeviceID(fp)).
		Msg("Starting Storetone player")

	coordinator := backend.NewCircuitBreakerCoordinator(backend.NewClient(&cfg.Backend))
	tokens := token.NewService(coordinator)

	deviceToken, err := tokens.RequestToken(ctx, fp.Value)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to obtain device token")
	}

	store, err := state.Open(cfg.Player.StatePath)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Player.StatePath).Msg("Failed to open state store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing state store")
		}
	}()
	if err := store.SaveToken(deviceToken); err != nil {
		logging.Warn().Err(err).Msg("Failed to persist device token locally")
	}

	contentCache, err := cache.New(cfg.Player.CacheRoot, deviceToken.Token)
	if err != nil {
		logging.Fatal().Err(err).Str("root", cfg.Player.CacheRoot).Msg("Failed to initialize content cache")
	}

	engine := download.NewEngine(contentCache, cfg.Player.DownloadBytesPerSec, func(assetID string, percent float64) {
		logging.Debug().Str("asset", assetID).Float64("percent", percent).Msg("download progress")
	})
	orchestrator := syncer.New(engine, contentCache, store, coordinator, deviceToken.Token)

	// A device that missed pushes while offline reconciles from its last
	// applied manifest before the relay session comes up.
	if manifest, err := store.LastManifest(); err == nil {
		go func() {
			if serr := orchestrator.Sync(ctx, manifest, ""); serr != nil && !errors.Is(serr, context.Canceled) {
				logging.Warn().Str("playlist", manifest.ID).Err(serr).Msg("Startup reconcile incomplete")
			}
		}()
	} else if !errors.Is(err, state.ErrNotFound) {
		logging.Warn().Err(err).Msg("Could not read last manifest")
	}

	session := presence.NewSession(coordinator, deviceToken.Token, cfg.Player.HeartbeatInterval)
	conn := connection.NewSupervisor(cfg.Connection, deviceToken.Token)

	treeCfg := supervisor.DefaultTreeConfig()
	tree := supervisor.NewTree("storetone-player", logging.NewSlogLogger(), treeCfg)
	tree.AddConnectivityService(supervisor.NewPresenceService(session))
	tree.AddConnectivityService(supervisor.NewSessionService(conn, orchestrator))

	errCh := tree.ServeBackground(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree terminated")
		}
	}

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop in time")
		}
	}
	logging.Info().Msg("Player stopped")
}
