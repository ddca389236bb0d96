// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

// Package main is the entry point for the Storetone device relay.
//
// The relay is the rendezvous point between in-store players and operator
// tooling. Players hold a websocket open to it; operators push playlist sync
// commands through it. The relay validates device tokens against the backend
// before a socket joins the hub, forwards sync commands to the named devices
// and broadcasts presence transitions to every other connected socket.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (STORETONE_ prefix)
//   - Config file (config.yaml, path via CONFIG_PATH)
//   - Built-in defaults
//
// Required settings:
//   - STORETONE_BACKEND_URL: backend REST endpoint for token validation
//   - STORETONE_BACKEND_API_KEY: backend service key
//
// # Signal Handling
//
// The relay shuts down gracefully on SIGINT and SIGTERM: the HTTP listener
// drains, the hub closes every device socket, and the supervisor tree waits
// up to its shutdown timeout before reporting stragglers.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/storetone/storetone/internal/backend"
	"github.com/storetone/storetone/internal/config"
	"github.com/storetone/storetone/internal/logging"
	"github.com/storetone/storetone/internal/relay"
	"github.com/storetone/storetone/internal/supervisor"
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

	if err := cfg.ValidateRelay(); err != nil {
		logging.Fatal().Err(err).Msg("Invalid relay configuration")
	}

	logging.Info().
		Str("addr", cfg.Relay.ListenAddr()).
		Str("backend", cfg.Backend.URL).
		Msg("Starting Storetone relay")

	coordinator := backend.NewCircuitBreakerCoordinator(backend.NewClient(&cfg.Backend))
	tokens := token.NewService(coordinator)

	hub := relay.NewHub(coordinator)
	server := relay.NewServer(cfg.Relay, hub, tokens)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	treeCfg := supervisor.DefaultTreeConfig()
	tree := supervisor.NewTree("storetone-relay", logging.NewSlogLogger(), treeCfg)
	tree.AddConnectivityService(supervisor.NewHubService(hub))
	tree.AddAPIService(supervisor.NewRelayServerService(server, treeCfg.ShutdownTimeout))

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
	logging.Info().Msg("Relay stopped")
}
