// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/storetone/storetone/internal/connection"
	"github.com/storetone/storetone/internal/logging"
	"github.com/storetone/storetone/internal/models"
	"github.com/storetone/storetone/internal/presence"
	"github.com/storetone/storetone/internal/relay"
)

// HubService adapts the relay hub to the suture.Service interface.
type HubService struct {
	hub *relay.Hub
}

func NewHubService(hub *relay.Hub) *HubService {
	return &HubService{hub: hub}
}

func (s *HubService) Serve(ctx context.Context) error {
	s.hub.Run(ctx)
	return ctx.Err()
}

func (s *HubService) String() string { return "relay-hub" }

// RelayServerService runs the relay HTTP listener under supervision.
type RelayServerService struct {
	server          *relay.Server
	shutdownTimeout time.Duration
}

func NewRelayServerService(server *relay.Server, shutdownTimeout time.Duration) *RelayServerService {
	if shutdownTimeout == 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &RelayServerService{server: server, shutdownTimeout: shutdownTimeout}
}

func (s *RelayServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("relay server shutdown incomplete")
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *RelayServerService) String() string { return "relay-server" }

// PresenceService keeps the heartbeat session alive for the service's
// lifetime.
type PresenceService struct {
	session *presence.Session
}

func NewPresenceService(session *presence.Session) *PresenceService {
	return &PresenceService{session: session}
}

func (s *PresenceService) Serve(ctx context.Context) error {
	s.session.Start(ctx)
	<-ctx.Done()
	s.session.Stop()
	return ctx.Err()
}

func (s *PresenceService) String() string { return "presence-session" }

// PlaylistSyncer runs one playlist sync. Satisfied by *syncer.Orchestrator.
type PlaylistSyncer interface {
	Sync(ctx context.Context, manifest *models.PlaylistManifest, correlationID string) error
}

// SessionService drives the player's relay session: it connects, consumes
// typed events and hands pushed playlists to the sync orchestrator. When the
// connection supervisor gives up, the service returns an error so suture
// restarts it with a fresh retry budget.
type SessionService struct {
	conn   *connection.Supervisor
	syncer PlaylistSyncer
}

func NewSessionService(conn *connection.Supervisor, syncer PlaylistSyncer) *SessionService {
	return &SessionService{conn: conn, syncer: syncer}
}

func (s *SessionService) Serve(ctx context.Context) error {
	s.conn.Connect(ctx)
	defer s.conn.Disconnect()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.conn.Events():
			switch e := ev.(type) {
			case connection.SyncRequested:
				playlist := e.Playlist
				go func() {
					if err := s.syncer.Sync(ctx, &playlist, ""); err != nil {
						logging.Warn().Str("playlist", playlist.ID).Err(err).Msg("pushed sync failed")
					}
				}()
			case connection.GaveUp:
				return fmt.Errorf("relay session abandoned after %d attempts: %w", e.Attempts, e.Err)
			case connection.Connected:
				logging.Info().Msg("relay session online")
			case connection.Disconnected:
				logging.Info().Msg("relay session offline, reconnecting")
			}
		}
	}
}

func (s *SessionService) String() string { return "relay-session" }
