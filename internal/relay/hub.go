// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

// Package relay is the websocket rendezvous between players and operator
// processes. It keeps a live socket per device token, forwards playlist
// sync commands to the named devices and broadcasts presence transitions.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/storetone/storetone/internal/logging"
	"github.com/storetone/storetone/internal/metrics"
	"github.com/storetone/storetone/internal/models"
)

// Authorizer validates a device token during the socket handshake.
// Satisfied by *token.Service.
type Authorizer interface {
	Authorize(ctx context.Context, token string) bool
}

// ManifestResolver loads a playlist manifest for a sync command that names
// the playlist by id. Satisfied by the backend Coordinator implementations.
type ManifestResolver interface {
	FetchPlaylist(ctx context.Context, playlistID string) (*models.PlaylistManifest, error)
}

// syncCommand is an operator sync request queued for hub dispatch. reply
// receives exactly one frame for the sender.
type syncCommand struct {
	sender  *Client
	payload models.SyncCommandPayload
}

// Hub owns the token-to-socket registry. All registry access happens on the
// Run goroutine; clients talk to it over channels.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	commands   chan syncCommand

	resolver ManifestResolver
	clients  map[string]*Client
}

func NewHub(resolver ManifestResolver) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		commands:   make(chan syncCommand),
		resolver:   resolver,
		clients:    make(map[string]*Client),
	}
}

// Run processes registry events until ctx is cancelled. Blocking call;
// start it on its own goroutine or under a supervisor.
func (h *Hub) Run(ctx context.Context) {
	logging.Info().Msg("relay hub started")
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			logging.Info().Msg("relay hub stopped")
			return
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		case cmd := <-h.commands:
			h.forward(cmd)
		}
	}
}

// add registers a client. A second socket for the same token replaces the
// first; the stale socket is closed.
func (h *Hub) add(client *Client) {
	if old, ok := h.clients[client.token]; ok {
		close(old.send)
	}
	h.clients[client.token] = client
	metrics.RelayConnectedDevices.Set(float64(len(h.clients)))
	logging.Info().Str("token", abbreviate(client.token)).Msg("device connected")
	h.broadcastPresence(client.token, models.PresenceOnline, client)
}

func (h *Hub) remove(client *Client) {
	if current, ok := h.clients[client.token]; !ok || current != client {
		return
	}
	delete(h.clients, client.token)
	close(client.send)
	metrics.RelayConnectedDevices.Set(float64(len(h.clients)))
	logging.Info().Str("token", abbreviate(client.token)).Msg("device disconnected")
	h.broadcastPresence(client.token, models.PresenceOffline, nil)
}

// forward pushes the playlist to every named device that has a live socket
// and answers the sender with the delivered count. Absent devices are
// skipped silently; they will reconcile from the backend when they return.
func (h *Hub) forward(cmd syncCommand) {
	if cmd.payload.Playlist == nil {
		cmd.sender.trySend(models.SyncErrorMessage("sync command carries no playlist"))
		return
	}

	push, err := models.NewRelayMessage(models.MessageTypeSyncPlaylist,
		models.SyncPushPayload{Playlist: *cmd.payload.Playlist})
	if err != nil {
		cmd.sender.trySend(models.SyncErrorMessage("malformed playlist"))
		return
	}

	delivered := 0
	for _, target := range cmd.payload.Devices {
		client, ok := h.clients[target]
		if !ok {
			continue
		}
		if client.trySend(push) {
			delivered++
		}
	}

	playlistID := cmd.payload.PlaylistID
	if playlistID == "" {
		playlistID = cmd.payload.Playlist.ID
	}
	result, _ := models.NewRelayMessage(models.MessageTypeSyncSuccess, models.SyncResultPayload{
		Message:     fmt.Sprintf("playlist %s pushed to %d devices", playlistID, delivered),
		DeviceCount: delivered,
	})
	cmd.sender.trySend(result)
	logging.Info().
		Str("playlist", playlistID).
		Int("targeted", len(cmd.payload.Devices)).
		Int("delivered", delivered).
		Msg("sync command forwarded")
}

// broadcastPresence tells every other socket that a device changed state.
func (h *Hub) broadcastPresence(token string, status models.PresenceStatus, skip *Client) {
	msg, err := models.NewRelayMessage(models.MessageTypePresenceUpdate, models.PresenceUpdatePayload{
		Token:     token,
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	for _, client := range h.clients {
		if client == skip {
			continue
		}
		client.trySend(msg)
	}
}

func (h *Hub) closeAll() {
	for token, client := range h.clients {
		close(client.send)
		delete(h.clients, token)
	}
	metrics.RelayConnectedDevices.Set(0)
}

// abbreviate shortens a token for logs so credentials never land in full.
func abbreviate(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}
