// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

package relay

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/storetone/storetone/internal/logging"
	"github.com/storetone/storetone/internal/metrics"
	"github.com/storetone/storetone/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	authWait       = 15 * time.Second
	lookupWait     = 10 * time.Second
	maxMessageSize = 512 * 1024

	sendBufferSize = 32
)

// Client is one authenticated socket attached to the hub.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	token string
	send  chan models.RelayMessage
}

// trySend queues a frame without blocking the hub. A client whose buffer is
// full is dropped; a socket that slow is effectively dead.
func (c *Client) trySend(msg models.RelayMessage) bool {
	select {
	case c.send <- msg:
		return true
	default:
		logging.Warn().Str("token", abbreviate(c.token)).Msg("send buffer full, dropping client")
		_ = c.conn.Close()
		return false
	}
}

// handshake reads the authenticate frame and checks the token. Any failure
// answers with an error frame and reports false; validation errors fail
// closed.
func handshake(ctx context.Context, conn *websocket.Conn, auth Authorizer) (string, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(authWait))

	var msg models.RelayMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return "", false
	}
	if msg.Type != models.MessageTypeAuthenticate {
		rejectSocket(conn, "expected authenticate")
		return "", false
	}
	var payload models.AuthenticatePayload
	if err := msg.DecodePayload(&payload); err != nil || payload.Token == "" {
		rejectSocket(conn, "missing token")
		return "", false
	}
	if !auth.Authorize(ctx, payload.Token) {
		rejectSocket(conn, "invalid token")
		return "", false
	}

	ok, _ := models.NewRelayMessage(models.MessageTypeAuthSuccess, nil)
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(ok); err != nil {
		return "", false
	}
	return payload.Token, true
}

func rejectSocket(conn *websocket.Conn, reason string) {
	metrics.RelayAuthFailures.Inc()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(models.ErrorMessage(reason))
}

// readPump consumes frames from the socket and hands sync commands to the
// hub. Exits on any read error and unregisters the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg models.RelayMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug().Str("token", abbreviate(c.token)).Err(err).Msg("socket closed")
			}
			return
		}
		metrics.RelayMessages.WithLabelValues(msg.Type, "inbound").Inc()

		switch msg.Type {
		case models.MessageTypeSyncPlaylist:
			var payload models.SyncCommandPayload
			if err := msg.DecodePayload(&payload); err != nil {
				c.trySend(models.SyncErrorMessage("malformed sync command"))
				continue
			}
			if payload.Playlist == nil {
				manifest, err := c.resolveManifest(payload.PlaylistID)
				if err != nil {
					c.trySend(models.SyncErrorMessage(err.Error()))
					continue
				}
				payload.Playlist = manifest
			}
			c.hub.commands <- syncCommand{sender: c, payload: payload}
		default:
			logging.Debug().
				Str("token", abbreviate(c.token)).
				Str("type", msg.Type).
				Msg("unhandled frame")
		}
	}
}

// resolveManifest loads the manifest for a command that names the playlist
// by id only. Runs on the sender's read goroutine so a slow backend lookup
// never stalls the hub. The returned error text is safe to echo to the
// operator.
func (c *Client) resolveManifest(playlistID string) (*models.PlaylistManifest, error) {
	if playlistID == "" {
		return nil, errors.New("sync command names no playlist")
	}
	if c.hub.resolver == nil {
		return nil, errors.New("playlist lookup unavailable")
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupWait)
	defer cancel()
	manifest, err := c.hub.resolver.FetchPlaylist(ctx, playlistID)
	if err != nil {
		logging.Warn().
			Str("token", abbreviate(c.token)).
			Str("playlist", playlistID).
			Err(err).
			Msg("playlist lookup failed")
		return nil, errors.New("playlist lookup failed")
	}
	return manifest, nil
}

// writePump drains the send buffer onto the socket and keeps the connection
// alive with pings. Exits when the hub closes the send channel.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
			metrics.RelayMessages.WithLabelValues(msg.Type, "outbound").Inc()
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
