// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

package models

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Relay message types. Every frame on a relay socket is a RelayMessage with
// one of these tags; the payload shape is fixed per tag.
const (
	MessageTypeAuthenticate   = "authenticate"
	MessageTypeAuthSuccess    = "auth_success"
	MessageTypeError          = "error"
	MessageTypeSyncPlaylist   = "sync_playlist"
	MessageTypeSyncSuccess    = "sync_success"
	MessageTypeSyncError      = "sync_error"
	MessageTypePresenceUpdate = "presence_update"
)

// RelayMessage is the envelope for every frame on a relay socket.
// Payload stays raw until the tag is known; decode with the typed helpers.
type RelayMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthenticatePayload carries the device token in the first frame a device
// sends after connecting.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// ErrorPayload carries a human-readable failure message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// SyncCommandPayload is sent by an operator-facing process to the relay,
// naming the playlist and the target device tokens. The manifest is
// normally resolved from PlaylistID; an operator that already holds the
// manifest may embed it to skip the lookup.
type SyncCommandPayload struct {
	PlaylistID string            `json:"playlistId"`
	Devices    []string          `json:"devices"`
	Playlist   *PlaylistManifest `json:"playlist,omitempty"`
}

// SyncPushPayload is what the relay forwards to each targeted device socket.
type SyncPushPayload struct {
	Playlist PlaylistManifest `json:"playlist"`
}

// SyncResultPayload is the relay's reply to the operator sender.
type SyncResultPayload struct {
	Message     string `json:"message"`
	DeviceCount int    `json:"deviceCount"`
}

// PresenceUpdatePayload is broadcast by the relay on device connect and
// disconnect.
type PresenceUpdatePayload struct {
	Token     string         `json:"token"`
	Status    PresenceStatus `json:"status"`
	Timestamp string         `json:"timestamp"`
}

// NewRelayMessage builds an envelope around the given payload.
func NewRelayMessage(msgType string, payload any) (RelayMessage, error) {
	if payload == nil {
		return RelayMessage{Type: msgType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return RelayMessage{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return RelayMessage{Type: msgType, Payload: raw}, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (m *RelayMessage) DecodePayload(dst any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// ErrorMessage builds an error envelope with the given message text.
func ErrorMessage(text string) RelayMessage {
	msg, _ := NewRelayMessage(MessageTypeError, ErrorPayload{Message: text})
	return msg
}

// SyncErrorMessage builds the sync_error reply sent to an operator whose
// sync command could not be carried out.
func SyncErrorMessage(text string) RelayMessage {
	msg, _ := NewRelayMessage(MessageTypeSyncError, ErrorPayload{Message: text})
	return msg
}
