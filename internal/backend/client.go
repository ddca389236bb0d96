// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

// Package backend talks to the managed coordination service: the row store
// holding device_tokens and the devices presence table, plus the sync-job
// completion endpoint. The service itself is an external collaborator; this
// package only implements its client.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/storetone/storetone/internal/config"
	"github.com/storetone/storetone/internal/models"
)

// ErrTokenNotFound is returned when no active token row exists for a
// fingerprint.
var ErrTokenNotFound = errors.New("device token not found")

// ErrPlaylistNotFound is returned when no playlist row matches the id.
var ErrPlaylistNotFound = errors.New("playlist not found")

// maxErrorBodySize limits how much of an error response body is read for
// diagnostics.
const maxErrorBodySize = 64 * 1024

// Coordinator is the operations the sync engine needs from the backend.
// Implemented by Client for production and by in-memory fakes in tests.
type Coordinator interface {
	// FindActiveToken returns the Active token row for a fingerprint, or
	// ErrTokenNotFound when none exists.
	FindActiveToken(ctx context.Context, fingerprint string) (*models.DeviceToken, error)

	// FindByToken returns the row for an exact token string, or
	// ErrTokenNotFound.
	FindByToken(ctx context.Context, token string) (*models.DeviceToken, error)

	// UpsertToken writes a token row, superseding any previous row for the
	// same fingerprint.
	UpsertToken(ctx context.Context, token *models.DeviceToken) error

	// UpsertPresence writes the device's presence row (last-writer-wins).
	UpsertPresence(ctx context.Context, record *models.PresenceRecord) error

	// MarkSyncCompleted records a finished sync pass for a playlist.
	MarkSyncCompleted(ctx context.Context, playlistID, deviceToken string, completedAt time.Time) error

	// FetchPlaylist returns the manifest for a playlist id, or
	// ErrPlaylistNotFound when no row matches.
	FetchPlaylist(ctx context.Context, playlistID string) (*models.PlaylistManifest, error)
}

// Client is the HTTP implementation of Coordinator.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a backend client from configuration.
func NewClient(cfg *config.BackendConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FindActiveToken looks up the Active token row for a fingerprint.
func (c *Client) FindActiveToken(ctx context.Context, fingerprint string) (*models.DeviceToken, error) {
	endpoint := fmt.Sprintf("/rest/v1/device_tokens?fingerprint=%s&status=active", url.QueryEscape(fingerprint))

	var rows []models.DeviceToken
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrTokenNotFound
	}
	return &rows[0], nil
}

// FindByToken looks up a row by exact token string.
func (c *Client) FindByToken(ctx context.Context, token string) (*models.DeviceToken, error) {
	endpoint := fmt.Sprintf("/rest/v1/device_tokens?token=%s", url.QueryEscape(token))

	var rows []models.DeviceToken
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrTokenNotFound
	}
	return &rows[0], nil
}

// FetchPlaylist loads the manifest for a playlist id.
func (c *Client) FetchPlaylist(ctx context.Context, playlistID string) (*models.PlaylistManifest, error) {
	endpoint := fmt.Sprintf("/rest/v1/playlists?id=%s", url.QueryEscape(playlistID))

	var rows []models.PlaylistManifest
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrPlaylistNotFound
	}
	return &rows[0], nil
}

// UpsertToken writes a token row.
func (c *Client) UpsertToken(ctx context.Context, token *models.DeviceToken) error {
	return c.doJSON(ctx, http.MethodPost, "/rest/v1/device_tokens?on_conflict=fingerprint", token, nil)
}

// UpsertPresence writes the presence row for the device's token.
func (c *Client) UpsertPresence(ctx context.Context, record *models.PresenceRecord) error {
	return c.doJSON(ctx, http.MethodPost, "/rest/v1/devices?on_conflict=token", record, nil)
}

// MarkSyncCompleted records a finished sync pass.
func (c *Client) MarkSyncCompleted(ctx context.Context, playlistID, deviceToken string, completedAt time.Time) error {
	body := map[string]string{
		"playlist_id":  playlistID,
		"device_token": deviceToken,
		"status":       "completed",
		"completed_at": completedAt.UTC().Format(time.RFC3339),
	}
	return c.doJSON(ctx, http.MethodPost, "/rest/v1/sync_jobs", body, nil)
}

// doJSON performs one backend call: marshal body, set auth headers, check
// status, decode into out when non-nil.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := readBodyForError(resp.Body)
		return fmt.Errorf("backend returned status %d for %s %s: %s", resp.StatusCode, method, endpoint, detail)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode backend response: %w", err)
	}
	return nil
}

// readBodyForError reads at most maxErrorBodySize of a response body for
// error reporting.
func readBodyForError(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return "(failed to read response body)"
	}
	return string(body)
}
