// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

package models

import "time"

// PlaylistManifest is the playlist description pushed to a device for
// offline sync: the assigned song list with source URLs.
//
// Validate tags are enforced at the boundary by the syncer before the
// manifest is trusted internally.
type PlaylistManifest struct {
	ID    string         `json:"id" validate:"required"`
	Name  string         `json:"name,omitempty"`
	Songs []ManifestSong `json:"songs" validate:"required,dive"`
}

// ManifestSong is one entry of a playlist manifest.
type ManifestSong struct {
	ID        string `json:"id" validate:"required"`
	SourceURL string `json:"sourceUrl" validate:"required,url"`
	Title     string `json:"title" validate:"required"`
}

// SongIDs returns the asset ids referenced by the manifest, in order.
func (m *PlaylistManifest) SongIDs() []string {
	ids := make([]string, 0, len(m.Songs))
	for _, s := range m.Songs {
		ids = append(ids, s.ID)
	}
	return ids
}

// DownloadStatus is the state of a single asset download.
type DownloadStatus string

const (
	DownloadPending     DownloadStatus = "pending"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadCompleted   DownloadStatus = "completed"
	DownloadError       DownloadStatus = "error"
)

// DownloadTask tracks one asset fetch within a sync job. Transitions are
// driven solely by the download engine; the task is dropped once Completed
// or when a newer sync pass supersedes it.
type DownloadTask struct {
	AssetID         string         `json:"asset_id"`
	SourceURL       string         `json:"source_url"`
	LocalPath       string         `json:"local_path"`
	Status          DownloadStatus `json:"status"`
	ProgressPercent float64        `json:"progress_percent"`
	ContentHash     string         `json:"content_hash,omitempty"`
}

// PlaylistSyncJob is the ephemeral record of one sync invocation. It owns
// its tasks exclusively and is discarded after completion or partial failure.
type PlaylistSyncJob struct {
	PlaylistID     string         `json:"playlist_id"`
	CorrelationID  string         `json:"correlation_id"`
	Tasks          []DownloadTask `json:"tasks"`
	TotalCount     int            `json:"total_count"`
	CompletedCount int            `json:"completed_count"`
	Errors         []string       `json:"errors,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}
