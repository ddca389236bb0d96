// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

// Package syncer reconciles the local content cache against a playlist
// manifest pushed from the backend. A sync walks the manifest song by song,
// downloads what is missing, then evicts everything the manifest no longer
// references.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/storetone/storetone/internal/logging"
	"github.com/storetone/storetone/internal/metrics"
	"github.com/storetone/storetone/internal/models"
)

// ErrInvalidManifest rejects a manifest before any download starts.
var ErrInvalidManifest = errors.New("invalid playlist manifest")

// PartialSyncError reports a sync that completed with some songs failed.
// The cache still holds every song that did download.
type PartialSyncError struct {
	PlaylistID string
	Failed     []string
}

func (e *PartialSyncError) Error() string {
	return fmt.Sprintf("playlist %s: %d songs failed: %s",
		e.PlaylistID, len(e.Failed), strings.Join(e.Failed, "; "))
}

// Downloader fetches a single asset. Satisfied by *download.Engine.
type Downloader interface {
	DownloadAsset(ctx context.Context, assetID, sourceURL string) (string, error)
}

// Cache is the content store the orchestrator reconciles against.
// Satisfied by *cache.Cache.
type Cache interface {
	Exists(assetID string) bool
	Path(assetID string) string
	Cleanup(keepIDs []string) (int, error)
	SaveManifestSnapshot(manifest *models.PlaylistManifest) error
}

// StateStore persists the last applied manifest across restarts.
// Satisfied by *state.Store.
type StateStore interface {
	SaveManifest(manifest *models.PlaylistManifest) error
}

// Completer records a finished sync with the backend.
type Completer interface {
	MarkSyncCompleted(ctx context.Context, playlistID, deviceToken string, completedAt time.Time) error
}

// Orchestrator runs playlist syncs one at a time. A sync arriving while
// another runs supersedes it; the superseded run stops after its current
// download.
type Orchestrator struct {
	downloader  Downloader
	cache       Cache
	state       StateStore
	completer   Completer
	deviceToken string
	validate    *validator.Validate

	mu      sync.Mutex
	current *syncRun
}

// syncRun identifies one in-flight sync so a superseded run tearing itself
// down cannot cancel its successor.
type syncRun struct {
	cancel context.CancelFunc
}

func New(downloader Downloader, cache Cache, state StateStore, completer Completer, deviceToken string) *Orchestrator {
	return &Orchestrator{
		downloader:  downloader,
		cache:       cache,
		state:       state,
		completer:   completer,
		deviceToken: deviceToken,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Sync applies the manifest: validates it, downloads missing songs in
// manifest order, evicts unreferenced assets and records the result. Any
// in-flight sync is cancelled first. correlationID ties the run to the
// backend job that requested it; empty means locally initiated.
func (o *Orchestrator) Sync(ctx context.Context, manifest *models.PlaylistManifest, correlationID string) error {
	if err := o.validateManifest(manifest); err != nil {
		metrics.SyncJobs.WithLabelValues("invalid").Inc()
		return err
	}

	runCtx, run := o.beginRun(ctx)
	defer o.endRun(run)

	job := &models.PlaylistSyncJob{
		PlaylistID:    manifest.ID,
		CorrelationID: correlationID,
		TotalCount:    len(manifest.Songs),
		StartedAt:     time.Now().UTC(),
	}
	if job.CorrelationID == "" {
		job.CorrelationID = uuid.NewString()
	}
	for _, song := range manifest.Songs {
		job.Tasks = append(job.Tasks, models.DownloadTask{
			AssetID:   song.ID,
			SourceURL: song.SourceURL,
			LocalPath: o.cache.Path(song.ID),
			Status:    models.DownloadPending,
		})
	}

	logging.Info().
		Str("playlist", manifest.ID).
		Str("correlation", job.CorrelationID).
		Int("songs", job.TotalCount).
		Msg("playlist sync started")

	for i, song := range manifest.Songs {
		task := &job.Tasks[i]
		if runCtx.Err() != nil {
			metrics.SyncJobs.WithLabelValues("superseded").Inc()
			logging.Info().
				Str("playlist", manifest.ID).
				Int("completed", job.CompletedCount).
				Msg("playlist sync superseded")
			return runCtx.Err()
		}
		if o.cache.Exists(song.ID) {
			task.Status = models.DownloadCompleted
			job.CompletedCount++
			metrics.SyncDownloads.WithLabelValues("cached").Inc()
			continue
		}
		task.Status = models.DownloadDownloading
		hash, err := o.downloader.DownloadAsset(runCtx, song.ID, song.SourceURL)
		if err != nil {
			if runCtx.Err() != nil {
				metrics.SyncJobs.WithLabelValues("superseded").Inc()
				return runCtx.Err()
			}
			task.Status = models.DownloadError
			job.Errors = append(job.Errors, fmt.Sprintf("%s: %v", song.Title, err))
			metrics.SyncDownloads.WithLabelValues("failed").Inc()
			logging.Warn().
				Str("playlist", manifest.ID).
				Str("song", song.Title).
				Err(err).
				Msg("song download failed")
			continue
		}
		task.Status = models.DownloadCompleted
		task.ContentHash = hash
		task.ProgressPercent = 100
		job.CompletedCount++
		metrics.SyncDownloads.WithLabelValues("downloaded").Inc()
	}

	// Eviction runs even after download failures so stale assets never
	// outlive the manifest that dropped them.
	if removed, err := o.cache.Cleanup(manifest.SongIDs()); err != nil {
		logging.Error().Str("playlist", manifest.ID).Err(err).Msg("cache cleanup failed")
	} else if removed > 0 {
		logging.Info().Str("playlist", manifest.ID).Int("removed", removed).Msg("evicted unreferenced assets")
	}

	if err := o.cache.SaveManifestSnapshot(manifest); err != nil {
		logging.Warn().Str("playlist", manifest.ID).Err(err).Msg("manifest snapshot write failed")
	}
	if err := o.state.SaveManifest(manifest); err != nil {
		logging.Warn().Str("playlist", manifest.ID).Err(err).Msg("manifest state write failed")
	}

	completedAt := time.Now().UTC()
	job.CompletedAt = &completedAt

	if len(job.Errors) > 0 {
		metrics.SyncJobs.WithLabelValues("partial").Inc()
		return &PartialSyncError{PlaylistID: manifest.ID, Failed: job.Errors}
	}

	if o.completer != nil {
		if err := o.completer.MarkSyncCompleted(ctx, manifest.ID, o.deviceToken, completedAt); err != nil {
			logging.Warn().Str("playlist", manifest.ID).Err(err).Msg("sync completion report failed")
		}
	}

	metrics.SyncJobs.WithLabelValues("completed").Inc()
	logging.Info().
		Str("playlist", manifest.ID).
		Dur("took", completedAt.Sub(job.StartedAt)).
		Msg("playlist sync completed")
	return nil
}

// Cancel stops the in-flight sync, if any.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		o.current.cancel()
		o.current = nil
	}
}

func (o *Orchestrator) validateManifest(manifest *models.PlaylistManifest) error {
	if manifest == nil {
		return fmt.Errorf("%w: manifest is nil", ErrInvalidManifest)
	}
	if err := o.validate.Struct(manifest); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return nil
}

// beginRun cancels any running sync and registers this one as current.
func (o *Orchestrator) beginRun(ctx context.Context) (context.Context, *syncRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		o.current.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &syncRun{cancel: cancel}
	o.current = run
	return runCtx, run
}

func (o *Orchestrator) endRun(run *syncRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run.cancel()
	if o.current == run {
		o.current = nil
	}
}
