// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

// Package cache is the device-local content-addressed store for downloaded
// audio. Layout under a per-device root:
//
//	<base>/offline-music/<deviceToken>/
//	    songs/      one file per asset, named from the asset id
//	    playlists/  manifest snapshots as JSON documents
//	    metadata/   auxiliary structured documents
//
// Eviction is reconciliation against the current playlist, never LRU:
// Cleanup removes exactly the assets a manifest no longer references, and
// only after a sync pass.
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/storetone/storetone/internal/logging"
	"github.com/storetone/storetone/internal/metrics"
	"github.com/storetone/storetone/internal/models"
)

const (
	songsDir     = "songs"
	playlistsDir = "playlists"
	metadataDir  = "metadata"

	songExt = ".mp3"
)

// Cache is the per-device content store. Single-writer: one player process
// owns one cache root.
type Cache struct {
	root string
}

// New creates (idempotently) the per-device directory tree and returns the
// cache rooted there.
func New(baseDir, deviceToken string) (*Cache, error) {
	root := filepath.Join(baseDir, "offline-music", sanitize(deviceToken))
	for _, dir := range []string{songsDir, playlistsDir, metadataDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
		}
	}
	return &Cache{root: root}, nil
}

// Root returns the per-device cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// Path returns the local path an asset would occupy. Pure deterministic
// mapping; no lookup.
func (c *Cache) Path(assetID string) string {
	return filepath.Join(c.root, songsDir, sanitize(assetID)+songExt)
}

// Exists reports whether an asset is already cached.
func (c *Cache) Exists(assetID string) bool {
	info, err := os.Stat(c.Path(assetID))
	return err == nil && info.Mode().IsRegular()
}

// SaveFrom streams the asset content to disk and returns the SHA-256 digest
// of what was written. Bytes spool into a temp file that is renamed into
// place only on success, so a crash or a failed read never leaves a
// truncated file at the asset path.
func (c *Cache) SaveFrom(assetID string, r io.Reader) (string, error) {
	target := c.Path(assetID)

	tmp, err := os.CreateTemp(filepath.Dir(target), ".partial-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write asset %s: %w", assetID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("finalize asset %s: %w", assetID, err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Save writes in-memory asset bytes through the same atomic path.
func (c *Cache) Save(assetID string, data []byte) (string, error) {
	return c.SaveFrom(assetID, bytes.NewReader(data))
}

// Cleanup removes every cached asset whose id is not in keepIDs and returns
// how many files were removed. Referenced assets are left untouched. The
// empty keep-set removes everything.
func (c *Cache) Cleanup(keepIDs []string) (int, error) {
	keep := make(map[string]struct{}, len(keepIDs))
	for _, id := range keepIDs {
		keep[sanitize(id)] = struct{}{}
	}

	entries, err := os.ReadDir(filepath.Join(c.root, songsDir))
	if err != nil {
		return 0, fmt.Errorf("list cached songs: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), songExt)
		if _, ok := keep[id]; ok {
			continue
		}
		path := filepath.Join(c.root, songsDir, entry.Name())
		if err := os.Remove(path); err != nil {
			logging.Warn().Err(err).Str("asset", id).Msg("failed to evict cached asset")
			continue
		}
		removed++
		metrics.CacheEvictions.Inc()
	}

	if removed > 0 {
		logging.Info().Int("removed", removed).Msg("reconciled content cache")
	}
	return removed, nil
}

// SaveManifestSnapshot stores the manifest as a structured document under
// playlists/, alongside the audio it describes.
func (c *Cache) SaveManifestSnapshot(manifest *models.PlaylistManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest snapshot: %w", err)
	}
	path := filepath.Join(c.root, playlistsDir, sanitize(manifest.ID)+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest snapshot: %w", err)
	}
	return nil
}

// sanitize maps an external identifier to a safe single path element.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, id)
}
