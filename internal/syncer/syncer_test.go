// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/storetone/storetone/internal/logging"
	"github.com/storetone/storetone/internal/models"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

type fakeDownloader struct {
	mu       sync.Mutex
	calls    []string
	failIDs  map[string]error
	blockers map[string]chan struct{}
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{failIDs: make(map[string]error), blockers: make(map[string]chan struct{})}
}

func (f *fakeDownloader) DownloadAsset(ctx context.Context, assetID, sourceURL string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, assetID)
	blocker := f.blockers[assetID]
	failErr := f.failIDs[assetID]
	f.mu.Unlock()

	if blocker != nil {
		select {
		case <-blocker:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if failErr != nil {
		return "", failErr
	}
	return "hash-" + assetID, nil
}

func (f *fakeDownloader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeCache struct {
	mu        sync.Mutex
	existing  map[string]bool
	keepCalls [][]string
	snapshots []string
}

func newFakeCache(existing ...string) *fakeCache {
	m := make(map[string]bool, len(existing))
	for _, id := range existing {
		m[id] = true
	}
	return &fakeCache{existing: m}
}

func (f *fakeCache) Exists(assetID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[assetID]
}

func (f *fakeCache) Path(assetID string) string {
	return "/tmp/songs/" + assetID + ".mp3"
}

func (f *fakeCache) Cleanup(keepIDs []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepCalls = append(f.keepCalls, append([]string(nil), keepIDs...))
	return 0, nil
}

func (f *fakeCache) SaveManifestSnapshot(manifest *models.PlaylistManifest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, manifest.ID)
	return nil
}

type fakeState struct {
	mu    sync.Mutex
	saved []string
}

func (f *fakeState) SaveManifest(manifest *models.PlaylistManifest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, manifest.ID)
	return nil
}

type fakeCompleter struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCompleter) MarkSyncCompleted(_ context.Context, playlistID, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, playlistID)
	return nil
}

func testManifest(songIDs ...string) *models.PlaylistManifest {
	songs := make([]models.ManifestSong, 0, len(songIDs))
	for _, id := range songIDs {
		songs = append(songs, models.ManifestSong{
			ID:        id,
			SourceURL: "https://cdn.example.com/" + id + ".mp3",
			Title:     "Title " + id,
		})
	}
	return &models.PlaylistManifest{ID: "pl-1", Name: "Rotation", Songs: songs}
}

func TestSync_AllSongsDownloaded(t *testing.T) {
	dl := newFakeDownloader()
	cache := newFakeCache()
	state := &fakeState{}
	completer := &fakeCompleter{}
	o := New(dl, cache, state, completer, "tok-1")

	if err := o.Sync(context.Background(), testManifest("a", "b", "c"), ""); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if dl.callCount() != 3 {
		t.Errorf("downloads = %d, want 3", dl.callCount())
	}
	if len(completer.calls) != 1 || completer.calls[0] != "pl-1" {
		t.Errorf("completion calls = %v, want [pl-1]", completer.calls)
	}
	if len(state.saved) != 1 {
		t.Errorf("manifest persisted %d times, want 1", len(state.saved))
	}
	if len(cache.snapshots) != 1 {
		t.Errorf("snapshots = %v, want one", cache.snapshots)
	}
}

func TestSync_SkipsCachedSongs(t *testing.T) {
	dl := newFakeDownloader()
	cache := newFakeCache("a", "c")
	o := New(dl, cache, &fakeState{}, &fakeCompleter{}, "tok-1")

	if err := o.Sync(context.Background(), testManifest("a", "b", "c"), ""); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if dl.callCount() != 1 {
		t.Errorf("downloads = %d, want 1 (only the missing song)", dl.callCount())
	}
	if dl.calls[0] != "b" {
		t.Errorf("downloaded %q, want b", dl.calls[0])
	}
}

func TestSync_PartialFailure(t *testing.T) {
	dl := newFakeDownloader()
	dl.failIDs["b"] = fmt.Errorf("status 404")
	cache := newFakeCache()
	completer := &fakeCompleter{}
	o := New(dl, cache, &fakeState{}, completer, "tok-1")

	err := o.Sync(context.Background(), testManifest("a", "b", "c"), "")
	if err == nil {
		t.Fatal("expected partial sync error")
	}

	var partial *PartialSyncError
	if !errors.As(err, &partial) {
		t.Fatalf("error type = %T, want *PartialSyncError", err)
	}
	if len(partial.Failed) != 1 {
		t.Fatalf("failed entries = %v, want one", partial.Failed)
	}
	if !strings.HasPrefix(partial.Failed[0], "Title b: ") {
		t.Errorf("failure entry %q does not lead with the song title", partial.Failed[0])
	}
	if dl.callCount() != 3 {
		t.Errorf("downloads = %d, want 3 (failure must not halt the run)", dl.callCount())
	}
	if len(completer.calls) != 0 {
		t.Error("partial sync was reported as completed")
	}

	// Eviction still reconciles against the full manifest.
	if len(cache.keepCalls) != 1 {
		t.Fatalf("cleanup calls = %d, want 1", len(cache.keepCalls))
	}
	keep := append([]string(nil), cache.keepCalls[0]...)
	sort.Strings(keep)
	if strings.Join(keep, ",") != "a,b,c" {
		t.Errorf("cleanup keep set = %v, want all manifest ids", keep)
	}
}

func TestSync_InvalidManifestFailsFast(t *testing.T) {
	tests := []struct {
		name     string
		manifest *models.PlaylistManifest
	}{
		{"nil manifest", nil},
		{"missing id", &models.PlaylistManifest{Songs: []models.ManifestSong{{ID: "a", SourceURL: "https://x/a.mp3", Title: "A"}}}},
		{"no songs", &models.PlaylistManifest{ID: "pl-1"}},
		{"song without url", &models.PlaylistManifest{ID: "pl-1", Songs: []models.ManifestSong{{ID: "a", Title: "A"}}}},
		{"song with bad url", &models.PlaylistManifest{ID: "pl-1", Songs: []models.ManifestSong{{ID: "a", SourceURL: "not a url", Title: "A"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dl := newFakeDownloader()
			cache := newFakeCache()
			o := New(dl, cache, &fakeState{}, &fakeCompleter{}, "tok-1")

			err := o.Sync(context.Background(), tt.manifest, "")
			if !errors.Is(err, ErrInvalidManifest) {
				t.Fatalf("err = %v, want ErrInvalidManifest", err)
			}
			if dl.callCount() != 0 {
				t.Error("downloads started despite invalid manifest")
			}
			if len(cache.keepCalls) != 0 {
				t.Error("cleanup ran despite invalid manifest")
			}
		})
	}
}

func TestSync_SupersededByNewerRun(t *testing.T) {
	dl := newFakeDownloader()
	gate := make(chan struct{})
	dl.blockers["a"] = gate
	cache := newFakeCache()
	o := New(dl, cache, &fakeState{}, &fakeCompleter{}, "tok-1")

	firstErr := make(chan error, 1)
	go func() {
		firstErr <- o.Sync(context.Background(), testManifest("a", "b"), "")
	}()

	// Wait until the first run is inside its blocking download.
	deadline := time.After(2 * time.Second)
	for dl.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first sync never started downloading")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := o.Sync(context.Background(), testManifest("c"), ""); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}

	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("superseded sync returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("superseded sync did not stop")
	}
	close(gate)
}
