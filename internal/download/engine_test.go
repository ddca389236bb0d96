// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/storetone/storetone/internal/logging"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

// memorySaver records what the engine hands over for persistence.
type memorySaver struct {
	saved map[string][]byte
}

func newMemorySaver() *memorySaver {
	return &memorySaver{saved: make(map[string][]byte)}
}

func (m *memorySaver) SaveFrom(assetID string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.saved[assetID] = data
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:]), nil
}

func TestDownloadAsset_Success(t *testing.T) {
	body := []byte("audio payload bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	saver := newMemorySaver()
	engine := NewEngine(saver, 0, nil)

	hash, err := engine.DownloadAsset(context.Background(), "song-1", srv.URL)
	if err != nil {
		t.Fatalf("DownloadAsset failed: %v", err)
	}

	want := sha256.Sum256(body)
	if hash != hex.EncodeToString(want[:]) {
		t.Errorf("hash = %q, want sha256 of body", hash)
	}
	if string(saver.saved["song-1"]) != string(body) {
		t.Error("saved bytes differ from served body")
	}
}

func TestDownloadAsset_NonSuccessStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"not found", http.StatusNotFound},
		{"server error", http.StatusInternalServerError},
		{"forbidden", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			saver := newMemorySaver()
			engine := NewEngine(saver, 0, nil)

			_, err := engine.DownloadAsset(context.Background(), "song-1", srv.URL)
			if err == nil {
				t.Fatal("expected error for non-2xx response")
			}

			var dlErr *Error
			if !errors.As(err, &dlErr) {
				t.Fatalf("error type = %T, want *download.Error", err)
			}
			if dlErr.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", dlErr.StatusCode, tt.status)
			}
			if len(saver.saved) != 0 {
				t.Error("bytes were persisted despite the failed download")
			}
		})
	}
}

func TestDownloadAsset_UnreachableHost(t *testing.T) {
	saver := newMemorySaver()
	engine := NewEngine(saver, 0, nil)

	_, err := engine.DownloadAsset(context.Background(), "song-1", "http://127.0.0.1:1/missing")
	if err == nil {
		t.Fatal("expected transport error")
	}
	var dlErr *Error
	if !errors.As(err, &dlErr) {
		t.Fatalf("error type = %T, want *download.Error", err)
	}
	if dlErr.StatusCode != 0 {
		t.Errorf("transport failure carries status %d, want 0", dlErr.StatusCode)
	}
}

func TestDownloadAsset_ProgressEvents(t *testing.T) {
	body := make([]byte, 3*chunkSize)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	var events []float64
	engine := NewEngine(newMemorySaver(), 0, func(assetID string, percent float64) {
		events = append(events, percent)
	})

	if _, err := engine.DownloadAsset(context.Background(), "song-1", srv.URL); err != nil {
		t.Fatalf("DownloadAsset failed: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no progress events fired despite a known Content-Length")
	}
	last := events[len(events)-1]
	if last < 99.9 || last > 100.1 {
		t.Errorf("final progress = %.2f, want 100", last)
	}
	for i := 1; i < len(events); i++ {
		if events[i] < events[i-1] {
			t.Fatalf("progress regressed: %.2f after %.2f", events[i], events[i-1])
		}
	}
}

// streamingSaver signals as soon as any bytes arrive, then drains the rest.
type streamingSaver struct {
	firstChunk chan struct{}
	once       sync.Once
}

func (s *streamingSaver) SaveFrom(_ string, r io.Reader) (string, error) {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.once.Do(func() { close(s.firstChunk) })
		}
		if err == io.EOF {
			return "digest", nil
		}
		if err != nil {
			return "", err
		}
	}
}

func TestDownloadAsset_SpoolsWhileBodyStillOpen(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, chunkSize))
		w.(http.Flusher).Flush()
		<-release
		_, _ = w.Write(make([]byte, chunkSize))
	}))
	defer srv.Close()
	defer close(release)

	saver := &streamingSaver{firstChunk: make(chan struct{})}
	engine := NewEngine(saver, 0, nil)

	done := make(chan error, 1)
	go func() {
		_, err := engine.DownloadAsset(context.Background(), "song-1", srv.URL)
		done <- err
	}()

	select {
	case <-saver.firstChunk:
	case <-time.After(2 * time.Second):
		t.Fatal("saver received no bytes while the response body was still open")
	}
	release <- struct{}{}
	if err := <-done; err != nil {
		t.Fatalf("DownloadAsset() error = %v", err)
	}
}

func TestDownloadAsset_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := NewEngine(newMemorySaver(), 0, nil)
	if _, err := engine.DownloadAsset(ctx, "song-1", "http://127.0.0.1:1/"); err == nil {
		t.Fatal("expected error with a cancelled context")
	}
}
