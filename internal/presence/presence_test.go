// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

package presence

import (
	"context"
	"io"
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

type fakeReporter struct {
	mu      sync.Mutex
	records []*models.PresenceRecord
}

func (f *fakeReporter) UpsertPresence(_ context.Context, record *models.PresenceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

func (f *fakeReporter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeReporter) countByStatus(status models.PresenceStatus) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.records {
		if rec.Status == status {
			n++
		}
	}
	return n
}

func (f *fakeReporter) last() *models.PresenceRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		return nil
	}
	return f.records[len(f.records)-1]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSession_AnnouncesOnStart(t *testing.T) {
	reporter := &fakeReporter{}
	session := NewSession(reporter, "tok-1", time.Hour)
	defer session.Stop()

	session.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return reporter.count() >= 1 })

	rec := reporter.last()
	if rec.Status != models.PresenceOnline {
		t.Errorf("initial status = %q, want online", rec.Status)
	}
	if rec.Token != "tok-1" {
		t.Errorf("record token = %q, want tok-1", rec.Token)
	}
	if !session.IsRunning() {
		t.Error("IsRunning = false after Start")
	}
}

func TestSession_HeartbeatsOnInterval(t *testing.T) {
	reporter := &fakeReporter{}
	session := NewSession(reporter, "tok-1", 20*time.Millisecond)
	defer session.Stop()

	session.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return reporter.count() >= 3 })

	if session.LastHeartbeat().IsZero() {
		t.Error("LastHeartbeat is zero after successful beats")
	}
}

func TestSession_StartIdempotent(t *testing.T) {
	reporter := &fakeReporter{}
	session := NewSession(reporter, "tok-1", time.Hour)
	defer session.Stop()

	ctx := context.Background()
	session.Start(ctx)
	session.Start(ctx)
	session.Start(ctx)

	waitFor(t, 2*time.Second, func() bool { return reporter.count() >= 1 })
	// A second loop would announce again; give it a moment to betray itself.
	time.Sleep(50 * time.Millisecond)
	if got := reporter.count(); got != 1 {
		t.Errorf("announce count = %d, want 1 (Start must be idempotent)", got)
	}
}

func TestSession_StopWritesOfflineOnce(t *testing.T) {
	reporter := &fakeReporter{}
	session := NewSession(reporter, "tok-1", time.Hour)

	session.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return reporter.count() >= 1 })

	session.Stop()
	if session.IsRunning() {
		t.Error("IsRunning = true after Stop")
	}
	rec := reporter.last()
	if rec.Status != models.PresenceOffline {
		t.Errorf("final status = %q, want offline", rec.Status)
	}

	// Repeated stops neither panic nor write more rows.
	before := reporter.count()
	session.Stop()
	session.Stop()
	if reporter.count() != before {
		t.Error("repeated Stop wrote additional presence rows")
	}
}

func TestSession_StopWithoutStart(t *testing.T) {
	session := NewSession(&fakeReporter{}, "tok-1", time.Hour)
	session.Stop()
	if session.IsRunning() {
		t.Error("IsRunning = true on a never-started session")
	}
}

func TestSession_CleanupIdempotent(t *testing.T) {
	reporter := &fakeReporter{}
	session := NewSession(reporter, "tok-1", time.Hour)
	session.Start(context.Background())
	session.Cleanup()
	session.Cleanup()
	if session.IsRunning() {
		t.Error("IsRunning = true after Cleanup")
	}
	if got := reporter.countByStatus(models.PresenceOffline); got != 1 {
		t.Errorf("offline rows = %d, want 1", got)
	}
}

func TestSession_RestartAfterStop(t *testing.T) {
	reporter := &fakeReporter{}
	session := NewSession(reporter, "tok-1", time.Hour)

	session.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return reporter.count() >= 1 })
	session.Stop()

	session.Start(context.Background())
	defer session.Stop()
	waitFor(t, 2*time.Second, func() bool {
		return session.IsRunning() && reporter.last().Status == models.PresenceOnline
	})
}

func TestCollect(t *testing.T) {
	snap := Collect(context.Background())
	if snap.OS == "" {
		t.Error("snapshot OS is empty")
	}
	if snap.CPUCores <= 0 {
		t.Errorf("cpu cores = %d, want > 0", snap.CPUCores)
	}
	if snap.CollectedAt.IsZero() {
		t.Error("CollectedAt is zero")
	}
}
