// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

// Package presence announces a player's liveness to the backend on a fixed
// heartbeat. The backend marks any device whose heartbeats stop as offline,
// so the session only ever writes online rows plus one final offline row on
// shutdown.
package presence

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/storetone/storetone/internal/logging"
	"github.com/storetone/storetone/internal/metrics"
	"github.com/storetone/storetone/internal/models"
)

// Reporter writes presence rows. Satisfied by the backend Coordinator.
type Reporter interface {
	UpsertPresence(ctx context.Context, record *models.PresenceRecord) error
}

// Session drives the heartbeat loop for one device token.
// Start and Stop are idempotent.
type Session struct {
	reporter Reporter
	token    string
	interval time.Duration
	timeNow  func() time.Time

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	lastBeat time.Time
}

func NewSession(reporter Reporter, token string, interval time.Duration) *Session {
	return &Session{
		reporter: reporter,
		token:    token,
		interval: interval,
		timeNow:  time.Now,
	}
}

// Start announces the device online and begins heartbeating. Calling Start
// on a running session is a no-op.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx, s.done)
	logging.Info().Dur("interval", s.interval).Msg("presence session started")
}

// Stop halts the heartbeat loop and waits for any in-flight tick to finish,
// then writes a final offline row. Safe to call repeatedly.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done

	ctx, cancelOffline := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelOffline()
	if err := s.report(ctx, models.PresenceOffline); err != nil {
		logging.Warn().Err(err).Msg("offline presence write failed")
	}
	logging.Info().Msg("presence session stopped")
}

// Cleanup tears the session down. It stops the loop if it is still running
// and may be called any number of times, including on a session that never
// started.
func (s *Session) Cleanup() {
	s.Stop()
}

// IsRunning reports whether the heartbeat loop is active.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastHeartbeat returns the time of the most recent successful heartbeat,
// zero if none has succeeded yet.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBeat
}

func (s *Session) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.beat(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

func (s *Session) beat(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.report(ctx, models.PresenceOnline); err != nil {
		metrics.HeartbeatErrors.Inc()
		logging.Warn().Err(err).Msg("heartbeat failed")
		return
	}
	metrics.HeartbeatsSent.Inc()
	s.mu.Lock()
	s.lastBeat = s.timeNow()
	s.mu.Unlock()
}

func (s *Session) report(ctx context.Context, status models.PresenceStatus) error {
	return s.reporter.UpsertPresence(ctx, &models.PresenceRecord{
		Token:      s.token,
		Status:     status,
		SystemInfo: Collect(ctx),
		LastSeenAt: s.timeNow().UTC(),
	})
}

// Collect gathers a host snapshot. Probe failures leave fields zero; a
// heartbeat with a thin snapshot beats no heartbeat.
func Collect(ctx context.Context) models.SystemSnapshot {
	snap := models.SystemSnapshot{
		OS:          runtime.GOOS,
		CPUCores:    runtime.NumCPU(),
		CollectedAt: time.Now().UTC(),
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Hostname = info.Hostname
		snap.Platform = info.Platform
		snap.PlatformVersion = info.PlatformVersion
		snap.KernelArch = info.KernelArch
		snap.UptimeSeconds = info.Uptime
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		snap.CPUModel = infos[0].ModelName
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryTotal = vm.Total
	}
	return snap
}
