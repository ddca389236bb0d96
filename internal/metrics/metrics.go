// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

// Package metrics provides Prometheus instrumentation for the connectivity
// and sync engine: relay socket traffic, device connections, sync jobs,
// downloads, heartbeats, and backend client health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay metrics
	RelayConnectedDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "storetone",
			Name:      "relay_connected_devices",
			Help:      "Current number of authenticated device sockets",
		},
	)

	RelayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storetone",
			Name:      "relay_messages_total",
			Help:      "Total relay messages by type and direction",
		},
		[]string{"type", "direction"}, // direction: inbound, outbound
	)

	RelayAuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "storetone",
			Name:      "relay_auth_failures_total",
			Help:      "Total failed device authentication handshakes",
		},
	)

	// Sync metrics
	SyncJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storetone",
			Name:      "sync_jobs_total",
			Help:      "Total playlist sync jobs by outcome",
		},
		[]string{"outcome"}, // completed, partial, superseded, invalid
	)

	SyncDownloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storetone",
			Name:      "sync_downloads_total",
			Help:      "Total asset downloads by outcome",
		},
		[]string{"outcome"}, // downloaded, cached, failed
	)

	DownloadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "storetone",
			Name:      "download_bytes_total",
			Help:      "Total bytes downloaded into the content cache",
		},
	)

	DownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "storetone",
			Name:      "download_duration_seconds",
			Help:      "Duration of single asset downloads in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "storetone",
			Name:      "cache_evictions_total",
			Help:      "Total cached assets removed by manifest reconciliation",
		},
	)

	// Presence metrics
	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "storetone",
			Name:      "heartbeats_sent_total",
			Help:      "Total presence heartbeats announced",
		},
	)

	HeartbeatErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "storetone",
			Name:      "heartbeat_errors_total",
			Help:      "Total heartbeat announcements that failed",
		},
	)

	// Connection metrics
	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "storetone",
			Name:      "reconnect_attempts_total",
			Help:      "Total reconnect attempts by the connection supervisor",
		},
	)

	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "storetone",
			Name:      "connection_state",
			Help:      "Connection supervisor state (0=disconnected 1=connecting 2=connected 3=reconnecting 4=failed)",
		},
	)

	// Backend client metrics
	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storetone",
			Name:      "backend_requests_total",
			Help:      "Total backend coordination requests by outcome",
		},
		[]string{"outcome"}, // success, failure, rejected
	)

	BackendCircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "storetone",
			Name:      "backend_circuit_state",
			Help:      "Backend circuit breaker state (0=closed 1=half-open 2=open)",
		},
	)
)
