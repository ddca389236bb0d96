// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

package models

import "time"

// TokenStatus is the lifecycle state of a device token.
type TokenStatus string

const (
	TokenActive  TokenStatus = "active"
	TokenUsed    TokenStatus = "used"
	TokenExpired TokenStatus = "expired"
)

// DeviceToken is the long-lived credential identifying one physical player.
// At most one Active token exists per fingerprint; tokens are superseded,
// never deleted.
type DeviceToken struct {
	Token       string      `json:"token"`
	Fingerprint string      `json:"fingerprint"`
	Status      TokenStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	UsedAt      *time.Time  `json:"used_at,omitempty"`
}

// IsExpired reports whether the token's absolute expiry has passed.
// Expiry overrides the stored status: a row still marked Active is expired
// the moment now > ExpiresAt.
func (t *DeviceToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// IsValid reports whether the token is Active and unexpired.
func (t *DeviceToken) IsValid(now time.Time) bool {
	return t.Status == TokenActive && !t.IsExpired(now)
}

// PresenceStatus is the online/offline state announced by a device.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord is the backend presence row for one device. It is owned by
// the device holding the matching token; the backend row is last-writer-wins.
type PresenceRecord struct {
	Token      string         `json:"token"`
	Status     PresenceStatus `json:"status"`
	SystemInfo SystemSnapshot `json:"system_info"`
	LastSeenAt time.Time      `json:"last_seen"`
}

// SystemSnapshot describes the host a player runs on. Collected at heartbeat
// time and stored alongside the presence row.
type SystemSnapshot struct {
	Hostname        string    `json:"hostname"`
	OS              string    `json:"os"`
	Platform        string    `json:"platform"`
	PlatformVersion string    `json:"platform_version"`
	KernelArch      string    `json:"kernel_arch"`
	CPUModel        string    `json:"cpu_model"`
	CPUCores        int       `json:"cpu_cores"`
	MemoryTotal     uint64    `json:"memory_total"`
	UptimeSeconds   uint64    `json:"uptime_seconds"`
	CollectedAt     time.Time `json:"collected_at"`
}
