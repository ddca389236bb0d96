// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

// Package identity derives a stable fingerprint for the machine a player
// runs on and maps it to a deterministic device identifier.
//
// Fingerprint sources, in preference order:
//  1. the link-layer address of a physical (non-virtual) network interface
//  2. a composite of host/CPU/OS descriptors
//  3. a random value (last resort, logged as a warning)
//
// Re-running identification on the same machine yields the same device ID:
// the fingerprint is hashed into a version-5 UUID under a fixed namespace
// with a platform-type prefix.
package identity

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/storetone/storetone/internal/logging"
)

// deviceNamespace is the fixed UUID namespace for device ID derivation.
// Changing it would re-identify every deployed player; never change it.
var deviceNamespace = uuid.MustParse("7c9e3d52-8a41-4b7f-9f2e-1d6a5c308b94")

// Fingerprint is the raw machine fingerprint plus how it was obtained.
type Fingerprint struct {
	Value  string
	Source Source
}

// Source records which derivation path produced the fingerprint.
type Source string

const (
	SourceHardware  Source = "hardware"
	SourceComposite Source = "composite"
	SourceRandom    Source = "random"
)

// virtualPrefixes are interface name prefixes that identify virtual NICs.
// Their addresses change across container/VM restarts, so they are skipped.
var virtualPrefixes = []string{
	"veth", "docker", "br-", "virbr", "vmnet", "tap", "tun", "zt", "wg",
}

// Identify derives the machine fingerprint. It never fails: each fallback
// degrades gracefully and the last resort is a random value.
func Identify(ctx context.Context) Fingerprint {
	if mac, ok := hardwareAddress(); ok {
		return Fingerprint{Value: mac, Source: SourceHardware}
	}

	logging.Warn().Msg("no physical network interface found, using composite fingerprint")
	if composite, ok := compositeDescriptor(ctx); ok {
		return Fingerprint{Value: composite, Source: SourceComposite}
	}

	logging.Warn().Msg("system descriptors unavailable, using random fingerprint")
	return Fingerprint{Value: uuid.NewString(), Source: SourceRandom}
}

// DeviceID maps a fingerprint to the stable, namespaced device identifier.
// Deterministic: the same fingerprint always yields the same ID.
func DeviceID(fp Fingerprint) string {
	name := fmt.Sprintf("player-%s:%s", runtime.GOOS, fp.Value)
	return uuid.NewSHA1(deviceNamespace, []byte(name)).String()
}

// hardwareAddress returns the MAC of the first up, non-loopback,
// non-virtual interface that has one.
func hardwareAddress() (string, bool) {
	ifaces, err := net.Interfaces()
	if err != nil {
		logging.Warn().Err(err).Msg("failed to enumerate network interfaces")
		return "", false
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		if isVirtual(iface.Name) {
			continue
		}
		return iface.HardwareAddr.String(), true
	}
	return "", false
}

func isVirtual(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range virtualPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// compositeDescriptor joins host and CPU descriptors into one string.
func compositeDescriptor(ctx context.Context) (string, bool) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to read host info")
		return "", false
	}

	parts := []string{info.HostID, info.Hostname, info.Platform, info.PlatformVersion, info.KernelArch}

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		parts = append(parts, cpus[0].ModelName)
	}

	joined := strings.Join(parts, "|")
	if strings.Trim(joined, "|") == "" {
		return "", false
	}
	return joined, true
}
