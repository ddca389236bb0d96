// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/storetone/storetone/internal/identity"
)

// TestStartupBannerFields locks the field types of the startup log line;
// the fingerprint source is a defined string type and must be converted
// before it is handed to the logger.
func TestStartupBannerFields(t *testing.T) {
	fp := identity.Fingerprint{Value: "aa:bb:cc:dd:ee:ff", Source: identity.SourceHardware}

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Info().
		Str("fingerprint", fp.Value).
		Str("source", string(fp.Source)).
		Str("device_id", identity.DeviceID(fp)).
		Msg("Starting Storetone player")

	out := buf.String()
	for _, want := range []string{
		`"fingerprint":"aa:bb:cc:dd:ee:ff"`,
		`"source":"hardware"`,
		`"device_id":"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("startup banner missing %s: %s", want, out)
		}
	}
}
