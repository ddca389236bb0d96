// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

// Package token owns the device token lifecycle: idempotent minting against
// the backend row store and fail-closed validation.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/storetone/storetone/internal/backend"
	"github.com/storetone/storetone/internal/logging"
	"github.com/storetone/storetone/internal/models"
)

// tokenBytes is the random material per token; hex-encoded to a 32-char
// opaque string.
const tokenBytes = 16

// Validity is how long a freshly minted token lives.
const Validity = 365 * 24 * time.Hour

// Service mints and validates device tokens against the backend row store.
type Service struct {
	coord   backend.Coordinator
	timeNow func() time.Time
}

// NewService creates a token service.
func NewService(coord backend.Coordinator) *Service {
	return &Service{coord: coord, timeNow: time.Now}
}

// RequestToken returns the device's token, minting one on first run.
// Idempotent: while an Active, unexpired token exists for the fingerprint,
// repeated calls return that same token unchanged.
func (s *Service) RequestToken(ctx context.Context, fingerprint string) (*models.DeviceToken, error) {
	now := s.timeNow()

	existing, err := s.coord.FindActiveToken(ctx, fingerprint)
	switch {
	case err == nil:
		if existing.IsValid(now) {
			return existing, nil
		}
		logging.Info().
			Str("fingerprint", fingerprint).
			Time("expired_at", existing.ExpiresAt).
			Msg("stored token expired, minting replacement")
	case errors.Is(err, backend.ErrTokenNotFound):
		// First run for this fingerprint.
	default:
		return nil, fmt.Errorf("look up token: %w", err)
	}

	minted, err := mint(fingerprint, now)
	if err != nil {
		return nil, err
	}
	if err := s.coord.UpsertToken(ctx, minted); err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}

	logging.Info().
		Str("fingerprint", fingerprint).
		Time("expires_at", minted.ExpiresAt).
		Msg("minted device token")
	return minted, nil
}

// Validate reports whether token+fingerprint name an Active, unexpired row.
// Any lookup error is treated as invalid (fail closed).
func (s *Service) Validate(ctx context.Context, token, fingerprint string) bool {
	row, err := s.coord.FindByToken(ctx, token)
	if err != nil {
		if !errors.Is(err, backend.ErrTokenNotFound) {
			logging.Warn().Err(err).Msg("token lookup failed, treating as invalid")
		}
		return false
	}
	return row.Fingerprint == fingerprint && row.IsValid(s.timeNow())
}

// Authorize reports whether a bare token names an Active, unexpired row.
// Used by the relay, which never sees fingerprints. Fail closed.
func (s *Service) Authorize(ctx context.Context, token string) bool {
	row, err := s.coord.FindByToken(ctx, token)
	if err != nil {
		if !errors.Is(err, backend.ErrTokenNotFound) {
			logging.Warn().Err(err).Msg("token lookup failed, treating as invalid")
		}
		return false
	}
	return row.IsValid(s.timeNow())
}

// mint builds a fresh Active token row.
func mint(fingerprint string, now time.Time) (*models.DeviceToken, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate token material: %w", err)
	}
	return &models.DeviceToken{
		Token:       hex.EncodeToString(buf),
		Fingerprint: fingerprint,
		Status:      models.TokenActive,
		CreatedAt:   now,
		ExpiresAt:   now.Add(Validity),
	}, nil
}
