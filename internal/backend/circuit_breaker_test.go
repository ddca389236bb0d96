// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/storetone/storetone/internal/models"
)

// stubCoordinator returns canned results for every Coordinator method.
type stubCoordinator struct {
	token *models.DeviceToken
	err   error
	calls int
}

func (s *stubCoordinator) FindActiveToken(context.Context, string) (*models.DeviceToken, error) {
	s.calls++
	return s.token, s.err
}

func (s *stubCoordinator) FindByToken(context.Context, string) (*models.DeviceToken, error) {
	s.calls++
	return s.token, s.err
}

func (s *stubCoordinator) UpsertToken(context.Context, *models.DeviceToken) error {
	s.calls++
	return s.err
}

func (s *stubCoordinator) UpsertPresence(context.Context, *models.PresenceRecord) error {
	s.calls++
	return s.err
}

func (s *stubCoordinator) MarkSyncCompleted(context.Context, string, string, time.Time) error {
	s.calls++
	return s.err
}

func (s *stubCoordinator) FetchPlaylist(context.Context, string) (*models.PlaylistManifest, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &models.PlaylistManifest{ID: "pl-1"}, nil
}

func TestCircuitBreaker_DelegatesSuccess(t *testing.T) {
	stub := &stubCoordinator{token: &models.DeviceToken{Token: "tok-1"}}
	cb := NewCircuitBreakerCoordinator(stub)

	got, err := cb.FindActiveToken(context.Background(), "fp-1")
	if err != nil {
		t.Fatalf("FindActiveToken failed: %v", err)
	}
	if got.Token != "tok-1" {
		t.Errorf("token = %q", got.Token)
	}
	if err := cb.UpsertPresence(context.Background(), &models.PresenceRecord{}); err != nil {
		t.Fatalf("UpsertPresence failed: %v", err)
	}
}

func TestCircuitBreaker_MissingRowDoesNotTrip(t *testing.T) {
	stub := &stubCoordinator{err: ErrTokenNotFound}
	cb := NewCircuitBreakerCoordinator(stub)

	// Well past the trip threshold; every call must still reach the backend
	// because a missing row is a valid answer.
	for i := 0; i < 20; i++ {
		_, err := cb.FindActiveToken(context.Background(), "fp-1")
		if !errors.Is(err, ErrTokenNotFound) {
			t.Fatalf("call %d: err = %v, want ErrTokenNotFound", i, err)
		}
	}
	if stub.calls != 20 {
		t.Errorf("backend calls = %d, want 20 (circuit must stay closed)", stub.calls)
	}
}

func TestCircuitBreaker_MissingPlaylistDoesNotTrip(t *testing.T) {
	stub := &stubCoordinator{err: ErrPlaylistNotFound}
	cb := NewCircuitBreakerCoordinator(stub)

	for i := 0; i < 20; i++ {
		_, err := cb.FetchPlaylist(context.Background(), "pl-x")
		if !errors.Is(err, ErrPlaylistNotFound) {
			t.Fatalf("call %d: err = %v, want ErrPlaylistNotFound", i, err)
		}
	}
	if stub.calls != 20 {
		t.Errorf("backend calls = %d, want 20 (circuit must stay closed)", stub.calls)
	}
}

func TestCircuitBreaker_OpensOnFailureRate(t *testing.T) {
	stub := &stubCoordinator{err: errors.New("backend down")}
	cb := NewCircuitBreakerCoordinator(stub)

	// Drive the failure counter over the trip threshold.
	for i := 0; i < 10; i++ {
		_ = cb.UpsertToken(context.Background(), &models.DeviceToken{})
	}

	err := cb.UpsertToken(context.Background(), &models.DeviceToken{})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want ErrOpenState", err)
	}
	if stub.calls != 10 {
		t.Errorf("backend calls = %d, want 10 (open circuit rejects without calling)", stub.calls)
	}
}

func TestCircuitBreaker_ErrorsPropagate(t *testing.T) {
	wantErr := errors.New("backend down")
	stub := &stubCoordinator{err: wantErr}
	cb := NewCircuitBreakerCoordinator(stub)

	if err := cb.MarkSyncCompleted(context.Background(), "pl-1", "tok-1", time.Now()); !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want the backend error", err)
	}
}
