// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

package backend

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/storetone/storetone/internal/logging"
	"github.com/storetone/storetone/internal/metrics"
	"github.com/storetone/storetone/internal/models"
)

// CircuitBreakerCoordinator wraps a Coordinator with a circuit breaker so a
// slow or unreachable backend does not pile up blocked callers inside the
// player. Opens after a 60% failure rate with at least 10 requests in the
// window; half-open after 2 minutes.
type CircuitBreakerCoordinator struct {
	inner Coordinator
	cb    *gobreaker.CircuitBreaker[any]
	name  string
}

// NewCircuitBreakerCoordinator wraps the given coordinator.
func NewCircuitBreakerCoordinator(inner Coordinator) *CircuitBreakerCoordinator {
	cbName := "backend-api"

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		// A missing token or playlist row is a valid answer, not a
		// backend failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrTokenNotFound) || errors.Is(err, ErrPlaylistNotFound)
		},

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6
			if shouldTrip {
				logging.Warn().
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", failureRatio*100).
					Msg("opening backend circuit")
			}
			return shouldTrip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("backend circuit state transition")
			metrics.BackendCircuitState.Set(stateToFloat(to))
		},
	})

	return &CircuitBreakerCoordinator{inner: inner, cb: cb, name: cbName}
}

func (c *CircuitBreakerCoordinator) execute(fn func() (any, error)) (any, error) {
	result, err := c.cb.Execute(fn)
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
			metrics.BackendRequests.WithLabelValues("rejected").Inc()
			logging.Warn().Str("breaker", c.name).Err(err).Msg("backend request rejected by circuit breaker")
		case errors.Is(err, ErrTokenNotFound), errors.Is(err, ErrPlaylistNotFound):
			metrics.BackendRequests.WithLabelValues("success").Inc()
		default:
			metrics.BackendRequests.WithLabelValues("failure").Inc()
		}
		return nil, err
	}
	metrics.BackendRequests.WithLabelValues("success").Inc()
	return result, nil
}

// FindActiveToken delegates with circuit breaker protection.
func (c *CircuitBreakerCoordinator) FindActiveToken(ctx context.Context, fingerprint string) (*models.DeviceToken, error) {
	result, err := c.execute(func() (any, error) {
		return c.inner.FindActiveToken(ctx, fingerprint)
	})
	if err != nil {
		return nil, err
	}
	token, ok := result.(*models.DeviceToken)
	if !ok {
		return nil, errors.New("circuit breaker: unexpected result type")
	}
	return token, nil
}

// FindByToken delegates with circuit breaker protection.
func (c *CircuitBreakerCoordinator) FindByToken(ctx context.Context, token string) (*models.DeviceToken, error) {
	result, err := c.execute(func() (any, error) {
		return c.inner.FindByToken(ctx, token)
	})
	if err != nil {
		return nil, err
	}
	row, ok := result.(*models.DeviceToken)
	if !ok {
		return nil, errors.New("circuit breaker: unexpected result type")
	}
	return row, nil
}

// UpsertToken delegates with circuit breaker protection.
func (c *CircuitBreakerCoordinator) UpsertToken(ctx context.Context, token *models.DeviceToken) error {
	_, err := c.execute(func() (any, error) {
		return nil, c.inner.UpsertToken(ctx, token)
	})
	return err
}

// UpsertPresence delegates with circuit breaker protection.
func (c *CircuitBreakerCoordinator) UpsertPresence(ctx context.Context, record *models.PresenceRecord) error {
	_, err := c.execute(func() (any, error) {
		return nil, c.inner.UpsertPresence(ctx, record)
	})
	return err
}

// FetchPlaylist delegates with circuit breaker protection.
func (c *CircuitBreakerCoordinator) FetchPlaylist(ctx context.Context, playlistID string) (*models.PlaylistManifest, error) {
	result, err := c.execute(func() (any, error) {
		return c.inner.FetchPlaylist(ctx, playlistID)
	})
	if err != nil {
		return nil, err
	}
	manifest, ok := result.(*models.PlaylistManifest)
	if !ok {
		return nil, errors.New("circuit breaker: unexpected result type")
	}
	return manifest, nil
}

// MarkSyncCompleted delegates with circuit breaker protection.
func (c *CircuitBreakerCoordinator) MarkSyncCompleted(ctx context.Context, playlistID, deviceToken string, completedAt time.Time) error {
	_, err := c.execute(func() (any, error) {
		return nil, c.inner.MarkSyncCompleted(ctx, playlistID, deviceToken, completedAt)
	})
	return err
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
