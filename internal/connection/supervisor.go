// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

// Package connection maintains the player's websocket session to the relay,
// reconnecting with exponential backoff and surfacing inbound frames as
// typed events.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/storetone/storetone/internal/config"
	"github.com/storetone/storetone/internal/logging"
	"github.com/storetone/storetone/internal/metrics"
	"github.com/storetone/storetone/internal/models"
)

// State is the supervisor's connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	handshakeTimeout = 15 * time.Second
	eventBufferSize  = 16
)

// ErrAuthRejected means the relay refused the device token. Retrying with
// the same token cannot succeed, so the supervisor fails immediately.
var ErrAuthRejected = errors.New("relay rejected device token")

// Event is an inbound occurrence on the relay session. Consumers switch on
// the concrete type.
type Event interface{ isEvent() }

// Connected fires after the authenticate handshake succeeds.
type Connected struct{}

// Disconnected fires when an established session drops. The supervisor is
// already scheduling a reconnect when this is delivered.
type Disconnected struct{ Err error }

// SyncRequested carries a playlist pushed over the socket.
type SyncRequested struct{ Playlist models.PlaylistManifest }

// GaveUp fires once when the retry budget is exhausted or the token is
// rejected. The supervisor is in StateFailed and will not dial again until
// Connect is called anew.
type GaveUp struct {
	Attempts int
	Err      error
}

func (Connected) isEvent()     {}
func (Disconnected) isEvent()  {}
func (SyncRequested) isEvent() {}
func (GaveUp) isEvent()        {}

// Supervisor owns one relay session. Connect starts it, Disconnect tears it
// down; both are idempotent.
type Supervisor struct {
	cfg   config.ConnectionConfig
	token string
	dial  func(ctx context.Context, url string) (*websocket.Conn, error)

	events chan Event

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	done    chan struct{}
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewSupervisor(cfg config.ConnectionConfig, token string) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		token:  token,
		dial:   dialWebsocket,
		events: make(chan Event, eventBufferSize),
		state:  StateDisconnected,
	}
}

func dialWebsocket(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// Events delivers typed inbound events. The channel stays open across
// reconnects and across Connect/Disconnect cycles.
func (s *Supervisor) Events() <-chan Event { return s.events }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect starts the session loop. Calling Connect while a loop is running
// is a no-op; calling it after Failed starts a fresh loop with a reset
// retry budget.
func (s *Supervisor) Connect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.setStateLocked(StateConnecting)

	go s.run(loopCtx, s.done)
}

// Disconnect stops the session loop, aborting any pending retry timer, and
// waits for it to exit.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	conn := s.conn
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done

	s.mu.Lock()
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()
}

// Send writes a frame on the live session.
func (s *Supervisor) Send(msg models.RelayMessage) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// run dials, authenticates and pumps the session, redialing with exponential
// backoff until the attempt budget runs out. The attempt counter resets on
// every successful authentication.
func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.ReconnectBaseDelay
	policy.MaxInterval = s.cfg.ReconnectMaxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.connectOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrAuthRejected) {
				s.fail(GaveUp{Attempts: attempts + 1, Err: err})
				return
			}
			attempts++
			metrics.ReconnectAttempts.Inc()
			if s.cfg.ReconnectMaxAttempts > 0 && attempts >= s.cfg.ReconnectMaxAttempts {
				s.fail(GaveUp{Attempts: attempts, Err: err})
				return
			}
			delay := policy.NextBackOff()
			logging.Warn().
				Err(err).
				Int("attempt", attempts).
				Dur("retry_in", delay).
				Msg("relay connection failed")
			s.setState(StateReconnecting)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempts = 0
		policy.Reset()
		s.setState(StateConnected)
		s.emit(ctx, Connected{})
		logging.Info().Str("relay", s.cfg.RelayURL).Msg("relay session established")

		err = s.pump(ctx, conn)
		s.clearConn(conn)
		if ctx.Err() != nil {
			return
		}
		s.setState(StateReconnecting)
		s.emit(ctx, Disconnected{Err: err})
		logging.Warn().Err(err).Msg("relay session dropped")
	}
}

// connectOnce dials and performs the authenticate handshake.
func (s *Supervisor) connectOnce(ctx context.Context) (*websocket.Conn, error) {
	s.setState(StateConnecting)

	conn, err := s.dial(ctx, s.cfg.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	auth, err := models.NewRelayMessage(models.MessageTypeAuthenticate,
		models.AuthenticatePayload{Token: s.token})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(auth); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send authenticate: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var reply models.RelayMessage
	if err := conn.ReadJSON(&reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read auth reply: %w", err)
	}

	switch reply.Type {
	case models.MessageTypeAuthSuccess:
	case models.MessageTypeError:
		_ = conn.Close()
		var ep models.ErrorPayload
		_ = reply.DecodePayload(&ep)
		return nil, fmt.Errorf("%w: %s", ErrAuthRejected, ep.Message)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected %s frame during handshake", reply.Type)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return conn, nil
}

// pump reads frames until the session breaks. A ping keepalive runs
// alongside the reader.
func (s *Supervisor) pump(ctx context.Context, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				s.writeMu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				s.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg models.RelayMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		s.dispatch(ctx, msg)
	}
}

func (s *Supervisor) dispatch(ctx context.Context, msg models.RelayMessage) {
	metrics.RelayMessages.WithLabelValues(msg.Type, "inbound").Inc()
	switch msg.Type {
	case models.MessageTypeSyncPlaylist:
		var push models.SyncPushPayload
		if err := msg.DecodePayload(&push); err != nil {
			logging.Warn().Err(err).Msg("malformed sync push discarded")
			return
		}
		s.emit(ctx, SyncRequested{Playlist: push.Playlist})
	case models.MessageTypeError:
		var ep models.ErrorPayload
		_ = msg.DecodePayload(&ep)
		logging.Warn().Str("message", ep.Message).Msg("relay reported error")
	case models.MessageTypePresenceUpdate:
		// Fleet presence is operator-facing; players ignore it.
	default:
		logging.Debug().Str("type", msg.Type).Msg("unhandled relay frame")
	}
}

func (s *Supervisor) emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// fail marks the loop terminally failed and releases the Connect slot so a
// later Connect can start over with a fresh retry budget.
func (s *Supervisor) fail(ev GaveUp) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = nil
	s.done = nil
	s.setStateLocked(StateFailed)
	s.mu.Unlock()
	select {
	case s.events <- ev:
	default:
	}
	logging.Error().
		Err(ev.Err).
		Int("attempts", ev.Attempts).
		Msg("relay connection abandoned")
}

func (s *Supervisor) clearConn(conn *websocket.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.setStateLocked(st)
	s.mu.Unlock()
}

func (s *Supervisor) setStateLocked(st State) {
	s.state = st
	metrics.ConnectionState.Set(float64(st))
}
