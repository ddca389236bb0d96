// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storetone/storetone/internal/config"
	"github.com/storetone/storetone/internal/logging"
	"github.com/storetone/storetone/internal/models"
)

// Server exposes the relay websocket endpoint plus health and metrics.
type Server struct {
	cfg      config.RelayConfig
	hub      *Hub
	auth     Authorizer
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

func NewServer(cfg config.RelayConfig, hub *Hub, auth Authorizer) *Server {
	s := &Server{
		cfg:  cfg,
		hub:  hub,
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
	headerTimeout := cfg.Timeout
	if headerTimeout <= 0 {
		headerTimeout = 10 * time.Second
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           s.routes(),
		ReadHeaderTimeout: headerTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Group(func(r chi.Router) {
		if s.cfg.RateLimitReqs > 0 {
			r.Use(httprate.LimitByIP(s.cfg.RateLimitReqs, s.cfg.RateLimitWindow))
		}
		r.Get("/ws", s.serveWS)
	})

	r.Get("/healthz", s.serveHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// serveWS upgrades the connection, runs the authenticate handshake and
// attaches the socket to the hub.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	token, ok := handshake(r.Context(), conn, s.auth)
	if !ok {
		logging.Warn().Str("remote", r.RemoteAddr).Msg("socket authentication failed")
		_ = conn.Close()
		return
	}

	client := &Client{
		hub:   s.hub,
		conn:  conn,
		token: token,
		send:  make(chan models.RelayMessage, sendBufferSize),
	}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	logging.Info().Str("addr", s.cfg.ListenAddr()).Msg("relay server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight HTTP requests. Hub sockets close when the hub's
// context is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// originChecker allows same-host upgrades plus the configured origins.
// A "*" entry allows everything.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}
