// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/noldarim/caroni/internal/config"
	"github.com/noldarim/caroni/internal/orchestrator/services"
	"github.com/noldarim/caroni/internal/protocol"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server is the REST + WebSocket API server.
type Server struct {
	httpServer  *http.Server
	broadcaster *EventBroadcaster
	hub         *Hub
}

// New creates and wires up the API server. It does NOT start listening -
// call Run() for that. metricsHandler may be nil.
func New(
	cfg *config.ServerConfig,
	eventChan <-chan protocol.Event,
	dataService *services.DataService,
	runner services.WorkflowRunner,
	metricsHandler http.Handler,
) *Server {
	hub := NewHub()
	broadcaster := NewEventBroadcaster(eventChan, hub)
	handlers := NewHandlers(dataService, runner)

	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(AccessLog)
	r.Use(Recovery)
	r.Use(CORS(cfg.AllowedOrigins))
	r.Use(middleware.RequestSize(1 << 20))

	r.Get("/healthz", handlers.Healthz)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	// REST routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/templates", handlers.GetTemplates)
		r.Post("/templates", handlers.CreateTemplate)
		r.Get("/templates/{name}", handlers.GetTemplate)

		r.Get("/workflows", handlers.GetWorkflows)
		r.Post("/workflows", handlers.CreateWorkflow)
		r.Get("/workflows/{id}", handlers.GetWorkflow)
		r.Post("/workflows/{id}/fail", handlers.FailWorkflow)
	})

	// WebSocket
	r.Get("/ws", ServeEvents(hub, cfg.AllowedOrigins))

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		broadcaster: broadcaster,
		hub:         hub,
	}
}

// Run starts the event broadcaster goroutine and the HTTP server.
// Blocks until the server is shut down or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		const maxRetries = 3
		for attempt := 1; attempt <= maxRetries; attempt++ {
			func() {
				defer func() {
					if r := recover(); r != nil {
						getLog().Error().Interface("panic", r).Int("attempt", attempt).Msg("Event broadcaster panic")
					}
				}()
				s.broadcaster.Run(ctx)
			}()

			// Normal return (context cancelled): exit without retry.
			if ctx.Err() != nil {
				return
			}

			if attempt < maxRetries {
				getLog().Warn().Int("attempt", attempt).Msg("Restarting event broadcaster after panic")
				time.Sleep(1 * time.Second)
			}
		}
		getLog().Error().Msg("Event broadcaster exhausted retries - events will no longer be dispatched")
	}()

	getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler returns the router, for serving without Run (e.g. under httptest)
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
