// Package api exposes the sequence engine over HTTP: sequence and step
// CRUD, lifecycle transitions, enrollment, enrollment reporting and the
// inbound delivery webhook.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ignite/sequence-engine/internal/automation"
	"github.com/ignite/sequence-engine/internal/service/enrollment"
	"github.com/ignite/sequence-engine/internal/service/sequence"
)

// Deps are the services the API is built on. Delivery, Events and Health
// may be nil.
type Deps struct {
	Sequences   *sequence.Service
	Enrollments *enrollment.Service
	Listener    *automation.Listener
	Delivery    DeliveryReceiver
	Events      ContactPublisher
	Health      *HealthChecker
}

// Options tunes routing.
type Options struct {
	AllowedOrigins []string
	// WebhookToken, when set, must be sent as a Bearer token on the
	// delivery webhook.
	WebhookToken string
}

// Server represents the API server.
type Server struct {
	handler http.Handler
	router  *chi.Mux
	server  *http.Server
}

// NewServer wires the routes.
func NewServer(deps Deps, opts Options) *Server {
	h := &Handlers{
		sequences:   deps.Sequences,
		enrollments: deps.Enrollments,
		listener:    deps.Listener,
		delivery:    deps.Delivery,
		events:      deps.Events,
		health:      deps.Health,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		now:         time.Now,
	}
	router := SetupRoutes(h, opts)
	return &Server{handler: router, router: router}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers holds the HTTP handlers.
type Handlers struct {
	sequences   *sequence.Service
	enrollments *enrollment.Service
	listener    *automation.Listener
	delivery    DeliveryReceiver
	events      ContactPublisher
	health      *HealthChecker
	validate    *validator.Validate
	now         func() time.Time
}
