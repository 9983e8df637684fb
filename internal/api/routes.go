package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/sequence-engine/internal/pkg/httputil"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, opts Options) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	r.With(bearerToken(opts.WebhookToken)).Post("/webhooks/delivery", h.DeliveryWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sequences", func(r chi.Router) {
			r.Get("/", h.ListSequences)
			r.Post("/", h.CreateSequence)

			r.Route("/{sequenceID}", func(r chi.Router) {
				r.Get("/", h.GetSequence)
				r.Put("/", h.UpdateSequence)
				r.Delete("/", h.DeleteSequence)

				r.Post("/activate", h.ActivateSequence)
				r.Post("/pause", h.PauseSequence)
				r.Post("/archive", h.ArchiveSequence)

				r.Post("/steps", h.AddStep)
				r.Post("/steps/reorder", h.ReorderSteps)
				r.Put("/steps/{stepID}", h.UpdateStep)
				r.Delete("/steps/{stepID}", h.DeleteStep)

				r.Post("/enrollments", h.EnrollContacts)
				r.Get("/enrollments", h.ListEnrollments)
				r.Get("/performance", h.StepPerformance)
			})
		})

		r.Get("/enrollments/{enrollmentID}", h.GetEnrollment)
		r.Post("/enrollments/{enrollmentID}/stop", h.StopEnrollment)

		r.Post("/events/contacts", h.PublishContactEvent)
	})

	return r
}

// requestLogger logs one line per request through the service logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/health" {
			return
		}
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// bearerToken rejects requests without the configured token. An empty
// token disables the check.
func bearerToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != token {
				httputil.Problem(w, r, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
