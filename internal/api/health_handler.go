package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/sequence-engine/internal/pkg/httputil"
	"github.com/ignite/sequence-engine/internal/worker"
)

// StatsProvider reports executor state. *worker.SequenceExecutor implements it.
type StatsProvider interface {
	Stats() worker.ExecutorStats
}

// HealthChecker pings the backing stores. Every field is optional.
type HealthChecker struct {
	DB       *sql.DB
	Redis    *redis.Client
	Executor StatsProvider
	Store    string
}

type componentHealth struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthCheck handles GET /health.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.health.ServeHTTP(w, r)
}

// ServeHTTP reports component health. Any failing dependency turns the
// response into a 503. A nil checker is always healthy.
func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}
	if hc == nil {
		httputil.OK(w, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	components := map[string]componentHealth{}
	if hc.DB != nil {
		components["database"] = pingComponent(ctx, hc.DB.PingContext)
	}
	if hc.Redis != nil {
		components["redis"] = pingComponent(ctx, func(ctx context.Context) error { return hc.Redis.Ping(ctx).Err() })
	}
	for _, c := range components {
		if c.Status != "healthy" {
			status = http.StatusServiceUnavailable
			resp["status"] = "unhealthy"
		}
	}
	if len(components) > 0 {
		resp["components"] = components
	}
	if hc.Store != "" {
		resp["store"] = hc.Store
	}
	if hc.Executor != nil {
		resp["executor"] = hc.Executor.Stats()
	}
	httputil.JSON(w, status, resp)
}

func pingComponent(ctx context.Context, ping func(context.Context) error) componentHealth {
	start := time.Now()
	err := ping(ctx)
	c := componentHealth{Status: "healthy", LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		c.Status = "unhealthy"
		c.Error = err.Error()
	}
	return c
}
