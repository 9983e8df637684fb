// Package httpretry wraps outbound gateway calls with bounded retries,
// exponential backoff and full jitter.
//
// A retried send must never turn into a second message, so only replayable
// requests are retried on server errors and transport failures: idempotent
// methods, or any request carrying an Idempotency-Key header. Everything
// else is retried only on 429, which providers answer before doing work.
package httpretry

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/ignite/sequence-engine/internal/pkg/logger"
)

// IdempotencyHeader marks a request as safe to replay.
const IdempotencyHeader = "Idempotency-Key"

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Policy bounds the retry loop.
type Policy struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// RetryClient wraps an HTTPDoer with the retry policy.
type RetryClient struct {
	client HTTPDoer
	policy Policy
}

// NewRetryClient wraps client, or a 30s-timeout http.Client when nil.
// maxRetries <= 0 means 3.
func NewRetryClient(client HTTPDoer, maxRetries int) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RetryClient{client: client, policy: Policy{MaxRetries: maxRetries}.withDefaults()}
}

// WithBackoff overrides the base and maximum backoff delays and returns rc.
func (rc *RetryClient) WithBackoff(base, max time.Duration) *RetryClient {
	if base > 0 {
		rc.policy.BaseDelay = base
	}
	if max > 0 {
		rc.policy.MaxDelay = max
	}
	return rc
}

// Replayable reports whether req may be sent more than once.
func Replayable(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return req.Header.Get(IdempotencyHeader) != ""
}

// Do executes req, retrying as the package doc describes. When attempts
// run out on a retryable status the last response is returned as-is so
// the caller can read the provider's error body.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	replayable := Replayable(req)
	var (
		lastErr    error
		retryAfter time.Duration
	)

	for attempt := 0; attempt <= rc.policy.MaxRetries; attempt++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: reset request body: %w", err)
				}
				req.Body = body
			}
			delay := rc.backoff(attempt)
			if retryAfter > delay {
				delay = min(retryAfter, rc.policy.MaxDelay)
			}
			logger.Warn("httpretry: retrying", "attempt", attempt, "max_retries", rc.policy.MaxRetries,
				"method", req.Method, "host", req.URL.Host, "wait", delay)
			if err := sleep(req, delay); err != nil {
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, err
			}
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			// The provider may have acted on a request that failed mid-flight.
			if !replayable || req.Context().Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}

		if !shouldRetry(resp.StatusCode, replayable) || attempt == rc.policy.MaxRetries {
			return resp, nil
		}
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: server returned retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

func sleep(req *http.Request, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-req.Context().Done():
		return req.Context().Err()
	}
}

// backoff is full jitter over min(MaxDelay, BaseDelay * 2^(attempt-1)),
// floored at min(100ms, BaseDelay).
func (rc *RetryClient) backoff(attempt int) time.Duration {
	ceiling := math.Min(float64(rc.policy.BaseDelay)*math.Pow(2, float64(attempt-1)), float64(rc.policy.MaxDelay))
	d := time.Duration(rand.Float64() * ceiling)
	if floor := min(100*time.Millisecond, rc.policy.BaseDelay); d < floor {
		d = floor
	}
	return d
}

// shouldRetry: 429 always, 5xx gateway errors only when the request is
// replayable.
func shouldRetry(status int, replayable bool) bool {
	switch status {
	case http.StatusTooManyRequests:
		return true
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return replayable
	}
	return false
}

// parseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. Unparseable values yield zero.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
