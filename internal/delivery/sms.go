package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/pkg/httpretry"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
)

// SMSConfig configures the HTTP SMS gateway.
type SMSConfig struct {
	Endpoint   string
	APIKey     string
	From       string
	MaxRetries int
	Timeout    time.Duration
}

// SMSSender posts SMS steps to an HTTP gateway as JSON.
type SMSSender struct {
	client httpretry.HTTPDoer
	cfg    SMSConfig
}

type smsRequest struct {
	To       string            `json:"to"`
	From     string            `json:"from,omitempty"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type smsResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// NewSMSSender creates an SMS sender. A nil client gets a retrying
// http.Client with the configured timeout.
func NewSMSSender(cfg SMSConfig, client httpretry.HTTPDoer) *SMSSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if client == nil {
		client = httpretry.NewRetryClient(&http.Client{Timeout: cfg.Timeout}, cfg.MaxRetries)
	}
	return &SMSSender{client: client, cfg: cfg}
}

// Send posts one message. 2xx is accepted, any other 4xx is a rejection,
// and 5xx or a network error after retries is a transport error.
func (s *SMSSender) Send(ctx context.Context, msg *domain.OutboundMessage) (*domain.SendResult, error) {
	if s.cfg.Endpoint == "" {
		return nil, fmt.Errorf("sms gateway endpoint not configured")
	}
	from := s.cfg.From
	if msg.FromAddress != "" && !strings.Contains(msg.FromAddress, "@") {
		from = msg.FromAddress
	}
	payload, err := json.Marshal(smsRequest{
		To:   msg.To,
		From: from,
		Body: msg.Body,
		Metadata: map[string]string{
			TagEnrollmentID: msg.EnrollmentID,
			TagSequenceID:   msg.SequenceID,
			TagContactID:    msg.ContactID,
			TagStepOrder:    fmt.Sprint(msg.StepOrder),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	if msg.IdempotencyKey != "" {
		req.Header.Set(httpretry.IdempotencyHeader, msg.IdempotencyKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var parsed smsResponse
	_ = json.Unmarshal(body, &parsed)
	now := time.Now().UTC()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		logger.Info("sms sent", "to", msg.To, "message_id", parsed.ID, "enrollment_id", msg.EnrollmentID)
		return &domain.SendResult{Accepted: true, MessageID: parsed.ID, SentAt: now}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		reason := firstNonEmpty(parsed.Error, parsed.Message, strings.TrimSpace(string(body)), resp.Status)
		logger.Warn("sms rejected", "to", msg.To, "status", resp.StatusCode, "reason", reason)
		return &domain.SendResult{Accepted: false, Reason: reason, SentAt: now}, nil
	default:
		return nil, fmt.Errorf("sms gateway: unexpected status %d", resp.StatusCode)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
