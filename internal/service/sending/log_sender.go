package sending

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
)

// LogSender accepts every message and only logs it. It backs channels
// without a configured provider in local runs.
type LogSender struct{}

func (LogSender) Send(_ context.Context, msg *domain.OutboundMessage) (*domain.SendResult, error) {
	id := "dry-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(msg.IdempotencyKey)).String()
	logger.Info("dry-run send",
		"channel", msg.Channel,
		"to", msg.To,
		"enrollment_id", msg.EnrollmentID,
		"step", msg.StepOrder,
		"message_id", id)
	return &domain.SendResult{Accepted: true, MessageID: id, SentAt: time.Now().UTC()}, nil
}
