package sending

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/sequence-engine/internal/domain"
)

func TestRouter(t *testing.T) {
	var got []domain.Channel
	record := SenderFunc(func(_ context.Context, msg *domain.OutboundMessage) (*domain.SendResult, error) {
		got = append(got, msg.Channel)
		return &domain.SendResult{Accepted: true}, nil
	})
	r := NewRouter().Register(domain.ChannelSMS, record)
	ctx := context.Background()

	res, err := r.Send(ctx, &domain.OutboundMessage{Channel: domain.ChannelSMS})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, []domain.Channel{domain.ChannelSMS}, got)

	_, err = r.Send(ctx, &domain.OutboundMessage{Channel: domain.ChannelEmail})
	assert.ErrorIs(t, err, ErrNoSender)
}

func TestLogSender_StableMessageID(t *testing.T) {
	msg := &domain.OutboundMessage{Channel: domain.ChannelEmail, To: "a@b.c", IdempotencyKey: "e1:1"}
	first, err := LogSender{}.Send(context.Background(), msg)
	require.NoError(t, err)
	second, err := LogSender{}.Send(context.Background(), msg)
	require.NoError(t, err)

	assert.True(t, first.Accepted)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Contains(t, first.MessageID, "dry-")
}
