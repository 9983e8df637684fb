package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/service/enrollment"
)

type fakeSQS struct {
	mu       sync.Mutex
	messages []types.Message
	deleted  []string
	sent     []*sqs.SendMessageInput
	recvErr  error
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	out := &sqs.ReceiveMessageOutput{Messages: f.messages}
	f.messages = nil
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

type recordingHandler struct {
	events []domain.DeliveryEvent
	errFor map[domain.DeliveryEventType]error
}

func (h *recordingHandler) Handle(_ context.Context, ev domain.DeliveryEvent) error {
	h.events = append(h.events, ev)
	return h.errFor[ev.Type]
}

func msg(handle, body string) types.Message {
	return types.Message{ReceiptHandle: aws.String(handle), Body: aws.String(body)}
}

const sesDelivery = `{
  "eventType": "Delivery",
  "mail": {
    "messageId": "ses-1",
    "timestamp": "2026-03-01T10:00:00Z",
    "tags": {"enrollment_id": ["enr-1"], "contact_id": ["c-1"], "step_order": ["2"]}
  },
  "delivery": {"timestamp": "2026-03-01T10:00:05Z"}
}`

func TestParseMessage_EngineEvent(t *testing.T) {
	events, err := ParseMessage([]byte(`{"enrollment_id":"enr-1","step_order":1,"event":"replied"}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.DeliveryReplied, events[0].Type)
	assert.Equal(t, 1, events[0].StepOrder)
}

func TestParseMessage_SESDelivery(t *testing.T) {
	events, err := ParseMessage([]byte(sesDelivery))
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, domain.DeliveryDelivered, ev.Type)
	assert.Equal(t, "enr-1", ev.EnrollmentID)
	assert.Equal(t, "c-1", ev.ContactID)
	assert.Equal(t, 2, ev.StepOrder)
	assert.Equal(t, "ses-1", ev.MessageID)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC), ev.OccurredAt.UTC())
}

func TestParseMessage_SNSEnvelope(t *testing.T) {
	inner := `{"eventType":"Complaint","mail":{"messageId":"ses-2","tags":{"enrollment_id":["enr-2"]}},"complaint":{"timestamp":"2026-03-02T00:00:00Z"}}`
	env, _ := json.Marshal(map[string]string{"Type": "Notification", "Message": inner})

	events, err := ParseMessage(env)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.DeliveryOptedOut, events[0].Type)
	assert.Equal(t, "enr-2", events[0].EnrollmentID)
}

func TestParseMessage_SESIgnoredKinds(t *testing.T) {
	soft := `{"eventType":"Bounce","mail":{"tags":{"enrollment_id":["enr-1"]}},"bounce":{"bounceType":"Transient"}}`
	events, err := ParseMessage([]byte(soft))
	require.NoError(t, err)
	assert.Empty(t, events)

	open := `{"eventType":"Open","mail":{"tags":{"enrollment_id":["enr-1"]}}}`
	events, err = ParseMessage([]byte(open))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestParseMessage_Untracked(t *testing.T) {
	_, err := ParseMessage([]byte(`{"eventType":"Delivery","mail":{"tags":{}}}`))
	assert.ErrorIs(t, err, ErrNotTracked)
}

func TestConsumer_PollOnce(t *testing.T) {
	q := &fakeSQS{messages: []types.Message{
		msg("h-ok", sesDelivery),
		msg("h-garbage", `not json`),
		msg("h-gone", `{"enrollment_id":"missing","event":"clicked"}`),
		msg("h-retry", `{"enrollment_id":"enr-3","event":"opted_out"}`),
	}}
	h := &recordingHandler{errFor: map[domain.DeliveryEventType]error{
		domain.DeliveryClicked:  enrollment.ErrNotFound,
		domain.DeliveryOptedOut: errors.New("db down"),
	}}
	c := NewConsumer(q, "queue", h)

	require.NoError(t, c.PollOnce(context.Background()))
	assert.ElementsMatch(t, []string{"h-ok", "h-garbage", "h-gone"}, q.deleted)
	assert.Len(t, h.events, 3)
}

func TestConsumer_StartStop(t *testing.T) {
	q := &fakeSQS{recvErr: errors.New("throttled")}
	c := NewConsumer(q, "queue", &recordingHandler{})
	c.errorPause = time.Millisecond
	c.Start(context.Background())
	time.Sleep(5 * time.Millisecond)
	c.Stop()
	c.Stop()
}

func TestPublisher_Enqueue(t *testing.T) {
	q := &fakeSQS{}
	p := NewPublisher(q, "queue")
	ev := domain.DeliveryEvent{EnrollmentID: "enr-1", StepOrder: 1, Type: domain.DeliveryDelivered}

	require.NoError(t, p.Enqueue(context.Background(), ev))
	require.Len(t, q.sent, 1)
	assert.Equal(t, "queue", aws.ToString(q.sent[0].QueueUrl))

	events, err := ParseMessage([]byte(aws.ToString(q.sent[0].MessageBody)))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev.EnrollmentID, events[0].EnrollmentID)
	assert.Equal(t, domain.DeliveryDelivered, events[0].Type)
}
