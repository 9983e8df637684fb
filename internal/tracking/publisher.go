package tracking

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/ignite/sequence-engine/internal/domain"
)

// Publisher enqueues delivery reports received on the webhook so they
// are applied by the consumer with SQS retry semantics.
type Publisher struct {
	client   SQSAPI
	queueURL string
}

// NewPublisher creates a publisher for queueURL.
func NewPublisher(client SQSAPI, queueURL string) *Publisher {
	return &Publisher{client: client, queueURL: queueURL}
}

// Enqueue sends one event. Unlike the consumer path this is synchronous:
// the webhook only acknowledges once the report is durable.
func (p *Publisher) Enqueue(ctx context.Context, ev domain.DeliveryEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal delivery event: %w", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event": {DataType: aws.String("String"), StringValue: aws.String(string(ev.Type))},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}
