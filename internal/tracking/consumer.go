package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
	"github.com/ignite/sequence-engine/internal/service/enrollment"
)

// SQSAPI is the subset of the SQS client used by the consumer and publisher.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// EventHandler applies a delivery report.
type EventHandler interface {
	Handle(ctx context.Context, ev domain.DeliveryEvent) error
}

// Consumer long-polls a queue of delivery reports.
type Consumer struct {
	client     SQSAPI
	queueURL   string
	handler    EventHandler
	waitTime   int32
	errorPause time.Duration
	done       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewConsumer creates a consumer for queueURL.
func NewConsumer(client SQSAPI, queueURL string, handler EventHandler) *Consumer {
	return &Consumer{
		client:     client,
		queueURL:   queueURL,
		handler:    handler,
		waitTime:   20,
		errorPause: 5 * time.Second,
		done:       make(chan struct{}),
	}
}

// Start begins polling in the background.
func (c *Consumer) Start(ctx context.Context) {
	logger.Info("delivery report consumer started", "queue", c.queueURL)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.poll(ctx)
	}()
}

// Stop ends polling and waits for the in-flight batch.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Consumer) poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}
		if err := c.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("sqs receive failed", "queue", c.queueURL, "error", err)
			select {
			case <-time.After(c.errorPause):
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}
	}
}

// PollOnce receives and processes a single batch. Messages are deleted
// once handled, or when they can never be handled; anything else stays
// on the queue for redelivery.
func (c *Consumer) PollOnce(ctx context.Context) error {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     c.waitTime,
	})
	if err != nil {
		return err
	}
	for _, msg := range out.Messages {
		if c.process(ctx, aws.ToString(msg.Body)) {
			c.deleteMessage(ctx, msg.ReceiptHandle)
		}
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, body string) bool {
	events, err := ParseMessage([]byte(body))
	if errors.Is(err, ErrNotTracked) {
		return true
	}
	if err != nil {
		logger.Warn("sqs: undecodable delivery report dropped", "error", err)
		return true
	}
	for _, ev := range events {
		err := c.handler.Handle(ctx, ev)
		switch {
		case err == nil:
		case domain.IsValidation(err), errors.Is(err, enrollment.ErrNotFound):
			logger.Warn("sqs: delivery report dropped", "event", ev.Type,
				"enrollment_id", ev.EnrollmentID, "error", err)
		default:
			logger.Error("sqs: delivery report failed", "event", ev.Type,
				"enrollment_id", ev.EnrollmentID, "error", err)
			return false
		}
	}
	return true
}

func (c *Consumer) deleteMessage(ctx context.Context, handle *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	})
	if err != nil {
		logger.Error("sqs delete failed", "queue", c.queueURL, "error", err)
	}
}
