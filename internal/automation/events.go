package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
)

const (
	// ContactEventsTopic carries every contact domain event.
	ContactEventsTopic = "sequence-engine.contact-events"

	eventTypeMetadataKey = "event_type"
	eventKeyMetadataKey  = "contact_id"
)

// ContactHandler reacts to contact domain events. *Listener implements it.
type ContactHandler interface {
	OnContactCreated(ctx context.Context, c domain.Contact) (Result, error)
	OnKeywordJoin(ctx context.Context, c domain.Contact, keyword string) (Result, error)
	OnStageChange(ctx context.Context, c domain.Contact, stage string) (Result, error)
}

// EventBus publishes and consumes contact domain events over watermill.
type EventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	wg         sync.WaitGroup
}

// NewEventBus wraps an existing publisher/subscriber pair.
func NewEventBus(pub message.Publisher, sub message.Subscriber) *EventBus {
	return &EventBus{publisher: pub, subscriber: sub}
}

// NewGoChannelBus returns an in-process bus. With blocking set, Publish
// waits until the subscriber acked, which keeps tests deterministic.
func NewGoChannelBus(blocking bool) *EventBus {
	cfg := gochannel.Config{
		OutputChannelBuffer:            1000,
		BlockPublishUntilSubscriberAck: blocking,
	}
	if blocking {
		cfg.OutputChannelBuffer = 10
	}
	pubSub := gochannel.NewGoChannel(cfg, NewWatermillLogger())
	return NewEventBus(pubSub, pubSub)
}

// NewKafkaBus connects to Kafka with the given consumer group.
func NewKafkaBus(brokers []string, consumerGroup string) (*EventBus, error) {
	if len(brokers) == 0 || brokers[0] == "" {
		return nil, fmt.Errorf("kafka event bus: no brokers configured")
	}
	wlog := NewWatermillLogger()

	subCfg := kafka.DefaultSaramaSubscriberConfig()
	subCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	sub, err := kafka.NewSubscriber(kafka.SubscriberConfig{
		Brokers:               brokers,
		Unmarshaler:           kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: subCfg,
		ConsumerGroup:         consumerGroup,
	}, wlog)
	if err != nil {
		return nil, fmt.Errorf("kafka subscriber: %w", err)
	}

	pubCfg := sarama.NewConfig()
	pubCfg.Producer.Return.Successes = true
	pub, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers:               brokers,
		Marshaler:             kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: pubCfg,
	}, wlog)
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	return NewEventBus(pub, sub), nil
}

// Publish emits a contact event. An empty ID is filled in.
func (b *EventBus) Publish(_ context.Context, ev domain.ContactEvent) error {
	if ev.ID == "" {
		ev.ID = watermill.NewULID()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal contact event: %w", err)
	}
	msg := message.NewMessage(ev.ID, payload)
	msg.Metadata.Set(eventTypeMetadataKey, string(ev.Type))
	msg.Metadata.Set(eventKeyMetadataKey, ev.Contact.ID)
	return b.publisher.Publish(ContactEventsTopic, msg)
}

// Subscribe starts consuming contact events into h until ctx is done.
// A handler error nacks the message for redelivery; enrollment is
// idempotent so replays are harmless. Undecodable messages are acked and
// logged.
func (b *EventBus) Subscribe(ctx context.Context, h ContactHandler) error {
	messages, err := b.subscriber.Subscribe(ctx, ContactEventsTopic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ContactEventsTopic, err)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range messages {
			b.handle(msg.Context(), msg, h)
		}
	}()
	return nil
}

func (b *EventBus) handle(ctx context.Context, msg *message.Message, h ContactHandler) {
	var ev domain.ContactEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		logger.Error("contact event: bad payload", "message_id", msg.UUID, "error", err)
		msg.Ack()
		return
	}
	if ev.Type == "" {
		ev.Type = domain.ContactEventType(msg.Metadata.Get(eventTypeMetadataKey))
	}

	var (
		res Result
		err error
	)
	switch ev.Type {
	case domain.ContactCreated:
		res, err = h.OnContactCreated(ctx, ev.Contact)
	case domain.ContactKeywordJoined:
		res, err = h.OnKeywordJoin(ctx, ev.Contact, ev.Keyword)
	case domain.ContactStageChanged:
		res, err = h.OnStageChange(ctx, ev.Contact, ev.Stage)
	default:
		logger.Warn("contact event: unknown type", "message_id", msg.UUID, "type", ev.Type)
		msg.Ack()
		return
	}
	if err != nil {
		logger.Error("contact event: handler failed", "message_id", msg.UUID, "type", ev.Type, "error", err)
		msg.Nack()
		return
	}
	logger.Debug("contact event handled", "type", ev.Type, "contact_id", ev.Contact.ID,
		"enrolled", res.Enrolled, "skipped", res.Skipped)
	msg.Ack()
}

// Close shuts down the publisher and subscriber and waits for the
// consumer loop to drain.
func (b *EventBus) Close() error {
	if err := b.publisher.Close(); err != nil {
		return err
	}
	if any(b.subscriber) != any(b.publisher) {
		if err := b.subscriber.Close(); err != nil {
			return err
		}
	}
	b.wg.Wait()
	return nil
}

// watermillLogger routes watermill's logging into the service logger.
type watermillLogger struct {
	fields watermill.LogFields
}

// NewWatermillLogger returns a watermill.LoggerAdapter backed by logger.
func NewWatermillLogger() watermill.LoggerAdapter {
	return watermillLogger{}
}

func (w watermillLogger) kv(extra watermill.LogFields) []interface{} {
	all := w.fields.Add(extra)
	out := make([]interface{}, 0, len(all)*2)
	for k, v := range all {
		out = append(out, k, v)
	}
	return out
}

func (w watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	logger.Error("watermill: "+msg, append(w.kv(fields), "error", err)...)
}

func (w watermillLogger) Info(msg string, fields watermill.LogFields) {
	logger.Info("watermill: "+msg, w.kv(fields)...)
}

func (w watermillLogger) Debug(msg string, fields watermill.LogFields) {
	logger.Debug("watermill: "+msg, w.kv(fields)...)
}

func (w watermillLogger) Trace(msg string, fields watermill.LogFields) {
	logger.Debug("watermill: "+msg, w.kv(fields)...)
}

func (w watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{fields: w.fields.Add(fields)}
}
