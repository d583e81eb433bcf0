package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/kkkkikiki/loyalty/internal/model"
)

// Kind names a notification event
type Kind string

const (
	KindDiscountIssued  Kind = "discount.issued"
	KindDiscountExpired Kind = "discount.expired"
)

// Event is handed to the messaging subsystem, which renders and delivers it
type Event struct {
	Kind         Kind               `json:"kind"`
	ClientID     string             `json:"client_id"`
	DiscountID   string             `json:"discount_id"`
	DiscountType model.DiscountType `json:"discount_type"`
	Amount       float64            `json:"amount"`
	OccurredAt   time.Time          `json:"occurred_at"`
}

// NewDiscountEvent builds an event for a discount transition
func NewDiscountEvent(kind Kind, d *model.Discount, at time.Time) Event {
	return Event{
		Kind:         kind,
		ClientID:     d.UserID,
		DiscountID:   d.ID,
		DiscountType: d.Type,
		Amount:       d.Amount,
		OccurredAt:   at,
	}
}

// Publisher delivers events fire-and-forget
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by client ID
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for the given brokers and topic
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish sends all events in one batch
func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs, err := toMessages(events)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write loyalty events: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func toMessages(events []Event) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal loyalty event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.ClientID),
			Value: value,
			Time:  e.OccurredAt,
			Headers: []kafka.Header{
				{Key: "kind", Value: []byte(e.Kind)},
			},
		})
	}
	return msgs, nil
}

// LogPublisher logs events instead of sending them; used when no brokers
// are configured
type LogPublisher struct {
	logger zerolog.Logger
}

// NewLogPublisher creates a publisher writing to logger
func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, events ...Event) error {
	for _, e := range events {
		p.logger.Info().
			Str("kind", string(e.Kind)).
			Str("client_id", e.ClientID).
			Str("discount_id", e.DiscountID).
			Str("discount_type", string(e.DiscountType)).
			Float64("amount", e.Amount).
			Msg("loyalty event")
	}
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ctx context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
