// Package notify delivers user notifications about settlement activity.
// Delivery is best effort; callers log failures and move on.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type Type string

const (
	EscrowFunded            Type = "escrow.funded"
	EscrowDeliveryConfirmed Type = "escrow.delivery_confirmed"
	EscrowReleased          Type = "escrow.released"
	EscrowDisputed          Type = "escrow.disputed"

	BarterProposed          Type = "barter.proposed"
	BarterAccepted          Type = "barter.accepted"
	BarterDeclined          Type = "barter.declined"
	BarterCountered         Type = "barter.countered"
	BarterExpired           Type = "barter.expired"
	BarterDeliveryConfirmed Type = "barter.delivery_confirmed"
	BarterCompleted         Type = "barter.completed"
)

// Notifier is the fire-and-forget dispatcher contract.
type Notifier interface {
	Notify(ctx context.Context, userID string, typ Type, payload map[string]any) error
}

// Envelope is the message published for each notification.
type Envelope struct {
	ID         string         `json:"id"`
	UserID     string         `json:"userId"`
	Type       Type           `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes envelopes to one topic keyed by user id so a
// user's notifications stay ordered within a partition.
type KafkaNotifier struct {
	writer MessageWriter
	topic  string
	now    func() time.Time
}

func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("notify: kafka notifier requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("notify: kafka notifier requires a topic")
	}
	return NewKafkaNotifierWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}, topic), nil
}

// NewKafkaNotifierWithWriter wraps an existing writer.
func NewKafkaNotifierWithWriter(w MessageWriter, topic string) *KafkaNotifier {
	return &KafkaNotifier{writer: w, topic: topic, now: time.Now}
}

func (n *KafkaNotifier) Notify(ctx context.Context, userID string, typ Type, payload map[string]any) error {
	env := Envelope{
		ID:         uuid.NewString(),
		UserID:     userID,
		Type:       typ,
		Payload:    payload,
		OccurredAt: n.now().UTC(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("notify: encode envelope: %w", err)
	}
	if err := n.writer.WriteMessages(ctx, kafka.Message{
		Topic: n.topic,
		Key:   []byte(userID),
		Value: body,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(typ)},
		},
	}); err != nil {
		return fmt.Errorf("notify: publish %s: %w", typ, err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// LogNotifier writes notifications to the log. It is the fallback when no
// broker is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("module", "notify", "layer", "adapter")}
}

func (n *LogNotifier) Notify(ctx context.Context, userID string, typ Type, payload map[string]any) error {
	n.logger.InfoContext(ctx, "notification",
		"operation", "notify",
		"outcome", "logged",
		"user_id", userID,
		"type", string(typ),
		"payload", payload,
	)
	return nil
}
