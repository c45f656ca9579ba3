package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/hanko-field/storefront/internal/domain"
)

// Message is the Pub/Sub payload announcing a reconciliation case.
type Message struct {
	SessionID        string    `json:"sessionId"`
	AttemptKey       string    `json:"attemptKey"`
	PaymentReference string    `json:"paymentReference"`
	UserID           string    `json:"userId,omitempty"`
	Email            string    `json:"email,omitempty"`
	Amount           string    `json:"amount"`
	Currency         string    `json:"currency"`
	Reason           string    `json:"reason"`
	TimedOut         bool      `json:"timedOut"`
	OccurredAt       time.Time `json:"occurredAt"`
}

// PubSubPublisher announces reconciliation cases on a Pub/Sub topic.
type PubSubPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubPublisher constructs a publisher for topic.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("reconciliation: pubsub topic is required")
	}
	return &PubSubPublisher{topic: topic, marshal: json.Marshal}, nil
}

// Record implements Sink.
func (p *PubSubPublisher) Record(ctx context.Context, c domain.ReconciliationCase) error {
	if p == nil || p.topic == nil {
		return errors.New("reconciliation: pubsub publisher not initialised")
	}
	data, err := p.marshal(Message{
		SessionID:        c.SessionID,
		AttemptKey:       c.AttemptKey,
		PaymentReference: c.PaymentReference,
		UserID:           c.UserID,
		Email:            c.Email,
		Amount:           c.Amount.StringFixed(domain.CurrencyPlaces(c.Currency)),
		Currency:         c.Currency,
		Reason:           c.Reason,
		TimedOut:         c.TimedOut,
		OccurredAt:       c.OccurredAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("reconciliation: marshal case: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "paymentReference", c.PaymentReference)
	setAttr(attrs, "attemptKey", c.AttemptKey)
	setAttr(attrs, "sessionId", c.SessionID)
	if c.TimedOut {
		attrs["timedOut"] = "true"
	}

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("reconciliation: publish case: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
