package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/hanko-field/storefront/internal/domain"
)

const (
	defaultCollection = "checkoutReconciliations"
	statusOpen        = "open"
)

type caseDocument struct {
	SessionID        string    `firestore:"sessionId"`
	AttemptKey       string    `firestore:"attemptKey"`
	PaymentReference string    `firestore:"paymentReference"`
	UserID           string    `firestore:"userId,omitempty"`
	Email            string    `firestore:"email,omitempty"`
	Amount           string    `firestore:"amount"`
	Currency         string    `firestore:"currency"`
	Reason           string    `firestore:"reason"`
	TimedOut         bool      `firestore:"timedOut"`
	Status           string    `firestore:"status"`
	OccurredAt       time.Time `firestore:"occurredAt"`
	RecordedAt       time.Time `firestore:"recordedAt"`
}

// FirestoreRecorder persists reconciliation cases in a Firestore collection.
type FirestoreRecorder struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

// NewFirestoreRecorder constructs a recorder writing to collection.
func NewFirestoreRecorder(client *firestore.Client, collection string, clock func() time.Time) (*FirestoreRecorder, error) {
	if client == nil {
		return nil, errors.New("reconciliation: firestore client is required")
	}
	if strings.TrimSpace(collection) == "" {
		collection = defaultCollection
	}
	if clock == nil {
		clock = time.Now
	}
	return &FirestoreRecorder{
		client:     client,
		collection: collection,
		now: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// Record implements Sink.
func (r *FirestoreRecorder) Record(ctx context.Context, c domain.ReconciliationCase) error {
	id := caseID(c)
	if id == "" {
		return errors.New("reconciliation: case has no attempt key or payment reference")
	}
	doc := caseDocument{
		SessionID:        c.SessionID,
		AttemptKey:       c.AttemptKey,
		PaymentReference: c.PaymentReference,
		UserID:           c.UserID,
		Email:            c.Email,
		Amount:           c.Amount.StringFixed(domain.CurrencyPlaces(c.Currency)),
		Currency:         c.Currency,
		Reason:           c.Reason,
		TimedOut:         c.TimedOut,
		Status:           statusOpen,
		OccurredAt:       c.OccurredAt.UTC(),
		RecordedAt:       r.now(),
	}
	if _, err := r.client.Collection(r.collection).Doc(id).Set(ctx, doc); err != nil {
		return fmt.Errorf("reconciliation: store case %s: %w", id, err)
	}
	return nil
}
