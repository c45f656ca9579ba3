package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MetadataAttemptKey is the payment intent metadata key carrying the checkout attempt key.
const MetadataAttemptKey = "checkout_attempt"

// ReconciliationCase records a confirmed payment that has no matching order.
type ReconciliationCase struct {
	SessionID        string
	AttemptKey       string
	PaymentReference string
	UserID           string
	Email            string
	Amount           decimal.Decimal
	Currency         string
	Reason           string
	TimedOut         bool
	OccurredAt       time.Time
}
