package idempotency

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultTTL is the default retention of ledger records.
const DefaultTTL = 24 * time.Hour

// Status represents the lifecycle state of a submission record.
type Status string

const (
	// StatusPending means a submission was started and has not resolved yet.
	StatusPending Status = "pending"
	// StatusCompleted means the submission succeeded and its result can be replayed.
	StatusCompleted Status = "completed"
	// StatusFailed means the submission resolved with an error. The key must not be resubmitted.
	StatusFailed Status = "failed"
)

// ReservationState describes the outcome of attempting to reserve a key.
type ReservationState int

const (
	// ReservationStateNew means the caller owns the key and may submit.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means a previous submission succeeded. Replay Record.Result.
	ReservationStateCompleted
	// ReservationStatePending means another submission with this key is in flight or its outcome was lost.
	ReservationStatePending
	// ReservationStateFailed means a previous submission failed. It must not be retried with this key.
	ReservationStateFailed
)

// Record is the persisted state of one idempotency key.
type Record struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	Status      Status    `json:"status"`
	Result      string    `json:"result,omitempty"`
	Failure     string    `json:"failure,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Reservation encapsulates the result of reserving a key.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Store records which idempotency keys have been submitted so a key is never sent twice.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	Complete(ctx context.Context, key, result string, now time.Time, ttl time.Duration) error
	Fail(ctx context.Context, key, reason string, now time.Time, ttl time.Duration) error
}

var (
	// ErrFingerprintMismatch is returned when a key is reused for a different payload.
	ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")
	// ErrEmptyKey is returned when an empty key is reserved.
	ErrEmptyKey = errors.New("idempotency: key is required")
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewKey returns a fresh, lexically sortable idempotency key.
func NewKey(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(now), entropy).String())
}

func reservationFor(record Record, fingerprint string) (Reservation, error) {
	if record.Fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	switch record.Status {
	case StatusCompleted:
		return Reservation{State: ReservationStateCompleted, Record: record}, nil
	case StatusFailed:
		return Reservation{State: ReservationStateFailed, Record: record}, nil
	default:
		return Reservation{State: ReservationStatePending, Record: record}, nil
	}
}
