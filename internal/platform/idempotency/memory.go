package idempotency

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps ledger records in process memory. Used for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty memory-backed store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Reservation{}, ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if ok && now.Before(record.ExpiresAt) {
		return reservationFor(record, fingerprint)
	}
	record = Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	s.records[key] = record
	return Reservation{State: ReservationStateNew, Record: record}, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key, result string, now time.Time, ttl time.Duration) error {
	return s.resolve(key, StatusCompleted, result, "", now, ttl)
}

// Fail implements Store.
func (s *MemoryStore) Fail(_ context.Context, key, reason string, now time.Time, ttl time.Duration) error {
	return s.resolve(key, StatusFailed, "", reason, now, ttl)
}

func (s *MemoryStore) resolve(key string, status Status, result, failure string, now time.Time, ttl time.Duration) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok {
		record = Record{Key: key, CreatedAt: now}
	}
	record.Status = status
	record.Result = result
	record.Failure = failure
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(ttl)
	s.records[key] = record
	return nil
}

// CleanupExpired drops up to limit expired records and returns how many were removed.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) int {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, record := range s.records {
		if limit > 0 && removed >= limit {
			break
		}
		if now.Before(record.ExpiresAt) {
			continue
		}
		delete(s.records, key)
		removed++
	}
	return removed
}
