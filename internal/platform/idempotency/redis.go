package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "idem:orders:"

// RedisStore shares the ledger between BFF instances. Reservation uses SETNX so only one
// instance can own a key.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Reservation{}, ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	record := Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
	}
	created, err := s.client.SetNX(ctx, s.prefix+key, data, ttl).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: reserve %s: %w", key, err)
	}
	if created {
		return Reservation{State: ReservationStateNew, Record: record}, nil
	}
	existing, err := s.load(ctx, key)
	if err != nil {
		return Reservation{}, err
	}
	return reservationFor(existing, fingerprint)
}

// Complete implements Store.
func (s *RedisStore) Complete(ctx context.Context, key, result string, now time.Time, ttl time.Duration) error {
	return s.resolve(ctx, key, StatusCompleted, result, "", now, ttl)
}

// Fail implements Store.
func (s *RedisStore) Fail(ctx context.Context, key, reason string, now time.Time, ttl time.Duration) error {
	return s.resolve(ctx, key, StatusFailed, "", reason, now, ttl)
}

func (s *RedisStore) resolve(ctx context.Context, key string, status Status, result, failure string, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	record, err := s.load(ctx, key)
	if errors.Is(err, redis.Nil) {
		record = Record{Key: key, CreatedAt: now}
	} else if err != nil {
		return err
	}
	record.Status = status
	record.Result = result
	record.Failure = failure
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(ttl)
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: update %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, key string) (Record, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("idempotency: load %s: %w", key, err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, fmt.Errorf("idempotency: decode %s: %w", key, err)
	}
	return record, nil
}
