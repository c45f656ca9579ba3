package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hanko-field/storefront/internal/domain"
)

const defaultKeyPrefix = "cart:"

// RedisStore reads carts written by the storefront as JSON documents.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore constructs a Redis-backed cart store. ttl applies to Put; zero keeps carts
// until cleared.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("cart: redis client is required")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultKeyPrefix
	}
	if ttl < 0 {
		ttl = 0
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}, nil
}

// Put stores snapshot under its cart ID.
func (s *RedisStore) Put(ctx context.Context, snapshot domain.CartSnapshot) error {
	id, err := normalizeID(snapshot.CartID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(toDocument(snapshot))
	if err != nil {
		return fmt.Errorf("cart: encode %s: %w", id, err)
	}
	if err := s.client.Set(ctx, s.prefix+id, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("cart: store %s: %w", id, err)
	}
	return nil
}

// Snapshot loads the cart. A missing key is an empty cart.
func (s *RedisStore) Snapshot(ctx context.Context, cartID string) (domain.CartSnapshot, error) {
	id, err := normalizeID(cartID)
	if err != nil {
		return domain.CartSnapshot{}, err
	}
	raw, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.CartSnapshot{CartID: id}, nil
		}
		return domain.CartSnapshot{}, fmt.Errorf("cart: load %s: %w", id, err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.CartSnapshot{}, fmt.Errorf("cart: decode %s: %w", id, err)
	}
	return doc.snapshot(id), nil
}

// Clear deletes the cart.
func (s *RedisStore) Clear(ctx context.Context, cartID string) error {
	id, err := normalizeID(cartID)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.prefix+id).Err(); err != nil {
		return fmt.Errorf("cart: clear %s: %w", id, err)
	}
	return nil
}
