package cart

import (
	"context"
	"sync"

	"github.com/hanko-field/storefront/internal/domain"
)

// MemoryStore keeps carts in process memory for local runs and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	carts map[string]document
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{carts: make(map[string]document)}
}

// Put replaces the cart stored under snapshot.CartID.
func (s *MemoryStore) Put(_ context.Context, snapshot domain.CartSnapshot) error {
	id, err := normalizeID(snapshot.CartID)
	if err != nil {
		return err
	}
	doc := toDocument(snapshot)
	s.mu.Lock()
	s.carts[id] = doc
	s.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the cart. An unknown cart is empty.
func (s *MemoryStore) Snapshot(_ context.Context, cartID string) (domain.CartSnapshot, error) {
	id, err := normalizeID(cartID)
	if err != nil {
		return domain.CartSnapshot{}, err
	}
	s.mu.RLock()
	doc, ok := s.carts[id]
	s.mu.RUnlock()
	if !ok {
		return domain.CartSnapshot{CartID: id}, nil
	}
	return doc.snapshot(id).Freeze(), nil
}

// Clear removes the cart.
func (s *MemoryStore) Clear(_ context.Context, cartID string) error {
	id, err := normalizeID(cartID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.carts, id)
	s.mu.Unlock()
	return nil
}
