// Package session keeps the live checkout orchestrators of a BFF instance.
package session

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hanko-field/storefront/internal/checkout"
	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/idempotency"
)

const defaultTTL = 30 * time.Minute

// ErrNotFound is returned for unknown, expired or foreign checkout sessions.
var ErrNotFound = errors.New("session: checkout session not found")

// Factory builds an orchestrator for a new checkout session.
type Factory func(id string, user domain.UserSession) (*checkout.Orchestrator, error)

// Logger receives structured registry events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Config wires the Registry.
type Config struct {
	Factory Factory
	// TTL is how long a session may sit idle before it is abandoned and evicted.
	TTL    time.Duration
	Clock  func() time.Time
	NewID  func(time.Time) string
	Logger Logger
}

type entry struct {
	orch     *checkout.Orchestrator
	owner    [32]byte
	hasOwner bool
	lastSeen time.Time
}

// Registry maps checkout session IDs to orchestrators.
type Registry struct {
	factory Factory
	ttl     time.Duration
	now     func() time.Time
	newID   func(time.Time) string
	logger  Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry constructs a registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Factory == nil {
		return nil, errors.New("session: factory is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = idempotency.NewKey
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Registry{
		factory: cfg.Factory,
		ttl:     ttl,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:   newID,
		logger:  logger,
		entries: make(map[string]*entry),
	}, nil
}

// Create starts a checkout for user. The orchestrator is registered only when Begin succeeds.
func (r *Registry) Create(ctx context.Context, user domain.UserSession) (*checkout.Orchestrator, error) {
	id := r.newID(r.now())
	orch, err := r.factory(id, user)
	if err != nil {
		return nil, fmt.Errorf("session: build orchestrator: %w", err)
	}
	orch.Subscribe(func(evt checkout.Event) {
		r.logger(context.Background(), "session.transition", map[string]any{
			"sessionID": id,
			"from":      string(evt.From),
			"to":        string(evt.To),
			"inFlight":  evt.Snapshot.InFlight,
		})
	})
	if err := orch.Begin(ctx); err != nil {
		orch.Abandon(ctx)
		return nil, err
	}

	e := &entry{orch: orch, lastSeen: r.now()}
	if token := strings.TrimSpace(user.AccessToken); token != "" {
		e.owner = sha256.Sum256([]byte(token))
		e.hasOwner = true
	}
	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()

	r.logger(ctx, "session.created", map[string]any{"sessionID": id, "userId": user.UserID})
	return orch, nil
}

// Get returns the orchestrator for id. Sessions started with an access token are only returned
// to callers presenting the same token.
func (r *Registry) Get(id, accessToken string) (*checkout.Orchestrator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[strings.TrimSpace(id)]
	if !ok || !e.ownedBy(accessToken) {
		return nil, ErrNotFound
	}
	e.lastSeen = r.now()
	return e.orch, nil
}

// Remove abandons and forgets the session.
func (r *Registry) Remove(ctx context.Context, id, accessToken string) error {
	id = strings.TrimSpace(id)
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || !e.ownedBy(accessToken) {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.entries, id)
	r.mu.Unlock()

	e.orch.Abandon(ctx)
	r.logger(ctx, "session.removed", map[string]any{"sessionID": id})
	return nil
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep abandons and evicts sessions idle for longer than the TTL, and drops finished sessions
// once they have been idle for the same period. It returns the number evicted.
func (r *Registry) Sweep(ctx context.Context) int {
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	var expired []*entry
	for id, e := range r.entries {
		if e.lastSeen.After(cutoff) {
			continue
		}
		// A session with a step still running is kept until the step resolves.
		if e.orch.Snapshot().InFlight {
			continue
		}
		delete(r.entries, id)
		expired = append(expired, e)
	}
	r.mu.Unlock()

	for _, e := range expired {
		e.orch.Abandon(ctx)
		r.logger(ctx, "session.expired", map[string]any{"sessionID": e.orch.ID()})
	}
	return len(expired)
}

// Run sweeps on every tick of interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := r.Sweep(ctx); removed > 0 {
				r.logger(ctx, "session.sweep", map[string]any{"removed": removed})
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *entry) ownedBy(accessToken string) bool {
	if !e.hasOwner {
		return true
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(accessToken)))
	return subtle.ConstantTimeCompare(sum[:], e.owner[:]) == 1
}
