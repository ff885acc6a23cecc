package outbox

import (
	"context"
	"sync"

	"github.com/sidegig/backend/internal/domain"
)

// Handler consumes one outbox event. Returning a retryable error re-pends the
// row; anything else parks it as poison.
type Handler func(ctx context.Context, ev domain.OutboxEvent) error

// Registry maps event types to handlers. An event type may have several
// consumers (escrow.released feeds XP award and notifications); they run in
// registration order and a failure re-runs all of them, so each handler must
// be individually idempotent. Registration happens at boot before the
// dispatcher starts.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]Handler)}
}

func (r *Registry) Register(eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = append(r.handlers[eventType], h)
}

// Handlers returns the consumers for eventType in registration order.
func (r *Registry) Handlers(eventType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[eventType]
}
