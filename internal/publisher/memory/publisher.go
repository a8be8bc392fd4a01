// Package memory contains an in-memory publisher for tests and for
// deployments that run without Pub/Sub.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/templatehive/scraper/internal/publisher"
)

// Publisher stores published notifications for inspection.
type Publisher struct {
	mu    sync.RWMutex
	notes []publisher.Ingest
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the notification and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, note publisher.Ingest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes = append(p.notes, note)
	return fmt.Sprintf("memory-%d", len(p.notes)), nil
}

// Messages returns the recorded notifications.
func (p *Publisher) Messages() []publisher.Ingest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]publisher.Ingest, len(p.notes))
	copy(out, p.notes)
	return out
}
