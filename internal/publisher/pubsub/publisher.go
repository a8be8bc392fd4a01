// Package pubsub implements a Google Cloud Pub/Sub ingest publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	gpubsub "cloud.google.com/go/pubsub/v2"

	"github.com/templatehive/scraper/internal/publisher"
)

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher *gpubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(p *gpubsub.Publisher) *Publisher {
	return &Publisher{publisher: p}
}

// Publish marshals the notification to JSON and publishes it.
func (p *Publisher) Publish(ctx context.Context, note publisher.Ingest) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(note)
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}

	msg := &gpubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"run_id": note.RunID.String(),
			"slug":   note.Slug,
		},
	}
	result := p.publisher.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish notification: %w", err)
	}
	return id, nil
}
