// Package publisher defines the ingest notification emitted after a
// template record has been durably written to the catalog.
package publisher

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Ingest announces one durably persisted template.
type Ingest struct {
	RunID         uuid.UUID `json:"run_id"`
	TemplateID    uuid.UUID `json:"template_id"`
	Slug          string    `json:"slug"`
	ScreenshotURL string    `json:"screenshot_url"`
	At            time.Time `json:"at"`
}

// Publisher delivers ingest notifications. Implementations must be safe
// for concurrent use; delivery failures are the caller's to log, never to
// propagate into the scrape result.
type Publisher interface {
	Publish(ctx context.Context, note Ingest) (string, error)
}
