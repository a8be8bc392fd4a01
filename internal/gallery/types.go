// Package gallery defines the shared domain types for the template
// gallery scraper: run and unit lifecycle states, the extracted template
// record, and error classification helpers used across components.
package gallery

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the orchestrator-level state of a scrape run.
type RunStatus string

// Run states. Running is the only dispatching state; Paused and
// TimeoutPaused both block dispatch, Completed and Stopped are terminal.
const (
	RunIdle          RunStatus = "idle"
	RunRunning       RunStatus = "running"
	RunPaused        RunStatus = "paused"
	RunTimeoutPaused RunStatus = "timeout_paused"
	RunCompleted     RunStatus = "completed"
	RunStopped       RunStatus = "stopped"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunStopped
}

// UnitPhase is the lifecycle phase of a single unit of work.
type UnitPhase string

// Unit phases, in dispatch order. The last three are terminal.
const (
	PhasePending    UnitPhase = "pending"
	PhaseLoading    UnitPhase = "loading"
	PhaseExtracting UnitPhase = "extracting-details"
	PhaseScreenshot UnitPhase = "capturing-screenshot"
	PhaseImage      UnitPhase = "processing-image"
	PhasePersisting UnitPhase = "persisting"
	PhaseCompleted  UnitPhase = "completed"
	PhaseFailed     UnitPhase = "failed"
	PhaseSkipped    UnitPhase = "skipped"
)

// Template is the structured record extracted from one gallery page.
// It is produced by the extraction step and consumed exactly once by the
// write buffer.
type Template struct {
	ID            uuid.UUID
	RunID         uuid.UUID
	Slug          string
	SourceURL     string
	Name          string
	Author        string
	Categories    []string
	PriceCents    int64
	Description   string
	ScreenshotURL string
	// UsedFallbackURL is set when target resolution found no better
	// candidate than the entry URL.
	UsedFallbackURL bool
	// BlankScreenshot is set when the capture still looked blank after
	// the single recapture attempt.
	BlankScreenshot bool
	CreatedAt       time.Time
}

// ErrTimeout classifies a unit failure caused by the remote target not
// responding in time (navigation or in-page script timeout). Timeout
// failures are retained in the paused set for replay instead of being
// discarded as terminal.
var ErrTimeout = errors.New("remote target timed out")

// IsTimeout reports whether err is a remote-timeout class failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// Slugify derives the short identifier for a target URL: the last
// meaningful path segment, or the registrable host when the path is bare.
func Slugify(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return sanitizeSlug(raw)
	}
	path := strings.Trim(u.Path, "/")
	if path != "" {
		segments := strings.Split(path, "/")
		return sanitizeSlug(segments[len(segments)-1])
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return sanitizeSlug(host)
}

func sanitizeSlug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.' || r == ' ':
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "template"
	}
	return out
}
