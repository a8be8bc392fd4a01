// Package progress defines the event structures emitted by the scrape
// orchestrator and the hub that fans them out to sinks.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/templatehive/scraper/internal/gallery"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageStateChange   Stage = "STATE_CHANGE"
	StageBatchStart    Stage = "BATCH_START"
	StageBatchComplete Stage = "BATCH_COMPLETE"
	StageTemplatePhase Stage = "TEMPLATE_PHASE"
	StageProgress      Stage = "PROGRESS"
	StagePaused        Stage = "PAUSED"
	StageTimeoutPaused Stage = "TIMEOUT_PAUSED"
	StageError         Stage = "ERROR"
)

// Event captures a single milestone of scrape progress.
type Event struct {
	// RunID uniquely identifies a scrape run.
	RunID uuid.UUID
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Status carries the run state for STATE_CHANGE/PAUSED events.
	Status gallery.RunStatus
	// Batch and BatchCount scope batch events (1-based).
	Batch      int
	BatchCount int
	// URL and Slug scope unit-level events.
	URL  string
	Slug string
	// Phase is the unit phase for TEMPLATE_PHASE events.
	Phase gallery.UnitPhase
	// Counters snapshot run progress for PROGRESS and batch events.
	Total      int64
	Processed  int64
	Successful int64
	Failed     int64
	Skipped    int64
	// Dur is the elapsed time since the previous phase entry, or the
	// batch duration for BATCH_COMPLETE.
	Dur time.Duration
	// Note attaches low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageStateChange, StagePaused, StageTimeoutPaused:
		if e.Status == "" {
			return fmt.Errorf("%s requires a run status", e.Stage)
		}
	case StageBatchStart, StageBatchComplete:
		if e.Batch <= 0 {
			return fmt.Errorf("%s requires a batch number", e.Stage)
		}
	case StageTemplatePhase:
		if e.URL == "" || e.Phase == "" {
			return errors.New("template phase requires url and phase")
		}
	case StageProgress, StageError:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
