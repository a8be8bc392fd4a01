// Package orchestrator drives scrape runs: it slices the work list into
// batches, fans workers out through the admission gate and browser pool,
// tracks run state, and checkpoints progress so interrupted runs can be
// resumed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/templatehive/scraper/internal/admission"
	"github.com/templatehive/scraper/internal/browser"
	"github.com/templatehive/scraper/internal/clock"
	"github.com/templatehive/scraper/internal/failwatch"
	"github.com/templatehive/scraper/internal/gallery"
	"github.com/templatehive/scraper/internal/progress"
	"github.com/templatehive/scraper/internal/publisher"
	"github.com/templatehive/scraper/internal/store"
)

// Pool is the page-handle source. *browser.Pool satisfies it.
type Pool interface {
	Checkout(ctx context.Context) (*browser.Page, error)
	Checkin(page *browser.Page, healthy bool)
	EnsureCapacity(n int)
	ApplyPending(ctx context.Context) error
}

// Processor runs the per-unit scrape pipeline inside a checked-out page.
type Processor interface {
	Process(ctx context.Context, pageCtx context.Context, runID uuid.UUID, url string, report func(gallery.UnitPhase)) (gallery.Template, error)
}

// Persister accepts extracted records and resolves each future once the
// record is durably written. *writebuf.Buffer satisfies it.
type Persister interface {
	Enqueue(rec gallery.Template) <-chan error
}

// CheckpointStore persists run snapshots. *store.Catalog satisfies it.
type CheckpointStore interface {
	SaveRun(ctx context.Context, cp store.RunCheckpoint) error
	GetRun(ctx context.Context, id uuid.UUID) (store.RunCheckpoint, error)
	ListInterrupted(ctx context.Context) ([]store.RunCheckpoint, error)
}

// Limiter throttles navigation starts per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Emitter receives progress events. *progress.Hub satisfies it.
type Emitter interface {
	Emit(evt progress.Event)
}

// Config tunes dispatch.
type Config struct {
	// Concurrency is the admission ceiling: the number of units in flight
	// at once across the run.
	Concurrency int
	// BatchSize bounds each checkpointed batch.
	BatchSize int
	// ProgressEvery throttles PROGRESS events to one per k processed units.
	ProgressEvery int
	// UnitTimeout bounds one unit end to end.
	UnitTimeout time.Duration
	// FailureWatch configures the per-run failure monitor.
	FailureWatch failwatch.Config
}

func (c *Config) withDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 5
	}
	if c.UnitTimeout <= 0 {
		c.UnitTimeout = 2 * time.Minute
	}
}

// Deps are the collaborators the orchestrator drives. Notifier is
// optional; everything else is required.
type Deps struct {
	Gate        *admission.Gate
	Pool        Pool
	Processor   Processor
	Persister   Persister
	Checkpoints CheckpointStore
	Hub         Emitter
	Limiter     Limiter
	Notifier    publisher.Publisher
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Orchestrator owns every active run. Construct with New, start runs with
// StartRun or ResumeRun, and control them by run ID.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu   sync.Mutex
	runs map[uuid.UUID]*run
}

// ErrRunNotFound is returned for operations on unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// ErrRunActive is returned when resuming a run that is already in memory.
var ErrRunActive = errors.New("run already active")

// ErrBadTransition is returned for control calls invalid in the run's
// current state.
var ErrBadTransition = errors.New("invalid state transition")

// New builds an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	cfg.withDefaults()
	switch {
	case deps.Gate == nil:
		return nil, fmt.Errorf("admission gate is required")
	case deps.Pool == nil:
		return nil, fmt.Errorf("browser pool is required")
	case deps.Processor == nil:
		return nil, fmt.Errorf("processor is required")
	case deps.Persister == nil:
		return nil, fmt.Errorf("persister is required")
	case deps.Checkpoints == nil:
		return nil, fmt.Errorf("checkpoint store is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Hub == nil {
		deps.Hub = nopEmitter{}
	}
	if deps.Limiter == nil {
		deps.Limiter = nopLimiter{}
	}
	return &Orchestrator{cfg: cfg, deps: deps, runs: make(map[uuid.UUID]*run)}, nil
}

type nopEmitter struct{}

func (nopEmitter) Emit(progress.Event) {}

type nopLimiter struct{}

func (nopLimiter) Wait(context.Context, string) error { return nil }

// StartRun begins a new run over urls. Duplicates are dropped, order is
// preserved. The run outlives the caller's context.
func (o *Orchestrator) StartRun(ctx context.Context, urls []string) (Snapshot, error) {
	deduped := dedupe(urls)
	if len(deduped) == 0 {
		return Snapshot{}, fmt.Errorf("run needs at least one url")
	}

	now := o.deps.Clock.Now()
	r := newRun(uuid.New(), deduped, now)

	o.mu.Lock()
	o.runs[r.id] = r
	o.mu.Unlock()

	o.emitState(r, gallery.RunRunning, "run started")
	o.checkpoint(r)
	go o.loop(r)
	return o.snapshotOf(r), nil
}

// ResumeRun reloads an interrupted or paused run from its checkpoint and
// starts dispatching again. The paused set is re-enqueued alongside the
// remaining set, reversing the counters its units contributed.
func (o *Orchestrator) ResumeRun(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	if err := o.ensureInactive(id); err != nil {
		return Snapshot{}, err
	}

	cp, err := o.deps.Checkpoints.GetRun(ctx, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load checkpoint: %w", err)
	}
	// Stopped and interrupted runs may be resumed; a completed run has
	// nothing left to replay.
	if cp.Status == gallery.RunCompleted {
		return Snapshot{}, fmt.Errorf("%w: run is %s", ErrBadTransition, cp.Status)
	}

	r := resumeRun(cp, o.deps.Clock.Now())

	o.mu.Lock()
	if prev, ok := o.runs[id]; ok && !loopDone(prev) {
		o.mu.Unlock()
		return Snapshot{}, ErrRunActive
	}
	o.runs[id] = r
	o.mu.Unlock()

	o.emitState(r, gallery.RunRunning, "run resumed")
	o.checkpoint(r)
	go o.loop(r)
	return o.snapshotOf(r), nil
}

// Pause suspends dispatch manually. In-flight units finish naturally.
func (o *Orchestrator) Pause(id uuid.UUID) error {
	r, err := o.get(id)
	if err != nil {
		return err
	}
	if !r.transition(gallery.RunRunning, gallery.RunPaused) {
		return fmt.Errorf("%w: pause from %s", ErrBadTransition, r.currentStatus())
	}
	o.emitPause(r, gallery.RunPaused)
	o.checkpoint(r)
	return nil
}

// Resume lifts a manual pause.
func (o *Orchestrator) Resume(id uuid.UUID) error {
	r, err := o.get(id)
	if err != nil {
		return err
	}
	if !r.transition(gallery.RunPaused, gallery.RunRunning) {
		return fmt.Errorf("%w: resume from %s", ErrBadTransition, r.currentStatus())
	}
	o.emitState(r, gallery.RunRunning, "manual resume")
	o.checkpoint(r)
	return nil
}

// ResumeFromAutoPause replays the paused set: its URLs move back into the
// remaining set, the counters they contributed are reversed, and the
// failure monitor starts from a clean window.
func (o *Orchestrator) ResumeFromAutoPause(id uuid.UUID) error {
	r, err := o.get(id)
	if err != nil {
		return err
	}
	if !r.replayPaused() {
		return fmt.Errorf("%w: resume-auto-pause from %s", ErrBadTransition, r.currentStatus())
	}
	o.emitState(r, gallery.RunRunning, "auto-pause released, paused set re-enqueued")
	o.checkpoint(r)
	return nil
}

// Stop terminates the run. It wakes every parked waiter; in-flight units
// are returned to the remaining set so nothing is lost.
func (o *Orchestrator) Stop(id uuid.UUID) error {
	r, err := o.get(id)
	if err != nil {
		return err
	}
	if !r.stop() {
		return fmt.Errorf("%w: stop from %s", ErrBadTransition, r.currentStatus())
	}
	return nil
}

// Snapshot returns the live state of a run, falling back to the persisted
// checkpoint for runs not in memory.
func (o *Orchestrator) Snapshot(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if ok {
		return o.snapshotOf(r), nil
	}
	cp, err := o.deps.Checkpoints.GetRun(ctx, id)
	if err != nil {
		return Snapshot{}, ErrRunNotFound
	}
	return snapshotFromCheckpoint(cp), nil
}

// ListInterrupted returns checkpoints of runs left running by a previous
// process, candidates for ResumeRun.
func (o *Orchestrator) ListInterrupted(ctx context.Context) ([]Snapshot, error) {
	cps, err := o.deps.Checkpoints.ListInterrupted(ctx)
	if err != nil {
		return nil, fmt.Errorf("list interrupted: %w", err)
	}
	out := make([]Snapshot, 0, len(cps))
	for _, cp := range cps {
		o.mu.Lock()
		_, active := o.runs[cp.ID]
		o.mu.Unlock()
		if active {
			continue
		}
		out = append(out, snapshotFromCheckpoint(cp))
	}
	return out, nil
}

// Wait blocks until the run's dispatch loop has exited. Test helper and
// shutdown aid.
func (o *Orchestrator) Wait(ctx context.Context, id uuid.UUID) error {
	r, err := o.get(id)
	if err != nil {
		return err
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensureInactive rejects resume attempts while a previous loop for the
// same run is still draining.
func (o *Orchestrator) ensureInactive(id uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.runs[id]; ok && !loopDone(prev) {
		return ErrRunActive
	}
	return nil
}

func loopDone(r *run) bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) get(id uuid.UUID) (*run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return r, nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
