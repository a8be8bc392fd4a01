package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/templatehive/scraper/internal/failwatch"
	"github.com/templatehive/scraper/internal/gallery"
	"github.com/templatehive/scraper/internal/store"
)

// Snapshot is the externally visible state of a run.
type Snapshot struct {
	ID         uuid.UUID         `json:"id"`
	Status     gallery.RunStatus `json:"status"`
	Total      int               `json:"total"`
	Processed  int               `json:"processed"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Skipped    int               `json:"skipped"`
	Remaining  int               `json:"remaining"`
	Paused     int               `json:"paused"`
	InFlight   int               `json:"in_flight"`
	StartedAt  time.Time         `json:"started_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// run is the orchestrator's in-memory state for one scrape run. Counter
// and set fields are guarded by mu; every URL is in exactly one of
// remaining, inflight, paused, or accounted terminal via the counters.
type run struct {
	id uuid.UUID

	mu         sync.Mutex
	status     gallery.RunStatus
	total      int
	processed  int
	successful int
	failed     int
	skipped    int
	remaining  []string
	paused     []string
	inflight   map[string]struct{}
	batchSeq   int
	sinceEmit  int
	startedAt  time.Time
	updatedAt  time.Time
	// resumeCh is the shared dispatch gate: closed while dispatching is
	// allowed, re-armed (replaced) on pause. Waiters block on it.
	resumeCh chan struct{}

	monitor *failwatch.Monitor

	// ctx is cancelled on stop; it wakes every parked waiter.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newRun(id uuid.UUID, urls []string, now time.Time) *run {
	ctx, cancel := context.WithCancel(context.Background())
	gate := make(chan struct{})
	close(gate)
	return &run{
		id:        id,
		status:    gallery.RunRunning,
		total:     len(urls),
		remaining: append([]string(nil), urls...),
		inflight:  make(map[string]struct{}),
		startedAt: now,
		updatedAt: now,
		resumeCh:  gate,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// resumeRun rebuilds a run from its checkpoint. Paused URLs re-enter the
// remaining set; the processed/failed counts they contributed are
// reversed so the partition invariant holds after replay.
func resumeRun(cp store.RunCheckpoint, now time.Time) *run {
	r := newRun(cp.ID, append(append([]string(nil), cp.Remaining...), cp.Paused...), now)
	r.total = cp.Total
	r.processed = cp.Processed - len(cp.Paused)
	r.successful = cp.Successful
	r.failed = cp.Failed - len(cp.Paused)
	r.skipped = cp.Skipped
	if !cp.StartedAt.IsZero() {
		r.startedAt = cp.StartedAt
	}
	return r
}

func (r *run) attachMonitor(m *failwatch.Monitor) {
	r.monitor = m
}

func (r *run) currentStatus() gallery.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// transition moves from one specific status to another, arming or
// disarming the dispatch gate as needed. Returns false if the run was not
// in the expected state.
func (r *run) transition(from, to gallery.RunStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != from {
		return false
	}
	r.setStatusLocked(to)
	return true
}

func (r *run) setStatusLocked(to gallery.RunStatus) {
	dispatching := r.status == gallery.RunRunning
	wants := to == gallery.RunRunning
	switch {
	case dispatching && !wants:
		// Re-arm the gate: new waiters park until the next resume.
		r.resumeCh = make(chan struct{})
	case !dispatching && wants:
		close(r.resumeCh)
	}
	r.status = to
}

// autoPause flips a running run into timeout_paused. Idempotent: returns
// false if the run already left the running state.
func (r *run) autoPause() bool {
	return r.transition(gallery.RunRunning, gallery.RunTimeoutPaused)
}

// replayPaused implements resume-from-auto-pause: the paused set moves
// back into remaining and the counters its units contributed are
// reversed. The failure monitor restarts from a clean window.
func (r *run) replayPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != gallery.RunTimeoutPaused {
		return false
	}
	n := len(r.paused)
	r.remaining = append(r.remaining, r.paused...)
	r.paused = nil
	r.processed -= n
	r.failed -= n
	if r.monitor != nil {
		r.monitor.Reset()
	}
	r.setStatusLocked(gallery.RunRunning)
	return true
}

// stop makes the run terminal and wakes every waiter. In-flight workers
// observe the cancelled context and requeue their units.
func (r *run) stop() bool {
	r.mu.Lock()
	if r.status.Terminal() {
		r.mu.Unlock()
		return false
	}
	r.setStatusLocked(gallery.RunStopped)
	r.mu.Unlock()
	r.cancel()
	return true
}

// awaitDispatch blocks until the run may dispatch. Returns false when the
// run has been stopped.
func (r *run) awaitDispatch() bool {
	for {
		r.mu.Lock()
		status := r.status
		gate := r.resumeCh
		r.mu.Unlock()
		switch status {
		case gallery.RunRunning:
			return true
		case gallery.RunStopped, gallery.RunCompleted:
			return false
		}
		select {
		case <-gate:
		case <-r.ctx.Done():
			return false
		}
	}
}

// dispatchable is the post-acquire recheck: a worker that won a permit
// while the run was pausing must hand it back instead of starting work.
func (r *run) dispatchable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == gallery.RunRunning && r.ctx.Err() == nil
}

// takeBatch slices up to n URLs off the remaining set and marks them
// in-flight. Membership is fixed from here on; the URLs return only via
// settle or requeue.
func (r *run) takeBatch(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.remaining) {
		n = len(r.remaining)
	}
	batch := append([]string(nil), r.remaining[:n]...)
	r.remaining = r.remaining[n:]
	for _, u := range batch {
		r.inflight[u] = struct{}{}
	}
	if n > 0 {
		r.batchSeq++
	}
	return batch
}

// requeue returns an undispatched or interrupted unit to the head of the
// remaining set without touching counters.
func (r *run) requeue(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, url)
	r.remaining = append([]string{url}, r.remaining...)
}

// unitOutcome classifies how a unit ended.
type unitOutcome int

const (
	outcomeSuccess unitOutcome = iota
	outcomeFailed
	outcomeTimeout
	outcomeSkipped
)

// settle records a terminal unit outcome and reports whether a throttled
// progress event is due.
func (r *run) settle(url string, outcome unitOutcome, every int, now time.Time) (emitProgress bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, url)
	r.processed++
	switch outcome {
	case outcomeSuccess:
		r.successful++
	case outcomeFailed:
		r.failed++
	case outcomeTimeout:
		// Timeout failures park in the paused set for replay instead of
		// going terminal.
		r.failed++
		r.paused = append(r.paused, url)
	case outcomeSkipped:
		r.skipped++
	}
	r.updatedAt = now
	r.sinceEmit++
	if r.sinceEmit >= every {
		r.sinceEmit = 0
		return true
	}
	return false
}

// idleState reports what is left once a batch has fanned in: whether all
// work is done, and whether only parked timeout units remain.
func (r *run) idleState() (exhausted, onlyPausedLeft bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.remaining) > 0 || len(r.inflight) > 0 {
		return false, false
	}
	return len(r.paused) == 0, len(r.paused) > 0
}

// complete marks the run terminal-successful.
func (r *run) complete(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return false
	}
	r.setStatusLocked(gallery.RunCompleted)
	r.updatedAt = now
	return true
}

func (r *run) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		ID:         r.id,
		Status:     r.status,
		Total:      r.total,
		Processed:  r.processed,
		Successful: r.successful,
		Failed:     r.failed,
		Skipped:    r.skipped,
		Remaining:  len(r.remaining),
		Paused:     len(r.paused),
		InFlight:   len(r.inflight),
		StartedAt:  r.startedAt,
		UpdatedAt:  r.updatedAt,
	}
}

func (r *run) checkpointState(now time.Time) store.RunCheckpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	// In-flight units are counted as remaining: a crash between here and
	// fan-in loses at most their batch, never the URLs themselves.
	remaining := make([]string, 0, len(r.remaining)+len(r.inflight))
	for u := range r.inflight {
		remaining = append(remaining, u)
	}
	remaining = append(remaining, r.remaining...)
	return store.RunCheckpoint{
		ID:         r.id,
		Status:     r.status,
		Total:      r.total,
		Processed:  r.processed,
		Successful: r.successful,
		Failed:     r.failed,
		Skipped:    r.skipped,
		Remaining:  remaining,
		Paused:     append([]string(nil), r.paused...),
		StartedAt:  r.startedAt,
		UpdatedAt:  now,
	}
}

func snapshotFromCheckpoint(cp store.RunCheckpoint) Snapshot {
	return Snapshot{
		ID:         cp.ID,
		Status:     cp.Status,
		Total:      cp.Total,
		Processed:  cp.Processed,
		Successful: cp.Successful,
		Failed:     cp.Failed,
		Skipped:    cp.Skipped,
		Remaining:  len(cp.Remaining),
		Paused:     len(cp.Paused),
		StartedAt:  cp.StartedAt,
		UpdatedAt:  cp.UpdatedAt,
	}
}
