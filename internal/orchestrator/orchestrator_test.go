package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/templatehive/scraper/internal/admission"
	"github.com/templatehive/scraper/internal/browser"
	"github.com/templatehive/scraper/internal/clock/system"
	"github.com/templatehive/scraper/internal/failwatch"
	"github.com/templatehive/scraper/internal/gallery"
	"github.com/templatehive/scraper/internal/progress"
	"github.com/templatehive/scraper/internal/publisher/memory"
	"github.com/templatehive/scraper/internal/store"
)

// funcProcessor adapts a function to the Processor interface.
type funcProcessor func(ctx, pageCtx context.Context, runID uuid.UUID, url string, report func(gallery.UnitPhase)) (gallery.Template, error)

func (f funcProcessor) Process(ctx, pageCtx context.Context, runID uuid.UUID, url string, report func(gallery.UnitPhase)) (gallery.Template, error) {
	return f(ctx, pageCtx, runID, url, report)
}

func okTemplate(runID uuid.UUID, url string) gallery.Template {
	return gallery.Template{
		ID:        uuid.New(),
		RunID:     runID,
		Slug:      gallery.Slugify(url),
		SourceURL: url,
		Name:      "Template",
		CreatedAt: time.Now().UTC(),
	}
}

// okPersister resolves every future immediately.
type okPersister struct{ err error }

func (p okPersister) Enqueue(gallery.Template) <-chan error {
	ch := make(chan error, 1)
	ch <- p.err
	return ch
}

// memCheckpoints is an in-memory CheckpointStore.
type memCheckpoints struct {
	mu   sync.Mutex
	runs map[uuid.UUID]store.RunCheckpoint
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{runs: make(map[uuid.UUID]store.RunCheckpoint)}
}

func (m *memCheckpoints) SaveRun(_ context.Context, cp store.RunCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[cp.ID] = cp
	return nil
}

func (m *memCheckpoints) GetRun(_ context.Context, id uuid.UUID) (store.RunCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.runs[id]
	if !ok {
		return store.RunCheckpoint{}, errors.New("checkpoint not found")
	}
	return cp, nil
}

func (m *memCheckpoints) ListInterrupted(_ context.Context) ([]store.RunCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.RunCheckpoint
	for _, cp := range m.runs {
		if cp.Status == gallery.RunRunning {
			out = append(out, cp)
		}
	}
	return out, nil
}

// recordingEmitter captures every event for assertions.
type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) stages() map[progress.Stage]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[progress.Stage]int)
	for _, evt := range e.events {
		out[evt.Stage]++
	}
	return out
}

func fakeLaunch(parent context.Context, _ browser.Config) (context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(parent)
	return ctx, cancel, nil
}

func fakeTab(browserCtx context.Context) (context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(browserCtx)
	return ctx, cancel, nil
}

type harness struct {
	orch        *Orchestrator
	checkpoints *memCheckpoints
	emitter     *recordingEmitter
	notifier    *memory.Publisher
}

func newHarness(t *testing.T, cfg Config, proc Processor, persist Persister) *harness {
	t.Helper()
	cfg.withDefaults()

	gate, err := admission.New(cfg.Concurrency)
	require.NoError(t, err)

	pool := browser.New(browser.Config{Sessions: 2, PagesPerSession: 8}, fakeLaunch, fakeTab, nil)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Close)

	if persist == nil {
		persist = okPersister{}
	}

	h := &harness{
		checkpoints: newMemCheckpoints(),
		emitter:     &recordingEmitter{},
		notifier:    memory.New(),
	}
	h.orch, err = New(cfg, Deps{
		Gate:        gate,
		Pool:        pool,
		Processor:   proc,
		Persister:   persist,
		Checkpoints: h.checkpoints,
		Hub:         h.emitter,
		Notifier:    h.notifier,
		Clock:       system.New(),
	})
	require.NoError(t, err)
	return h
}

func urlsN(n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf("https://site-%02d.test/template", i))
	}
	return out
}

func waitDone(t *testing.T, h *harness, id uuid.UUID) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Wait(ctx, id))
}

func TestRunCompletesAndPartitionsURLSet(t *testing.T) {
	t.Parallel()

	proc := funcProcessor(func(_, _ context.Context, runID uuid.UUID, url string, report func(gallery.UnitPhase)) (gallery.Template, error) {
		report(gallery.PhaseLoading)
		return okTemplate(runID, url), nil
	})
	h := newHarness(t, Config{Concurrency: 4, BatchSize: 3}, proc, nil)

	snap, err := h.orch.StartRun(context.Background(), urlsN(10))
	require.NoError(t, err)
	waitDone(t, h, snap.ID)

	final, err := h.orch.Snapshot(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, gallery.RunCompleted, final.Status)
	require.Equal(t, 10, final.Total)
	require.Equal(t, 10, final.Processed)
	require.Equal(t, 10, final.Successful)
	require.Zero(t, final.Failed)
	require.Zero(t, final.Remaining)
	require.Zero(t, final.Paused)
	require.Zero(t, final.InFlight)

	cp, err := h.checkpoints.GetRun(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, gallery.RunCompleted, cp.Status)
	require.Empty(t, cp.Remaining)
	require.Empty(t, cp.Paused)

	require.Len(t, h.notifier.Messages(), 10)
	stages := h.emitter.stages()
	require.Equal(t, 4, stages[progress.StageBatchStart], "10 urls at batch size 3")
	require.Equal(t, 4, stages[progress.StageBatchComplete])
}

func TestDuplicateURLsDroppedOnStart(t *testing.T) {
	t.Parallel()

	proc := funcProcessor(func(_, _ context.Context, runID uuid.UUID, url string, _ func(gallery.UnitPhase)) (gallery.Template, error) {
		return okTemplate(runID, url), nil
	})
	h := newHarness(t, Config{Concurrency: 2, BatchSize: 5}, proc, nil)

	urls := append(urlsN(3), urlsN(3)...)
	snap, err := h.orch.StartRun(context.Background(), urls)
	require.NoError(t, err)
	require.Equal(t, 3, snap.Total)
	waitDone(t, h, snap.ID)
}

func TestConcurrencyNeverExceedsAdmissionCeiling(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		active int
		peak   int
	)
	proc := funcProcessor(func(_, _ context.Context, runID uuid.UUID, url string, _ func(gallery.UnitPhase)) (gallery.Template, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return okTemplate(runID, url), nil
	})
	h := newHarness(t, Config{Concurrency: 2, BatchSize: 6}, proc, nil)

	snap, err := h.orch.StartRun(context.Background(), urlsN(12))
	require.NoError(t, err)
	waitDone(t, h, snap.ID)

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, peak, 2)
}

func TestInvalidURLsAreSkipped(t *testing.T) {
	t.Parallel()

	proc := funcProcessor(func(_, _ context.Context, runID uuid.UUID, url string, _ func(gallery.UnitPhase)) (gallery.Template, error) {
		return okTemplate(runID, url), nil
	})
	h := newHarness(t, Config{Concurrency: 2, BatchSize: 5}, proc, nil)

	urls := append(urlsN(3), "not a url", "ftp://old.test/x")
	snap, err := h.orch.StartRun(context.Background(), urls)
	require.NoError(t, err)
	waitDone(t, h, snap.ID)

	final, err := h.orch.Snapshot(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, gallery.RunCompleted, final.Status)
	require.Equal(t, 3, final.Successful)
	require.Equal(t, 2, final.Skipped)
	require.Equal(t, 5, final.Processed)
}

func TestPersistFailureMarksUnitFailed(t *testing.T) {
	t.Parallel()

	proc := funcProcessor(func(_, _ context.Context, runID uuid.UUID, url string, _ func(gallery.UnitPhase)) (gallery.Template, error) {
		return okTemplate(runID, url), nil
	})
	h := newHarness(t, Config{Concurrency: 2, BatchSize: 5}, proc, okPersister{err: errors.New("constraint violation")})

	snap, err := h.orch.StartRun(context.Background(), urlsN(3))
	require.NoError(t, err)
	waitDone(t, h, snap.ID)

	final, err := h.orch.Snapshot(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, gallery.RunCompleted, final.Status)
	require.Equal(t, 3, final.Failed)
	require.Zero(t, final.Successful)
	require.Empty(t, h.notifier.Messages())
}

func TestStopMidBatchThenResumeProcessesExactlyTheRemainder(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls = map[string]int{}
		done  int
		block = true
	)
	proc := funcProcessor(func(ctx, _ context.Context, runID uuid.UUID, url string, _ func(gallery.UnitPhase)) (gallery.Template, error) {
		mu.Lock()
		blocked := block && done >= 3
		if !blocked {
			calls[url]++
			done++
		}
		mu.Unlock()
		if blocked {
			<-ctx.Done()
			return gallery.Template{}, ctx.Err()
		}
		return okTemplate(runID, url), nil
	})
	h := newHarness(t, Config{Concurrency: 3, BatchSize: 3}, proc, nil)

	snap, err := h.orch.StartRun(context.Background(), urlsN(10))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := h.orch.Snapshot(context.Background(), snap.ID)
		return err == nil && s.Processed == 3 && s.InFlight > 0
	}, 5*time.Second, 5*time.Millisecond, "first batch should finish and the second should be in flight")

	require.NoError(t, h.orch.Stop(snap.ID))
	waitDone(t, h, snap.ID)

	stopped, err := h.orch.Snapshot(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, gallery.RunStopped, stopped.Status)
	require.Equal(t, 3, stopped.Processed)
	require.Equal(t, 7, stopped.Remaining, "interrupted units must return to the remaining set")
	require.Zero(t, stopped.InFlight)

	mu.Lock()
	block = false
	mu.Unlock()

	resumed, err := h.orch.ResumeRun(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, snap.ID, resumed.ID)
	waitDone(t, h, snap.ID)

	final, err := h.orch.Snapshot(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, gallery.RunCompleted, final.Status)
	require.Equal(t, 10, final.Processed)
	require.Equal(t, 10, final.Successful)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 10)
	for url, n := range calls {
		require.Equal(t, 1, n, "url %s processed more than once", url)
	}
}

func TestTimeoutsAutoPauseAndReplayCompletes(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		failing = true
	)
	proc := funcProcessor(func(_, _ context.Context, runID uuid.UUID, url string, _ func(gallery.UnitPhase)) (gallery.Template, error) {
		mu.Lock()
		fail := failing
		mu.Unlock()
		if fail {
			return gallery.Template{}, fmt.Errorf("navigate %s: %w", url, gallery.ErrTimeout)
		}
		return okTemplate(runID, url), nil
	})
	// Sequential dispatch so the consecutive-failure count is exact.
	h := newHarness(t, Config{
		Concurrency:  1,
		BatchSize:    1,
		FailureWatch: failwatch.Config{Window: 10, MaxConsecutive: 5, FailureRatio: 0.8},
	}, proc, nil)

	snap, err := h.orch.StartRun(context.Background(), urlsN(10))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := h.orch.Snapshot(context.Background(), snap.ID)
		return err == nil && s.Status == gallery.RunTimeoutPaused
	}, 5*time.Second, 5*time.Millisecond, "five consecutive timeouts should auto-pause")

	paused, err := h.orch.Snapshot(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, 5, paused.Paused, "timeout units park in the paused set")
	require.Equal(t, 5, paused.Failed)
	require.Equal(t, 5, paused.Remaining)

	mu.Lock()
	failing = false
	mu.Unlock()

	require.NoError(t, h.orch.ResumeFromAutoPause(snap.ID))
	waitDone(t, h, snap.ID)

	final, err := h.orch.Snapshot(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, gallery.RunCompleted, final.Status)
	require.Equal(t, 10, final.Successful)
	require.Zero(t, final.Failed, "replayed units reverse their failure counts")
	require.Zero(t, final.Paused)
	require.Zero(t, final.Remaining)

	stages := h.emitter.stages()
	require.GreaterOrEqual(t, stages[progress.StageTimeoutPaused], 1)
}

func TestManualPauseGatesDispatchUntilResume(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	proc := funcProcessor(func(ctx, _ context.Context, runID uuid.UUID, url string, _ func(gallery.UnitPhase)) (gallery.Template, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return gallery.Template{}, ctx.Err()
		}
		return okTemplate(runID, url), nil
	})
	h := newHarness(t, Config{Concurrency: 2, BatchSize: 2}, proc, nil)

	snap, err := h.orch.StartRun(context.Background(), urlsN(4))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := h.orch.Snapshot(context.Background(), snap.ID)
		return err == nil && s.InFlight == 2
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, h.orch.Pause(snap.ID))
	close(release)

	// The in-flight pair finishes naturally; the second batch must not
	// start while paused.
	require.Eventually(t, func() bool {
		s, err := h.orch.Snapshot(context.Background(), snap.ID)
		return err == nil && s.Processed == 2 && s.InFlight == 0
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	paused, err := h.orch.Snapshot(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, gallery.RunPaused, paused.Status)
	require.Equal(t, 2, paused.Processed, "no dispatch while paused")
	require.Equal(t, 2, paused.Remaining)

	require.NoError(t, h.orch.Resume(snap.ID))
	waitDone(t, h, snap.ID)

	final, err := h.orch.Snapshot(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, gallery.RunCompleted, final.Status)
	require.Equal(t, 4, final.Successful)
}

func TestPauseRequiresRunningState(t *testing.T) {
	t.Parallel()

	proc := funcProcessor(func(_, _ context.Context, runID uuid.UUID, url string, _ func(gallery.UnitPhase)) (gallery.Template, error) {
		return okTemplate(runID, url), nil
	})
	h := newHarness(t, Config{Concurrency: 2, BatchSize: 5}, proc, nil)

	snap, err := h.orch.StartRun(context.Background(), urlsN(2))
	require.NoError(t, err)
	waitDone(t, h, snap.ID)

	require.ErrorIs(t, h.orch.Pause(snap.ID), ErrBadTransition)
	require.ErrorIs(t, h.orch.Resume(snap.ID), ErrBadTransition)
	require.ErrorIs(t, h.orch.ResumeFromAutoPause(snap.ID), ErrBadTransition)
}

func TestListInterruptedOffersCrashLeftovers(t *testing.T) {
	t.Parallel()

	proc := funcProcessor(func(_, _ context.Context, runID uuid.UUID, url string, _ func(gallery.UnitPhase)) (gallery.Template, error) {
		return okTemplate(runID, url), nil
	})
	h := newHarness(t, Config{Concurrency: 2, BatchSize: 5}, proc, nil)

	// A checkpoint left in running state by a crashed process.
	interrupted := store.RunCheckpoint{
		ID:        uuid.New(),
		Status:    gallery.RunRunning,
		Total:     4,
		Processed: 1, Successful: 1,
		Remaining: []string{"https://a.test/t", "https://b.test/t"},
		Paused:    []string{"https://c.test/t"},
		StartedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, h.checkpoints.SaveRun(context.Background(), interrupted))

	list, err := h.orch.ListInterrupted(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, interrupted.ID, list[0].ID)

	resumed, err := h.orch.ResumeRun(context.Background(), interrupted.ID)
	require.NoError(t, err)
	// remaining ∪ paused is re-enqueued.
	require.Equal(t, 3, resumed.Remaining)
	require.Zero(t, resumed.Paused)
	waitDone(t, h, interrupted.ID)

	final, err := h.orch.Snapshot(context.Background(), interrupted.ID)
	require.NoError(t, err)
	require.Equal(t, gallery.RunCompleted, final.Status)
	require.Equal(t, 4, final.Processed)
	require.Equal(t, 4, final.Successful)

	// Once resumed and finished, it is no longer offered.
	list, err = h.orch.ListInterrupted(context.Background())
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestResumeRejectsActiveAndCompletedRuns(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	proc := funcProcessor(func(ctx, _ context.Context, runID uuid.UUID, url string, _ func(gallery.UnitPhase)) (gallery.Template, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return gallery.Template{}, ctx.Err()
		}
		return okTemplate(runID, url), nil
	})
	h := newHarness(t, Config{Concurrency: 2, BatchSize: 2}, proc, nil)

	snap, err := h.orch.StartRun(context.Background(), urlsN(2))
	require.NoError(t, err)

	_, err = h.orch.ResumeRun(context.Background(), snap.ID)
	require.ErrorIs(t, err, ErrRunActive)

	close(release)
	waitDone(t, h, snap.ID)

	_, err = h.orch.ResumeRun(context.Background(), snap.ID)
	require.ErrorIs(t, err, ErrBadTransition)
}

func TestSnapshotUnknownRun(t *testing.T) {
	t.Parallel()

	proc := funcProcessor(func(_, _ context.Context, runID uuid.UUID, url string, _ func(gallery.UnitPhase)) (gallery.Template, error) {
		return okTemplate(runID, url), nil
	})
	h := newHarness(t, Config{}, proc, nil)

	_, err := h.orch.Snapshot(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrRunNotFound)
}
