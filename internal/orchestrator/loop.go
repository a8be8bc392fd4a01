package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/templatehive/scraper/internal/failwatch"
	"github.com/templatehive/scraper/internal/gallery"
	"github.com/templatehive/scraper/internal/metrics"
	"github.com/templatehive/scraper/internal/progress"
	"github.com/templatehive/scraper/internal/publisher"
)

// loop is the single coordinating goroutine for one run. Batch N+1 never
// starts before batch N has fully fanned in, which is what makes the
// per-batch checkpoint safe.
func (o *Orchestrator) loop(r *run) {
	defer close(r.done)
	r.attachMonitor(failwatch.New(o.cfg.FailureWatch))
	logger := o.deps.Logger.With(zap.String("run_id", r.id.String()))

	for {
		if !r.awaitDispatch() {
			break
		}

		// Batch boundary: the only point where topology may change.
		o.deps.Pool.EnsureCapacity(o.cfg.Concurrency)
		if err := o.deps.Pool.ApplyPending(r.ctx); err != nil {
			logger.Error("browser pool rebuild failed", zap.Error(err))
		}

		batch := r.takeBatch(o.cfg.BatchSize)
		if len(batch) == 0 {
			exhausted, onlyPaused := r.idleState()
			switch {
			case exhausted:
				if r.complete(o.deps.Clock.Now()) {
					o.emitState(r, gallery.RunCompleted, "all units terminal")
					o.checkpoint(r)
				}
				return
			case onlyPaused:
				// Only parked timeout units remain. Hand control to the
				// operator: replay them or stop the run.
				if r.autoPause() {
					o.emitPause(r, gallery.RunTimeoutPaused)
					o.checkpoint(r)
				}
				continue
			default:
				// Remaining units exist but the run left the running
				// state between awaitDispatch and takeBatch.
				continue
			}
		}

		o.runBatch(r, batch, logger)
		o.checkpoint(r)
	}

	o.checkpoint(r)
	logger.Info("dispatch loop exited", zap.String("status", string(r.currentStatus())))
}

// runBatch fans workers out over the batch and waits for all of them.
func (o *Orchestrator) runBatch(r *run, batch []string, logger *zap.Logger) {
	snap := r.snapshot()
	seq := o.batchSeq(r)
	start := o.deps.Clock.Now()
	o.emit(progress.Event{
		RunID: r.id, TS: start, Stage: progress.StageBatchStart,
		Batch: seq, BatchCount: len(batch),
		Total: int64(snap.Total), Processed: int64(snap.Processed),
	})

	var wg sync.WaitGroup
	for _, url := range batch {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			o.work(r, url, logger)
		}(url)
	}
	wg.Wait()

	end := o.deps.Clock.Now()
	snap = r.snapshot()
	o.emit(progress.Event{
		RunID: r.id, TS: end, Stage: progress.StageBatchComplete,
		Batch: seq, BatchCount: len(batch), Dur: end.Sub(start),
		Total: int64(snap.Total), Processed: int64(snap.Processed),
		Successful: int64(snap.Successful), Failed: int64(snap.Failed),
		Skipped: int64(snap.Skipped),
	})
}

// work processes one unit end to end: permit, page, pipeline, persist.
// The permit and the page are released unconditionally before the outcome
// is recorded.
func (o *Orchestrator) work(r *run, url string, logger *zap.Logger) {
	if err := o.deps.Gate.Acquire(r.ctx); err != nil {
		r.requeue(url)
		return
	}
	defer func() {
		o.deps.Gate.Release()
		metrics.SetAdmissionWaiting(o.deps.Gate.Waiting())
	}()
	metrics.SetAdmissionWaiting(o.deps.Gate.Waiting())

	// The run may have paused or stopped while this worker waited for the
	// permit; hand it back without starting.
	if !r.dispatchable() {
		r.requeue(url)
		return
	}

	metrics.WorkerStarted()
	defer metrics.WorkerFinished()

	outcome, errText := o.runUnit(r, url, logger)
	if outcome == outcomeRequeue {
		r.requeue(url)
		return
	}
	o.settleUnit(r, url, outcome, errText)
}

// outcomeRequeue is an internal pseudo-outcome: the unit never really ran
// (stop or pause interrupted it) and goes back to the remaining set.
const outcomeRequeue unitOutcome = -1

// runUnit executes the pipeline for one URL and classifies the result.
func (o *Orchestrator) runUnit(r *run, url string, logger *zap.Logger) (unitOutcome, string) {
	if !validURL(url) {
		o.emitPhase(r, url, gallery.Slugify(url), gallery.PhaseSkipped, 0)
		return outcomeSkipped, "unparseable url"
	}

	unitCtx, cancel := context.WithTimeout(r.ctx, o.cfg.UnitTimeout)
	defer cancel()

	if err := o.deps.Limiter.Wait(unitCtx, url); err != nil {
		return o.classify(r, err), err.Error()
	}

	page, err := o.deps.Pool.Checkout(unitCtx)
	if err != nil {
		return o.classify(r, err), err.Error()
	}

	slug := gallery.Slugify(url)
	phaseStart := o.deps.Clock.Now()
	report := func(phase gallery.UnitPhase) {
		now := o.deps.Clock.Now()
		o.emitPhase(r, url, slug, phase, now.Sub(phaseStart))
		phaseStart = now
	}

	rec, err := o.deps.Processor.Process(unitCtx, page.Ctx, r.id, url, report)
	if err != nil {
		// A broken page context means the browser behind it is suspect;
		// let the pool replace the tab.
		o.deps.Pool.Checkin(page, page.Ctx.Err() == nil)
		outcome := o.classify(r, err)
		if outcome == outcomeFailed || outcome == outcomeTimeout {
			o.emitPhase(r, url, slug, gallery.PhaseFailed, o.deps.Clock.Now().Sub(phaseStart))
			o.emitError(r, url, err.Error())
			logger.Warn("unit failed", zap.String("url", url), zap.Error(err))
		}
		return outcome, err.Error()
	}
	o.deps.Pool.Checkin(page, true)

	report(gallery.PhasePersisting)
	if err := <-o.deps.Persister.Enqueue(rec); err != nil {
		o.emitPhase(r, url, slug, gallery.PhaseFailed, o.deps.Clock.Now().Sub(phaseStart))
		o.emitError(r, url, err.Error())
		logger.Warn("unit persist failed", zap.String("url", url), zap.Error(err))
		return outcomeFailed, err.Error()
	}

	o.notify(r, rec, logger)
	report(gallery.PhaseCompleted)
	return outcomeSuccess, ""
}

// classify maps a pipeline error onto a unit outcome. Stop cancellation
// is a requeue, remote timeouts park for replay, everything else is a
// terminal unit failure.
func (o *Orchestrator) classify(r *run, err error) unitOutcome {
	if r.ctx.Err() != nil {
		return outcomeRequeue
	}
	if gallery.IsTimeout(err) {
		return outcomeTimeout
	}
	return outcomeFailed
}

// settleUnit records the outcome, feeds the failure monitor, and applies
// auto-pause when the failure pattern warrants it.
func (o *Orchestrator) settleUnit(r *run, url string, outcome unitOutcome, errText string) {
	now := o.deps.Clock.Now()
	emitProgress := r.settle(url, outcome, o.cfg.ProgressEvery, now)

	if outcome != outcomeSkipped {
		r.monitor.Record(outcome == outcomeFailed || outcome == outcomeTimeout)
		if r.monitor.ShouldAutoPause() && r.autoPause() {
			o.emitPause(r, gallery.RunTimeoutPaused)
			o.checkpoint(r)
		}
	}

	if emitProgress {
		snap := r.snapshot()
		o.emit(progress.Event{
			RunID: r.id, TS: now, Stage: progress.StageProgress,
			Total: int64(snap.Total), Processed: int64(snap.Processed),
			Successful: int64(snap.Successful), Failed: int64(snap.Failed),
			Skipped: int64(snap.Skipped),
		})
	}
}

// notify publishes the ingest notification. Best effort: failures are
// logged and never affect the unit outcome.
func (o *Orchestrator) notify(r *run, rec gallery.Template, logger *zap.Logger) {
	if o.deps.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := o.deps.Notifier.Publish(ctx, publisher.Ingest{
		RunID:         rec.RunID,
		TemplateID:    rec.ID,
		Slug:          rec.Slug,
		ScreenshotURL: rec.ScreenshotURL,
		At:            o.deps.Clock.Now(),
	})
	if err != nil {
		logger.Warn("ingest notification failed", zap.String("slug", rec.Slug), zap.Error(err))
	}
}

func (o *Orchestrator) checkpoint(r *run) {
	cp := r.checkpointState(o.deps.Clock.Now())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.deps.Checkpoints.SaveRun(ctx, cp); err != nil {
		o.deps.Logger.Error("checkpoint save failed",
			zap.String("run_id", r.id.String()), zap.Error(err))
	}
}

func (o *Orchestrator) batchSeq(r *run) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batchSeq
}

func (o *Orchestrator) snapshotOf(r *run) Snapshot {
	return r.snapshot()
}

func (o *Orchestrator) emit(evt progress.Event) {
	o.deps.Hub.Emit(evt)
}

func (o *Orchestrator) emitState(r *run, status gallery.RunStatus, note string) {
	o.emit(progress.Event{
		RunID: r.id, TS: o.deps.Clock.Now(), Stage: progress.StageStateChange,
		Status: status, Note: note,
	})
}

func (o *Orchestrator) emitPause(r *run, status gallery.RunStatus) {
	stage := progress.StagePaused
	if status == gallery.RunTimeoutPaused {
		stage = progress.StageTimeoutPaused
	}
	o.emit(progress.Event{
		RunID: r.id, TS: o.deps.Clock.Now(), Stage: stage, Status: status,
	})
}

func (o *Orchestrator) emitPhase(r *run, url, slug string, phase gallery.UnitPhase, dur time.Duration) {
	o.emit(progress.Event{
		RunID: r.id, TS: o.deps.Clock.Now(), Stage: progress.StageTemplatePhase,
		URL: url, Slug: slug, Phase: phase, Dur: dur,
	})
}

func (o *Orchestrator) emitError(r *run, url, note string) {
	o.emit(progress.Event{
		RunID: r.id, TS: o.deps.Clock.Now(), Stage: progress.StageError,
		URL: url, Note: note,
	})
}
