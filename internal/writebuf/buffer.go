// Package writebuf accumulates extracted template records and flushes
// them in bounded, retried, serialized batches into the catalog store.
package writebuf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/templatehive/scraper/internal/gallery"
	"github.com/templatehive/scraper/internal/metrics"
	"github.com/templatehive/scraper/internal/store"
)

// Store is the write path into the catalog. SaveTemplates must persist the
// whole batch in one transaction; per-record errors are reported in the
// first return value, batch-level errors in the second.
type Store interface {
	SaveTemplates(ctx context.Context, records []gallery.Template) ([]error, error)
}

// ErrClosed is resolved into futures enqueued after Close.
var ErrClosed = errors.New("write buffer is closed")

// Config controls batching and retry behavior.
//   - MaxBatch: flush once this many records queue (default 25).
//   - Debounce: flush a partial batch after this interval (default 2s).
//   - MaxRetries: retry budget for busy-class flush failures (default 5).
//   - InitialBackoff/MaxBackoff: exponential backoff bounds (defaults
//     250ms / 5s); backoff jitter comes from the backoff library.
//   - FlushTimeout: per-attempt budget against the store (default 30s).
//   - Retryable: classifies transient store errors (default store.IsBusy).
type Config struct {
	MaxBatch       int
	Debounce       time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	FlushTimeout   time.Duration
	Retryable      func(error) bool
	Logger         *zap.Logger
}

const (
	defaultMaxBatch       = 25
	defaultDebounce       = 2 * time.Second
	defaultMaxRetries     = 5
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultFlushTimeout   = 30 * time.Second
	recentOutcomes        = 10
)

type pending struct {
	rec  gallery.Template
	done chan error
}

// FlushOutcome records one completed flush for observability.
type FlushOutcome struct {
	At   time.Time
	Size int
	Err  string
}

// Snapshot is a point-in-time view of the buffer for observability.
type Snapshot struct {
	Queued      int
	Flushing    bool
	Flushed     int64
	Failed      int64
	LastError   string
	LastFlushAt time.Time
	Recent      []FlushOutcome
}

// Buffer serializes all catalog writes through a single flusher goroutine.
type Buffer struct {
	cfg    Config
	store  Store
	logger *zap.Logger

	mu       sync.Mutex
	queue    []pending
	flushing bool
	flushed  int64
	failed   int64
	lastErr  string
	lastAt   time.Time
	recent   []FlushOutcome
	closed   bool

	kick    chan struct{}
	flushCh chan chan error
	stopCh  chan struct{}
	doneCh  chan struct{}

	closeOnce sync.Once
}

// New starts a Buffer flushing into st.
func New(st Store, cfg Config) (*Buffer, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if cfg.Retryable == nil {
		cfg.Retryable = store.IsBusy
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	b := &Buffer{
		cfg:     cfg,
		store:   st,
		logger:  cfg.Logger,
		kick:    make(chan struct{}, 1),
		flushCh: make(chan chan error),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go b.run()
	return b, nil
}

// Enqueue queues one record and returns a future that resolves once the
// record is durably flushed, or with an error if its flush batch fails.
func (b *Buffer) Enqueue(rec gallery.Template) <-chan error {
	done := make(chan error, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		done <- ErrClosed
		return done
	}
	b.queue = append(b.queue, pending{rec: rec, done: done})
	depth := len(b.queue)
	b.mu.Unlock()

	metrics.SetWriteQueueDepth(depth)
	select {
	case b.kick <- struct{}{}:
	default:
	}
	return done
}

// Flush forces a full drain of the queue and blocks until it completes or
// ctx expires. The returned error is the last batch-level failure, if any.
func (b *Buffer) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case b.flushCh <- reply:
	case <-b.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("write buffer flush wait: %w", ctx.Err())
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return fmt.Errorf("write buffer flush wait: %w", ctx.Err())
	}
}

// Close drains the queue and stops the flusher. Safe to call repeatedly.
func (b *Buffer) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.stopCh)
	})
	select {
	case <-b.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("write buffer close wait: %w", ctx.Err())
	}
}

// Snapshot returns a live view of the buffer state.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Queued:      len(b.queue),
		Flushing:    b.flushing,
		Flushed:     b.flushed,
		Failed:      b.failed,
		LastError:   b.lastErr,
		LastFlushAt: b.lastAt,
		Recent:      append([]FlushOutcome(nil), b.recent...),
	}
}

func (b *Buffer) run() {
	defer close(b.doneCh)

	timer := time.NewTimer(b.cfg.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false

	disarm := func() {
		if timerArmed && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timerArmed = false
	}
	arm := func() {
		disarm()
		timer.Reset(b.cfg.Debounce)
		timerArmed = true
	}

	for {
		select {
		case <-b.kick:
			for b.queued() >= b.cfg.MaxBatch {
				b.flushBatch()
			}
			if b.queued() > 0 {
				if !timerArmed {
					arm()
				}
			} else {
				disarm()
			}
		case <-timer.C:
			timerArmed = false
			for b.queued() > 0 {
				b.flushBatch()
			}
		case reply := <-b.flushCh:
			disarm()
			var last error
			for b.queued() > 0 {
				if err := b.flushBatch(); err != nil {
					last = err
				}
			}
			reply <- last
		case <-b.stopCh:
			disarm()
			for b.queued() > 0 {
				b.flushBatch()
			}
			return
		}
	}
}

func (b *Buffer) queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// flushBatch takes up to MaxBatch records from the queue head and writes
// them as one retried, serialized batch. Busy-class errors are retried
// with exponential backoff; anything else fails the batch immediately.
func (b *Buffer) flushBatch() error {
	b.mu.Lock()
	n := len(b.queue)
	if n == 0 {
		b.mu.Unlock()
		return nil
	}
	if n > b.cfg.MaxBatch {
		n = b.cfg.MaxBatch
	}
	batch := make([]pending, n)
	copy(batch, b.queue[:n])
	b.queue = append(b.queue[:0], b.queue[n:]...)
	b.flushing = true
	b.mu.Unlock()

	records := make([]gallery.Template, n)
	for i, p := range batch {
		records[i] = p.rec
	}

	var perRecord []error
	attempt := 0
	op := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
		defer cancel()
		var err error
		perRecord, err = b.store.SaveTemplates(ctx, records)
		if err == nil {
			return nil
		}
		if b.cfg.Retryable(err) {
			metrics.FlushObserved("retried")
			b.logger.Warn("catalog busy, retrying flush",
				zap.Int("batch_size", n),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.InitialBackoff
	bo.MaxInterval = b.cfg.MaxBackoff
	err := backoff.Retry(op, backoff.WithMaxRetries(bo, b.cfg.MaxRetries))

	b.mu.Lock()
	b.flushing = false
	b.lastAt = time.Now().UTC()
	outcome := FlushOutcome{At: b.lastAt, Size: n}
	if err != nil {
		outcome.Err = err.Error()
		b.lastErr = err.Error()
		b.failed += int64(n)
	} else {
		for _, recErr := range perRecord {
			if recErr != nil {
				b.failed++
			} else {
				b.flushed++
			}
		}
	}
	b.recent = append(b.recent, outcome)
	if len(b.recent) > recentOutcomes {
		b.recent = b.recent[len(b.recent)-recentOutcomes:]
	}
	depth := len(b.queue)
	b.mu.Unlock()

	metrics.SetWriteQueueDepth(depth)
	if err != nil {
		metrics.FlushObserved("failed")
		b.logger.Error("flush batch failed", zap.Int("batch_size", n), zap.Error(err))
		for _, p := range batch {
			metrics.TemplateWritten("failed")
			p.done <- err
		}
		return err
	}

	metrics.FlushObserved("ok")
	for i, p := range batch {
		recErr := perRecord[i]
		if recErr != nil {
			metrics.TemplateWritten("rejected")
		} else {
			metrics.TemplateWritten("ok")
		}
		p.done <- recErr
	}
	return nil
}
