package writebuf

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/templatehive/scraper/internal/gallery"
)

var errBusy = errors.New("store busy")

type fakeStore struct {
	mu         sync.Mutex
	batches    [][]gallery.Template
	busyLeft   int
	fatalErr   error
	recordErrs map[string]error
}

func (s *fakeStore) SaveTemplates(_ context.Context, records []gallery.Template) ([]error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busyLeft > 0 {
		s.busyLeft--
		return nil, errBusy
	}
	if s.fatalErr != nil {
		return nil, s.fatalErr
	}
	s.batches = append(s.batches, append([]gallery.Template(nil), records...))
	perRecord := make([]error, len(records))
	for i, rec := range records {
		if err, ok := s.recordErrs[rec.Slug]; ok {
			perRecord[i] = err
		}
	}
	return perRecord, nil
}

func (s *fakeStore) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := make([]int, len(s.batches))
	for i, batch := range s.batches {
		sizes[i] = len(batch)
	}
	return sizes
}

func rec(slug string) gallery.Template {
	return gallery.Template{ID: uuid.New(), Slug: slug}
}

func newBuffer(t *testing.T, st Store, cfg Config) *Buffer {
	t.Helper()
	if cfg.Retryable == nil {
		cfg.Retryable = func(err error) bool { return errors.Is(err, errBusy) }
	}
	buf, err := New(st, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = buf.Close(ctx)
	})
	return buf
}

func TestEnqueue101With25BatchProducesFiveFlushes(t *testing.T) {
	t.Parallel()

	st := &fakeStore{}
	buf := newBuffer(t, st, Config{MaxBatch: 25, Debounce: time.Hour})

	futures := make([]<-chan error, 0, 101)
	for i := 0; i < 101; i++ {
		futures = append(futures, buf.Enqueue(rec("t")))
	}

	// 4 full batches flush on size; the trailing single record needs a
	// forced flush since the debounce is effectively infinite.
	require.Eventually(t, func() bool {
		return len(st.batchSizes()) == 4
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, buf.Flush(ctx))

	require.Equal(t, []int{25, 25, 25, 25, 1}, st.batchSizes())
	require.Zero(t, buf.Snapshot().Queued)

	for _, fut := range futures {
		select {
		case err := <-fut:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("future never resolved")
		}
	}
}

func TestDebounceFlushesPartialBatch(t *testing.T) {
	t.Parallel()

	st := &fakeStore{}
	buf := newBuffer(t, st, Config{MaxBatch: 25, Debounce: 20 * time.Millisecond})

	fut := buf.Enqueue(rec("solo"))
	select {
	case err := <-fut:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("debounce flush never happened")
	}
	require.Equal(t, []int{1}, st.batchSizes())
}

func TestBusyErrorsAreRetried(t *testing.T) {
	t.Parallel()

	st := &fakeStore{busyLeft: 2}
	buf := newBuffer(t, st, Config{
		MaxBatch:       5,
		Debounce:       10 * time.Millisecond,
		MaxRetries:     5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})

	fut := buf.Enqueue(rec("retry-me"))
	select {
	case err := <-fut:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("retried flush never resolved")
	}
	require.Equal(t, []int{1}, st.batchSizes())

	snap := buf.Snapshot()
	require.Equal(t, int64(1), snap.Flushed)
	require.Zero(t, snap.Failed)
}

func TestFatalErrorRejectsWholeBatch(t *testing.T) {
	t.Parallel()

	fatal := errors.New("relation does not exist")
	st := &fakeStore{fatalErr: fatal}
	buf := newBuffer(t, st, Config{
		MaxBatch:       2,
		Debounce:       10 * time.Millisecond,
		InitialBackoff: time.Millisecond,
	})

	futA := buf.Enqueue(rec("a"))
	futB := buf.Enqueue(rec("b"))
	for _, fut := range []<-chan error{futA, futB} {
		select {
		case err := <-fut:
			require.ErrorIs(t, err, fatal)
		case <-time.After(5 * time.Second):
			t.Fatal("future never rejected")
		}
	}
	require.Equal(t, int64(2), buf.Snapshot().Failed)
}

func TestPerRecordErrorResolvesOnlyThatFuture(t *testing.T) {
	t.Parallel()

	badErr := errors.New("missing name")
	st := &fakeStore{recordErrs: map[string]error{"bad": badErr}}
	buf := newBuffer(t, st, Config{MaxBatch: 2, Debounce: 10 * time.Millisecond})

	futGood := buf.Enqueue(rec("good"))
	futBad := buf.Enqueue(rec("bad"))

	select {
	case err := <-futGood:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("good future never resolved")
	}
	select {
	case err := <-futBad:
		require.ErrorIs(t, err, badErr)
	case <-time.After(5 * time.Second):
		t.Fatal("bad future never resolved")
	}
}

func TestEnqueueAfterCloseRejects(t *testing.T) {
	t.Parallel()

	st := &fakeStore{}
	buf, err := New(st, Config{MaxBatch: 5, Debounce: time.Hour, Retryable: func(error) bool { return false }})
	require.NoError(t, err)
	require.NoError(t, buf.Close(context.Background()))

	fut := buf.Enqueue(rec("late"))
	require.ErrorIs(t, <-fut, ErrClosed)
}

func TestCloseDrainsQueue(t *testing.T) {
	t.Parallel()

	st := &fakeStore{}
	buf, err := New(st, Config{MaxBatch: 100, Debounce: time.Hour, Retryable: func(error) bool { return false }})
	require.NoError(t, err)

	futures := make([]<-chan error, 0, 3)
	for i := 0; i < 3; i++ {
		futures = append(futures, buf.Enqueue(rec("drain")))
	}
	require.NoError(t, buf.Close(context.Background()))

	for _, fut := range futures {
		require.NoError(t, <-fut)
	}
	require.Equal(t, []int{3}, st.batchSizes())
}
