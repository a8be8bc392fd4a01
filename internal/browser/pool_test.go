package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeBrowser fabricates browser and tab contexts with plain cancellation,
// recording how many browsers were launched.
type fakeBrowser struct {
	mu        sync.Mutex
	launches  int
	tabs      int
	failFirst int // launch errors to return before succeeding
	failTabs  int // tab errors to return before succeeding
}

func (f *fakeBrowser) launch(parent context.Context, _ Config) (context.Context, context.CancelFunc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return nil, nil, errors.New("chrome exited early")
	}
	f.launches++
	ctx, cancel := context.WithCancel(parent)
	return ctx, cancel, nil
}

func (f *fakeBrowser) newTab(browserCtx context.Context) (context.Context, context.CancelFunc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTabs > 0 {
		f.failTabs--
		return nil, nil, errors.New("tab target crashed")
	}
	f.tabs++
	ctx, cancel := context.WithCancel(browserCtx)
	return ctx, cancel, nil
}

func (f *fakeBrowser) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches
}

func (f *fakeBrowser) setFailTabs(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failTabs = n
}

func newTestPool(t *testing.T, cfg Config, fake *fakeBrowser) *Pool {
	t.Helper()
	pool := New(cfg, fake.launch, fake.newTab, nil)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Close)
	return pool
}

func TestCheckoutCheckinRoundTrip(t *testing.T) {
	t.Parallel()

	fake := &fakeBrowser{}
	pool := newTestPool(t, Config{Sessions: 2, PagesPerSession: 2}, fake)
	require.Equal(t, 4, pool.Capacity())

	ctx := context.Background()
	pages := make([]*Page, 0, 4)
	for i := 0; i < 4; i++ {
		page, err := pool.Checkout(ctx)
		require.NoError(t, err)
		require.NoError(t, page.Ctx.Err())
		pages = append(pages, page)
	}

	for _, page := range pages {
		pool.Checkin(page, true)
	}

	page, err := pool.Checkout(ctx)
	require.NoError(t, err)
	pool.Checkin(page, true)
	require.Equal(t, 2, fake.launchCount())
}

func TestCheckoutTimesOutWhenExhausted(t *testing.T) {
	t.Parallel()

	fake := &fakeBrowser{}
	pool := newTestPool(t, Config{Sessions: 1, PagesPerSession: 1, CheckoutTimeout: 50 * time.Millisecond}, fake)

	ctx := context.Background()
	page, err := pool.Checkout(ctx)
	require.NoError(t, err)
	defer pool.Checkin(page, true)

	_, err = pool.Checkout(ctx)
	require.ErrorIs(t, err, ErrNoPage)
}

func TestCheckoutHonorsCallerContext(t *testing.T) {
	t.Parallel()

	fake := &fakeBrowser{}
	pool := newTestPool(t, Config{Sessions: 1, PagesPerSession: 1, CheckoutTimeout: time.Minute}, fake)

	page, err := pool.Checkout(context.Background())
	require.NoError(t, err)
	defer pool.Checkin(page, true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Checkout(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnhealthyCheckinReplacesTab(t *testing.T) {
	t.Parallel()

	fake := &fakeBrowser{}
	pool := newTestPool(t, Config{Sessions: 1, PagesPerSession: 1}, fake)

	ctx := context.Background()
	page, err := pool.Checkout(ctx)
	require.NoError(t, err)
	old := page.Ctx
	pool.Checkin(page, false)

	fresh, err := pool.Checkout(ctx)
	require.NoError(t, err)
	defer pool.Checkin(fresh, true)

	require.Error(t, old.Err(), "unhealthy tab should have been cancelled")
	require.NoError(t, fresh.Ctx.Err())
	require.Equal(t, 1, fake.launchCount(), "tab replacement must not relaunch the browser")
}

func TestDeadSessionReplacedOnCheckout(t *testing.T) {
	t.Parallel()

	fake := &fakeBrowser{}
	pool := newTestPool(t, Config{Sessions: 1, PagesPerSession: 2}, fake)

	ctx := context.Background()
	page, err := pool.Checkout(ctx)
	require.NoError(t, err)

	// Simulate a browser crash: the session context dies under us.
	page.sess.cancel()
	pool.Checkin(page, true)

	fresh, err := pool.Checkout(ctx)
	require.NoError(t, err)
	defer pool.Checkin(fresh, true)
	require.NoError(t, fresh.Ctx.Err())
	require.Equal(t, 2, fake.launchCount())
}

func TestSessionRecycledAfterLastSiblingCheckin(t *testing.T) {
	t.Parallel()

	fake := &fakeBrowser{}
	pool := newTestPool(t, Config{Sessions: 1, PagesPerSession: 2}, fake)

	ctx := context.Background()
	first, err := pool.Checkout(ctx)
	require.NoError(t, err)
	second, err := pool.Checkout(ctx)
	require.NoError(t, err)

	// Tab replacement fails on the unhealthy checkin, so the whole
	// session is condemned while its sibling page is still out.
	fake.setFailTabs(1)
	pool.Checkin(first, false)
	require.Equal(t, 1, fake.launchCount(), "recycle must wait for the sibling")

	pool.Checkin(second, true)
	require.Equal(t, 2, fake.launchCount(), "last sibling checkin relaunches the session")

	fresh, err := pool.Checkout(ctx)
	require.NoError(t, err)
	defer pool.Checkin(fresh, true)
	require.NoError(t, fresh.Ctx.Err())
}

func TestSessionRecycledAfterMaxUses(t *testing.T) {
	t.Parallel()

	fake := &fakeBrowser{}
	pool := newTestPool(t, Config{Sessions: 1, PagesPerSession: 1, SessionMaxUses: 2}, fake)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		page, err := pool.Checkout(ctx)
		require.NoError(t, err, "checkout %d", i)
		pool.Checkin(page, true)
	}
	require.Equal(t, 2, fake.launchCount(), "second browser expected after two uses")
}

func TestStartDegradesOnPartialLaunchFailure(t *testing.T) {
	t.Parallel()

	// Three failures exhaust the first session's retry pair and the
	// second session's first attempt; one session still comes up.
	fake := &fakeBrowser{failFirst: 3}
	pool := New(Config{Sessions: 2, PagesPerSession: 1}, fake.launch, fake.newTab, nil)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Close()

	page, err := pool.Checkout(context.Background())
	require.NoError(t, err)
	pool.Checkin(page, true)
}

func TestStartFailsWhenNothingLaunches(t *testing.T) {
	t.Parallel()

	fake := &fakeBrowser{failFirst: 100}
	pool := New(Config{Sessions: 2, PagesPerSession: 1}, fake.launch, fake.newTab, nil)
	require.Error(t, pool.Start(context.Background()))
}

func TestEnsureCapacityRaisesSessions(t *testing.T) {
	t.Parallel()

	fake := &fakeBrowser{}
	pool := newTestPool(t, Config{Sessions: 1, PagesPerSession: 2}, fake)
	require.Equal(t, 2, pool.Capacity())

	pool.EnsureCapacity(5)
	require.NoError(t, pool.ApplyPending(context.Background()))
	require.Equal(t, 6, pool.Capacity())

	// Never shrinks.
	pool.EnsureCapacity(1)
	require.NoError(t, pool.ApplyPending(context.Background()))
	require.Equal(t, 6, pool.Capacity())
}

func TestApplyPendingSwapsConfigAtBoundary(t *testing.T) {
	t.Parallel()

	fake := &fakeBrowser{}
	pool := newTestPool(t, Config{Sessions: 1, PagesPerSession: 1}, fake)

	pool.UpdateConfig(Config{Sessions: 2, PagesPerSession: 3})
	require.Equal(t, 1, pool.Capacity(), "staged config must not apply immediately")

	require.NoError(t, pool.ApplyPending(context.Background()))
	require.Equal(t, 6, pool.Capacity())

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		page, err := pool.Checkout(ctx)
		require.NoError(t, err, "checkout %d after rebuild", i)
		defer pool.Checkin(page, true)
	}
}

func TestApplyPendingDefersWhilePagesCheckedOut(t *testing.T) {
	t.Parallel()

	fake := &fakeBrowser{}
	pool := newTestPool(t, Config{Sessions: 1, PagesPerSession: 2}, fake)

	ctx := context.Background()
	page, err := pool.Checkout(ctx)
	require.NoError(t, err)

	pool.EnsureCapacity(4)
	require.NoError(t, pool.ApplyPending(ctx))
	require.Equal(t, 2, pool.Capacity(), "rebuild must wait until no pages are out")
	require.NoError(t, page.Ctx.Err(), "held page must survive a deferred rebuild")

	pool.Checkin(page, true)
	require.NoError(t, pool.ApplyPending(ctx))
	require.Equal(t, 4, pool.Capacity(), "staged config applies at the next quiet boundary")
}

func TestCheckoutAfterClose(t *testing.T) {
	t.Parallel()

	fake := &fakeBrowser{}
	pool := newTestPool(t, Config{Sessions: 1, PagesPerSession: 1}, fake)
	pool.Close()

	_, err := pool.Checkout(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
