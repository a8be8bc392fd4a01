// Package browser manages a pool of headless Chrome sessions, each
// serving a fixed number of page slots. Workers check out a page, drive
// it through the scrape pipeline, and check it back in.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/templatehive/scraper/internal/metrics"
)

// Config sizes the pool. Sessions×PagesPerSession is the page capacity;
// the orchestrator raises Sessions when its concurrency target exceeds it.
type Config struct {
	Sessions        int
	PagesPerSession int
	UserAgent       string
	// CheckoutTimeout bounds how long a worker waits for a free page.
	CheckoutTimeout time.Duration
	// SessionMaxUses recycles a browser after this many checkouts, keeping
	// long runs from accumulating renderer memory. Zero disables recycling.
	SessionMaxUses int
}

func (c *Config) withDefaults() {
	if c.Sessions <= 0 {
		c.Sessions = 2
	}
	if c.PagesPerSession <= 0 {
		c.PagesPerSession = 4
	}
	if c.CheckoutTimeout <= 0 {
		c.CheckoutTimeout = 30 * time.Second
	}
}

// Capacity returns the total number of page slots the config provides.
func (c Config) Capacity() int {
	return c.Sessions * c.PagesPerSession
}

// LaunchFunc starts one browser and returns its context. Tests inject a
// fake; production uses the chromedp exec allocator.
type LaunchFunc func(parent context.Context, cfg Config) (context.Context, context.CancelFunc, error)

// TabFunc opens one page slot inside a running browser.
type TabFunc func(browserCtx context.Context) (context.Context, context.CancelFunc, error)

// ErrClosed is returned by Checkout after the pool has been shut down.
var ErrClosed = errors.New("browser pool closed")

// ErrNoPage is returned when no page became free within CheckoutTimeout.
var ErrNoPage = errors.New("no free browser page")

// errStalePage marks a queued page whose session is already gone.
var errStalePage = errors.New("stale page")

type session struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
	// uses counts checkouts since launch; outstanding counts pages
	// currently held by workers. Both are guarded by the pool mutex.
	uses        int
	outstanding int
	dead        bool
	// awaitRecycle marks a dead session with no launched successor yet.
	// The last outstanding page to check in triggers the recycle.
	awaitRecycle bool
}

// Page is a leased browser tab. Ctx drives chromedp actions; the lease is
// returned with Pool.Checkin.
type Page struct {
	Ctx    context.Context
	cancel context.CancelFunc
	sess   *session
}

// Pool owns the browser sessions and the free-page queue.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	pending *Config
	free    chan *Page
	byID    map[int]*session
	nextID  int
	closed  bool

	launch LaunchFunc
	newTab TabFunc
	parent context.Context
	logger *zap.Logger
}

// New builds a Pool. launch and newTab default to the chromedp-backed
// implementations when nil.
func New(cfg Config, launch LaunchFunc, newTab TabFunc, logger *zap.Logger) *Pool {
	cfg.withDefaults()
	if launch == nil {
		launch = launchChrome
	}
	if newTab == nil {
		newTab = openTab
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:    cfg,
		byID:   make(map[int]*session),
		launch: launch,
		newTab: newTab,
		logger: logger,
	}
}

// Start launches the configured sessions. Startup follows a
// rebuild-then-degrade ladder: each session gets one relaunch attempt, and
// the pool comes up degraded rather than failing as long as at least one
// session is healthy.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parent = ctx
	// Twice the capacity: dead pages can sit queued until a checkout vets
	// them out, and replacement sessions enqueue a full complement.
	p.free = make(chan *Page, 2*p.cfg.Capacity())

	healthy := 0
	for i := 0; i < p.cfg.Sessions; i++ {
		if err := p.addSessionLocked(); err != nil {
			p.logger.Warn("browser session failed to start", zap.Int("slot", i), zap.Error(err))
			continue
		}
		healthy++
	}
	if healthy == 0 {
		return fmt.Errorf("no browser session could be started")
	}
	if healthy < p.cfg.Sessions {
		p.logger.Warn("browser pool degraded",
			zap.Int("requested", p.cfg.Sessions), zap.Int("healthy", healthy))
	}
	return nil
}

// addSessionLocked launches one session (with a single retry) and enqueues
// its page slots.
func (p *Pool) addSessionLocked() error {
	var (
		browserCtx context.Context
		cancel     context.CancelFunc
		err        error
	)
	for attempt := 0; attempt < 2; attempt++ {
		browserCtx, cancel, err = p.launch(p.parent, p.cfg)
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	sess := &session{id: p.nextID, ctx: browserCtx, cancel: cancel}
	p.nextID++

	for t := 0; t < p.cfg.PagesPerSession; t++ {
		tabCtx, tabCancel, err := p.newTab(browserCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("open tab %d: %w", t, err)
		}
		p.enqueueLocked(&Page{Ctx: tabCtx, cancel: tabCancel, sess: sess})
	}
	p.byID[sess.id] = sess
	return nil
}

// Checkout leases a free page, waiting up to CheckoutTimeout. Pages from
// dead sessions are repaired transparently; the caller only sees a usable
// lease or an error.
func (p *Pool) Checkout(ctx context.Context) (*Page, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	free := p.free
	timeout := p.cfg.CheckoutTimeout
	p.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case page, ok := <-free:
			if !ok {
				return nil, ErrClosed
			}
			page, err := p.vet(page)
			if errors.Is(err, errStalePage) {
				continue
			}
			if err != nil {
				p.logger.Warn("discarding unusable page", zap.Error(err))
				continue
			}
			return page, nil
		case <-deadline.C:
			return nil, ErrNoPage
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// vet validates a dequeued page, replacing its session when the browser
// behind it has died.
func (p *Pool) vet(page *Page) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if page.sess.dead {
		// The session was already replaced or recycled; its queued pages
		// are stale leftovers, not a signal to launch another browser.
		page.cancel()
		return nil, errStalePage
	}
	if page.Ctx.Err() != nil || page.sess.ctx.Err() != nil {
		replacement, err := p.replaceSessionLocked(page.sess)
		if err != nil {
			return nil, err
		}
		page = replacement
	}
	page.sess.uses++
	page.sess.outstanding++
	return page, nil
}

// replaceSessionLocked tears down a dead session, launches a successor,
// and hands back one of its pages. The successor's remaining pages go to
// the free queue.
func (p *Pool) replaceSessionLocked(old *session) (*Page, error) {
	if !old.dead {
		old.dead = true
		old.cancel()
		delete(p.byID, old.id)
		metrics.SessionReplaced()
	}
	if err := p.addSessionLocked(); err != nil {
		return nil, fmt.Errorf("replace session %d: %w", old.id, err)
	}
	// Skip over stale pages the dead session left in the queue.
	for {
		select {
		case page := <-p.free:
			if page.sess.dead || page.Ctx.Err() != nil {
				page.cancel()
				continue
			}
			return page, nil
		default:
			return nil, ErrNoPage
		}
	}
}

// Checkin returns a lease. Unhealthy pages get a fresh tab; sessions past
// SessionMaxUses are recycled once all their pages are back.
func (p *Pool) Checkin(page *Page, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		page.cancel()
		return
	}

	sess := page.sess
	sess.outstanding--

	if sess.dead {
		page.cancel()
		if sess.awaitRecycle && sess.outstanding == 0 {
			sess.awaitRecycle = false
			p.recycleLocked(sess)
		}
		return
	}

	if p.cfg.SessionMaxUses > 0 && sess.uses >= p.cfg.SessionMaxUses {
		page.cancel()
		if sess.outstanding == 0 {
			p.recycleLocked(sess)
		}
		return
	}

	if !healthy || page.Ctx.Err() != nil {
		page.cancel()
		tabCtx, tabCancel, err := p.newTab(sess.ctx)
		if err != nil {
			p.logger.Warn("tab replacement failed, recycling session",
				zap.Int("session", sess.id), zap.Error(err))
			sess.dead = true
			sess.cancel()
			delete(p.byID, sess.id)
			if sess.outstanding == 0 {
				p.recycleLocked(sess)
			} else {
				// Siblings are still out; the last one to return
				// launches the replacement.
				sess.awaitRecycle = true
			}
			return
		}
		page = &Page{Ctx: tabCtx, cancel: tabCancel, sess: sess}
	}
	p.enqueueLocked(page)
}

// enqueueLocked returns a page to the free queue, dropping it if the
// queue is somehow full. Dropping only loses a slot until the session is
// recycled; blocking here would deadlock under the pool mutex.
func (p *Pool) enqueueLocked(page *Page) {
	select {
	case p.free <- page:
	default:
		page.cancel()
	}
}

// recycleLocked drops a spent session and launches its successor.
func (p *Pool) recycleLocked(sess *session) {
	if !sess.dead {
		sess.dead = true
		sess.cancel()
		delete(p.byID, sess.id)
	}
	metrics.SessionRecycled()
	if err := p.addSessionLocked(); err != nil {
		p.logger.Warn("session recycle failed, pool degraded",
			zap.Int("session", sess.id), zap.Error(err))
	}
}

// UpdateConfig stages a new configuration. It takes effect at the next
// ApplyPending call, which the orchestrator makes at batch boundaries so
// in-flight pages are never yanked.
func (p *Pool) UpdateConfig(cfg Config) {
	cfg.withDefaults()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = &cfg
}

// EnsureCapacity stages a session increase so the pool can serve at least
// n concurrent pages. It never shrinks the pool.
func (p *Pool) EnsureCapacity(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg := p.cfg
	if p.pending != nil {
		cfg = *p.pending
	}
	if cfg.Capacity() >= n {
		return
	}
	cfg.Sessions = (n + cfg.PagesPerSession - 1) / cfg.PagesPerSession
	p.pending = &cfg
}

// ApplyPending rebuilds the pool with the staged config, if any. The pool
// is shared across concurrent runs, so the rebuild is deferred while any
// page is checked out; the staged config stays pending and a later call
// at the next quiet batch boundary applies it. New sessions inherit the
// parent context given to Start, not ctx: callers pass run-scoped
// contexts and sessions must outlive any single run.
func (p *Pool) ApplyPending(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil || p.closed {
		return nil
	}
	for _, sess := range p.byID {
		if sess.outstanding > 0 {
			return nil
		}
	}
	cfg := *p.pending
	p.pending = nil
	p.closeSessionsLocked()
	p.cfg = cfg
	p.free = make(chan *Page, 2*cfg.Capacity())
	healthy := 0
	for i := 0; i < cfg.Sessions; i++ {
		if err := p.addSessionLocked(); err != nil {
			p.logger.Warn("browser session failed to start", zap.Int("slot", i), zap.Error(err))
			continue
		}
		healthy++
	}
	if healthy == 0 {
		return fmt.Errorf("no browser session could be started")
	}
	return nil
}

// Capacity reports the current page capacity.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Capacity()
}

// Close cancels every session. Outstanding pages become unusable.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.closeSessionsLocked()
}

func (p *Pool) closeSessionsLocked() {
	for id, sess := range p.byID {
		sess.cancel()
		delete(p.byID, id)
	}
	// Drain queued pages so their tab contexts are released.
	for {
		select {
		case page := <-p.free:
			page.cancel()
		default:
			return
		}
	}
}
