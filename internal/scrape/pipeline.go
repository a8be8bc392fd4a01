package scrape

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/templatehive/scraper/internal/gallery"
	"github.com/templatehive/scraper/internal/storage"
)

// ProcessorConfig tunes the per-unit scrape pipeline.
type ProcessorConfig struct {
	// NavTimeout bounds a single page navigation. Expiry is classified as
	// a remote timeout, not a terminal failure.
	NavTimeout time.Duration
	// ScreenshotPrefix is the object key prefix for uploaded captures.
	ScreenshotPrefix string
	Resolver         ResolverConfig
	Stabilizer       StabilizerConfig
}

func (c *ProcessorConfig) withDefaults() {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.ScreenshotPrefix == "" {
		c.ScreenshotPrefix = "screenshots"
	}
}

// Processor runs the full pipeline for one gallery entry: resolve the
// target, render it, extract metadata, capture a screenshot and upload
// it. It holds no per-unit state and is safe for concurrent use.
type Processor struct {
	cfg      ProcessorConfig
	resolver *Resolver
	stab     *Stabilizer
	objects  storage.ObjectStore
	logger   *zap.Logger

	// render, capture and settle are the browser-facing steps. Tests swap
	// them the same way the pool swaps its launch and tab hooks.
	render  func(pageCtx context.Context, target string) (string, error)
	capture func(pageCtx context.Context) ([]byte, error)
	settle  func(pageCtx context.Context) error
}

// NewProcessor builds a Processor backed by the given object store.
func NewProcessor(cfg ProcessorConfig, objects storage.ObjectStore, logger *zap.Logger) *Processor {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		cfg:      cfg,
		resolver: NewResolver(cfg.Resolver, logger),
		stab:     NewStabilizer(cfg.Stabilizer),
		objects:  objects,
		logger:   logger,
	}
	p.render = p.renderChrome
	p.capture = CaptureScreenshot
	p.settle = p.stab.WaitStable
	return p
}

// Process executes the pipeline for entryURL inside the checked-out page
// context. The report callback is invoked at every phase transition so the
// caller can surface per-unit progress; it must not block.
func (p *Processor) Process(ctx context.Context, pageCtx context.Context, runID uuid.UUID, entryURL string, report func(gallery.UnitPhase)) (gallery.Template, error) {
	if report == nil {
		report = func(gallery.UnitPhase) {}
	}

	report(gallery.PhaseLoading)
	target, usedFallback := p.resolver.Resolve(ctx, entryURL)

	html, err := p.render(pageCtx, target)
	if err != nil {
		return gallery.Template{}, err
	}

	report(gallery.PhaseExtracting)
	meta, err := Extract(html)
	if err != nil {
		return gallery.Template{}, fmt.Errorf("extract %s: %w", target, err)
	}

	report(gallery.PhaseScreenshot)
	shot, err := p.capture(pageCtx)
	if err != nil {
		return gallery.Template{}, classifyPageErr(err, "screenshot", target)
	}

	report(gallery.PhaseImage)
	blank := IsBlankImage(shot)
	if blank {
		// One recapture after the page had extra time to paint. A second
		// blank result is recorded on the template, not retried again.
		_ = p.settle(pageCtx)
		retry, rerr := p.capture(pageCtx)
		if rerr == nil {
			shot = retry
			blank = IsBlankImage(retry)
		}
	}

	slug := gallery.Slugify(target)
	key := fmt.Sprintf("%s/%s/%s.png", p.cfg.ScreenshotPrefix, runID, slug)
	publicURL, err := p.objects.Put(ctx, key, "image/png", shot)
	if err != nil {
		return gallery.Template{}, fmt.Errorf("upload screenshot %s: %w", key, err)
	}

	return gallery.Template{
		ID:              uuid.New(),
		RunID:           runID,
		Slug:            slug,
		SourceURL:       target,
		Name:            meta.Name,
		Author:          meta.Author,
		Categories:      meta.Categories,
		PriceCents:      meta.PriceCents,
		Description:     meta.Description,
		ScreenshotURL:   publicURL,
		UsedFallbackURL: usedFallback,
		BlankScreenshot: blank,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// renderChrome navigates the tab to target, waits for the page to settle,
// and returns the rendered document HTML.
func (p *Processor) renderChrome(pageCtx context.Context, target string) (string, error) {
	navCtx, cancel := context.WithTimeout(pageCtx, p.cfg.NavTimeout)
	defer cancel()

	if err := chromedp.Run(navCtx, chromedp.Navigate(target)); err != nil {
		return "", classifyPageErr(err, "navigate", target)
	}
	if err := p.stab.WaitStable(navCtx); err != nil {
		return "", classifyPageErr(err, "stabilize", target)
	}

	var html string
	if err := chromedp.Run(navCtx, chromedp.OuterHTML("html", &html)); err != nil {
		return "", classifyPageErr(err, "read document", target)
	}
	return html, nil
}

// classifyPageErr wraps browser errors, folding deadline expiry into the
// timeout class so the orchestrator parks the unit for replay.
func classifyPageErr(err error, op, target string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", op, target, gallery.ErrTimeout)
	}
	return fmt.Errorf("%s %s: %w", op, target, err)
}
