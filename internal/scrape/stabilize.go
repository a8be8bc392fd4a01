package scrape

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// StabilizerConfig bounds the settle-polling loop.
//   - Interval: poll cadence (default 250ms).
//   - MinStable: how long animations and layout must stay unchanged before
//     the page counts as settled (default 750ms).
//   - MaxWait: hard ceiling; the pipeline proceeds after this regardless,
//     since remote pages are not guaranteed to ever fully settle
//     (default 12s).
type StabilizerConfig struct {
	Interval  time.Duration
	MinStable time.Duration
	MaxWait   time.Duration
}

// Stabilizer waits for a navigated page to stop animating and reflowing.
type Stabilizer struct {
	cfg StabilizerConfig
}

// NewStabilizer applies defaults and returns a Stabilizer.
func NewStabilizer(cfg StabilizerConfig) *Stabilizer {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.MinStable <= 0 {
		cfg.MinStable = 750 * time.Millisecond
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 12 * time.Second
	}
	return &Stabilizer{cfg: cfg}
}

// settleProbeJS counts running finite animations and reports the layout
// height. Infinite animations are excluded: a looping marquee would
// otherwise keep the page "unstable" forever.
const settleProbeJS = `(() => {
	const finite = (typeof document.getAnimations === "function")
		? document.getAnimations().filter(a => {
			const t = a.effect && a.effect.getComputedTiming();
			return t && t.duration !== Infinity && a.playState === "running";
		}).length
		: 0;
	const height = document.body ? document.body.scrollHeight : 0;
	return [finite, height];
})()`

// WaitStable polls the page until its finite animation count and layout
// height both stop changing for MinStable, or until MaxWait elapses.
// Hitting MaxWait is not an error; the capture proceeds with whatever the
// page looks like.
func (s *Stabilizer) WaitStable(pageCtx context.Context) error {
	deadline := time.Now().Add(s.cfg.MaxWait)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var (
		lastAnimations = -1
		lastHeight     = -1
		stableSince    time.Time
	)
	for {
		select {
		case <-pageCtx.Done():
			return fmt.Errorf("stabilize wait: %w", pageCtx.Err())
		case <-ticker.C:
		}

		var probe []int
		if err := chromedp.Run(pageCtx, chromedp.Evaluate(settleProbeJS, &probe)); err != nil {
			return fmt.Errorf("settle probe: %w", err)
		}
		animations, height := 0, 0
		if len(probe) == 2 {
			animations, height = probe[0], probe[1]
		}

		if animations == lastAnimations && height == lastHeight {
			if stableSince.IsZero() {
				stableSince = time.Now()
			} else if time.Since(stableSince) >= s.cfg.MinStable {
				return nil
			}
		} else {
			lastAnimations = animations
			lastHeight = height
			stableSince = time.Time{}
		}

		if time.Now().After(deadline) {
			return nil
		}
	}
}
