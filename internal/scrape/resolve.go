// Package scrape implements the per-page pipeline: target resolution,
// page stabilization, metadata extraction and screenshot capture.
package scrape

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// ResolverConfig controls the entry-page fetch used for link harvesting.
type ResolverConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// Resolver finds the "true homepage" behind a marketing entry URL by
// harvesting same-origin links and scoring them against a conservative
// set of homepage path patterns.
type Resolver struct {
	cfg       ResolverConfig
	collector *colly.Collector
	logger    *zap.Logger
}

// NewResolver builds a Resolver backed by a colly collector.
func NewResolver(cfg ResolverConfig, logger *zap.Logger) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Resolver{cfg: cfg, collector: c, logger: logger}
}

// Resolve returns the best homepage candidate for entryURL, and whether
// the entry URL itself was kept as a fallback. Harvest failures fall back
// to the entry URL: resolution is an optimization, never a gate.
func (r *Resolver) Resolve(ctx context.Context, entryURL string) (string, bool) {
	links, err := r.harvestLinks(ctx, entryURL)
	if err != nil {
		r.logger.Debug("link harvest failed, keeping entry url",
			zap.String("url", entryURL), zap.Error(err))
		return entryURL, true
	}
	if best, ok := PickHomepage(entryURL, links); ok {
		return best, false
	}
	return entryURL, true
}

// harvestLinks fetches the entry page over plain HTTP and returns the
// same-origin link targets found in it.
func (r *Resolver) harvestLinks(ctx context.Context, entryURL string) ([]string, error) {
	base, err := url.Parse(entryURL)
	if err != nil {
		return nil, fmt.Errorf("parse entry url: %w", err)
	}

	var links []string
	var fetchErr error
	collector := r.collector.Clone()
	collector.OnResponse(func(resp *colly.Response) {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(resp.Body)))
		if err != nil {
			fetchErr = fmt.Errorf("parse entry page: %w", err)
			return
		}
		links = sameOriginLinks(base, doc)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = fmt.Errorf("fetch entry page: %w", err)
	})
	collector.OnRequest(func(req *colly.Request) {
		select {
		case <-ctx.Done():
			req.Abort()
			fetchErr = ctx.Err()
		default:
		}
	})

	if err := collector.Visit(entryURL); err != nil {
		return nil, fmt.Errorf("visit entry page: %w", err)
	}
	collector.Wait()
	if fetchErr != nil {
		return nil, fetchErr
	}
	return links, nil
}

func sameOriginLinks(base *url.URL, doc *goquery.Document) []string {
	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		u, err := base.Parse(href)
		if err != nil {
			return
		}
		if u.Host != base.Host {
			return
		}
		u.Fragment = ""
		u.RawQuery = ""
		abs := u.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	return links
}

// homepageTokens are the path-segment stems accepted as homepage
// candidates. Matching is deliberately conservative: a segment matches
// only if, stripped of a first-variant suffix, it equals a stem exactly.
var homepageTokens = map[string]struct{}{
	"home":      {},
	"homepage":  {},
	"homepages": {},
	"index":     {},
	"main":      {},
	"landing":   {},
}

// firstVariantSuffixes mark the first entry of a numbered/lettered
// template family ("home-1", "home-a"). Later variants are ignored so the
// catalog captures the canonical look of each template.
var firstVariantSuffixes = []string{"-1", "-a", "-01", "-one"}

type candidate struct {
	link  string
	score int
	order int
}

// PickHomepage scores same-origin links and returns the best homepage
// candidate, or false when no link matches the homepage patterns.
func PickHomepage(entryURL string, links []string) (string, bool) {
	entry, err := url.Parse(entryURL)
	if err != nil {
		return "", false
	}
	var candidates []candidate
	for i, link := range links {
		u, err := url.Parse(link)
		if err != nil {
			continue
		}
		score, ok := scorePath(u.Path)
		if !ok {
			continue
		}
		// The entry URL itself is the fallback, not a candidate.
		if u.Path == entry.Path {
			continue
		}
		candidates = append(candidates, candidate{link: link, score: score, order: i})
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].order < candidates[j].order
	})
	return candidates[0].link, true
}

// scorePath rates a candidate path: simpler paths beat nested ones, a
// "home" token beats other stems, and first-variant numbering gets a
// bonus. Paths with no matching segment are rejected outright.
func scorePath(path string) (int, bool) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return 0, false
	}
	matched := false
	score := 100 - 10*(len(segments)-1)
	for _, seg := range segments {
		stem, firstVariant := stripFirstVariant(seg)
		if _, ok := homepageTokens[stem]; !ok {
			continue
		}
		matched = true
		if strings.HasPrefix(stem, "home") {
			score += 25
		}
		if firstVariant {
			score += 15
		}
	}
	if !matched {
		return 0, false
	}
	return score, true
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func stripFirstVariant(segment string) (string, bool) {
	seg := strings.ToLower(segment)
	seg = strings.TrimSuffix(seg, ".html")
	for _, suffix := range firstVariantSuffixes {
		if strings.HasSuffix(seg, suffix) {
			return strings.TrimSuffix(seg, suffix), true
		}
	}
	return seg, false
}
