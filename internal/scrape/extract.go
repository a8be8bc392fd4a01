package scrape

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Extracted holds the raw metadata pulled from a rendered gallery page.
type Extracted struct {
	Name        string
	Author      string
	Categories  []string
	PriceCents  int64
	Description string
}

// ErrMissingName marks pages that expose no usable template name. This is
// a terminal extraction failure for the unit; there is nothing to catalog.
var ErrMissingName = fmt.Errorf("page has no template name")

var priceRe = regexp.MustCompile(`(?:\$|€|£)\s*(\d+(?:[.,]\d{2})?)`)

// Extract parses the rendered HTML and pulls the template metadata. Name
// is required; every other field is best effort.
func Extract(html string) (Extracted, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Extracted{}, fmt.Errorf("parse page: %w", err)
	}

	out := Extracted{
		Name: firstNonEmpty(
			metaContent(doc, `meta[property="og:title"]`),
			metaContent(doc, `meta[property="og:site_name"]`),
			strings.TrimSpace(doc.Find("title").First().Text()),
			strings.TrimSpace(doc.Find("h1").First().Text()),
		),
		Author: firstNonEmpty(
			metaContent(doc, `meta[name="author"]`),
			strings.TrimSpace(doc.Find(`[rel="author"]`).First().Text()),
		),
		Description: firstNonEmpty(
			metaContent(doc, `meta[property="og:description"]`),
			metaContent(doc, `meta[name="description"]`),
		),
	}
	if out.Name == "" {
		return Extracted{}, ErrMissingName
	}
	out.Name = tidyTitle(out.Name)
	out.Categories = extractCategories(doc)
	out.PriceCents = extractPriceCents(doc)
	return out, nil
}

func metaContent(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(content)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// tidyTitle drops the "| Brand" / "– Brand" tail common in <title> tags.
func tidyTitle(title string) string {
	for _, sep := range []string{" | ", " – ", " - "} {
		if i := strings.Index(title, sep); i > 0 {
			return strings.TrimSpace(title[:i])
		}
	}
	return strings.TrimSpace(title)
}

func extractCategories(doc *goquery.Document) []string {
	seen := make(map[string]struct{})
	var categories []string
	add := func(raw string) {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if tag == "" {
			return
		}
		if _, dup := seen[tag]; dup {
			return
		}
		seen[tag] = struct{}{}
		categories = append(categories, tag)
	}
	if keywords := metaContent(doc, `meta[name="keywords"]`); keywords != "" {
		for _, part := range strings.Split(keywords, ",") {
			add(part)
		}
	}
	doc.Find(`[class*="category"] a, [class*="tag"] a`).Each(func(_ int, sel *goquery.Selection) {
		add(sel.Text())
	})
	return categories
}

// extractPriceCents finds the first currency-looking amount on the page.
// Zero means free or not listed; the catalog treats both the same.
func extractPriceCents(doc *goquery.Document) int64 {
	text := doc.Find(`[class*="price"], [data-price]`).First().Text()
	if text == "" {
		text = doc.Find("body").Text()
	}
	match := priceRe.FindStringSubmatch(text)
	if match == nil {
		return 0
	}
	amount := strings.ReplaceAll(match[1], ",", ".")
	value, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(value * 100))
}
