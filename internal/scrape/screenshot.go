package scrape

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/chromedp/chromedp"
)

// CaptureScreenshot takes a full-page PNG of the current page.
func CaptureScreenshot(pageCtx context.Context) ([]byte, error) {
	var buf []byte
	if err := chromedp.Run(pageCtx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

// Blank-detection thresholds. A capture is considered blank when its
// sampled luma variance is tiny and the mean sits near pure white or pure
// black, which is what a failed render or an unfinished paint produces.
const (
	blankVarianceMax = 0.001
	blankWhiteMean   = 0.95
	blankBlackMean   = 0.05
	sampleStride     = 16
)

// IsBlankImage decodes a PNG and applies the low-variance heuristic.
// Undecodable data counts as blank: it will never render in the catalog.
func IsBlankImage(data []byte) bool {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return true
	}
	mean, variance := lumaStats(img)
	return variance < blankVarianceMax && (mean > blankWhiteMean || mean < blankBlackMean)
}

// lumaStats samples the image on a fixed grid and returns the normalized
// mean and variance of the luma channel.
func lumaStats(img image.Image) (float64, float64) {
	bounds := img.Bounds()
	var (
		sum   float64
		sumSq float64
		n     float64
	)
	for y := bounds.Min.Y; y < bounds.Max.Y; y += sampleStride {
		for x := bounds.Min.X; x < bounds.Max.X; x += sampleStride {
			r, g, b, _ := img.At(x, y).RGBA()
			// Rec. 601 luma, normalized to [0,1].
			luma := (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 65535.0
			sum += luma
			sumSq += luma * luma
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	mean := sum / n
	return mean, sumSq/n - mean*mean
}
