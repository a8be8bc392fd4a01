package scrape

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/templatehive/scraper/internal/gallery"
	"github.com/templatehive/scraper/internal/storage/memory"
)

// newScriptedProcessor returns a Processor whose browser steps are stubbed:
// render yields a fixed page and capture returns the given shots in order.
// The returned counter holds the number of capture calls made.
func newScriptedProcessor(t *testing.T, store *memory.ObjectStore, shots ...[]byte) (*Processor, *int) {
	t.Helper()

	p := NewProcessor(ProcessorConfig{}, store, zap.NewNop())
	p.render = func(context.Context, string) (string, error) {
		return `<html><head><meta property="og:title" content="Aurora"></head><body><h1>Aurora</h1></body></html>`, nil
	}
	p.settle = func(context.Context) error { return nil }
	calls := new(int)
	p.capture = func(context.Context) ([]byte, error) {
		require.Less(t, *calls, len(shots), "capture called more times than scripted")
		shot := shots[*calls]
		*calls++
		return shot, nil
	}
	return p, calls
}

func texturedImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			if (x/32+y/32)%2 == 0 {
				img.Set(x, y, color.RGBA{R: 20, G: 60, B: 200, A: 255})
			} else {
				img.Set(x, y, color.White)
			}
		}
	}
	return img
}

func newEntryServer(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><p>gallery entry</p></body></html>`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProcessRecapturesBlankScreenshotOnce(t *testing.T) {
	t.Parallel()

	srv := newEntryServer(t)
	store := memory.New()
	blank := encodePNG(t, solidImage(color.White))
	textured := encodePNG(t, texturedImage())
	p, calls := newScriptedProcessor(t, store, blank, textured)

	runID := uuid.New()
	tpl, err := p.Process(context.Background(), context.Background(), runID, srv.URL, nil)
	require.NoError(t, err)
	require.Equal(t, 2, *calls, "a blank first capture gets exactly one retry")
	require.False(t, tpl.BlankScreenshot)
	require.True(t, tpl.UsedFallbackURL)

	key := fmt.Sprintf("screenshots/%s/%s.png", runID, gallery.Slugify(srv.URL))
	obj, ok := store.Get(key)
	require.True(t, ok, "retry bytes must be the uploaded object")
	require.Equal(t, textured, obj.Data)
}

func TestProcessRecordsBlankWhenRetryIsBlankToo(t *testing.T) {
	t.Parallel()

	srv := newEntryServer(t)
	store := memory.New()
	blank := encodePNG(t, solidImage(color.White))
	p, calls := newScriptedProcessor(t, store, blank, blank)

	tpl, err := p.Process(context.Background(), context.Background(), uuid.New(), srv.URL, nil)
	require.NoError(t, err)
	require.Equal(t, 2, *calls)
	require.True(t, tpl.BlankScreenshot)
	require.Equal(t, 1, store.Len(), "a persistently blank shot is still uploaded")
}

func TestProcessSkipsRecaptureForTexturedShot(t *testing.T) {
	t.Parallel()

	srv := newEntryServer(t)
	store := memory.New()
	textured := encodePNG(t, texturedImage())
	p, calls := newScriptedProcessor(t, store, textured)

	tpl, err := p.Process(context.Background(), context.Background(), uuid.New(), srv.URL, nil)
	require.NoError(t, err)
	require.Equal(t, 1, *calls)
	require.False(t, tpl.BlankScreenshot)
	require.Equal(t, "Aurora", tpl.Name)
}

func TestClassifyPageErrDeadlineBecomesTimeout(t *testing.T) {
	t.Parallel()

	err := classifyPageErr(context.DeadlineExceeded, "navigate", "https://demo.test")
	require.True(t, gallery.IsTimeout(err))
	require.ErrorIs(t, err, gallery.ErrTimeout)
}

func TestClassifyPageErrKeepsOtherErrors(t *testing.T) {
	t.Parallel()

	cause := errors.New("net::ERR_NAME_NOT_RESOLVED")
	err := classifyPageErr(cause, "navigate", "https://demo.test")
	require.False(t, gallery.IsTimeout(err))
	require.ErrorIs(t, err, cause)
}
