// Package metrics exposes Prometheus collectors for the scraper service.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	activeWorkers       prometheus.Gauge
	admissionWaiting    prometheus.Gauge
	sessionReplacements prometheus.Counter
	sessionRecycles     prometheus.Counter
	flushesTotal        *prometheus.CounterVec
	flushQueueDepth     prometheus.Gauge
	templatesWritten    *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors. It is safe to call
// multiple times.
func Init() {
	once.Do(func() {
		activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_active_workers",
			Help: "Workers currently holding an admission permit.",
		})
		admissionWaiting = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_admission_waiting",
			Help: "Callers parked waiting for an admission permit.",
		})
		sessionReplacements = promauto.NewCounter(prometheus.CounterOpts{
			Name: "scraper_session_replacements_total",
			Help: "Browser sessions torn down and relaunched after failure.",
		})
		sessionRecycles = promauto.NewCounter(prometheus.CounterOpts{
			Name: "scraper_session_recycles_total",
			Help: "Browsing contexts recycled after reaching their use budget.",
		})
		flushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_write_flushes_total",
			Help: "Write-buffer flush attempts partitioned by result.",
		}, []string{"result"})
		flushQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_write_queue_depth",
			Help: "Records waiting in the write buffer.",
		})
		templatesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_templates_written_total",
			Help: "Template records durably written, partitioned by result.",
		}, []string{"result"})
	})
}

// Handler returns the promhttp handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// WorkerStarted increments the active worker gauge.
func WorkerStarted() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// WorkerFinished decrements the active worker gauge.
func WorkerFinished() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}

// SetAdmissionWaiting records the current admission queue length.
func SetAdmissionWaiting(n int) {
	if admissionWaiting != nil {
		admissionWaiting.Set(float64(n))
	}
}

// SessionReplaced counts a full browser replacement.
func SessionReplaced() {
	if sessionReplacements != nil {
		sessionReplacements.Inc()
	}
}

// SessionRecycled counts a browsing-context recycle.
func SessionRecycled() {
	if sessionRecycles != nil {
		sessionRecycles.Inc()
	}
}

// FlushObserved counts one flush attempt with its result label
// ("ok", "retried", "failed").
func FlushObserved(result string) {
	if flushesTotal != nil {
		flushesTotal.WithLabelValues(result).Inc()
	}
}

// SetWriteQueueDepth records the write buffer backlog.
func SetWriteQueueDepth(n int) {
	if flushQueueDepth != nil {
		flushQueueDepth.Set(float64(n))
	}
}

// TemplateWritten counts one durably written (or rejected) record.
func TemplateWritten(result string) {
	if templatesWritten != nil {
		templatesWritten.WithLabelValues(result).Inc()
	}
}
