package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/templatehive/scraper/internal/gallery"
	"github.com/templatehive/scraper/internal/progress"
)

// PrometheusSink exports scrape progress metrics. It owns the collectors
// for batch throughput, unit phases and pause activity.
type PrometheusSink struct {
	batchesStarted   prometheus.Counter
	batchesCompleted prometheus.Counter
	batchDuration    prometheus.Histogram
	unitsProcessed   *prometheus.CounterVec
	phaseDuration    *prometheus.HistogramVec
	pauses           *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		batchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_batches_started_total",
			Help: "Total batches dispatched.",
		}),
		batchesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_batches_completed_total",
			Help: "Total batches whose fan-in finished.",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scraper_batch_duration_seconds",
			Help:    "Wall time per completed batch.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		unitsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_units_processed_total",
			Help: "Units reaching a terminal phase, partitioned by outcome.",
		}, []string{"outcome"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_unit_phase_duration_seconds",
			Help:    "Time spent per unit phase.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"phase"}),
		pauses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_pauses_total",
			Help: "Pause transitions partitioned by kind (manual, auto).",
		}, []string{"kind"}),
	}
	for _, collector := range []prometheus.Collector{
		s.batchesStarted,
		s.batchesCompleted,
		s.batchDuration,
		s.unitsProcessed,
		s.phaseDuration,
		s.pauses,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageBatchStart:
		s.batchesStarted.Inc()
	case progress.StageBatchComplete:
		s.batchesCompleted.Inc()
		if evt.Dur > 0 {
			s.batchDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageTemplatePhase:
		if evt.Dur > 0 {
			s.phaseDuration.WithLabelValues(string(evt.Phase)).Observe(evt.Dur.Seconds())
		}
		switch evt.Phase {
		case gallery.PhaseCompleted, gallery.PhaseFailed, gallery.PhaseSkipped:
			s.unitsProcessed.WithLabelValues(string(evt.Phase)).Inc()
		}
	case progress.StagePaused:
		s.pauses.WithLabelValues("manual").Inc()
	case progress.StageTimeoutPaused:
		s.pauses.WithLabelValues("auto").Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
