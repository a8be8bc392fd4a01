// Package sinks contains Sink implementations for the progress hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/templatehive/scraper/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is
// useful during development or audits where scraping runs unattended.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID.String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Status != "" {
			fields = append(fields, zap.String("status", string(evt.Status)))
		}
		if evt.Batch > 0 {
			fields = append(fields, zap.Int("batch", evt.Batch), zap.Int("batch_count", evt.BatchCount))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL), zap.String("slug", evt.Slug))
		}
		if evt.Phase != "" {
			fields = append(fields, zap.String("phase", string(evt.Phase)))
		}
		if evt.Stage == progress.StageProgress || evt.Stage == progress.StageBatchComplete {
			fields = append(fields,
				zap.Int64("processed", evt.Processed),
				zap.Int64("successful", evt.Successful),
				zap.Int64("failed", evt.Failed),
				zap.Int64("skipped", evt.Skipped),
				zap.Int64("total", evt.Total),
			)
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
