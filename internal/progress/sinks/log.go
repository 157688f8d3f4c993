package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-photo-ingest/internal/progress"
)

// LogSink writes each event as a structured log line. Image events are logged
// at Debug so a large run stays readable.
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

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.PropertyKey != "" {
			fields = append(fields, zap.String("property_key", string(evt.PropertyKey)))
		}
		if evt.Source != "" {
			fields = append(fields, zap.String("source", evt.Source))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.Images > 0 {
			fields = append(fields, zap.Int("images", evt.Images))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageImageStored, progress.StageImageDuplicate:
			s.logger.Debug("progress event", fields...)
		case progress.StagePropertyFailed, progress.StageSourceSkipped:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
