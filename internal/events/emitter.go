package events

import (
	"go.uber.org/zap"
)

// Emitter defines the interface for event stream backends.
// Implementations should be fire-and-forget, non-blocking.
type Emitter interface {
	// Emit records an event. Errors are logged internally, never
	// returned to the caller.
	Emit(event *Event)

	// Close gracefully shuts down the emitter.
	Close() error
}

// NoopEmitter is a no-op implementation for testing and disabled logging.
type NoopEmitter struct{}

// Emit does nothing.
func (n *NoopEmitter) Emit(event *Event) {}

// Close returns nil.
func (n *NoopEmitter) Close() error { return nil }

// LogEmitter mirrors the event stream into the structured log at debug
// level, with stage transitions at info.
type LogEmitter struct {
	logger *zap.Logger
}

// NewLogEmitter creates an emitter backed by the given logger.
func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

// Emit writes one log entry per event.
func (l *LogEmitter) Emit(event *Event) {
	fields := []zap.Field{
		zap.String("kind", string(event.Kind)),
		zap.String("run_id", event.RunID),
	}
	if event.Publisher != "" {
		fields = append(fields, zap.String("publisher", event.Publisher))
	}
	if event.Stage != "" {
		fields = append(fields, zap.String("stage", string(event.Stage)))
	}
	if event.Kind == KindContentProgress {
		fields = append(fields, zap.Int("current", event.Current))
	}
	fields = append(fields, zap.Int("total", event.Total))
	if event.Message != "" {
		fields = append(fields, zap.String("message", event.Message))
	}

	switch event.Kind {
	case KindPipelineState, KindBatchCompleted:
		l.logger.Info("progress", fields...)
	default:
		l.logger.Debug("progress", fields...)
	}
}

// Close returns nil.
func (l *LogEmitter) Close() error { return nil }
