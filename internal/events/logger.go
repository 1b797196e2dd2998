package events

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func logEvent(logger *zap.Logger, event Event) {
	level := zapcore.InfoLevel
	if event.Outcome == OutcomeFailure {
		level = zapcore.WarnLevel
	}
	ce := logger.Check(level, "event")
	if ce == nil {
		return
	}

	fields := []zap.Field{
		zap.String("id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("outcome", string(event.Outcome)),
	}
	if event.Operation != "" {
		fields = append(fields, zap.String("operation", event.Operation))
	}
	if event.Key != "" {
		fields = append(fields, zap.String("key", event.Key))
	}
	if event.Duration > 0 {
		fields = append(fields, zap.Duration("duration", event.Duration))
	}
	for name, n := range event.Counts {
		fields = append(fields, zap.Int(name, n))
	}
	if event.Detail != "" {
		fields = append(fields, zap.String("detail", event.Detail))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	ce.Write(fields...)
}
