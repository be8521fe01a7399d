package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceFields returns trace_id and span_id fields for the span in ctx, if any
func TraceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// LogWithTrace logs msg at level, appending trace context fields
func LogWithTrace(ctx context.Context, logger *zap.Logger, level zapcore.Level, msg string, fields ...zap.Field) {
	if ce := logger.Check(level, msg); ce != nil {
		ce.Write(append(fields, TraceFields(ctx)...)...)
	}
}

// InfoWithTrace logs at info level with trace context
func InfoWithTrace(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	LogWithTrace(ctx, logger, zapcore.InfoLevel, msg, fields...)
}

// DebugWithTrace logs at debug level with trace context
func DebugWithTrace(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	LogWithTrace(ctx, logger, zapcore.DebugLevel, msg, fields...)
}

// WarnWithTrace logs at warn level with trace context
func WarnWithTrace(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	LogWithTrace(ctx, logger, zapcore.WarnLevel, msg, fields...)
}

// ErrorWithTrace logs at error level with trace context
func ErrorWithTrace(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	LogWithTrace(ctx, logger, zapcore.ErrorLevel, msg, fields...)
}
