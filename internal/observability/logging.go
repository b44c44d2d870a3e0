package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/taxintake/internal/config"
	"github.com/pitabwire/taxintake/model"
)

type loggerKey struct{}

// Redacted replaces the value of a sensitive answer in logs.
const Redacted = "[REDACTED]"

// NewLogger creates the JSON process logger writing to stdout. An unknown
// level falls back to info.
//
// Levels:
//   - error: store failures, panics, 5xx responses
//   - warn:  4xx responses, failed template reloads, idempotency store errors
//   - info:  requests, checklist generation and refresh, cascades, answer audit
//   - debug: per-template decisions, write retries
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.Sampling = nil
	zcfg.OutputPaths = []string{"stdout"}
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	return zcfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the request's logger with the caller identity and
// correlation fields attached.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := make([]zap.Field, 0, 4)
	fields = append(fields,
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	)
	if rctx.OrganizationID != "" {
		fields = append(fields, zap.String("organization_id", rctx.OrganizationID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// sensitiveAnswers holds lower-cased answer keys whose values never reach a
// log line.
var sensitiveAnswers = map[string]bool{
	"ssn":               true,
	"spousessn":         true,
	"tin":               true,
	"ein":               true,
	"itin":              true,
	"dateofbirth":       true,
	"bankaccountnumber": true,
	"routingnumber":     true,
	"password":          true,
	"token":             true,
}

// AuditChanges renders answer diffs as {key: {"old": v, "new": v}} for an
// audit entry. Values of sensitive keys, and of any key in extra, are
// replaced by Redacted; a side that was absent stays nil. Keys match
// case-insensitively.
func AuditChanges(diffs []model.FieldDiff, extra []string) map[string]any {
	redact := func(key string) bool {
		k := strings.ToLower(key)
		if sensitiveAnswers[k] {
			return true
		}
		for _, e := range extra {
			if strings.ToLower(e) == k {
				return true
			}
		}
		return false
	}

	out := make(map[string]any, len(diffs))
	for _, d := range diffs {
		oldV, newV := d.OldValue, d.NewValue
		if redact(d.Field) {
			oldV, newV = mask(oldV), mask(newV)
		}
		out[d.Field] = map[string]any{"old": oldV, "new": newV}
	}
	return out
}

func mask(v any) any {
	if v == nil {
		return nil
	}
	return Redacted
}
