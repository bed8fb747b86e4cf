package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/intraflow/internal/config"
	"github.com/pitabwire/intraflow/model"
)

type loggerKey struct{}

// Redacted replaces sensitive form values in debug output.
const Redacted = "[REDACTED]"

// NewLogger builds the process logger. Every entry carries the service name
// and version. LogFormat "console" switches to the human-readable encoder
// for local runs; anything else logs JSON.
//
// Levels:
//   - error: store, counter or upload outages, panics, 5xx responses
//   - warn:  4xx responses, failed notifications, duplicate form fields
//   - info:  request start/end, definition and directory reloads, overdue sweeps
//   - debug: cache updates, redacted submission payloads
func NewLogger(cfg config.ObservabilityConfig, service, version string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoding := "json"
	encoder := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.LogFormat == "console" {
		encoding = "console"
		encoder.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    encoder,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields: map[string]any{
			"service": service,
			"version": version,
		},
	}
	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// CallerLogger returns the context logger tagged with the authenticated
// caller and the correlation and trace ids of the HTTP call.
func CallerLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := make([]zap.Field, 0, 5)
	fields = append(fields,
		zap.String("user_id", rctx.SubjectID),
		zap.String("user_email", rctx.Email),
	)
	if rctx.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	if rctx.SpanID != "" {
		fields = append(fields, zap.String("span_id", rctx.SpanID))
	}
	return logger.With(fields...)
}

// RequestFields identifies a workflow request in a log entry by its
// human-facing id, type and current status.
func RequestFields(r *model.WorkflowRequest) []zap.Field {
	if r == nil {
		return nil
	}
	return []zap.Field{
		zap.String("request_id", r.RequestID),
		zap.String("type", r.Type),
		zap.String("status", r.Status),
	}
}

// sensitiveKeys holds lowercased form field ids whose values never reach the
// logs: credentials plus the personal and banking data portal forms collect.
var sensitiveKeys = map[string]bool{
	"password":        true,
	"senha":           true,
	"token":           true,
	"secret":          true,
	"authorization":   true,
	"cpf":             true,
	"rg":              true,
	"cnh":             true,
	"pis":             true,
	"salary":          true,
	"salario":         true,
	"bank_account":    true,
	"conta":           true,
	"agencia":         true,
	"pix":             true,
	"chave_pix":       true,
	"birth_date":      true,
	"data_nascimento": true,
}

// RedactBody returns a copy of form data with sensitive values replaced by
// Redacted. Keys match case-insensitively against the built-in list and
// extra. Nested objects and lists of objects are walked; body is untouched.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	keys := sensitiveKeys
	if len(extra) > 0 {
		keys = make(map[string]bool, len(sensitiveKeys)+len(extra))
		for k := range sensitiveKeys {
			keys[k] = true
		}
		for _, k := range extra {
			keys[strings.ToLower(k)] = true
		}
	}
	return redactMap(body, keys)
}

func redactMap(m map[string]any, keys map[string]bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if keys[strings.ToLower(k)] {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v, keys)
	}
	return out
}

func redactValue(v any, keys map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, keys)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item, keys)
		}
		return out
	default:
		return v
	}
}
