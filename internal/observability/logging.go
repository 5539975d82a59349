package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/addonrt/internal/config"
	"github.com/pitabwire/addonrt/model"
)

type loggerKey struct{}

// NewLogger builds the process logger writing to stdout in cfg.LogFormat
// (json unless "console"). An unknown level falls back to info.
//
// Levels:
//   - error: store failures, unpersisted results, recovered panics
//   - warn:  invocations ending in EXCEPTION, failed refreshes, 4xx ops requests
//   - info:  invocation start and end, process lifecycle
//   - debug: capability cache, redacted kwargs, outbound request headers
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	switch cfg.LogFormat {
	case "", "json", "console":
	default:
		return nil, fmt.Errorf("observability: unknown log format %q", cfg.LogFormat)
	}
	core := newCore(cfg, zapcore.Lock(os.Stdout))
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
	), nil
}

func newCore(cfg config.ObservabilityConfig, out zapcore.WriteSyncer) zapcore.Core {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var encoder zapcore.Encoder
	if cfg.LogFormat == "console" {
		enc.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(enc)
	} else {
		encoder = zapcore.NewJSONEncoder(enc)
	}
	return zapcore.NewCore(encoder, out, zap.NewAtomicLevelAt(level))
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// CallerLogger is LoggerFrom enriched with the tenant, subject and
// correlation id of the Caller in ctx, plus the active trace id.
func CallerLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	var fields []zap.Field
	if c := model.CallerFrom(ctx); c != nil {
		fields = append(fields,
			zap.String("tenant_id", c.TenantID),
			zap.String("subject_id", c.SubjectID),
		)
		if c.CorrelationID != "" {
			fields = append(fields, zap.String("correlation_id", c.CorrelationID))
		}
	}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

const redacted = "[REDACTED]"

// sensitiveKeys are always masked by RedactBody, compared case-insensitively.
var sensitiveKeys = []string{
	"password", "secret", "client_secret", "token", "access_token",
	"refresh_token", "api_key", "apikey", "authorization", "private_key",
}

// RedactBody returns a deep copy of body in which sensitive keys, plus
// extra, are masked. Objects nested in arrays are redacted too.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	keys := make(map[string]bool, len(sensitiveKeys)+len(extra))
	for _, k := range sensitiveKeys {
		keys[k] = true
	}
	for _, k := range extra {
		keys[strings.ToLower(k)] = true
	}
	return redactObject(body, keys)
}

func redactObject(obj map[string]any, keys map[string]bool) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if keys[strings.ToLower(k)] {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, keys)
	}
	return out
}

func redactValue(v any, keys map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		return redactObject(t, keys)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e, keys)
		}
		return out
	default:
		return v
	}
}

// credentialHeaderParts mark a header as credential-bearing when contained
// in its lower-cased name.
var credentialHeaderParts = []string{"authorization", "cookie", "token", "secret", "api-key", "apikey"}

// RedactHeaders returns a copy of h with credential-bearing headers masked.
func RedactHeaders(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		if isCredentialHeader(k) {
			out[k] = []string{redacted}
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func isCredentialHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, part := range credentialHeaderParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
