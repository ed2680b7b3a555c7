package observability

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/config"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/requestctx"
)

// NewLogger builds the process logger. JSON output uses Cloud Logging key names (severity,
// timestamp, message) so entries are parsed without an agent-side config. base fields are attached
// to every entry.
func NewLogger(cfg config.LoggingConfig, base ...zap.Field) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("observability: log level: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	zcfg.Sampling = nil
	zcfg.DisableStacktrace = true
	zcfg.EncoderConfig.MessageKey = "message"
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.LevelKey = "severity"
	zcfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if cfg.Encoding == "console" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(base...), nil
}

// WithLogger stores logger on ctx for request-scoped and background work.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// maskedEventFields are personal identifiers that are only logged in masked form.
var maskedEventFields = map[string]struct{}{
	"member":   {},
	"memberId": {},
}

// EventFunc is the event logging hook accepted by the service layer.
type EventFunc func(ctx context.Context, event string, fields map[string]any)

// EventLogger adapts zap to the service event hook. The request-scoped logger is preferred when
// the context carries one. Events ending in ".failed" are logged at error level, ".rejected" and
// ".conflict" at warn level, everything else at info. Member identifiers are masked.
func EventLogger(fallback *zap.Logger) EventFunc {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.LoggerOr(ctx, fallback)

		keys := slices.Sorted(maps.Keys(fields))
		zapFields := make([]zap.Field, 0, len(keys)+1)
		zapFields = append(zapFields, zap.String("event", event))
		for _, key := range keys {
			if err, ok := fields[key].(error); ok {
				zapFields = append(zapFields, zap.NamedError(key, err))
				continue
			}
			if _, masked := maskedEventFields[key]; masked {
				if value, ok := fields[key].(string); ok {
					zapFields = append(zapFields, zap.String(key, MaskIdentifier(value)))
					continue
				}
			}
			zapFields = append(zapFields, zap.Any(key, fields[key]))
		}

		switch {
		case strings.HasSuffix(event, ".failed"):
			logger.Error(event, zapFields...)
		case strings.HasSuffix(event, ".rejected"), strings.HasSuffix(event, ".conflict"):
			logger.Warn(event, zapFields...)
		default:
			logger.Info(event, zapFields...)
		}
	}
}
