// Package requestctx carries per-request logging and trace state between middleware and handlers.
package requestctx

import (
	"context"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"
)

type (
	loggerKey      struct{}
	traceKey       struct{}
	annotationsKey struct{}
)

var noop = zap.NewNop()

// TraceInfo describes the span serving the current request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// Annotations collects identifiers learned while a request is served, such as the verified
// caller or the claim opened, for the access log line written after the handler returns.
type Annotations struct {
	mu     sync.Mutex
	values map[string]string
}

// Set ignores empty keys and values. A later Set for the same key wins.
func (a *Annotations) Set(key, value string) {
	if a == nil || key == "" || value == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.values == nil {
		a.values = map[string]string{}
	}
	a.values[key] = value
}

func (a *Annotations) Get(key string) (string, bool) {
	if a == nil {
		return "", false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	value, ok := a.values[key]
	return value, ok
}

// Fields orders the annotations by key.
func (a *Annotations) Fields() []zap.Field {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	fields := make([]zap.Field, 0, len(a.values))
	for _, key := range slices.Sorted(maps.Keys(a.values)) {
		fields = append(fields, zap.String(key, a.values[key]))
	}
	return fields
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// WithLogger stores logger on ctx; nil stores a no-op logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noop
	}
	return context.WithValue(orBackground(ctx), loggerKey{}, logger)
}

// Logger never returns nil.
func Logger(ctx context.Context) *zap.Logger {
	return LoggerOr(ctx, noop)
}

// LoggerOr returns the request logger, or fallback when ctx carries none.
func LoggerOr(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && logger != nil && logger != noop {
			return logger
		}
	}
	if fallback == nil {
		return noop
	}
	return fallback
}

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(orBackground(ctx), traceKey{}, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey{}).(TraceInfo)
	return info, ok
}

// TraceID is "" outside a traced request.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithAnnotations gives ctx a fresh holder and returns it for the access log.
func WithAnnotations(ctx context.Context) (context.Context, *Annotations) {
	annotations := &Annotations{}
	return context.WithValue(orBackground(ctx), annotationsKey{}, annotations), annotations
}

// Annotate is a no-op when ctx has no holder.
func Annotate(ctx context.Context, key, value string) {
	if ctx == nil {
		return
	}
	if annotations, ok := ctx.Value(annotationsKey{}).(*Annotations); ok {
		annotations.Set(key, value)
	}
}
