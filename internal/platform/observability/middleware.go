package observability

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/httpx"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/requestctx"
)

const instrumentationName = "github.com/ryu-qqq/setof-commerce-sub006/internal/platform/observability"

// routeIdentifiers maps chi URL parameters to the log and span keys they are reported under.
var routeIdentifiers = []struct {
	param   string
	logKey  string
	spanKey string
}{
	{"orderID", "orderId", "commerce.order_id"},
	{"claimID", "claimId", "commerce.claim_id"},
	{"sellerID", "sellerId", "commerce.seller_id"},
	{"policyID", "policyId", "commerce.policy_id"},
}

// RequestOption customises RequestLoggerMiddleware.
type RequestOption func(*requestConfig)

type requestConfig struct {
	meter metric.Meter
	clock func() time.Time
}

// WithRequestMeter records request durations on meter instead of the global provider.
func WithRequestMeter(meter metric.Meter) RequestOption {
	return func(cfg *requestConfig) {
		if meter != nil {
			cfg.meter = meter
		}
	}
}

// WithRequestClock overrides the clock used to measure latency.
func WithRequestClock(clock func() time.Time) RequestOption {
	return func(cfg *requestConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// InjectLoggerMiddleware stores logger on every request context.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// RequestLoggerMiddleware writes one access log line per request once the handler returns. The
// line carries the matched chi route, identifiers bound from the path, and anything downstream
// recorded with requestctx.Annotate. Identifiers also go on the active span; latency goes to the
// http.server.request.duration histogram.
func RequestLoggerMiddleware(projectID string, opts ...RequestOption) func(http.Handler) http.Handler {
	cfg := requestConfig{meter: otel.Meter(instrumentationName), clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := &accessLog{projectID: projectID, clock: cfg.clock}
	duration, err := cfg.meter.Float64Histogram("http.server.request.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of internal API requests."))
	if err != nil {
		otel.Handle(err)
	} else {
		log.duration = duration
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, annotations := requestctx.WithAnnotations(r.Context())
			ctx = log.bind(ctx, r)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := log.clock()

			returned := false
			defer func() {
				log.complete(ctx, r, ww, log.clock().Sub(started), !returned, annotations)
			}()
			next.ServeHTTP(ww, r.WithContext(ctx))
			returned = true
		})
	}
}

type accessLog struct {
	projectID string
	clock     func() time.Time
	duration  metric.Float64Histogram
}

// bind puts a request-scoped logger carrying the request, trace and client on ctx.
func (a *accessLog) bind(ctx context.Context, r *http.Request) context.Context {
	info, _ := requestctx.Trace(ctx)
	if info.ProjectID == "" {
		info.ProjectID = a.projectID
	}
	fields := []zap.Field{
		zap.String("request_id", middleware.GetReqID(ctx)),
		zap.String("method", SanitizeMethod(r.Method)),
		zap.String("trace_id", info.TraceID),
	}
	if resource := loggingTraceResource(info); resource != "" {
		fields = append(fields, zap.String("logging.googleapis.com/trace", resource))
	}
	if ip := remoteHost(r.RemoteAddr); ip != "" {
		fields = append(fields, zap.String("remote_ip", ip))
	}
	return requestctx.WithLogger(ctx, requestctx.Logger(ctx).With(fields...))
}

// complete reports a request that panicked as a 500 even if a lower status was already written.
func (a *accessLog) complete(ctx context.Context, r *http.Request, ww middleware.WrapResponseWriter, latency time.Duration, panicked bool, annotations *requestctx.Annotations) {
	status := ww.Status()
	if status == 0 {
		status = http.StatusOK
	}
	if panicked && status < http.StatusInternalServerError {
		status = http.StatusInternalServerError
	}
	route := SanitizeRoute(routePattern(r))

	fields := []zap.Field{
		zap.String("route", route),
		zap.Int("status", status),
		zap.Duration("latency", latency),
		zap.Int("bytes", ww.BytesWritten()),
	}
	spanAttrs := []attribute.KeyValue{semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(status)}
	for _, id := range routeIdentifiers {
		if value := SanitizeIdentifier(chi.URLParamFromCtx(ctx, id.param)); value != "" {
			fields = append(fields, zap.String(id.logKey, value))
			spanAttrs = append(spanAttrs, attribute.String(id.spanKey, value))
		}
	}
	fields = append(fields, annotations.Fields()...)

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(spanAttrs...)
	setSpanStatus(span, status)

	if a.duration != nil {
		a.duration.Record(ctx, latency.Seconds(), metric.WithAttributes(
			semconv.HTTPRoute(route),
			semconv.HTTPRequestMethodKey.String(SanitizeMethod(r.Method)),
			attribute.String("http.response.status_class", strconv.Itoa(status/100)+"xx"),
		))
	}

	logger := requestctx.Logger(ctx)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request completed", fields...)
	case status >= http.StatusBadRequest:
		logger.Warn("request completed", fields...)
	default:
		logger.Info("request completed", fields...)
	}
}

// RecoveryMiddleware turns a handler panic into a 500 envelope and logs the stack.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				ctx := r.Context()
				logger := requestctx.LoggerOr(ctx, fallback)
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				trace.SpanFromContext(ctx).RecordError(fmt.Errorf("panic: %v", rec))
				httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if r.URL != nil && r.URL.Path != "" {
		return r.URL.Path
	}
	return "/"
}

func loggingTraceResource(info requestctx.TraceInfo) string {
	if info.ProjectID == "" || info.TraceID == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/traces/%s", info.ProjectID, info.TraceID)
}

func setSpanStatus(span trace.Span, status int) {
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
		return
	}
	span.SetStatus(codes.Ok, "")
}
