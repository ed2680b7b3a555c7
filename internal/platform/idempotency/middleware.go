package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"maps"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/auth"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/httpx"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/requestctx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
	anonymousCaller   = "anonymous"
	maxKeyLength      = 200
)

type clockFunc func() time.Time

type guard struct {
	store   Store
	header  string
	ttl     time.Duration
	methods map[string]struct{}
	clock   clockFunc
}

type MiddlewareOption func(*guard)

// WithHeader overrides the request header carrying the key.
func WithHeader(name string) MiddlewareOption {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

// WithTTL sets how long a completed response stays replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithMethods replaces the set of guarded HTTP methods.
func WithMethods(methods ...string) MiddlewareOption {
	return func(g *guard) {
		set := make(map[string]struct{}, len(methods))
		for _, method := range methods {
			if method = strings.ToUpper(strings.TrimSpace(method)); method != "" {
				set[method] = struct{}{}
			}
		}
		if len(set) > 0 {
			g.methods = set
		}
	}
}

func WithClock(clock clockFunc) MiddlewareOption {
	return func(g *guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// Middleware makes order and claim commands safe to resend. The first request under a key runs and
// its response is stored; later requests with the same key and payload get the stored response back
// with X-Idempotent-Replay: true. Keys are scoped per signed caller.
//
// Responses a caller is expected to retry (5xx, 409 version conflicts, 429) are not stored, so the
// retry runs the command again against fresh state.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	g := &guard{
		store:  store,
		header: defaultHeaderName,
		ttl:    DefaultTTL,
		methods: map[string]struct{}{
			http.MethodPost:   {},
			http.MethodPut:    {},
			http.MethodPatch:  {},
			http.MethodDelete: {},
		},
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, guarded := g.methods[r.Method]; !guarded {
				next.ServeHTTP(w, r)
				return
			}
			g.serve(w, r, next)
		})
	}
}

func (g *guard) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx)

	key, rejected := g.keyOf(r)
	if rejected != nil {
		httpx.WriteError(ctx, w, *rejected)
		return
	}
	requestctx.Annotate(ctx, "idempotencyKey", key.Value)

	body, err := bufferBody(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_read_body_failed", "unable to read request body", http.StatusBadRequest))
		return
	}
	fingerprint := fingerprintOf(r, body, key.Caller)

	outcome, entry, err := g.store.Begin(ctx, key, fingerprint, g.clock().UTC(), g.ttl)
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusConflict))
		return
	case err != nil:
		logger.Error("idempotency begin failed", zap.Stringer("key", key), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error", "unable to process idempotency key", http.StatusInternalServerError))
		return
	}

	switch outcome {
	case Replay:
		requestctx.Annotate(ctx, "idempotentReplay", "true")
		replay(w, entry.Response)
		return
	case InFlight:
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict))
		return
	}

	rec := newRecorder(w)
	next.ServeHTTP(rec, r)

	if storable(rec.code()) {
		resp := Response{Status: rec.code(), Header: rec.header.Clone(), Body: rec.body.Bytes()}
		if err := g.store.Finish(ctx, key, fingerprint, resp, g.clock().UTC(), g.ttl); err != nil {
			logger.Error("idempotency finish failed", zap.Stringer("key", key), zap.Error(err))
			g.abandon(ctx, key, fingerprint, logger)
			httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error", "unable to persist idempotency state", http.StatusInternalServerError))
			return
		}
	} else {
		g.abandon(ctx, key, fingerprint, logger)
	}
	if err := rec.flush(); err != nil {
		logger.Warn("idempotency response flush failed", zap.Error(err))
	}
}

// keyOf reads the key header and scopes it to the signed caller.
func (g *guard) keyOf(r *http.Request) (Key, *httpx.Error) {
	var rejected httpx.Error
	value := strings.TrimSpace(r.Header.Get(g.header))
	switch {
	case value == "":
		rejected = httpx.NewError("idempotency_key_required", "missing idempotency key header", http.StatusBadRequest)
		return Key{}, &rejected
	case len(value) > maxKeyLength:
		rejected = httpx.NewError("invalid_request", "idempotency key is too long", http.StatusBadRequest)
		return Key{}, &rejected
	}
	caller := anonymousCaller
	if c, ok := auth.CallerFromContext(r.Context()); ok {
		caller = c.Name
	}
	return Key{Caller: caller, Value: value}, nil
}

func (g *guard) abandon(ctx context.Context, key Key, fingerprint string, logger *zap.Logger) {
	if err := g.store.Abandon(ctx, key, fingerprint); err != nil {
		logger.Error("idempotency abandon failed", zap.Stringer("key", key), zap.Error(err))
	}
}

func storable(status int) bool {
	switch {
	case status >= http.StatusInternalServerError:
		return false
	case status == http.StatusConflict, status == http.StatusTooManyRequests:
		return false
	}
	return true
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// fingerprintOf hashes what makes two requests the same command: method, path, query, content type,
// caller and body.
func fingerprintOf(r *http.Request, body []byte, caller string) string {
	h := sha256.New()
	for _, part := range []string{
		strings.ToUpper(r.Method),
		r.URL.Path,
		r.URL.RawQuery,
		r.Header.Get("Content-Type"),
		caller,
	} {
		_, _ = io.WriteString(h, part)
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func replay(w http.ResponseWriter, resp Response) {
	header := w.Header()
	clear(header)
	for name, values := range resp.Header {
		header[name] = append([]string(nil), values...)
	}
	header.Set(replayHeaderName, "true")

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

// recorder holds the handler's response until the outcome has been stored.
type recorder struct {
	target http.ResponseWriter
	header http.Header
	status int
	body   bytes.Buffer
}

func newRecorder(target http.ResponseWriter) *recorder {
	return &recorder{target: target, header: make(http.Header)}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *recorder) Write(data []byte) (int, error) {
	r.WriteHeader(http.StatusOK)
	return r.body.Write(data)
}

func (r *recorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *recorder) flush() error {
	maps.Copy(r.target.Header(), r.header)
	r.target.WriteHeader(r.code())
	if r.body.Len() == 0 {
		return nil
	}
	_, err := r.target.Write(r.body.Bytes())
	return err
}
