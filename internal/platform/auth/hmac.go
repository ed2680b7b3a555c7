// Package auth verifies HMAC-signed requests from internal callers (checkout, claims, back
// office) and tracks signature nonces so a captured request cannot be replayed.
package auth

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/httpx"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/requestctx"
)

const meterName = "github.com/ryu-qqq/setof-commerce-sub006/internal/platform/auth"

// rejection is a verification failure with the status and error code the caller sees.
type rejection struct {
	status int
	code   string
	reason string
	cause  error
}

func (r *rejection) Error() string {
	if r.cause != nil {
		return r.reason + ": " + r.cause.Error()
	}
	return r.reason
}

func (r *rejection) Unwrap() error { return r.cause }

func unauthorized(code, reason string) *rejection {
	return &rejection{status: http.StatusUnauthorized, code: code, reason: reason}
}

var (
	errUnknownCaller     = unauthorized("unknown_caller", "caller not recognised")
	errSignatureMissing  = unauthorized("signature_missing", "signature header missing")
	errSignatureEncoding = unauthorized("signature_invalid", "signature encoding invalid")
	errSignatureMismatch = unauthorized("signature_mismatch", "signature verification failed")
	errTimestampInvalid  = unauthorized("timestamp_invalid", "signature timestamp missing or invalid")
	errTimestampSkew     = unauthorized("timestamp_skew", "signature timestamp outside allowed window")
	errNonceMissing      = unauthorized("nonce_missing", "signature nonce missing")
	errNonceReplay       = unauthorized("nonce_replay", "duplicate signature nonce")
	errUnreadableBody    = &rejection{status: http.StatusBadRequest, code: "invalid_body", reason: "unable to read body for signature verification"}
)

// HMACValidator checks signatures against one shared secret per caller, chosen by the X-Caller
// header. The timestamp must be within the clock skew and the nonce unused for that caller.
type HMACValidator struct {
	secrets map[string][]byte
	nonces  NonceStore

	logger        *zap.Logger
	verifications metric.Int64Counter
	now           func() time.Time

	callerHeader    string
	signatureHeader string
	timestampHeader string
	nonceHeader     string

	clockSkew time.Duration
	nonceTTL  time.Duration
}

type HMACOption func(*HMACValidator)

// WithHMACLogger sets the logger used when the request context carries none.
func WithHMACLogger(logger *zap.Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACMeter counts verifications by outcome on meter. The global meter provider is used
// otherwise.
func WithHMACMeter(meter metric.Meter) HMACOption {
	return func(v *HMACValidator) {
		if meter == nil {
			return
		}
		counter, err := meter.Int64Counter("auth.hmac.verifications",
			metric.WithDescription("Signed request verification attempts by outcome"))
		if err == nil {
			v.verifications = counter
		}
	}
}

func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders renames the signature headers; empty names keep the defaults.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		for dst, name := range map[*string]string{
			&v.signatureHeader: signature,
			&v.timestampHeader: timestamp,
			&v.nonceHeader:     nonce,
		} {
			if name != "" {
				*dst = name
			}
		}
	}
}

func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithHMACNonceTTL sets how long a nonce stays used beyond the clock skew.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// NewHMACValidator takes caller name to shared secret. Names are case-insensitive; blank entries
// are ignored, and at least one usable secret is required.
func NewHMACValidator(secrets map[string]string, nonces NonceStore, opts ...HMACOption) (*HMACValidator, error) {
	if nonces == nil {
		return nil, errors.New("auth: nonce store is required")
	}
	keyed := make(map[string][]byte, len(secrets))
	for name, secret := range secrets {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" && strings.TrimSpace(secret) != "" {
			keyed[name] = []byte(secret)
		}
	}
	if len(keyed) == 0 {
		return nil, errors.New("auth: at least one caller secret is required")
	}

	v := &HMACValidator{
		secrets:         keyed,
		nonces:          nonces,
		logger:          zap.NewNop(),
		now:             time.Now,
		callerHeader:    defaultCallerHeader,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       5 * time.Minute,
		nonceTTL:        5 * time.Minute,
	}
	WithHMACMeter(otel.GetMeterProvider().Meter(meterName))(v)
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// RequireSignedCaller admits only requests signed by a known caller. The verified Caller is put
// on the request context and its name on the request logger.
func (v *HMACValidator) RequireSignedCaller() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			caller, rejected := v.verify(r)
			outcome := "ok"
			if rejected != nil {
				outcome = rejected.code
			}
			v.record(ctx, outcome)

			if rejected != nil {
				logger := requestctx.LoggerOr(ctx, v.logger)
				logger.Warn("signed request rejected",
					zap.String("reason", rejected.code),
					zap.String("caller", caller.Name),
					zap.Error(rejected))
				httpx.WriteError(ctx, w, httpx.NewError(rejected.code, rejected.reason, rejected.status))
				return
			}

			ctx = requestctx.WithLogger(ctx, requestctx.Logger(ctx).With(zap.String("caller", caller.Name)))
			requestctx.Annotate(ctx, "caller", caller.Name)
			next.ServeHTTP(w, r.WithContext(WithCaller(ctx, caller)))
		})
	}
}

// verify checks the cheap header conditions first and touches the nonce store only once the
// signature matches, so unsigned traffic cannot fill it.
func (v *HMACValidator) verify(r *http.Request) (Caller, *rejection) {
	header := func(name string) string { return strings.TrimSpace(r.Header.Get(name)) }

	in := signingInput{
		caller:    strings.ToLower(header(v.callerHeader)),
		timestamp: header(v.timestampHeader),
		nonce:     header(v.nonceHeader),
	}
	caller := Caller{Name: in.caller, Nonce: in.nonce}

	secret, known := v.secrets[in.caller]
	if !known {
		return caller, errUnknownCaller
	}
	encoded := header(v.signatureHeader)
	if encoded == "" {
		return caller, errSignatureMissing
	}
	signedAt, err := parseTimestamp(in.timestamp)
	if err != nil {
		return caller, errTimestampInvalid
	}
	if skew := v.now().Sub(signedAt); skew > v.clockSkew || skew < -v.clockSkew {
		return caller, errTimestampSkew
	}
	caller.SignedAt = signedAt
	if in.nonce == "" {
		return caller, errNonceMissing
	}

	body, err := peekBody(r)
	if err != nil {
		return caller, errUnreadableBody
	}
	signature, err := decodeSignature(encoded)
	if err != nil {
		return caller, errSignatureEncoding
	}
	if !hmac.Equal(signature, in.digest(secret, r, body)) {
		return caller, errSignatureMismatch
	}

	fresh, err := v.nonces.UseNonce(r.Context(), caller.Name, caller.Nonce, signedAt.Add(v.clockSkew+v.nonceTTL))
	switch {
	case err != nil:
		return caller, &rejection{
			status: http.StatusServiceUnavailable,
			code:   "verification_unavailable",
			reason: "signature verification temporarily unavailable",
			cause:  fmt.Errorf("nonce store: %w", err),
		}
	case !fresh:
		return caller, errNonceReplay
	}
	return caller, nil
}

func (v *HMACValidator) record(ctx context.Context, outcome string) {
	if v.verifications != nil {
		v.verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
