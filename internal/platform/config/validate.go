package config

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"golang.org/x/text/language"
)

// ValidationError lists every missing or invalid field, named by its path in Config.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns the offending field paths in the order they were found.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

type fieldReport struct {
	fields []string
}

func (r *fieldReport) add(field string) {
	if !slices.Contains(r.fields, field) {
		r.fields = append(r.fields, field)
	}
}

func (r *fieldReport) check(ok bool, field string) {
	if !ok {
		r.add(field)
	}
}

func (r *fieldReport) positive(d time.Duration, field string) {
	r.check(d > 0, field)
}

func (r *fieldReport) present(value, field string) {
	r.check(strings.TrimSpace(value) != "", field)
}

func (r *fieldReport) err() error {
	if len(r.fields) == 0 {
		return nil
	}
	return &ValidationError{fields: r.fields}
}

func (c Config) validate(r *fieldReport) {
	c.Server.validate(r)

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		r.add("Logging.Level")
	}
	r.check(c.Logging.Encoding == "json" || c.Logging.Encoding == "console", "Logging.Encoding")

	switch c.Persistence.Driver {
	case DriverFirestore:
		r.present(c.Firestore.ProjectID, "Firestore.ProjectID")
		r.check(c.Firestore.TxAttempts > 0, "Firestore.TxAttempts")
		r.positive(c.Firestore.TxTimeout, "Firestore.TxTimeout")
	case DriverMemory:
	default:
		r.add("Persistence.Driver")
	}

	switch c.Claims.DispatchMode {
	case DispatchInline:
	case DispatchPubSub:
		r.present(c.PubSub.ProjectID, "PubSub.ProjectID")
		r.present(c.PubSub.OrderCommandsTopic, "PubSub.OrderCommandsTopic")
		r.present(c.PubSub.OrderCommandsSubscription, "PubSub.OrderCommandsSubscription")
	default:
		r.add("Claims.DispatchMode")
	}

	r.positive(c.Orders.ReturnWindow, "Orders.ReturnWindow")
	if _, err := language.Parse(c.Orders.Locale); err != nil {
		r.add("Orders.Locale")
	}
	r.positive(c.Discounts.PolicyCacheTTL, "Discounts.PolicyCacheTTL")

	c.Security.validate(r)

	r.present(c.Idempotency.Header, "Idempotency.Header")
	r.positive(c.Idempotency.TTL, "Idempotency.TTL")
}

func (s ServerConfig) validate(r *fieldReport) {
	port, err := strconv.Atoi(s.Port)
	r.check(err == nil && port > 0 && port <= 65535, "Server.Port")
	r.positive(s.ReadTimeout, "Server.ReadTimeout")
	r.positive(s.WriteTimeout, "Server.WriteTimeout")
	r.positive(s.ShutdownTimeout, "Server.ShutdownTimeout")
}

func (s SecurityConfig) validate(r *fieldReport) {
	r.present(s.Environment, "Security.Environment")

	limit := s.RateLimit
	r.check(limit.Requests >= 0, "Security.RateLimit.Requests")
	if limit.Requests > 0 {
		r.positive(limit.Window, "Security.RateLimit.Window")
	}

	if len(s.HMAC.Secrets) == 0 {
		return
	}
	r.present(s.HMAC.SignatureHeader, "Security.HMAC.SignatureHeader")
	r.present(s.HMAC.TimestampHeader, "Security.HMAC.TimestampHeader")
	r.present(s.HMAC.NonceHeader, "Security.HMAC.NonceHeader")
	r.positive(s.HMAC.ClockSkew, "Security.HMAC.ClockSkew")
	r.positive(s.HMAC.NonceTTL, "Security.HMAC.NonceTTL")
}
