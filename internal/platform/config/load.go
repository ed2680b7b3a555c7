package config

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envPrefix      = "COMMERCE_"
	defaultEnvFile = ".env"
)

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	overrides             map[string]string
	systemEnv             bool
	resolver              SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, systemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// WithEnvFile overrides the .env file path. An empty path skips the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects values that win over every other source.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.overrides = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.systemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.resolver = resolver }
}

// WithRequiredSecrets marks secrets that must resolve to a non-empty value, named by config field
// (for example "PSP.StripeAPIKey" or "Security.HMAC.Secrets[checkout]").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets makes Load panic with *MissingSecretsError instead of returning it.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

// EnvironmentValues returns the merged key/value environment Load reads from
// (.env < process environment < WithEnvMap). The binaries use it to build the secret resolver
// before calling Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	dotEnv, err := readDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, len(dotEnv))
	maps.Copy(values, dotEnv)
	if options.systemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if key = strings.TrimSpace(key); ok && key != "" {
				values[key] = value
			}
		}
	}
	maps.Copy(values, options.overrides)
	return values, nil
}

// LoggingFrom reads the logging settings from values as returned by EnvironmentValues, for binaries
// that need a logger before Load runs.
func LoggingFrom(values map[string]string) LoggingConfig {
	env := &environment{values: values}
	return env.logging(Defaults().Logging)
}

// Load assembles the configuration, resolves secret references and validates the result.
// Validation failures are reported together as *ValidationError; unparsable durations and numbers
// are reported there too rather than silently replaced by defaults.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	values, err := EnvironmentValues(opts...)
	if err != nil {
		return Config{}, err
	}
	env := &environment{values: values}

	cfg := Defaults()
	if path := env.str("CONFIG_FILE", ""); path != "" {
		if err := readConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.apply(env)
	cfg.inheritProjects()

	resolved, err := cfg.resolveSecrets(ctx, options.resolver)
	if err != nil {
		return Config{}, err
	}

	report := &fieldReport{fields: env.invalid}
	cfg.validate(report)
	if err := report.err(); err != nil {
		return Config{}, err
	}

	required := append(slices.Clone(options.requiredSecrets), env.list("SECRETS_REQUIRED")...)
	if missing := findMissingSecrets(required, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

func (c *Config) apply(env *environment) {
	s := &c.Server
	s.Port = env.str("SERVER_PORT", s.Port)
	s.ReadTimeout = env.duration("Server.ReadTimeout", "SERVER_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = env.duration("Server.WriteTimeout", "SERVER_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = env.duration("Server.IdleTimeout", "SERVER_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = env.duration("Server.ShutdownTimeout", "SERVER_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)

	c.Logging = env.logging(c.Logging)

	c.Persistence.Driver = strings.ToLower(env.str("PERSISTENCE_DRIVER", c.Persistence.Driver))
	c.Firestore.ProjectID = env.str("FIRESTORE_PROJECT_ID", c.Firestore.ProjectID)
	c.Firestore.EmulatorHost = env.str("FIRESTORE_EMULATOR_HOST", c.Firestore.EmulatorHost)
	c.Firestore.TxAttempts = env.integer("Firestore.TxAttempts", "FIRESTORE_TX_ATTEMPTS", c.Firestore.TxAttempts)
	c.Firestore.TxTimeout = env.duration("Firestore.TxTimeout", "FIRESTORE_TX_TIMEOUT", c.Firestore.TxTimeout)

	p := &c.PubSub
	p.ProjectID = env.str("PUBSUB_PROJECT_ID", p.ProjectID)
	p.EmulatorHost = env.str("PUBSUB_EMULATOR_HOST", p.EmulatorHost)
	p.OrderEventsTopic = env.str("PUBSUB_ORDER_EVENTS_TOPIC", p.OrderEventsTopic)
	p.OrderCommandsTopic = env.str("PUBSUB_ORDER_COMMANDS_TOPIC", p.OrderCommandsTopic)
	p.OrderCommandsSubscription = env.str("PUBSUB_ORDER_COMMANDS_SUBSCRIPTION", p.OrderCommandsSubscription)

	c.PSP.StripeAPIKey = env.str("PSP_STRIPE_API_KEY", c.PSP.StripeAPIKey)
	c.PSP.StripeAccount = env.str("PSP_STRIPE_ACCOUNT", c.PSP.StripeAccount)

	c.Orders.ReturnWindow = env.duration("Orders.ReturnWindow", "ORDERS_RETURN_WINDOW", c.Orders.ReturnWindow)
	c.Orders.Locale = env.str("ORDERS_LOCALE", c.Orders.Locale)
	c.Discounts.PolicyCacheTTL = env.duration("Discounts.PolicyCacheTTL", "DISCOUNTS_POLICY_CACHE_TTL", c.Discounts.PolicyCacheTTL)
	c.Claims.DispatchMode = strings.ToLower(env.str("CLAIMS_DISPATCH_MODE", c.Claims.DispatchMode))

	sec := &c.Security
	sec.Environment = strings.ToLower(env.str("SECURITY_ENVIRONMENT", sec.Environment))
	h := &sec.HMAC
	h.Secrets = normalizeCallers(h.Secrets)
	maps.Copy(h.Secrets, env.callers("SECURITY_HMAC_SECRETS"))
	h.SignatureHeader = env.str("SECURITY_HMAC_HEADER_SIGNATURE", h.SignatureHeader)
	h.TimestampHeader = env.str("SECURITY_HMAC_HEADER_TIMESTAMP", h.TimestampHeader)
	h.NonceHeader = env.str("SECURITY_HMAC_HEADER_NONCE", h.NonceHeader)
	h.ClockSkew = env.duration("Security.HMAC.ClockSkew", "SECURITY_HMAC_CLOCK_SKEW", h.ClockSkew)
	h.NonceTTL = env.duration("Security.HMAC.NonceTTL", "SECURITY_HMAC_NONCE_TTL", h.NonceTTL)
	sec.RateLimit.Requests = env.integer("Security.RateLimit.Requests", "SECURITY_RATE_LIMIT_REQUESTS", sec.RateLimit.Requests)
	sec.RateLimit.Window = env.duration("Security.RateLimit.Window", "SECURITY_RATE_LIMIT_WINDOW", sec.RateLimit.Window)

	c.Idempotency.Header = env.str("IDEMPOTENCY_HEADER", c.Idempotency.Header)
	c.Idempotency.TTL = env.duration("Idempotency.TTL", "IDEMPOTENCY_TTL", c.Idempotency.TTL)
	c.Secrets.DefaultProject = env.str("SECRETS_DEFAULT_PROJECT", c.Secrets.DefaultProject)
	c.Secrets.FallbackFile = env.str("SECRETS_FALLBACK_FILE", c.Secrets.FallbackFile)
}

// inheritProjects points Pub/Sub and Secret Manager at the Firestore project unless overridden.
func (c *Config) inheritProjects() {
	if c.PubSub.ProjectID == "" {
		c.PubSub.ProjectID = c.Firestore.ProjectID
	}
	if c.Secrets.DefaultProject == "" {
		c.Secrets.DefaultProject = c.Firestore.ProjectID
	}
}

// environment reads COMMERCE_* keys and remembers which fields failed to parse.
type environment struct {
	values  map[string]string
	invalid []string
}

func (e *environment) raw(key string) (string, bool) {
	value, ok := e.values[envPrefix+key]
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func (e *environment) logging(current LoggingConfig) LoggingConfig {
	return LoggingConfig{
		Level:    strings.ToLower(e.str("LOG_LEVEL", current.Level)),
		Encoding: strings.ToLower(e.str("LOG_ENCODING", current.Encoding)),
	}
}

// list splits a comma-separated value, dropping blank items.
func (e *environment) list(key string) []string {
	value, _ := e.raw(key)
	return slices.DeleteFunc(strings.Split(value, ","), func(item string) bool {
		return strings.TrimSpace(item) == ""
	})
}

func (e *environment) str(key, current string) string {
	if value, ok := e.raw(key); ok {
		return value
	}
	return current
}

func (e *environment) duration(field, key string, current time.Duration) time.Duration {
	value, ok := e.raw(key)
	if !ok {
		return current
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.invalid = append(e.invalid, field)
		return current
	}
	return d
}

func (e *environment) integer(field, key string, current int) int {
	value, ok := e.raw(key)
	if !ok {
		return current
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		e.invalid = append(e.invalid, field)
		return current
	}
	return n
}

// callers parses "name=secret,name=secret". Names are lower-cased; malformed entries are skipped.
func (e *environment) callers(key string) map[string]string {
	value, ok := e.raw(key)
	if !ok {
		return nil
	}
	out := make(map[string]string)
	for _, entry := range strings.Split(value, ",") {
		name, secret, found := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		secret = strings.TrimSpace(secret)
		if found && name != "" && secret != "" {
			out[name] = secret
		}
	}
	return out
}

func normalizeCallers(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for name, secret := range in {
		name = strings.ToLower(strings.TrimSpace(name))
		if secret = strings.TrimSpace(secret); name != "" && secret != "" {
			out[name] = secret
		}
	}
	return out
}

// readConfigFile decodes a YAML file over cfg. Keys the file leaves out keep their current value.
func readConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return values, nil
}
