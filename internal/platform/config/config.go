// Package config loads runtime settings for the order API and the order-command worker.
//
// Values are layered: built-in defaults, then an optional YAML file named by COMMERCE_CONFIG_FILE,
// then a .env file, the process environment and finally explicit overrides. Secret references
// (secret:// or sm://) are resolved last.
package config

import "time"

// Persistence drivers.
const (
	DriverFirestore = "firestore"
	DriverMemory    = "memory"
)

// Claim follow-up dispatch modes.
const (
	DispatchInline = "inline"
	DispatchPubSub = "pubsub"
)

// EnvironmentLocal is the only environment allowed to run the internal API without caller secrets.
const EnvironmentLocal = "local"

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"-"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Firestore   FirestoreConfig   `yaml:"firestore"`
	PubSub      PubSubConfig      `yaml:"pubsub"`
	PSP         PSPConfig         `yaml:"psp"`
	Orders      OrdersConfig      `yaml:"orders"`
	Discounts   DiscountsConfig   `yaml:"discounts"`
	Claims      ClaimsConfig      `yaml:"claims"`
	Security    SecurityConfig    `yaml:"security"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Secrets     SecretsConfig     `yaml:"secrets"`
}

// LoggingConfig selects the zap level and encoding. It comes from the environment only (see
// LoggingFrom) because the logger is built before the config file is read.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PersistenceConfig selects the repository backend.
type PersistenceConfig struct {
	Driver string `yaml:"driver"`
}

type FirestoreConfig struct {
	ProjectID    string `yaml:"projectId"`
	EmulatorHost string `yaml:"emulatorHost"`
	// TxAttempts bounds how often an aborted transaction is retried. TxTimeout caps each unit of
	// work unless the caller's deadline is sooner.
	TxAttempts int           `yaml:"txAttempts"`
	TxTimeout  time.Duration `yaml:"txTimeout"`
}

// PubSubConfig names the topics and subscription used for order events and relayed commands.
// ProjectID falls back to the Firestore project.
type PubSubConfig struct {
	ProjectID                 string `yaml:"projectId"`
	EmulatorHost              string `yaml:"emulatorHost"`
	OrderEventsTopic          string `yaml:"orderEventsTopic"`
	OrderCommandsTopic        string `yaml:"orderCommandsTopic"`
	OrderCommandsSubscription string `yaml:"orderCommandsSubscription"`
}

// PSPConfig holds the Stripe credentials used for refunds. An empty key records refunds locally.
type PSPConfig struct {
	StripeAPIKey  string `yaml:"stripeApiKey"`
	StripeAccount string `yaml:"stripeAccount"`
}

// OrdersConfig holds order lifecycle parameters. Locale drives discount label formatting.
type OrdersConfig struct {
	ReturnWindow time.Duration `yaml:"returnWindow"`
	Locale       string        `yaml:"locale"`
}

type DiscountsConfig struct {
	PolicyCacheTTL time.Duration `yaml:"policyCacheTTL"`
}

// ClaimsConfig controls how claim resolutions reach the order service.
type ClaimsConfig struct {
	DispatchMode string `yaml:"dispatchMode"`
}

type SecurityConfig struct {
	Environment string          `yaml:"environment"`
	HMAC        HMACConfig      `yaml:"hmac"`
	RateLimit   RateLimitConfig `yaml:"rateLimit"`
}

// Local reports whether the process runs in the local environment.
func (c SecurityConfig) Local() bool {
	return c.Environment == EnvironmentLocal
}

// RateLimitConfig throttles each internal caller. Zero Requests disables throttling.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// HMACConfig maps caller names to signing secrets and names the signature headers.
type HMACConfig struct {
	Secrets         map[string]string `yaml:"secrets"`
	SignatureHeader string            `yaml:"signatureHeader"`
	TimestampHeader string            `yaml:"timestampHeader"`
	NonceHeader     string            `yaml:"nonceHeader"`
	ClockSkew       time.Duration     `yaml:"clockSkew"`
	NonceTTL        time.Duration     `yaml:"nonceTTL"`
}

type IdempotencyConfig struct {
	Header string        `yaml:"header"`
	TTL    time.Duration `yaml:"ttl"`
}

// SecretsConfig configures Secret Manager lookups. DefaultProject falls back to the Firestore project.
type SecretsConfig struct {
	DefaultProject string `yaml:"defaultProject"`
	FallbackFile   string `yaml:"fallbackFile"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     2 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:     LoggingConfig{Level: "info", Encoding: "json"},
		Persistence: PersistenceConfig{Driver: DriverFirestore},
		Firestore:   FirestoreConfig{TxAttempts: 5, TxTimeout: 15 * time.Second},
		PubSub: PubSubConfig{
			OrderEventsTopic:          "order-events",
			OrderCommandsTopic:        "order-commands",
			OrderCommandsSubscription: "order-commands-worker",
		},
		Orders: OrdersConfig{
			ReturnWindow: 7 * 24 * time.Hour,
			Locale:       "ko-KR",
		},
		Discounts: DiscountsConfig{PolicyCacheTTL: 5 * time.Minute},
		Claims:    ClaimsConfig{DispatchMode: DispatchInline},
		Security: SecurityConfig{
			Environment: EnvironmentLocal,
			HMAC: HMACConfig{
				Secrets:         map[string]string{},
				SignatureHeader: "X-Signature",
				TimestampHeader: "X-Signature-Timestamp",
				NonceHeader:     "X-Signature-Nonce",
				ClockSkew:       5 * time.Minute,
				NonceTTL:        5 * time.Minute,
			},
			RateLimit: RateLimitConfig{Requests: 600, Window: time.Minute},
		},
		Idempotency: IdempotencyConfig{Header: "Idempotency-Key", TTL: 24 * time.Hour},
		Secrets:     SecretsConfig{FallbackFile: ".secrets.local"},
	}
}
