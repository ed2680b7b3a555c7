package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ryu-qqq/setof-commerce-sub006/internal/payments"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/auth"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/config"
	pfirestore "github.com/ryu-qqq/setof-commerce-sub006/internal/platform/firestore"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/idempotency"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/jobs"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/observability"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
	firestorerepo "github.com/ryu-qqq/setof-commerce-sub006/internal/repositories/firestore"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories/memory"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/services"
)

const (
	meterName             = "github.com/ryu-qqq/setof-commerce-sub006"
	idempotencyCollection = "idempotencyKeys"
	nonceCollection       = "hmacNonces"
	pubsubProbeName       = "pubsub"
	pubsubProbeTimeout    = 3 * time.Second
)

// Services bundles the service-layer contracts that handlers and workers rely upon.
type Services struct {
	Orders           services.OrderService
	Claims           services.ClaimService
	DiscountEngine   *services.DiscountEngine
	DiscountPolicies services.DiscountPolicyService
	System           services.SystemService
}

// Container wires repositories, services, and messaging infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Idempotency  idempotency.Store
	Nonces       auth.NonceStore

	pubsub *pubsub.Client
	topics []*pubsub.Topic
}

// Option customises container construction.
type Option func(*containerOptions)

type containerOptions struct {
	logger   *zap.Logger
	build    services.BuildInfo
	registry repositories.Registry
	refunds  services.RefundGateway
	meter    metric.Meter
	clock    func() time.Time
}

// WithLogger sets the base logger handed to services as their event logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBuildInfo sets the build metadata reported by the system service.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = build
	}
}

// WithRegistry bypasses driver selection and uses the given repositories.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *containerOptions) {
		if reg != nil {
			o.registry = reg
		}
	}
}

// WithRefundGateway overrides the refund gateway derived from PSP configuration.
func WithRefundGateway(gateway services.RefundGateway) Option {
	return func(o *containerOptions) {
		if gateway != nil {
			o.refunds = gateway
		}
	}
}

// WithClock overrides the time source used by every service.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewContainer constructs the runtime dependencies for the configured persistence driver.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (*Container, error) {
	options := containerOptions{
		logger: zap.NewNop(),
		meter:  otel.Meter(meterName),
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	c := &Container{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close(context.Background())
		}
	}()

	if err := c.connectPubSub(ctx, cfg); err != nil {
		return nil, err
	}
	if err := c.buildPersistence(cfg, options); err != nil {
		return nil, err
	}

	svc, err := c.buildServices(cfg, options)
	if err != nil {
		return nil, err
	}
	c.Services = svc
	ok = true
	return c, nil
}

// Close stops topic publishers and releases repository and messaging clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	for _, topic := range c.topics {
		topic.Stop()
	}
	var errs []error
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close repositories: %w", err))
		}
	}
	if c.pubsub != nil {
		if err := c.pubsub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub: %w", err))
		}
	}
	return errors.Join(errs...)
}

// OrderCommandSubscription returns the subscription consumed by the order command worker.
func (c *Container) OrderCommandSubscription() (*pubsub.Subscription, error) {
	if c == nil || c.pubsub == nil {
		return nil, errors.New("pubsub is not configured")
	}
	name := strings.TrimSpace(c.Config.PubSub.OrderCommandsSubscription)
	if name == "" {
		return nil, errors.New("order command subscription is not configured")
	}
	return c.pubsub.Subscription(name), nil
}

// NewHMACValidator builds the signed-caller validator for the internal API.
func (c *Container) NewHMACValidator(logger *zap.Logger) (*auth.HMACValidator, error) {
	hmac := c.Config.Security.HMAC
	return auth.NewHMACValidator(hmac.Secrets, c.Nonces,
		auth.WithHMACLogger(logger),
		auth.WithHMACHeaders(hmac.SignatureHeader, hmac.TimestampHeader, hmac.NonceHeader),
		auth.WithHMACClockSkew(hmac.ClockSkew),
		auth.WithHMACNonceTTL(hmac.NonceTTL),
	)
}

func (c *Container) connectPubSub(ctx context.Context, cfg config.Config) error {
	projectID := strings.TrimSpace(cfg.PubSub.ProjectID)
	if projectID == "" {
		if cfg.Claims.DispatchMode == config.DispatchPubSub {
			return errors.New("pubsub dispatch requires a pubsub project id")
		}
		return nil
	}

	var opts []option.ClientOption
	if host := strings.TrimSpace(cfg.PubSub.EmulatorHost); host != "" {
		opts = append(opts,
			option.WithEndpoint(host),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}
	c.pubsub = client
	return nil
}

func (c *Container) topic(name string) *pubsub.Topic {
	topic := c.pubsub.Topic(name)
	topic.EnableMessageOrdering = true
	c.topics = append(c.topics, topic)
	return topic
}

func (c *Container) buildPersistence(cfg config.Config, options containerOptions) error {
	if options.registry != nil {
		c.Repositories = options.registry
		c.Idempotency = idempotency.NewMemoryStore()
		c.Nonces = auth.NewInMemoryNonceStore()
		return nil
	}

	switch cfg.Persistence.Driver {
	case config.DriverMemory:
		c.Repositories = memory.NewStore()
		c.Idempotency = idempotency.NewMemoryStore()
		c.Nonces = auth.NewInMemoryNonceStore()
		return nil
	case config.DriverFirestore, "":
	default:
		return fmt.Errorf("unsupported persistence driver %q", cfg.Persistence.Driver)
	}

	provider := pfirestore.NewProvider(cfg.Firestore)

	var probes []repositories.DependencyProbe
	if c.pubsub != nil {
		events := c.pubsub.Topic(cfg.PubSub.OrderEventsTopic)
		probes = append(probes, repositories.DependencyProbe{
			Name:    pubsubProbeName,
			Timeout: pubsubProbeTimeout,
			Check: func(ctx context.Context) error {
				exists, err := events.Exists(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("topic %s not found", events.ID())
				}
				return nil
			},
		})
	}

	reg, err := firestorerepo.NewRegistry(provider, probes...)
	if err != nil {
		_ = provider.Close(context.Background())
		return fmt.Errorf("build firestore registry: %w", err)
	}
	c.Repositories = reg

	store, err := idempotency.NewFirestoreStore(provider, idempotencyCollection)
	if err != nil {
		return fmt.Errorf("build idempotency store: %w", err)
	}
	c.Idempotency = store

	nonces, err := auth.NewFirestoreNonceStore(provider, nonceCollection)
	if err != nil {
		return fmt.Errorf("build nonce store: %w", err)
	}
	c.Nonces = nonces
	return nil
}

func (c *Container) buildServices(cfg config.Config, options containerOptions) (Services, error) {
	reg := c.Repositories
	logger := options.logger
	var svc Services

	engine, err := services.NewDiscountEngine(services.DiscountEngineDeps{
		Usage:  reg.DiscountUsage(),
		Locale: cfg.Orders.Locale,
		Logger: observability.EventLogger(logger.Named("discounts")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build discount engine: %w", err)
	}
	svc.DiscountEngine = engine

	policies, err := services.NewDiscountPolicyService(services.DiscountPolicyServiceDeps{
		Policies:   reg.DiscountPolicies(),
		UnitOfWork: reg,
		CacheTTL:   cfg.Discounts.PolicyCacheTTL,
		Clock:      options.clock,
		Logger:     observability.EventLogger(logger.Named("discount_policies")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build discount policy service: %w", err)
	}
	svc.DiscountPolicies = policies

	refunds, err := c.refundGateway(cfg, options)
	if err != nil {
		return Services{}, err
	}

	var events services.OrderEventPublisher
	if c.pubsub != nil {
		publisher, err := jobs.NewPubSubOrderEventPublisher(c.topic(cfg.PubSub.OrderEventsTopic))
		if err != nil {
			return Services{}, fmt.Errorf("build order event publisher: %w", err)
		}
		events = publisher
	}

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:       reg.Orders(),
		Snapshots:    reg.OrderSnapshots(),
		Usage:        reg.DiscountUsage(),
		Inventory:    reg.Inventory(),
		Counters:     reg.Counters(),
		Policies:     policies,
		Discounts:    engine,
		Refunds:      refunds,
		UnitOfWork:   reg,
		ReturnWindow: cfg.Orders.ReturnWindow,
		Clock:        options.clock,
		Events:       events,
		Meter:        options.meter,
		Logger:       observability.EventLogger(logger.Named("orders")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	dispatcher, err := c.orderCommandDispatcher(cfg, orders)
	if err != nil {
		return Services{}, err
	}

	claims, err := services.NewClaimService(services.ClaimServiceDeps{
		Claims:       reg.Claims(),
		Orders:       reg.Orders(),
		Dispatcher:   dispatcher,
		UnitOfWork:   reg,
		ReturnWindow: cfg.Orders.ReturnWindow,
		Clock:        options.clock,
		Meter:        options.meter,
		Logger:       observability.EventLogger(logger.Named("claims")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build claim service: %w", err)
	}
	svc.Claims = claims

	system, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		Optional:         []string{pubsubProbeName},
		Components:       components(cfg),
		Clock:            options.clock,
		Build:            options.build,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}
	svc.System = system

	return svc, nil
}

// components names the backends wired for cfg, as shown on /readyz.
func components(cfg config.Config) map[string]string {
	refunds := "stripe"
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) == "" {
		refunds = "local"
	}
	driver := cfg.Persistence.Driver
	if driver == "" {
		driver = config.DriverFirestore
	}
	return map[string]string{
		"persistence":   driver,
		"claimDispatch": cfg.Claims.DispatchMode,
		"refunds":       refunds,
	}
}

func (c *Container) refundGateway(cfg config.Config, options containerOptions) (services.RefundGateway, error) {
	if options.refunds != nil {
		return options.refunds, nil
	}
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) == "" {
		options.logger.Warn("stripe api key not configured; refunds are recorded locally")
		return payments.NewLocalRefundGateway(), nil
	}
	gateway, err := payments.NewStripeRefundGateway(payments.StripeRefundGatewayConfig{
		APIKey:    cfg.PSP.StripeAPIKey,
		AccountID: cfg.PSP.StripeAccount,
		Logger:    payments.Logger(observability.EventLogger(options.logger.Named("payments"))),
		Clock:     options.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("build stripe refund gateway: %w", err)
	}
	return gateway, nil
}

func (c *Container) orderCommandDispatcher(cfg config.Config, orders services.OrderService) (services.OrderCommandDispatcher, error) {
	if cfg.Claims.DispatchMode == config.DispatchPubSub {
		publisher, err := jobs.NewPubSubOrderCommandPublisher(c.topic(cfg.PubSub.OrderCommandsTopic))
		if err != nil {
			return nil, fmt.Errorf("build order command publisher: %w", err)
		}
		return publisher, nil
	}
	return services.OrderCommandDispatcherFunc(func(ctx context.Context, cmd services.OrderCommand) error {
		cmd.IdempotentOnTarget = true
		_, err := orders.Execute(ctx, cmd)
		return err
	}), nil
}
