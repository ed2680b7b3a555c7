package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ryu-qqq/setof-commerce-sub006/internal/di"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/handlers"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/config"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/idempotency"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/observability"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/secrets"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}
	baseLogger, err := observability.NewLogger(config.LoggingFrom(envValues), zap.String("service", "order-api"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	resolver, err := newSecretResolver(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(resolver))
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	container, err := di.NewContainer(ctx, cfg,
		di.WithLogger(baseLogger),
		di.WithBuildInfo(buildInfo),
	)
	if err != nil {
		logger.Fatal("failed to initialise container", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	internalMiddlewares, err := buildInternalMiddlewares(logger.Named("auth"), container)
	if err != nil {
		logger.Fatal("failed to initialise internal api middleware", zap.Error(err))
	}

	orderHandlers := handlers.NewOrderHandlers(container.Services.Orders)
	claimHandlers := handlers.NewClaimHandlers(container.Services.Claims)
	policyHandlers := handlers.NewDiscountPolicyHandlers(container.Services.DiscountPolicies)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)

	projectID := traceProjectID(cfg)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(projectID),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithRequestTimeout(cfg.Server.WriteTimeout),
		handlers.WithInternalMiddlewares(internalMiddlewares...),
		handlers.WithInternalRoutes(orderHandlers.Routes, claimHandlers.Routes, policyHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("order api listening",
			zap.String("persistence", cfg.Persistence.Driver),
			zap.String("claimDispatch", cfg.Claims.DispatchMode),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// buildInternalMiddlewares orders the internal API chain: the signed caller is resolved first so
// throttling and idempotency keys are scoped per caller.
func buildInternalMiddlewares(logger *zap.Logger, container *di.Container) ([]func(http.Handler) http.Handler, error) {
	cfg := container.Config
	var chain []func(http.Handler) http.Handler

	if len(cfg.Security.HMAC.Secrets) == 0 {
		if !cfg.Security.Local() {
			return nil, errors.New("hmac caller secrets are required outside local environment")
		}
		logger.Warn("hmac caller secrets not configured; internal api is unauthenticated")
	} else {
		validator, err := container.NewHMACValidator(logger)
		if err != nil {
			return nil, err
		}
		chain = append(chain, validator.RequireSignedCaller())
	}

	limiter := handlers.NewCallerRateLimiter(cfg.Security.RateLimit.Requests, cfg.Security.RateLimit.Window, time.Now)
	chain = append(chain, limiter.Middleware())

	chain = append(chain, idempotency.Middleware(
		container.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	))
	return chain, nil
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["COMMERCE_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["COMMERCE_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = config.EnvironmentLocal
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if project := strings.TrimSpace(cfg.Firestore.ProjectID); project != "" {
		return project
	}
	return strings.TrimSpace(os.Getenv("GOOGLE_CLOUD_PROJECT"))
}

func newSecretResolver(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Resolver, error) {
	opts := append(secrets.OptionsFromEnvironment(env), secrets.WithLogger(logger.Named("secrets")))
	return secrets.NewResolver(ctx, opts...)
}
