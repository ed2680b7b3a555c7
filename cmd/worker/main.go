package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ryu-qqq/setof-commerce-sub006/internal/di"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/config"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/jobs"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/observability"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/secrets"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/services"
)

// The worker drains relayed order commands published by the claim service when claim
// dispatch runs through Pub/Sub.
func main() {
	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}
	baseLogger, err := observability.NewLogger(config.LoggingFrom(envValues), zap.String("service", "order-worker"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("worker")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = observability.WithLogger(ctx, logger)

	resolverOpts := append(secrets.OptionsFromEnvironment(envValues), secrets.WithLogger(logger.Named("secrets")))
	resolver, err := secrets.NewResolver(ctx, resolverOpts...)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		_ = resolver.Close()
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(resolver))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if cfg.Persistence.Driver == config.DriverMemory {
		logger.Fatal("order command worker requires shared persistence; memory driver is not supported")
	}

	container, err := di.NewContainer(ctx, cfg,
		di.WithLogger(baseLogger),
		di.WithBuildInfo(services.BuildInfo{Environment: cfg.Security.Environment, StartedAt: time.Now().UTC()}),
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

	sub, err := container.OrderCommandSubscription()
	if err != nil {
		logger.Fatal("failed to resolve order command subscription", zap.Error(err))
	}
	subscriber, err := jobs.NewOrderCommandSubscriber(sub, container.Services.Orders,
		jobs.WithSubscriberLogger(logger.Named("order_commands")),
	)
	if err != nil {
		logger.Fatal("failed to initialise order command subscriber", zap.Error(err))
	}

	logger.Info("order command worker started", zap.String("subscription", sub.ID()))
	if err := subscriber.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("order command worker stopped", zap.Error(err))
		return
	}
	logger.Info("order command worker stopped")
}
