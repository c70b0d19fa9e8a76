package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/Dhoot/fluidrelay/internal/gateway"
	"github.com/Dhoot/fluidrelay/internal/orderer"
	"github.com/Dhoot/fluidrelay/internal/registry"
	"github.com/Dhoot/fluidrelay/internal/server"
	"github.com/Dhoot/fluidrelay/internal/tenant"
	"github.com/Dhoot/fluidrelay/pkg/auth"
	"github.com/Dhoot/fluidrelay/pkg/config"
	"github.com/Dhoot/fluidrelay/pkg/logging"
	"github.com/Dhoot/fluidrelay/pkg/metrics"
	"github.com/Dhoot/fluidrelay/pkg/rooms"
	"github.com/Dhoot/fluidrelay/pkg/throttle"
)

func main() {
	bootLogger := logging.New(logging.LevelInfo)
	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.New(logging.ParseLevel(cfg.Logging.Level))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background())
	defer stop()

	var redisClient *redis.Client
	if cfg.Redis.Address != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address})
		logger.Info("Using Redis-backed registry and throttlers", slog.String("addr", cfg.Redis.Address))
	}

	var clientRegistry registry.ClientRegistry = registry.NewMemoryRegistry()
	if redisClient != nil {
		clientRegistry = registry.NewRedisRegistry(redisClient)
	}

	var tenants tenant.Manager
	if cfg.Tenant.Endpoint != "" {
		tenants = tenant.NewHTTPManager(cfg.Tenant.Endpoint, logger)
	} else {
		tenants = tenant.NewStaticManager(cfg.Tenant.AllowedTenants...)
	}

	promRegistry := prometheus.NewRegistry()
	var sink metrics.Sink = metrics.NopSink{}
	var gwMetrics *metrics.GatewayMetrics
	if cfg.Metrics.Enabled {
		sink = metrics.NewPrometheusSink(promRegistry)
		gwMetrics = metrics.NewGatewayMetrics(promRegistry)
	}

	roomManager := rooms.NewManager(logger)
	gw := gateway.New(logger, gateway.Options{
		Config: gateway.Config{
			MaxClientsPerDocument: cfg.Gateway.MaxNumberOfClientsPerDocument,
			MaxTokenLifetime:      time.Duration(cfg.Gateway.MaxTokenLifetimeSec) * time.Second,
			TokenExpiryEnabled:    cfg.Gateway.IsTokenExpiryEnabled,
		},
		Rooms:           roomManager,
		Tenants:         tenants,
		Registry:        clientRegistry,
		Orderers:        orderer.NewLocalManager(roomManager, logger),
		Tokens:          auth.NewValidator(cfg.Auth.JWTSecret),
		MetricSink:      sink,
		ConnectLimiter:  buildLimiter(cfg.Throttling.Connect, redisClient),
		SubmitOpLimiter: buildLimiter(cfg.Throttling.SubmitOp, redisClient),
		Metrics:         gwMetrics,
	})

	app := server.NewApp(logger, ctx, cfg, gw, promRegistry)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}

func buildLimiter(tc config.ThrottlerConfig, redisClient *redis.Client) throttle.RateLimiter {
	if !tc.Enabled || tc.Limit <= 0 {
		return nil
	}
	window := time.Duration(tc.WindowSec) * time.Second
	if redisClient != nil {
		return throttle.NewRedisLimiter(redisClient, int64(tc.Limit), window)
	}
	return throttle.NewMemoryLimiter(tc.Limit, window)
}
