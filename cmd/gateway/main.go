// Package main is the entry point for the storyforge edge gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/storyforge/gateway/internal/backend"
	"github.com/storyforge/gateway/internal/cache"
	"github.com/storyforge/gateway/internal/circuitbreaker"
	"github.com/storyforge/gateway/internal/config"
	"github.com/storyforge/gateway/internal/dispatch"
	"github.com/storyforge/gateway/internal/observability/logging"
	"github.com/storyforge/gateway/internal/ratelimit"
	"github.com/storyforge/gateway/internal/server"
	"github.com/storyforge/gateway/internal/store"
	"github.com/storyforge/gateway/internal/token"
)

// Version information, set at build time.
var (
	version   = "dev"
	gitCommit = "unknown"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", envOrDefault("GATEWAY_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", envOrDefault("GATEWAY_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", envOrDefault("GATEWAY_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gateway version %s (%s)\n", version, gitCommit)
		return
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  logging.Level(*logLevel),
		Format: logging.Format(*logFormat),
		Output: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Logger

	if err := run(*configPath, log); err != nil {
		log.Fatal("gateway failed", zap.Error(err))
	}
}

// run builds the full pipeline and serves until a shutdown signal arrives.
func run(configPath string, log *zap.Logger) error {
	log.Info("starting gateway",
		zap.String("version", version),
		zap.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	sharedStore, err := buildStore(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = sharedStore.Close() }()

	tokenCfg, err := cfg.TokenConfig()
	if err != nil {
		return err
	}
	tokens, err := token.NewManager(tokenCfg, sharedStore, token.WithLogger(log))
	if err != nil {
		return err
	}

	limitCfg, err := cfg.RateLimitConfig()
	if err != nil {
		return err
	}
	limiter, err := ratelimit.NewLimiter(limitCfg, sharedStore, ratelimit.WithLogger(log))
	if err != nil {
		return err
	}
	defer limiter.Close()

	breakers := circuitbreaker.NewRegistry(cfg.BreakerConfig(), circuitbreaker.WithLogger(log))

	backendDefs, err := cfg.BackendDefinitions()
	if err != nil {
		return err
	}
	backends, err := backend.NewRegistry(backendDefs)
	if err != nil {
		return err
	}

	routes, err := cfg.DispatchRoutes()
	if err != nil {
		return err
	}
	table, err := dispatch.NewRouteTable(routes)
	if err != nil {
		return err
	}

	trusted, err := cfg.TrustedProxies()
	if err != nil {
		return err
	}

	dispatcher := dispatch.NewDispatcher(
		table,
		tokens,
		limiter,
		breakers,
		backends,
		backend.NewHTTPTransport(backend.WithLogger(log)),
		dispatch.WithLogger(log),
		dispatch.WithAuthzCache(cache.NewAuthzCache()),
		dispatch.WithTrustedProxies(trusted),
	)

	serverCfg, err := cfg.ServerConfig()
	if err != nil {
		return err
	}
	srv, err := server.New(serverCfg, log, dispatcher, tokens, breakers)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	watcher, err := config.NewWatcher(configPath, func(updated *config.GatewayConfig) {
		applyReload(updated, limiter, dispatcher, log)
	}, config.WithLogger(log))
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = watcher.Stop() }()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return srv.Stop(shutdownCtx)
}

// buildStore connects to Redis when configured, otherwise runs on the
// in-process store for single-instance deployments.
func buildStore(cfg *config.GatewayConfig, log *zap.Logger) (store.Store, error) {
	if redisCfg := cfg.RedisConfig(); redisCfg != nil {
		return store.NewRedisStore(redisCfg, log)
	}
	log.Warn("no redis configured, using in-process store; state will not be shared across instances")
	return store.NewMemoryStore(), nil
}

// applyReload pushes reloaded rate limit rules and routes into the running
// pipeline. Invalid sections are skipped so a partial edit cannot take the
// gateway down.
func applyReload(cfg *config.GatewayConfig, limiter *ratelimit.Limiter, dispatcher *dispatch.Dispatcher, log *zap.Logger) {
	if limitCfg, err := cfg.RateLimitConfig(); err == nil {
		if err := limiter.SetConfig(limitCfg); err != nil {
			log.Error("failed to apply reloaded rate limit rules", zap.Error(err))
		}
	} else {
		log.Error("reloaded rate limit rules invalid", zap.Error(err))
	}

	routes, err := cfg.DispatchRoutes()
	if err != nil {
		log.Error("reloaded routes invalid", zap.Error(err))
		return
	}
	table, err := dispatch.NewRouteTable(routes)
	if err != nil {
		log.Error("reloaded routes invalid", zap.Error(err))
		return
	}
	if err := dispatcher.SetTable(table); err != nil {
		log.Error("failed to apply reloaded routes", zap.Error(err))
	}
}

// envOrDefault returns the environment value or a fallback.
func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
