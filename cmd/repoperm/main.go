package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/repoperm/pkg/audit"
	"github.com/platinummonkey/repoperm/pkg/config"
	"github.com/platinummonkey/repoperm/pkg/httputil"
	"github.com/platinummonkey/repoperm/pkg/middleware"
	"github.com/platinummonkey/repoperm/pkg/observability"
	"github.com/platinummonkey/repoperm/pkg/rbac"
	"github.com/platinummonkey/repoperm/pkg/storage"
)

var version = "dev"

func main() {
	configFile := flag.String("config", os.Getenv(config.EnvConfigFile), "YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout)
	if err := run(cfg, *configFile, logger); err != nil {
		logger.WithError(err).Error("Server exited")
		os.Exit(1)
	}
}

func run(cfg *config.Config, configFile string, logger *observability.Logger) error {
	ctx := context.Background()

	otelProviders, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return fmt.Errorf("init opentelemetry: %w", err)
	}

	db, err := storage.OpenDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	logger.WithField("driver", cfg.Database.Driver).Info("Database connected")

	var redisClient *redis.Client
	var cache rbac.PermissionCache
	switch cfg.Cache.Type {
	case config.CacheMemory:
		cache = rbac.NewMemoryCache(cfg.Cache.Size, cfg.Cache.TTL)
	case config.CacheRedis:
		if redisClient, err = storage.OpenRedis(ctx, cfg.Cache); err != nil {
			db.Close()
			return err
		}
		cache = rbac.NewRedisCache(redisClient, cfg.Cache.RedisPrefix, cfg.Cache.TTL)
	}
	logger.WithField("type", cfg.Cache.Type).Info("Permission cache configured")

	sink, err := audit.NewSink(cfg.Audit, db, logger.Logrus())
	if err != nil {
		db.Close()
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	opts := []rbac.ServiceOption{
		rbac.WithLogger(logger),
		rbac.WithAuditLogger(sink),
		rbac.WithMetrics(metrics),
		rbac.WithTracer(observability.Tracer()),
	}
	if cache != nil {
		opts = append(opts, rbac.WithCache(cache))
	}
	if instruments, err := observability.NewEngineInstruments(); err != nil {
		logger.WithError(err).Warn("Engine instruments unavailable")
	} else {
		opts = append(opts, rbac.WithInstruments(instruments))
	}
	svc := rbac.NewService(db, opts...)

	dialect, err := rbac.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return err
	}
	boot, err := svc.Bootstrap(ctx, dialect)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	logger.WithFields(map[string]interface{}{
		"migrations":     boot.Migrations,
		"permissions":    boot.Permissions,
		"defaults_added": boot.DefaultsAdded,
	}).Info("Permission store ready")

	router := mux.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.Logging(logger),
		httputil.RecoveryMiddleware(logger),
		httputil.CORSMiddleware(cfg.Server.CORSOrigins),
		httputil.MaxBytesMiddleware(1<<20),
	)
	if cfg.Observability.MetricsEnabled {
		router.Use(observability.HTTPMetricsMiddleware(metrics))
	}
	guards := rbac.NewPermissionMiddleware(svc, logger, metrics)
	rbac.NewHandlers(svc, guards).RegisterRoutes(router)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      otelhttp.NewHandler(router, "repoperm"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	opsRouter := mux.NewRouter()
	health := observability.NewHealthChecker(db, redisClient, version)
	health.AddProbe("permission store", true, svc.Ready)
	observability.RegisterHealthRoutes(opsRouter, health)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(opsRouter, registry)
	}
	opsServer := &http.Server{
		Addr:         cfg.Server.HealthAddr(),
		Handler:      opsRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	// Steps run in reverse: the database closes last.
	shutdown.Register("database", func(context.Context) error { return db.Close() })
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	shutdown.Register("audit", func(context.Context) error { return sink.Close() })
	shutdown.Register("opentelemetry", otelProviders.Shutdown)
	shutdown.Register("ops server", opsServer.Shutdown)

	if cfg.Repair.Schedule != "" {
		repair, err := rbac.NewRepairScheduler(svc, cfg.Repair.Schedule)
		if err != nil {
			return err
		}
		repair.Start()
		shutdown.Register("default repair", repair.Stop)
		logger.WithField("schedule", cfg.Repair.Schedule).Info("Default permission repair scheduled")
	}

	sigCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if configFile != "" {
		go func() {
			defer observability.RecoverPanic(logger, "config watcher")
			err := config.Watch(sigCtx, configFile,
				func(next *config.Config) {
					logger.SetLevel(next.Observability.Level())
					logger.WithField("log_level", next.Observability.LogLevel).Info("Configuration reloaded")
				},
				func(err error) {
					logger.WithError(err).Warn("Ignoring invalid configuration change")
				})
			if err != nil {
				logger.WithError(err).Warn("Configuration reload disabled")
			}
		}()
	}

	errCh := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		defer observability.RecoverPanic(logger, name)
		logger.WithField("addr", srv.Addr).Infof("Starting %s", name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s: %w", name, err)
		}
	}
	go serve("api server", server)
	go serve("ops server", opsServer)

	var serveErr error
	go func() {
		serveErr = <-errCh
		cancel()
	}()

	err = shutdown.WaitForSignal(sigCtx)
	return errors.Join(serveErr, err)
}
