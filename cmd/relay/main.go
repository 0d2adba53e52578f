package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"videorelay/internal/core/ports"
	"videorelay/internal/core/services"
	httphandlers "videorelay/internal/handlers/http"
	"videorelay/internal/infrastructure/contest"
	"videorelay/internal/infrastructure/distributed"
	"videorelay/internal/infrastructure/middleware"
	"videorelay/internal/infrastructure/monitoring"
	"videorelay/internal/infrastructure/upstream"
	"videorelay/pkg/config"
	"videorelay/pkg/logger"
	"videorelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	configPath := findConfig()
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "videorelay: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "videorelay: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if configPath == "" {
		log.Info("no config file found, using defaults")
	} else {
		log.Infow("loaded config", "path", configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Contest state and the event bus share one Redis client when enabled.
	contestFactory := contest.NewFactory(ctx, cfg, log)
	directory, err := contestFactory.CreateDirectory(ctx, cfg.Contests)
	if err != nil {
		log.Fatalw("failed to create contest directory", "error", err)
	}

	instanceID := uuid.NewString()
	var events ports.EventPublisher = services.NopPublisher{}
	var bus *distributed.EventBus
	if client := contestFactory.RedisClient(); client != nil {
		bus = distributed.NewEventBus(client, instanceID, log)
		events = bus
	}

	metrics := monitoring.NewPrometheusCollector(nil)

	aggCfg, err := aggregatorConfig(cfg)
	if err != nil {
		log.Fatalw("invalid video configuration", "error", err)
	}
	sourceClient := upstream.NewClient(cfg.Video.ConnectTimeout)
	relay, err := services.NewAggregator(aggCfg, upstream.Factory(sourceClient), metrics, events, zapLogger)
	if err != nil {
		log.Fatalw("failed to create relay", "error", err)
	}
	relay.Start(ctx)

	if bus != nil {
		go func() {
			err := bus.Subscribe(ctx, func(env distributed.Envelope) error {
				log.Infow("stream event from peer instance",
					"instance", env.InstanceID,
					"type", env.Event.Type,
					"stream", env.Event.Index,
					"mode", env.Event.Mode,
					"status", env.Event.Status,
				)
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("event subscription ended", "error", err)
			}
		}()
	}

	authorizer := services.NewTokenAuthorizer(services.AuthConfig{
		Secret:         cfg.Auth.JWTSecret,
		AccessTokenTTL: cfg.Auth.AccessTokenTTL,
		QueryParam:     cfg.Auth.TokenQueryParam,
		AdminRoles:     cfg.Auth.AdminRoles,
		StaffRoles:     cfg.Auth.StaffRoles,
	})

	channels := httphandlers.NewRelayStrategy(cfg.Video.ListenerQueue, cfg.Video.WriteTimeout, log)
	var serving httphandlers.ServingStrategy = channels
	if cfg.Video.Serving == "proxy" {
		serving = httphandlers.NewProxyStrategy(sourceClient.Transport, log)
	}
	videoHandler := httphandlers.NewVideoHandler(relay, authorizer, directory, serving, channels,
		httphandlers.VideoHandlerConfig{
			StatusInterval: cfg.Monitoring.StatusInterval,
			WriteTimeout:   cfg.Video.WriteTimeout,
		},
		log,
	)

	healthChecker := monitoring.NewHealthChecker()
	if client := contestFactory.RedisClient(); client != nil {
		healthChecker.ProbeRedis(client, 30*time.Second, 2*time.Second)
	}
	healthChecker.ProbeContests(directory, 30*time.Second, 2*time.Second)
	healthChecker.ProbeRelay(relay)
	healthChecker.Start(ctx)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		middleware.OptionalAuthMiddleware(authorizer),
		middleware.TracingMiddleware(),
		middleware.RequestLoggingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log, httphandlers.DomainErrorMappings()...),
	)

	videoHandler.SetupRoutes(router, middleware.NewHTTPRateLimitMiddleware(cfg))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"instance":  instanceID,
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		report := healthChecker.CheckAll(c.Request.Context())
		code := http.StatusOK
		if !report.Serving() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// No WriteTimeout: relayed responses stay open for as long as the
	// viewer watches; each write carries its own deadline instead.
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           httphandlers.WithRawWriter(router),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting video relay",
			"address", cfg.Server.Address,
			"streams", relay.NumStreams(),
			"serving", cfg.Video.Serving,
			"redis", contestFactory.RedisClient() != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	log.Info("shutting down video relay...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Detaching every viewer first lets the relayed handlers return, so
	// Shutdown does not wait out the timeout on open streams.
	relay.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	} else {
		log.Info("server shutdown gracefully")
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}
	if err := contestFactory.Close(); err != nil {
		log.Errorw("error closing contest state", "error", err)
	}

	log.Info("video relay stopped")
}
