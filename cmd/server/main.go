package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/cartline/internal/api"
	"github.com/example/cartline/internal/audit"
	"github.com/example/cartline/internal/circuitbreaker"
	"github.com/example/cartline/internal/config"
	"github.com/example/cartline/internal/db"
	"github.com/example/cartline/internal/dispatch"
	"github.com/example/cartline/internal/metrics"
	"github.com/example/cartline/internal/observ"
	"github.com/example/cartline/internal/redis"
	"github.com/example/cartline/internal/rules"
	"github.com/example/cartline/internal/scheduler"
	"github.com/example/cartline/internal/template"
	"github.com/example/cartline/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting cartline server",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	jobRepo := db.NewJobRepository(database, logger)
	messageRepo := db.NewMessageRepository(database, logger)
	shopRepo := db.NewShopRepository(database, logger)
	auditSink := audit.NewSink(database, logger)

	// Redis backs webhook intake rate limiting; intake stays up when it
	// is unavailable.
	var rateLimiter *redis.RateLimiter
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, webhook rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.WebhookRateLimit,
			Window: 1 * time.Minute,
		})
		defer redisClient.Close()
	}

	// SMS transport: SNS in production, log transport when SNS cannot
	// be configured (local development).
	var sms dispatch.Transport
	snsTransport, err := transport.NewSNSTransport(ctx, transport.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS unavailable, falling back to log transport", zap.Error(err))
		sms = transport.NewLogTransport(logger)
	} else {
		sms = circuitbreaker.NewProtectedTransport(snsTransport, circuitbreaker.DefaultConfig("sns"), logger)
	}

	engine := rules.NewEngine(messageRepo, shopRepo, logger)
	renderer := template.NewRenderer()
	pipeline := dispatch.NewPipeline(engine, messageRepo, renderer, sms, auditSink, logger)
	buffer := dispatch.NewEnqueueBuffer(dispatch.DefaultBufferTTL)

	sched := scheduler.New(jobRepo, auditSink, scheduler.Config{
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
	}, logger)
	sched.Register(rules.TriggerAbandonedCheckout, scheduler.NewRecoveryHandler(shopRepo, pipeline, logger))

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	handler := api.NewHandler(logger, shopRepo, sched, pipeline, engine, messageRepo, jobRepo, buffer)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/webhooks/{shopID}", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.ShopKeyFunc))

		r.Post("/checkout", handler.HandleCheckout)
		r.Post("/order-paid", handler.HandleOrderPaid)
		r.Post("/restock", handler.HandleRestock)
	})

	r.Route("/v1/shops/{shopID}", func(r chi.Router) {
		r.Get("/messages", handler.ListMessages)
		r.Get("/jobs", handler.ListJobs)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
