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

	"github.com/signalwatch/herald/internal/api"
	"github.com/signalwatch/herald/internal/channel"
	"github.com/signalwatch/herald/internal/circuitbreaker"
	"github.com/signalwatch/herald/internal/config"
	"github.com/signalwatch/herald/internal/db"
	"github.com/signalwatch/herald/internal/dispatch"
	"github.com/signalwatch/herald/internal/event"
	"github.com/signalwatch/herald/internal/metrics"
	"github.com/signalwatch/herald/internal/observ"
	"github.com/signalwatch/herald/internal/preference"
	"github.com/signalwatch/herald/internal/redis"
	"github.com/signalwatch/herald/internal/scheduler"
	"github.com/signalwatch/herald/internal/sqs"
	"github.com/signalwatch/herald/internal/targeting"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Duration("scheduler_wake_interval", cfg.SchedulerWakeInterval),
		zap.Duration("reminder_interval_default", cfg.ReminderIntervalDefault),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)

	// Redis backs idempotent alert creation, user-API rate limiting and
	// the scheduler cycle lease. Herald degrades without it.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	var cycleLease scheduler.CycleLease
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 requests
			Window: 1 * time.Minute, // per minute per user
		})
		cycleLease = redis.NewCycleLock(redisClient, "herald:scheduler:cycle", logger)
		defer redisClient.Close()
	}

	// Channel registry: delivery types map to senders, and registering a
	// type again hot-swaps the transport. Senders that fail to initialize
	// stay unregistered; their alerts log failed deliveries until a
	// sender shows up.
	registry := channel.NewRegistry(logger)
	registry.Register(db.ChannelInApp, channel.NewInAppSender(logger))
	if cfg.Env != "production" {
		registry.Register("log", channel.NewLogSender(logger))
	}

	emailSender, err := channel.NewEmailSender(ctx, channel.EmailConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		logger.Warn("SES sender unavailable, email deliveries will fail",
			zap.Error(err),
		)
	} else {
		registry.Register(db.ChannelEmail, circuitbreaker.NewProtectedSender(
			emailSender, circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger), logger))
	}

	smsSender, err := channel.NewSMSSender(ctx, channel.SMSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, sms deliveries will fail",
			zap.Error(err),
		)
	} else {
		registry.Register(db.ChannelSMS, circuitbreaker.NewProtectedSender(
			smsSender, circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), logger), logger))
	}

	if cfg.WebhookURL != "" {
		webhookSender := channel.NewWebhookSender(channel.WebhookConfig{
			URL:     cfg.WebhookURL,
			Timeout: time.Duration(cfg.WebhookTimeout) * time.Second,
		}, logger)
		registry.Register(db.ChannelWebhook, circuitbreaker.NewProtectedSender(
			webhookSender, circuitbreaker.New(circuitbreaker.DefaultConfig("webhook"), logger), logger))
	}

	logger.Info("channel registry initialized",
		zap.Strings("channels", registry.Channels()),
	)

	// Dispatcher: targeting, preference bookkeeping, bounded fan-out.
	resolver := targeting.NewResolver(repo, logger)
	dispatcher, err := dispatch.NewDispatcher(resolver, registry, repo, dispatch.Config{
		SendTimeout:        cfg.SendTimeout,
		MaxConcurrentSends: cfg.MaxConcurrentSends,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	defer func() { _ = dispatcher.Close() }()

	// Event notifier: the dispatcher subscribes first so later observers
	// (and the publishing HTTP handler) see the fan-out outcome.
	notifier := event.NewNotifier(logger)
	notifier.Subscribe("dispatcher", func(ctx context.Context, e *event.Event) error {
		switch e.Type {
		case event.TypeAlertCreated, event.TypeAlertUpdated:
			res, err := dispatcher.DispatchNew(ctx, e.Alert)
			if err != nil {
				return err
			}
			e.Dispatch = res
		case event.TypeAlertReminder:
			res, err := dispatcher.DispatchReminder(ctx, e.Alert)
			if err != nil {
				return err
			}
			e.Dispatch = res
		}
		return nil
	})

	if cfg.SQSEventsQueueURL != "" {
		forwarder, err := sqs.NewForwarder(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSEventsQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs forwarder unavailable, alert events will not be streamed",
				zap.Error(err),
			)
		} else {
			notifier.Subscribe("sqs-forwarder", forwarder.Forward)
		}
	}

	prefService := preference.NewService(repo, logger)

	// Reminder scheduler
	sched := scheduler.New(repo, dispatcher, cycleLease, scheduler.Config{
		WakeInterval: cfg.SchedulerWakeInterval,
	}, logger)

	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()

	go sched.Start(schedCtx)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
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

	// API routes
	var handler *api.Handler
	if idempotencyService != nil {
		handler = api.NewHandlerWithIdempotency(logger, repo, prefService, notifier, cfg.ReminderIntervalDefault, idempotencyService)
	} else {
		handler = api.NewHandler(logger, repo, prefService, notifier, cfg.ReminderIntervalDefault)
	}

	r.Route("/v1", func(r chi.Router) {
		// Admin surface
		r.Post("/alerts", handler.CreateAlert)
		r.Get("/alerts", handler.ListAlerts)
		r.Get("/alerts/{id}", handler.GetAlert)
		r.Put("/alerts/{id}", handler.UpdateAlert)
		r.Delete("/alerts/{id}", handler.ArchiveAlert)
		r.Post("/alerts/{id}/remind", handler.RemindAlert)
		r.Get("/alerts/{id}/deliveries", handler.ListDeliveries)
		r.Get("/users", handler.ListUsers)
		r.Get("/teams", handler.ListTeams)
		r.Get("/analytics/overview", handler.AnalyticsOverview)

		// User surface, rate limited per acting user
		r.Route("/me/alerts", func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.UserKeyFunc))

			r.Get("/", handler.ListMyAlerts)
			r.Get("/summary", handler.MyAlertsSummary)
			r.Post("/{id}/read", handler.MarkAlertRead)
			r.Post("/{id}/unread", handler.MarkAlertUnread)
			r.Post("/{id}/snooze", handler.SnoozeAlert)
		})
	})

	// Health checks
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if redisClient != nil {
			if err := redisClient.Ping(r.Context()); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop new reminder cycles; the dispatcher pool drains in Close.
		schedCancel()

		// Give outstanding requests 10 seconds to complete
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
