package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"paycore/internal/common/api"
	"paycore/internal/common/cache"
	"paycore/internal/common/database"
	"paycore/internal/common/metrics"
	"paycore/internal/common/middleware"
	natsclient "paycore/internal/common/nats"
	"paycore/internal/gateway"
	"paycore/internal/payment"
	paymentapi "paycore/internal/payment/api"
	"paycore/internal/tracker"
)

// Config holds service configuration
type Config struct {
	Port           int           `envconfig:"PAYCORE_PORT" default:"8090"`
	Environment    string        `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string        `envconfig:"LOG_FORMAT" default:"json"`
	AllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	EventsEnabled  bool          `envconfig:"EVENTS_ENABLED" default:"true"`
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	Database database.Config
	NATS     natsclient.Config
	Redis    cache.Config
	Gateway  gateway.Config
	Payment  payment.Config
	Tracking tracker.Options
}

func main() {
	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("paycore stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	m := metrics.New()

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(); err != nil {
			return err
		}
	}
	store := payment.NewPostgresStore(db)

	opts := []payment.Option{
		payment.WithStore(store),
		payment.WithMetrics(m),
		payment.WithTracking(gateway.NewStatusClient(cfg.Gateway), cfg.Tracking),
	}

	var nc *natsclient.Client
	if cfg.EventsEnabled {
		nc, err = natsclient.New(ctx, cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		opts = append(opts, payment.WithPublisher(natsclient.NewPublisher(nc, logger)))

		audit := natsclient.NewSubscriber(nc, logger)
		go func() {
			if err := audit.Run(ctx, cfg.NATS.AuditConsumer, payment.NewAuditHandler(store, logger)); err != nil {
				logger.Error("audit consumer stopped", "error", err)
			}
		}()
	}

	rc := cache.New(cfg.Redis)
	defer rc.Close()
	if err := rc.Ping(ctx); err != nil {
		logger.Warn("redis unavailable, idempotency and rate limits will fail open", "error", err)
	}

	client := gateway.NewClient(gateway.NewHTTPInvoker(cfg.Gateway, logger), cfg.Gateway.InitiateFunction, logger)
	service, err := payment.NewService(cfg.Payment, client, logger, opts...)
	if err != nil {
		return fmt.Errorf("creating payment service: %w", err)
	}
	defer service.Close()

	corsOpts := cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", middleware.HeaderCorrelationID, middleware.HeaderIdempotencyKey},
		ExposedHeaders: []string{middleware.HeaderCorrelationID, middleware.HeaderIdempotentReplayed},
		MaxAge:         300,
	}
	handler := paymentapi.NewHandler(service, logger, originChecker(cfg.AllowedOrigins))
	submit := []func(http.Handler) http.Handler{
		middleware.RateLimit(
			rc.RateLimiter(cfg.Redis.RateLimit, cfg.Redis.RateWindow),
			middleware.ClientIP,
			func(r *http.Request) { m.RateLimited(r.URL.Path) },
		),
		middleware.Idempotency(rc.Idempotency(), cfg.IdempotencyTTL, logger),
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(m.Middleware)
	r.Use(cors.Handler(corsOpts))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"database": "ok"}
		ready := true
		if err := db.HealthCheck(r.Context()); err != nil {
			checks["database"] = err.Error()
			ready = false
		}
		if nc != nil {
			checks["nats"] = "ok"
			if err := nc.HealthCheck(); err != nil {
				checks["nats"] = err.Error()
				ready = false
			}
		}
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		api.WriteJSON(w, status, map[string]any{"ready": ready, "checks": checks})
	})

	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1/payments", func(r chi.Router) {
		r.Mount("/", handler.Routes(submit...))
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Gateway.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting paycore",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"currency", cfg.Payment.Currency,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	return nil
}

// originChecker applies the CORS origin list to websocket upgrades.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("service", "paycore")
}
