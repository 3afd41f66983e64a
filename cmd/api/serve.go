package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"flight-booking-api/internal/cache"
	"flight-booking-api/internal/config"
	"flight-booking-api/internal/database"
	"flight-booking-api/internal/events"
	"flight-booking-api/internal/features"
	"flight-booking-api/internal/handler"
	"flight-booking-api/internal/middleware"
	"flight-booking-api/internal/obs"
	"flight-booking-api/internal/payment"
	"flight-booking-api/internal/pricing"
	"flight-booking-api/internal/service"
	"flight-booking-api/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logCloser := obs.InitLogger(obs.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()
	logger := obs.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := tracing.InitTracing(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
		SampleRatio: cfg.Tracing.SampleRatio,
	}); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Initialize database
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	idemCache := newCache(ctx, cfg)
	gateway := newGateway(cfg)

	flags := features.NewManager()
	flags.RegisterDefaults(cfg.Features)
	ev := events.NewManager(true, logger)
	events.RegisterAudit(ev, logger)

	svc := service.NewService(db, gateway, service.Options{
		Engine:          pricing.NewEngine(cfg.PricingPolicy()),
		Events:          ev,
		Features:        flags,
		Idempotency:     cache.NewIdempotency(idemCache, time.Duration(cfg.Cache.IdempotencyTTL)*time.Second),
		Logger:          logger,
		PublishableKey:  cfg.Payment.PublishableKey,
		DefaultCurrency: cfg.Payment.DefaultCurrency,
	})

	h := handler.NewHandlerWithOptions(svc, handler.NewHandlerOptions{
		MaxBodySize:    cfg.Security.MaxRequestBodySize,
		Logger:         logger,
		AllowedOrigins: cfg.Security.Origins(),
	})

	routerOpts := handler.RouterOptions{
		APIKeys:        cfg.APIKeys(),
		JWTSecret:      []byte(cfg.Auth.JWTSecret),
		AllowedOrigins: cfg.Security.Origins(),
		Logger:         logger,
		ServiceName:    cfg.Tracing.ServiceName,
	}
	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
		defer limiter.Stop()
		routerOpts.RateLimiter = limiter
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler.NewRouter(h, routerOpts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	switch {
	case len(cfg.APIKeys()) == 0:
		logger.Warn("no API keys or processor key configured, payment endpoints are unauthenticated")
	case len(cfg.Auth.Keys()) == 0:
		logger.Info("no API keys configured, payment endpoints accept the processor secret key")
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("no JWT secret configured, admin endpoints will reject every request")
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			"addr", server.Addr,
			"tls", cfg.Server.EnableTLS,
			"database", cfg.Database.Path,
			"pricing_policy", svc.Engine().Policy().Name,
			"rate_limit", cfg.RateLimit.Rate,
			"rate_window_s", cfg.RateLimit.Window,
		)
		if cfg.Server.EnableTLS {
			errCh <- server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
			return
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error closing server", "error", err)
	}
	ev.Shutdown()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Error("error flushing traces", "error", err)
	}
	if c, ok := idemCache.(*cache.RedisCache); ok {
		_ = c.Close()
	}
	return nil
}

// newCache connects to Redis when configured and falls back to memory.
func newCache(ctx context.Context, cfg *config.Config) cache.Cache {
	if cfg.Cache.RedisAddr == "" {
		return cache.NewInMemoryCache()
	}
	rc, err := cache.NewRedisCache(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, cfg.Cache.Prefix)
	if err != nil {
		obs.Logger.Warn("redis unavailable, using in-memory idempotency cache", "addr", cfg.Cache.RedisAddr, "error", err)
		return cache.NewInMemoryCache()
	}
	return rc
}

func newGateway(cfg *config.Config) payment.Gateway {
	if cfg.Payment.SecretKey == "" {
		obs.Logger.Warn("no processor secret key configured, using the in-memory payment gateway")
		if cfg.Payment.WebhookSecret == "" {
			obs.Logger.Warn("no webhook secret configured, webhook deliveries will be rejected")
		}
		return payment.NewMemoryGateway(cfg.Payment.WebhookSecret, true)
	}
	return payment.NewStripeGateway(payment.StripeOptions{
		SecretKey:     cfg.Payment.SecretKey,
		WebhookSecret: cfg.Payment.WebhookSecret,
		Timeout:       cfg.PaymentTimeout(),
	})
}
