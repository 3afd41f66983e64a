package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flight-booking-api/internal/middleware"
	"flight-booking-api/internal/tracing"
)

// RouterOptions configures the middleware stack around the handlers.
type RouterOptions struct {
	// APIKeys guard the payment endpoints. Empty leaves them open.
	APIKeys []string
	// JWTSecret signs admin tokens. Empty rejects every admin request.
	JWTSecret      []byte
	AllowedOrigins []string
	// RateLimiter is optional.
	RateLimiter *middleware.RateLimiter
	Logger      *slog.Logger
	ServiceName string
}

// NewRouter wires every route of the API.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = tracing.DefaultServiceName
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(opts.Logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.TracingMiddleware(opts.ServiceName))
	r.Use(middleware.Metrics)

	if opts.RateLimiter != nil {
		r.Use(middleware.RateLimitMiddleware(opts.RateLimiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.APIKeyHeader, IdempotencyKeyHeader},
		ExposedHeaders:   []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	admin := middleware.AdminJWT(opts.JWTSecret)
	apiKey := middleware.APIKey(opts.APIKeys)

	r.Route("/flights", func(r chi.Router) {
		r.Get("/", h.ListFlights)
		r.With(admin).Post("/", h.CreateFlight)
		r.Get("/{id}", h.GetFlight)
		r.Get("/{id}/quote", h.GetQuote)
		r.Get("/{id}/availability", h.GetAvailability)
		r.Get("/{id}/live", h.LiveSeats)
	})

	r.Route("/offers", func(r chi.Router) {
		r.Get("/", h.ListOffers)
		r.With(admin).Post("/", h.CreateOffer)
	})

	r.Route("/bookings", func(r chi.Router) {
		r.Post("/", h.CreateBooking)
		r.Get("/{id}", h.GetBooking)
		r.Post("/{id}/cancel", h.CancelBooking)
		r.Post("/{id}/confirm", h.ConfirmBooking)
	})

	r.Get("/config", h.GetConfig)
	r.Group(func(r chi.Router) {
		r.Use(apiKey)
		r.Post("/create-payment-intent", h.CreatePaymentIntent)
		r.Post("/refund", h.Refund)
		r.Post("/partial-refund", h.PartialRefund)
	})
	// Authenticated by signature, not by API key.
	r.Post("/webhook", h.Webhook)

	r.Route("/admin", func(r chi.Router) {
		r.Use(admin)
		r.Get("/stats/{adminId}", h.AdminStats)
		r.Get("/features", h.ListFeatures)
		r.Put("/features/{name}", h.SetFeature)
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	return r
}
