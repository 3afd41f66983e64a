package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"flight-booking-api/internal/cache"
	"flight-booking-api/internal/database"
	"flight-booking-api/internal/events"
	"flight-booking-api/internal/features"
	"flight-booking-api/internal/models"
	"flight-booking-api/internal/payment"
	"flight-booking-api/internal/pricing"
	"flight-booking-api/internal/validation"
)

var (
	ErrNotFound         = database.ErrNotFound
	ErrConflict         = database.ErrConflict
	ErrCapacityExceeded = database.ErrCapacityExceeded

	ErrPaymentIncomplete = fmt.Errorf("payment has not succeeded: %w", ErrConflict)
	ErrAmountMismatch    = fmt.Errorf("payment amount does not match booking: %w", ErrConflict)
	ErrIntentMismatch    = fmt.Errorf("payment intent belongs to another booking: %w", ErrConflict)
	ErrIntentBound       = fmt.Errorf("booking is bound to another payment intent: %w", ErrConflict)
	ErrPaidBooking       = fmt.Errorf("booking is paid, refund it to release the seats: %w", ErrConflict)
	ErrNotRefundable     = fmt.Errorf("booking is not refundable: %w", ErrConflict)
)

// FlightRepository reads and writes flights.
type FlightRepository interface {
	GetFlight(ctx context.Context, id string) (models.Flight, error)
	ListFlights(ctx context.Context, after time.Time) ([]models.Flight, error)
	UpsertFlight(ctx context.Context, f models.Flight) error
}

// OfferRepository reads and writes offers.
type OfferRepository interface {
	ListActiveOffers(ctx context.Context, now time.Time) ([]models.Offer, error)
	UpsertOffer(ctx context.Context, o models.Offer) error
}

// BookingRepository persists bookings and their status transitions.
type BookingRepository interface {
	CountBookedSeats(ctx context.Context, flightID string, class models.SeatClass) (int, error)
	CreateBooking(ctx context.Context, b models.Booking, capacity int) error
	GetBooking(ctx context.Context, id string) (models.Booking, error)
	GetBookingByIntent(ctx context.Context, intentID string) (models.Booking, error)
	AttachPaymentIntent(ctx context.Context, bookingID, current, intentID string) error
	ConfirmBooking(ctx context.Context, bookingID, intentID string) (models.Booking, bool, error)
	CancelBooking(ctx context.Context, bookingID string) (models.Booking, error)
}

// RefundRepository records refunds and the accounting counters they touch.
type RefundRepository interface {
	RefundedAmount(ctx context.Context, bookingID string) (int64, error)
	RecordRefund(ctx context.Context, r models.Refund, accounting bool) (models.BookingStatus, error)
	GetAdminStats(ctx context.Context, adminID string) (models.AdminStats, error)
}

// Store is everything the service needs from persistence.
type Store interface {
	FlightRepository
	OfferRepository
	BookingRepository
	RefundRepository
}

var _ Store = (*database.DB)(nil)

// Options carries the optional collaborators of a Service.
type Options struct {
	Engine          *pricing.Engine
	Events          *events.Manager
	Features        *features.Manager
	Idempotency     *cache.Idempotency
	Logger          *slog.Logger
	PublishableKey  string
	DefaultCurrency string
	Now             func() time.Time
}

// Service provides the business logic of the booking API.
type Service struct {
	store          Store
	gateway        payment.Gateway
	engine         *pricing.Engine
	events         *events.Manager
	features       *features.Manager
	idem           *cache.Idempotency
	logger         *slog.Logger
	publishableKey string
	currency       string
	now            func() time.Time
	seatLocks      sync.Map
	refundLocks    sync.Map
}

// NewService creates a new service instance.
func NewService(store Store, gateway payment.Gateway, opts Options) *Service {
	s := &Service{
		store:          store,
		gateway:        gateway,
		engine:         opts.Engine,
		events:         opts.Events,
		features:       opts.Features,
		idem:           opts.Idempotency,
		logger:         opts.Logger,
		publishableKey: opts.PublishableKey,
		currency:       strings.ToUpper(opts.DefaultCurrency),
		now:            opts.Now,
	}
	if s.engine == nil {
		s.engine = pricing.NewEngine(pricing.DefaultPolicy())
	}
	if s.events == nil {
		s.events = events.NewManager(false, nil)
	}
	if s.features == nil {
		s.features = features.NewManager()
		s.features.RegisterDefaults(nil)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.currency == "" {
		s.currency = "USD"
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Engine returns the pricing engine used for every quote.
func (s *Service) Engine() *pricing.Engine {
	return s.engine
}

// Events returns the event manager the service publishes to.
func (s *Service) Events() *events.Manager {
	return s.events
}

// Features returns the feature flag manager.
func (s *Service) Features() *features.Manager {
	return s.features
}

// Config returns the client-visible payment configuration.
func (s *Service) Config() models.ConfigResponse {
	return models.ConfigResponse{PublishableKey: s.publishableKey}
}

// AdminStats returns the accounting counters of an admin.
func (s *Service) AdminStats(ctx context.Context, adminID string) (models.AdminStats, error) {
	if strings.TrimSpace(adminID) == "" {
		return models.AdminStats{}, &validation.ValidationError{Field: "adminId", Message: "is required"}
	}
	return s.store.GetAdminStats(ctx, adminID)
}

func (s *Service) idempotency() *cache.Idempotency {
	if !s.features.IsEnabled(features.FeatureIdempotencyCache) {
		return nil
	}
	return s.idem
}

// zeroDecimalCurrencies have no minor unit.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true, "KRW": true,
	"MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true, "VUV": true, "XAF": true,
	"XOF": true, "XPF": true,
}

// minorUnits returns how many minor units make one major unit of currency.
func minorUnits(currency string) int64 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 1
	}
	return 100
}
