package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"flight-booking-api/internal/events"
	"flight-booking-api/internal/metrics"
	"flight-booking-api/internal/models"
	"flight-booking-api/internal/pricing"
	"flight-booking-api/internal/tracing"
	"flight-booking-api/internal/validation"
)

// CreateFlight creates or updates a flight. A missing ID is generated.
func (s *Service) CreateFlight(ctx context.Context, flight models.Flight) (models.Flight, error) {
	if flight.ID == "" {
		flight.ID = uuid.NewString()
	}
	flight.FlightNumber = validation.SanitizeString(flight.FlightNumber)
	flight.Origin = strings.ToUpper(strings.TrimSpace(flight.Origin))
	flight.Destination = strings.ToUpper(strings.TrimSpace(flight.Destination))
	flight.Currency = strings.ToUpper(strings.TrimSpace(flight.Currency))
	if flight.Currency == "" {
		flight.Currency = s.currency
	}

	if err := validation.ValidateFlight(flight); err != nil {
		return models.Flight{}, err
	}
	if err := s.store.UpsertFlight(ctx, flight); err != nil {
		return models.Flight{}, fmt.Errorf("failed to store flight: %w", err)
	}
	return flight, nil
}

// GetFlight returns a flight by ID.
func (s *Service) GetFlight(ctx context.Context, id string) (models.Flight, error) {
	if err := validation.ValidateUUID(id, "id"); err != nil {
		return models.Flight{}, err
	}
	return s.store.GetFlight(ctx, id)
}

// ListFlights returns flights departing after now.
func (s *Service) ListFlights(ctx context.Context) ([]models.Flight, error) {
	flights, err := s.store.ListFlights(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list flights: %w", err)
	}
	return flights, nil
}

// Availability returns booked and total seats for every class of a flight.
func (s *Service) Availability(ctx context.Context, flightID string) ([]models.SeatAvailability, error) {
	flight, err := s.GetFlight(ctx, flightID)
	if err != nil {
		return nil, err
	}
	out := make([]models.SeatAvailability, 0, len(models.SeatClasses))
	for _, class := range models.SeatClasses {
		booked, err := s.store.CountBookedSeats(ctx, flight.ID, class)
		if err != nil {
			return nil, fmt.Errorf("failed to count booked seats: %w", err)
		}
		out = append(out, models.SeatAvailability{
			FlightID:    flight.ID,
			SeatClass:   class,
			BookedSeats: booked,
			TotalSeats:  flight.Capacity(class),
		})
	}
	return out, nil
}

// SeatSnapshot returns the current seat count and fare of every class the
// flight offers, in the shape pushed to live subscribers.
func (s *Service) SeatSnapshot(ctx context.Context, flightID string) ([]events.SeatUpdate, error) {
	flight, err := s.GetFlight(ctx, flightID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	offers, err := s.store.ListActiveOffers(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to get active offers: %w", err)
	}

	var out []events.SeatUpdate
	for _, class := range models.SeatClasses {
		if flight.Capacity(class) == 0 {
			continue
		}
		booked, err := s.store.CountBookedSeats(ctx, flight.ID, class)
		if err != nil {
			return nil, fmt.Errorf("failed to count booked seats: %w", err)
		}
		q := s.priceFlight(flight, class, booked, offers, now)
		out = append(out, events.SeatUpdate{
			FlightID:    flight.ID,
			SeatClass:   class,
			BookedSeats: booked,
			TotalSeats:  q.TotalSeats,
			Price:       q.FinalPrice,
			Currency:    q.Currency,
			At:          now,
		})
	}
	return out, nil
}

// WatchSeats hands the current seat state to snapshot and subscribes fn to
// later changes on the flight. Seat updates are serialized per flight, so fn
// never sees an update older than the snapshot.
func (s *Service) WatchSeats(ctx context.Context, flightID string, snapshot func([]events.SeatUpdate), fn events.SeatHandler) (func(), error) {
	mu := s.seatLock(flightID)
	mu.Lock()
	defer mu.Unlock()

	seats, err := s.SeatSnapshot(ctx, flightID)
	if err != nil {
		return nil, err
	}
	snapshot(seats)
	return s.events.SubscribeFlight(flightID, fn), nil
}

func (s *Service) seatLock(flightID string) *sync.Mutex {
	mu, _ := s.seatLocks.LoadOrStore(flightID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Quote prices one seat of class on a flight at now. A zero now uses the
// service clock.
func (s *Service) Quote(ctx context.Context, flightID string, class models.SeatClass, now time.Time) (models.Quote, error) {
	ctx, span := tracing.Start(ctx, "service.Quote",
		attribute.String("flight.id", flightID),
		attribute.String("seat.class", string(class)),
	)
	quote, err := s.quote(ctx, flightID, class, now)
	tracing.End(span, err)
	return quote, err
}

func (s *Service) quote(ctx context.Context, flightID string, class models.SeatClass, now time.Time) (models.Quote, error) {
	if class == "" {
		class = models.SeatClassEconomy
	}
	if !class.Valid() {
		return models.Quote{}, &validation.ValidationError{Field: "class", Message: "must be one of economy, business, first"}
	}
	if now.IsZero() {
		now = s.now()
	}

	flight, err := s.GetFlight(ctx, flightID)
	if err != nil {
		return models.Quote{}, err
	}
	booked, err := s.store.CountBookedSeats(ctx, flight.ID, class)
	if err != nil {
		return models.Quote{}, fmt.Errorf("failed to count booked seats: %w", err)
	}
	offers, err := s.store.ListActiveOffers(ctx, now)
	if err != nil {
		return models.Quote{}, fmt.Errorf("failed to get active offers: %w", err)
	}

	return s.priceFlight(flight, class, booked, offers, now), nil
}

// priceFlight is the single place a fare is computed; bookings, live updates
// and the quote endpoint all go through it.
func (s *Service) priceFlight(flight models.Flight, class models.SeatClass, booked int, offers []models.Offer, now time.Time) models.Quote {
	base := pricing.FromFloat(flight.BasePrice).Mul(pricing.FromFloat(models.ClassMultiplier(class)))
	res := s.engine.Quote(pricing.FlightQuote{
		BasePrice:     base,
		DepartureTime: flight.DepartureTime,
		BookedSeats:   booked,
		TotalSeats:    flight.Capacity(class),
	}, offers, flight.Route(), now)

	q := models.Quote{
		FlightID:           flight.ID,
		SeatClass:          class,
		Currency:           flight.Currency,
		BasePrice:          base.InexactFloat64(),
		DemandMultiplier:   res.Demand.InexactFloat64(),
		TimeMultiplier:     res.Time.InexactFloat64(),
		SeasonalMultiplier: res.Seasonal.InexactFloat64(),
		DynamicPrice:       res.DynamicPrice.IntPart(),
		FinalPrice:         res.FinalPrice.IntPart(),
		BookedSeats:        booked,
		TotalSeats:         flight.Capacity(class),
		QuotedAt:           now,
	}
	offerLabel := "none"
	if res.Offer != nil {
		q.OfferID = res.Offer.ID
		q.DiscountPercentage = res.Offer.DiscountPercentage
		offerLabel = "applied"
	}
	metrics.QuotesTotal.WithLabelValues(string(class), offerLabel).Inc()
	return q
}

// CreateOffer creates or updates an offer. A missing ID is generated.
func (s *Service) CreateOffer(ctx context.Context, offer models.Offer) (models.Offer, error) {
	if offer.ID == "" {
		offer.ID = uuid.NewString()
	}
	offer.Title = validation.SanitizeString(offer.Title)
	for i, r := range offer.Routes {
		offer.Routes[i] = strings.ToUpper(strings.TrimSpace(r))
	}

	if err := validation.ValidateOffer(offer); err != nil {
		return models.Offer{}, err
	}
	if err := s.store.UpsertOffer(ctx, offer); err != nil {
		return models.Offer{}, fmt.Errorf("failed to store offer: %w", err)
	}
	return offer, nil
}

// ActiveOffers returns the offers running at now.
func (s *Service) ActiveOffers(ctx context.Context) ([]models.Offer, error) {
	offers, err := s.store.ListActiveOffers(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to get active offers: %w", err)
	}
	return offers, nil
}
