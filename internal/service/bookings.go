package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"flight-booking-api/internal/events"
	"flight-booking-api/internal/metrics"
	"flight-booking-api/internal/models"
	"flight-booking-api/internal/payment"
	"flight-booking-api/internal/tracing"
	"flight-booking-api/internal/validation"
)

// CreateBooking holds seats for a pending booking priced at the current fare.
func (s *Service) CreateBooking(ctx context.Context, req models.CreateBookingRequest) (models.Booking, error) {
	req.CustomerEmail = strings.ToLower(strings.TrimSpace(req.CustomerEmail))
	if err := validation.Struct(req); err != nil {
		return models.Booking{}, err
	}

	now := s.now()
	q, err := s.Quote(ctx, req.FlightID, req.SeatClass, now)
	if err != nil {
		return models.Booking{}, err
	}
	if q.TotalSeats == 0 {
		return models.Booking{}, &validation.ValidationError{Field: "seatClass", Message: "is not offered on this flight"}
	}

	ts := now.UTC().Truncate(time.Second)
	b := models.Booking{
		ID:            uuid.NewString(),
		FlightID:      q.FlightID,
		SeatClass:     q.SeatClass,
		Passengers:    req.Passengers,
		CustomerEmail: req.CustomerEmail,
		AmountMinor:   q.FinalPrice * int64(req.Passengers) * minorUnits(q.Currency),
		Currency:      q.Currency,
		Status:        models.BookingStatusPending,
		OfferID:       q.OfferID,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}

	if err := s.store.CreateBooking(ctx, b, q.TotalSeats); err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			return models.Booking{}, fmt.Errorf("%d %s seats requested, %d left: %w",
				req.Passengers, req.SeatClass, q.TotalSeats-q.BookedSeats, ErrCapacityExceeded)
		}
		return models.Booking{}, err
	}

	metrics.BookingTransitions.WithLabelValues(string(b.Status)).Inc()
	s.logger.InfoContext(ctx, "booking created",
		"booking_id", b.ID, "flight_id", b.FlightID, "seat_class", b.SeatClass,
		"passengers", b.Passengers, "amount_minor", b.AmountMinor)
	s.events.PublishBookingCreated(ctx, b)
	s.publishSeats(ctx, b.FlightID, b.SeatClass)
	return b, nil
}

// GetBooking returns a booking by ID.
func (s *Service) GetBooking(ctx context.Context, id string) (models.Booking, error) {
	if err := validation.ValidateUUID(id, "id"); err != nil {
		return models.Booking{}, err
	}
	return s.store.GetBooking(ctx, id)
}

// CancelBooking releases the seats of an unpaid booking. Paid bookings are
// released by refunding them in full.
func (s *Service) CancelBooking(ctx context.Context, id string) (models.Booking, error) {
	if err := validation.ValidateUUID(id, "id"); err != nil {
		return models.Booking{}, err
	}
	b, err := s.store.CancelBooking(ctx, id)
	if err != nil {
		if errors.Is(err, ErrConflict) &&
			(b.Status == models.BookingStatusConfirmed || b.Status == models.BookingStatusPartiallyRefunded) {
			return b, ErrPaidBooking
		}
		return b, err
	}

	metrics.BookingTransitions.WithLabelValues(string(b.Status)).Inc()
	s.logger.InfoContext(ctx, "booking cancelled", "booking_id", b.ID)
	s.events.PublishBookingCancelled(ctx, b)
	s.publishSeats(ctx, b.FlightID, b.SeatClass)
	return b, nil
}

// ConfirmBooking confirms a booking once the processor reports its payment
// intent succeeded for the booked amount. Confirming twice with the same
// intent returns the booking unchanged.
func (s *Service) ConfirmBooking(ctx context.Context, bookingID, intentID string) (models.Booking, error) {
	ctx, span := tracing.Start(ctx, "service.ConfirmBooking",
		attribute.String("booking.id", bookingID),
		attribute.String("payment.intent_id", intentID),
	)
	b, err := s.confirmBooking(ctx, bookingID, intentID)
	tracing.End(span, err)
	return b, err
}

func (s *Service) confirmBooking(ctx context.Context, bookingID, intentID string) (models.Booking, error) {
	if err := validation.ValidateUUID(bookingID, "id"); err != nil {
		return models.Booking{}, err
	}
	if err := validation.Struct(models.ConfirmBookingRequest{PaymentIntentID: intentID}); err != nil {
		return models.Booking{}, err
	}

	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return models.Booking{}, err
	}
	if b.Status == models.BookingStatusConfirmed && b.PaymentIntentID == intentID {
		return b, nil
	}
	if b.Status != models.BookingStatusPending {
		return b, fmt.Errorf("booking is %s: %w", b.Status, ErrConflict)
	}
	if b.PaymentIntentID != "" && b.PaymentIntentID != intentID {
		return b, ErrIntentBound
	}

	intent, err := s.gateway.GetIntent(ctx, intentID)
	metrics.PaymentRequests.WithLabelValues("get_intent", outcome(err)).Inc()
	if err != nil {
		return models.Booking{}, err
	}
	return s.confirmWithIntent(ctx, b, intent)
}

// confirmWithIntent checks intent against b and performs the transition.
func (s *Service) confirmWithIntent(ctx context.Context, b models.Booking, intent payment.Intent) (models.Booking, error) {
	if id := intent.Metadata["booking_id"]; id != "" && id != b.ID {
		return b, ErrIntentMismatch
	}
	if intent.Status != payment.IntentStatusSucceeded {
		return b, fmt.Errorf("intent %s is %s: %w", intent.ID, intent.Status, ErrPaymentIncomplete)
	}
	if intent.Amount != b.AmountMinor || !strings.EqualFold(intent.Currency, b.Currency) {
		return b, fmt.Errorf("intent charged %d %s, booking costs %d %s: %w",
			intent.Amount, intent.Currency, b.AmountMinor, b.Currency, ErrAmountMismatch)
	}

	confirmed, changed, err := s.store.ConfirmBooking(ctx, b.ID, intent.ID)
	if err != nil {
		return confirmed, err
	}
	if changed {
		metrics.BookingTransitions.WithLabelValues(string(confirmed.Status)).Inc()
		s.logger.InfoContext(ctx, "booking confirmed", "booking_id", confirmed.ID, "payment_intent_id", intent.ID)
		s.events.PublishBookingConfirmed(ctx, confirmed)
		s.publishSeats(ctx, confirmed.FlightID, confirmed.SeatClass)
	}
	return confirmed, nil
}

// publishSeats pushes the current seat count and fare to live subscribers.
// The count is read and published under the flight's seat lock, so the last
// update a subscriber receives reflects the latest committed booking.
func (s *Service) publishSeats(ctx context.Context, flightID string, class models.SeatClass) {
	mu := s.seatLock(flightID)
	mu.Lock()
	defer mu.Unlock()
	if s.events.FlightSubscribers(flightID) == 0 {
		return
	}
	q, err := s.quote(ctx, flightID, class, s.now())
	if err != nil {
		s.logger.WarnContext(ctx, "failed to price seat update", "flight_id", flightID, "error", err)
		return
	}
	s.events.PublishSeatUpdate(ctx, events.SeatUpdate{
		FlightID:    flightID,
		SeatClass:   class,
		BookedSeats: q.BookedSeats,
		TotalSeats:  q.TotalSeats,
		Price:       q.FinalPrice,
		Currency:    q.Currency,
		At:          q.QuotedAt,
	})
}

// outcome labels a processor call for metrics.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if pe, ok := payment.AsError(err); ok {
		return string(pe.Kind)
	}
	return "error"
}
