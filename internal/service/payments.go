package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"flight-booking-api/internal/cache"
	"flight-booking-api/internal/features"
	"flight-booking-api/internal/metrics"
	"flight-booking-api/internal/models"
	"flight-booking-api/internal/payment"
	"flight-booking-api/internal/tracing"
	"flight-booking-api/internal/validation"
)

// CreatePaymentIntent creates a processor intent. When the request names a
// booking, the amount must match it and the intent is attached to it. Without
// an explicit idempotency key a booking-derived key is used, so retries for
// the same booking return the same intent.
func (s *Service) CreatePaymentIntent(ctx context.Context, req models.CreatePaymentIntentRequest, idempotencyKey string) (models.CreatePaymentIntentResponse, error) {
	ctx, span := tracing.Start(ctx, "service.CreatePaymentIntent", attribute.String("booking.id", req.BookingID))
	resp, err := s.createPaymentIntent(ctx, req, idempotencyKey)
	tracing.End(span, err)
	return resp, err
}

func (s *Service) createPaymentIntent(ctx context.Context, req models.CreatePaymentIntentRequest, idempotencyKey string) (models.CreatePaymentIntentResponse, error) {
	req.Description = validation.SanitizeString(req.Description)
	if err := validation.Struct(req); err != nil {
		return models.CreatePaymentIntentResponse{}, err
	}

	currency := strings.ToUpper(req.Currency)
	metadata := map[string]string{}
	var replacing string
	if req.BookingID != "" {
		b, err := s.store.GetBooking(ctx, req.BookingID)
		if err != nil {
			return models.CreatePaymentIntentResponse{}, err
		}
		if b.Status != models.BookingStatusPending {
			return models.CreatePaymentIntentResponse{}, fmt.Errorf("booking is %s: %w", b.Status, ErrConflict)
		}
		if req.Amount != b.AmountMinor {
			return models.CreatePaymentIntentResponse{}, &validation.ValidationError{
				Field:   "amount",
				Message: fmt.Sprintf("must equal the booking amount %d", b.AmountMinor),
			}
		}
		if currency != "" && currency != b.Currency {
			return models.CreatePaymentIntentResponse{}, &validation.ValidationError{
				Field:   "currency",
				Message: "must equal the booking currency " + b.Currency,
			}
		}
		currency = b.Currency
		metadata["booking_id"] = b.ID

		// A booking pays through one intent. While it can still be paid,
		// every caller gets that intent back.
		if b.PaymentIntentID != "" {
			existing, err := s.gateway.GetIntent(ctx, b.PaymentIntentID)
			metrics.PaymentRequests.WithLabelValues("get_intent", outcome(err)).Inc()
			if err != nil {
				return models.CreatePaymentIntentResponse{}, err
			}
			if existing.Status != payment.IntentStatusCanceled {
				return models.CreatePaymentIntentResponse{ClientSecret: existing.ClientSecret, PaymentIntentID: existing.ID}, nil
			}
			replacing = existing.ID
		}
		if idempotencyKey == "" {
			idempotencyKey = "booking-" + b.ID
			if replacing != "" {
				idempotencyKey += "-" + replacing
			}
		}
	}
	if currency == "" {
		currency = s.currency
	}

	resp, replayed, err := cache.Remember(ctx, s.idempotency(), "create-payment-intent", idempotencyKey,
		func() (models.CreatePaymentIntentResponse, error) {
			intent, err := s.gateway.CreateIntent(ctx, payment.IntentParams{
				Amount:         req.Amount,
				Currency:       currency,
				Description:    req.Description,
				Metadata:       metadata,
				IdempotencyKey: idempotencyKey,
			})
			metrics.PaymentRequests.WithLabelValues("create_intent", outcome(err)).Inc()
			if err != nil {
				return models.CreatePaymentIntentResponse{}, err
			}
			if req.BookingID != "" {
				err := s.store.AttachPaymentIntent(ctx, req.BookingID, replacing, intent.ID)
				if errors.Is(err, ErrConflict) {
					s.logger.WarnContext(ctx, "discarding payment intent, booking already has one",
						"payment_intent_id", intent.ID, "booking_id", req.BookingID)
					return s.attachedIntent(ctx, req.BookingID)
				}
				if err != nil {
					return models.CreatePaymentIntentResponse{}, fmt.Errorf("failed to attach payment intent: %w", err)
				}
			}
			return models.CreatePaymentIntentResponse{ClientSecret: intent.ClientSecret, PaymentIntentID: intent.ID}, nil
		})
	if err != nil {
		return resp, err
	}
	if replayed {
		metrics.IdempotentReplays.WithLabelValues("create_payment_intent").Inc()
	} else {
		s.logger.InfoContext(ctx, "payment intent created",
			"payment_intent_id", resp.PaymentIntentID, "booking_id", req.BookingID, "amount_minor", req.Amount)
	}
	return resp, nil
}

// attachedIntent returns the intent a concurrent request bound to a booking.
func (s *Service) attachedIntent(ctx context.Context, bookingID string) (models.CreatePaymentIntentResponse, error) {
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return models.CreatePaymentIntentResponse{}, err
	}
	if b.Status != models.BookingStatusPending || b.PaymentIntentID == "" {
		return models.CreatePaymentIntentResponse{}, fmt.Errorf("booking is %s: %w", b.Status, ErrConflict)
	}
	intent, err := s.gateway.GetIntent(ctx, b.PaymentIntentID)
	metrics.PaymentRequests.WithLabelValues("get_intent", outcome(err)).Inc()
	if err != nil {
		return models.CreatePaymentIntentResponse{}, err
	}
	return models.CreatePaymentIntentResponse{ClientSecret: intent.ClientSecret, PaymentIntentID: intent.ID}, nil
}

// Refund refunds a payment intent, fully when the amount is zero. Refunds of a
// booked payment are limited to what has not yet been refunded.
func (s *Service) Refund(ctx context.Context, req models.RefundRequest, idempotencyKey string) (models.RefundResponse, error) {
	ctx, span := tracing.Start(ctx, "service.Refund", attribute.String("payment.intent_id", req.PaymentIntentID))
	if err := validation.Struct(req); err != nil {
		tracing.End(span, err)
		return models.RefundResponse{}, err
	}
	out, err := s.refund(ctx, refundCommand{
		intentID:  req.PaymentIntentID,
		bookingID: req.BookingID,
		amount:    req.Amount,
		reason:    req.Reason,
	}, idempotencyKey)
	tracing.End(span, err)
	if err != nil {
		return models.RefundResponse{}, err
	}
	return out.Refund, nil
}

// PartialRefund refunds part of a booking's payment on behalf of an admin.
// With refund accounting enabled the admin's revenue counter is decremented
// and refund counter incremented together with recording the refund.
func (s *Service) PartialRefund(ctx context.Context, req models.PartialRefundRequest, idempotencyKey string) (models.PartialRefundResponse, error) {
	ctx, span := tracing.Start(ctx, "service.PartialRefund",
		attribute.String("payment.intent_id", req.PaymentIntentID),
		attribute.String("booking.id", req.BookingID),
	)
	if err := validation.Struct(req); err != nil {
		tracing.End(span, err)
		return models.PartialRefundResponse{}, err
	}
	out, err := s.refund(ctx, refundCommand{
		intentID:   req.PaymentIntentID,
		bookingID:  req.BookingID,
		amount:     req.Amount,
		reason:     req.Reason,
		adminID:    req.AdminID,
		partial:    true,
		accounting: s.features.IsEnabled(features.FeatureRefundAccounting),
	}, idempotencyKey)
	tracing.End(span, err)
	if err != nil {
		return models.PartialRefundResponse{}, err
	}
	return models.PartialRefundResponse{Success: true, Refund: out.Refund, Status: out.Status}, nil
}

type refundCommand struct {
	intentID   string
	bookingID  string
	amount     int64
	reason     string
	adminID    string
	partial    bool
	accounting bool
}

type refundOutcome struct {
	Refund models.RefundResponse `json:"refund"`
	Status models.BookingStatus  `json:"status"`
}

func (s *Service) refund(ctx context.Context, cmd refundCommand, idempotencyKey string) (refundOutcome, error) {
	scope := "refund"
	if cmd.partial {
		scope = "partial-refund"
	}
	// The booking is checked inside the remembered call: a retry of a
	// refund that already emptied the booking replays the stored response.
	out, replayed, err := cache.Remember(ctx, s.idempotency(), scope, idempotencyKey, func() (refundOutcome, error) {
		mu := s.refundLock(cmd.intentID)
		mu.Lock()
		defer mu.Unlock()

		booking, err := s.refundableBooking(ctx, cmd)
		if err != nil {
			return refundOutcome{}, err
		}
		return s.issueRefund(ctx, cmd, booking, idempotencyKey)
	})
	if err != nil {
		return out, err
	}
	if replayed {
		metrics.IdempotentReplays.WithLabelValues(scope).Inc()
	}
	return out, nil
}

// refundLock serializes refunds of one payment intent, so each refund sees
// the balance left by the previous one.
func (s *Service) refundLock(intentID string) *sync.Mutex {
	mu, _ := s.refundLocks.LoadOrStore(intentID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// refundableBooking finds the booking paid by the intent, if any, and checks
// that cmd may be refunded against it.
func (s *Service) refundableBooking(ctx context.Context, cmd refundCommand) (*models.Booking, error) {
	var (
		b   models.Booking
		err error
	)
	if cmd.bookingID != "" {
		b, err = s.store.GetBooking(ctx, cmd.bookingID)
		if err != nil {
			return nil, err
		}
		if b.PaymentIntentID != cmd.intentID {
			return nil, ErrIntentBound
		}
	} else {
		b, err = s.store.GetBookingByIntent(ctx, cmd.intentID)
		if errors.Is(err, ErrNotFound) {
			if cmd.partial {
				return nil, err
			}
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	if b.Status != models.BookingStatusConfirmed && b.Status != models.BookingStatusPartiallyRefunded {
		return nil, fmt.Errorf("booking is %s: %w", b.Status, ErrNotRefundable)
	}
	return &b, nil
}

func (s *Service) issueRefund(ctx context.Context, cmd refundCommand, booking *models.Booking, idempotencyKey string) (refundOutcome, error) {
	amount := cmd.amount
	if booking != nil {
		refunded, err := s.store.RefundedAmount(ctx, booking.ID)
		if err != nil {
			return refundOutcome{}, err
		}
		remaining := booking.AmountMinor - refunded
		if amount == 0 {
			amount = remaining
		}
		if amount <= 0 || amount > remaining {
			return refundOutcome{}, &validation.ValidationError{
				Field:   "amount",
				Message: fmt.Sprintf("must be between 1 and the remaining %d", remaining),
			}
		}
	}

	res, err := s.gateway.Refund(ctx, payment.RefundParams{
		IntentID:       cmd.intentID,
		Amount:         amount,
		Reason:         cmd.reason,
		IdempotencyKey: idempotencyKey,
	})
	metrics.PaymentRequests.WithLabelValues("refund", outcome(err)).Inc()
	if err != nil {
		return refundOutcome{}, err
	}

	record := models.Refund{
		ID:              uuid.NewString(),
		PaymentIntentID: cmd.intentID,
		ProcessorID:     res.ID,
		AmountMinor:     res.Amount,
		Reason:          cmd.reason,
		Status:          res.Status,
		AdminID:         cmd.adminID,
		CreatedAt:       s.now().UTC(),
	}
	currency := s.currency
	if booking != nil {
		record.BookingID = booking.ID
		currency = booking.Currency
	}

	// The processor has already moved the money; a failure here leaves the
	// refund unrecorded and is logged with the processor id for reconciliation.
	status, err := s.store.RecordRefund(ctx, record, cmd.accounting)
	if err != nil {
		s.logger.ErrorContext(ctx, "refund issued but not recorded",
			"processor_refund_id", res.ID, "payment_intent_id", cmd.intentID, "error", err)
		return refundOutcome{}, fmt.Errorf("failed to record refund: %w", err)
	}

	metrics.RefundedMinor.WithLabelValues(currency).Add(float64(res.Amount))
	s.logger.InfoContext(ctx, "refund issued",
		"processor_refund_id", res.ID, "payment_intent_id", cmd.intentID,
		"booking_id", record.BookingID, "amount_minor", res.Amount, "admin_id", cmd.adminID)
	s.events.PublishRefundIssued(ctx, record, cmd.partial)
	if booking != nil {
		metrics.BookingTransitions.WithLabelValues(string(status)).Inc()
		if status == models.BookingStatusRefunded {
			s.publishSeats(ctx, booking.FlightID, booking.SeatClass)
		}
	}

	return refundOutcome{
		Refund: models.RefundResponse{RefundID: res.ID, Amount: res.Amount, Status: res.Status},
		Status: status,
	}, nil
}

// WebhookResult reports how a webhook delivery was handled.
type WebhookResult struct {
	EventID string `json:"eventId"`
	Type    string `json:"type"`
	Handled bool   `json:"handled"`
}

// HandleWebhook verifies and dispatches a processor webhook. Deliveries that
// reference unknown bookings are acknowledged so the processor stops retrying.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	ev, err := s.gateway.ParseWebhook(payload, signature)
	if err != nil {
		return WebhookResult{}, err
	}
	ctx, span := tracing.Start(ctx, "service.HandleWebhook", attribute.String("webhook.type", ev.Type))
	res, err := s.dispatchWebhook(ctx, ev)
	tracing.End(span, err)
	return res, err
}

func (s *Service) dispatchWebhook(ctx context.Context, ev payment.WebhookEvent) (WebhookResult, error) {
	res := WebhookResult{EventID: ev.ID, Type: ev.Type}

	switch ev.Type {
	case payment.EventIntentSucceeded:
		if ev.Intent == nil || !s.features.IsEnabled(features.FeatureWebhookConfirmation) {
			s.logger.InfoContext(ctx, "payment succeeded", "event_id", ev.ID)
			return res, nil
		}
		b, err := s.bookingForIntent(ctx, *ev.Intent)
		if errors.Is(err, ErrNotFound) {
			s.logger.InfoContext(ctx, "payment succeeded without booking", "payment_intent_id", ev.Intent.ID)
			return res, nil
		}
		if err != nil {
			return res, err
		}
		if _, err := s.confirmWithIntent(ctx, b, *ev.Intent); err != nil {
			if errors.Is(err, ErrConflict) {
				s.logger.WarnContext(ctx, "webhook could not confirm booking",
					"booking_id", b.ID, "payment_intent_id", ev.Intent.ID, "error", err)
				return res, nil
			}
			return res, err
		}
		res.Handled = true

	case payment.EventIntentFailed:
		var intentID, bookingID string
		if ev.Intent != nil {
			intentID = ev.Intent.ID
			bookingID = ev.Intent.Metadata["booking_id"]
		}
		s.logger.WarnContext(ctx, "payment failed", "payment_intent_id", intentID, "booking_id", bookingID)
		s.events.PublishPaymentFailed(ctx, intentID, bookingID, "payment failed")
		res.Handled = true

	case payment.EventChargeRefunded:
		s.logger.InfoContext(ctx, "charge refunded", "event_id", ev.ID)
		res.Handled = true

	default:
		s.logger.DebugContext(ctx, "unhandled webhook event", "type", ev.Type, "event_id", ev.ID)
	}
	return res, nil
}

func (s *Service) bookingForIntent(ctx context.Context, intent payment.Intent) (models.Booking, error) {
	if id := intent.Metadata["booking_id"]; id != "" {
		return s.store.GetBooking(ctx, id)
	}
	return s.store.GetBookingByIntent(ctx, intent.ID)
}
