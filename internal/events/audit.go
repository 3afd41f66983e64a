package events

import (
	"context"
	"log/slog"

	"flight-booking-api/internal/metrics"
)

// AuditTypes are the domain events recorded by RegisterAudit.
var AuditTypes = []EventType{
	EventBookingCreated,
	EventBookingConfirmed,
	EventBookingCancelled,
	EventRefundIssued,
	EventPaymentFailed,
}

// RegisterAudit subscribes a handler that counts every domain event and
// writes it to logger as one structured line.
func RegisterAudit(m *Manager, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, t := range AuditTypes {
		m.Subscribe(t, func(ctx context.Context, e Event) error {
			metrics.DomainEvents.WithLabelValues(string(e.Type)).Inc()
			logger.InfoContext(ctx, "domain event", append([]any{"event", string(e.Type)}, auditAttrs(e.Data)...)...)
			return nil
		})
	}
}

func auditAttrs(data interface{}) []any {
	switch d := data.(type) {
	case BookingData:
		return []any{
			"booking_id", d.Booking.ID,
			"flight_id", d.Booking.FlightID,
			"status", string(d.Booking.Status),
			"amount_minor", d.Booking.AmountMinor,
		}
	case RefundData:
		return []any{
			"refund_id", d.Refund.ID,
			"booking_id", d.Refund.BookingID,
			"payment_intent_id", d.Refund.PaymentIntentID,
			"amount_minor", d.Refund.AmountMinor,
			"admin_id", d.Refund.AdminID,
			"partial", d.Partial,
		}
	case PaymentFailedData:
		return []any{
			"payment_intent_id", d.PaymentIntentID,
			"booking_id", d.BookingID,
			"message", d.Message,
		}
	}
	return nil
}
