package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"flight-booking-api/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventBookingCreated is emitted when a pending booking is stored
	EventBookingCreated EventType = "booking.created"
	// EventBookingConfirmed is emitted when payment for a booking is confirmed
	EventBookingConfirmed EventType = "booking.confirmed"
	// EventBookingCancelled is emitted when a booking releases its seats
	EventBookingCancelled EventType = "booking.cancelled"
	// EventRefundIssued is emitted after the processor accepts a refund
	EventRefundIssued EventType = "refund.issued"
	// EventPaymentFailed is emitted when the processor reports a failed payment
	EventPaymentFailed EventType = "payment.failed"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// BookingData contains data for booking lifecycle events.
type BookingData struct {
	Booking models.Booking
}

// RefundData contains data for refund events.
type RefundData struct {
	Refund  models.Refund
	Partial bool
}

// PaymentFailedData contains data for failed payment events.
type PaymentFailedData struct {
	PaymentIntentID string
	BookingID       string
	Message         string
}

// SeatUpdate is pushed to flight subscribers whenever seat counts change.
type SeatUpdate struct {
	FlightID    string           `json:"flightId"`
	SeatClass   models.SeatClass `json:"seatClass"`
	BookedSeats int              `json:"bookedSeats"`
	TotalSeats  int              `json:"totalSeats"`
	Price       int64            `json:"price"`
	Currency    string           `json:"currency"`
	At          time.Time        `json:"at"`
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// SeatHandler receives seat updates for one flight.
type SeatHandler func(ctx context.Context, update SeatUpdate)

// Manager manages event handlers, event publishing and per-flight seat subscriptions.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	flights  map[string]map[uint64]SeatHandler
	nextID   uint64
	enabled  bool
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewManager creates a new event manager.
func NewManager(enabled bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		handlers: make(map[EventType][]Handler),
		flights:  make(map[string]map[uint64]SeatHandler),
		enabled:  enabled,
		logger:   logger,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish publishes an event to all subscribed handlers.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	m.mu.RLock()
	if !m.enabled {
		m.mu.RUnlock()
		return
	}
	handlers := append([]Handler(nil), m.handlers[eventType]...)
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	// Handlers outlive the request that triggered them.
	ctx = context.WithoutCancel(ctx)
	for _, handler := range handlers {
		m.wg.Add(1)
		go func(h Handler) {
			defer m.wg.Done()
			if err := h(ctx, event); err != nil {
				m.logger.Warn("event handler failed", "event", string(eventType), "error", err)
			}
		}(handler)
	}
}

// SubscribeFlight registers fn for seat updates on flightID. The returned
// function unsubscribes; it is idempotent and safe to call during teardown.
func (m *Manager) SubscribeFlight(flightID string, fn SeatHandler) (unsubscribe func()) {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return func() {}
	}
	m.nextID++
	id := m.nextID
	if m.flights[flightID] == nil {
		m.flights[flightID] = make(map[uint64]SeatHandler)
	}
	m.flights[flightID][id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if subs, ok := m.flights[flightID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(m.flights, flightID)
				}
			}
		})
	}
}

// FlightSubscribers returns how many subscribers watch flightID.
func (m *Manager) FlightSubscribers(flightID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.flights[flightID])
}

// PublishSeatUpdate delivers update to every subscriber of its flight, in
// the caller's goroutine. Subscribers must not block. Updates published by one
// goroutine reach each subscriber in publish order.
func (m *Manager) PublishSeatUpdate(ctx context.Context, update SeatUpdate) {
	m.mu.RLock()
	if !m.enabled {
		m.mu.RUnlock()
		return
	}
	subs := make([]SeatHandler, 0, len(m.flights[update.FlightID]))
	for _, fn := range m.flights[update.FlightID] {
		subs = append(subs, fn)
	}
	m.mu.RUnlock()

	for _, fn := range subs {
		fn(ctx, update)
	}
}

// PublishBookingCreated publishes a booking created event.
func (m *Manager) PublishBookingCreated(ctx context.Context, b models.Booking) {
	m.Publish(ctx, EventBookingCreated, BookingData{Booking: b})
}

// PublishBookingConfirmed publishes a booking confirmed event.
func (m *Manager) PublishBookingConfirmed(ctx context.Context, b models.Booking) {
	m.Publish(ctx, EventBookingConfirmed, BookingData{Booking: b})
}

// PublishBookingCancelled publishes a booking cancelled event.
func (m *Manager) PublishBookingCancelled(ctx context.Context, b models.Booking) {
	m.Publish(ctx, EventBookingCancelled, BookingData{Booking: b})
}

// PublishRefundIssued publishes a refund issued event.
func (m *Manager) PublishRefundIssued(ctx context.Context, r models.Refund, partial bool) {
	m.Publish(ctx, EventRefundIssued, RefundData{Refund: r, Partial: partial})
}

// PublishPaymentFailed publishes a payment failed event.
func (m *Manager) PublishPaymentFailed(ctx context.Context, intentID, bookingID, message string) {
	m.Publish(ctx, EventPaymentFailed, PaymentFailedData{
		PaymentIntentID: intentID,
		BookingID:       bookingID,
		Message:         message,
	})
}

// Wait blocks until every in-flight handler has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown disables the manager, drops all subscriptions and waits for running handlers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.flights = make(map[string]map[uint64]SeatHandler)
	m.mu.Unlock()

	m.wg.Wait()
}
