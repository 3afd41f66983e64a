package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flight-booking-api/internal/models"
)

func TestSubscribeFlight_DeliversOnlyToThatFlight(t *testing.T) {
	m := NewManager(true, nil)
	var a, b atomic.Int32

	unsubA := m.SubscribeFlight("flight-a", func(ctx context.Context, u SeatUpdate) {
		a.Add(1)
	})
	defer unsubA()
	unsubB := m.SubscribeFlight("flight-b", func(ctx context.Context, u SeatUpdate) {
		b.Add(1)
	})
	defer unsubB()

	m.PublishSeatUpdate(context.Background(), SeatUpdate{FlightID: "flight-a", SeatClass: models.SeatClassEconomy})
	m.Wait()

	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(0), b.Load())
}

func TestSubscribeFlight_UnsubscribeIsIdempotent(t *testing.T) {
	m := NewManager(true, nil)
	var calls atomic.Int32

	unsub := m.SubscribeFlight("f", func(ctx context.Context, u SeatUpdate) { calls.Add(1) })
	other := m.SubscribeFlight("f", func(ctx context.Context, u SeatUpdate) {})
	require.Equal(t, 2, m.FlightSubscribers("f"))

	unsub()
	unsub()
	assert.Equal(t, 1, m.FlightSubscribers("f"))

	m.PublishSeatUpdate(context.Background(), SeatUpdate{FlightID: "f"})
	m.Wait()
	assert.Equal(t, int32(0), calls.Load())

	other()
	assert.Equal(t, 0, m.FlightSubscribers("f"))
}

func TestUnsubscribeAfterShutdown(t *testing.T) {
	m := NewManager(true, nil)
	unsub := m.SubscribeFlight("f", func(ctx context.Context, u SeatUpdate) {})
	m.Shutdown()
	assert.NotPanics(t, unsub)
}

func TestDisabledManager(t *testing.T) {
	m := NewManager(false, nil)
	var calls atomic.Int32
	m.Subscribe(EventBookingCreated, func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	unsub := m.SubscribeFlight("f", func(ctx context.Context, u SeatUpdate) { calls.Add(1) })
	defer unsub()

	m.PublishBookingCreated(context.Background(), models.Booking{})
	m.PublishSeatUpdate(context.Background(), SeatUpdate{FlightID: "f"})
	m.Wait()
	assert.Equal(t, int32(0), calls.Load())
}

func TestPublish_TypedEvents(t *testing.T) {
	m := NewManager(true, nil)
	got := make(chan Event, 2)
	m.Subscribe(EventRefundIssued, func(ctx context.Context, e Event) error {
		got <- e
		return errors.New("handler errors are logged, not returned")
	})

	m.PublishRefundIssued(context.Background(), models.Refund{ID: "r1", AmountMinor: 500}, true)
	m.Wait()

	require.Len(t, got, 1)
	e := <-got
	assert.Equal(t, EventRefundIssued, e.Type)
	data, ok := e.Data.(RefundData)
	require.True(t, ok)
	assert.Equal(t, "r1", data.Refund.ID)
	assert.True(t, data.Partial)
}

func TestPublishSeatUpdate_PreservesOrder(t *testing.T) {
	m := NewManager(true, nil)
	var got []int
	unsub := m.SubscribeFlight("f", func(ctx context.Context, u SeatUpdate) {
		got = append(got, u.BookedSeats)
	})
	defer unsub()

	for i := 1; i <= 50; i++ {
		m.PublishSeatUpdate(context.Background(), SeatUpdate{FlightID: "f", BookedSeats: i})
	}

	require.Len(t, got, 50)
	for i, n := range got {
		assert.Equal(t, i+1, n)
	}
}

func TestRegisterAudit_LogsDomainEvents(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(true, nil)
	RegisterAudit(m, slog.New(slog.NewJSONHandler(&buf, nil)))

	m.PublishRefundIssued(context.Background(), models.Refund{ID: "r1", BookingID: "b1", AmountMinor: 500, AdminID: "admin-1"}, true)
	m.Wait()

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "domain event", line["msg"])
	assert.Equal(t, string(EventRefundIssued), line["event"])
	assert.Equal(t, "b1", line["booking_id"])
	assert.Equal(t, float64(500), line["amount_minor"])
	assert.Equal(t, true, line["partial"])
}
