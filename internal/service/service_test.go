package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"flight-booking-api/internal/cache"
	"flight-booking-api/internal/database"
	"flight-booking-api/internal/events"
	"flight-booking-api/internal/features"
	"flight-booking-api/internal/models"
	"flight-booking-api/internal/payment"
	"flight-booking-api/internal/validation"
)

var testNow = time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *Service
	db     *database.DB
	gw     *payment.MemoryGateway
	flags  *features.Manager
	flight models.Flight
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	return newFixtureWithGateway(t, nil)
}

func newFixtureWithGateway(t *testing.T, gw payment.Gateway) fixture {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "svc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mem := payment.NewMemoryGateway("whsec_test", false)
	if gw == nil {
		gw = mem
	}

	flags := features.NewManager()
	flags.RegisterDefaults(nil)
	ev := events.NewManager(true, nil)
	t.Cleanup(ev.Shutdown)

	svc := NewService(db, gw, Options{
		Events:          ev,
		Features:        flags,
		Idempotency:     cache.NewIdempotency(cache.NewInMemoryCache(), time.Hour),
		PublishableKey:  "pk_test_123",
		DefaultCurrency: "usd",
		Now:             func() time.Time { return testNow },
	})

	dep := time.Date(2025, 7, 20, 9, 0, 0, 0, time.UTC)
	flight, err := svc.CreateFlight(context.Background(), models.Flight{
		FlightNumber:  "AA100",
		Origin:        "jfk",
		Destination:   "lax",
		DepartureTime: dep,
		ArrivalTime:   dep.Add(6 * time.Hour),
		BasePrice:     100,
		EconomySeats:  10,
		BusinessSeats: 2,
	})
	require.NoError(t, err)

	return fixture{svc: svc, db: db, gw: mem, flags: flags, flight: flight}
}

func (f fixture) book(t *testing.T, passengers int) models.Booking {
	t.Helper()
	b, err := f.svc.CreateBooking(context.Background(), models.CreateBookingRequest{
		FlightID:      f.flight.ID,
		SeatClass:     models.SeatClassEconomy,
		Passengers:    passengers,
		CustomerEmail: "Jane@Example.com",
	})
	require.NoError(t, err)
	return b
}

// pay creates and succeeds an intent for b, then confirms it.
func (f fixture) pay(t *testing.T, b models.Booking) models.Booking {
	t.Helper()
	ctx := context.Background()
	resp, err := f.svc.CreatePaymentIntent(ctx, models.CreatePaymentIntentRequest{
		Amount:    b.AmountMinor,
		BookingID: b.ID,
	}, "")
	require.NoError(t, err)
	f.gw.SetStatus(resp.PaymentIntentID, payment.IntentStatusSucceeded)

	confirmed, err := f.svc.ConfirmBooking(ctx, b.ID, resp.PaymentIntentID)
	require.NoError(t, err)
	return confirmed
}

func TestCreateFlight_Normalizes(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "JFK-LAX", f.flight.Route())
	assert.Equal(t, "USD", f.flight.Currency)
	assert.NoError(t, validation.ValidateUUID(f.flight.ID, "id"))

	_, err := f.svc.CreateFlight(context.Background(), models.Flight{
		FlightNumber: "X1", Origin: "JFK", Destination: "JFK",
		DepartureTime: testNow, ArrivalTime: testNow.Add(time.Hour), BasePrice: 10, EconomySeats: 1,
	})
	assert.True(t, validation.IsValidationError(err))
}

func TestQuote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 100 * demand 1.0 * time 1.1 (18 days out) * July 1.15 = 126.5 -> 127
	q, err := f.svc.Quote(ctx, f.flight.ID, models.SeatClassEconomy, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(127), q.DynamicPrice)
	assert.Equal(t, int64(127), q.FinalPrice)
	assert.Empty(t, q.OfferID)
	assert.Equal(t, 10, q.TotalSeats)

	// Business is 2.5x base: 250 * 1.1 * 1.15 = 316.25 -> 316
	q, err = f.svc.Quote(ctx, f.flight.ID, models.SeatClassBusiness, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(316), q.FinalPrice)

	offer, err := f.svc.CreateOffer(ctx, models.Offer{
		Title: "Summer", DiscountPercentage: 20, Active: true, Routes: []string{"jfk-lax"},
		StartsAt: testNow.Add(-time.Hour), EndsAt: testNow.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	q, err = f.svc.Quote(ctx, f.flight.ID, models.SeatClassEconomy, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(127), q.DynamicPrice)
	assert.Equal(t, int64(102), q.FinalPrice, "127 * 0.8 = 101.6")
	assert.Equal(t, offer.ID, q.OfferID)

	_, err = f.svc.Quote(ctx, f.flight.ID, "premium", time.Time{})
	assert.True(t, validation.IsValidationError(err))

	_, err = f.svc.Quote(ctx, uuid.NewString(), models.SeatClassEconomy, time.Time{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateBooking_PricesAndHoldsSeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.book(t, 2)
	assert.Equal(t, models.BookingStatusPending, b.Status)
	assert.Equal(t, int64(127*2*100), b.AmountMinor)
	assert.Equal(t, "jane@example.com", b.CustomerEmail)

	avail, err := f.svc.Availability(ctx, f.flight.ID)
	require.NoError(t, err)
	require.Len(t, avail, 3)
	assert.Equal(t, 2, avail[0].BookedSeats)
	assert.Equal(t, 0, avail[2].TotalSeats)

	_, err = f.svc.CreateBooking(ctx, models.CreateBookingRequest{
		FlightID: f.flight.ID, SeatClass: models.SeatClassEconomy, Passengers: 9, CustomerEmail: "a@b.co",
	})
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	_, err = f.svc.CreateBooking(ctx, models.CreateBookingRequest{
		FlightID: f.flight.ID, SeatClass: models.SeatClassFirst, Passengers: 1, CustomerEmail: "a@b.co",
	})
	assert.True(t, validation.IsValidationError(err), "no first class on this flight")

	_, err = f.svc.CreateBooking(ctx, models.CreateBookingRequest{
		FlightID: f.flight.ID, SeatClass: models.SeatClassEconomy, Passengers: 0, CustomerEmail: "a@b.co",
	})
	assert.True(t, validation.IsValidationError(err))

	cancelled, err := f.svc.CancelBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusCancelled, cancelled.Status)

	_, err = f.svc.CreateBooking(ctx, models.CreateBookingRequest{
		FlightID: f.flight.ID, SeatClass: models.SeatClassEconomy, Passengers: 9, CustomerEmail: "a@b.co",
	})
	assert.NoError(t, err, "cancelled seats are released")
}

func TestPaymentFlow_ConfirmIsServerVerifiedAndIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, 2)

	_, err := f.svc.CreatePaymentIntent(ctx, models.CreatePaymentIntentRequest{Amount: 1, BookingID: b.ID}, "")
	assert.True(t, validation.IsValidationError(err), "amount must match the booking")

	resp, err := f.svc.CreatePaymentIntent(ctx, models.CreatePaymentIntentRequest{Amount: b.AmountMinor, BookingID: b.ID}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ClientSecret)

	again, err := f.svc.CreatePaymentIntent(ctx, models.CreatePaymentIntentRequest{Amount: b.AmountMinor, BookingID: b.ID}, "")
	require.NoError(t, err)
	assert.Equal(t, resp.PaymentIntentID, again.PaymentIntentID, "retries for one booking reuse the intent")

	_, err = f.svc.ConfirmBooking(ctx, b.ID, resp.PaymentIntentID)
	assert.ErrorIs(t, err, ErrPaymentIncomplete)

	f.gw.SetStatus(resp.PaymentIntentID, payment.IntentStatusSucceeded)
	confirmed, err := f.svc.ConfirmBooking(ctx, b.ID, resp.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusConfirmed, confirmed.Status)

	confirmed, err = f.svc.ConfirmBooking(ctx, b.ID, resp.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusConfirmed, confirmed.Status)

	_, err = f.svc.ConfirmBooking(ctx, b.ID, "pi_other")
	assert.ErrorIs(t, err, ErrConflict)

	stats, err := f.svc.AdminStats(ctx, database.SystemAccount)
	require.NoError(t, err)
	assert.Equal(t, b.AmountMinor, stats.RevenueMinor)
}

func TestConfirmBooking_AmountMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, 1)

	intent, err := f.gw.CreateIntent(ctx, payment.IntentParams{Amount: 50, Currency: "usd"})
	require.NoError(t, err)
	f.gw.SetStatus(intent.ID, payment.IntentStatusSucceeded)

	_, err = f.svc.ConfirmBooking(ctx, b.ID, intent.ID)
	assert.ErrorIs(t, err, ErrAmountMismatch)

	got, err := f.svc.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusPending, got.Status)
}

func TestPartialRefund_AccountingAndFullRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.pay(t, f.book(t, 2))

	resp, err := f.svc.PartialRefund(ctx, models.PartialRefundRequest{
		PaymentIntentID: b.PaymentIntentID,
		Amount:          5000,
		BookingID:       b.ID,
		AdminID:         "admin-1",
		Reason:          "requested_by_customer",
	}, "refund-key-1")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int64(5000), resp.Refund.Amount)
	assert.Equal(t, models.BookingStatusPartiallyRefunded, resp.Status)

	replay, err := f.svc.PartialRefund(ctx, models.PartialRefundRequest{
		PaymentIntentID: b.PaymentIntentID, Amount: 5000, BookingID: b.ID, AdminID: "admin-1",
	}, "refund-key-1")
	require.NoError(t, err)
	assert.Equal(t, resp.Refund.RefundID, replay.Refund.RefundID)
	assert.Equal(t, int64(5000), f.gw.Refunded(b.PaymentIntentID), "replays do not refund twice")

	stats, err := f.svc.AdminStats(ctx, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-5000), stats.RevenueMinor)
	assert.Equal(t, 1, stats.RefundCount)

	_, err = f.svc.PartialRefund(ctx, models.PartialRefundRequest{
		PaymentIntentID: b.PaymentIntentID, Amount: b.AmountMinor, BookingID: b.ID, AdminID: "admin-1",
	}, "")
	assert.True(t, validation.IsValidationError(err), "cannot refund more than remains")

	full, err := f.svc.Refund(ctx, models.RefundRequest{PaymentIntentID: b.PaymentIntentID}, "")
	require.NoError(t, err)
	assert.Equal(t, b.AmountMinor-5000, full.Amount)

	got, err := f.svc.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusRefunded, got.Status)

	avail, err := f.svc.Availability(ctx, f.flight.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, avail[0].BookedSeats, "fully refunded bookings release seats")

	_, err = f.svc.Refund(ctx, models.RefundRequest{PaymentIntentID: b.PaymentIntentID}, "")
	assert.ErrorIs(t, err, ErrNotRefundable)
}

func TestRefund_RetryWithSameKeyReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.pay(t, f.book(t, 1))

	first, err := f.svc.Refund(ctx, models.RefundRequest{PaymentIntentID: b.PaymentIntentID}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, b.AmountMinor, first.Amount)

	retry, err := f.svc.Refund(ctx, models.RefundRequest{PaymentIntentID: b.PaymentIntentID}, "key-1")
	require.NoError(t, err, "a retry after the booking was emptied replays the stored response")
	assert.Equal(t, first, retry)
	assert.Equal(t, b.AmountMinor, f.gw.Refunded(b.PaymentIntentID))

	_, err = f.svc.Refund(ctx, models.RefundRequest{PaymentIntentID: b.PaymentIntentID}, "key-2")
	assert.ErrorIs(t, err, ErrNotRefundable, "a new key is a new refund")
}

func TestCancelBooking_PaidBookingIsRefundedInstead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.pay(t, f.book(t, 2))

	got, err := f.svc.CancelBooking(ctx, b.ID)
	assert.ErrorIs(t, err, ErrPaidBooking)
	assert.Equal(t, models.BookingStatusConfirmed, got.Status)

	refund, err := f.svc.Refund(ctx, models.RefundRequest{PaymentIntentID: b.PaymentIntentID}, "")
	require.NoError(t, err)
	assert.Equal(t, b.AmountMinor, refund.Amount)
	assert.Equal(t, b.AmountMinor, f.gw.Refunded(b.PaymentIntentID))

	avail, err := f.svc.Availability(ctx, f.flight.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, avail[0].BookedSeats)
}

func TestCreatePaymentIntent_OneIntentPerBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, 1)
	req := models.CreatePaymentIntentRequest{Amount: b.AmountMinor, BookingID: b.ID}

	tab1, err := f.svc.CreatePaymentIntent(ctx, req, "tab-1")
	require.NoError(t, err)
	tab2, err := f.svc.CreatePaymentIntent(ctx, req, "tab-2")
	require.NoError(t, err)
	assert.Equal(t, tab1.PaymentIntentID, tab2.PaymentIntentID, "a second tab pays the same intent")
	assert.Equal(t, tab1.ClientSecret, tab2.ClientSecret)

	other, err := f.gw.CreateIntent(ctx, payment.IntentParams{Amount: b.AmountMinor, Currency: "usd"})
	require.NoError(t, err)
	f.gw.SetStatus(other.ID, payment.IntentStatusSucceeded)
	_, err = f.svc.ConfirmBooking(ctx, b.ID, other.ID)
	assert.ErrorIs(t, err, ErrIntentBound)

	f.gw.SetStatus(tab1.PaymentIntentID, payment.IntentStatusSucceeded)
	confirmed, err := f.svc.ConfirmBooking(ctx, b.ID, tab1.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusConfirmed, confirmed.Status)
}

func TestCreatePaymentIntent_ReplacesCanceledIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, 1)
	req := models.CreatePaymentIntentRequest{Amount: b.AmountMinor, BookingID: b.ID}

	first, err := f.svc.CreatePaymentIntent(ctx, req, "")
	require.NoError(t, err)
	f.gw.SetStatus(first.PaymentIntentID, payment.IntentStatusCanceled)

	second, err := f.svc.CreatePaymentIntent(ctx, req, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.PaymentIntentID, second.PaymentIntentID)

	got, err := f.svc.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, second.PaymentIntentID, got.PaymentIntentID)
}

func TestPartialRefund_ConcurrentRefundsReleaseSeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.pay(t, f.book(t, 1))
	amounts := []int64{6000, b.AmountMinor - 6000}

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, len(amounts))
	)
	for i, amount := range amounts {
		wg.Add(1)
		go func(key string, amount int64) {
			defer wg.Done()
			<-start
			_, err := f.svc.PartialRefund(ctx, models.PartialRefundRequest{
				PaymentIntentID: b.PaymentIntentID, Amount: amount, BookingID: b.ID, AdminID: "admin-1",
			}, key)
			errs <- err
		}(fmt.Sprintf("split-%d", i), amount)
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, b.AmountMinor, f.gw.Refunded(b.PaymentIntentID))
	got, err := f.svc.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusRefunded, got.Status)

	avail, err := f.svc.Availability(ctx, f.flight.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, avail[0].BookedSeats)

	stats, err := f.svc.AdminStats(ctx, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, -b.AmountMinor, stats.RevenueMinor)
	assert.Equal(t, 2, stats.RefundCount)
}

func TestPartialRefund_AccountingDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.flags.Set(features.FeatureRefundAccounting, false))
	b := f.pay(t, f.book(t, 1))

	_, err := f.svc.PartialRefund(ctx, models.PartialRefundRequest{
		PaymentIntentID: b.PaymentIntentID, Amount: 100, BookingID: b.ID, AdminID: "admin-2",
	}, "")
	require.NoError(t, err)

	stats, err := f.svc.AdminStats(ctx, "admin-2")
	require.NoError(t, err)
	assert.Zero(t, stats.RevenueMinor)
	assert.Zero(t, stats.RefundCount)
}

func TestRefund_IntentWithoutBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.svc.CreatePaymentIntent(ctx, models.CreatePaymentIntentRequest{Amount: 2500, Description: "gift card"}, "")
	require.NoError(t, err)

	_, err = f.svc.Refund(ctx, models.RefundRequest{PaymentIntentID: resp.PaymentIntentID}, "")
	assert.True(t, payment.IsKind(err, payment.KindNotFound), "no charge before payment succeeds")

	f.gw.SetStatus(resp.PaymentIntentID, payment.IntentStatusSucceeded)
	refund, err := f.svc.Refund(ctx, models.RefundRequest{PaymentIntentID: resp.PaymentIntentID, Amount: 1000}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), refund.Amount)
}

func webhookPayload(eventType, intentID string, amount int64, status, bookingID string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_%s","type":%q,"data":{"object":{"id":%q,"amount":%d,"currency":"usd","status":%q,"metadata":{"booking_id":%q}}}}`,
		intentID, eventType, intentID, amount, status, bookingID))
}

func TestHandleWebhook_ConfirmsBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, 1)
	resp, err := f.svc.CreatePaymentIntent(ctx, models.CreatePaymentIntentRequest{Amount: b.AmountMinor, BookingID: b.ID}, "")
	require.NoError(t, err)

	payload := webhookPayload(payment.EventIntentSucceeded, resp.PaymentIntentID, b.AmountMinor, "succeeded", b.ID)

	_, err = f.svc.HandleWebhook(ctx, payload, "bad-signature")
	assert.True(t, payment.IsKind(err, payment.KindAuth))

	res, err := f.svc.HandleWebhook(ctx, payload, f.gw.Sign(payload))
	require.NoError(t, err)
	assert.True(t, res.Handled)

	got, err := f.svc.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusConfirmed, got.Status)

	res, err = f.svc.HandleWebhook(ctx, payload, f.gw.Sign(payload))
	require.NoError(t, err, "redelivery is acknowledged")
	assert.True(t, res.Handled)
}

func TestHandleWebhook_ConfirmationDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.flags.Set(features.FeatureWebhookConfirmation, false))
	b := f.book(t, 1)

	payload := webhookPayload(payment.EventIntentSucceeded, "pi_x", b.AmountMinor, "succeeded", b.ID)
	res, err := f.svc.HandleWebhook(ctx, payload, f.gw.Sign(payload))
	require.NoError(t, err)
	assert.False(t, res.Handled)

	got, err := f.svc.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusPending, got.Status)
}

func TestHandleWebhook_PaymentFailedPublishesEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	failed := make(chan events.PaymentFailedData, 1)
	f.svc.Events().Subscribe(events.EventPaymentFailed, func(ctx context.Context, e events.Event) error {
		failed <- e.Data.(events.PaymentFailedData)
		return nil
	})

	payload := webhookPayload(payment.EventIntentFailed, "pi_f", 100, "requires_payment_method", "b-9")
	res, err := f.svc.HandleWebhook(ctx, payload, f.gw.Sign(payload))
	require.NoError(t, err)
	assert.True(t, res.Handled)

	f.svc.Events().Wait()
	require.Len(t, failed, 1)
	assert.Equal(t, "pi_f", (<-failed).PaymentIntentID)
}

func TestSeatUpdatesReachSubscribers(t *testing.T) {
	f := newFixture(t)
	updates := make(chan events.SeatUpdate, 4)
	unsubscribe := f.svc.Events().SubscribeFlight(f.flight.ID, func(ctx context.Context, u events.SeatUpdate) {
		updates <- u
	})
	defer unsubscribe()

	f.book(t, 3)
	f.svc.Events().Wait()

	require.Len(t, updates, 1)
	u := <-updates
	assert.Equal(t, 3, u.BookedSeats)
	assert.Equal(t, 10, u.TotalSeats)
	assert.Equal(t, models.SeatClassEconomy, u.SeatClass)
	assert.Positive(t, u.Price)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateIntent(ctx context.Context, p payment.IntentParams) (payment.Intent, error) {
	args := m.Called(ctx, p)
	return args.Get(0).(payment.Intent), args.Error(1)
}

func (m *mockGateway) GetIntent(ctx context.Context, id string) (payment.Intent, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(payment.Intent), args.Error(1)
}

func (m *mockGateway) Refund(ctx context.Context, p payment.RefundParams) (payment.RefundResult, error) {
	args := m.Called(ctx, p)
	return args.Get(0).(payment.RefundResult), args.Error(1)
}

func (m *mockGateway) ParseWebhook(payload []byte, signature string) (payment.WebhookEvent, error) {
	args := m.Called(payload, signature)
	return args.Get(0).(payment.WebhookEvent), args.Error(1)
}

func TestCreatePaymentIntent_DeclinedIsNotRemembered(t *testing.T) {
	gw := new(mockGateway)
	f := newFixtureWithGateway(t, gw)
	ctx := context.Background()
	b := f.book(t, 1)

	declined := &payment.Error{Kind: payment.KindCard, Code: "card_declined", Message: "Your card was declined."}
	gw.On("CreateIntent", mock.Anything, mock.MatchedBy(func(p payment.IntentParams) bool {
		return p.Amount == b.AmountMinor && p.Currency == "USD" && p.Metadata["booking_id"] == b.ID &&
			p.IdempotencyKey == "client-key"
	})).Return(payment.Intent{}, declined).Once()
	gw.On("CreateIntent", mock.Anything, mock.Anything).
		Return(payment.Intent{ID: "pi_ok", ClientSecret: "pi_ok_secret"}, nil).Once()

	req := models.CreatePaymentIntentRequest{Amount: b.AmountMinor, BookingID: b.ID}
	_, err := f.svc.CreatePaymentIntent(ctx, req, "client-key")
	assert.True(t, payment.IsKind(err, payment.KindCard))

	resp, err := f.svc.CreatePaymentIntent(ctx, req, "client-key")
	require.NoError(t, err)
	assert.Equal(t, "pi_ok", resp.PaymentIntentID)

	got, err := f.svc.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_ok", got.PaymentIntentID)
	gw.AssertExpectations(t)
}

func TestConfirmBooking_ProcessorOutage(t *testing.T) {
	gw := new(mockGateway)
	f := newFixtureWithGateway(t, gw)
	b := f.book(t, 1)

	gw.On("GetIntent", mock.Anything, "pi_1").
		Return(payment.Intent{}, &payment.Error{Kind: payment.KindUpstream, Message: "boom"})

	_, err := f.svc.ConfirmBooking(context.Background(), b.ID, "pi_1")
	assert.True(t, payment.IsKind(err, payment.KindUpstream))
	gw.AssertExpectations(t)
}

func TestConfig(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "pk_test_123", f.svc.Config().PublishableKey)

	_, err := f.svc.AdminStats(context.Background(), " ")
	assert.True(t, validation.IsValidationError(err))
}
