package live

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flight-booking-api/internal/events"
	"flight-booking-api/internal/models"
)

func TestServe_SnapshotThenUpdates(t *testing.T) {
	ev := events.NewManager(true, nil)
	defer ev.Shutdown()

	srv := NewServer(eventWatcher(ev), nil, nil)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.Serve(w, r, "flight-1")
	}))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first Message
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, MessageTypeSnapshot, first.Type)
	require.Len(t, first.Seats, 1)
	assert.Equal(t, 10, first.Seats[0].TotalSeats)

	require.Eventually(t, func() bool { return ev.FlightSubscribers("flight-1") == 1 }, time.Second, 10*time.Millisecond)

	ev.PublishSeatUpdate(context.Background(), events.SeatUpdate{
		FlightID: "flight-1", SeatClass: models.SeatClassEconomy, BookedSeats: 4, TotalSeats: 10, Price: 127,
	})

	var update Message
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, MessageTypeSeatsUpdated, update.Type)
	require.Len(t, update.Seats, 1)
	assert.Equal(t, 4, update.Seats[0].BookedSeats)
	assert.Equal(t, int64(127), update.Seats[0].Price)

	conn.Close()
	assert.Eventually(t, func() bool { return ev.FlightSubscribers("flight-1") == 0 }, 2*time.Second, 10*time.Millisecond,
		"closing the socket unsubscribes")
}

func TestServe_WatchFailureClosesConnection(t *testing.T) {
	watch := func(ctx context.Context, flightID string, snapshot func([]events.SeatUpdate), fn events.SeatHandler) (func(), error) {
		return nil, errors.New("database is gone")
	}
	srv := NewServer(watch, nil, nil)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.Serve(w, r, "flight-1")
	}))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
}

// eventWatcher sends a fixed snapshot and subscribes to ev.
func eventWatcher(ev *events.Manager) Watcher {
	return func(ctx context.Context, flightID string, snapshot func([]events.SeatUpdate), fn events.SeatHandler) (func(), error) {
		snapshot([]events.SeatUpdate{{FlightID: flightID, SeatClass: models.SeatClassEconomy, TotalSeats: 10}})
		return ev.SubscribeFlight(flightID, fn), nil
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/flights/x/live", nil)
	assert.True(t, check(req), "no origin header")

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))

	req.Header.Set("Origin", "http://api.example.com")
	assert.True(t, check(req), "same host")

	assert.True(t, originChecker([]string{"*"})(req))
}
