// Package live streams seat availability for a flight over websockets.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"flight-booking-api/internal/events"
	"flight-booking-api/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 16
)

// MessageType represents the type of websocket message.
type MessageType string

const (
	MessageTypeSnapshot     MessageType = "snapshot"
	MessageTypeSeatsUpdated MessageType = "seats_updated"
)

// Message is the frame sent to clients.
type Message struct {
	Type      MessageType         `json:"type"`
	FlightID  string              `json:"flightId"`
	Seats     []events.SeatUpdate `json:"seats"`
	Timestamp int64               `json:"timestamp"`
}

// Watcher subscribes fn to the seat updates of a flight. snapshot receives
// the current seat state of every class before fn sees any update, and no
// update older than the snapshot is delivered to fn.
type Watcher func(ctx context.Context, flightID string, snapshot func([]events.SeatUpdate), fn events.SeatHandler) (unsubscribe func(), err error)

// Server upgrades requests and relays seat updates for one flight per connection.
type Server struct {
	watch    Watcher
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a live update server. An empty allowedOrigins accepts
// same-host requests only; "*" accepts any origin.
func NewServer(watch Watcher, logger *slog.Logger, allowedOrigins []string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		watch:  watch,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Serve upgrades the connection and streams updates for flightID until the
// client goes away. The caller must have verified that the flight exists.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, flightID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		s.logger.Debug("websocket upgrade failed", "flight_id", flightID, "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	queue := func(data []byte) {
		select {
		case <-c.done:
		case c.send <- data:
		default:
			s.logger.Warn("dropping slow websocket client", "flight_id", flightID)
			c.close()
		}
	}
	snapshot := func(seats []events.SeatUpdate) {
		if data, err := encode(MessageTypeSnapshot, flightID, seats); err == nil {
			queue(data)
		}
	}
	unsubscribe, err := s.watch(r.Context(), flightID, snapshot, func(ctx context.Context, u events.SeatUpdate) {
		if data, err := encode(MessageTypeSeatsUpdated, flightID, []events.SeatUpdate{u}); err == nil {
			queue(data)
		}
	})
	if err != nil {
		s.logger.Warn("failed to watch seats", "flight_id", flightID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "seat state unavailable"), time.Now().Add(writeWait))
		conn.Close()
		return
	}

	metrics.LiveSubscribers.Inc()
	s.logger.Info("websocket client connected", "flight_id", flightID)

	go c.readPump()
	c.writePump()

	unsubscribe()
	metrics.LiveSubscribers.Dec()
	s.logger.Info("websocket client disconnected", "flight_id", flightID)
}

// readPump discards client frames and ends the session when the peer stops
// answering pings or closes the connection.
func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encode(t MessageType, flightID string, seats []events.SeatUpdate) ([]byte, error) {
	return json.Marshal(Message{
		Type:      t,
		FlightID:  flightID,
		Seats:     seats,
		Timestamp: time.Now().UnixMilli(),
	})
}
