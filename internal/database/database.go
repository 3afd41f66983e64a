package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"flight-booking-api/internal/models"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrCapacityExceeded = errors.New("not enough seats available")
	ErrConflict         = errors.New("conflicting state")
)

// SystemAccount is the stats row credited when bookings are paid.
const SystemAccount = "system"

// DB wraps the database connection and provides methods for data access.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Serialize writers; capacity checks rely on it.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS flights (
			id TEXT PRIMARY KEY,
			flight_number TEXT NOT NULL,
			origin TEXT NOT NULL,
			destination TEXT NOT NULL,
			departure_time TEXT NOT NULL,
			arrival_time TEXT NOT NULL,
			base_price REAL NOT NULL,
			currency TEXT NOT NULL,
			economy_seats INTEGER NOT NULL,
			business_seats INTEGER NOT NULL,
			first_seats INTEGER NOT NULL,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS offers (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			discount_percentage REAL NOT NULL,
			active INTEGER NOT NULL,
			routes TEXT NOT NULL,
			starts_at TEXT NOT NULL,
			ends_at TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS bookings (
			id TEXT PRIMARY KEY,
			flight_id TEXT NOT NULL REFERENCES flights(id),
			seat_class TEXT NOT NULL,
			passengers INTEGER NOT NULL,
			customer_email TEXT NOT NULL,
			amount_minor INTEGER NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			offer_id TEXT NOT NULL DEFAULT '',
			payment_intent_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS refunds (
			id TEXT PRIMARY KEY,
			booking_id TEXT NOT NULL DEFAULT '',
			payment_intent_id TEXT NOT NULL,
			processor_refund_id TEXT NOT NULL,
			amount_minor INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			admin_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS admin_stats (
			admin_id TEXT PRIMARY KEY,
			revenue_minor INTEGER NOT NULL DEFAULT 0,
			refund_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_flight_class ON bookings(flight_id, seat_class, status)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_intent ON bookings(payment_intent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_refunds_booking ON refunds(booking_id)`,
		`CREATE INDEX IF NOT EXISTS idx_offers_window ON offers(active, ends_at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// --- Flights ---

// UpsertFlight creates or updates a flight.
func (db *DB) UpsertFlight(ctx context.Context, f models.Flight) error {
	query := `INSERT INTO flights (
		id, flight_number, origin, destination, departure_time, arrival_time,
		base_price, currency, economy_seats, business_seats, first_seats, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		flight_number = excluded.flight_number,
		origin = excluded.origin,
		destination = excluded.destination,
		departure_time = excluded.departure_time,
		arrival_time = excluded.arrival_time,
		base_price = excluded.base_price,
		currency = excluded.currency,
		economy_seats = excluded.economy_seats,
		business_seats = excluded.business_seats,
		first_seats = excluded.first_seats,
		updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, query,
		f.ID,
		f.FlightNumber,
		strings.ToUpper(f.Origin),
		strings.ToUpper(f.Destination),
		formatTime(f.DepartureTime),
		formatTime(f.ArrivalTime),
		f.BasePrice,
		strings.ToUpper(f.Currency),
		f.EconomySeats,
		f.BusinessSeats,
		f.FirstSeats,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert flight: %w", err)
	}
	return nil
}

const flightColumns = `id, flight_number, origin, destination, departure_time, arrival_time,
	base_price, currency, economy_seats, business_seats, first_seats`

// GetFlight returns a flight by ID.
func (db *DB) GetFlight(ctx context.Context, id string) (models.Flight, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+flightColumns+` FROM flights WHERE id = ?`, id)
	f, err := scanFlight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Flight{}, ErrNotFound
	}
	if err != nil {
		return models.Flight{}, fmt.Errorf("failed to get flight: %w", err)
	}
	return f, nil
}

// ListFlights returns flights departing after the given time, soonest first.
func (db *DB) ListFlights(ctx context.Context, after time.Time) ([]models.Flight, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+flightColumns+` FROM flights WHERE departure_time > ? ORDER BY departure_time ASC`,
		formatTime(after))
	if err != nil {
		return nil, fmt.Errorf("failed to query flights: %w", err)
	}
	defer rows.Close()

	flights := []models.Flight{}
	for rows.Next() {
		f, err := scanFlight(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flight: %w", err)
		}
		flights = append(flights, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flights: %w", err)
	}
	return flights, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFlight(s scanner) (models.Flight, error) {
	var (
		f                  models.Flight
		departure, arrival string
	)
	err := s.Scan(
		&f.ID, &f.FlightNumber, &f.Origin, &f.Destination, &departure, &arrival,
		&f.BasePrice, &f.Currency, &f.EconomySeats, &f.BusinessSeats, &f.FirstSeats,
	)
	if err != nil {
		return models.Flight{}, err
	}
	if f.DepartureTime, err = parseTime(departure); err != nil {
		return models.Flight{}, fmt.Errorf("failed to parse departure_time: %w", err)
	}
	if f.ArrivalTime, err = parseTime(arrival); err != nil {
		return models.Flight{}, fmt.Errorf("failed to parse arrival_time: %w", err)
	}
	return f, nil
}

// --- Offers ---

// UpsertOffer creates or updates an offer.
func (db *DB) UpsertOffer(ctx context.Context, offer models.Offer) error {
	query := `INSERT INTO offers (
		id, title, discount_percentage, active, routes, starts_at, ends_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		discount_percentage = excluded.discount_percentage,
		active = excluded.active,
		routes = excluded.routes,
		starts_at = excluded.starts_at,
		ends_at = excluded.ends_at,
		updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, query,
		offer.ID,
		offer.Title,
		offer.DiscountPercentage,
		offer.Active,
		serializeRoutes(offer.Routes),
		formatTime(offer.StartsAt),
		formatTime(offer.EndsAt),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert offer: %w", err)
	}
	return nil
}

// ListActiveOffers returns offers that are active and unexpired at now.
// Route matching is left to the pricing engine.
func (db *DB) ListActiveOffers(ctx context.Context, now time.Time) ([]models.Offer, error) {
	query := `SELECT id, title, discount_percentage, active, routes, starts_at, ends_at
		FROM offers
		WHERE active = 1
		AND starts_at <= ?
		AND ends_at > ?
		ORDER BY starts_at ASC, id ASC`

	ts := formatTime(now)
	rows, err := db.conn.QueryContext(ctx, query, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to query active offers: %w", err)
	}
	defer rows.Close()

	offers := []models.Offer{}
	for rows.Next() {
		var (
			offer            models.Offer
			routes           string
			startsAt, endsAt string
		)
		if err := rows.Scan(
			&offer.ID, &offer.Title, &offer.DiscountPercentage, &offer.Active,
			&routes, &startsAt, &endsAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}

		offer.Routes = deserializeRoutes(routes)

		if offer.StartsAt, err = parseTime(startsAt); err != nil {
			return nil, fmt.Errorf("failed to parse starts_at: %w", err)
		}
		if offer.EndsAt, err = parseTime(endsAt); err != nil {
			return nil, fmt.Errorf("failed to parse ends_at: %w", err)
		}

		offers = append(offers, offer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating offers: %w", err)
	}

	return offers, nil
}

// --- Bookings ---

const bookingColumns = `id, flight_id, seat_class, passengers, customer_email, amount_minor,
	currency, status, offer_id, payment_intent_id, created_at, updated_at`

// CountBookedSeats sums passengers over bookings that still hold seats in the class.
func (db *DB) CountBookedSeats(ctx context.Context, flightID string, class models.SeatClass) (int, error) {
	return countBookedSeats(ctx, db.conn, flightID, class)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func countBookedSeats(ctx context.Context, q queryer, flightID string, class models.SeatClass) (int, error) {
	var booked int
	err := q.QueryRowContext(ctx, `SELECT COALESCE(SUM(passengers), 0) FROM bookings
		WHERE flight_id = ? AND seat_class = ? AND status NOT IN (?, ?)`,
		flightID, string(class), string(models.BookingStatusCancelled), string(models.BookingStatusRefunded),
	).Scan(&booked)
	if err != nil {
		return 0, fmt.Errorf("failed to count booked seats: %w", err)
	}
	return booked, nil
}

// CreateBooking inserts a pending booking if the class still has room for
// its passengers. The check and insert share one transaction.
func (db *DB) CreateBooking(ctx context.Context, b models.Booking, capacity int) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	booked, err := countBookedSeats(ctx, tx, b.FlightID, b.SeatClass)
	if err != nil {
		return err
	}
	if booked+b.Passengers > capacity {
		return ErrCapacityExceeded
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.FlightID, string(b.SeatClass), b.Passengers, b.CustomerEmail, b.AmountMinor,
		b.Currency, string(b.Status), b.OfferID, b.PaymentIntentID,
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert booking: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetBooking returns a booking by ID.
func (db *DB) GetBooking(ctx context.Context, id string) (models.Booking, error) {
	return getBooking(ctx, db.conn, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
}

// GetBookingByIntent returns the booking paid by the given payment intent.
func (db *DB) GetBookingByIntent(ctx context.Context, intentID string) (models.Booking, error) {
	if intentID == "" {
		return models.Booking{}, ErrNotFound
	}
	return getBooking(ctx, db.conn, `SELECT `+bookingColumns+` FROM bookings WHERE payment_intent_id = ?`, intentID)
}

func getBooking(ctx context.Context, q queryer, query string, args ...any) (models.Booking, error) {
	var (
		b                    models.Booking
		class, status        string
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, query, args...).Scan(
		&b.ID, &b.FlightID, &class, &b.Passengers, &b.CustomerEmail, &b.AmountMinor,
		&b.Currency, &status, &b.OfferID, &b.PaymentIntentID, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Booking{}, ErrNotFound
	}
	if err != nil {
		return models.Booking{}, fmt.Errorf("failed to get booking: %w", err)
	}
	b.SeatClass = models.SeatClass(class)
	b.Status = models.BookingStatus(status)
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Booking{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Booking{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return b, nil
}

// AttachPaymentIntent binds intentID to a pending booking, provided the
// booking is still bound to current ("" when it has no intent yet). Another
// intent attached in the meantime, or a booking that left pending, is an
// ErrConflict.
func (db *DB) AttachPaymentIntent(ctx context.Context, bookingID, current, intentID string) error {
	res, err := db.conn.ExecContext(ctx, `UPDATE bookings SET payment_intent_id = ?, updated_at = ?
		WHERE id = ? AND status = ? AND payment_intent_id = ?`,
		intentID, formatTime(time.Now()), bookingID, string(models.BookingStatusPending), current)
	if err != nil {
		return fmt.Errorf("failed to attach payment intent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		b, err := db.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.PaymentIntentID == intentID && b.Status == models.BookingStatusPending {
			return nil
		}
		return fmt.Errorf("booking is %s with intent %q: %w", b.Status, b.PaymentIntentID, ErrConflict)
	}
	return nil
}

// ConfirmBooking moves a pending booking to confirmed, keyed by payment intent.
// Confirming again with the same intent is a no-op and reports changed=false.
// Paid amounts are credited to the system revenue counter.
func (db *DB) ConfirmBooking(ctx context.Context, bookingID, intentID string) (models.Booking, bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.Booking{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	b, err := getBooking(ctx, tx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, bookingID)
	if err != nil {
		return models.Booking{}, false, err
	}

	switch {
	case b.Status == models.BookingStatusConfirmed && b.PaymentIntentID == intentID:
		return b, false, nil
	case b.Status != models.BookingStatusPending:
		return b, false, fmt.Errorf("booking is %s: %w", b.Status, ErrConflict)
	case b.PaymentIntentID != "" && b.PaymentIntentID != intentID:
		return b, false, fmt.Errorf("booking is bound to another payment intent: %w", ErrConflict)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if _, err := tx.ExecContext(ctx, `UPDATE bookings SET status = ?, payment_intent_id = ?, updated_at = ?
		WHERE id = ?`, string(models.BookingStatusConfirmed), intentID, formatTime(now), bookingID); err != nil {
		return models.Booking{}, false, fmt.Errorf("failed to confirm booking: %w", err)
	}
	if err := adjustStats(ctx, tx, SystemAccount, b.AmountMinor, 0); err != nil {
		return models.Booking{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return models.Booking{}, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	b.Status = models.BookingStatusConfirmed
	b.PaymentIntentID = intentID
	b.UpdatedAt = now
	return b, true, nil
}

// CancelBooking cancels an unpaid booking and frees its seats. Paid bookings
// are released through a full refund instead.
func (db *DB) CancelBooking(ctx context.Context, bookingID string) (models.Booking, error) {
	return db.transition(ctx, bookingID, models.BookingStatusCancelled, models.BookingStatusPending)
}

func (db *DB) transition(ctx context.Context, bookingID string, to models.BookingStatus, from ...models.BookingStatus) (models.Booking, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.Booking{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	b, err := getBooking(ctx, tx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, bookingID)
	if err != nil {
		return models.Booking{}, err
	}
	allowed := false
	for _, s := range from {
		if b.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return b, fmt.Errorf("cannot move booking from %s to %s: %w", b.Status, to, ErrConflict)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if _, err := tx.ExecContext(ctx, `UPDATE bookings SET status = ?, updated_at = ? WHERE id = ?`,
		string(to), formatTime(now), bookingID); err != nil {
		return models.Booking{}, fmt.Errorf("failed to update booking status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Booking{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	b.Status = to
	b.UpdatedAt = now
	return b, nil
}

// --- Refunds & accounting ---

// RefundedAmount sums refunds already issued against a booking.
func (db *DB) RefundedAmount(ctx context.Context, bookingID string) (int64, error) {
	var total int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_minor), 0) FROM refunds WHERE booking_id = ?`, bookingID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum refunds: %w", err)
	}
	return total, nil
}

// RecordRefund stores a refund. When the refund belongs to a booking, the
// booking's status is derived from everything refunded so far, inside the
// same transaction: refunded once the total covers the booking amount,
// partially_refunded before that. With accounting set, the admin's revenue
// counter is decremented and refund counter incremented as well.
func (db *DB) RecordRefund(ctx context.Context, r models.Refund, accounting bool) (models.BookingStatus, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO refunds (
		id, booking_id, payment_intent_id, processor_refund_id, amount_minor, reason, status, admin_id, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.BookingID, r.PaymentIntentID, r.ProcessorID, r.AmountMinor, r.Reason, r.Status, r.AdminID,
		formatTime(r.CreatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert refund: %w", err)
	}

	var status models.BookingStatus
	if r.BookingID != "" {
		var amount, refunded int64
		err := tx.QueryRowContext(ctx, `SELECT b.amount_minor,
			(SELECT COALESCE(SUM(amount_minor), 0) FROM refunds WHERE booking_id = b.id)
			FROM bookings b WHERE b.id = ?`, r.BookingID,
		).Scan(&amount, &refunded)
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		if err != nil {
			return "", fmt.Errorf("failed to sum refunds: %w", err)
		}

		status = models.BookingStatusPartiallyRefunded
		if refunded >= amount {
			status = models.BookingStatusRefunded
		}
		if _, err := tx.ExecContext(ctx, `UPDATE bookings SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), formatTime(time.Now()), r.BookingID); err != nil {
			return "", fmt.Errorf("failed to update booking status: %w", err)
		}
	}

	if accounting && r.AdminID != "" {
		if err := adjustStats(ctx, tx, r.AdminID, -r.AmountMinor, 1); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return status, nil
}

// GetAdminStats returns the counters for an admin; unknown admins have zero counters.
func (db *DB) GetAdminStats(ctx context.Context, adminID string) (models.AdminStats, error) {
	stats := models.AdminStats{AdminID: adminID}
	err := db.conn.QueryRowContext(ctx,
		`SELECT revenue_minor, refund_count FROM admin_stats WHERE admin_id = ?`, adminID,
	).Scan(&stats.RevenueMinor, &stats.RefundCount)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return stats, fmt.Errorf("failed to get admin stats: %w", err)
	}
	return stats, nil
}

func adjustStats(ctx context.Context, tx *sql.Tx, adminID string, revenueDelta int64, refundDelta int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO admin_stats (admin_id, revenue_minor, refund_count)
		VALUES (?, ?, ?)
		ON CONFLICT(admin_id) DO UPDATE SET
			revenue_minor = revenue_minor + excluded.revenue_minor,
			refund_count = refund_count + excluded.refund_count`,
		adminID, revenueDelta, refundDelta)
	if err != nil {
		return fmt.Errorf("failed to update admin stats: %w", err)
	}
	return nil
}

// --- helpers ---

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// serializeRoutes converts a route list to a JSON string.
func serializeRoutes(routes []string) string {
	if len(routes) == 0 {
		return "[]"
	}
	normalized := make([]string, len(routes))
	for i, r := range routes {
		normalized[i] = strings.ToUpper(strings.TrimSpace(r))
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return strings.Join(normalized, ",")
	}
	return string(data)
}

// deserializeRoutes converts a serialized route list back to a slice.
func deserializeRoutes(serialized string) []string {
	if serialized == "" || serialized == "[]" {
		return []string{}
	}

	var result []string
	if err := json.Unmarshal([]byte(serialized), &result); err == nil {
		return result
	}

	return strings.Split(serialized, ",")
}
