package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"flight-booking-api/internal/cache"
	"flight-booking-api/internal/features"
	"flight-booking-api/internal/live"
	"flight-booking-api/internal/middleware"
	"flight-booking-api/internal/models"
	"flight-booking-api/internal/payment"
	"flight-booking-api/internal/service"
	"flight-booking-api/internal/validation"
)

const (
	// IdempotencyKeyHeader lets clients retry payment calls safely.
	IdempotencyKeyHeader = "Idempotency-Key"
	// SignatureHeader carries the processor's webhook signature.
	SignatureHeader = "Stripe-Signature"

	maxWebhookBodySize = 64 << 10
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	service     *service.Service
	live        *live.Server
	logger      *slog.Logger
	maxBodySize int64
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	Logger      *slog.Logger
	// AllowedOrigins restricts websocket upgrades; see live.NewServer.
	AllowedOrigins []string
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	return &Handler{
		service:     svc,
		live:        live.NewServer(svc.WatchSeats, opts.Logger, opts.AllowedOrigins),
		logger:      opts.Logger,
		maxBodySize: opts.MaxBodySize,
	}
}

// ListFlights handles GET /flights
func (h *Handler) ListFlights(w http.ResponseWriter, r *http.Request) {
	flights, err := h.service.ListFlights(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if flights == nil {
		flights = []models.Flight{}
	}
	h.respondJSON(w, http.StatusOK, flights)
}

// CreateFlight handles POST /flights
func (h *Handler) CreateFlight(w http.ResponseWriter, r *http.Request) {
	var req models.Flight
	if !h.decode(w, r, &req) {
		return
	}
	flight, err := h.service.CreateFlight(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, flight)
}

// GetFlight handles GET /flights/{id}
func (h *Handler) GetFlight(w http.ResponseWriter, r *http.Request) {
	flight, err := h.service.GetFlight(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, flight)
}

// GetQuote handles GET /flights/{id}/quote?class=&now=
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	class := models.SeatClass(validation.SanitizeString(r.URL.Query().Get("class")))

	// Parse optional 'now' query parameter
	var now time.Time
	if nowParam := r.URL.Query().Get("now"); nowParam != "" {
		parsed, err := validation.ValidateTimeString(validation.SanitizeString(nowParam))
		if err != nil {
			h.respondError(w, r, &validation.ValidationError{Field: "now", Message: "must be RFC3339 format"})
			return
		}
		now = parsed.UTC()
	}

	quote, err := h.service.Quote(r.Context(), chi.URLParam(r, "id"), class, now)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, quote)
}

// GetAvailability handles GET /flights/{id}/availability
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	seats, err := h.service.Availability(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, seats)
}

// LiveSeats handles GET /flights/{id}/live by upgrading to a websocket.
func (h *Handler) LiveSeats(w http.ResponseWriter, r *http.Request) {
	if !h.service.Features().IsEnabled(features.FeatureLiveUpdates) {
		h.respondJSON(w, http.StatusNotFound, models.ErrorResponse{Error: models.ErrorBody{
			Message: "live updates are disabled", Type: "invalid_request_error", Code: "feature_disabled",
		}})
		return
	}
	flight, err := h.service.GetFlight(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.live.Serve(w, r, flight.ID)
}

// ListOffers handles GET /offers
func (h *Handler) ListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.service.ActiveOffers(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if offers == nil {
		offers = []models.Offer{}
	}
	h.respondJSON(w, http.StatusOK, offers)
}

// CreateOffer handles POST /offers
func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	var req models.Offer
	if !h.decode(w, r, &req) {
		return
	}
	offer, err := h.service.CreateOffer(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, offer)
}

// CreateBooking handles POST /bookings
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req models.CreateBookingRequest
	if !h.decode(w, r, &req) {
		return
	}
	booking, err := h.service.CreateBooking(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, booking)
}

// GetBooking handles GET /bookings/{id}
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	booking, err := h.service.GetBooking(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, booking)
}

// CancelBooking handles POST /bookings/{id}/cancel
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	booking, err := h.service.CancelBooking(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, booking)
}

// ConfirmBooking handles POST /bookings/{id}/confirm
func (h *Handler) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	var req models.ConfirmBookingRequest
	if !h.decode(w, r, &req) {
		return
	}
	booking, err := h.service.ConfirmBooking(r.Context(), chi.URLParam(r, "id"), validation.SanitizeString(req.PaymentIntentID))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, booking)
}

// GetConfig handles GET /config
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.service.Config())
}

// CreatePaymentIntent handles POST /create-payment-intent
func (h *Handler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	var req models.CreatePaymentIntentRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.service.CreatePaymentIntent(r.Context(), req, idempotencyKey(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// Refund handles POST /refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req models.RefundRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.PaymentIntentID = validation.SanitizeString(req.PaymentIntentID)
	resp, err := h.service.Refund(r.Context(), req, idempotencyKey(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// PartialRefund handles POST /partial-refund
func (h *Handler) PartialRefund(w http.ResponseWriter, r *http.Request) {
	var req models.PartialRefundRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.PaymentIntentID = validation.SanitizeString(req.PaymentIntentID)
	req.AdminID = validation.SanitizeString(req.AdminID)
	resp, err := h.service.PartialRefund(r.Context(), req, idempotencyKey(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// Webhook handles POST /webhook. The body is read raw so the signature can
// be verified over the exact bytes the processor sent.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		h.respondJSON(w, http.StatusRequestEntityTooLarge, models.ErrorResponse{Error: models.ErrorBody{
			Message: "webhook payload too large", Type: "invalid_request_error",
		}})
		return
	}

	res, err := h.service.HandleWebhook(r.Context(), payload, r.Header.Get(SignatureHeader))
	if err != nil {
		// The processor treats any non-2xx as a retry; bad signatures are a 400.
		if payment.IsKind(err, payment.KindAuth) {
			h.logger.WarnContext(r.Context(), "rejected webhook", "error", err)
			h.respondJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: models.ErrorBody{
				Message: "webhook signature verification failed", Type: "invalid_request_error", Code: "signature_invalid",
			}})
			return
		}
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// AdminStats handles GET /admin/stats/{adminId}
func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	adminID := validation.SanitizeString(chi.URLParam(r, "adminId"))
	if adminID == "me" {
		if claims, ok := middleware.AdminFromContext(r.Context()); ok {
			adminID = claims.AdminID
		}
	}
	stats, err := h.service.AdminStats(r.Context(), adminID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// ListFeatures handles GET /admin/features
func (h *Handler) ListFeatures(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.service.Features().List())
}

type setFeatureRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// SetFeature handles PUT /admin/features/{name}
func (h *Handler) SetFeature(w http.ResponseWriter, r *http.Request) {
	var req setFeatureRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validation.Struct(req); err != nil {
		h.respondError(w, r, err)
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.service.Features().Set(name, *req.Enabled); err != nil {
		h.respondError(w, r, errors.Join(err, service.ErrNotFound))
		return
	}
	if claims, ok := middleware.AdminFromContext(r.Context()); ok {
		h.logger.InfoContext(r.Context(), "feature flag changed", "flag", name, "enabled", *req.Enabled, "admin_id", claims.AdminID)
	}
	h.respondJSON(w, http.StatusOK, features.FeatureFlag{Name: name, Enabled: *req.Enabled})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func idempotencyKey(r *http.Request) string {
	return validation.SanitizeString(r.Header.Get(IdempotencyKeyHeader))
}

// decode reads a JSON body into dst, writing a 400 and returning false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	// Limit request body size to prevent abuse
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			h.respondError(w, r, &validation.ValidationError{Field: "body", Message: "request body is required"})
		case errors.As(err, &tooLarge):
			h.respondJSON(w, http.StatusRequestEntityTooLarge, models.ErrorResponse{Error: models.ErrorBody{
				Message: "request body too large", Type: "invalid_request_error",
			}})
		default:
			h.respondError(w, r, &validation.ValidationError{Field: "body", Message: "invalid JSON in request body"})
		}
		return false
	}
	return true
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError maps err to a status code and error body.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	h.respondJSON(w, status, models.ErrorResponse{Error: body})
}

var conflictCodes = []struct {
	err  error
	code string
}{
	{service.ErrPaymentIncomplete, "payment_incomplete"},
	{service.ErrAmountMismatch, "amount_mismatch"},
	{service.ErrIntentMismatch, "intent_mismatch"},
	{service.ErrIntentBound, "intent_bound"},
	{service.ErrPaidBooking, "booking_paid"},
	{service.ErrNotRefundable, "not_refundable"},
	{service.ErrCapacityExceeded, "capacity_exceeded"},
	{service.ErrConflict, "conflict"},
}

func classify(err error) (int, models.ErrorBody) {
	var ve *validation.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, models.ErrorBody{Message: ve.Error(), Type: "invalid_request_error", Code: "validation_failed"}
	}
	if errors.Is(err, cache.ErrInFlight) {
		return http.StatusConflict, models.ErrorBody{
			Message: "a request with this idempotency key is in progress", Type: "idempotency_error", Code: "request_in_progress",
		}
	}
	if errors.Is(err, service.ErrNotFound) {
		return http.StatusNotFound, models.ErrorBody{Message: "resource not found", Type: "invalid_request_error", Code: "resource_missing"}
	}
	for _, c := range conflictCodes {
		if errors.Is(err, c.err) {
			return http.StatusConflict, models.ErrorBody{Message: err.Error(), Type: "conflict_error", Code: c.code}
		}
	}

	if pe, ok := payment.AsError(err); ok {
		body := models.ErrorBody{Message: pe.Message, Type: string(pe.Kind), Code: pe.Code}
		switch pe.Kind {
		case payment.KindValidation:
			body.Type = "invalid_request_error"
			return http.StatusBadRequest, body
		case payment.KindAuth:
			return http.StatusUnauthorized, body
		case payment.KindNotFound:
			body.Type = "invalid_request_error"
			return http.StatusNotFound, body
		case payment.KindCard:
			return http.StatusPaymentRequired, body
		default:
			body.Message = "the payment processor is unavailable, please retry"
			return http.StatusBadGateway, body
		}
	}

	return http.StatusInternalServerError, models.ErrorBody{Message: "internal server error", Type: "api_error"}
}
