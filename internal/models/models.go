package models

import (
	"strings"
	"time"
)

// SeatClass partitions a flight's seat inventory.
type SeatClass string

const (
	SeatClassEconomy  SeatClass = "economy"
	SeatClassBusiness SeatClass = "business"
	SeatClassFirst    SeatClass = "first"
)

// Valid reports whether c is one of the known seat classes.
func (c SeatClass) Valid() bool {
	switch c {
	case SeatClassEconomy, SeatClassBusiness, SeatClassFirst:
		return true
	}
	return false
}

// SeatClasses lists every seat class in display order.
var SeatClasses = []SeatClass{SeatClassEconomy, SeatClassBusiness, SeatClassFirst}

// Flight is a scheduled flight with per-class capacity.
type Flight struct {
	ID            string    `json:"id" validate:"required,uuid4"`
	FlightNumber  string    `json:"flightNumber" validate:"required,max=10"`
	Origin        string    `json:"origin" validate:"required,len=3,alpha"`
	Destination   string    `json:"destination" validate:"required,len=3,alpha,nefield=Origin"`
	DepartureTime time.Time `json:"departureTime" validate:"required"`
	ArrivalTime   time.Time `json:"arrivalTime" validate:"required,gtfield=DepartureTime"`
	BasePrice     float64   `json:"basePrice" validate:"gt=0"` // major currency units
	Currency      string    `json:"currency" validate:"required,len=3"`
	EconomySeats  int       `json:"economySeats" validate:"gte=0"`
	BusinessSeats int       `json:"businessSeats" validate:"gte=0"`
	FirstSeats    int       `json:"firstSeats" validate:"gte=0"`
}

// Route returns the route key used for offer matching, e.g. "JFK-LAX".
func (f Flight) Route() string {
	return strings.ToUpper(f.Origin) + "-" + strings.ToUpper(f.Destination)
}

// Capacity returns the number of seats in the given class.
func (f Flight) Capacity(class SeatClass) int {
	switch class {
	case SeatClassBusiness:
		return f.BusinessSeats
	case SeatClassFirst:
		return f.FirstSeats
	default:
		return f.EconomySeats
	}
}

// ClassMultiplier scales the base fare for premium cabins.
func ClassMultiplier(class SeatClass) float64 {
	switch class {
	case SeatClassBusiness:
		return 2.5
	case SeatClassFirst:
		return 4
	default:
		return 1
	}
}

// Offer represents a time-boxed, optionally route-scoped percentage discount.
type Offer struct {
	ID                 string    `json:"id" validate:"required,uuid4"`
	Title              string    `json:"title" validate:"max=120"`
	DiscountPercentage float64   `json:"discountPercentage" validate:"gte=0,lte=100"`
	Active             bool      `json:"active"`
	Routes             []string  `json:"routes" validate:"max=100,dive,required"` // empty = all routes
	StartsAt           time.Time `json:"startsAt" validate:"required"`
	EndsAt             time.Time `json:"endsAt" validate:"required,gtfield=StartsAt"`
}

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	BookingStatusPending           BookingStatus = "pending"
	BookingStatusConfirmed         BookingStatus = "confirmed"
	BookingStatusCancelled         BookingStatus = "cancelled"
	BookingStatusRefunded          BookingStatus = "refunded"
	BookingStatusPartiallyRefunded BookingStatus = "partially_refunded"
)

// HoldsSeats reports whether a booking in this status occupies seats.
func (s BookingStatus) HoldsSeats() bool {
	return s != BookingStatusCancelled && s != BookingStatusRefunded
}

// Booking is a passenger reservation on a flight.
type Booking struct {
	ID              string        `json:"id"`
	FlightID        string        `json:"flightId"`
	SeatClass       SeatClass     `json:"seatClass"`
	Passengers      int           `json:"passengers"`
	CustomerEmail   string        `json:"customerEmail"`
	AmountMinor     int64         `json:"amountMinor"`
	Currency        string        `json:"currency"`
	Status          BookingStatus `json:"status"`
	OfferID         string        `json:"offerId,omitempty"`
	PaymentIntentID string        `json:"paymentIntentId,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// Refund records money returned to a customer.
type Refund struct {
	ID              string    `json:"id"`
	BookingID       string    `json:"bookingId,omitempty"`
	PaymentIntentID string    `json:"paymentIntentId"`
	ProcessorID     string    `json:"processorRefundId"`
	AmountMinor     int64     `json:"amountMinor"`
	Reason          string    `json:"reason,omitempty"`
	Status          string    `json:"status"`
	AdminID         string    `json:"adminId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// AdminStats holds the accounting counters kept per admin.
type AdminStats struct {
	AdminID      string `json:"adminId"`
	RevenueMinor int64  `json:"revenueMinor"`
	RefundCount  int    `json:"refundCount"`
}

// SeatAvailability describes remaining inventory for one class.
type SeatAvailability struct {
	FlightID    string    `json:"flightId"`
	SeatClass   SeatClass `json:"seatClass"`
	BookedSeats int       `json:"bookedSeats"`
	TotalSeats  int       `json:"totalSeats"`
}

// Quote is the priced result shown to a customer for one seat.
type Quote struct {
	FlightID           string    `json:"flightId"`
	SeatClass          SeatClass `json:"seatClass"`
	Currency           string    `json:"currency"`
	BasePrice          float64   `json:"basePrice"`
	DemandMultiplier   float64   `json:"demandMultiplier"`
	TimeMultiplier     float64   `json:"timeMultiplier"`
	SeasonalMultiplier float64   `json:"seasonalMultiplier"`
	DynamicPrice       int64     `json:"dynamicPrice"`
	OfferID            string    `json:"offerId,omitempty"`
	DiscountPercentage float64   `json:"discountPercentage,omitempty"`
	FinalPrice         int64     `json:"finalPrice"`
	BookedSeats        int       `json:"bookedSeats"`
	TotalSeats         int       `json:"totalSeats"`
	QuotedAt           time.Time `json:"quotedAt"`
}

// CreateBookingRequest is the request body for POST /bookings.
type CreateBookingRequest struct {
	FlightID      string    `json:"flightId" validate:"required,uuid4"`
	SeatClass     SeatClass `json:"seatClass" validate:"required,oneof=economy business first"`
	Passengers    int       `json:"passengers" validate:"required,min=1,max=9"`
	CustomerEmail string    `json:"customerEmail" validate:"required,email"`
}

// ConfirmBookingRequest is the request body for POST /bookings/{id}/confirm.
type ConfirmBookingRequest struct {
	PaymentIntentID string `json:"paymentIntentId" validate:"required"`
}

// CreatePaymentIntentRequest is the request body for POST /create-payment-intent.
type CreatePaymentIntentRequest struct {
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"omitempty,len=3"`
	Description string `json:"description" validate:"max=500"`
	BookingID   string `json:"bookingId" validate:"omitempty,uuid4"`
}

// CreatePaymentIntentResponse is returned by POST /create-payment-intent.
type CreatePaymentIntentResponse struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
}

// RefundRequest is the request body for POST /refund.
type RefundRequest struct {
	PaymentIntentID string `json:"paymentIntentId" validate:"required"`
	Amount          int64  `json:"amount,omitempty" validate:"gte=0"`
	Reason          string `json:"reason,omitempty" validate:"omitempty,oneof=duplicate fraudulent requested_by_customer"`
	BookingID       string `json:"bookingId,omitempty" validate:"omitempty,uuid4"`
}

// RefundResponse is returned by POST /refund.
type RefundResponse struct {
	RefundID string `json:"refundId"`
	Amount   int64  `json:"amount"`
	Status   string `json:"status"`
}

// PartialRefundRequest is the request body for POST /partial-refund.
type PartialRefundRequest struct {
	PaymentIntentID string `json:"paymentIntentId" validate:"required"`
	Amount          int64  `json:"amount" validate:"required,gt=0"`
	BookingID       string `json:"bookingId" validate:"required,uuid4"`
	AdminID         string `json:"adminId" validate:"required"`
	Reason          string `json:"reason,omitempty" validate:"omitempty,oneof=duplicate fraudulent requested_by_customer"`
}

// PartialRefundResponse is returned by POST /partial-refund.
type PartialRefundResponse struct {
	Success bool           `json:"success"`
	Refund  RefundResponse `json:"refund"`
	Status  BookingStatus  `json:"status"`
}

// ConfigResponse is returned by GET /config.
type ConfigResponse struct {
	PublishableKey string `json:"publishableKey"`
}

// ErrorBody is the payload inside an error response.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
