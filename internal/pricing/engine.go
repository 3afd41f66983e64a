// Package pricing computes displayed fares from a base price, flight demand and
// schedule, and the promotional offers currently running.
//
// Everything here is pure: no I/O, no shared mutable state. An Engine may be
// used from any number of goroutines.
package pricing

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"flight-booking-api/internal/models"
)

// FlightQuote is the flight context a price is computed for.
// A zero DepartureTime means the schedule is unknown.
type FlightQuote struct {
	BasePrice     decimal.Decimal
	DepartureTime time.Time
	BookedSeats   int
	TotalSeats    int
}

// Result is a priced quote with its breakdown.
type Result struct {
	Demand       decimal.Decimal
	Time         decimal.Decimal
	Seasonal     decimal.Decimal
	DynamicPrice decimal.Decimal // rounded, before any offer
	Offer        *models.Offer
	FinalPrice   decimal.Decimal // rounded, after the offer
}

// Engine applies a Policy.
type Engine struct {
	policy Policy
}

// NewEngine creates an engine for the given policy.
func NewEngine(policy Policy) *Engine {
	return &Engine{policy: policy}
}

// Policy returns the policy the engine was built with.
func (e *Engine) Policy() Policy {
	return e.policy
}

// OccupancyRate returns booked/total clamped to [0,1]; 0 when total is not positive.
func OccupancyRate(booked, total int) decimal.Decimal {
	if total <= 0 || booked <= 0 {
		return zero
	}
	if booked >= total {
		return one
	}
	return decimal.NewFromInt(int64(booked)).Div(decimal.NewFromInt(int64(total)))
}

// DemandMultiplier returns 1 + occupancy * k.
func (e *Engine) DemandMultiplier(booked, total int) decimal.Decimal {
	return one.Add(OccupancyRate(booked, total).Mul(e.policy.DemandFactor))
}

// TimeMultiplier steps on whole days until departure. Departures already in
// the past fall into the nearest tier.
func (e *Engine) TimeMultiplier(departure, now time.Time) decimal.Decimal {
	if departure.IsZero() {
		return one
	}
	days := int(math.Floor(departure.Sub(now).Hours() / 24))
	for _, tier := range e.policy.TimeTiers {
		if days < tier.UnderDays {
			return tier.Multiplier
		}
	}
	return one
}

// SeasonalMultiplier looks up the departure month.
func (e *Engine) SeasonalMultiplier(departure time.Time) decimal.Decimal {
	if departure.IsZero() {
		return one
	}
	if m, ok := e.policy.SeasonalMonths[departure.Month()]; ok {
		return m
	}
	return one
}

// ComputeDynamicPrice returns base * demand * time * seasonal rounded to a whole
// currency unit. Negative bases yield 0.
func (e *Engine) ComputeDynamicPrice(basePrice decimal.Decimal, flight FlightQuote, now time.Time) decimal.Decimal {
	if !basePrice.IsPositive() {
		return zero
	}
	return basePrice.
		Mul(e.DemandMultiplier(flight.BookedSeats, flight.TotalSeats)).
		Mul(e.TimeMultiplier(flight.DepartureTime, now)).
		Mul(e.SeasonalMultiplier(flight.DepartureTime)).
		Round(0)
}

// Quote prices a flight and applies the best qualifying offer for route.
func (e *Engine) Quote(flight FlightQuote, offers []models.Offer, route string, now time.Time) Result {
	res := Result{
		Demand:   e.DemandMultiplier(flight.BookedSeats, flight.TotalSeats),
		Time:     e.TimeMultiplier(flight.DepartureTime, now),
		Seasonal: e.SeasonalMultiplier(flight.DepartureTime),
	}
	res.DynamicPrice = e.ComputeDynamicPrice(flight.BasePrice, flight, now)
	res.FinalPrice = res.DynamicPrice

	if best, ok := SelectBestOffer(offers, route, now); ok {
		res.Offer = &best
		res.FinalPrice = ApplyOffer(res.DynamicPrice, best.DiscountPercentage)
	}
	return res
}

// Qualifies reports whether offer can be applied to route at now.
func Qualifies(offer models.Offer, route string, now time.Time) bool {
	if !offer.Active || !offer.EndsAt.After(now) {
		return false
	}
	if !offer.StartsAt.IsZero() && offer.StartsAt.After(now) {
		return false
	}
	if len(offer.Routes) == 0 {
		return true
	}
	for _, r := range offer.Routes {
		if strings.EqualFold(strings.TrimSpace(r), route) {
			return true
		}
	}
	return false
}

// SelectBestOffer returns the qualifying offer with the largest discount.
// Discounts never stack. On ties the earliest offer in the slice wins.
func SelectBestOffer(offers []models.Offer, route string, now time.Time) (models.Offer, bool) {
	var (
		best  models.Offer
		found bool
	)
	for _, o := range offers {
		if !Qualifies(o, route, now) {
			continue
		}
		if !found || o.DiscountPercentage > best.DiscountPercentage {
			best = o
			found = true
		}
	}
	return best, found
}

// ApplyOffer discounts price by percentage (clamped to [0,100]) and rounds.
func ApplyOffer(price decimal.Decimal, percentage float64) decimal.Decimal {
	pct := FromFloat(percentage)
	if pct.IsNegative() {
		pct = zero
	}
	if pct.GreaterThan(hundred) {
		pct = hundred
	}
	out := price.Mul(one.Sub(pct.Div(hundred))).Round(0)
	if out.IsNegative() {
		return zero
	}
	return out
}

// FromFloat converts f to a decimal, mapping NaN and infinities to zero.
func FromFloat(f float64) decimal.Decimal {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return zero
	}
	return decimal.NewFromFloat(f)
}
