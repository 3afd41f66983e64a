package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// TimeTier applies Multiplier when a departure is fewer than UnderDays whole days away.
type TimeTier struct {
	UnderDays  int
	Multiplier decimal.Decimal
}

// Policy holds the tunable constants of the dynamic pricing formula.
// TimeTiers must be sorted by ascending UnderDays.
type Policy struct {
	Name           string
	DemandFactor   decimal.Decimal
	TimeTiers      []TimeTier
	SeasonalMonths map[time.Month]decimal.Decimal
}

var (
	one      = decimal.NewFromInt(1)
	hundred  = decimal.NewFromInt(100)
	zero     = decimal.Zero
	summer   = decimal.RequireFromString("1.15")
	holidays = decimal.RequireFromString("1.2")
)

// DefaultPolicy is the canonical pricing table: 3/7/30 day tiers, a summer
// premium for June through September and a holiday premium for December and January.
func DefaultPolicy() Policy {
	return Policy{
		Name:         "default",
		DemandFactor: decimal.RequireFromString("0.5"),
		TimeTiers: []TimeTier{
			{UnderDays: 3, Multiplier: decimal.RequireFromString("1.3")},
			{UnderDays: 7, Multiplier: decimal.RequireFromString("1.2")},
			{UnderDays: 30, Multiplier: decimal.RequireFromString("1.1")},
		},
		SeasonalMonths: map[time.Month]decimal.Decimal{
			time.June:      summer,
			time.July:      summer,
			time.August:    summer,
			time.September: summer,
			time.December:  holidays,
			time.January:   holidays,
		},
	}
}

// LegacyPolicy is the older 7/30 day table with a summer premium only and a
// full-occupancy demand factor.
//
// Deprecated: kept for comparison with historical quotes. Use DefaultPolicy.
func LegacyPolicy() Policy {
	return Policy{
		Name:         "legacy",
		DemandFactor: one,
		TimeTiers: []TimeTier{
			{UnderDays: 7, Multiplier: decimal.RequireFromString("1.2")},
			{UnderDays: 30, Multiplier: decimal.RequireFromString("1.1")},
		},
		SeasonalMonths: map[time.Month]decimal.Decimal{
			time.June:      summer,
			time.July:      summer,
			time.August:    summer,
			time.September: summer,
		},
	}
}

// WithDemandFactor returns a copy of p using k as the demand factor.
// Negative factors are ignored so the demand multiplier never drops below 1.
func (p Policy) WithDemandFactor(k float64) Policy {
	d := FromFloat(k)
	if d.IsNegative() {
		return p
	}
	p.DemandFactor = d
	return p
}
