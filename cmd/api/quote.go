package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"flight-booking-api/internal/models"
	"flight-booking-api/internal/pricing"
)

var (
	quoteBase         float64
	quoteClass        string
	quoteDeparture    string
	quoteNow          string
	quoteBooked       int
	quoteTotal        int
	quoteDiscount     float64
	quoteLegacy       bool
	quoteDemandFactor float64
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Price a seat offline",
	Long: `Compute a fare with the pricing engine without a database.

Examples:
  flight-booking-api quote --base 100 --departure 2025-07-20T09:00:00Z --booked 40 --total 100
  flight-booking-api quote --base 100 --class business --discount 15 --legacy`,
	RunE: runQuote,
}

func init() {
	quoteCmd.Flags().Float64Var(&quoteBase, "base", 0, "base fare in major units")
	quoteCmd.Flags().StringVar(&quoteClass, "class", string(models.SeatClassEconomy), "seat class (economy, business, first)")
	quoteCmd.Flags().StringVar(&quoteDeparture, "departure", "", "departure time, RFC3339")
	quoteCmd.Flags().StringVar(&quoteNow, "now", "", "pricing time, RFC3339 (default: current time)")
	quoteCmd.Flags().IntVar(&quoteBooked, "booked", 0, "seats already booked")
	quoteCmd.Flags().IntVar(&quoteTotal, "total", 0, "total seats in the class")
	quoteCmd.Flags().Float64Var(&quoteDiscount, "discount", 0, "percentage discount of an applicable offer")
	quoteCmd.Flags().BoolVar(&quoteLegacy, "legacy", false, "use the legacy pricing table")
	quoteCmd.Flags().Float64Var(&quoteDemandFactor, "demand-factor", 0, "override the demand factor")
	_ = quoteCmd.MarkFlagRequired("base")
}

func runQuote(cmd *cobra.Command, args []string) error {
	class := models.SeatClass(quoteClass)
	if !class.Valid() {
		return fmt.Errorf("unknown seat class %q", quoteClass)
	}
	now := time.Now().UTC()
	if quoteNow != "" {
		t, err := time.Parse(time.RFC3339, quoteNow)
		if err != nil {
			return fmt.Errorf("invalid --now: %w", err)
		}
		now = t
	}
	var departure time.Time
	if quoteDeparture != "" {
		t, err := time.Parse(time.RFC3339, quoteDeparture)
		if err != nil {
			return fmt.Errorf("invalid --departure: %w", err)
		}
		departure = t
	}

	policy := pricing.DefaultPolicy()
	if quoteLegacy {
		policy = pricing.LegacyPolicy()
	}
	if quoteDemandFactor > 0 {
		policy = policy.WithDemandFactor(quoteDemandFactor)
	}
	engine := pricing.NewEngine(policy)

	var offers []models.Offer
	if quoteDiscount > 0 {
		offers = append(offers, models.Offer{
			ID:                 "cli",
			DiscountPercentage: quoteDiscount,
			Active:             true,
			StartsAt:           now.Add(-time.Minute),
			EndsAt:             now.Add(time.Minute),
		})
	}

	base := pricing.FromFloat(quoteBase).Mul(pricing.FromFloat(models.ClassMultiplier(class)))
	res := engine.Quote(pricing.FlightQuote{
		BasePrice:     base,
		DepartureTime: departure,
		BookedSeats:   quoteBooked,
		TotalSeats:    quoteTotal,
	}, offers, "", now)

	out := struct {
		Policy       string `json:"policy"`
		SeatClass    string `json:"seatClass"`
		BasePrice    string `json:"basePrice"`
		Demand       string `json:"demandMultiplier"`
		Time         string `json:"timeMultiplier"`
		Seasonal     string `json:"seasonalMultiplier"`
		DynamicPrice string `json:"dynamicPrice"`
		OfferApplied bool   `json:"offerApplied"`
		FinalPrice   string `json:"finalPrice"`
	}{
		Policy:       policy.Name,
		SeatClass:    string(class),
		BasePrice:    base.String(),
		Demand:       res.Demand.String(),
		Time:         res.Time.String(),
		Seasonal:     res.Seasonal.String(),
		DynamicPrice: res.DynamicPrice.String(),
		OfferApplied: res.Offer != nil,
		FinalPrice:   res.FinalPrice.String(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
