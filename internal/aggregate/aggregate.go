// Package aggregate sums canonical records and derives ratio metrics on read.
package aggregate

import (
	"github.com/radiusdt/ads-metrics-engine/internal/models"
	"github.com/shopspring/decimal"
)

// ratioPlaces bounds monetary ratio precision before conversion to float.
const ratioPlaces = 6

// Aggregate returns the field-wise sum of records. The result carries no campaign identifiers.
func Aggregate(records []models.CanonicalMetricRecord) models.CanonicalMetricRecord {
	var total models.CanonicalMetricRecord
	for _, r := range records {
		total.Add(r)
	}
	return total
}

// Ratios derives the read-time metrics. Every zero divisor yields 0.
func Ratios(r models.CanonicalMetricRecord) models.Ratios {
	var out models.Ratios

	// CTR
	if r.Impressions > 0 {
		out.CTR = float64(r.Clicks) / float64(r.Impressions) * 100
	}

	// CPC
	if r.Clicks > 0 {
		out.CPC = divide(r.Spend, decimal.NewFromInt(r.Clicks))
	}

	// CPA
	if conv := r.Conversions(); conv > 0 {
		out.CPA = divide(r.Spend, decimal.NewFromInt(conv))
	}

	// ROAS
	if r.Spend.IsPositive() {
		out.ROAS = divide(r.ReservationValue, r.Spend)
	}

	// Cost per reservation
	if r.Reservations > 0 {
		out.CostPerReservation = divide(r.Spend, decimal.NewFromInt(r.Reservations))
	}

	return out
}

// Views pairs each campaign record with its ratios.
func Views(records []models.CanonicalMetricRecord) []models.CampaignView {
	views := make([]models.CampaignView, 0, len(records))
	for _, r := range records {
		views = append(views, models.CampaignView{CanonicalMetricRecord: r, Ratios: Ratios(r)})
	}
	return views
}

func divide(num, den decimal.Decimal) float64 {
	f, _ := num.DivRound(den, ratioPlaces).Float64()
	return f
}
