package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Platform identifies an upstream advertising platform.
type Platform string

const (
	PlatformMeta   Platform = "meta"
	PlatformGoogle Platform = "google"
)

// Valid reports whether p is a supported platform.
func (p Platform) Valid() bool {
	return p == PlatformMeta || p == PlatformGoogle
}

// Granularity is the period size of a cached snapshot.
type Granularity string

const (
	GranularityMonth Granularity = "month"
	GranularityWeek  Granularity = "week"
)

func (g Granularity) Valid() bool {
	return g == GranularityMonth || g == GranularityWeek
}

// SummaryType returns the durable summary type for the granularity.
func (g Granularity) SummaryType() SummaryType {
	if g == GranularityWeek {
		return SummaryWeekly
	}
	return SummaryMonthly
}

// ===========================================
// CANONICAL METRIC RECORD
// ===========================================

// CanonicalMetricRecord is the platform-neutral metric row, per campaign or aggregated.
// Derived ratios are never stored; see Ratios.
type CanonicalMetricRecord struct {
	CampaignID   string `json:"campaign_id,omitempty"`
	CampaignName string `json:"campaign_name,omitempty"`

	Spend       decimal.Decimal `json:"spend"`
	Impressions int64           `json:"impressions"`
	Clicks      int64           `json:"clicks"`

	// Funnel
	ClickToCall      int64           `json:"click_to_call"`
	EmailContacts    int64           `json:"email_contacts"`
	BookingStep1     int64           `json:"booking_step_1"`
	BookingStep2     int64           `json:"booking_step_2"`
	BookingStep3     int64           `json:"booking_step_3"`
	Reservations     int64           `json:"reservations"`
	ReservationValue decimal.Decimal `json:"reservation_value"`
}

// Add accumulates o's counters into r. Identifiers are left untouched.
func (r *CanonicalMetricRecord) Add(o CanonicalMetricRecord) {
	r.Spend = r.Spend.Add(o.Spend)
	r.Impressions += o.Impressions
	r.Clicks += o.Clicks
	r.ClickToCall += o.ClickToCall
	r.EmailContacts += o.EmailContacts
	r.BookingStep1 += o.BookingStep1
	r.BookingStep2 += o.BookingStep2
	r.BookingStep3 += o.BookingStep3
	r.Reservations += o.Reservations
	r.ReservationValue = r.ReservationValue.Add(o.ReservationValue)
}

// Counters returns a copy of r without identifiers.
func (r CanonicalMetricRecord) Counters() CanonicalMetricRecord {
	r.CampaignID = ""
	r.CampaignName = ""
	return r
}

// Equal compares counters field by field. Decimals are compared by value.
func (r CanonicalMetricRecord) Equal(o CanonicalMetricRecord) bool {
	return r.Spend.Equal(o.Spend) &&
		r.Impressions == o.Impressions &&
		r.Clicks == o.Clicks &&
		r.ClickToCall == o.ClickToCall &&
		r.EmailContacts == o.EmailContacts &&
		r.BookingStep1 == o.BookingStep1 &&
		r.BookingStep2 == o.BookingStep2 &&
		r.BookingStep3 == o.BookingStep3 &&
		r.Reservations == o.Reservations &&
		r.ReservationValue.Equal(o.ReservationValue)
}

// Conversions is the CPA divisor: calls, email contacts and reservations.
// Booking steps are intermediate funnel stages and are not counted.
func (r CanonicalMetricRecord) Conversions() int64 {
	return r.ClickToCall + r.EmailContacts + r.Reservations
}

// Validate rejects negative counters.
func (r CanonicalMetricRecord) Validate() error {
	if r.Spend.IsNegative() || r.ReservationValue.IsNegative() {
		return fmt.Errorf("campaign %q: negative monetary value", r.CampaignID)
	}
	for name, v := range map[string]int64{
		"impressions":    r.Impressions,
		"clicks":         r.Clicks,
		"click_to_call":  r.ClickToCall,
		"email_contacts": r.EmailContacts,
		"booking_step_1": r.BookingStep1,
		"booking_step_2": r.BookingStep2,
		"booking_step_3": r.BookingStep3,
		"reservations":   r.Reservations,
	} {
		if v < 0 {
			return fmt.Errorf("campaign %q: negative %s", r.CampaignID, name)
		}
	}
	return nil
}

// Ratios are the derived metrics, computed on read. A zero divisor yields 0.
type Ratios struct {
	CTR                float64 `json:"ctr"`
	CPC                float64 `json:"cpc"`
	CPA                float64 `json:"cpa"`
	ROAS               float64 `json:"roas"`
	CostPerReservation float64 `json:"cost_per_reservation"`
}
